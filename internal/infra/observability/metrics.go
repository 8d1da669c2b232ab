package observability

import (
	"time"

	"github.com/boddenberg/fintech-ledger-go/internal/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// Metrics holds all Prometheus metrics for the ledger.
type Metrics struct {
	// Registry is the Prometheus registry that owns these metrics.
	// Exposed so the /metrics endpoint can use it.
	Registry *prometheus.Registry

	requestDuration *prometheus.HistogramVec
	proposed        *prometheus.CounterVec
	decisions       *prometheus.CounterVec
	postedCents     *prometheus.CounterVec
	reversals       prometheus.Counter
	authzDenied     *prometheus.CounterVec
	storeErrors     *prometheus.CounterVec
	cacheHits       *prometheus.CounterVec
	cacheMisses     *prometheus.CounterVec
}

// NewMetrics creates a dedicated Prometheus registry and registers all
// application metrics in it. A private registry lets tests call
// NewMetrics more than once without duplicate collector panics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_request_duration_seconds",
				Help:    "Duration of ledger operations.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		proposed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_transactions_proposed_total",
				Help: "Transactions recorded as pending, by kind.",
			},
			[]string{"kind"},
		),
		decisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_decisions_total",
				Help: "Decisions on pending transactions, by outcome and result.",
			},
			[]string{"outcome", "result"},
		),
		postedCents: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_posted_amount_cents_total",
				Help: "Amount moved by approved transactions, in minor units.",
			},
			[]string{"kind"},
		),
		reversals: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_reversals_total",
				Help: "Approved transactions that were reversed.",
			},
		),
		authzDenied: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_authorization_denied_total",
				Help: "Requests refused by the authorization gate.",
			},
			[]string{"operation"},
		),
		storeErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_store_errors_total",
				Help: "Storage backend failures.",
			},
			[]string{"op"},
		),
		cacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_cache_hits_total",
				Help: "Total cache hits.",
			},
			[]string{"cache"},
		),
		cacheMisses: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_cache_misses_total",
				Help: "Total cache misses.",
			},
			[]string{"cache"},
		),
	}
}

// RecordRequestDuration records the duration of an operation.
func (m *Metrics) RecordRequestDuration(operation string, d time.Duration) {
	m.requestDuration.WithLabelValues(operation).Observe(d.Seconds())
}

// IncrProposed counts a newly pending transaction.
func (m *Metrics) IncrProposed(kind string) {
	m.proposed.WithLabelValues(kind).Inc()
}

// IncrDecision counts a decision attempt. result is "ok" on success.
func (m *Metrics) IncrDecision(outcome, result string) {
	m.decisions.WithLabelValues(outcome, result).Inc()
}

// AddPosted adds an approved amount to the posted volume.
func (m *Metrics) AddPosted(kind string, amount domain.Money) {
	m.postedCents.WithLabelValues(kind).Add(float64(amount))
}

// IncrReversal counts a completed reversal.
func (m *Metrics) IncrReversal() {
	m.reversals.Inc()
}

// IncrAuthzDenied counts a request refused by the gate.
func (m *Metrics) IncrAuthzDenied(operation string) {
	m.authzDenied.WithLabelValues(operation).Inc()
}

// IncrStoreError increments the storage error counter.
func (m *Metrics) IncrStoreError(op string) {
	m.storeErrors.WithLabelValues(op).Inc()
}

// IncrCacheHit increments the cache hit counter.
func (m *Metrics) IncrCacheHit(cache string) {
	m.cacheHits.WithLabelValues(cache).Inc()
}

// IncrCacheMiss increments the cache miss counter.
func (m *Metrics) IncrCacheMiss(cache string) {
	m.cacheMisses.WithLabelValues(cache).Inc()
}

// LedgerSnapshot returns the counters behind GET /v1/metrics/ledger.
func (m *Metrics) LedgerSnapshot() *domain.LedgerMetrics {
	kinds := []domain.TransactionKind{domain.KindDeposit, domain.KindWithdrawal, domain.KindTransfer, domain.KindLoanPayment}

	var proposed, posted float64
	for _, k := range kinds {
		proposed += counterValue(m.proposed.WithLabelValues(string(k)))
		posted += counterValue(m.postedCents.WithLabelValues(string(k)))
	}

	approved, approveFailed := sumDecisions(m.decisions, string(domain.OutcomeApprove))
	rejected, rejectFailed := sumDecisions(m.decisions, string(domain.OutcomeReject))

	var denied float64
	for _, op := range []domain.Operation{
		domain.OpPropose, domain.OpDecide, domain.OpReverse, domain.OpViewAccount,
		domain.OpListTransactions, domain.OpViewCustomer, domain.OpManageAccounts, domain.OpManageCustomers,
	} {
		denied += counterValue(m.authzDenied.WithLabelValues(string(op)))
	}

	approvalRate := float64(0)
	if approved+rejected > 0 {
		approvalRate = approved / (approved + rejected)
	}

	hits := counterValue(m.cacheHits.WithLabelValues("owner"))
	misses := counterValue(m.cacheMisses.WithLabelValues("owner"))
	hitRate := float64(0)
	if hits+misses > 0 {
		hitRate = hits / (hits + misses)
	}

	return &domain.LedgerMetrics{
		Proposed:            int64(proposed),
		Approved:            int64(approved),
		Rejected:            int64(rejected),
		FailedDecisions:     int64(approveFailed + rejectFailed),
		Reversals:           int64(counterValue(m.reversals)),
		AuthorizationDenied: int64(denied),
		PostedVolume:        domain.Money(posted).String(),
		ApprovalRate:        approvalRate,
		OwnerCacheHitRate:   hitRate,
		Period:              "all_time",
	}
}

// sumDecisions splits the decision counter for outcome into successes and failures.
func sumDecisions(cv *prometheus.CounterVec, outcome string) (ok, failed float64) {
	ch := make(chan prometheus.Metric, 64)
	go func() {
		cv.Collect(ch)
		close(ch)
	}()
	for metric := range ch {
		pb := &dto.Metric{}
		if err := metric.Write(pb); err != nil || pb.Counter == nil {
			continue
		}
		labels := map[string]string{}
		for _, lp := range pb.Label {
			labels[lp.GetName()] = lp.GetValue()
		}
		if labels["outcome"] != outcome {
			continue
		}
		if labels["result"] == "ok" {
			ok += pb.Counter.GetValue()
		} else {
			failed += pb.Counter.GetValue()
		}
	}
	return ok, failed
}

// counterValue extracts the current float64 value from a counter.
func counterValue(c prometheus.Counter) float64 {
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		return 0
	}
	if m.Counter != nil && m.Counter.Value != nil {
		return *m.Counter.Value
	}
	return 0
}
