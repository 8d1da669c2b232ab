// Package service provides the business logic layer (use cases).
// LedgerService is the only code that moves account balances: it proposes
// transactions, decides them, reverses them and owns account lifecycle.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/boddenberg/fintech-ledger-go/internal/domain"
	"github.com/boddenberg/fintech-ledger-go/internal/infra/observability"
	"github.com/boddenberg/fintech-ledger-go/internal/port"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var ledgerTracer = otel.Tracer("service/ledger")

// LedgerService orchestrates all ledger operations over a LedgerStore.
type LedgerService struct {
	accounts  port.AccountStore
	txs       port.TransactionRepository
	postings  port.PostingStore
	customers port.CustomerStore

	gate      *Gate
	locks     *lockTable
	owners    port.Cache[string]
	overdraft map[domain.AccountKind]domain.Money

	metrics *observability.Metrics
	logger  *zap.Logger
	now     func() time.Time
	newID   func() string
}

// LedgerOption customises a LedgerService.
type LedgerOption func(*LedgerService)

// WithOverdraftLimits lets accounts of the given kinds go negative down to
// -limit. Kinds not listed may never go below zero.
func WithOverdraftLimits(limits map[domain.AccountKind]domain.Money) LedgerOption {
	return func(s *LedgerService) {
		for k, v := range limits {
			s.overdraft[k] = v
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) LedgerOption {
	return func(s *LedgerService) { s.now = now }
}

// NewLedgerService creates a new ledger service. owners caches account
// ownership, which never changes once an account exists.
func NewLedgerService(store port.LedgerStore, owners port.Cache[string], metrics *observability.Metrics, logger *zap.Logger, opts ...LedgerOption) *LedgerService {
	s := &LedgerService{
		accounts:  store,
		txs:       store,
		postings:  store,
		customers: store,
		gate:      NewGate(metrics, logger),
		locks:     newLockTable(),
		owners:    owners,
		overdraft: make(map[domain.AccountKind]domain.Money),
		metrics:   metrics,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ============================================================
// Propose
// ============================================================

// ProposeTransaction validates a request and records it as Pending.
// It never changes a balance.
func (s *LedgerService) ProposeTransaction(ctx context.Context, actor domain.Actor, req *domain.ProposeRequest) (*domain.Transaction, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.ProposeTransaction")
	defer span.End()

	start := time.Now()
	defer func() { s.metrics.RecordRequestDuration("propose", time.Since(start)) }()

	if req == nil {
		return nil, &domain.ErrValidation{Field: "body", Constraint: domain.ConstraintRequired, Message: "request is required"}
	}
	span.SetAttributes(
		attribute.String("actor.id", actor.ID),
		attribute.String("transaction.kind", string(req.Kind)),
		attribute.String("account.source", req.SourceAccountID),
	)

	// Ownership of the source account is what lets a customer propose.
	// A missing account has no owner, so only admins get past the gate
	// and then see the validation error.
	var source *domain.Account
	if req.SourceAccountID != "" {
		acct, err := s.accounts.GetAccount(ctx, req.SourceAccountID)
		var notFound *domain.ErrAccountNotFound
		switch {
		case err == nil:
			source = acct
		case errors.As(err, &notFound):
		default:
			return nil, fmt.Errorf("get source account: %w", err)
		}
	}
	ownerID := ""
	if source != nil {
		ownerID = source.OwnerID
	}
	if err := s.gate.Authorize(actor, domain.OpPropose, ownerID); err != nil {
		return nil, err
	}

	if req.IdempotencyKey != "" {
		existing, err := s.txs.FindByIdempotencyKey(ctx, actor.ID, req.IdempotencyKey)
		if err != nil {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
		if existing != nil {
			return replayProposal(existing, req)
		}
	}

	if err := s.validateProposal(ctx, req, source); err != nil {
		return nil, err
	}

	now := s.now()
	tx := &domain.Transaction{
		ID:                   s.newID(),
		Kind:                 req.Kind,
		SourceAccountID:      req.SourceAccountID,
		DestinationAccountID: req.DestinationAccountID,
		Amount:               req.Amount,
		Status:               domain.StatusPending,
		Description:          req.Description,
		RequestedBy:          actor.ID,
		IdempotencyKey:       req.IdempotencyKey,
		CreatedAt:            now,
		History: []domain.StatusChange{
			{Status: domain.StatusPending, ActorID: actor.ID, At: now},
		},
	}

	if err := s.txs.CreateTransaction(ctx, tx); err != nil {
		var conflict *domain.ErrConflict
		if errors.As(err, &conflict) && req.IdempotencyKey != "" {
			// Lost a race against a concurrent request with the same key.
			if existing, ferr := s.txs.FindByIdempotencyKey(ctx, actor.ID, req.IdempotencyKey); ferr == nil && existing != nil {
				return replayProposal(existing, req)
			}
		}
		return nil, fmt.Errorf("create transaction: %w", err)
	}

	s.metrics.IncrProposed(string(tx.Kind))
	s.logger.Info("transaction proposed",
		zap.String("transaction_id", tx.ID),
		zap.String("kind", string(tx.Kind)),
		zap.String("source_account_id", tx.SourceAccountID),
		zap.String("destination_account_id", tx.DestinationAccountID),
		zap.String("amount", tx.Amount.String()),
		zap.String("actor_id", actor.ID),
	)
	return tx, nil
}

// replayProposal returns the transaction already recorded for an
// idempotency key, provided the retried request asks for the same thing.
func replayProposal(existing *domain.Transaction, req *domain.ProposeRequest) (*domain.Transaction, error) {
	if existing.Kind != req.Kind ||
		existing.SourceAccountID != req.SourceAccountID ||
		existing.DestinationAccountID != req.DestinationAccountID ||
		existing.Amount != req.Amount {
		return nil, &domain.ErrConflict{Message: fmt.Sprintf("idempotency key %q was used for a different request", req.IdempotencyKey)}
	}
	return existing, nil
}

func (s *LedgerService) validateProposal(ctx context.Context, req *domain.ProposeRequest, source *domain.Account) error {
	if !req.Kind.Valid() {
		return &domain.ErrValidation{Field: "kind", Constraint: domain.ConstraintKnownValue, Message: fmt.Sprintf("unknown transaction kind %q", req.Kind)}
	}
	if req.Amount <= 0 {
		return &domain.ErrValidation{Field: "amount", Constraint: domain.ConstraintPositiveAmount, Message: "must be positive"}
	}
	if req.SourceAccountID == "" {
		return &domain.ErrValidation{Field: "source_account_id", Constraint: domain.ConstraintRequired, Message: "required"}
	}

	if req.Kind == domain.KindTransfer {
		if req.DestinationAccountID == "" {
			return &domain.ErrValidation{Field: "destination_account_id", Constraint: domain.ConstraintRequired, Message: "required for transfers"}
		}
		if req.DestinationAccountID == req.SourceAccountID {
			return &domain.ErrValidation{Field: "destination_account_id", Constraint: domain.ConstraintDistinctAccounts, Message: "must differ from source account"}
		}
	} else if req.DestinationAccountID != "" {
		return &domain.ErrValidation{Field: "destination_account_id", Constraint: domain.ConstraintNoDestination, Message: fmt.Sprintf("not allowed for %s", req.Kind)}
	}

	if err := accountUsable("source_account_id", req.SourceAccountID, source); err != nil {
		return err
	}

	if req.Kind == domain.KindTransfer {
		dest, err := s.accounts.GetAccount(ctx, req.DestinationAccountID)
		var notFound *domain.ErrAccountNotFound
		if err != nil && !errors.As(err, &notFound) {
			return fmt.Errorf("get destination account: %w", err)
		}
		if err := accountUsable("destination_account_id", req.DestinationAccountID, dest); err != nil {
			return err
		}
	}
	return nil
}

// accountUsable reports a missing or non-active account as a validation error.
func accountUsable(field, id string, acct *domain.Account) error {
	if acct == nil {
		return &domain.ErrValidation{
			Field: field, Constraint: domain.ConstraintAccountExists,
			Message: "account does not exist", Err: &domain.ErrAccountNotFound{ID: id},
		}
	}
	if acct.Status != domain.AccountActive {
		return &domain.ErrValidation{
			Field: field, Constraint: domain.ConstraintAccountActive,
			Message: fmt.Sprintf("account is %s", acct.Status), Err: &domain.ErrAccountInactive{ID: id, Status: acct.Status},
		}
	}
	return nil
}

// ============================================================
// Decide
// ============================================================

// DecideTransaction approves or rejects a pending transaction. Approval
// applies the balance effects atomically; a failed approval leaves the
// transaction pending and every balance untouched.
func (s *LedgerService) DecideTransaction(ctx context.Context, actor domain.Actor, id string, outcome domain.Outcome, reason string) (*domain.Transaction, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.DecideTransaction")
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", id), attribute.String("outcome", string(outcome)))

	start := time.Now()
	defer func() { s.metrics.RecordRequestDuration("decide", time.Since(start)) }()

	if err := s.gate.Authorize(actor, domain.OpDecide, ""); err != nil {
		return nil, err
	}
	if outcome != domain.OutcomeApprove && outcome != domain.OutcomeReject {
		return nil, &domain.ErrValidation{Field: "outcome", Constraint: domain.ConstraintKnownValue, Message: fmt.Sprintf("unknown outcome %q", outcome)}
	}

	tx, err := s.decide(ctx, actor, id, outcome, reason)
	s.metrics.IncrDecision(string(outcome), decisionResult(err))
	if err != nil {
		s.logger.Warn("transaction decision failed",
			zap.String("transaction_id", id),
			zap.String("outcome", string(outcome)),
			zap.String("actor_id", actor.ID),
			zap.Error(err),
		)
		return nil, err
	}

	s.logger.Info("transaction decided",
		zap.String("transaction_id", tx.ID),
		zap.String("status", string(tx.Status)),
		zap.String("kind", string(tx.Kind)),
		zap.String("amount", tx.Amount.String()),
		zap.String("actor_id", actor.ID),
	)
	return tx, nil
}

func (s *LedgerService) decide(ctx context.Context, actor domain.Actor, id string, outcome domain.Outcome, reason string) (*domain.Transaction, error) {
	tx, err := s.txs.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Status != domain.StatusPending {
		return nil, decidedErr(tx)
	}

	unlock := s.locks.Lock(tx.AccountIDs()...)
	defer unlock()

	// Someone may have decided it while we waited for the locks.
	tx, err = s.txs.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.Status != domain.StatusPending {
		return nil, decidedErr(tx)
	}

	change := domain.StatusChange{ActorID: actor.ID, Reason: reason, At: s.now()}

	if outcome == domain.OutcomeReject {
		change.Status = domain.StatusRejected
		rejected, err := s.txs.RejectTransaction(ctx, id, change)
		if err != nil {
			return nil, fmt.Errorf("reject transaction: %w", err)
		}
		return rejected, nil
	}

	deltas, err := s.planPosting(ctx, tx)
	if err != nil {
		return nil, err
	}

	change.Status = domain.StatusApproved
	posted, err := s.postings.Commit(ctx, &domain.Posting{
		TransactionID: id,
		Outcome:       domain.OutcomeApprove,
		Deltas:        deltas,
		Change:        change,
	})
	if err != nil {
		return nil, fmt.Errorf("commit posting: %w", err)
	}

	s.metrics.AddPosted(string(posted.Kind), posted.Amount)
	return posted, nil
}

// planPosting turns an approved transaction into balance deltas, checking
// the current state of every account involved.
func (s *LedgerService) planPosting(ctx context.Context, tx *domain.Transaction) ([]domain.Delta, error) {
	source, err := s.activeAccount(ctx, tx.SourceAccountID)
	if err != nil {
		return nil, err
	}

	switch tx.Kind {
	case domain.KindDeposit, domain.KindLoanPayment:
		if err := checkCredit(source, tx.Amount); err != nil {
			return nil, err
		}
		return []domain.Delta{s.credit(source, tx.Amount)}, nil

	case domain.KindWithdrawal:
		debit, err := s.debit(source, tx.Amount)
		if err != nil {
			return nil, err
		}
		return []domain.Delta{debit}, nil

	case domain.KindTransfer:
		dest, err := s.activeAccount(ctx, tx.DestinationAccountID)
		if err != nil {
			return nil, err
		}
		debit, err := s.debit(source, tx.Amount)
		if err != nil {
			return nil, err
		}
		if err := checkCredit(dest, tx.Amount); err != nil {
			return nil, err
		}
		return []domain.Delta{debit, s.credit(dest, tx.Amount)}, nil
	}

	return nil, &domain.ErrValidation{Field: "kind", Constraint: domain.ConstraintKnownValue, Message: fmt.Sprintf("unknown transaction kind %q", tx.Kind)}
}

func (s *LedgerService) activeAccount(ctx context.Context, id string) (*domain.Account, error) {
	acct, err := s.accounts.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if acct.Status != domain.AccountActive {
		return nil, &domain.ErrAccountInactive{ID: acct.ID, Status: acct.Status}
	}
	return acct, nil
}

// floor is the lowest balance an account of this kind may reach.
func (s *LedgerService) floor(acct *domain.Account) domain.Money {
	return -s.overdraft[acct.Kind]
}

func (s *LedgerService) credit(acct *domain.Account, amount domain.Money) domain.Delta {
	return domain.Delta{AccountID: acct.ID, Amount: amount, Floor: s.floor(acct)}
}

func (s *LedgerService) debit(acct *domain.Account, amount domain.Money) (domain.Delta, error) {
	floor := s.floor(acct)
	if !domain.Covers(acct.Balance, floor, -amount) {
		return domain.Delta{}, &domain.ErrInsufficientFunds{
			AccountID: acct.ID,
			Available: domain.Headroom(acct.Balance, floor),
			Required:  amount,
		}
	}
	return domain.Delta{AccountID: acct.ID, Amount: -amount, Floor: floor}, nil
}

func checkCredit(acct *domain.Account, amount domain.Money) error {
	if _, ok := domain.CheckedAdd(acct.Balance, amount); !ok {
		return &domain.ErrValidation{Field: "amount", Constraint: domain.ConstraintKnownValue, Message: "credit would overflow the account balance"}
	}
	return nil
}

func decidedErr(tx *domain.Transaction) error {
	return &domain.ErrState{Resource: "transaction", ID: tx.ID, Current: string(tx.Status), Action: "decide"}
}

// decisionResult labels a decision for metrics.
func decisionResult(err error) string {
	var (
		state        *domain.ErrState
		insufficient *domain.ErrInsufficientFunds
		inactive     *domain.ErrAccountInactive
		notFound     *domain.ErrNotFound
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &state):
		return "state"
	case errors.As(err, &insufficient):
		return "insufficient_funds"
	case errors.As(err, &inactive):
		return "account_inactive"
	case errors.As(err, &notFound):
		return "not_found"
	default:
		return "error"
	}
}

// ============================================================
// Reverse
// ============================================================

// ReverseTransaction compensates an approved transaction with a new
// transaction that undoes its balance effect. History is never rewritten;
// the original only gains a ReversedBy pointer.
func (s *LedgerService) ReverseTransaction(ctx context.Context, actor domain.Actor, id, reason string) (*domain.Transaction, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.ReverseTransaction")
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", id))

	start := time.Now()
	defer func() { s.metrics.RecordRequestDuration("reverse", time.Since(start)) }()

	if err := s.gate.Authorize(actor, domain.OpReverse, ""); err != nil {
		return nil, err
	}

	orig, err := s.txs.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case orig.Status != domain.StatusApproved:
		return nil, &domain.ErrState{Resource: "transaction", ID: id, Current: string(orig.Status), Action: "reverse"}
	case orig.ReversedBy != "":
		return nil, &domain.ErrState{Resource: "transaction", ID: id, Current: "reversed", Action: "reverse"}
	case orig.ReversalOf != "":
		return nil, &domain.ErrState{Resource: "transaction", ID: id, Current: "reversal", Action: "reverse"}
	}

	comp, err := s.txs.FindReversal(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("find reversal: %w", err)
	}
	if comp == nil {
		comp = s.compensating(orig, actor, reason)
		if err := s.txs.CreateTransaction(ctx, comp); err != nil {
			var conflict *domain.ErrConflict
			if !errors.As(err, &conflict) {
				return nil, fmt.Errorf("create reversal: %w", err)
			}
			comp, err = s.txs.FindReversal(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("find reversal: %w", err)
			}
			if comp == nil {
				return nil, fmt.Errorf("create reversal: %w", conflict)
			}
		}
	}
	if comp.Status == domain.StatusApproved {
		return nil, &domain.ErrState{Resource: "transaction", ID: id, Current: "reversed", Action: "reverse"}
	}

	posted, err := s.decide(ctx, actor, comp.ID, domain.OutcomeApprove, reason)
	s.metrics.IncrDecision(string(domain.OutcomeApprove), decisionResult(err))
	if err != nil {
		s.logger.Warn("reversal failed",
			zap.String("transaction_id", id),
			zap.String("reversal_id", comp.ID),
			zap.Error(err),
		)
		return nil, err
	}

	s.metrics.IncrReversal()
	s.logger.Info("transaction reversed",
		zap.String("transaction_id", id),
		zap.String("reversal_id", posted.ID),
		zap.String("actor_id", actor.ID),
	)
	return posted, nil
}

// compensating builds the pending transaction that undoes orig.
func (s *LedgerService) compensating(orig *domain.Transaction, actor domain.Actor, reason string) *domain.Transaction {
	now := s.now()
	comp := &domain.Transaction{
		ID:              s.newID(),
		SourceAccountID: orig.SourceAccountID,
		Amount:          orig.Amount,
		Status:          domain.StatusPending,
		Description:     fmt.Sprintf("reversal of %s", orig.ID),
		RequestedBy:     actor.ID,
		ReversalOf:      orig.ID,
		CreatedAt:       now,
		History: []domain.StatusChange{
			{Status: domain.StatusPending, ActorID: actor.ID, Reason: reason, At: now},
		},
	}
	switch orig.Kind {
	case domain.KindDeposit, domain.KindLoanPayment:
		comp.Kind = domain.KindWithdrawal
	case domain.KindWithdrawal:
		comp.Kind = domain.KindDeposit
	case domain.KindTransfer:
		comp.Kind = domain.KindTransfer
		comp.SourceAccountID = orig.DestinationAccountID
		comp.DestinationAccountID = orig.SourceAccountID
	}
	return comp
}
