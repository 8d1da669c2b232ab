package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/boddenberg/fintech-ledger-go/internal/domain"
	"github.com/boddenberg/fintech-ledger-go/internal/handler"
	"github.com/boddenberg/fintech-ledger-go/internal/infra/cache"
	"github.com/boddenberg/fintech-ledger-go/internal/infra/memstore"
	"github.com/boddenberg/fintech-ledger-go/internal/infra/observability"
	"github.com/boddenberg/fintech-ledger-go/internal/seed"
	"github.com/boddenberg/fintech-ledger-go/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

func TestHealthz(t *testing.T) {
	router := handler.NewRouter(nil, nil, nil, observability.NewMetrics(), zap.NewNop(), handler.Options{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestReadyz(t *testing.T) {
	router := handler.NewRouter(nil, nil, nil, observability.NewMetrics(), zap.NewNop(), handler.Options{})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

type downStore struct{}

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func TestReadyzStoreDown(t *testing.T) {
	router := handler.NewRouter(nil, nil, downStore{}, observability.NewMetrics(), zap.NewNop(), handler.Options{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var health domain.HealthStatus
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&health))
	assert.Equal(t, "degraded", health.Status)
}

func TestMetrics(t *testing.T) {
	router := handler.NewRouter(nil, nil, nil, observability.NewMetrics(), zap.NewNop(), handler.Options{})

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
}

func TestCORSPreflight(t *testing.T) {
	router := handler.NewRouter(nil, nil, nil, observability.NewMetrics(), zap.NewNop(), handler.Options{
		CORSOrigins: []string{"http://localhost:3000"},
	})

	req := httptest.NewRequest(http.MethodOptions, "/v1/transactions", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
}

// ============================================================
// End-to-end over the in-memory store
// ============================================================

type testServer struct {
	t       *testing.T
	handler http.Handler
}

func newTestServer(t *testing.T, devAuth bool) *testServer {
	t.Helper()
	logger := zap.NewNop()
	metrics := observability.NewMetrics()

	store := memstore.New(logger)
	owners := cache.New[string](time.Minute)
	t.Cleanup(owners.Close)

	ledger := service.NewLedgerService(store, owners, metrics, logger)
	identity := service.NewIdentityService("test-secret", time.Hour, logger)

	f, err := seed.Read("")
	require.NoError(t, err)
	seedActor := domain.Actor{ID: "system-seed", Role: domain.RoleAdmin}
	require.NoError(t, seed.Apply(context.Background(), f, ledger, identity, seedActor, bcrypt.MinCost, logger))

	return &testServer{
		t:       t,
		handler: handler.NewRouter(ledger, identity, store, metrics, logger, handler.Options{DevAuth: devAuth}),
	}
}

func (s *testServer) do(method, path, token string, body any, headers ...string) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) login(email, password string) string {
	s.t.Helper()
	rec := s.do(http.MethodPost, "/v1/auth/login", "", domain.LoginRequest{Email: email, Password: password})
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())

	var resp domain.LoginResponse
	require.NoError(s.t, json.NewDecoder(rec.Body).Decode(&resp))
	require.NotEmpty(s.t, resp.AccessToken)
	return resp.AccessToken
}

// accountOf returns the single account visible to token's customer.
func (s *testServer) accountOf(token string) domain.Account {
	s.t.Helper()
	rec := s.do(http.MethodGet, "/v1/accounts", token, nil)
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())

	var list domain.ListResponse[domain.Account]
	require.NoError(s.t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(s.t, list.Data, 1)
	return list.Data[0]
}

func (s *testServer) getAccount(token, id string) domain.Account {
	s.t.Helper()
	rec := s.do(http.MethodGet, "/v1/accounts/"+id, token, nil)
	require.Equal(s.t, http.StatusOK, rec.Code, rec.Body.String())

	var acct domain.Account
	require.NoError(s.t, json.NewDecoder(rec.Body).Decode(&acct))
	return acct
}

func decodeTx(t *testing.T, rec *httptest.ResponseRecorder) domain.Transaction {
	t.Helper()
	var tx domain.Transaction
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&tx))
	return tx
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	s := newTestServer(t, true)

	rec := s.do(http.MethodGet, "/v1/accounts", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = s.do(http.MethodGet, "/v1/accounts", "not-a-jwt", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	s := newTestServer(t, true)

	rec := s.do(http.MethodPost, "/v1/auth/login", "", domain.LoginRequest{Email: "admin@bank.com", Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLoginRouteAbsentWithoutDevAuth(t *testing.T) {
	s := newTestServer(t, false)

	rec := s.do(http.MethodPost, "/v1/auth/login", "", domain.LoginRequest{Email: "admin@bank.com", Password: "wintah"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSeededAccountsAreVisibleToOwner(t *testing.T) {
	s := newTestServer(t, true)
	anita := s.login("wintahboke@gmail.com", "wintah")

	acct := s.accountOf(anita)
	assert.Equal(t, "ACC10001", acct.Number)
	assert.Equal(t, domain.MustMoney("5000.00"), acct.Balance)
	assert.Equal(t, domain.AccountActive, acct.Status)

	// The opening deposit is an approved transaction on the account.
	rec := s.do(http.MethodGet, "/v1/accounts/"+acct.ID+"/transactions", anita, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var txs domain.ListResponse[domain.Transaction]
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&txs))
	require.Len(t, txs.Data, 1)
	assert.Equal(t, domain.KindDeposit, txs.Data[0].Kind)
	assert.Equal(t, domain.StatusApproved, txs.Data[0].Status)
}

func TestCustomerCannotReadOtherAccounts(t *testing.T) {
	s := newTestServer(t, true)
	anita := s.login("wintahboke@gmail.com", "wintah")
	bethwel := s.login("bethwel@gmail.com", "Ambass")

	other := s.accountOf(bethwel)

	rec := s.do(http.MethodGet, "/v1/accounts/"+other.ID, anita, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodGet, "/v1/customers/cust-bethwel", anita, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodGet, "/v1/customers", anita, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestWithdrawalLifecycle(t *testing.T) {
	s := newTestServer(t, true)
	admin := s.login("admin@bank.com", "wintah")
	anita := s.login("wintahboke@gmail.com", "wintah")
	acct := s.accountOf(anita)

	body := map[string]any{"kind": "withdrawal", "source_account_id": acct.ID, "amount": "1500.00"}

	rec := s.do(http.MethodPost, "/v1/transactions", anita, body, "Idempotency-Key", "wd-1")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	proposed := decodeTx(t, rec)
	assert.Equal(t, domain.StatusPending, proposed.Status)

	// Same key, same request: same transaction.
	rec = s.do(http.MethodPost, "/v1/transactions", anita, body, "Idempotency-Key", "wd-1")
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, proposed.ID, decodeTx(t, rec).ID)

	// Same key, different amount: conflict.
	changed := map[string]any{"kind": "withdrawal", "source_account_id": acct.ID, "amount": "10.00"}
	rec = s.do(http.MethodPost, "/v1/transactions", anita, changed, "Idempotency-Key", "wd-1")
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Proposing never moves money.
	assert.Equal(t, domain.MustMoney("5000.00"), s.getAccount(anita, acct.ID).Balance)

	rec = s.do(http.MethodPost, "/v1/transactions/"+proposed.ID+"/approve", anita, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodPost, "/v1/transactions/"+proposed.ID+"/approve", admin, domain.DecisionRequest{Reason: "verified"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	approved := decodeTx(t, rec)
	assert.Equal(t, domain.StatusApproved, approved.Status)
	assert.Equal(t, "admin", approved.DecidedBy)
	require.Len(t, approved.Entries, 1)
	assert.Equal(t, domain.MustMoney("3500.00"), approved.Entries[0].BalanceAfter)

	assert.Equal(t, domain.MustMoney("3500.00"), s.getAccount(anita, acct.ID).Balance)

	rec = s.do(http.MethodPost, "/v1/transactions/"+proposed.ID+"/reject", admin, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestInsufficientFundsLeavesTransactionPending(t *testing.T) {
	s := newTestServer(t, true)
	admin := s.login("admin@bank.com", "wintah")
	anita := s.login("wintahboke@gmail.com", "wintah")
	acct := s.accountOf(anita)

	rec := s.do(http.MethodPost, "/v1/transactions", anita,
		map[string]any{"kind": "withdrawal", "source_account_id": acct.ID, "amount": "6000.00"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tx := decodeTx(t, rec)

	rec = s.do(http.MethodPost, "/v1/transactions/"+tx.ID+"/approve", admin, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = s.do(http.MethodGet, "/v1/transactions/"+tx.ID, anita, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.StatusPending, decodeTx(t, rec).Status)
	assert.Equal(t, domain.MustMoney("5000.00"), s.getAccount(anita, acct.ID).Balance)
}

func TestTransferAndReverse(t *testing.T) {
	s := newTestServer(t, true)
	admin := s.login("admin@bank.com", "wintah")
	anita := s.login("wintahboke@gmail.com", "wintah")
	bethwel := s.login("bethwel@gmail.com", "Ambass")
	from := s.accountOf(bethwel)
	to := s.accountOf(anita)

	rec := s.do(http.MethodPost, "/v1/transactions", bethwel, map[string]any{
		"kind": "transfer", "source_account_id": from.ID, "destination_account_id": to.ID, "amount": "300.00",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tx := decodeTx(t, rec)

	rec = s.do(http.MethodPost, "/v1/transactions/"+tx.ID+"/approve", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, domain.MustMoney("24700.00"), s.getAccount(admin, from.ID).Balance)
	assert.Equal(t, domain.MustMoney("5300.00"), s.getAccount(admin, to.ID).Balance)

	// The destination owner may read the transfer too.
	rec = s.do(http.MethodGet, "/v1/transactions/"+tx.ID, anita, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodPost, "/v1/transactions/"+tx.ID+"/reverse", bethwel, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodPost, "/v1/transactions/"+tx.ID+"/reverse", admin, domain.DecisionRequest{Reason: "sent in error"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	reversal := decodeTx(t, rec)
	assert.Equal(t, tx.ID, reversal.ReversalOf)
	assert.Equal(t, domain.StatusApproved, reversal.Status)
	assert.Equal(t, to.ID, reversal.SourceAccountID)

	assert.Equal(t, domain.MustMoney("25000.00"), s.getAccount(admin, from.ID).Balance)
	assert.Equal(t, domain.MustMoney("5000.00"), s.getAccount(admin, to.ID).Balance)

	rec = s.do(http.MethodGet, "/v1/transactions/"+tx.ID, admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, reversal.ID, decodeTx(t, rec).ReversedBy)

	rec = s.do(http.MethodPost, "/v1/transactions/"+tx.ID+"/reverse", admin, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestPendingQueueForAdmin(t *testing.T) {
	s := newTestServer(t, true)
	admin := s.login("admin@bank.com", "wintah")
	anita := s.login("wintahboke@gmail.com", "wintah")
	acct := s.accountOf(anita)

	for i := 0; i < 3; i++ {
		rec := s.do(http.MethodPost, "/v1/transactions", anita,
			map[string]any{"kind": "deposit", "source_account_id": acct.ID, "amount": "10.00"})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := s.do(http.MethodGet, "/v1/transactions?status=pending&page_size=2", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page domain.ListResponse[domain.Transaction]
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&page))
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Data, 2)
	assert.True(t, page.HasMore)

	rec = s.do(http.MethodGet, "/v1/transactions?status=bogus", admin, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPagePastTheEndIsEmpty(t *testing.T) {
	s := newTestServer(t, true)
	admin := s.login("admin@bank.com", "wintah")

	for _, page := range []string{"2", "9223372036854775807", "4611686018427387904"} {
		rec := s.do(http.MethodGet, "/v1/accounts?page_size=20&page="+page, admin, nil)
		require.Equal(t, http.StatusOK, rec.Code, "page=%s", page)

		var list domain.ListResponse[domain.Account]
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
		assert.Empty(t, list.Data, "page=%s", page)
		assert.False(t, list.HasMore)
		assert.Positive(t, list.Total)
	}
}

func TestLoanPaymentLifecycle(t *testing.T) {
	s := newTestServer(t, true)
	admin := s.login("admin@bank.com", "wintah")
	anita := s.login("wintahboke@gmail.com", "wintah")
	acct := s.accountOf(anita)
	before := acct.Balance

	rec := s.do(http.MethodPost, "/v1/transactions", anita,
		map[string]any{"kind": "loan_payment", "source_account_id": acct.ID, "amount": "250.00"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	proposed := decodeTx(t, rec)
	assert.Equal(t, domain.KindLoanPayment, proposed.Kind)

	rec = s.do(http.MethodPost, "/v1/transactions/"+proposed.ID+"/approve", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, before+domain.MustMoney("250.00"), s.getAccount(anita, acct.ID).Balance)

	rec = s.do(http.MethodPost, "/v1/transactions/"+proposed.ID+"/approve", admin, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, before+domain.MustMoney("250.00"), s.getAccount(anita, acct.ID).Balance)

	rec = s.do(http.MethodPost, "/v1/transactions/"+proposed.ID+"/reverse", admin, domain.DecisionRequest{Reason: "duplicate payment"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rev := decodeTx(t, rec)
	assert.Equal(t, domain.KindWithdrawal, rev.Kind)
	assert.Equal(t, before, s.getAccount(anita, acct.ID).Balance)
}

func TestOpenAccountAndClose(t *testing.T) {
	s := newTestServer(t, true)
	admin := s.login("admin@bank.com", "wintah")

	rec := s.do(http.MethodPost, "/v1/accounts", admin, map[string]any{
		"owner_id": "cust-anita", "kind": "checking", "opening_deposit": "0",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var acct domain.Account
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&acct))
	assert.NotEmpty(t, acct.Number)

	rec = s.do(http.MethodPost, "/v1/accounts", admin, map[string]any{
		"owner_id": "nobody", "kind": "checking",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var errResp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&errResp))
	assert.Equal(t, "owner_id", errResp["field"])

	rec = s.do(http.MethodPut, "/v1/accounts/"+acct.ID+"/status", admin, domain.AccountStatusRequest{Status: domain.AccountClosed})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = s.do(http.MethodPut, "/v1/accounts/"+acct.ID+"/status", admin, domain.AccountStatusRequest{Status: domain.AccountActive})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestUnknownFieldsRejected(t *testing.T) {
	s := newTestServer(t, true)
	anita := s.login("wintahboke@gmail.com", "wintah")

	rec := s.do(http.MethodPost, "/v1/transactions", anita, map[string]any{"kind": "deposit", "amout": "1.00"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCustomerOverview(t *testing.T) {
	s := newTestServer(t, true)
	anita := s.login("wintahboke@gmail.com", "wintah")

	rec := s.do(http.MethodGet, "/v1/customers/cust-anita/overview", anita, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var overview domain.CustomerOverview
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&overview))
	assert.Equal(t, "cust-anita", overview.Customer.ID)
	assert.Len(t, overview.Accounts, 1)
	assert.Equal(t, domain.MustMoney("5000.00"), overview.TotalBalance)
}

func TestLedgerMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, true)
	admin := s.login("admin@bank.com", "wintah")

	rec := s.do(http.MethodGet, "/v1/metrics/ledger", admin, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var m domain.LedgerMetrics
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&m))
	// Two seeded opening deposits.
	assert.Equal(t, int64(2), m.Proposed)
	assert.Equal(t, int64(2), m.Approved)
	assert.Equal(t, "30000.00", m.PostedVolume)
}
