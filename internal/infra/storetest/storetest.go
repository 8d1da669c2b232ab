// Package storetest is a contract suite every port.LedgerStore must pass.
// Backends call Run from their own tests with a factory for a fresh store.
package storetest

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/boddenberg/fintech-ledger-go/internal/domain"
	"github.com/boddenberg/fintech-ledger-go/internal/port"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns an empty store. Cleanup is the caller's business.
type Factory func(t *testing.T) port.LedgerStore

// Run executes the whole contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("AccountLifecycle", func(t *testing.T) { testAccountLifecycle(t, newStore(t)) })
	t.Run("AccountStatusTransitions", func(t *testing.T) { testAccountStatusTransitions(t, newStore(t)) })
	t.Run("CreateTransactionConflicts", func(t *testing.T) { testCreateConflicts(t, newStore(t)) })
	t.Run("CommitTransfer", func(t *testing.T) { testCommitTransfer(t, newStore(t)) })
	t.Run("CommitIsAllOrNothing", func(t *testing.T) { testCommitAllOrNothing(t, newStore(t)) })
	t.Run("CommitRejectsOverflow", func(t *testing.T) { testCommitOverflow(t, newStore(t)) })
	t.Run("CommitOnlyOnce", func(t *testing.T) { testCommitOnce(t, newStore(t)) })
	t.Run("RejectAndReversal", func(t *testing.T) { testRejectAndReversal(t, newStore(t)) })
	t.Run("Listings", func(t *testing.T) { testListings(t, newStore(t)) })
	t.Run("ConcurrentCommits", func(t *testing.T) { testConcurrentCommits(t, newStore(t)) })
}

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// Fixture helpers. Ids are random so a shared database can host many runs.

func customer(t *testing.T, s port.LedgerStore) *domain.Customer {
	t.Helper()
	c := &domain.Customer{
		ID: "cust-" + uuid.NewString(), FullName: "Anita Boke", Email: "anita@example.com",
		Type: domain.CustomerIndividual, RegisteredAt: epoch,
	}
	require.NoError(t, s.CreateCustomer(context.Background(), c))
	return c
}

func account(t *testing.T, s port.LedgerStore, owner string, balance domain.Money) *domain.Account {
	t.Helper()
	a := &domain.Account{
		ID: uuid.NewString(), OwnerID: owner, Number: "ACC-" + uuid.NewString()[:8],
		Kind: domain.AccountChecking, Status: domain.AccountActive, CreatedAt: epoch, UpdatedAt: epoch,
	}
	require.NoError(t, s.CreateAccount(context.Background(), a))
	if balance > 0 {
		tx := pending(t, s, domain.KindDeposit, a.ID, "", balance)
		_, err := s.Commit(context.Background(), approve(tx.ID, domain.Delta{AccountID: a.ID, Amount: balance}))
		require.NoError(t, err)
	}
	got, err := s.GetAccount(context.Background(), a.ID)
	require.NoError(t, err)
	return got
}

func pending(t *testing.T, s port.LedgerStore, kind domain.TransactionKind, src, dst string, amount domain.Money) *domain.Transaction {
	t.Helper()
	tx := newTx(kind, src, dst, amount)
	require.NoError(t, s.CreateTransaction(context.Background(), tx))
	return tx
}

func newTx(kind domain.TransactionKind, src, dst string, amount domain.Money) *domain.Transaction {
	return &domain.Transaction{
		ID: uuid.NewString(), Kind: kind, SourceAccountID: src, DestinationAccountID: dst,
		Amount: amount, Status: domain.StatusPending, RequestedBy: "admin", CreatedAt: epoch,
		History: []domain.StatusChange{{Status: domain.StatusPending, ActorID: "admin", At: epoch}},
	}
}

func approve(id string, deltas ...domain.Delta) *domain.Posting {
	return &domain.Posting{
		TransactionID: id,
		Outcome:       domain.OutcomeApprove,
		Deltas:        deltas,
		Change:        domain.StatusChange{Status: domain.StatusApproved, ActorID: "admin", At: epoch.Add(time.Minute)},
	}
}

func balance(t *testing.T, s port.LedgerStore, id string) domain.Money {
	t.Helper()
	a, err := s.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return a.Balance
}

func testAccountLifecycle(t *testing.T, s port.LedgerStore) {
	ctx := context.Background()
	c := customer(t, s)
	a := account(t, s, c.ID, 0)

	assert.Equal(t, domain.AccountActive, a.Status)
	assert.Equal(t, domain.Money(0), a.Balance)

	_, err := s.GetAccount(ctx, "missing-"+uuid.NewString())
	var notFound *domain.ErrAccountNotFound
	assert.ErrorAs(t, err, &notFound)

	dup := *a
	dup.ID = uuid.NewString()
	var conflict *domain.ErrConflict
	assert.ErrorAs(t, s.CreateAccount(ctx, &dup), &conflict, "account numbers are unique")

	updated, err := s.SetAccountStatus(ctx, a.ID, domain.AccountSuspended)
	require.NoError(t, err)
	assert.Equal(t, domain.AccountSuspended, updated.Status)

	owned, err := s.ListAccounts(ctx, c.ID)
	require.NoError(t, err)
	require.Len(t, owned, 1)
	assert.Equal(t, a.ID, owned[0].ID)

	got, err := s.GetCustomer(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.FullName, got.FullName)

	assert.ErrorAs(t, s.CreateCustomer(ctx, c), &conflict)
}

func testAccountStatusTransitions(t *testing.T, s port.LedgerStore) {
	ctx := context.Background()
	c := customer(t, s)
	funded := account(t, s, c.ID, 500)
	empty := account(t, s, c.ID, 0)

	_, err := s.SetAccountStatus(ctx, funded.ID, domain.AccountClosed)
	var verr *domain.ErrValidation
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, domain.ConstraintZeroBalanceClose, verr.Constraint)
	assert.Equal(t, domain.AccountActive, mustAccount(t, s, funded.ID).Status)

	closed, err := s.SetAccountStatus(ctx, empty.ID, domain.AccountClosed)
	require.NoError(t, err)
	assert.Equal(t, domain.AccountClosed, closed.Status)

	for _, to := range []domain.AccountStatus{domain.AccountActive, domain.AccountSuspended} {
		_, err = s.SetAccountStatus(ctx, empty.ID, to)
		var state *domain.ErrState
		require.ErrorAs(t, err, &state, "closed accounts stay closed")
		assert.Equal(t, string(domain.AccountClosed), state.Current)
	}
	assert.Equal(t, domain.AccountClosed, mustAccount(t, s, empty.ID).Status)

	_, err = s.SetAccountStatus(ctx, "missing-"+uuid.NewString(), domain.AccountSuspended)
	var notFound *domain.ErrAccountNotFound
	assert.ErrorAs(t, err, &notFound)
}

func mustAccount(t *testing.T, s port.LedgerStore, id string) *domain.Account {
	t.Helper()
	a, err := s.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return a
}

func testCreateConflicts(t *testing.T, s port.LedgerStore) {
	ctx := context.Background()
	c := customer(t, s)
	a := account(t, s, c.ID, 0)

	key := "key-" + uuid.NewString()
	first := newTx(domain.KindDeposit, a.ID, "", 100)
	first.IdempotencyKey = key
	require.NoError(t, s.CreateTransaction(ctx, first))

	second := newTx(domain.KindDeposit, a.ID, "", 100)
	second.IdempotencyKey = key
	var conflict *domain.ErrConflict
	assert.ErrorAs(t, s.CreateTransaction(ctx, second), &conflict)

	found, err := s.FindByIdempotencyKey(ctx, "admin", key)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, first.ID, found.ID)

	none, err := s.FindByIdempotencyKey(ctx, "someone-else", key)
	require.NoError(t, err)
	assert.Nil(t, none, "keys are scoped to the requester")
}

func testCommitTransfer(t *testing.T, s port.LedgerStore) {
	ctx := context.Background()
	c := customer(t, s)
	a := account(t, s, c.ID, 1000)
	b := account(t, s, c.ID, 200)

	tx := pending(t, s, domain.KindTransfer, a.ID, b.ID, 300)
	posted, err := s.Commit(ctx, approve(tx.ID,
		domain.Delta{AccountID: a.ID, Amount: -300},
		domain.Delta{AccountID: b.ID, Amount: 300},
	))
	require.NoError(t, err)

	assert.Equal(t, domain.StatusApproved, posted.Status)
	require.NotNil(t, posted.DecidedAt)
	assert.Equal(t, "admin", posted.DecidedBy)
	require.Len(t, posted.History, 2)
	assert.Equal(t, domain.StatusApproved, posted.History[1].Status)
	require.Len(t, posted.Entries, 2)
	assert.Equal(t, domain.Money(1000), posted.Entries[0].BalanceBefore)
	assert.Equal(t, domain.Money(700), posted.Entries[0].BalanceAfter)
	assert.Equal(t, domain.Money(500), posted.Entries[1].BalanceAfter)

	assert.Equal(t, domain.Money(700), balance(t, s, a.ID))
	assert.Equal(t, domain.Money(500), balance(t, s, b.ID))
}

func testCommitAllOrNothing(t *testing.T, s port.LedgerStore) {
	ctx := context.Background()
	c := customer(t, s)
	a := account(t, s, c.ID, 100)
	b := account(t, s, c.ID, 0)

	tx := pending(t, s, domain.KindTransfer, a.ID, b.ID, 300)
	_, err := s.Commit(ctx, approve(tx.ID,
		domain.Delta{AccountID: a.ID, Amount: -300},
		domain.Delta{AccountID: b.ID, Amount: 300},
	))
	var insufficient *domain.ErrInsufficientFunds
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, domain.Money(100), insufficient.Available)

	assert.Equal(t, domain.Money(100), balance(t, s, a.ID))
	assert.Equal(t, domain.Money(0), balance(t, s, b.ID))
	got, err := s.GetTransaction(ctx, tx.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Empty(t, got.Entries)

	_, err = s.SetAccountStatus(ctx, b.ID, domain.AccountSuspended)
	require.NoError(t, err)
	small := pending(t, s, domain.KindTransfer, a.ID, b.ID, 50)
	_, err = s.Commit(ctx, approve(small.ID,
		domain.Delta{AccountID: a.ID, Amount: -50},
		domain.Delta{AccountID: b.ID, Amount: 50},
	))
	var inactive *domain.ErrAccountInactive
	require.ErrorAs(t, err, &inactive)
	assert.Equal(t, b.ID, inactive.ID)
	assert.Equal(t, domain.Money(100), balance(t, s, a.ID))
}

func testCommitOverflow(t *testing.T, s port.LedgerStore) {
	ctx := context.Background()
	c := customer(t, s)
	a := account(t, s, c.ID, 0)

	// Overdrawn by one euro with a generous floor: a MaxInt64 debit must
	// not wrap around into a huge positive balance.
	overdraw := pending(t, s, domain.KindWithdrawal, a.ID, "", 100)
	_, err := s.Commit(ctx, approve(overdraw.ID, domain.Delta{AccountID: a.ID, Amount: -100, Floor: -50000}))
	require.NoError(t, err)

	huge := pending(t, s, domain.KindWithdrawal, a.ID, "", math.MaxInt64)
	_, err = s.Commit(ctx, approve(huge.ID, domain.Delta{AccountID: a.ID, Amount: -math.MaxInt64, Floor: -50000}))
	var insufficient *domain.ErrInsufficientFunds
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, domain.Money(49900), insufficient.Available)
	assert.Equal(t, domain.Money(-100), balance(t, s, a.ID))

	b := account(t, s, c.ID, 100)
	credit := pending(t, s, domain.KindDeposit, b.ID, "", math.MaxInt64)
	_, err = s.Commit(ctx, approve(credit.ID, domain.Delta{AccountID: b.ID, Amount: math.MaxInt64}))
	var verr *domain.ErrValidation
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, domain.Money(100), balance(t, s, b.ID))

	got, err := s.GetTransaction(ctx, huge.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
}

func testCommitOnce(t *testing.T, s port.LedgerStore) {
	ctx := context.Background()
	c := customer(t, s)
	a := account(t, s, c.ID, 0)

	tx := pending(t, s, domain.KindDeposit, a.ID, "", 250)
	posting := approve(tx.ID, domain.Delta{AccountID: a.ID, Amount: 250})
	_, err := s.Commit(ctx, posting)
	require.NoError(t, err)

	_, err = s.Commit(ctx, posting)
	var state *domain.ErrState
	require.ErrorAs(t, err, &state)
	assert.Equal(t, domain.Money(250), balance(t, s, a.ID))

	_, err = s.RejectTransaction(ctx, tx.ID, domain.StatusChange{ActorID: "admin", At: epoch})
	assert.ErrorAs(t, err, &state)
}

func testRejectAndReversal(t *testing.T, s port.LedgerStore) {
	ctx := context.Background()
	c := customer(t, s)
	a := account(t, s, c.ID, 500)

	w := pending(t, s, domain.KindWithdrawal, a.ID, "", 100)
	rejected, err := s.RejectTransaction(ctx, w.ID, domain.StatusChange{ActorID: "admin", Reason: "suspicious", At: epoch})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, rejected.Status)
	require.Len(t, rejected.History, 2)
	assert.Equal(t, "suspicious", rejected.History[1].Reason)
	assert.Equal(t, domain.Money(500), balance(t, s, a.ID))

	orig := pending(t, s, domain.KindWithdrawal, a.ID, "", 100)
	_, err = s.Commit(ctx, approve(orig.ID, domain.Delta{AccountID: a.ID, Amount: -100}))
	require.NoError(t, err)

	none, err := s.FindReversal(ctx, orig.ID)
	require.NoError(t, err)
	assert.Nil(t, none)

	rev := newTx(domain.KindDeposit, a.ID, "", 100)
	rev.ReversalOf = orig.ID
	require.NoError(t, s.CreateTransaction(ctx, rev))

	again := newTx(domain.KindDeposit, a.ID, "", 100)
	again.ReversalOf = orig.ID
	var conflict *domain.ErrConflict
	assert.ErrorAs(t, s.CreateTransaction(ctx, again), &conflict, "one live reversal per transaction")

	found, err := s.FindReversal(ctx, orig.ID)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, rev.ID, found.ID)

	_, err = s.Commit(ctx, approve(rev.ID, domain.Delta{AccountID: a.ID, Amount: 100}))
	require.NoError(t, err)

	original, err := s.GetTransaction(ctx, orig.ID)
	require.NoError(t, err)
	assert.Equal(t, rev.ID, original.ReversedBy)
	assert.Equal(t, domain.Money(500), balance(t, s, a.ID))
}

func testListings(t *testing.T, s port.LedgerStore) {
	ctx := context.Background()
	anita := customer(t, s)
	other := customer(t, s)
	a := account(t, s, anita.ID, 0)
	b := account(t, s, other.ID, 0)

	t1 := pending(t, s, domain.KindDeposit, a.ID, "", 10)
	t2 := pending(t, s, domain.KindTransfer, b.ID, a.ID, 20)
	t3 := pending(t, s, domain.KindDeposit, b.ID, "", 30)

	byAccount, err := s.ListByAccount(ctx, a.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{t1.ID, t2.ID}, ids(byAccount))

	byCustomer, err := s.ListByCustomer(ctx, other.ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{t2.ID, t3.ID}, ids(byCustomer))

	pendingTxs, err := s.ListByStatus(ctx, domain.StatusPending)
	require.NoError(t, err)
	assert.Subset(t, ids(pendingTxs), []string{t1.ID, t2.ID, t3.ID})
	for _, tx := range pendingTxs {
		assert.Equal(t, domain.StatusPending, tx.Status)
	}
}

func ids(txs []domain.Transaction) []string {
	out := make([]string, 0, len(txs))
	for _, tx := range txs {
		out = append(out, tx.ID)
	}
	return out
}

// testConcurrentCommits races opposite transfers between two accounts and
// checks no update is lost.
func testConcurrentCommits(t *testing.T, s port.LedgerStore) {
	ctx := context.Background()
	c := customer(t, s)
	a := account(t, s, c.ID, 10000)
	b := account(t, s, c.ID, 10000)

	const rounds = 20
	var wg sync.WaitGroup
	errs := make(chan error, 2*rounds)
	for i := 0; i < rounds; i++ {
		ab := pending(t, s, domain.KindTransfer, a.ID, b.ID, 100)
		ba := pending(t, s, domain.KindTransfer, b.ID, a.ID, 50)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, err := s.Commit(ctx, approve(ab.ID,
				domain.Delta{AccountID: a.ID, Amount: -100}, domain.Delta{AccountID: b.ID, Amount: 100}))
			errs <- err
		}()
		go func() {
			defer wg.Done()
			_, err := s.Commit(ctx, approve(ba.ID,
				domain.Delta{AccountID: b.ID, Amount: -50}, domain.Delta{AccountID: a.ID, Amount: 50}))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, domain.Money(10000-rounds*50), balance(t, s, a.ID), fmt.Sprintf("after %d rounds", rounds))
	assert.Equal(t, domain.Money(10000+rounds*50), balance(t, s, b.ID))
}
