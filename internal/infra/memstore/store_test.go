package memstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/boddenberg/fintech-ledger-go/internal/domain"
	"github.com/boddenberg/fintech-ledger-go/internal/infra/storetest"
	"github.com/boddenberg/fintech-ledger-go/internal/port"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) port.LedgerStore {
		return New(zap.NewNop())
	})
}

func TestJournaledStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) port.LedgerStore {
		s, err := Open(filepath.Join(t.TempDir(), "ledger.wal"), zap.NewNop())
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestStore_ReplayRestoresState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "ledger.wal")

	s, err := Open(path, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, s.CreateCustomer(ctx, &domain.Customer{ID: "c1", FullName: "Bethwel", Email: "b@example.com", Type: domain.CustomerBusiness}))
	for _, id := range []string{"a", "b"} {
		require.NoError(t, s.CreateAccount(ctx, &domain.Account{
			ID: id, OwnerID: "c1", Number: "ACC" + id, Kind: domain.AccountBusiness, Status: domain.AccountActive,
		}))
	}

	dep := &domain.Transaction{ID: "t1", Kind: domain.KindDeposit, SourceAccountID: "a", Amount: 1000, Status: domain.StatusPending, RequestedBy: "admin"}
	require.NoError(t, s.CreateTransaction(ctx, dep))
	_, err = s.Commit(ctx, &domain.Posting{
		TransactionID: "t1",
		Deltas:        []domain.Delta{{AccountID: "a", Amount: 1000}},
		Change:        domain.StatusChange{ActorID: "admin"},
	})
	require.NoError(t, err)

	tr := &domain.Transaction{ID: "t2", Kind: domain.KindTransfer, SourceAccountID: "a", DestinationAccountID: "b", Amount: 300, Status: domain.StatusPending, RequestedBy: "c1", IdempotencyKey: "k1"}
	require.NoError(t, s.CreateTransaction(ctx, tr))
	_, err = s.Commit(ctx, &domain.Posting{
		TransactionID: "t2",
		Deltas:        []domain.Delta{{AccountID: "a", Amount: -300}, {AccountID: "b", Amount: 300}},
		Change:        domain.StatusChange{ActorID: "admin"},
	})
	require.NoError(t, err)

	rej := &domain.Transaction{ID: "t3", Kind: domain.KindWithdrawal, SourceAccountID: "b", Amount: 5, Status: domain.StatusPending, RequestedBy: "c1"}
	require.NoError(t, s.CreateTransaction(ctx, rej))
	_, err = s.RejectTransaction(ctx, "t3", domain.StatusChange{ActorID: "admin"})
	require.NoError(t, err)

	_, err = s.SetAccountStatus(ctx, "b", domain.AccountSuspended)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	restored, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	defer restored.Close()

	a, err := restored.GetAccount(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.Money(700), a.Balance)

	b, err := restored.GetAccount(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, domain.Money(300), b.Balance)
	assert.Equal(t, domain.AccountSuspended, b.Status)

	t2, err := restored.GetTransaction(ctx, "t2")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusApproved, t2.Status)
	assert.Len(t, t2.Entries, 2)

	t3, err := restored.GetTransaction(ctx, "t3")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRejected, t3.Status)

	byKey, err := restored.FindByIdempotencyKey(ctx, "c1", "k1")
	require.NoError(t, err)
	require.NotNil(t, byKey)
	assert.Equal(t, "t2", byKey.ID)
}

func TestStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	s := New(zap.NewNop())

	require.NoError(t, s.CreateAccount(ctx, &domain.Account{ID: "a", Number: "ACC1", Status: domain.AccountActive}))
	a, err := s.GetAccount(ctx, "a")
	require.NoError(t, err)
	a.Balance = 1_000_000

	again, err := s.GetAccount(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, domain.Money(0), again.Balance)
}
