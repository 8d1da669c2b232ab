package seed

import (
	"context"
	"testing"
	"time"

	"github.com/boddenberg/fintech-ledger-go/internal/domain"
	"github.com/boddenberg/fintech-ledger-go/internal/infra/cache"
	"github.com/boddenberg/fintech-ledger-go/internal/infra/memstore"
	"github.com/boddenberg/fintech-ledger-go/internal/infra/observability"
	"github.com/boddenberg/fintech-ledger-go/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var seedActor = domain.Actor{ID: "system-seed", Role: domain.RoleAdmin}

func TestDefaultSeedParses(t *testing.T) {
	f, err := Read("")
	require.NoError(t, err)

	assert.Len(t, f.Customers, 2)
	assert.Len(t, f.Accounts, 2)
	require.Len(t, f.Users, 3)
	assert.Equal(t, domain.RoleAdmin, f.Users[0].Role)
	assert.Equal(t, "wintah", f.Users[0].Password)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("customers:\n  - id: c1\n    nickname: x\n"))
	assert.Error(t, err)
}

func TestReadMissingFile(t *testing.T) {
	_, err := Read("/nonexistent/seed.yaml")
	assert.Error(t, err)
}

func TestApplyIsIdempotentPerCustomer(t *testing.T) {
	logger := zap.NewNop()
	store := memstore.New(logger)
	owners := cache.New[string](time.Minute)
	defer owners.Close()

	ledger := service.NewLedgerService(store, owners, observability.NewMetrics(), logger)
	ctx := context.Background()

	f, err := Read("")
	require.NoError(t, err)
	require.NoError(t, Apply(ctx, f, ledger, service.NewIdentityService("s", time.Hour, logger), seedActor, bcrypt.MinCost, logger))

	accounts, err := ledger.ListAccounts(ctx, seedActor, "")
	require.NoError(t, err)
	require.Len(t, accounts, 2)

	balances := map[string]domain.Money{}
	for _, a := range accounts {
		balances[a.Number] = a.Balance
	}
	assert.Equal(t, domain.MustMoney("5000.00"), balances["ACC10001"])
	assert.Equal(t, domain.MustMoney("25000.00"), balances["ACC10002"])

	// A restart re-applies the seed against the same store with fresh identities.
	require.NoError(t, Apply(ctx, f, ledger, service.NewIdentityService("s", time.Hour, logger), seedActor, bcrypt.MinCost, logger))

	accounts, err = ledger.ListAccounts(ctx, seedActor, "")
	require.NoError(t, err)
	assert.Len(t, accounts, 2)
}

func TestApplyRejectsBadDeposit(t *testing.T) {
	logger := zap.NewNop()
	owners := cache.New[string](time.Minute)
	defer owners.Close()
	ledger := service.NewLedgerService(memstore.New(logger), owners, observability.NewMetrics(), logger)

	f := &File{
		Customers: []Customer{{ID: "c1", FullName: "C One", Email: "c1@example.com", Type: domain.CustomerIndividual}},
		Accounts:  []Account{{OwnerID: "c1", Kind: domain.AccountChecking, OpeningDeposit: "12.345"}},
	}
	err := Apply(context.Background(), f, ledger, service.NewIdentityService("s", time.Hour, logger), seedActor, bcrypt.MinCost, logger)
	assert.Error(t, err)
}
