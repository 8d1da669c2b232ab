package service

import (
	"errors"
	"testing"

	"github.com/boddenberg/fintech-ledger-go/internal/domain"
	"github.com/boddenberg/fintech-ledger-go/internal/infra/observability"

	"go.uber.org/zap"
)

func TestGateAuthorize(t *testing.T) {
	admin := domain.Actor{ID: "admin", Role: domain.RoleAdmin}
	anita := domain.Actor{ID: "cust-anita", Role: domain.RoleCustomer}

	tests := []struct {
		name    string
		actor   domain.Actor
		op      domain.Operation
		owner   string
		allowed bool
	}{
		{"admin decides", admin, domain.OpDecide, "", true},
		{"admin reverses", admin, domain.OpReverse, "cust-anita", true},
		{"admin views any account", admin, domain.OpViewAccount, "cust-bethwel", true},
		{"customer proposes on own account", anita, domain.OpPropose, "cust-anita", true},
		{"customer views own account", anita, domain.OpViewAccount, "cust-anita", true},
		{"customer lists own transactions", anita, domain.OpListTransactions, "cust-anita", true},
		{"customer views self", anita, domain.OpViewCustomer, "cust-anita", true},
		{"customer proposes on other account", anita, domain.OpPropose, "cust-bethwel", false},
		{"customer proposes on missing account", anita, domain.OpPropose, "", false},
		{"customer decides own transaction", anita, domain.OpDecide, "cust-anita", false},
		{"customer reverses", anita, domain.OpReverse, "cust-anita", false},
		{"customer manages accounts", anita, domain.OpManageAccounts, "cust-anita", false},
		{"customer manages customers", anita, domain.OpManageCustomers, "", false},
		{"unknown operation", admin, domain.Operation("drop_tables"), "", false},
		{"anonymous actor", domain.Actor{Role: domain.RoleAdmin}, domain.OpDecide, "", false},
		{"unknown role", domain.Actor{ID: "x", Role: "auditor"}, domain.OpViewAccount, "x", false},
	}

	metrics := observability.NewMetrics()
	gate := NewGate(metrics, zap.NewNop())

	denied := 0
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := gate.Authorize(tt.actor, tt.op, tt.owner)
			if tt.allowed {
				if err != nil {
					t.Fatalf("expected allowed, got %v", err)
				}
				return
			}
			denied++
			var forbidden *domain.ErrForbidden
			if !errors.As(err, &forbidden) {
				t.Fatalf("expected ErrForbidden, got %v", err)
			}
			if forbidden.Action != string(tt.op) {
				t.Errorf("expected action %q, got %q", tt.op, forbidden.Action)
			}
		})
	}

	// The snapshot only sums known operations.
	if got := metrics.LedgerSnapshot().AuthorizationDenied; got != int64(denied-1) {
		t.Errorf("expected %d denials in snapshot, got %d", denied-1, got)
	}
}
