package service

import (
	"github.com/boddenberg/fintech-ledger-go/internal/domain"
	"github.com/boddenberg/fintech-ledger-go/internal/infra/observability"

	"go.uber.org/zap"
)

// ============================================================
// Authorization Gate
// ============================================================

// customerOperations are the only operations a customer may perform, and
// only against resources they own.
var customerOperations = map[domain.Operation]bool{
	domain.OpPropose:          true,
	domain.OpViewAccount:      true,
	domain.OpListTransactions: true,
	domain.OpViewCustomer:     true,
}

var knownOperations = map[domain.Operation]bool{
	domain.OpPropose:          true,
	domain.OpDecide:           true,
	domain.OpReverse:          true,
	domain.OpViewAccount:      true,
	domain.OpListTransactions: true,
	domain.OpViewCustomer:     true,
	domain.OpManageAccounts:   true,
	domain.OpManageCustomers:  true,
}

// Gate decides whether an actor may perform an operation on a resource
// owned by resourceOwnerID. It fails closed.
type Gate struct {
	metrics *observability.Metrics
	logger  *zap.Logger
}

// NewGate creates an authorization gate.
func NewGate(metrics *observability.Metrics, logger *zap.Logger) *Gate {
	return &Gate{metrics: metrics, logger: logger}
}

// Authorize returns nil when the actor may perform op, or *domain.ErrForbidden.
func (g *Gate) Authorize(actor domain.Actor, op domain.Operation, resourceOwnerID string) error {
	if g.allowed(actor, op, resourceOwnerID) {
		return nil
	}

	g.metrics.IncrAuthzDenied(string(op))
	g.logger.Warn("authorization denied",
		zap.String("actor_id", actor.ID),
		zap.String("role", string(actor.Role)),
		zap.String("operation", string(op)),
		zap.String("owner_id", resourceOwnerID),
	)
	return &domain.ErrForbidden{Action: string(op), ActorID: actor.ID}
}

func (g *Gate) allowed(actor domain.Actor, op domain.Operation, ownerID string) bool {
	if actor.ID == "" || !knownOperations[op] {
		return false
	}
	switch actor.Role {
	case domain.RoleAdmin:
		return true
	case domain.RoleCustomer:
		return customerOperations[op] && ownerID != "" && ownerID == actor.ID
	default:
		return false
	}
}
