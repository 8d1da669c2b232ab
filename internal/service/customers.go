package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/boddenberg/fintech-ledger-go/internal/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ============================================================
// Customers
// ============================================================

// CreateCustomer registers a customer. Admin only.
func (s *LedgerService) CreateCustomer(ctx context.Context, actor domain.Actor, req *domain.CreateCustomerRequest) (*domain.Customer, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.CreateCustomer")
	defer span.End()

	if err := s.gate.Authorize(actor, domain.OpManageCustomers, ""); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, &domain.ErrValidation{Field: "body", Constraint: domain.ConstraintRequired, Message: "request is required"}
	}

	name := strings.TrimSpace(req.FullName)
	email := strings.TrimSpace(strings.ToLower(req.Email))
	switch {
	case name == "":
		return nil, &domain.ErrValidation{Field: "full_name", Constraint: domain.ConstraintRequired, Message: "required"}
	case !strings.Contains(email, "@"):
		return nil, &domain.ErrValidation{Field: "email", Constraint: domain.ConstraintKnownValue, Message: "must be an email address"}
	case req.Type != domain.CustomerIndividual && req.Type != domain.CustomerBusiness:
		return nil, &domain.ErrValidation{Field: "customer_type", Constraint: domain.ConstraintKnownValue, Message: fmt.Sprintf("unknown customer type %q", req.Type)}
	}

	c := &domain.Customer{
		ID:           req.ID,
		FullName:     name,
		Email:        email,
		Phone:        strings.TrimSpace(req.Phone),
		Type:         req.Type,
		RegisteredAt: s.now(),
	}
	if c.ID == "" {
		c.ID = s.newID()
	}
	span.SetAttributes(attribute.String("customer.id", c.ID))

	if err := s.customers.CreateCustomer(ctx, c); err != nil {
		return nil, fmt.Errorf("create customer: %w", err)
	}

	s.logger.Info("customer registered",
		zap.String("customer_id", c.ID),
		zap.String("customer_type", string(c.Type)),
		zap.String("actor_id", actor.ID),
	)
	return c, nil
}

// GetCustomer returns one customer. Customers may only read themselves.
func (s *LedgerService) GetCustomer(ctx context.Context, actor domain.Actor, id string) (*domain.Customer, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.GetCustomer")
	defer span.End()

	if err := s.gate.Authorize(actor, domain.OpViewCustomer, id); err != nil {
		return nil, err
	}
	return s.customers.GetCustomer(ctx, id)
}

// ListCustomers lists every customer. Admin only.
func (s *LedgerService) ListCustomers(ctx context.Context, actor domain.Actor) ([]domain.Customer, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.ListCustomers")
	defer span.End()

	if err := s.gate.Authorize(actor, domain.OpManageCustomers, ""); err != nil {
		return nil, err
	}
	return s.customers.ListCustomers(ctx)
}

// CustomerOverview gathers a customer with their accounts and transactions.
func (s *LedgerService) CustomerOverview(ctx context.Context, actor domain.Actor, customerID string) (*domain.CustomerOverview, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.CustomerOverview")
	defer span.End()
	span.SetAttributes(attribute.String("customer.id", customerID))

	start := time.Now()
	defer func() { s.metrics.RecordRequestDuration("customer_overview", time.Since(start)) }()

	if err := s.gate.Authorize(actor, domain.OpViewCustomer, customerID); err != nil {
		return nil, err
	}

	var (
		customer *domain.Customer
		accounts []domain.Account
		txs      []domain.Transaction
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		customer, err = s.customers.GetCustomer(gctx, customerID)
		return err
	})
	g.Go(func() error {
		var err error
		accounts, err = s.accounts.ListAccounts(gctx, customerID)
		return err
	})
	g.Go(func() error {
		var err error
		txs, err = s.txs.ListByCustomer(gctx, customerID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	overview := &domain.CustomerOverview{
		Customer:     customer,
		Accounts:     accounts,
		Transactions: txs,
	}
	for _, a := range accounts {
		overview.TotalBalance += a.Balance
	}
	for _, tx := range txs {
		if tx.Status == domain.StatusPending {
			overview.PendingCount++
		}
	}
	return overview, nil
}
