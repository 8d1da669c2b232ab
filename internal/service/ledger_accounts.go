package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/boddenberg/fintech-ledger-go/internal/domain"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

// maxNumberAttempts bounds retries when a generated account number collides.
const maxNumberAttempts = 5

// ============================================================
// Account lifecycle
// ============================================================

// OpenAccount creates an active account for an existing customer. A
// positive opening deposit is booked as an approved deposit so the
// balance has an audit trail from the first cent.
//
// If the deposit cannot be posted the account still exists: it is
// returned together with the error, at its current balance, and the
// deposit stays pending for a later decision.
func (s *LedgerService) OpenAccount(ctx context.Context, actor domain.Actor, req *domain.OpenAccountRequest) (*domain.Account, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.OpenAccount")
	defer span.End()

	start := time.Now()
	defer func() { s.metrics.RecordRequestDuration("open_account", time.Since(start)) }()

	if err := s.gate.Authorize(actor, domain.OpManageAccounts, ""); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, &domain.ErrValidation{Field: "body", Constraint: domain.ConstraintRequired, Message: "request is required"}
	}
	if !req.Kind.Valid() {
		return nil, &domain.ErrValidation{Field: "kind", Constraint: domain.ConstraintKnownValue, Message: fmt.Sprintf("unknown account kind %q", req.Kind)}
	}
	if req.OwnerID == "" {
		return nil, &domain.ErrValidation{Field: "owner_id", Constraint: domain.ConstraintRequired, Message: "required"}
	}
	if req.OpeningDeposit < 0 {
		return nil, &domain.ErrValidation{Field: "opening_deposit", Constraint: domain.ConstraintNonNegative, Message: "must not be negative"}
	}

	if _, err := s.customers.GetCustomer(ctx, req.OwnerID); err != nil {
		var notFound *domain.ErrNotFound
		if errors.As(err, &notFound) {
			return nil, &domain.ErrValidation{Field: "owner_id", Constraint: domain.ConstraintCustomerExists, Message: "customer does not exist", Err: err}
		}
		return nil, fmt.Errorf("get customer: %w", err)
	}

	now := s.now()
	acct := &domain.Account{
		ID:        s.newID(),
		OwnerID:   req.OwnerID,
		Kind:      req.Kind,
		Status:    domain.AccountActive,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var err error
	if req.Number != "" {
		acct.Number = req.Number
		err = s.accounts.CreateAccount(ctx, acct)
	} else {
		for attempt := 0; attempt < maxNumberAttempts; attempt++ {
			acct.Number = newAccountNumber()
			err = s.accounts.CreateAccount(ctx, acct)
			var conflict *domain.ErrConflict
			if err == nil || !errors.As(err, &conflict) {
				break
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	s.owners.Set(acct.ID, acct.OwnerID)
	span.SetAttributes(attribute.String("account.id", acct.ID), attribute.String("account.number", acct.Number))

	if req.OpeningDeposit > 0 {
		if err := s.bookOpeningDeposit(ctx, actor, acct, req.OpeningDeposit); err != nil {
			s.logger.Warn("account opened without its opening deposit",
				zap.String("account_id", acct.ID),
				zap.String("opening_deposit", req.OpeningDeposit.String()),
				zap.Error(err),
			)
			if current, gerr := s.accounts.GetAccount(ctx, acct.ID); gerr == nil {
				return current, err
			}
			return acct, err
		}
	}

	s.logger.Info("account opened",
		zap.String("account_id", acct.ID),
		zap.String("account_number", acct.Number),
		zap.String("owner_id", acct.OwnerID),
		zap.String("kind", string(acct.Kind)),
		zap.String("opening_deposit", req.OpeningDeposit.String()),
		zap.String("actor_id", actor.ID),
	)
	return s.accounts.GetAccount(ctx, acct.ID)
}

func (s *LedgerService) bookOpeningDeposit(ctx context.Context, actor domain.Actor, acct *domain.Account, amount domain.Money) error {
	now := s.now()
	tx := &domain.Transaction{
		ID:              s.newID(),
		Kind:            domain.KindDeposit,
		SourceAccountID: acct.ID,
		Amount:          amount,
		Status:          domain.StatusPending,
		Description:     "opening deposit",
		RequestedBy:     actor.ID,
		CreatedAt:       now,
		History: []domain.StatusChange{
			{Status: domain.StatusPending, ActorID: actor.ID, At: now},
		},
	}
	if err := s.txs.CreateTransaction(ctx, tx); err != nil {
		return fmt.Errorf("create opening deposit: %w", err)
	}
	s.metrics.IncrProposed(string(tx.Kind))

	_, err := s.decide(ctx, actor, tx.ID, domain.OutcomeApprove, "opening deposit")
	s.metrics.IncrDecision(string(domain.OutcomeApprove), decisionResult(err))
	if err != nil {
		return fmt.Errorf("post opening deposit %s: %w", tx.ID, err)
	}
	return nil
}

// newAccountNumber returns a number in the ACC10000..ACC99999 range.
func newAccountNumber() string {
	return fmt.Sprintf("ACC%05d", 10000+rand.Intn(90000))
}

// SetAccountStatus suspends, reactivates or closes an account. Closed is
// terminal and requires a zero balance. Pending transactions touching the
// account stay pending and fail at decision time while it is not active.
func (s *LedgerService) SetAccountStatus(ctx context.Context, actor domain.Actor, id string, req *domain.AccountStatusRequest) (*domain.Account, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.SetAccountStatus")
	defer span.End()
	span.SetAttributes(attribute.String("account.id", id))

	if err := s.gate.Authorize(actor, domain.OpManageAccounts, ""); err != nil {
		return nil, err
	}
	if req == nil || !req.Status.Valid() {
		status := ""
		if req != nil {
			status = string(req.Status)
		}
		return nil, &domain.ErrValidation{Field: "status", Constraint: domain.ConstraintKnownValue, Message: fmt.Sprintf("unknown account status %q", status)}
	}

	// Hold the account lock so no posting lands between the balance
	// check and the status change.
	unlock := s.locks.Lock(id)
	defer unlock()

	acct, err := s.accounts.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if acct.Status == req.Status {
		return acct, nil
	}
	if err := acct.CheckStatusChange(req.Status); err != nil {
		return nil, err
	}

	// The store checks the transition again against the row it updates,
	// which covers writers outside this process.
	updated, err := s.accounts.SetAccountStatus(ctx, id, req.Status)
	if err != nil {
		return nil, fmt.Errorf("set account status: %w", err)
	}

	s.logger.Info("account status changed",
		zap.String("account_id", id),
		zap.String("from", string(acct.Status)),
		zap.String("to", string(updated.Status)),
		zap.String("reason", req.Reason),
		zap.String("actor_id", actor.ID),
	)
	return updated, nil
}
