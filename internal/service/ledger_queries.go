package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/boddenberg/fintech-ledger-go/internal/domain"

	"go.opentelemetry.io/otel/attribute"
)

// ownerOf resolves the customer that owns an account. A missing account
// has no owner; the gate then refuses everyone but admins.
func (s *LedgerService) ownerOf(ctx context.Context, accountID string) (string, error) {
	if owner, ok := s.owners.Get(accountID); ok {
		s.metrics.IncrCacheHit("owner")
		return owner, nil
	}
	s.metrics.IncrCacheMiss("owner")

	acct, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		var notFound *domain.ErrAccountNotFound
		if errors.As(err, &notFound) {
			return "", nil
		}
		return "", err
	}
	s.owners.Set(accountID, acct.OwnerID)
	return acct.OwnerID, nil
}

// GetAccount returns one account, balance included.
func (s *LedgerService) GetAccount(ctx context.Context, actor domain.Actor, id string) (*domain.Account, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.GetAccount")
	defer span.End()
	span.SetAttributes(attribute.String("account.id", id))

	owner, err := s.ownerOf(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("resolve owner: %w", err)
	}
	if err := s.gate.Authorize(actor, domain.OpViewAccount, owner); err != nil {
		return nil, err
	}
	return s.accounts.GetAccount(ctx, id)
}

// ListAccounts lists the accounts of ownerID. Customers always see their
// own; admins see everything when ownerID is empty.
func (s *LedgerService) ListAccounts(ctx context.Context, actor domain.Actor, ownerID string) ([]domain.Account, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.ListAccounts")
	defer span.End()

	if ownerID == "" && !actor.IsAdmin() {
		ownerID = actor.ID
	}
	if err := s.gate.Authorize(actor, domain.OpViewAccount, ownerIfScoped(actor, ownerID)); err != nil {
		return nil, err
	}
	return s.accounts.ListAccounts(ctx, ownerID)
}

// ownerIfScoped returns ownerID as the resource owner. An unscoped admin
// listing has no owner.
func ownerIfScoped(actor domain.Actor, ownerID string) string {
	if ownerID == "" && actor.IsAdmin() {
		return ""
	}
	return ownerID
}

// GetTransaction returns one transaction. Customers may see transactions
// that touch any account they own.
func (s *LedgerService) GetTransaction(ctx context.Context, actor domain.Actor, id string) (*domain.Transaction, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.GetTransaction")
	defer span.End()
	span.SetAttributes(attribute.String("transaction.id", id))

	tx, err := s.txs.GetTransaction(ctx, id)
	var notFound *domain.ErrNotFound
	if err != nil && !errors.As(err, &notFound) {
		return nil, err
	}
	if err != nil {
		// Do not reveal existence to non-admins.
		if authErr := s.gate.Authorize(actor, domain.OpListTransactions, ""); authErr != nil {
			return nil, authErr
		}
		return nil, err
	}

	owner := ""
	for _, accountID := range tx.AccountIDs() {
		o, err := s.ownerOf(ctx, accountID)
		if err != nil {
			return nil, fmt.Errorf("resolve owner: %w", err)
		}
		if o == actor.ID {
			owner = o
			break
		}
		if owner == "" {
			owner = o
		}
	}
	if err := s.gate.Authorize(actor, domain.OpListTransactions, owner); err != nil {
		return nil, err
	}
	return tx, nil
}

// ListTransactions lists transactions in creation order, narrowed by filter.
// A customer without a filter gets every transaction on their accounts.
// An admin without a filter gets the whole ledger, or the pending queue
// when filtering by status alone.
func (s *LedgerService) ListTransactions(ctx context.Context, actor domain.Actor, filter domain.TransactionFilter) ([]domain.Transaction, error) {
	ctx, span := ledgerTracer.Start(ctx, "LedgerService.ListTransactions")
	defer span.End()

	start := time.Now()
	defer func() { s.metrics.RecordRequestDuration("list_transactions", time.Since(start)) }()

	if filter.Status != "" && !filter.Status.Valid() {
		return nil, &domain.ErrValidation{Field: "status", Constraint: domain.ConstraintKnownValue, Message: fmt.Sprintf("unknown transaction status %q", filter.Status)}
	}
	if filter.AccountID == "" && filter.CustomerID == "" && !actor.IsAdmin() {
		filter.CustomerID = actor.ID
	}

	var (
		txs []domain.Transaction
		err error
	)
	switch {
	case filter.AccountID != "":
		owner, oerr := s.ownerOf(ctx, filter.AccountID)
		if oerr != nil {
			return nil, fmt.Errorf("resolve owner: %w", oerr)
		}
		if err := s.gate.Authorize(actor, domain.OpListTransactions, owner); err != nil {
			return nil, err
		}
		if owner == "" {
			return nil, &domain.ErrAccountNotFound{ID: filter.AccountID}
		}
		txs, err = s.txs.ListByAccount(ctx, filter.AccountID)

	case filter.CustomerID != "":
		if err := s.gate.Authorize(actor, domain.OpListTransactions, filter.CustomerID); err != nil {
			return nil, err
		}
		txs, err = s.txs.ListByCustomer(ctx, filter.CustomerID)

	default:
		if err := s.gate.Authorize(actor, domain.OpListTransactions, ""); err != nil {
			return nil, err
		}
		return s.txs.ListByStatus(ctx, filter.Status)
	}
	if err != nil {
		return nil, err
	}

	if filter.Status == "" {
		return txs, nil
	}
	out := txs[:0]
	for _, tx := range txs {
		if tx.Status == filter.Status {
			out = append(out, tx)
		}
	}
	return out, nil
}
