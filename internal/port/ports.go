// Package port defines the interfaces (ports) for external dependencies.
// Following hexagonal architecture, these ports decouple the ledger
// service layer from the concrete storage backends.
package port

import (
	"context"

	"github.com/boddenberg/fintech-ledger-go/internal/domain"
)

// AccountStore holds account records. It never changes a balance on its
// own; balances move only through PostingStore.Commit.
type AccountStore interface {
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	// ListAccounts lists the accounts of ownerID, or every account when
	// ownerID is empty.
	ListAccounts(ctx context.Context, ownerID string) ([]domain.Account, error)
	CreateAccount(ctx context.Context, acct *domain.Account) error
	SetAccountStatus(ctx context.Context, id string, status domain.AccountStatus) (*domain.Account, error)
}

// TransactionRepository is the append-only record of transactions.
type TransactionRepository interface {
	CreateTransaction(ctx context.Context, tx *domain.Transaction) error
	GetTransaction(ctx context.Context, id string) (*domain.Transaction, error)
	ListByAccount(ctx context.Context, accountID string) ([]domain.Transaction, error)
	// ListByStatus lists transactions in status, or all when status is empty.
	ListByStatus(ctx context.Context, status domain.TransactionStatus) ([]domain.Transaction, error)
	ListByCustomer(ctx context.Context, customerID string) ([]domain.Transaction, error)
	FindByIdempotencyKey(ctx context.Context, requestedBy, key string) (*domain.Transaction, error)
	FindReversal(ctx context.Context, originalID string) (*domain.Transaction, error)
	// RejectTransaction moves a pending transaction to rejected.
	RejectTransaction(ctx context.Context, id string, change domain.StatusChange) (*domain.Transaction, error)
}

// PostingStore applies an approved posting as one atomic unit: status
// compare-and-set, balance deltas and ledger entries.
type PostingStore interface {
	Commit(ctx context.Context, p *domain.Posting) (*domain.Transaction, error)
}

// CustomerStore holds customer records.
type CustomerStore interface {
	CreateCustomer(ctx context.Context, c *domain.Customer) error
	GetCustomer(ctx context.Context, id string) (*domain.Customer, error)
	ListCustomers(ctx context.Context) ([]domain.Customer, error)
}

// LedgerStore is everything a storage backend provides.
type LedgerStore interface {
	AccountStore
	TransactionRepository
	PostingStore
	CustomerStore
	Ping(ctx context.Context) error
}

// Cache provides generic caching with TTL.
type Cache[T any] interface {
	Get(key string) (T, bool)
	Set(key string, value T)
	Delete(key string)
}
