// Package memstore is an in-memory LedgerStore. With a journal attached
// every change is written ahead to disk and replayed on open, so the
// process can restart without losing acknowledged postings.
package memstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/boddenberg/fintech-ledger-go/internal/domain"
	"github.com/boddenberg/fintech-ledger-go/internal/infra/journal"

	"go.uber.org/zap"
)

// Journal record types.
const (
	evAccountCreated      = "account_created"
	evAccountStatus       = "account_status"
	evCustomerCreated     = "customer_created"
	evTransactionCreated  = "transaction_created"
	evTransactionRejected = "transaction_rejected"
	evPostingCommitted    = "posting_committed"
)

type statusEvent struct {
	ID     string               `json:"id"`
	Status domain.AccountStatus `json:"status"`
	At     time.Time            `json:"at"`
}

type rejectEvent struct {
	ID     string              `json:"id"`
	Change domain.StatusChange `json:"change"`
}

// Store keeps every record in maps guarded by one RWMutex. Writes are
// validated, journaled, then applied, all under the write lock.
type Store struct {
	mu sync.RWMutex

	accounts  map[string]*domain.Account
	numbers   map[string]string // account number -> id
	customers map[string]*domain.Customer
	txs       map[string]*domain.Transaction
	idem      map[string]string // requestedBy + key -> transaction id
	reversals map[string]string // original id -> live reversal id

	journal *journal.Journal
	logger  *zap.Logger
	now     func() time.Time
}

// New creates an empty store without a journal.
func New(logger *zap.Logger) *Store {
	return &Store{
		accounts:  make(map[string]*domain.Account),
		numbers:   make(map[string]string),
		customers: make(map[string]*domain.Customer),
		txs:       make(map[string]*domain.Transaction),
		idem:      make(map[string]string),
		reversals: make(map[string]string),
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Open creates a store backed by the journal at path, replaying it first.
func Open(path string, logger *zap.Logger) (*Store, error) {
	j, err := journal.Open(path)
	if err != nil {
		return nil, err
	}

	s := New(logger)
	var n int
	if err := j.Replay(func(r journal.Record) error {
		n++
		return s.replay(r)
	}); err != nil {
		_ = j.Close()
		return nil, fmt.Errorf("replay journal: %w", err)
	}
	s.journal = j

	logger.Info("journal replayed",
		zap.String("path", path),
		zap.Int("records", n),
		zap.Int("accounts", len(s.accounts)),
		zap.Int("transactions", len(s.txs)),
	)
	return s, nil
}

// Close releases the journal, if any.
func (s *Store) Close() error {
	if s.journal == nil {
		return nil
	}
	return s.journal.Close()
}

// Ping always succeeds; the store lives in process.
func (s *Store) Ping(ctx context.Context) error { return nil }

func (s *Store) replay(r journal.Record) error {
	switch r.Type {
	case evAccountCreated:
		var a domain.Account
		if err := json.Unmarshal(r.Data, &a); err != nil {
			return err
		}
		s.applyAccount(&a)
	case evAccountStatus:
		var ev statusEvent
		if err := json.Unmarshal(r.Data, &ev); err != nil {
			return err
		}
		s.applyStatus(ev)
	case evCustomerCreated:
		var c domain.Customer
		if err := json.Unmarshal(r.Data, &c); err != nil {
			return err
		}
		s.applyCustomer(&c)
	case evTransactionCreated:
		var tx domain.Transaction
		if err := json.Unmarshal(r.Data, &tx); err != nil {
			return err
		}
		s.applyTransaction(&tx)
	case evTransactionRejected:
		var ev rejectEvent
		if err := json.Unmarshal(r.Data, &ev); err != nil {
			return err
		}
		s.applyReject(ev.ID, ev.Change)
	case evPostingCommitted:
		var p domain.Posting
		if err := json.Unmarshal(r.Data, &p); err != nil {
			return err
		}
		s.applyPosting(&p)
	default:
		return fmt.Errorf("unknown record type %q", r.Type)
	}
	return nil
}

// write journals an event. Callers hold the write lock.
func (s *Store) write(typ string, v any) error {
	if s.journal == nil {
		return nil
	}
	if err := s.journal.Append(typ, v); err != nil {
		return &domain.ErrStorage{Op: typ, Err: err}
	}
	return nil
}

// ============================================================
// Accounts
// ============================================================

func (s *Store) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, &domain.ErrAccountNotFound{ID: id}
	}
	c := *a
	return &c, nil
}

func (s *Store) ListAccounts(ctx context.Context, ownerID string) ([]domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Account, 0)
	for _, a := range s.accounts {
		if ownerID == "" || a.OwnerID == ownerID {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) CreateAccount(ctx context.Context, acct *domain.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[acct.ID]; ok {
		return &domain.ErrConflict{Message: fmt.Sprintf("account %s already exists", acct.ID)}
	}
	if _, ok := s.numbers[acct.Number]; ok {
		return &domain.ErrConflict{Message: fmt.Sprintf("account number %s already in use", acct.Number)}
	}

	c := *acct
	if err := s.write(evAccountCreated, &c); err != nil {
		return err
	}
	s.applyAccount(&c)
	return nil
}

func (s *Store) applyAccount(a *domain.Account) {
	s.accounts[a.ID] = a
	s.numbers[a.Number] = a.ID
}

func (s *Store) SetAccountStatus(ctx context.Context, id string, status domain.AccountStatus) (*domain.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, &domain.ErrAccountNotFound{ID: id}
	}
	if err := a.CheckStatusChange(status); err != nil {
		return nil, err
	}

	ev := statusEvent{ID: id, Status: status, At: s.now()}
	if err := s.write(evAccountStatus, ev); err != nil {
		return nil, err
	}
	s.applyStatus(ev)

	c := *s.accounts[id]
	return &c, nil
}

func (s *Store) applyStatus(ev statusEvent) {
	a := s.accounts[ev.ID]
	a.Status = ev.Status
	a.UpdatedAt = ev.At
}

// ============================================================
// Customers
// ============================================================

func (s *Store) CreateCustomer(ctx context.Context, c *domain.Customer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.customers[c.ID]; ok {
		return &domain.ErrConflict{Message: fmt.Sprintf("customer %s already exists", c.ID)}
	}

	cp := *c
	if err := s.write(evCustomerCreated, &cp); err != nil {
		return err
	}
	s.applyCustomer(&cp)
	return nil
}

func (s *Store) applyCustomer(c *domain.Customer) {
	s.customers[c.ID] = c
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.customers[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "customer", ID: id}
	}
	cp := *c
	return &cp, nil
}

func (s *Store) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Customer, 0, len(s.customers))
	for _, c := range s.customers {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.Before(out[j].RegisteredAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
