package memstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/boddenberg/fintech-ledger-go/internal/domain"
)

func idemKey(requestedBy, key string) string {
	return requestedBy + "\x00" + key
}

// ============================================================
// Transaction Repository
// ============================================================

func (s *Store) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.txs[tx.ID]; ok {
		return &domain.ErrConflict{Message: fmt.Sprintf("transaction %s already exists", tx.ID)}
	}
	if tx.IdempotencyKey != "" {
		if _, ok := s.idem[idemKey(tx.RequestedBy, tx.IdempotencyKey)]; ok {
			return &domain.ErrConflict{Message: fmt.Sprintf("idempotency key %q already used", tx.IdempotencyKey)}
		}
	}
	if tx.ReversalOf != "" {
		if _, ok := s.reversals[tx.ReversalOf]; ok {
			return &domain.ErrConflict{Message: fmt.Sprintf("transaction %s already has a reversal", tx.ReversalOf)}
		}
	}

	c := tx.Clone()
	if err := s.write(evTransactionCreated, c); err != nil {
		return err
	}
	s.applyTransaction(c)
	return nil
}

func (s *Store) applyTransaction(tx *domain.Transaction) {
	s.txs[tx.ID] = tx
	if tx.IdempotencyKey != "" {
		s.idem[idemKey(tx.RequestedBy, tx.IdempotencyKey)] = tx.ID
	}
	if tx.ReversalOf != "" && tx.Status != domain.StatusRejected {
		s.reversals[tx.ReversalOf] = tx.ID
	}
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tx, ok := s.txs[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "transaction", ID: id}
	}
	return tx.Clone(), nil
}

func (s *Store) ListByAccount(ctx context.Context, accountID string) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(func(tx *domain.Transaction) bool {
		return tx.SourceAccountID == accountID || tx.DestinationAccountID == accountID
	}), nil
}

func (s *Store) ListByStatus(ctx context.Context, status domain.TransactionStatus) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collect(func(tx *domain.Transaction) bool {
		return status == "" || tx.Status == status
	}), nil
}

func (s *Store) ListByCustomer(ctx context.Context, customerID string) ([]domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	owned := make(map[string]bool)
	for id, a := range s.accounts {
		if a.OwnerID == customerID {
			owned[id] = true
		}
	}
	return s.collect(func(tx *domain.Transaction) bool {
		return owned[tx.SourceAccountID] || owned[tx.DestinationAccountID]
	}), nil
}

// collect returns clones of matching transactions ordered by creation.
func (s *Store) collect(match func(*domain.Transaction) bool) []domain.Transaction {
	out := make([]domain.Transaction, 0)
	for _, tx := range s.txs {
		if match(tx) {
			out = append(out, *tx.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, requestedBy, key string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.idem[idemKey(requestedBy, key)]
	if !ok {
		return nil, nil
	}
	return s.txs[id].Clone(), nil
}

func (s *Store) FindReversal(ctx context.Context, originalID string) (*domain.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.reversals[originalID]
	if !ok {
		return nil, nil
	}
	return s.txs[id].Clone(), nil
}

func (s *Store) RejectTransaction(ctx context.Context, id string, change domain.StatusChange) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.pending(id, "reject")
	if err != nil {
		return nil, err
	}

	change.Status = domain.StatusRejected
	if err := s.write(evTransactionRejected, rejectEvent{ID: id, Change: change}); err != nil {
		return nil, err
	}
	s.applyReject(id, change)
	return tx.Clone(), nil
}

func (s *Store) applyReject(id string, change domain.StatusChange) {
	tx := s.txs[id]
	tx.Status = domain.StatusRejected
	at := change.At
	tx.DecidedAt = &at
	tx.DecidedBy = change.ActorID
	tx.History = append(tx.History, change)
	if tx.ReversalOf != "" && s.reversals[tx.ReversalOf] == id {
		delete(s.reversals, tx.ReversalOf)
	}
}

// pending returns the stored transaction when it is still pending.
func (s *Store) pending(id, action string) (*domain.Transaction, error) {
	tx, ok := s.txs[id]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "transaction", ID: id}
	}
	if tx.Status != domain.StatusPending {
		return nil, &domain.ErrState{Resource: "transaction", ID: id, Current: string(tx.Status), Action: action}
	}
	return tx, nil
}

// ============================================================
// Posting Store
// ============================================================

// Commit applies an approved posting. Every delta is checked before any
// is applied, so a failure leaves all balances and the status untouched.
func (s *Store) Commit(ctx context.Context, p *domain.Posting) (*domain.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.pending(p.TransactionID, "decide")
	if err != nil {
		return nil, err
	}
	if err := s.checkDeltas(p.Deltas); err != nil {
		return nil, err
	}

	posting := *p
	posting.Change.Status = domain.StatusApproved
	if err := s.write(evPostingCommitted, &posting); err != nil {
		return nil, err
	}
	s.applyPosting(&posting)
	return tx.Clone(), nil
}

func (s *Store) checkDeltas(deltas []domain.Delta) error {
	// Sum per account so two deltas on one account are checked together.
	sums := make(map[string]domain.Money, len(deltas))
	for _, d := range deltas {
		a, ok := s.accounts[d.AccountID]
		if !ok {
			return &domain.ErrAccountNotFound{ID: d.AccountID}
		}
		if a.Status != domain.AccountActive {
			return &domain.ErrAccountInactive{ID: a.ID, Status: a.Status}
		}
		sum, ok := domain.CheckedAdd(sums[d.AccountID], d.Amount)
		if !ok {
			return errBalanceOverflow()
		}
		sums[d.AccountID] = sum
	}
	for _, d := range deltas {
		a := s.accounts[d.AccountID]
		sum := sums[d.AccountID]
		if !domain.Covers(a.Balance, d.Floor, sum) {
			return &domain.ErrInsufficientFunds{
				AccountID: a.ID,
				Available: domain.Headroom(a.Balance, d.Floor),
				Required:  -sum,
			}
		}
		if _, ok := domain.CheckedAdd(a.Balance, sum); !ok {
			return errBalanceOverflow()
		}
	}
	return nil
}

func errBalanceOverflow() error {
	return &domain.ErrValidation{Field: "amount", Constraint: domain.ConstraintKnownValue, Message: "posting would overflow the account balance"}
}

func (s *Store) applyPosting(p *domain.Posting) {
	tx := s.txs[p.TransactionID]
	at := p.Change.At

	for _, d := range p.Deltas {
		a := s.accounts[d.AccountID]
		before := a.Balance
		a.Balance += d.Amount
		a.UpdatedAt = at
		tx.Entries = append(tx.Entries, domain.Entry{
			AccountID:     a.ID,
			Amount:        d.Amount,
			BalanceBefore: before,
			BalanceAfter:  a.Balance,
			PostedAt:      at,
		})
	}

	tx.Status = domain.StatusApproved
	tx.DecidedAt = &at
	tx.DecidedBy = p.Change.ActorID
	tx.History = append(tx.History, p.Change)

	if tx.ReversalOf != "" {
		if orig, ok := s.txs[tx.ReversalOf]; ok {
			orig.ReversedBy = tx.ID
		}
	}
}
