package postgres

import (
	"context"
	"database/sql"
	"errors"
	"sort"

	"github.com/boddenberg/fintech-ledger-go/internal/domain"

	"github.com/lib/pq"
)

const txColumns = `id, kind, source_account_id, COALESCE(destination_account_id, ''), amount, status,
	description, requested_by, COALESCE(idempotency_key, ''), COALESCE(reversal_of, ''),
	COALESCE(reversed_by, ''), created_at, decided_at, decided_by`

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var (
		tx        domain.Transaction
		amount    int64
		decidedAt sql.NullTime
	)
	err := row.Scan(&tx.ID, &tx.Kind, &tx.SourceAccountID, &tx.DestinationAccountID, &amount, &tx.Status,
		&tx.Description, &tx.RequestedBy, &tx.IdempotencyKey, &tx.ReversalOf,
		&tx.ReversedBy, &tx.CreatedAt, &decidedAt, &tx.DecidedBy)
	if err != nil {
		return nil, err
	}
	tx.Amount = domain.Money(amount)
	if decidedAt.Valid {
		at := decidedAt.Time
		tx.DecidedAt = &at
	}
	return &tx, nil
}

// ============================================================
// Transaction Repository
// ============================================================

func (s *Store) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	return s.run(ctx, "create_transaction", func() error {
		return s.inTx(ctx, func(q *sql.Tx) error {
			_, err := q.ExecContext(ctx,
				`INSERT INTO transactions (id, kind, source_account_id, destination_account_id, amount, status,
					description, requested_by, idempotency_key, reversal_of, created_at)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
				tx.ID, tx.Kind, tx.SourceAccountID, nullString(tx.DestinationAccountID), int64(tx.Amount), tx.Status,
				tx.Description, tx.RequestedBy, nullString(tx.IdempotencyKey), nullString(tx.ReversalOf), tx.CreatedAt)
			if err != nil {
				return err
			}
			for i, h := range tx.History {
				if err := insertHistory(ctx, q, tx.ID, i+1, h); err != nil {
					return err
				}
			}
			return nil
		})
	})
}

func insertHistory(ctx context.Context, q queryer, txID string, seq int, h domain.StatusChange) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO transaction_status_history (transaction_id, seq, status, actor_id, reason, at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		txID, seq, h.Status, h.ActorID, h.Reason, h.At)
	return err
}

func (s *Store) GetTransaction(ctx context.Context, id string) (*domain.Transaction, error) {
	var out *domain.Transaction
	err := s.run(ctx, "get_transaction", func() error {
		tx, err := s.getTransaction(ctx, s.db, id, false)
		out = tx
		return err
	})
	return out, err
}

func (s *Store) getTransaction(ctx context.Context, q queryer, id string, forUpdate bool) (*domain.Transaction, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	tx, err := scanTransaction(q.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ErrNotFound{Resource: "transaction", ID: id}
	}
	if err != nil {
		return nil, err
	}
	if err := loadDetails(ctx, q, []*domain.Transaction{tx}); err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *Store) ListByAccount(ctx context.Context, accountID string) ([]domain.Transaction, error) {
	return s.list(ctx, "list_by_account",
		`WHERE source_account_id = $1 OR destination_account_id = $1`, accountID)
}

func (s *Store) ListByStatus(ctx context.Context, status domain.TransactionStatus) ([]domain.Transaction, error) {
	return s.list(ctx, "list_by_status", `WHERE $1::text = '' OR status = $1`, string(status))
}

func (s *Store) ListByCustomer(ctx context.Context, customerID string) ([]domain.Transaction, error) {
	return s.list(ctx, "list_by_customer",
		`WHERE source_account_id IN (SELECT id FROM accounts WHERE owner_id = $1)
		    OR destination_account_id IN (SELECT id FROM accounts WHERE owner_id = $1)`, customerID)
}

func (s *Store) list(ctx context.Context, op, where string, arg any) ([]domain.Transaction, error) {
	var out []domain.Transaction
	err := s.run(ctx, op, func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+txColumns+` FROM transactions `+where+` ORDER BY created_at, id`, arg)
		if err != nil {
			return err
		}
		var txs []*domain.Transaction
		for rows.Next() {
			tx, err := scanTransaction(rows)
			if err != nil {
				rows.Close()
				return err
			}
			txs = append(txs, tx)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if err := loadDetails(ctx, s.db, txs); err != nil {
			return err
		}
		out = make([]domain.Transaction, 0, len(txs))
		for _, tx := range txs {
			out = append(out, *tx)
		}
		return nil
	})
	return out, err
}

// loadDetails fills History and Entries for txs with one query each.
func loadDetails(ctx context.Context, q queryer, txs []*domain.Transaction) error {
	if len(txs) == 0 {
		return nil
	}
	byID := make(map[string]*domain.Transaction, len(txs))
	ids := make([]string, 0, len(txs))
	for _, tx := range txs {
		byID[tx.ID] = tx
		ids = append(ids, tx.ID)
		tx.History = []domain.StatusChange{}
	}

	rows, err := q.QueryContext(ctx,
		`SELECT transaction_id, status, actor_id, reason, at
		 FROM transaction_status_history
		 WHERE transaction_id = ANY($1)
		 ORDER BY transaction_id, seq`, pq.Array(ids))
	if err != nil {
		return err
	}
	for rows.Next() {
		var txID string
		var h domain.StatusChange
		if err := rows.Scan(&txID, &h.Status, &h.ActorID, &h.Reason, &h.At); err != nil {
			rows.Close()
			return err
		}
		byID[txID].History = append(byID[txID].History, h)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = q.QueryContext(ctx,
		`SELECT transaction_id, account_id, amount, balance_before, balance_after, posted_at
		 FROM ledger_entries
		 WHERE transaction_id = ANY($1)
		 ORDER BY id`, pq.Array(ids))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			txID                  string
			e                     domain.Entry
			amount, before, after int64
		)
		if err := rows.Scan(&txID, &e.AccountID, &amount, &before, &after, &e.PostedAt); err != nil {
			return err
		}
		e.Amount, e.BalanceBefore, e.BalanceAfter = domain.Money(amount), domain.Money(before), domain.Money(after)
		byID[txID].Entries = append(byID[txID].Entries, e)
	}
	return rows.Err()
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, requestedBy, key string) (*domain.Transaction, error) {
	return s.findOne(ctx, "find_by_idempotency_key",
		`SELECT id FROM transactions WHERE requested_by = $1 AND idempotency_key = $2`, requestedBy, key)
}

func (s *Store) FindReversal(ctx context.Context, originalID string) (*domain.Transaction, error) {
	return s.findOne(ctx, "find_reversal",
		`SELECT id FROM transactions WHERE reversal_of = $1 AND status <> 'rejected'`, originalID)
}

// findOne returns the transaction whose id the query selects, or nil.
func (s *Store) findOne(ctx context.Context, op, query string, args ...any) (*domain.Transaction, error) {
	var out *domain.Transaction
	err := s.run(ctx, op, func() error {
		var id string
		err := s.db.QueryRowContext(ctx, query, args...).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			out = nil
			return nil
		}
		if err != nil {
			return err
		}
		out, err = s.getTransaction(ctx, s.db, id, false)
		return err
	})
	return out, err
}

func (s *Store) RejectTransaction(ctx context.Context, id string, change domain.StatusChange) (*domain.Transaction, error) {
	var out *domain.Transaction
	err := s.run(ctx, "reject_transaction", func() error {
		return s.inTx(ctx, func(q *sql.Tx) error {
			tx, err := s.lockPending(ctx, q, id, "reject")
			if err != nil {
				return err
			}
			change.Status = domain.StatusRejected
			if err := s.finish(ctx, q, tx, change); err != nil {
				return err
			}
			out, err = s.getTransaction(ctx, q, id, false)
			return err
		})
	})
	return out, err
}

// lockPending locks the transaction row and checks it is still pending.
func (s *Store) lockPending(ctx context.Context, q queryer, id, action string) (*domain.Transaction, error) {
	tx, err := s.getTransaction(ctx, q, id, true)
	if err != nil {
		return nil, err
	}
	if tx.Status != domain.StatusPending {
		return nil, &domain.ErrState{Resource: "transaction", ID: id, Current: string(tx.Status), Action: action}
	}
	return tx, nil
}

// finish records the terminal status change of a locked transaction.
func (s *Store) finish(ctx context.Context, q queryer, tx *domain.Transaction, change domain.StatusChange) error {
	if _, err := q.ExecContext(ctx,
		`UPDATE transactions SET status = $2, decided_at = $3, decided_by = $4 WHERE id = $1`,
		tx.ID, change.Status, change.At, change.ActorID); err != nil {
		return err
	}
	return insertHistory(ctx, q, tx.ID, len(tx.History)+1, change)
}

// ============================================================
// Posting Store
// ============================================================

// Commit applies an approved posting in one SQL transaction. The status
// check, balance checks, balance updates, entries and history either all
// land or none do.
func (s *Store) Commit(ctx context.Context, p *domain.Posting) (*domain.Transaction, error) {
	var out *domain.Transaction
	err := s.run(ctx, "commit", func() error {
		return s.inTx(ctx, func(q *sql.Tx) error {
			tx, err := s.lockPending(ctx, q, p.TransactionID, "decide")
			if err != nil {
				return err
			}

			balances, err := lockAccounts(ctx, q, p.Deltas)
			if err != nil {
				return err
			}
			if err := checkDeltas(balances, p.Deltas); err != nil {
				return err
			}

			at := p.Change.At
			for _, d := range p.Deltas {
				before := balances[d.AccountID].balance
				after := before + d.Amount
				balances[d.AccountID] = lockedAccount{balance: after, status: domain.AccountActive}

				if _, err := q.ExecContext(ctx,
					`UPDATE accounts SET balance = $2, updated_at = $3 WHERE id = $1`,
					d.AccountID, int64(after), at); err != nil {
					return err
				}
				if _, err := q.ExecContext(ctx,
					`INSERT INTO ledger_entries (transaction_id, account_id, amount, balance_before, balance_after, posted_at)
					 VALUES ($1, $2, $3, $4, $5, $6)`,
					tx.ID, d.AccountID, int64(d.Amount), int64(before), int64(after), at); err != nil {
					return err
				}
			}

			change := p.Change
			change.Status = domain.StatusApproved
			if err := s.finish(ctx, q, tx, change); err != nil {
				return err
			}
			if tx.ReversalOf != "" {
				if _, err := q.ExecContext(ctx,
					`UPDATE transactions SET reversed_by = $2 WHERE id = $1`, tx.ReversalOf, tx.ID); err != nil {
					return err
				}
			}

			out, err = s.getTransaction(ctx, q, tx.ID, false)
			return err
		})
	})
	return out, err
}

type lockedAccount struct {
	balance domain.Money
	status  domain.AccountStatus
}

// lockAccounts takes row locks on every account a posting touches, in id order.
func lockAccounts(ctx context.Context, q queryer, deltas []domain.Delta) (map[string]lockedAccount, error) {
	ids := make([]string, 0, len(deltas))
	for _, d := range deltas {
		ids = append(ids, d.AccountID)
	}
	sort.Strings(ids)

	rows, err := q.QueryContext(ctx,
		`SELECT id, balance, status FROM accounts WHERE id = ANY($1) ORDER BY id FOR UPDATE`, pq.Array(ids))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]lockedAccount, len(ids))
	for rows.Next() {
		var (
			id      string
			balance int64
			status  domain.AccountStatus
		)
		if err := rows.Scan(&id, &balance, &status); err != nil {
			return nil, err
		}
		out[id] = lockedAccount{balance: domain.Money(balance), status: status}
	}
	return out, rows.Err()
}

func checkDeltas(accounts map[string]lockedAccount, deltas []domain.Delta) error {
	sums := make(map[string]domain.Money, len(deltas))
	for _, d := range deltas {
		a, ok := accounts[d.AccountID]
		if !ok {
			return &domain.ErrAccountNotFound{ID: d.AccountID}
		}
		if a.status != domain.AccountActive {
			return &domain.ErrAccountInactive{ID: d.AccountID, Status: a.status}
		}
		sum, ok := domain.CheckedAdd(sums[d.AccountID], d.Amount)
		if !ok {
			return errBalanceOverflow()
		}
		sums[d.AccountID] = sum
	}
	for _, d := range deltas {
		a := accounts[d.AccountID]
		sum := sums[d.AccountID]
		if !domain.Covers(a.balance, d.Floor, sum) {
			return &domain.ErrInsufficientFunds{AccountID: d.AccountID, Available: domain.Headroom(a.balance, d.Floor), Required: -sum}
		}
		if _, ok := domain.CheckedAdd(a.balance, sum); !ok {
			return errBalanceOverflow()
		}
	}
	return nil
}

func errBalanceOverflow() error {
	return &domain.ErrValidation{Field: "amount", Constraint: domain.ConstraintKnownValue, Message: "posting would overflow the account balance"}
}
