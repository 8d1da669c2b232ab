package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/boddenberg/fintech-ledger-go/internal/domain"
)

const accountColumns = `id, owner_id, account_number, kind, balance, status, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var a domain.Account
	var balance int64
	if err := row.Scan(&a.ID, &a.OwnerID, &a.Number, &a.Kind, &balance, &a.Status, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.Balance = domain.Money(balance)
	return &a, nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*domain.Account, error) {
	var acct *domain.Account
	err := s.run(ctx, "get_account", func() error {
		a, err := scanAccount(s.db.QueryRowContext(ctx,
			`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return &domain.ErrAccountNotFound{ID: id}
		}
		acct = a
		return err
	})
	return acct, err
}

func (s *Store) ListAccounts(ctx context.Context, ownerID string) ([]domain.Account, error) {
	var out []domain.Account
	err := s.run(ctx, "list_accounts", func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+accountColumns+` FROM accounts
			 WHERE $1::text = '' OR owner_id = $1
			 ORDER BY created_at, id`, ownerID)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = make([]domain.Account, 0)
		for rows.Next() {
			a, err := scanAccount(rows)
			if err != nil {
				return err
			}
			out = append(out, *a)
		}
		return rows.Err()
	})
	return out, err
}

func (s *Store) CreateAccount(ctx context.Context, acct *domain.Account) error {
	return s.run(ctx, "create_account", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO accounts (`+accountColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			acct.ID, acct.OwnerID, acct.Number, acct.Kind, int64(acct.Balance), acct.Status, acct.CreatedAt, acct.UpdatedAt)
		return err
	})
}

// SetAccountStatus locks the row so the lifecycle check and the update see
// the same balance, even with other replicas posting concurrently.
func (s *Store) SetAccountStatus(ctx context.Context, id string, status domain.AccountStatus) (*domain.Account, error) {
	var acct *domain.Account
	err := s.run(ctx, "set_account_status", func() error {
		return s.inTx(ctx, func(q *sql.Tx) error {
			cur, err := scanAccount(q.QueryRowContext(ctx,
				`SELECT `+accountColumns+` FROM accounts WHERE id = $1 FOR UPDATE`, id))
			if errors.Is(err, sql.ErrNoRows) {
				return &domain.ErrAccountNotFound{ID: id}
			}
			if err != nil {
				return err
			}
			if err := cur.CheckStatusChange(status); err != nil {
				return err
			}

			acct, err = scanAccount(q.QueryRowContext(ctx,
				`UPDATE accounts SET status = $2, updated_at = now()
				 WHERE id = $1
				 RETURNING `+accountColumns, id, status))
			return err
		})
	})
	return acct, err
}

// ============================================================
// Customers
// ============================================================

const customerColumns = `id, full_name, email, phone, customer_type, registered_at`

func scanCustomer(row rowScanner) (*domain.Customer, error) {
	var c domain.Customer
	if err := row.Scan(&c.ID, &c.FullName, &c.Email, &c.Phone, &c.Type, &c.RegisteredAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) CreateCustomer(ctx context.Context, c *domain.Customer) error {
	return s.run(ctx, "create_customer", func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO customers (`+customerColumns+`) VALUES ($1, $2, $3, $4, $5, $6)`,
			c.ID, c.FullName, c.Email, c.Phone, c.Type, c.RegisteredAt)
		return err
	})
}

func (s *Store) GetCustomer(ctx context.Context, id string) (*domain.Customer, error) {
	var c *domain.Customer
	err := s.run(ctx, "get_customer", func() error {
		got, err := scanCustomer(s.db.QueryRowContext(ctx,
			`SELECT `+customerColumns+` FROM customers WHERE id = $1`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return &domain.ErrNotFound{Resource: "customer", ID: id}
		}
		c = got
		return err
	})
	return c, err
}

func (s *Store) ListCustomers(ctx context.Context) ([]domain.Customer, error) {
	var out []domain.Customer
	err := s.run(ctx, "list_customers", func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+customerColumns+` FROM customers ORDER BY registered_at, id`)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = make([]domain.Customer, 0)
		for rows.Next() {
			c, err := scanCustomer(rows)
			if err != nil {
				return err
			}
			out = append(out, *c)
		}
		return rows.Err()
	})
	return out, err
}
