// Package postgres is the PostgreSQL LedgerStore, built on lib/pq. Postings
// lock the transaction row and then the account rows in id order inside
// one SQL transaction.
package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/boddenberg/fintech-ledger-go/internal/domain"
	"github.com/boddenberg/fintech-ledger-go/internal/infra/observability"
	"github.com/boddenberg/fintech-ledger-go/internal/infra/resilience"

	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schema string

var tracer = otel.Tracer("infra/postgres")

// Store implements port.LedgerStore on PostgreSQL.
type Store struct {
	db      *sql.DB
	guard   *resilience.Guard
	metrics *observability.Metrics
	logger  *zap.Logger
}

// Open connects to dsn, verifies the connection and applies the schema.
func Open(ctx context.Context, dsn string, cfg resilience.Config, metrics *observability.Metrics, logger *zap.Logger) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(max(cfg.MaxConcurrency, 1) * 2)
	db.SetMaxIdleConns(max(cfg.MaxConcurrency, 1))
	db.SetConnMaxLifetime(30 * time.Minute)

	s := New(db, cfg, metrics, logger)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing *sql.DB.
func New(db *sql.DB, cfg resilience.Config, metrics *observability.Metrics, logger *zap.Logger) *Store {
	cfg.Retryable = isTransient
	return &Store{
		db:      db,
		guard:   resilience.NewGuard("postgres", cfg),
		metrics: metrics,
		logger:  logger,
	}
}

// Migrate creates the tables and indexes when missing.
func (s *Store) Migrate(ctx context.Context) error {
	return s.run(ctx, "migrate", func() error {
		_, err := s.db.ExecContext(ctx, schema)
		return err
	})
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.run(ctx, "ping", func() error {
		return s.db.PingContext(ctx)
	})
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// run executes fn through the resilience guard and maps driver failures
// onto domain errors.
func (s *Store) run(ctx context.Context, op string, fn func() error) error {
	_, span := tracer.Start(ctx, "postgres."+op)
	defer span.End()

	err := s.guard.Do(ctx, func() error {
		return classify(fn())
	})
	if err == nil || isDomainError(err) {
		return err
	}

	span.SetAttributes(attribute.String("error", err.Error()))
	s.metrics.IncrStoreError(op)
	s.logger.Error("postgres operation failed", zap.String("op", op), zap.Error(err))
	return &domain.ErrStorage{Op: op, Err: err}
}

// inTx runs fn in one SQL transaction. Read committed is enough because
// every row a posting writes is read under FOR UPDATE first.
func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// classify turns unique violations into conflicts so they are neither
// retried nor counted by the breaker.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return &domain.ErrConflict{Message: fmt.Sprintf("duplicate %s", pqErr.Constraint)}
	}
	return err
}

// isTransient reports serialization failures, deadlocks and lost
// connections, the only errors worth retrying.
func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "40", "08":
			return true
		}
	}
	return false
}

func isDomainError(err error) bool {
	var (
		conflict     *domain.ErrConflict
		notFound     *domain.ErrNotFound
		acctNotFound *domain.ErrAccountNotFound
		inactive     *domain.ErrAccountInactive
		insufficient *domain.ErrInsufficientFunds
		state        *domain.ErrState
		open         *domain.ErrCircuitOpen
		validation   *domain.ErrValidation
	)
	return errors.As(err, &conflict) ||
		errors.As(err, &notFound) ||
		errors.As(err, &acctNotFound) ||
		errors.As(err, &inactive) ||
		errors.As(err, &insufficient) ||
		errors.As(err, &state) ||
		errors.As(err, &open) ||
		errors.As(err, &validation) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
