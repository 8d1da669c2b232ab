package domain

import "fmt"

// Error types for consistent error handling across the ledger.

// Validation constraints reported by ErrValidation.
const (
	ConstraintRequired         = "required"
	ConstraintPositiveAmount   = "positive_amount"
	ConstraintNonNegative      = "non_negative"
	ConstraintKnownValue       = "known_value"
	ConstraintAccountExists    = "account_exists"
	ConstraintAccountActive    = "account_active"
	ConstraintDistinctAccounts = "distinct_accounts"
	ConstraintNoDestination    = "no_destination"
	ConstraintCustomerExists   = "customer_exists"
	ConstraintZeroBalanceClose = "zero_balance_on_close"
	ConstraintStatusTransition = "status_transition"
)

// ErrValidation indicates a validation error (bad input). Err, when set,
// is the underlying reference error (e.g. *ErrAccountNotFound).
type ErrValidation struct {
	Field      string
	Constraint string
	Message    string
	Err        error
}

func (e *ErrValidation) Error() string {
	return fmt.Sprintf("validation error on '%s' [%s]: %s", e.Field, e.Constraint, e.Message)
}

func (e *ErrValidation) Unwrap() error {
	return e.Err
}

// ErrForbidden indicates the actor lacks permission for the operation.
type ErrForbidden struct {
	Action  string
	ActorID string
}

func (e *ErrForbidden) Error() string {
	if e.ActorID == "" {
		return fmt.Sprintf("forbidden: %s", e.Action)
	}
	return fmt.Sprintf("forbidden: %s (actor %s)", e.Action, e.ActorID)
}

// ErrUnauthorized indicates a missing, invalid or expired credential.
type ErrUnauthorized struct {
	Message string
}

func (e *ErrUnauthorized) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "unauthorized"
}

// ErrState indicates the operation is invalid for the entity's current state,
// e.g. deciding a transaction twice.
type ErrState struct {
	Resource string
	ID       string
	Current  string
	Action   string
}

func (e *ErrState) Error() string {
	return fmt.Sprintf("cannot %s %s %s in state %s", e.Action, e.Resource, e.ID, e.Current)
}

// ErrInsufficientFunds indicates a debit would take the balance below its floor.
type ErrInsufficientFunds struct {
	AccountID string
	Available Money
	Required  Money
}

func (e *ErrInsufficientFunds) Error() string {
	return fmt.Sprintf("insufficient funds on account %s: available=%s required=%s", e.AccountID, e.Available, e.Required)
}

// ErrAccountNotFound indicates a referenced account does not exist.
type ErrAccountNotFound struct {
	ID string
}

func (e *ErrAccountNotFound) Error() string {
	return fmt.Sprintf("account not found: %s", e.ID)
}

// ErrAccountInactive indicates a referenced account is suspended or closed.
type ErrAccountInactive struct {
	ID     string
	Status AccountStatus
}

func (e *ErrAccountInactive) Error() string {
	return fmt.Sprintf("account %s is %s", e.ID, e.Status)
}

// ErrNotFound indicates a resource was not found.
type ErrNotFound struct {
	Resource string
	ID       string
}

func (e *ErrNotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrConflict indicates a resource already exists.
type ErrConflict struct {
	Message string
}

func (e *ErrConflict) Error() string {
	return e.Message
}

// ErrStorage indicates a failure of the storage backend. It is the only
// error class that callers may retry.
type ErrStorage struct {
	Op  string
	Err error
}

func (e *ErrStorage) Error() string {
	return fmt.Sprintf("storage error [%s]: %v", e.Op, e.Err)
}

func (e *ErrStorage) Unwrap() error {
	return e.Err
}

// ErrCircuitOpen indicates the circuit breaker in front of a backend is open.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for service: %s", e.Service)
}
