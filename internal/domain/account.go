package domain

import (
	"fmt"
	"time"
)

// ============================================================
// Accounts
// ============================================================

// AccountKind is the product type of an account.
type AccountKind string

const (
	AccountSavings  AccountKind = "savings"
	AccountChecking AccountKind = "checking"
	AccountBusiness AccountKind = "business"
)

// Valid reports whether k is a known account kind.
func (k AccountKind) Valid() bool {
	switch k {
	case AccountSavings, AccountChecking, AccountBusiness:
		return true
	}
	return false
}

// AccountStatus is the lifecycle state of an account.
type AccountStatus string

const (
	AccountActive    AccountStatus = "active"
	AccountSuspended AccountStatus = "suspended"
	AccountClosed    AccountStatus = "closed"
)

// Valid reports whether s is a known account status.
func (s AccountStatus) Valid() bool {
	switch s {
	case AccountActive, AccountSuspended, AccountClosed:
		return true
	}
	return false
}

// Account is a customer account. Balance is written only by the ledger.
type Account struct {
	ID        string        `json:"id"`
	OwnerID   string        `json:"owner_id"`
	Number    string        `json:"account_number"`
	Kind      AccountKind   `json:"kind"`
	Balance   Money         `json:"balance"`
	Status    AccountStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// CheckStatusChange enforces the account lifecycle: closed is terminal and
// closing requires a zero balance. Setting the current status is allowed.
func (a *Account) CheckStatusChange(to AccountStatus) error {
	if a.Status == to {
		return nil
	}
	if a.Status == AccountClosed {
		return &ErrState{Resource: "account", ID: a.ID, Current: string(a.Status), Action: "change status of"}
	}
	if to == AccountClosed && a.Balance != 0 {
		return &ErrValidation{
			Field: "status", Constraint: ConstraintZeroBalanceClose,
			Message: fmt.Sprintf("balance is %s, must be zero to close", a.Balance),
		}
	}
	return nil
}

// OpenAccountRequest is the body for POST /v1/accounts. Number is
// generated when empty.
type OpenAccountRequest struct {
	OwnerID        string      `json:"owner_id"`
	Number         string      `json:"account_number,omitempty"`
	Kind           AccountKind `json:"kind"`
	OpeningDeposit Money       `json:"opening_deposit"`
}

// AccountStatusRequest is the body for PUT /v1/accounts/{accountId}/status.
type AccountStatusRequest struct {
	Status AccountStatus `json:"status"`
	Reason string        `json:"reason,omitempty"`
}
