package domain

import "time"

// ============================================================
// Transactions
// ============================================================

// TransactionKind is what a transaction does to balances once approved.
type TransactionKind string

const (
	KindDeposit     TransactionKind = "deposit"
	KindWithdrawal  TransactionKind = "withdrawal"
	KindTransfer    TransactionKind = "transfer"
	KindLoanPayment TransactionKind = "loan_payment"
)

// Valid reports whether k is a known transaction kind.
func (k TransactionKind) Valid() bool {
	switch k {
	case KindDeposit, KindWithdrawal, KindTransfer, KindLoanPayment:
		return true
	}
	return false
}

// TransactionStatus is the approval state of a transaction.
// Approved and Rejected are terminal.
type TransactionStatus string

const (
	StatusPending  TransactionStatus = "pending"
	StatusApproved TransactionStatus = "approved"
	StatusRejected TransactionStatus = "rejected"
)

// Terminal reports whether no further transition is allowed from s.
func (s TransactionStatus) Terminal() bool {
	return s == StatusApproved || s == StatusRejected
}

// Valid reports whether s is a known transaction status.
func (s TransactionStatus) Valid() bool {
	return s == StatusPending || s.Terminal()
}

// Outcome is an admin decision on a pending transaction.
type Outcome string

const (
	OutcomeApprove Outcome = "approve"
	OutcomeReject  Outcome = "reject"
)

// StatusChange is one row of a transaction's status history.
type StatusChange struct {
	Status  TransactionStatus `json:"status"`
	ActorID string            `json:"actor_id"`
	Reason  string            `json:"reason,omitempty"`
	At      time.Time         `json:"at"`
}

// Entry is a single balance effect of a posted transaction.
// Amount is negative for a debit and positive for a credit.
type Entry struct {
	AccountID     string    `json:"account_id"`
	Amount        Money     `json:"amount"`
	BalanceBefore Money     `json:"balance_before"`
	BalanceAfter  Money     `json:"balance_after"`
	PostedAt      time.Time `json:"posted_at"`
}

// Transaction is a ledger record. Once terminal only the audit fields
// (DecidedAt, DecidedBy, ReversedBy) may change.
type Transaction struct {
	ID                   string            `json:"id"`
	Kind                 TransactionKind   `json:"kind"`
	SourceAccountID      string            `json:"source_account_id"`
	DestinationAccountID string            `json:"destination_account_id,omitempty"`
	Amount               Money             `json:"amount"`
	Status               TransactionStatus `json:"status"`
	Description          string            `json:"description,omitempty"`
	RequestedBy          string            `json:"requested_by"`
	IdempotencyKey       string            `json:"idempotency_key,omitempty"`
	ReversalOf           string            `json:"reversal_of,omitempty"`
	ReversedBy           string            `json:"reversed_by,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	DecidedAt            *time.Time        `json:"decided_at,omitempty"`
	DecidedBy            string            `json:"decided_by,omitempty"`
	History              []StatusChange    `json:"history"`
	Entries              []Entry           `json:"entries,omitempty"`
}

// AccountIDs returns the accounts a transaction touches, source first.
func (t *Transaction) AccountIDs() []string {
	if t.Kind == KindTransfer && t.DestinationAccountID != "" {
		return []string{t.SourceAccountID, t.DestinationAccountID}
	}
	return []string{t.SourceAccountID}
}

// Clone returns a deep copy so stores never hand out their own slices.
func (t *Transaction) Clone() *Transaction {
	c := *t
	c.History = append([]StatusChange(nil), t.History...)
	c.Entries = append([]Entry(nil), t.Entries...)
	if t.DecidedAt != nil {
		at := *t.DecidedAt
		c.DecidedAt = &at
	}
	return &c
}

// ProposeRequest is the body for POST /v1/transactions.
type ProposeRequest struct {
	Kind                 TransactionKind `json:"kind"`
	SourceAccountID      string          `json:"source_account_id"`
	DestinationAccountID string          `json:"destination_account_id,omitempty"`
	Amount               Money           `json:"amount"`
	Description          string          `json:"description,omitempty"`
	IdempotencyKey       string          `json:"-"`
}

// DecisionRequest is the optional body for approve/reject/reverse.
type DecisionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// TransactionFilter narrows ListTransactions. Zero fields are ignored.
type TransactionFilter struct {
	AccountID  string
	CustomerID string
	Status     TransactionStatus
}

// Delta is one signed balance change inside a posting. Floor is the lowest
// balance the account may reach when the delta is a debit.
type Delta struct {
	AccountID string `json:"account_id"`
	Amount    Money  `json:"amount"`
	Floor     Money  `json:"floor"`
}

// Posting is the unit the posting store commits atomically: the status
// transition of one pending transaction plus its balance deltas.
type Posting struct {
	TransactionID string       `json:"transaction_id"`
	Outcome       Outcome      `json:"outcome"`
	Deltas        []Delta      `json:"deltas"`
	Change        StatusChange `json:"change"`
}
