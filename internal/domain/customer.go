package domain

import "time"

// ============================================================
// Customers
// ============================================================

// CustomerType distinguishes retail from business customers.
type CustomerType string

const (
	CustomerIndividual CustomerType = "individual"
	CustomerBusiness   CustomerType = "business"
)

// Customer owns accounts. Ownership never transfers.
type Customer struct {
	ID           string       `json:"id"`
	FullName     string       `json:"full_name"`
	Email        string       `json:"email"`
	Phone        string       `json:"phone,omitempty"`
	Type         CustomerType `json:"customer_type"`
	RegisteredAt time.Time    `json:"registered_at"`
}

// CreateCustomerRequest is the body for POST /v1/customers.
type CreateCustomerRequest struct {
	ID       string       `json:"id,omitempty"`
	FullName string       `json:"full_name"`
	Email    string       `json:"email"`
	Phone    string       `json:"phone,omitempty"`
	Type     CustomerType `json:"customer_type"`
}

// CustomerOverview is the dashboard view of one customer.
type CustomerOverview struct {
	Customer     *Customer     `json:"customer"`
	Accounts     []Account     `json:"accounts"`
	Transactions []Transaction `json:"transactions"`
	PendingCount int           `json:"pending_count"`
	TotalBalance Money         `json:"total_balance"`
}
