package domain

// ============================================================
// Actors & identity
// ============================================================

// Role is the coarse permission level of an actor.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleCustomer Role = "customer"
)

// Actor is the authenticated caller of a ledger operation, as supplied by
// the identity provider. For customers, ID is the owning customer ID.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// IsAdmin reports whether the actor carries the admin role.
func (a Actor) IsAdmin() bool { return a.Role == RoleAdmin }

// Operation names an action checked by the authorization gate.
type Operation string

const (
	OpPropose          Operation = "propose"
	OpDecide           Operation = "decide"
	OpReverse          Operation = "reverse"
	OpViewAccount      Operation = "view_account"
	OpListTransactions Operation = "list_transactions"
	OpViewCustomer     Operation = "view_customer"
	OpManageAccounts   Operation = "manage_accounts"
	OpManageCustomers  Operation = "manage_customers"
)

// User is a login identity from the seed directory (DEV_AUTH only).
type User struct {
	ID           string `json:"id" yaml:"id"`
	Email        string `json:"email" yaml:"email"`
	Name         string `json:"name" yaml:"name"`
	Role         Role   `json:"role" yaml:"role"`
	PasswordHash string `json:"-" yaml:"-"`
}

// LoginRequest is the body for POST /v1/auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse is returned by POST /v1/auth/login.
type LoginResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
	ActorID     string `json:"actor_id"`
	Role        Role   `json:"role"`
	Name        string `json:"name"`
}
