// Package seed loads demo customers, accounts and login users from YAML.
// Accounts are opened through the ledger service, so opening balances
// arrive as approved deposits like any other money.
package seed

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"
	"os"

	"github.com/boddenberg/fintech-ledger-go/internal/domain"
	"github.com/boddenberg/fintech-ledger-go/internal/service"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultSeed []byte

// File is the seed document.
type File struct {
	Customers []Customer `yaml:"customers"`
	Accounts  []Account  `yaml:"accounts"`
	Users     []User     `yaml:"users"`
}

// Customer is a seeded customer.
type Customer struct {
	ID       string              `yaml:"id"`
	FullName string              `yaml:"full_name"`
	Email    string              `yaml:"email"`
	Phone    string              `yaml:"phone"`
	Type     domain.CustomerType `yaml:"customer_type"`
}

// Account is a seeded account. OpeningDeposit is a decimal string.
type Account struct {
	OwnerID        string             `yaml:"owner_id"`
	Number         string             `yaml:"account_number"`
	Kind           domain.AccountKind `yaml:"kind"`
	OpeningDeposit string             `yaml:"opening_deposit"`
}

// User is a seeded login. Passwords are hashed on load.
type User struct {
	domain.User `yaml:",inline"`
	Password    string `yaml:"password"`
}

// Parse decodes a seed document, rejecting unknown fields.
func Parse(data []byte) (*File, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var f File
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	return &f, nil
}

// Read parses the seed file at path, or the built-in demo data when path
// is empty.
func Read(path string) (*File, error) {
	if path == "" {
		return Parse(defaultSeed)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed %s: %w", path, err)
	}
	return Parse(data)
}

// Apply creates the seeded customers and accounts as actor, then
// registers the users with identity. Customers that already exist are
// skipped, as are their accounts, so a restarted journal or database
// is not seeded twice.
func Apply(ctx context.Context, f *File, ledger *service.LedgerService, identity *service.IdentityService, actor domain.Actor, bcryptCost int, logger *zap.Logger) error {
	existing := make(map[string]bool)
	for _, c := range f.Customers {
		_, err := ledger.CreateCustomer(ctx, actor, &domain.CreateCustomerRequest{
			ID: c.ID, FullName: c.FullName, Email: c.Email, Phone: c.Phone, Type: c.Type,
		})
		var conflict *domain.ErrConflict
		switch {
		case errors.As(err, &conflict):
			existing[c.ID] = true
		case err != nil:
			return fmt.Errorf("seed customer %s: %w", c.ID, err)
		}
	}

	opened := 0
	for _, a := range f.Accounts {
		if existing[a.OwnerID] {
			continue
		}
		deposit := domain.Money(0)
		if a.OpeningDeposit != "" {
			m, err := domain.ParseMoney(a.OpeningDeposit)
			if err != nil {
				return fmt.Errorf("seed account %s: %w", a.Number, err)
			}
			deposit = m
		}
		if _, err := ledger.OpenAccount(ctx, actor, &domain.OpenAccountRequest{
			OwnerID: a.OwnerID, Number: a.Number, Kind: a.Kind, OpeningDeposit: deposit,
		}); err != nil {
			return fmt.Errorf("seed account %s: %w", a.Number, err)
		}
		opened++
	}

	for _, u := range f.Users {
		if err := identity.RegisterUser(u.User, u.Password, bcryptCost); err != nil {
			return fmt.Errorf("seed user %s: %w", u.Email, err)
		}
	}

	logger.Info("seed applied",
		zap.Int("customers", len(f.Customers)-len(existing)),
		zap.Int("accounts", opened),
		zap.Int("users", len(f.Users)),
	)
	return nil
}
