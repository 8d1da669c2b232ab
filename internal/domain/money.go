package domain

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// minorUnitExp is the number of fractional digits carried by Money.
const minorUnitExp = 2

// Money is an amount in minor units (cents). Balances and transaction amounts
// never go through floating point.
type Money int64

// ParseMoney converts a decimal string such as "12.50" into minor units.
// More than two fractional digits is rejected rather than rounded.
func ParseMoney(s string) (Money, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("parse money %q: %w", s, err)
	}
	return moneyFromDecimal(d)
}

// MustMoney is ParseMoney for constants in tests and seed data.
func MustMoney(s string) Money {
	m, err := ParseMoney(s)
	if err != nil {
		panic(err)
	}
	return m
}

func moneyFromDecimal(d decimal.Decimal) (Money, error) {
	shifted := d.Shift(minorUnitExp)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("amount %s has more than %d decimal places", d.String(), minorUnitExp)
	}
	if shifted.Abs().GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
		return 0, fmt.Errorf("amount %s out of range", d.String())
	}
	return Money(shifted.IntPart()), nil
}

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -minorUnitExp)
}

func (m Money) String() string {
	return m.Decimal().StringFixed(minorUnitExp)
}

// MarshalJSON encodes the amount as a fixed two-digit decimal string.
func (m Money) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON accepts either "12.50" or 12.50.
func (m *Money) UnmarshalJSON(b []byte) error {
	var d decimal.Decimal
	if err := d.UnmarshalJSON(b); err != nil {
		return fmt.Errorf("decode money: %w", err)
	}
	v, err := moneyFromDecimal(d)
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Headroom is how far balance sits above floor, saturating at the int64
// bounds instead of wrapping.
func Headroom(balance, floor Money) Money {
	switch {
	case floor < 0 && balance > math.MaxInt64+floor:
		return math.MaxInt64
	case floor > 0 && balance < math.MinInt64+floor:
		return math.MinInt64
	}
	return balance - floor
}

// Covers reports whether balance can take delta and stay at or above floor.
// Credits always pass; use CheckedAdd to catch credit overflow.
func Covers(balance, floor, delta Money) bool {
	if delta >= 0 {
		return true
	}
	h := Headroom(balance, floor)
	if h < 0 {
		return false
	}
	return delta >= -h
}

// CheckedAdd returns a+b and false when the sum leaves the int64 range.
func CheckedAdd(a, b Money) (Money, bool) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, false
	}
	return sum, true
}
