package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Category is the closed set of asset classes a token can belong to.
type Category string

const (
	CategoryRealEstate    Category = "real_estate"
	CategoryCommodity     Category = "commodity"
	CategoryEntertainment Category = "entertainment"
	CategoryPrivateCredit Category = "private_credit"
	CategoryStablecoin    Category = "stablecoin"
	CategoryNativeToken   Category = "native_token"
)

// ParseCategory normalizes a category value and rejects anything outside the enum.
func ParseCategory(raw string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(raw)))
	switch c {
	case CategoryRealEstate, CategoryCommodity, CategoryEntertainment,
		CategoryPrivateCredit, CategoryStablecoin, CategoryNativeToken:
		return c, nil
	}
	return "", fmt.Errorf("unknown token category %q", raw)
}

// CollateralLock marks part of a holding as pledged to a loan.
// The loan id is a lookup key only; the loan does not own the token.
type CollateralLock struct {
	Amount decimal.Decimal `json:"amount"`
	LoanID string          `json:"loan_id"`
}

// Token is one holding in an identity's portfolio.
type Token struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	Symbol     string          `json:"symbol"`
	Category   Category        `json:"category"`
	Price      decimal.Decimal `json:"price"`
	Balance    decimal.Decimal `json:"balance"`
	Yield      string          `json:"yield,omitempty"`
	Staked     bool            `json:"staked"`
	Collateral *CollateralLock `json:"collateral,omitempty"`
}

// IsLocked reports whether any quantity is pledged as collateral.
func (t Token) IsLocked() bool {
	return t.Collateral != nil
}

// LockedAmount returns the pledged quantity, zero when unlocked.
func (t Token) LockedAmount() decimal.Decimal {
	if t.Collateral == nil {
		return decimal.Zero
	}
	return t.Collateral.Amount
}

// AvailableBalance is the unlocked quantity, clamped at zero.
func (t Token) AvailableBalance() decimal.Decimal {
	available := t.Balance.Sub(t.LockedAmount())
	if available.IsNegative() {
		return decimal.Zero
	}
	return available
}

// Value is price × balance.
func (t Token) Value() decimal.Decimal {
	return t.Price.Mul(t.Balance)
}

// AvailableValue is price × available balance.
func (t Token) AvailableValue() decimal.Decimal {
	return t.Price.Mul(t.AvailableBalance())
}

// Clone returns a deep copy so callers never alias ledger state.
func (t Token) Clone() Token {
	out := t
	if t.Collateral != nil {
		lock := *t.Collateral
		out.Collateral = &lock
	}
	return out
}
