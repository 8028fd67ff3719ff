package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type LoanStatus string

const (
	LoanActive     LoanStatus = "active"
	LoanRepaid     LoanStatus = "repaid"
	LoanLiquidated LoanStatus = "liquidated"
)

// Allowed loan terms, in days.
var LoanTerms = []int{30, 90, 180, 365}

const (
	MinCollateralRatio = 130
	MaxCollateralRatio = 200
)

// Loan is a collateralized credit line against one token holding.
type Loan struct {
	ID               uuid.UUID       `json:"id"`
	Amount           decimal.Decimal `json:"amount"`
	CollateralToken  string          `json:"collateral_token"`
	CollateralAmount decimal.Decimal `json:"collateral_amount"`
	CollateralValue  decimal.Decimal `json:"collateral_value"`
	CollateralRatio  int             `json:"collateral_ratio"`
	InterestRate     decimal.Decimal `json:"interest_rate"`
	TermDays         int             `json:"term_days"`
	StartDate        time.Time       `json:"start_date"`
	RemainingDays    int             `json:"remaining_days"`
	Status           LoanStatus      `json:"status"`
}

func (l Loan) IsActive() bool {
	return l.Status == LoanActive
}

// MaturityDate is the start date plus the term.
func (l Loan) MaturityDate() time.Time {
	return l.StartDate.AddDate(0, 0, l.TermDays)
}

// DaysRemaining counts whole days until maturity, never negative.
func (l Loan) DaysRemaining(now time.Time) int {
	left := l.MaturityDate().Sub(now)
	if left <= 0 {
		return 0
	}
	days := int(left.Hours() / 24)
	if left > time.Duration(days)*24*time.Hour {
		days++
	}
	return days
}

// LoanApplication is what a borrower submits.
type LoanApplication struct {
	Amount          decimal.Decimal `json:"amount"`
	CollateralToken string          `json:"collateral_token"`
	CollateralRatio int             `json:"collateral_ratio"`
	TermDays        int             `json:"term_days"`
}

// LoanQuote is the priced result of an application.
type LoanQuote struct {
	Amount                  decimal.Decimal `json:"amount"`
	CollateralToken         string          `json:"collateral_token"`
	CollateralRatio         int             `json:"collateral_ratio"`
	TermDays                int             `json:"term_days"`
	RequiredCollateralValue decimal.Decimal `json:"required_collateral_value"`
	CollateralAmount        decimal.Decimal `json:"collateral_amount"`
	InterestRate            decimal.Decimal `json:"interest_rate"`
	AvailableValue          decimal.Decimal `json:"available_value"`
}
