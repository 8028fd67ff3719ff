package ledger

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/portfolio-service/internal/domain"
)

var (
	baseInterestRate   = decimal.RequireFromString("9.5")
	interestRatePerPct = decimal.RequireFromString("0.05")
	referenceRatio     = decimal.NewFromInt(150)
	hundred            = decimal.NewFromInt(100)
)

// InterestRateFor returns 9.5 + (150 - ratio) × 0.05, in percent.
func InterestRateFor(ratio int) decimal.Decimal {
	return baseInterestRate.Add(referenceRatio.Sub(decimal.NewFromInt(int64(ratio))).Mul(interestRatePerPct))
}

// QuoteLoan prices an application against the current state of its collateral token.
func QuoteLoan(application domain.LoanApplication, token domain.Token) (domain.LoanQuote, error) {
	if !application.Amount.IsPositive() {
		return domain.LoanQuote{}, ErrInvalidAmount
	}
	if application.CollateralRatio < domain.MinCollateralRatio || application.CollateralRatio > domain.MaxCollateralRatio {
		return domain.LoanQuote{}, ErrInvalidCollateralRatio
	}
	if !slices.Contains(domain.LoanTerms, application.TermDays) {
		return domain.LoanQuote{}, ErrInvalidLoanTerm
	}
	if !token.Price.IsPositive() {
		return domain.LoanQuote{}, ErrInsufficientCollateral
	}

	required := application.Amount.Mul(decimal.NewFromInt(int64(application.CollateralRatio))).Div(hundred)
	quote := domain.LoanQuote{
		Amount:                  application.Amount,
		CollateralToken:         token.ID,
		CollateralRatio:         application.CollateralRatio,
		TermDays:                application.TermDays,
		RequiredCollateralValue: required,
		CollateralAmount:        required.Div(token.Price),
		InterestRate:            InterestRateFor(application.CollateralRatio),
		AvailableValue:          token.AvailableValue(),
	}
	if token.IsLocked() {
		return quote, ErrTokenLocked
	}
	if quote.AvailableValue.LessThan(required) {
		return quote, ErrInsufficientCollateral
	}
	return quote, nil
}

// LoanBook holds every loan of a portfolio in creation order.
type LoanBook struct {
	loans []*domain.Loan
}

func NewLoanBook(loans []domain.Loan) *LoanBook {
	b := &LoanBook{}
	b.Replace(loans)
	return b
}

func (b *LoanBook) Replace(loans []domain.Loan) {
	b.loans = make([]*domain.Loan, 0, len(loans))
	for _, l := range loans {
		loan := l
		b.loans = append(b.loans, &loan)
	}
}

func (b *LoanBook) find(id string) *domain.Loan {
	id = strings.TrimSpace(id)
	for _, l := range b.loans {
		if l.ID.String() == id {
			return l
		}
	}
	return nil
}

func (b *LoanBook) Loan(id string) (domain.Loan, bool) {
	l := b.find(id)
	if l == nil {
		return domain.Loan{}, false
	}
	return *l, true
}

func (b *LoanBook) All() []domain.Loan {
	out := make([]domain.Loan, 0, len(b.loans))
	for _, l := range b.loans {
		out = append(out, *l)
	}
	return out
}

func (b *LoanBook) Add(loan domain.Loan) {
	b.loans = append(b.loans, &loan)
}

func (b *LoanBook) remove(id uuid.UUID) {
	b.loans = slices.DeleteFunc(b.loans, func(l *domain.Loan) bool { return l.ID == id })
}

func (b *LoanBook) markRepaid(id string) {
	if l := b.find(id); l != nil {
		l.Status = domain.LoanRepaid
		l.RemainingDays = 0
	}
}

// RefreshRemainingDays recomputes the countdown of active loans and reports
// whether any value changed.
func (b *LoanBook) RefreshRemainingDays(now time.Time) bool {
	changed := false
	for _, l := range b.loans {
		if !l.IsActive() {
			continue
		}
		if d := l.DaysRemaining(now); d != l.RemainingDays {
			l.RemainingDays = d
			changed = true
		}
	}
	return changed
}

func (b *LoanBook) ActiveCount() int {
	n := 0
	for _, l := range b.loans {
		if l.IsActive() {
			n++
		}
	}
	return n
}

func (b *LoanBook) Reset() {
	b.loans = nil
}
