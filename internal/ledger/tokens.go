package ledger

import (
	"strings"

	"github.com/shopspring/decimal"
	"github.com/transfa/portfolio-service/internal/domain"
)

// DefaultStakingYield is shown on a staked token when no rate is supplied.
const DefaultStakingYield = "5.2% APY"

// TokenBook holds the token positions of a portfolio in display order.
type TokenBook struct {
	tokens []*domain.Token
}

func NewTokenBook(tokens []domain.Token) *TokenBook {
	b := &TokenBook{}
	b.Replace(tokens)
	return b
}

// Replace swaps the whole position list, copying every token.
func (b *TokenBook) Replace(tokens []domain.Token) {
	b.tokens = make([]*domain.Token, 0, len(tokens))
	for _, t := range tokens {
		clone := t.Clone()
		b.tokens = append(b.tokens, &clone)
	}
}

func (b *TokenBook) find(id string) *domain.Token {
	id = strings.TrimSpace(id)
	for _, t := range b.tokens {
		if t.ID == id {
			return t
		}
	}
	return nil
}

// Token returns a copy of the position for id.
func (b *TokenBook) Token(id string) (domain.Token, bool) {
	t := b.find(id)
	if t == nil {
		return domain.Token{}, false
	}
	return t.Clone(), true
}

func (b *TokenBook) All() []domain.Token {
	out := make([]domain.Token, 0, len(b.tokens))
	for _, t := range b.tokens {
		out = append(out, t.Clone())
	}
	return out
}

func (b *TokenBook) Len() int {
	return len(b.tokens)
}

// AddToken opens a new position.
func (b *TokenBook) AddToken(token domain.Token) error {
	if strings.TrimSpace(token.ID) == "" {
		return ErrTokenNotFound
	}
	if b.find(token.ID) != nil {
		return ErrTokenExists
	}
	if token.Balance.IsNegative() {
		return ErrInsufficientTokenBalance
	}
	clone := token.Clone()
	clone.Collateral = nil
	b.tokens = append(b.tokens, &clone)
	return nil
}

// RemoveToken deletes a position outright. Locked positions cannot be removed.
func (b *TokenBook) RemoveToken(id string) error {
	id = strings.TrimSpace(id)
	for i, t := range b.tokens {
		if t.ID != id {
			continue
		}
		if t.IsLocked() {
			return ErrTokenLocked
		}
		b.tokens = append(b.tokens[:i], b.tokens[i+1:]...)
		return nil
	}
	return ErrTokenNotFound
}

// UpdateTokenBalance applies a signed delta. The balance may never drop below
// the locked amount, which also keeps it non-negative.
func (b *TokenBook) UpdateTokenBalance(id string, delta decimal.Decimal) error {
	t := b.find(id)
	if t == nil {
		return ErrTokenNotFound
	}
	next := t.Balance.Add(delta)
	if next.IsNegative() || next.LessThan(t.LockedAmount()) {
		return ErrInsufficientTokenBalance
	}
	t.Balance = next
	return nil
}

// LockToken pledges amount more of the token to loanID.
func (b *TokenBook) LockToken(id string, amount decimal.Decimal, loanID string) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	t := b.find(id)
	if t == nil {
		return ErrTokenNotFound
	}
	if t.Collateral != nil && t.Collateral.LoanID != loanID {
		return ErrTokenLocked
	}
	locked := t.LockedAmount().Add(amount)
	if locked.GreaterThan(t.Balance) {
		return ErrLockExceedsBalance
	}
	t.Collateral = &domain.CollateralLock{Amount: locked, LoanID: loanID}
	return nil
}

// UnlockToken releases the whole lock regardless of amount.
func (b *TokenBook) UnlockToken(id string) error {
	t := b.find(id)
	if t == nil {
		return ErrTokenNotFound
	}
	t.Collateral = nil
	return nil
}

// ToggleTokenStaking flips the staking flag. Staking shows yieldRate, or the
// fallback when it is empty; unstaking clears the yield.
func (b *TokenBook) ToggleTokenStaking(id string, staked bool, yieldRate, fallback string) error {
	t := b.find(id)
	if t == nil {
		return ErrTokenNotFound
	}
	t.Staked = staked
	if !staked {
		t.Yield = ""
		return nil
	}
	rate := strings.TrimSpace(yieldRate)
	if rate == "" {
		rate = strings.TrimSpace(fallback)
	}
	if rate == "" {
		rate = DefaultStakingYield
	}
	t.Yield = rate
	return nil
}

// TotalValue sums price × balance.
func (b *TokenBook) TotalValue() decimal.Decimal {
	total := decimal.Zero
	for _, t := range b.tokens {
		total = total.Add(t.Value())
	}
	return total
}

// AvailableValue sums price × unlocked balance.
func (b *TokenBook) AvailableValue() decimal.Decimal {
	total := decimal.Zero
	for _, t := range b.tokens {
		total = total.Add(t.AvailableValue())
	}
	return total
}

// TokenByLoanID finds the position pledged to loanID.
func (b *TokenBook) TokenByLoanID(loanID string) (domain.Token, bool) {
	for _, t := range b.tokens {
		if t.Collateral != nil && t.Collateral.LoanID == loanID {
			return t.Clone(), true
		}
	}
	return domain.Token{}, false
}

func (b *TokenBook) Reset() {
	b.tokens = nil
}
