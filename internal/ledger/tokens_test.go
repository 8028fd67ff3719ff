package ledger

import (
	"errors"
	"testing"

	"github.com/transfa/portfolio-service/internal/domain"
)

func goldToken() domain.Token {
	return domain.Token{
		ID:       "DGOLD",
		Name:     "Digital Gold",
		Symbol:   "DGOLD",
		Category: domain.CategoryCommodity,
		Price:    dec("1000"),
		Balance:  dec("2.5"),
	}
}

func TestTokenBook_UpdateTokenBalanceRejectsNegativeResult(t *testing.T) {
	book := NewTokenBook([]domain.Token{goldToken()})

	err := book.UpdateTokenBalance("DGOLD", dec("-1000"))
	if !errors.Is(err, ErrInsufficientTokenBalance) {
		t.Fatalf("expected ErrInsufficientTokenBalance, got %v", err)
	}
	token, _ := book.Token("DGOLD")
	if !token.Balance.Equal(dec("2.5")) {
		t.Fatalf("expected balance unchanged at 2.5, got %s", token.Balance)
	}
}

func TestTokenBook_UpdateTokenBalanceRespectsLock(t *testing.T) {
	book := NewTokenBook([]domain.Token{goldToken()})
	if err := book.LockToken("DGOLD", dec("2"), "loan-1"); err != nil {
		t.Fatalf("LockToken: %v", err)
	}

	if err := book.UpdateTokenBalance("DGOLD", dec("-1")); !errors.Is(err, ErrInsufficientTokenBalance) {
		t.Fatalf("expected lock to protect pledged quantity, got %v", err)
	}
	if err := book.UpdateTokenBalance("DGOLD", dec("-0.5")); err != nil {
		t.Fatalf("expected unlocked quantity to be spendable, got %v", err)
	}
}

func TestTokenBook_LockToken(t *testing.T) {
	cases := []struct {
		name    string
		setup   func(*TokenBook)
		amount  string
		loanID  string
		wantErr error
		wantAmt string
	}{
		{name: "first lock", amount: "1", loanID: "loan-1", wantAmt: "1"},
		{
			name:    "additive for same loan",
			setup:   func(b *TokenBook) { _ = b.LockToken("DGOLD", dec("1"), "loan-1") },
			amount:  "1",
			loanID:  "loan-1",
			wantAmt: "2",
		},
		{name: "exceeds balance", amount: "3", loanID: "loan-1", wantErr: ErrLockExceedsBalance},
		{
			name:    "other loan",
			setup:   func(b *TokenBook) { _ = b.LockToken("DGOLD", dec("1"), "loan-1") },
			amount:  "1",
			loanID:  "loan-2",
			wantErr: ErrTokenLocked,
			wantAmt: "1",
		},
		{name: "non-positive", amount: "0", loanID: "loan-1", wantErr: ErrInvalidAmount},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			book := NewTokenBook([]domain.Token{goldToken()})
			if tc.setup != nil {
				tc.setup(book)
			}
			err := book.LockToken("DGOLD", dec(tc.amount), tc.loanID)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("LockToken err = %v, want %v", err, tc.wantErr)
			}
			token, _ := book.Token("DGOLD")
			if tc.wantAmt == "" {
				if token.IsLocked() {
					t.Fatalf("expected token to stay unlocked, got %s", token.LockedAmount())
				}
				return
			}
			if !token.LockedAmount().Equal(dec(tc.wantAmt)) {
				t.Fatalf("locked amount = %s, want %s", token.LockedAmount(), tc.wantAmt)
			}
		})
	}
}

func TestTokenBook_UnlockTokenClearsWholeLock(t *testing.T) {
	book := NewTokenBook([]domain.Token{goldToken()})
	_ = book.LockToken("DGOLD", dec("2"), "loan-1")

	if err := book.UnlockToken("DGOLD"); err != nil {
		t.Fatalf("UnlockToken: %v", err)
	}
	token, _ := book.Token("DGOLD")
	if token.IsLocked() || !token.LockedAmount().IsZero() {
		t.Fatalf("expected full unlock, got %+v", token.Collateral)
	}
	if _, ok := book.TokenByLoanID("loan-1"); ok {
		t.Fatal("expected loan back-reference to be cleared")
	}
}

func TestTokenBook_AvailableValueExcludesCollateral(t *testing.T) {
	silver := domain.Token{ID: "SLVR", Name: "Vaulted Silver", Price: dec("10"), Balance: dec("4")}
	book := NewTokenBook([]domain.Token{goldToken(), silver})
	_ = book.LockToken("DGOLD", dec("1.5"), "loan-1")

	if !book.TotalValue().Equal(dec("2540")) {
		t.Fatalf("TotalValue = %s, want 2540", book.TotalValue())
	}
	want := book.TotalValue().Sub(dec("1500"))
	if !book.AvailableValue().Equal(want) {
		t.Fatalf("AvailableValue = %s, want %s", book.AvailableValue(), want)
	}
}

func TestTokenBook_ToggleTokenStaking(t *testing.T) {
	book := NewTokenBook([]domain.Token{goldToken()})

	if err := book.ToggleTokenStaking("DGOLD", true, "", ""); err != nil {
		t.Fatalf("stake: %v", err)
	}
	token, _ := book.Token("DGOLD")
	if !token.Staked || token.Yield != DefaultStakingYield {
		t.Fatalf("expected staked with default yield, got staked=%v yield=%q", token.Staked, token.Yield)
	}

	if err := book.ToggleTokenStaking("DGOLD", true, "7% APY", ""); err != nil {
		t.Fatalf("restake: %v", err)
	}
	token, _ = book.Token("DGOLD")
	if token.Yield != "7% APY" {
		t.Fatalf("expected explicit yield, got %q", token.Yield)
	}

	if err := book.ToggleTokenStaking("DGOLD", false, "", ""); err != nil {
		t.Fatalf("unstake: %v", err)
	}
	token, _ = book.Token("DGOLD")
	if token.Staked || token.Yield != "" {
		t.Fatalf("expected yield cleared on unstake, got staked=%v yield=%q", token.Staked, token.Yield)
	}
}

func TestTokenBook_RemoveToken(t *testing.T) {
	book := NewTokenBook([]domain.Token{goldToken()})
	_ = book.LockToken("DGOLD", dec("1"), "loan-1")

	if err := book.RemoveToken("DGOLD"); !errors.Is(err, ErrTokenLocked) {
		t.Fatalf("expected locked token removal to fail, got %v", err)
	}
	_ = book.UnlockToken("DGOLD")
	if err := book.RemoveToken("DGOLD"); err != nil {
		t.Fatalf("RemoveToken: %v", err)
	}
	if book.Len() != 0 {
		t.Fatalf("expected empty book, got %d", book.Len())
	}
	if err := book.RemoveToken("DGOLD"); !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("expected ErrTokenNotFound, got %v", err)
	}
}
