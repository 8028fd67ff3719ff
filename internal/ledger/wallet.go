package ledger

import "github.com/shopspring/decimal"

// Wallet is the fiat balance of a portfolio. It is not safe for concurrent
// use on its own; Portfolio serializes access.
type Wallet struct {
	balance decimal.Decimal
}

func NewWallet(initial decimal.Decimal) *Wallet {
	if initial.IsNegative() {
		initial = decimal.Zero
	}
	return &Wallet{balance: initial}
}

func (w *Wallet) Balance() decimal.Decimal {
	return w.balance
}

// AddFunds credits a positive amount.
func (w *Wallet) AddFunds(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	w.balance = w.balance.Add(amount)
	return nil
}

// DeductFunds debits amount when the balance covers it and reports whether it did.
func (w *Wallet) DeductFunds(amount decimal.Decimal) bool {
	if !amount.IsPositive() || w.balance.LessThan(amount) {
		return false
	}
	w.balance = w.balance.Sub(amount)
	return true
}

func (w *Wallet) Reset() {
	w.balance = decimal.Zero
}
