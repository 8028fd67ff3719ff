package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PortfolioSnapshot is the persisted state of one identity's holdings.
type PortfolioSnapshot struct {
	IdentityID    string          `json:"identity_id"`
	Tokens        []Token         `json:"tokens"`
	WalletBalance decimal.Decimal `json:"wallet_balance"`
	Loans         []Loan          `json:"loans"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// PaymentMethod is how a buy is paid for.
type PaymentMethod string

const (
	PaymentWallet PaymentMethod = "wallet"
	PaymentCard   PaymentMethod = "card"
	PaymentUPI    PaymentMethod = "upi"
	PaymentBank   PaymentMethod = "bank"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentWallet, PaymentCard, PaymentUPI, PaymentBank:
		return true
	}
	return false
}

// TransactionRecordedEvent is published after a transaction is stored.
type TransactionRecordedEvent struct {
	IdentityID  string      `json:"identity_id"`
	Transaction Transaction `json:"transaction"`
	RecordedAt  time.Time   `json:"recorded_at"`
}

// SnapshotSavedEvent is published after a portfolio snapshot is stored.
type SnapshotSavedEvent struct {
	EventID       uuid.UUID       `json:"event_id"`
	IdentityID    string          `json:"identity_id"`
	WalletBalance decimal.Decimal `json:"wallet_balance"`
	TokenCount    int             `json:"token_count"`
	ActiveLoans   int             `json:"active_loans"`
	SavedAt       time.Time       `json:"saved_at"`
}
