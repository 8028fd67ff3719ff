package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TransactionBuy        TransactionType = "buy"
	TransactionSell       TransactionType = "sell"
	TransactionDeposit    TransactionType = "deposit"
	TransactionWithdrawal TransactionType = "withdrawal"
	TransactionLoan       TransactionType = "loan"
	TransactionRepayment  TransactionType = "repayment"
	TransactionLock       TransactionType = "lock"
	TransactionUnlock     TransactionType = "unlock"
	TransactionStake      TransactionType = "stake"
	TransactionUnstake    TransactionType = "unstake"
	TransactionSwap       TransactionType = "swap"
)

// Valid reports whether t is one of the known transaction types.
func (t TransactionType) Valid() bool {
	switch t {
	case TransactionBuy, TransactionSell, TransactionDeposit, TransactionWithdrawal,
		TransactionLoan, TransactionRepayment, TransactionLock, TransactionUnlock,
		TransactionStake, TransactionUnstake, TransactionSwap:
		return true
	}
	return false
}

type TransactionStatus string

const (
	TransactionCompleted TransactionStatus = "completed"
	TransactionPending   TransactionStatus = "pending"
	TransactionFailed    TransactionStatus = "failed"
)

func (s TransactionStatus) Valid() bool {
	return s == TransactionCompleted || s == TransactionPending || s == TransactionFailed
}

// Transaction is an immutable history record. Asset and ToAsset hold display names.
type Transaction struct {
	ID      uuid.UUID         `json:"id"`
	Date    time.Time         `json:"date"`
	Type    TransactionType   `json:"type"`
	Asset   string            `json:"asset,omitempty"`
	ToAsset string            `json:"to_asset,omitempty"`
	Amount  decimal.Decimal   `json:"amount"`
	Value   decimal.Decimal   `json:"value"`
	Status  TransactionStatus `json:"status"`
}

type assetRefKind uint8

const (
	assetRefNone assetRefKind = iota
	assetRefID
	assetRefName
)

// AssetRef names the asset of a transaction either by token id, resolved to the
// token's display name when the record is built, or by a literal display name.
type AssetRef struct {
	kind  assetRefKind
	value string
}

func AssetByID(id string) AssetRef {
	return AssetRef{kind: assetRefID, value: id}
}

func AssetByName(name string) AssetRef {
	return AssetRef{kind: assetRefName, value: name}
}

func (r AssetRef) IsZero() bool {
	return r.kind == assetRefNone
}

// TokenID returns the referenced id when the ref was built with AssetByID.
func (r AssetRef) TokenID() (string, bool) {
	return r.value, r.kind == assetRefID
}

// Raw returns the id or name exactly as given.
func (r AssetRef) Raw() string {
	return r.value
}

// TransactionInput carries the caller-supplied fields of a new transaction.
type TransactionInput struct {
	Type    TransactionType
	Asset   AssetRef
	ToAsset AssetRef
	Amount  decimal.Decimal
	Value   decimal.Decimal
	Status  TransactionStatus
}
