package ledger

import "errors"

var (
	ErrInvalidAmount            = errors.New("amount must be greater than zero")
	ErrInsufficientFunds        = errors.New("insufficient wallet balance")
	ErrTokenNotFound            = errors.New("token not found")
	ErrTokenExists              = errors.New("token already held")
	ErrTokenLocked              = errors.New("token is locked as collateral")
	ErrInsufficientTokenBalance = errors.New("insufficient token balance")
	ErrLockExceedsBalance       = errors.New("collateral lock exceeds token balance")
	ErrInsufficientCollateral   = errors.New("insufficient collateral value")
	ErrInvalidCollateralRatio   = errors.New("collateral ratio out of range")
	ErrInvalidLoanTerm          = errors.New("unsupported loan term")
	ErrLoanNotFound             = errors.New("loan not found")
	ErrLoanNotActive            = errors.New("loan is not active")
	ErrInvalidTransaction       = errors.New("invalid transaction")
	ErrSameToken                = errors.New("cannot swap a token for itself")
	ErrAlreadyStaked            = errors.New("token is already staked")
	ErrNotStaked                = errors.New("token is not staked")
	ErrNotLoaded                = errors.New("portfolio not loaded")
	ErrPortfolioClosed          = errors.New("portfolio session closed")
)
