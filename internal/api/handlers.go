/**
 * @description
 * This file contains the HTTP handlers for the portfolio-service's API endpoints.
 * Handlers parse and validate requests, call the application service and map its
 * errors onto HTTP status codes.
 *
 * @dependencies
 * - encoding/json, errors, log, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: For URL parameters.
 * - github.com/go-playground/validator/v10: For request validation.
 * - github.com/gorilla/websocket: For the event stream upgrader.
 * - github.com/shopspring/decimal: For amounts and quantities.
 */

package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/transfa/portfolio-service/internal/app"
	"github.com/transfa/portfolio-service/internal/domain"
	"github.com/transfa/portfolio-service/internal/ledger"
)

// PortfolioService is the application surface the handlers use.
type PortfolioService interface {
	Listings() []domain.Token
	OpenSession(ctx context.Context, identity domain.Identity) (app.PortfolioView, error)
	CloseSession(ctx context.Context, identityID string) error
	Portfolio(ctx context.Context, identity domain.Identity) (app.PortfolioView, error)
	Subscribe(ctx context.Context, identity domain.Identity) (<-chan ledger.Event, func(), error)

	Deposit(ctx context.Context, identity domain.Identity, amount decimal.Decimal) (domain.Transaction, error)
	Withdraw(ctx context.Context, identity domain.Identity, amount decimal.Decimal) (domain.Transaction, error)
	BuyToken(ctx context.Context, identity domain.Identity, tokenID string, quantity decimal.Decimal, method domain.PaymentMethod) (domain.Transaction, error)
	SellToken(ctx context.Context, identity domain.Identity, tokenID string, quantity decimal.Decimal) (domain.Transaction, error)
	SwapTokens(ctx context.Context, identity domain.Identity, fromID, toID string, quantity decimal.Decimal) (domain.Transaction, error)
	StakeToken(ctx context.Context, identity domain.Identity, tokenID, yieldRate string) (domain.Transaction, error)
	UnstakeToken(ctx context.Context, identity domain.Identity, tokenID string) (domain.Transaction, error)

	QuoteLoan(ctx context.Context, identity domain.Identity, application domain.LoanApplication) (domain.LoanQuote, error)
	ApplyForLoan(ctx context.Context, identity domain.Identity, application domain.LoanApplication) (domain.Loan, error)
	RepayLoan(ctx context.Context, identity domain.Identity, loanID string) (domain.Loan, error)
	Loans(ctx context.Context, identity domain.Identity) ([]domain.Loan, error)

	Transactions(ctx context.Context, identity domain.Identity) ([]domain.Transaction, error)
	RefreshTransactions(ctx context.Context, identity domain.Identity) ([]domain.Transaction, error)
}

// PortfolioHandlers holds the application service that handlers will use.
type PortfolioHandlers struct {
	service  PortfolioService
	validate *validator.Validate
	upgrader websocket.Upgrader
}

// NewPortfolioHandlers creates a new PortfolioHandlers.
func NewPortfolioHandlers(service PortfolioService) *PortfolioHandlers {
	return &PortfolioHandlers{service: service, validate: validator.New(), upgrader: newUpgrader(nil)}
}

type amountRequest struct {
	Amount *decimal.Decimal `json:"amount" validate:"required"`
}

type buyRequest struct {
	Quantity      *decimal.Decimal `json:"quantity" validate:"required"`
	PaymentMethod string           `json:"payment_method" validate:"omitempty,oneof=wallet card upi bank"`
}

type sellRequest struct {
	Quantity *decimal.Decimal `json:"quantity" validate:"required"`
}

type stakeRequest struct {
	YieldRate string `json:"yield_rate" validate:"omitempty,max=32"`
}

type swapRequest struct {
	FromToken string           `json:"from_token" validate:"required"`
	ToToken   string           `json:"to_token" validate:"required,nefield=FromToken"`
	Quantity  *decimal.Decimal `json:"quantity" validate:"required"`
}

type loanRequest struct {
	Amount          *decimal.Decimal `json:"amount" validate:"required"`
	CollateralToken string           `json:"collateral_token" validate:"required"`
	CollateralRatio int              `json:"collateral_ratio" validate:"required,min=130,max=200"`
	TermDays        int              `json:"term_days" validate:"required,oneof=30 90 180 365"`
}

func (req loanRequest) application() domain.LoanApplication {
	return domain.LoanApplication{
		Amount:          *req.Amount,
		CollateralToken: strings.TrimSpace(req.CollateralToken),
		CollateralRatio: req.CollateralRatio,
		TermDays:        req.TermDays,
	}
}

type transactionResponse struct {
	Transaction domain.Transaction `json:"transaction"`
}

type transactionListResponse struct {
	Transactions []domain.Transaction `json:"transactions"`
	Count        int                  `json:"count"`
}

func (h *PortfolioHandlers) identity(w http.ResponseWriter, r *http.Request) (domain.Identity, bool) {
	identity, ok := GetIdentity(r.Context())
	if !ok || identity.IsZero() {
		h.writeError(w, http.StatusUnauthorized, "Could not get identity from context")
		return domain.Identity{}, false
	}
	return identity, true
}

// decode reads the JSON body into dst and validates it. An empty body is
// accepted when allowEmpty is set.
func (h *PortfolioHandlers) decode(w http.ResponseWriter, r *http.Request, endpoint string, dst interface{}, allowEmpty bool) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			log.Printf("level=warn component=api endpoint=%s outcome=reject reason=invalid_json err=%v", endpoint, err)
			h.writeError(w, http.StatusBadRequest, "Invalid request body")
			return false
		}
	}
	if err := h.validate.Struct(dst); err != nil {
		log.Printf("level=warn component=api endpoint=%s outcome=reject reason=validation err=%v", endpoint, err)
		h.writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return "Invalid request body"
	}
	fe := fieldErrs[0]
	switch fe.Tag() {
	case "required":
		return "Field " + fe.Field() + " is required"
	case "nefield":
		return "Field " + fe.Field() + " must differ from " + fe.Param()
	default:
		return "Field " + fe.Field() + " is invalid"
	}
}

// handleServiceError maps application and ledger errors to responses.
func (h *PortfolioHandlers) handleServiceError(w http.ResponseWriter, endpoint string, identityID string, err error) {
	var rateErr *app.RateLimitError
	switch {
	case errors.As(err, &rateErr):
		w.Header().Set("Retry-After", strconv.Itoa(rateErr.RetryAfterSeconds))
		h.writeError(w, http.StatusTooManyRequests, "Too many requests. Please slow down.")
	case errors.Is(err, app.ErrIdentityRequired):
		h.writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		h.writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, ledger.ErrTokenNotFound),
		errors.Is(err, ledger.ErrLoanNotFound),
		errors.Is(err, app.ErrUnknownToken):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidCollateralRatio),
		errors.Is(err, ledger.ErrInvalidLoanTerm),
		errors.Is(err, ledger.ErrInvalidTransaction),
		errors.Is(err, ledger.ErrSameToken),
		errors.Is(err, app.ErrInvalidPaymentMethod):
		h.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ledger.ErrInsufficientTokenBalance),
		errors.Is(err, ledger.ErrInsufficientCollateral),
		errors.Is(err, ledger.ErrTokenLocked),
		errors.Is(err, ledger.ErrLockExceedsBalance),
		errors.Is(err, ledger.ErrTokenExists),
		errors.Is(err, ledger.ErrLoanNotActive),
		errors.Is(err, ledger.ErrAlreadyStaked),
		errors.Is(err, ledger.ErrNotStaked),
		errors.Is(err, ledger.ErrNotLoaded),
		errors.Is(err, ledger.ErrPortfolioClosed):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		log.Printf("level=warn component=api endpoint=%s identity_id=%s outcome=aborted err=%v", endpoint, identityID, err)
		h.writeError(w, http.StatusRequestTimeout, "Request was cancelled")
	default:
		log.Printf("level=error component=api endpoint=%s identity_id=%s outcome=error err=%v", endpoint, identityID, err)
		h.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// ListTokensHandler returns the tradable token listings.
func (h *PortfolioHandlers) ListTokensHandler(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"tokens": h.service.Listings()})
}

// GetPortfolioHandler returns holdings, loans and totals.
func (h *PortfolioHandlers) GetPortfolioHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	view, err := h.service.Portfolio(r.Context(), identity)
	if err != nil {
		h.handleServiceError(w, "get_portfolio", identity.ID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// OpenSessionHandler signs the caller in for clients without the event broker.
func (h *PortfolioHandlers) OpenSessionHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	view, err := h.service.OpenSession(r.Context(), identity)
	if err != nil {
		h.handleServiceError(w, "open_session", identity.ID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, view)
}

// CloseSessionHandler signs the caller out and clears the in-memory ledger.
func (h *PortfolioHandlers) CloseSessionHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	if err := h.service.CloseSession(r.Context(), identity.ID); err != nil {
		h.handleServiceError(w, "close_session", identity.ID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *PortfolioHandlers) DepositHandler(w http.ResponseWriter, r *http.Request) {
	h.walletHandler(w, r, "deposit", h.service.Deposit)
}

func (h *PortfolioHandlers) WithdrawHandler(w http.ResponseWriter, r *http.Request) {
	h.walletHandler(w, r, "withdraw", h.service.Withdraw)
}

func (h *PortfolioHandlers) walletHandler(
	w http.ResponseWriter,
	r *http.Request,
	endpoint string,
	op func(context.Context, domain.Identity, decimal.Decimal) (domain.Transaction, error),
) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req amountRequest
	if !h.decode(w, r, endpoint, &req, false) {
		return
	}
	tx, err := op(r.Context(), identity, *req.Amount)
	if err != nil {
		h.handleServiceError(w, endpoint, identity.ID, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, transactionResponse{Transaction: tx})
}

func (h *PortfolioHandlers) BuyTokenHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req buyRequest
	if !h.decode(w, r, "buy_token", &req, false) {
		return
	}
	tokenID := chi.URLParam(r, "tokenID")
	tx, err := h.service.BuyToken(r.Context(), identity, tokenID, *req.Quantity, domain.PaymentMethod(req.PaymentMethod))
	if err != nil {
		h.handleServiceError(w, "buy_token", identity.ID, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, transactionResponse{Transaction: tx})
}

func (h *PortfolioHandlers) SellTokenHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req sellRequest
	if !h.decode(w, r, "sell_token", &req, false) {
		return
	}
	tx, err := h.service.SellToken(r.Context(), identity, chi.URLParam(r, "tokenID"), *req.Quantity)
	if err != nil {
		h.handleServiceError(w, "sell_token", identity.ID, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, transactionResponse{Transaction: tx})
}

func (h *PortfolioHandlers) StakeTokenHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req stakeRequest
	if !h.decode(w, r, "stake_token", &req, true) {
		return
	}
	tx, err := h.service.StakeToken(r.Context(), identity, chi.URLParam(r, "tokenID"), strings.TrimSpace(req.YieldRate))
	if err != nil {
		h.handleServiceError(w, "stake_token", identity.ID, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, transactionResponse{Transaction: tx})
}

func (h *PortfolioHandlers) UnstakeTokenHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	tx, err := h.service.UnstakeToken(r.Context(), identity, chi.URLParam(r, "tokenID"))
	if err != nil {
		h.handleServiceError(w, "unstake_token", identity.ID, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, transactionResponse{Transaction: tx})
}

func (h *PortfolioHandlers) SwapTokensHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req swapRequest
	if !h.decode(w, r, "swap_tokens", &req, false) {
		return
	}
	tx, err := h.service.SwapTokens(r.Context(), identity, strings.TrimSpace(req.FromToken), strings.TrimSpace(req.ToToken), *req.Quantity)
	if err != nil {
		h.handleServiceError(w, "swap_tokens", identity.ID, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, transactionResponse{Transaction: tx})
}

func (h *PortfolioHandlers) ListLoansHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	loans, err := h.service.Loans(r.Context(), identity)
	if err != nil {
		h.handleServiceError(w, "list_loans", identity.ID, err)
		return
	}
	if loans == nil {
		loans = []domain.Loan{}
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"loans": loans})
}

func (h *PortfolioHandlers) QuoteLoanHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req loanRequest
	if !h.decode(w, r, "quote_loan", &req, false) {
		return
	}
	quote, err := h.service.QuoteLoan(r.Context(), identity, req.application())
	if err != nil {
		h.handleServiceError(w, "quote_loan", identity.ID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, quote)
}

func (h *PortfolioHandlers) ApplyForLoanHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req loanRequest
	if !h.decode(w, r, "apply_loan", &req, false) {
		return
	}
	loan, err := h.service.ApplyForLoan(r.Context(), identity, req.application())
	if err != nil {
		h.handleServiceError(w, "apply_loan", identity.ID, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, loan)
}

func (h *PortfolioHandlers) RepayLoanHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	loan, err := h.service.RepayLoan(r.Context(), identity, chi.URLParam(r, "loanID"))
	if err != nil {
		h.handleServiceError(w, "repay_loan", identity.ID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, loan)
}

func (h *PortfolioHandlers) ListTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	txs, err := h.service.Transactions(r.Context(), identity)
	if err != nil {
		h.handleServiceError(w, "list_transactions", identity.ID, err)
		return
	}
	h.writeTransactions(w, txs)
}

func (h *PortfolioHandlers) RefreshTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.identity(w, r)
	if !ok {
		return
	}
	txs, err := h.service.RefreshTransactions(r.Context(), identity)
	if err != nil {
		h.handleServiceError(w, "refresh_transactions", identity.ID, err)
		return
	}
	h.writeTransactions(w, txs)
}

func (h *PortfolioHandlers) writeTransactions(w http.ResponseWriter, txs []domain.Transaction) {
	if txs == nil {
		txs = []domain.Transaction{}
	}
	h.writeJSON(w, http.StatusOK, transactionListResponse{Transactions: txs, Count: len(txs)})
}

// writeJSON is a helper for writing JSON responses.
func (h *PortfolioHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// writeError is a helper for writing JSON error responses.
func (h *PortfolioHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
