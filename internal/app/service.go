/**
 * @description
 * This file contains the core business logic for the portfolio-service. The `Service`
 * struct is the facade every transport goes through: it resolves the caller's session,
 * applies the per-identity mutation limit, runs the ledger operation and turns the
 * outcome into a user-facing notice.
 *
 * @dependencies
 * - context, errors, fmt, log, time: Standard Go libraries.
 * - github.com/shopspring/decimal: For currency and quantity values.
 * - internal/domain, internal/ledger, internal/store: For models, the ledger and data access.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/transfa/portfolio-service/internal/domain"
	"github.com/transfa/portfolio-service/internal/ledger"
	"github.com/transfa/portfolio-service/internal/store"
)

const mutationRateLimitScope = "portfolio_mutation"

var (
	ErrIdentityRequired         = errors.New("authenticated identity is required")
	ErrRateLimited              = errors.New("too many portfolio changes")
	ErrUnknownToken             = errors.New("token is not listed")
	ErrInvalidPaymentMethod     = errors.New("unsupported payment method")
	ErrUnsupportedIdentityEvent = errors.New("unsupported identity event")
)

// RateLimitError carries how long the caller has to wait.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s; retry in %ds", ErrRateLimited, e.RetryAfterSeconds)
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// ServiceConfig tunes the facade.
type ServiceConfig struct {
	PaymentProcessingDelay     time.Duration
	MutationRateLimitPerMinute int
}

// PortfolioView is the read model returned to clients.
type PortfolioView struct {
	Identity       domain.Identity `json:"identity"`
	Loaded         bool            `json:"loaded"`
	Offline        bool            `json:"offline"`
	WalletBalance  decimal.Decimal `json:"wallet_balance"`
	TotalValue     decimal.Decimal `json:"total_value"`
	AvailableValue decimal.Decimal `json:"available_value"`
	Tokens         []domain.Token  `json:"tokens"`
	Loans          []domain.Loan   `json:"loans"`
	ActiveLoans    int             `json:"active_loans"`
}

// Service provides the portfolio use cases.
type Service struct {
	sessions *SessionManager
	registry *domain.Registry
	repo     store.Repository
	cache    store.TransactionCache
	limiter  RateLimiter
	config   ServiceConfig

	// wait blocks for d or until ctx is done.
	wait func(ctx context.Context, d time.Duration) error
}

// NewService creates a new portfolio service instance.
func NewService(sessions *SessionManager, registry *domain.Registry, repo store.Repository, cache store.TransactionCache, limiter RateLimiter, cfg ServiceConfig) *Service {
	return &Service{
		sessions: sessions,
		registry: registry,
		repo:     repo,
		cache:    cache,
		limiter:  limiter,
		config:   cfg,
		wait:     sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Listings returns the tradable token definitions.
func (s *Service) Listings() []domain.Token {
	return s.registry.All()
}

// OpenSession loads the identity's portfolio and its history.
func (s *Service) OpenSession(ctx context.Context, identity domain.Identity) (PortfolioView, error) {
	session, err := s.sessions.Open(ctx, identity)
	if err != nil {
		return PortfolioView{}, err
	}
	if _, err := s.refreshTransactions(ctx, session); err != nil {
		log.Printf("level=warn component=session msg=\"initial transaction load failed\" identity_id=%s err=%v", session.Identity.ID, err)
	}
	return s.view(session), nil
}

// CloseSession signs the identity out and clears its in-memory ledger.
func (s *Service) CloseSession(ctx context.Context, identityID string) error {
	if strings.TrimSpace(identityID) == "" {
		return ErrIdentityRequired
	}
	if s.sessions.SignOut(ctx, identityID) {
		log.Printf("level=info component=session msg=\"session closed\" identity_id=%s", identityID)
	}
	return nil
}

// HandleIdentityEvent applies an auth provider session change.
func (s *Service) HandleIdentityEvent(ctx context.Context, event domain.IdentityEvent) error {
	identity := event.Identity()
	if identity.IsZero() {
		return ErrIdentityRequired
	}

	switch event.Type {
	case domain.IdentitySignedIn:
		_, err := s.OpenSession(ctx, identity)
		return err
	case domain.IdentitySignedOut:
		return s.CloseSession(ctx, identity.ID)
	case domain.IdentityTokenRefreshed, domain.IdentityUserUpdated:
		log.Printf("level=info component=session msg=\"identity event acknowledged\" type=%s identity_id=%s", event.Type, identity.ID)
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedIdentityEvent, event.Type)
	}
}

func (s *Service) session(ctx context.Context, identity domain.Identity) (*Session, error) {
	session, err := s.sessions.Open(ctx, identity)
	if err != nil {
		return nil, err
	}
	if !session.Portfolio.Loaded() {
		return nil, ledger.ErrNotLoaded
	}
	return session, nil
}

// mutable resolves the session for a state change after charging the
// identity's rate limit. A limiter outage lets the change through.
func (s *Service) mutable(ctx context.Context, identity domain.Identity) (*Session, error) {
	if identity.IsZero() {
		return nil, ErrIdentityRequired
	}
	limit := s.config.MutationRateLimitPerMinute
	if s.limiter != nil && limit > 0 {
		count, retryAfter, err := s.limiter.ConsumeRateLimit(ctx, mutationRateLimitScope, identity.ID, limit, time.Minute)
		if err != nil {
			log.Printf("level=warn component=api msg=\"rate limiter unavailable; allowing\" identity_id=%s err=%v", identity.ID, err)
		} else if count > limit {
			return nil, &RateLimitError{RetryAfterSeconds: retryAfter}
		}
	}
	return s.session(ctx, identity)
}

func (s *Service) view(session *Session) PortfolioView {
	p := session.Portfolio
	return PortfolioView{
		Identity:       session.Identity,
		Loaded:         p.Loaded(),
		Offline:        session.Offline(),
		WalletBalance:  p.WalletBalance(),
		TotalValue:     p.TotalValue(),
		AvailableValue: p.AvailableValue(),
		Tokens:         p.Tokens(),
		Loans:          p.Loans(),
		ActiveLoans:    p.ActiveLoanCount(),
	}
}

// Portfolio returns the identity's holdings and totals.
func (s *Service) Portfolio(ctx context.Context, identity domain.Identity) (PortfolioView, error) {
	session, err := s.session(ctx, identity)
	if err != nil {
		return PortfolioView{}, err
	}
	return s.view(session), nil
}

// Subscribe streams the identity's ledger events until cancel is called.
func (s *Service) Subscribe(ctx context.Context, identity domain.Identity) (<-chan ledger.Event, func(), error) {
	session, err := s.session(ctx, identity)
	if err != nil {
		return nil, nil, err
	}
	events, cancel := session.Portfolio.Subscribe(32)
	return events, cancel, nil
}

func notifyOutcome(p *ledger.Portfolio, err error, title, success string) {
	if err != nil {
		p.Notify(ledger.Notice{Level: ledger.NoticeError, Title: title + " failed", Message: describeError(err)})
		return
	}
	p.Notify(ledger.Notice{Level: ledger.NoticeSuccess, Title: title, Message: success})
}

func describeError(err error) string {
	msg := err.Error()
	if msg == "" {
		return "Something went wrong."
	}
	return strings.ToUpper(msg[:1]) + msg[1:] + "."
}

func money(v decimal.Decimal) string {
	return "$" + v.StringFixed(2)
}

// Deposit credits the wallet.
func (s *Service) Deposit(ctx context.Context, identity domain.Identity, amount decimal.Decimal) (domain.Transaction, error) {
	session, err := s.mutable(ctx, identity)
	if err != nil {
		return domain.Transaction{}, err
	}
	tx, err := session.Portfolio.Deposit(amount)
	notifyOutcome(session.Portfolio, err, "Deposit", fmt.Sprintf("%s added to your wallet.", money(amount)))
	return tx, err
}

// Withdraw debits the wallet.
func (s *Service) Withdraw(ctx context.Context, identity domain.Identity, amount decimal.Decimal) (domain.Transaction, error) {
	session, err := s.mutable(ctx, identity)
	if err != nil {
		return domain.Transaction{}, err
	}
	tx, err := session.Portfolio.Withdraw(amount)
	notifyOutcome(session.Portfolio, err, "Withdrawal", fmt.Sprintf("%s withdrawn from your wallet.", money(amount)))
	return tx, err
}

// listing resolves a token for trading: the held position first, then the registry.
func (s *Service) listing(p *ledger.Portfolio, tokenID string) (domain.Token, bool) {
	if token, ok := p.Token(tokenID); ok {
		return token, true
	}
	return s.registry.Lookup(tokenID)
}

// BuyToken credits quantity of a listed token. Wallet purchases debit
// immediately; card, UPI and bank payments settle after the processing delay.
func (s *Service) BuyToken(ctx context.Context, identity domain.Identity, tokenID string, quantity decimal.Decimal, method domain.PaymentMethod) (domain.Transaction, error) {
	if method == "" {
		method = domain.PaymentWallet
	}
	if !method.Valid() {
		return domain.Transaction{}, ErrInvalidPaymentMethod
	}
	session, err := s.mutable(ctx, identity)
	if err != nil {
		return domain.Transaction{}, err
	}
	p := session.Portfolio

	listing, ok := s.listing(p, tokenID)
	if !ok {
		return domain.Transaction{}, ErrUnknownToken
	}
	if !quantity.IsPositive() {
		notifyOutcome(p, ledger.ErrInvalidAmount, "Purchase", "")
		return domain.Transaction{}, ledger.ErrInvalidAmount
	}

	if method != domain.PaymentWallet {
		p.Notify(ledger.Notice{
			Level:   ledger.NoticeInfo,
			Title:   "Processing payment",
			Message: fmt.Sprintf("Confirming your %s payment for %s %s.", method, quantity, listing.Symbol),
		})
		if err := s.wait(ctx, s.config.PaymentProcessingDelay); err != nil {
			log.Printf("level=warn component=api msg=\"payment processing interrupted\" identity_id=%s token_id=%s method=%s err=%v", identity.ID, tokenID, method, err)
			return domain.Transaction{}, err
		}
	}

	tx, err := p.Buy(listing, quantity, method == domain.PaymentWallet)
	notifyOutcome(p, err, "Purchase", fmt.Sprintf("Bought %s %s for %s.", quantity, listing.Symbol, money(tx.Value)))
	return tx, err
}

// SellToken sells from the unlocked balance into the wallet.
func (s *Service) SellToken(ctx context.Context, identity domain.Identity, tokenID string, quantity decimal.Decimal) (domain.Transaction, error) {
	session, err := s.mutable(ctx, identity)
	if err != nil {
		return domain.Transaction{}, err
	}
	tx, err := session.Portfolio.Sell(tokenID, quantity)
	notifyOutcome(session.Portfolio, err, "Sale", fmt.Sprintf("Sold %s %s for %s.", quantity, tx.Asset, money(tx.Value)))
	return tx, err
}

// SwapTokens converts quantity of one held token into another at the price ratio.
func (s *Service) SwapTokens(ctx context.Context, identity domain.Identity, fromID, toID string, quantity decimal.Decimal) (domain.Transaction, error) {
	session, err := s.mutable(ctx, identity)
	if err != nil {
		return domain.Transaction{}, err
	}
	p := session.Portfolio

	target, ok := s.listing(p, toID)
	if !ok {
		return domain.Transaction{}, ErrUnknownToken
	}
	tx, err := p.Swap(fromID, target, quantity)
	notifyOutcome(p, err, "Swap", fmt.Sprintf("Swapped %s %s for %s.", quantity, tx.Asset, tx.ToAsset))
	return tx, err
}

// StakeToken stakes a held position. An empty yield uses the configured default.
func (s *Service) StakeToken(ctx context.Context, identity domain.Identity, tokenID, yieldRate string) (domain.Transaction, error) {
	session, err := s.mutable(ctx, identity)
	if err != nil {
		return domain.Transaction{}, err
	}
	tx, err := session.Portfolio.Stake(tokenID, yieldRate)
	notifyOutcome(session.Portfolio, err, "Staking", fmt.Sprintf("%s is now earning yield.", tx.Asset))
	return tx, err
}

func (s *Service) UnstakeToken(ctx context.Context, identity domain.Identity, tokenID string) (domain.Transaction, error) {
	session, err := s.mutable(ctx, identity)
	if err != nil {
		return domain.Transaction{}, err
	}
	tx, err := session.Portfolio.Unstake(tokenID)
	notifyOutcome(session.Portfolio, err, "Unstaking", fmt.Sprintf("%s is no longer staked.", tx.Asset))
	return tx, err
}

// RefreshLoanTerms recomputes remaining days for every live session and
// reports how many portfolios changed.
func (s *Service) RefreshLoanTerms(now time.Time) int {
	changed := 0
	s.sessions.Each(func(session *Session) {
		if session.Portfolio.Loaded() && session.Portfolio.RefreshLoanTerms(now) {
			changed++
		}
	})
	return changed
}
