/**
 * @description
 * This file sets up the HTTP router for the portfolio-service. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies the
 * shared middleware stack.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: For the web client's cross-origin requests.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// PortfolioRoutes creates and returns a new router for the portfolio service.
func PortfolioRoutes(h *PortfolioHandlers, jwtSecret string, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	h.upgrader = newUpgrader(allowedOrigins)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// The websocket stream is long-lived and must not inherit the request timeout.
	r.With(IdentityAuthMiddleware(jwtSecret)).Get("/portfolio/ws", h.StreamHandler)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Get("/tokens", h.ListTokensHandler)

		r.Group(func(r chi.Router) {
			r.Use(IdentityAuthMiddleware(jwtSecret))

			r.Get("/portfolio", h.GetPortfolioHandler)
			r.Post("/portfolio/session", h.OpenSessionHandler)
			r.Delete("/portfolio/session", h.CloseSessionHandler)

			r.Post("/portfolio/wallet/deposit", h.DepositHandler)
			r.Post("/portfolio/wallet/withdraw", h.WithdrawHandler)

			r.Post("/portfolio/tokens/{tokenID}/buy", h.BuyTokenHandler)
			r.Post("/portfolio/tokens/{tokenID}/sell", h.SellTokenHandler)
			r.Post("/portfolio/tokens/{tokenID}/stake", h.StakeTokenHandler)
			r.Post("/portfolio/tokens/{tokenID}/unstake", h.UnstakeTokenHandler)
			r.Post("/portfolio/swap", h.SwapTokensHandler)

			r.Get("/portfolio/loans", h.ListLoansHandler)
			r.Post("/portfolio/loans/quote", h.QuoteLoanHandler)
			r.Post("/portfolio/loans", h.ApplyForLoanHandler)
			r.Post("/portfolio/loans/{loanID}/repay", h.RepayLoanHandler)

			r.Get("/portfolio/transactions", h.ListTransactionsHandler)
			r.Post("/portfolio/transactions/refresh", h.RefreshTransactionsHandler)
		})
	})

	return r
}
