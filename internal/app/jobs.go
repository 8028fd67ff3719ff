package app

import (
	"log/slog"
	"time"
)

// LoanTermRefresher recomputes loan remaining days for live portfolios.
type LoanTermRefresher interface {
	RefreshLoanTerms(now time.Time) int
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	loans  LoanTermRefresher
	logger *slog.Logger
	now    func() time.Time
}

// NewJobs creates a new Jobs runner.
func NewJobs(loans LoanTermRefresher, logger *slog.Logger) *Jobs {
	return &Jobs{
		loans:  loans,
		logger: logger,
		now:    time.Now,
	}
}

// RefreshLoanTerms updates the display-only remaining days of active loans.
// Maturity triggers nothing else.
func (j *Jobs) RefreshLoanTerms() {
	j.logger.Info("starting loan term refresh job")
	changed := j.loans.RefreshLoanTerms(j.now().UTC())
	j.logger.Info("loan term refresh job finished", "portfolios_updated", changed)
}
