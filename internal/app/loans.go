package app

import (
	"context"
	"fmt"

	"github.com/transfa/portfolio-service/internal/domain"
)

// QuoteLoan prices an application without changing anything.
func (s *Service) QuoteLoan(ctx context.Context, identity domain.Identity, application domain.LoanApplication) (domain.LoanQuote, error) {
	session, err := s.session(ctx, identity)
	if err != nil {
		return domain.LoanQuote{}, err
	}
	return session.Portfolio.QuoteLoan(application)
}

// ApplyForLoan opens a loan against a held token.
func (s *Service) ApplyForLoan(ctx context.Context, identity domain.Identity, application domain.LoanApplication) (domain.Loan, error) {
	session, err := s.mutable(ctx, identity)
	if err != nil {
		return domain.Loan{}, err
	}
	loan, err := session.Portfolio.ApplyForLoan(application)
	notifyOutcome(session.Portfolio, err, "Loan", fmt.Sprintf("%s credited to your wallet for %d days at %s%% APR.", money(loan.Amount), loan.TermDays, loan.InterestRate.StringFixed(2)))
	return loan, err
}

// RepayLoan settles a loan from the wallet and releases its collateral.
func (s *Service) RepayLoan(ctx context.Context, identity domain.Identity, loanID string) (domain.Loan, error) {
	session, err := s.mutable(ctx, identity)
	if err != nil {
		return domain.Loan{}, err
	}
	loan, err := session.Portfolio.RepayLoan(loanID)
	notifyOutcome(session.Portfolio, err, "Repayment", fmt.Sprintf("Loan of %s repaid and collateral released.", money(loan.Amount)))
	return loan, err
}

func (s *Service) Loans(ctx context.Context, identity domain.Identity) ([]domain.Loan, error) {
	session, err := s.session(ctx, identity)
	if err != nil {
		return nil, err
	}
	return session.Portfolio.Loans(), nil
}
