package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/transfa/portfolio-service/internal/domain"
)

func newTestSQLiteRepository(t *testing.T) *SQLiteRepository {
	t.Helper()
	repo, err := NewSQLiteRepository(filepath.Join(t.TempDir(), "portfolio.db"), "portfolio.events")
	if err != nil {
		t.Fatalf("NewSQLiteRepository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestSQLiteRepository_LoadPortfolioNotFound(t *testing.T) {
	repo := newTestSQLiteRepository(t)

	_, err := repo.LoadPortfolio(context.Background(), "user-missing")
	if !errors.Is(err, ErrPortfolioNotFound) {
		t.Fatalf("expected ErrPortfolioNotFound, got %v", err)
	}
}

func TestSQLiteRepository_SavePortfolioUpserts(t *testing.T) {
	repo := newTestSQLiteRepository(t)
	ctx := context.Background()
	loanID := uuid.New()

	first := domain.PortfolioSnapshot{
		IdentityID:    "user-1",
		WalletBalance: decimal.RequireFromString("1500.25"),
		Tokens: []domain.Token{{
			ID:         "DGOLD",
			Name:       "Digital Gold",
			Category:   domain.CategoryCommodity,
			Price:      decimal.RequireFromString("6120"),
			Balance:    decimal.RequireFromString("2.5"),
			Collateral: &domain.CollateralLock{Amount: decimal.RequireFromString("1"), LoanID: loanID.String()},
		}},
		Loans: []domain.Loan{{ID: loanID, Amount: decimal.NewFromInt(4000), CollateralToken: "DGOLD", Status: domain.LoanActive}},
	}
	if err := repo.SavePortfolio(ctx, first); err != nil {
		t.Fatalf("SavePortfolio: %v", err)
	}

	second := first
	second.WalletBalance = decimal.RequireFromString("10")
	second.Tokens = nil
	if err := repo.SavePortfolio(ctx, second); err != nil {
		t.Fatalf("SavePortfolio (update): %v", err)
	}

	loaded, err := repo.LoadPortfolio(ctx, "user-1")
	if err != nil {
		t.Fatalf("LoadPortfolio: %v", err)
	}
	if !loaded.WalletBalance.Equal(decimal.RequireFromString("10")) {
		t.Fatalf("wallet = %s, want 10", loaded.WalletBalance)
	}
	if len(loaded.Tokens) != 0 {
		t.Fatalf("expected update to replace tokens, got %d", len(loaded.Tokens))
	}
	if len(loaded.Loans) != 1 || loaded.Loans[0].ID != loanID {
		t.Fatalf("expected loan to survive, got %+v", loaded.Loans)
	}

	messages, err := repo.ClaimOutboxMessages(ctx, 10, 60)
	if err != nil {
		t.Fatalf("ClaimOutboxMessages: %v", err)
	}
	if len(messages) != 2 || messages[0].RoutingKey != RoutingKeySnapshotSaved {
		t.Fatalf("expected two snapshot events, got %+v", messages)
	}
}

func TestSQLiteRepository_SaveTransactionIsIdempotent(t *testing.T) {
	repo := newTestSQLiteRepository(t)
	ctx := context.Background()

	record := domain.Transaction{
		ID:     uuid.New(),
		Date:   time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC),
		Type:   domain.TransactionBuy,
		Asset:  "Digital Gold",
		Amount: decimal.RequireFromString("0.5"),
		Value:  decimal.RequireFromString("3060"),
		Status: domain.TransactionCompleted,
	}
	for i := 0; i < 2; i++ {
		stored, err := repo.SaveTransaction(ctx, "user-1", record)
		if err != nil {
			t.Fatalf("SaveTransaction attempt %d: %v", i+1, err)
		}
		if stored.ID != record.ID || !stored.Value.Equal(record.Value) || !stored.Date.Equal(record.Date) {
			t.Fatalf("unexpected stored record %+v", stored)
		}
	}

	txs, err := repo.LoadTransactions(ctx, "user-1")
	if err != nil {
		t.Fatalf("LoadTransactions: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("expected one stored transaction, got %d", len(txs))
	}

	messages, err := repo.ClaimOutboxMessages(ctx, 10, 60)
	if err != nil {
		t.Fatalf("ClaimOutboxMessages: %v", err)
	}
	if len(messages) != 1 || messages[0].RoutingKey != RoutingKeyTransactionRecorded {
		t.Fatalf("expected exactly one transaction event, got %+v", messages)
	}

	if _, err := repo.SaveTransaction(ctx, "user-2", record); !errors.Is(err, ErrTransactionConflict) {
		t.Fatalf("expected ErrTransactionConflict for foreign identity, got %v", err)
	}
}

func TestSQLiteRepository_LoadTransactionsNewestFirst(t *testing.T) {
	repo := newTestSQLiteRepository(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		record := domain.Transaction{
			ID:     uuid.New(),
			Date:   base.Add(time.Duration(i) * time.Minute),
			Type:   domain.TransactionDeposit,
			Amount: decimal.NewFromInt(int64(i + 1)),
			Value:  decimal.NewFromInt(int64(i + 1)),
			Status: domain.TransactionCompleted,
		}
		ids = append(ids, record.ID)
		if _, err := repo.SaveTransaction(ctx, "user-1", record); err != nil {
			t.Fatalf("SaveTransaction: %v", err)
		}
	}
	if _, err := repo.SaveTransaction(ctx, "user-2", domain.Transaction{ID: uuid.New(), Date: base, Type: domain.TransactionDeposit, Status: domain.TransactionCompleted}); err != nil {
		t.Fatalf("SaveTransaction other identity: %v", err)
	}

	txs, err := repo.LoadTransactions(ctx, "user-1")
	if err != nil {
		t.Fatalf("LoadTransactions: %v", err)
	}
	if len(txs) != 3 {
		t.Fatalf("expected 3 transactions, got %d", len(txs))
	}
	for i, tx := range txs {
		if tx.ID != ids[len(ids)-1-i] {
			t.Fatalf("position %d holds %s, want %s", i, tx.ID, ids[len(ids)-1-i])
		}
	}
}

func TestSQLiteRepository_OutboxRetryLifecycle(t *testing.T) {
	repo := newTestSQLiteRepository(t)
	ctx := context.Background()
	now := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return now }

	if err := repo.SavePortfolio(ctx, domain.PortfolioSnapshot{IdentityID: "user-1"}); err != nil {
		t.Fatalf("SavePortfolio: %v", err)
	}

	claimed, err := repo.ClaimOutboxMessages(ctx, 10, 60)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("expected one claimed message, got %d (err=%v)", len(claimed), err)
	}
	if claimed[0].Attempts != 1 {
		t.Fatalf("attempts = %d, want 1", claimed[0].Attempts)
	}

	again, err := repo.ClaimOutboxMessages(ctx, 10, 60)
	if err != nil || len(again) != 0 {
		t.Fatalf("expected in-flight message to stay claimed, got %d (err=%v)", len(again), err)
	}

	if err := repo.MarkOutboxFailed(ctx, claimed[0].ID, 30, "broker down"); err != nil {
		t.Fatalf("MarkOutboxFailed: %v", err)
	}
	if early, _ := repo.ClaimOutboxMessages(ctx, 10, 60); len(early) != 0 {
		t.Fatal("expected message to wait for its retry delay")
	}

	now = now.Add(31 * time.Second)
	retried, err := repo.ClaimOutboxMessages(ctx, 10, 60)
	if err != nil || len(retried) != 1 || retried[0].Attempts != 2 {
		t.Fatalf("expected retry with attempts=2, got %+v (err=%v)", retried, err)
	}

	if err := repo.MarkOutboxPublished(ctx, retried[0].ID); err != nil {
		t.Fatalf("MarkOutboxPublished: %v", err)
	}
	now = now.Add(time.Hour)
	if done, _ := repo.ClaimOutboxMessages(ctx, 10, 60); len(done) != 0 {
		t.Fatal("expected published message to never be claimed again")
	}
}
