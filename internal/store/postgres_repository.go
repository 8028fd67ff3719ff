/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * Portfolio snapshots are stored as one row per identity with JSONB token and loan
 * columns; transactions are append-only rows; every write enqueues an outbox event
 * in the same database transaction.
 *
 * @dependencies
 * - context, encoding/json, errors, fmt, strings, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - github.com/shopspring/decimal: Exact decimal amounts.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/transfa/portfolio-service/internal/domain"
)

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS portfolios (
		identity_id TEXT PRIMARY KEY,
		tokens JSONB NOT NULL DEFAULT '[]'::jsonb,
		wallet_balance NUMERIC NOT NULL DEFAULT 0,
		loans JSONB NOT NULL DEFAULT '[]'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS portfolio_transactions (
		id UUID PRIMARY KEY,
		identity_id TEXT NOT NULL,
		type TEXT NOT NULL,
		asset TEXT NOT NULL DEFAULT '',
		to_asset TEXT NOT NULL DEFAULT '',
		amount NUMERIC NOT NULL,
		value NUMERIC NOT NULL,
		status TEXT NOT NULL,
		occurred_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_portfolio_transactions_identity_date
		ON portfolio_transactions (identity_id, occurred_at DESC)`,
	`CREATE TABLE IF NOT EXISTS event_outbox (
		id BIGSERIAL PRIMARY KEY,
		exchange TEXT NOT NULL,
		routing_key TEXT NOT NULL,
		payload JSONB NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INT NOT NULL DEFAULT 0,
		next_attempt_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processing_started_at TIMESTAMPTZ,
		published_at TIMESTAMPTZ,
		last_error TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_event_outbox_pending
		ON event_outbox (status, next_attempt_at)`,
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db       *pgxpool.Pool
	exchange string
}

// NewPostgresRepository creates a new instance of PostgresRepository. Events are
// enqueued for the given exchange.
func NewPostgresRepository(db *pgxpool.Pool, exchange string) *PostgresRepository {
	return &PostgresRepository{db: db, exchange: strings.TrimSpace(exchange)}
}

// EnsureSchema creates the tables the service needs when they are missing.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range postgresSchema {
		if _, err := r.db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

// LoadPortfolio returns the stored snapshot of an identity or ErrPortfolioNotFound.
func (r *PostgresRepository) LoadPortfolio(ctx context.Context, identityID string) (*domain.PortfolioSnapshot, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return nil, ErrIdentityRequired
	}

	var (
		tokensJSON []byte
		loansJSON  []byte
		balance    string
		snapshot   = domain.PortfolioSnapshot{IdentityID: identityID}
	)
	err := r.db.QueryRow(ctx, `
		SELECT tokens::text, wallet_balance::text, loans::text, updated_at
		FROM portfolios
		WHERE identity_id = $1
	`, identityID).Scan(&tokensJSON, &balance, &loansJSON, &snapshot.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPortfolioNotFound
		}
		return nil, err
	}

	if err := decodeSnapshotColumns(&snapshot, tokensJSON, balance, loansJSON); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// SavePortfolio upserts the snapshot of an identity.
func (r *PostgresRepository) SavePortfolio(ctx context.Context, snapshot domain.PortfolioSnapshot) error {
	snapshot.IdentityID = strings.TrimSpace(snapshot.IdentityID)
	if snapshot.IdentityID == "" {
		return ErrIdentityRequired
	}
	if snapshot.UpdatedAt.IsZero() {
		snapshot.UpdatedAt = time.Now().UTC()
	}
	tokensJSON, loansJSON, err := encodeSnapshotColumns(snapshot)
	if err != nil {
		return err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO portfolios (identity_id, tokens, wallet_balance, loans, updated_at)
		VALUES ($1, $2::jsonb, $3::numeric, $4::jsonb, $5)
		ON CONFLICT (identity_id)
		DO UPDATE SET tokens = EXCLUDED.tokens,
			wallet_balance = EXCLUDED.wallet_balance,
			loans = EXCLUDED.loans,
			updated_at = EXCLUDED.updated_at
	`, snapshot.IdentityID, string(tokensJSON), snapshot.WalletBalance.String(), string(loansJSON), snapshot.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert portfolio: %w", err)
	}

	if err := r.enqueueEventTx(ctx, tx, RoutingKeySnapshotSaved, snapshotSavedEvent(snapshot)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// LoadTransactions returns the identity's history, newest first.
func (r *PostgresRepository) LoadTransactions(ctx context.Context, identityID string) ([]domain.Transaction, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return nil, ErrIdentityRequired
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, occurred_at, type, asset, to_asset, amount::text, value::text, status
		FROM portfolio_transactions
		WHERE identity_id = $1
		ORDER BY occurred_at DESC, created_at DESC
	`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

// SaveTransaction inserts a transaction. Re-sending the same id is a no-op that
// returns the stored record.
func (r *PostgresRepository) SaveTransaction(ctx context.Context, identityID string, record domain.Transaction) (*domain.Transaction, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return nil, ErrIdentityRequired
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO portfolio_transactions (id, identity_id, type, asset, to_asset, amount, value, status, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`, record.ID, identityID, string(record.Type), record.Asset, record.ToAsset,
		record.Amount.String(), record.Value.String(), string(record.Status), record.Date.UTC())
	if err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}

	if tag.RowsAffected() == 1 {
		event := domain.TransactionRecordedEvent{IdentityID: identityID, Transaction: record, RecordedAt: time.Now().UTC()}
		if err := r.enqueueEventTx(ctx, tx, RoutingKeyTransactionRecorded, event); err != nil {
			return nil, err
		}
	}

	var owner string
	row := tx.QueryRow(ctx, `
		SELECT identity_id, id, occurred_at, type, asset, to_asset, amount::text, value::text, status
		FROM portfolio_transactions
		WHERE id = $1
	`, record.ID)
	stored, err := scanTransaction(ownerScanner{row: row, owner: &owner})
	if err != nil {
		return nil, err
	}
	if owner != identityID {
		return nil, ErrTransactionConflict
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (r *PostgresRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}

	rows, err := r.db.Query(ctx, `
		WITH candidates AS (
			SELECT id
			FROM event_outbox
			WHERE (
				(status = 'pending' AND next_attempt_at <= NOW())
				OR (status = 'processing' AND processing_started_at < NOW() - ($2 * INTERVAL '1 second'))
			)
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE event_outbox AS o
		SET status = 'processing',
			processing_started_at = NOW(),
			attempts = o.attempts + 1
		FROM candidates
		WHERE o.id = candidates.id
		RETURNING o.id, o.exchange, o.routing_key, o.payload::text, o.attempts
	`, limit, staleAfterSeconds)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]OutboxMessage, 0, limit)
	for rows.Next() {
		var (
			msg         OutboxMessage
			payloadText string
		)
		if err := rows.Scan(&msg.ID, &msg.Exchange, &msg.RoutingKey, &payloadText, &msg.Attempts); err != nil {
			return nil, err
		}
		msg.Payload = []byte(payloadText)
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func (r *PostgresRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'published',
			published_at = NOW(),
			processing_started_at = NULL,
			last_error = NULL
		WHERE id = $1
	`, id)
	return err
}

func (r *PostgresRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	_, err := r.db.Exec(ctx, `
		UPDATE event_outbox
		SET status = 'pending',
			next_attempt_at = NOW() + ($2 * INTERVAL '1 second'),
			processing_started_at = NULL,
			last_error = $3
		WHERE id = $1
	`, id, retryAfterSeconds, truncateReason(reason))
	return err
}

func (r *PostgresRepository) enqueueEventTx(ctx context.Context, tx pgx.Tx, routingKey string, payload interface{}) error {
	if r.exchange == "" {
		return nil
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO event_outbox (exchange, routing_key, payload)
		VALUES ($1, $2, $3::jsonb)
	`, r.exchange, routingKey, string(blob))
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

// ownerScanner prepends the identity_id column to a transaction scan.
type ownerScanner struct {
	row   rowScanner
	owner *string
}

func (s ownerScanner) Scan(dest ...any) error {
	return s.row.Scan(append([]any{s.owner}, dest...)...)
}

func scanTransaction(row rowScanner) (domain.Transaction, error) {
	var (
		tx             domain.Transaction
		txType, status string
		amount, value  string
	)
	if err := row.Scan(&tx.ID, &tx.Date, &txType, &tx.Asset, &tx.ToAsset, &amount, &value, &status); err != nil {
		return domain.Transaction{}, err
	}
	tx.Type = domain.TransactionType(txType)
	tx.Status = domain.TransactionStatus(status)
	tx.Date = tx.Date.UTC()

	var err error
	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return domain.Transaction{}, fmt.Errorf("decode amount of %s: %w", tx.ID, err)
	}
	if tx.Value, err = decimal.NewFromString(value); err != nil {
		return domain.Transaction{}, fmt.Errorf("decode value of %s: %w", tx.ID, err)
	}
	return tx, nil
}

func encodeSnapshotColumns(snapshot domain.PortfolioSnapshot) ([]byte, []byte, error) {
	tokens := snapshot.Tokens
	if tokens == nil {
		tokens = []domain.Token{}
	}
	loans := snapshot.Loans
	if loans == nil {
		loans = []domain.Loan{}
	}
	tokensJSON, err := json.Marshal(tokens)
	if err != nil {
		return nil, nil, fmt.Errorf("encode tokens: %w", err)
	}
	loansJSON, err := json.Marshal(loans)
	if err != nil {
		return nil, nil, fmt.Errorf("encode loans: %w", err)
	}
	return tokensJSON, loansJSON, nil
}

func decodeSnapshotColumns(snapshot *domain.PortfolioSnapshot, tokensJSON []byte, balance string, loansJSON []byte) error {
	if err := json.Unmarshal(tokensJSON, &snapshot.Tokens); err != nil {
		return fmt.Errorf("decode tokens: %w", err)
	}
	if len(loansJSON) > 0 {
		if err := json.Unmarshal(loansJSON, &snapshot.Loans); err != nil {
			return fmt.Errorf("decode loans: %w", err)
		}
	}
	walletBalance, err := decimal.NewFromString(strings.TrimSpace(balance))
	if err != nil {
		return fmt.Errorf("decode wallet balance: %w", err)
	}
	snapshot.WalletBalance = walletBalance
	return nil
}
