package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/shopspring/decimal"
	"github.com/transfa/portfolio-service/internal/domain"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS portfolios (
		identity_id TEXT PRIMARY KEY,
		tokens TEXT NOT NULL DEFAULT '[]',
		wallet_balance TEXT NOT NULL DEFAULT '0',
		loans TEXT NOT NULL DEFAULT '[]',
		updated_at INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS portfolio_transactions (
		id TEXT PRIMARY KEY,
		identity_id TEXT NOT NULL,
		type TEXT NOT NULL,
		asset TEXT NOT NULL DEFAULT '',
		to_asset TEXT NOT NULL DEFAULT '',
		amount TEXT NOT NULL,
		value TEXT NOT NULL,
		status TEXT NOT NULL,
		occurred_at INTEGER NOT NULL,
		created_seq INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS idx_portfolio_transactions_identity_date
		ON portfolio_transactions (identity_id, occurred_at DESC)`,
	`CREATE TABLE IF NOT EXISTS event_outbox (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		exchange TEXT NOT NULL,
		routing_key TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at INTEGER NOT NULL,
		processing_started_at INTEGER,
		published_at INTEGER,
		last_error TEXT
	)`,
}

// SQLiteRepository implements Repository on a local SQLite file. It backs local
// runs and tests where no PostgreSQL server is available.
type SQLiteRepository struct {
	db       *sql.DB
	exchange string
	now      func() time.Time
}

// NewSQLiteRepository opens (or creates) the database at path with WAL enabled.
func NewSQLiteRepository(path, exchange string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %s: %w", pragma, err)
		}
	}
	for _, stmt := range sqliteSchema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply schema: %w", err)
		}
	}

	return &SQLiteRepository{db: db, exchange: strings.TrimSpace(exchange), now: time.Now}, nil
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func (r *SQLiteRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *SQLiteRepository) LoadPortfolio(ctx context.Context, identityID string) (*domain.PortfolioSnapshot, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return nil, ErrIdentityRequired
	}

	var (
		tokensJSON, balance, loansJSON string
		updatedAt                      int64
	)
	err := r.db.QueryRowContext(ctx,
		"SELECT tokens, wallet_balance, loans, updated_at FROM portfolios WHERE identity_id = ?",
		identityID,
	).Scan(&tokensJSON, &balance, &loansJSON, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPortfolioNotFound
		}
		return nil, err
	}

	snapshot := domain.PortfolioSnapshot{IdentityID: identityID, UpdatedAt: time.Unix(0, updatedAt).UTC()}
	if err := decodeSnapshotColumns(&snapshot, []byte(tokensJSON), balance, []byte(loansJSON)); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (r *SQLiteRepository) SavePortfolio(ctx context.Context, snapshot domain.PortfolioSnapshot) error {
	snapshot.IdentityID = strings.TrimSpace(snapshot.IdentityID)
	if snapshot.IdentityID == "" {
		return ErrIdentityRequired
	}
	if snapshot.UpdatedAt.IsZero() {
		snapshot.UpdatedAt = r.now().UTC()
	}
	tokensJSON, loansJSON, err := encodeSnapshotColumns(snapshot)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO portfolios (identity_id, tokens, wallet_balance, loans, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(identity_id) DO UPDATE SET
			tokens=excluded.tokens,
			wallet_balance=excluded.wallet_balance,
			loans=excluded.loans,
			updated_at=excluded.updated_at`,
		snapshot.IdentityID, string(tokensJSON), snapshot.WalletBalance.String(), string(loansJSON), snapshot.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("upsert portfolio: %w", err)
	}
	if err := r.enqueueEventTx(ctx, tx, RoutingKeySnapshotSaved, snapshotSavedEvent(snapshot)); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *SQLiteRepository) LoadTransactions(ctx context.Context, identityID string) ([]domain.Transaction, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return nil, ErrIdentityRequired
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT id, occurred_at, type, asset, to_asset, amount, value, status
		FROM portfolio_transactions
		WHERE identity_id = ?
		ORDER BY occurred_at DESC, created_seq DESC`,
		identityID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []domain.Transaction
	for rows.Next() {
		tx, err := scanSQLiteTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func (r *SQLiteRepository) SaveTransaction(ctx context.Context, identityID string, record domain.Transaction) (*domain.Transaction, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return nil, ErrIdentityRequired
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO portfolio_transactions (id, identity_id, type, asset, to_asset, amount, value, status, occurred_at, created_seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(created_seq), 0) + 1 FROM portfolio_transactions))
		ON CONFLICT(id) DO NOTHING`,
		record.ID.String(), identityID, string(record.Type), record.Asset, record.ToAsset,
		record.Amount.String(), record.Value.String(), string(record.Status), record.Date.UTC().UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	if inserted, _ := res.RowsAffected(); inserted == 1 {
		event := domain.TransactionRecordedEvent{IdentityID: identityID, Transaction: record, RecordedAt: r.now().UTC()}
		if err := r.enqueueEventTx(ctx, tx, RoutingKeyTransactionRecorded, event); err != nil {
			return nil, err
		}
	}

	var owner string
	row := tx.QueryRowContext(ctx,
		`SELECT identity_id, id, occurred_at, type, asset, to_asset, amount, value, status
		FROM portfolio_transactions WHERE id = ?`,
		record.ID.String(),
	)
	stored, err := scanSQLiteTransaction(ownerScanner{row: row, owner: &owner})
	if err != nil {
		return nil, err
	}
	if owner != identityID {
		return nil, ErrTransactionConflict
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &stored, nil
}

func (r *SQLiteRepository) ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	if staleAfterSeconds <= 0 {
		staleAfterSeconds = 120
	}
	now := r.now().UTC()
	staleBefore := now.Add(-time.Duration(staleAfterSeconds) * time.Second).UnixNano()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, exchange, routing_key, payload, attempts
		FROM event_outbox
		WHERE (status = 'pending' AND next_attempt_at <= ?)
			OR (status = 'processing' AND processing_started_at < ?)
		ORDER BY id
		LIMIT ?`,
		now.UnixNano(), staleBefore, limit,
	)
	if err != nil {
		return nil, err
	}
	messages := make([]OutboxMessage, 0, limit)
	for rows.Next() {
		var (
			msg     OutboxMessage
			payload string
		)
		if err := rows.Scan(&msg.ID, &msg.Exchange, &msg.RoutingKey, &payload, &msg.Attempts); err != nil {
			rows.Close()
			return nil, err
		}
		msg.Payload = []byte(payload)
		msg.Attempts++
		messages = append(messages, msg)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, msg := range messages {
		if _, err := tx.ExecContext(ctx,
			`UPDATE event_outbox SET status = 'processing', processing_started_at = ?, attempts = ? WHERE id = ?`,
			now.UnixNano(), msg.Attempts, msg.ID,
		); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return messages, nil
}

func (r *SQLiteRepository) MarkOutboxPublished(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE event_outbox
		SET status = 'published', published_at = ?, processing_started_at = NULL, last_error = NULL
		WHERE id = ?`,
		r.now().UTC().UnixNano(), id,
	)
	return err
}

func (r *SQLiteRepository) MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	next := r.now().UTC().Add(time.Duration(retryAfterSeconds) * time.Second).UnixNano()
	_, err := r.db.ExecContext(ctx,
		`UPDATE event_outbox
		SET status = 'pending', next_attempt_at = ?, processing_started_at = NULL, last_error = ?
		WHERE id = ?`,
		next, truncateReason(reason), id,
	)
	return err
}

func (r *SQLiteRepository) enqueueEventTx(ctx context.Context, tx *sql.Tx, routingKey string, payload interface{}) error {
	if r.exchange == "" {
		return nil
	}
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO event_outbox (exchange, routing_key, payload, next_attempt_at) VALUES (?, ?, ?, ?)",
		r.exchange, routingKey, string(blob), r.now().UTC().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue outbox event: %w", err)
	}
	return nil
}

func scanSQLiteTransaction(row rowScanner) (domain.Transaction, error) {
	var (
		tx             domain.Transaction
		occurredAt     int64
		txType, status string
		amount, value  string
	)
	if err := row.Scan(&tx.ID, &occurredAt, &txType, &tx.Asset, &tx.ToAsset, &amount, &value, &status); err != nil {
		return domain.Transaction{}, err
	}
	tx.Date = time.Unix(0, occurredAt).UTC()
	tx.Type = domain.TransactionType(txType)
	tx.Status = domain.TransactionStatus(status)

	var err error
	if tx.Amount, err = decimal.NewFromString(amount); err != nil {
		return domain.Transaction{}, fmt.Errorf("decode amount of %s: %w", tx.ID, err)
	}
	if tx.Value, err = decimal.NewFromString(value); err != nil {
		return domain.Transaction{}, fmt.Errorf("decode value of %s: %w", tx.ID, err)
	}
	return tx, nil
}
