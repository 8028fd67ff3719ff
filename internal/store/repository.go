/**
 * @description
 * This file defines the `Repository` interface, the contract for every persistence
 * operation the portfolio-service needs. The ledger itself lives in memory; the
 * repository stores snapshots of it, the append-only transaction history and the
 * outbox of events waiting to be published.
 *
 * @dependencies
 * - context, errors: Standard Go libraries.
 * - github.com/google/uuid: For event ids.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/transfa/portfolio-service/internal/domain"
)

var (
	ErrPortfolioNotFound   = errors.New("portfolio not found")
	ErrIdentityRequired    = errors.New("identity id is required")
	ErrTransactionConflict = errors.New("transaction id belongs to another identity")
)

// Routing keys of the events enqueued alongside writes.
const (
	RoutingKeyTransactionRecorded = "portfolio.transaction.recorded"
	RoutingKeySnapshotSaved       = "portfolio.snapshot.saved"
)

// OutboxMessage is an event waiting to be published to the broker.
type OutboxMessage struct {
	ID         int64
	Exchange   string
	RoutingKey string
	Payload    []byte
	Attempts   int
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Portfolio snapshot methods
	LoadPortfolio(ctx context.Context, identityID string) (*domain.PortfolioSnapshot, error)
	SavePortfolio(ctx context.Context, snapshot domain.PortfolioSnapshot) error

	// Transaction history methods
	LoadTransactions(ctx context.Context, identityID string) ([]domain.Transaction, error)
	SaveTransaction(ctx context.Context, identityID string, tx domain.Transaction) (*domain.Transaction, error)

	// Outbox methods
	ClaimOutboxMessages(ctx context.Context, limit int, staleAfterSeconds int) ([]OutboxMessage, error)
	MarkOutboxPublished(ctx context.Context, id int64) error
	MarkOutboxFailed(ctx context.Context, id int64, retryAfterSeconds int, reason string) error

	Ping(ctx context.Context) error
}

func snapshotSavedEvent(snapshot domain.PortfolioSnapshot) domain.SnapshotSavedEvent {
	active := 0
	for _, loan := range snapshot.Loans {
		if loan.IsActive() {
			active++
		}
	}
	return domain.SnapshotSavedEvent{
		EventID:       uuid.New(),
		IdentityID:    snapshot.IdentityID,
		WalletBalance: snapshot.WalletBalance,
		TokenCount:    len(snapshot.Tokens),
		ActiveLoans:   active,
		SavedAt:       snapshot.UpdatedAt,
	}
}

func truncateReason(reason string) string {
	if len(reason) > 2000 {
		return reason[:2000]
	}
	return reason
}
