package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/transfa/portfolio-service/internal/domain"
)

// TransactionCache is a read-through cache of an identity's transaction history.
type TransactionCache interface {
	Get(ctx context.Context, identityID string) ([]domain.Transaction, bool, error)
	Set(ctx context.Context, identityID string, txs []domain.Transaction) error
	Invalidate(ctx context.Context, identityID string) error
}

// RedisTransactionCache stores each identity's history as one JSON value.
type RedisTransactionCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisTransactionCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisTransactionCache {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "portfolio"
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &RedisTransactionCache{client: client, prefix: trimmedPrefix, ttl: ttl}
}

func (c *RedisTransactionCache) key(identityID string) string {
	return fmt.Sprintf("%s:transactions:%s", c.prefix, strings.TrimSpace(identityID))
}

func (c *RedisTransactionCache) Get(ctx context.Context, identityID string) ([]domain.Transaction, bool, error) {
	if c == nil || c.client == nil {
		return nil, false, nil
	}
	raw, err := c.client.Get(ctx, c.key(identityID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var txs []domain.Transaction
	if err := json.Unmarshal(raw, &txs); err != nil {
		return nil, false, fmt.Errorf("decode cached transactions: %w", err)
	}
	return txs, true, nil
}

func (c *RedisTransactionCache) Set(ctx context.Context, identityID string, txs []domain.Transaction) error {
	if c == nil || c.client == nil {
		return nil
	}
	if txs == nil {
		txs = []domain.Transaction{}
	}
	blob, err := json.Marshal(txs)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(identityID), blob, c.ttl).Err()
}

func (c *RedisTransactionCache) Invalidate(ctx context.Context, identityID string) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, c.key(identityID)).Err()
}
