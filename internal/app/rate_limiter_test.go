package app

import (
	"context"
	"testing"
	"time"
)

func TestParseRateLimitResult(t *testing.T) {
	tests := []struct {
		name           string
		raw            interface{}
		wantCount      int
		wantRetryAfter int
		wantErr        bool
	}{
		{name: "first hit in window", raw: []interface{}{int64(1), int64(60000)}, wantCount: 1, wantRetryAfter: 60},
		{name: "partial second rounds up", raw: []interface{}{int64(121), int64(1500)}, wantCount: 121, wantRetryAfter: 2},
		{name: "expiring key waits at least a second", raw: []interface{}{int64(5), int64(0)}, wantCount: 5, wantRetryAfter: 1},
		{name: "missing ttl uses window", raw: []interface{}{int64(2), int64(-1)}, wantCount: 2, wantRetryAfter: 60},
		{name: "wrong shape", raw: "OK", wantErr: true},
		{name: "short reply", raw: []interface{}{int64(1)}, wantErr: true},
		{name: "non-integer count", raw: []interface{}{"1", int64(1000)}, wantErr: true},
		{name: "non-integer ttl", raw: []interface{}{int64(3), "1000"}, wantCount: 3, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			count, retryAfter, err := parseRateLimitResult(tc.raw, 60000)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got count=%d retry=%d", count, retryAfter)
				}
				if count != tc.wantCount {
					t.Fatalf("expected count %d alongside the error, got %d", tc.wantCount, count)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if count != tc.wantCount || retryAfter != tc.wantRetryAfter {
				t.Fatalf("expected (%d, %d), got (%d, %d)", tc.wantCount, tc.wantRetryAfter, count, retryAfter)
			}
		})
	}
}

func TestRedisRateLimiter_AllowsWithoutClient(t *testing.T) {
	var unconfigured *RedisRateLimiter
	if count, retryAfter, err := unconfigured.ConsumeRateLimit(context.Background(), "portfolio_mutation", "user-alice", 10, time.Minute); err != nil || count != 0 || retryAfter != 0 {
		t.Fatalf("expected a nil limiter to allow, got (%d, %d, %v)", count, retryAfter, err)
	}

	limiter := NewRedisRateLimiter(nil, "portfolio:")
	if limiter.prefix != "portfolio:rate_limit" {
		t.Fatalf("unexpected key prefix %q", limiter.prefix)
	}
	if count, _, err := limiter.ConsumeRateLimit(context.Background(), "portfolio_mutation", "user-alice", 10, time.Minute); err != nil || count != 0 {
		t.Fatalf("expected a limiter without a client to allow, got (%d, %v)", count, err)
	}
}
