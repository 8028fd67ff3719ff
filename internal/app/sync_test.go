package app

import (
	"context"
	"testing"
	"time"

	"github.com/transfa/portfolio-service/internal/ledger"
)

func newWriterPortfolio(t *testing.T) *ledger.Portfolio {
	t.Helper()
	p := ledger.NewPortfolio(alice.ID, ledger.Options{})
	p.LoadEmpty()
	return p
}

func TestSyncWriterBackoffIsCapped(t *testing.T) {
	w := &syncWriter{baseBackoff: 500 * time.Millisecond, maxBackoff: 5 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: 500 * time.Millisecond},
		{attempt: 1, want: 500 * time.Millisecond},
		{attempt: 2, want: time.Second},
		{attempt: 4, want: 4 * time.Second},
		{attempt: 5, want: 5 * time.Second},
		{attempt: 40, want: 5 * time.Second},
	}
	for _, tc := range tests {
		if got := w.backoff(tc.attempt); got != tc.want {
			t.Fatalf("backoff(%d) = %s, want %s", tc.attempt, got, tc.want)
		}
	}
}

func TestSyncWriterRetriesUntilStored(t *testing.T) {
	repo := newMemoryRepo()
	repo.failSaveTx = 2
	repo.failSavePortfolio = 1
	cache := newMemoryCache()
	p := newWriterPortfolio(t)

	w := newSyncWriter(p, repo, cache, 20*time.Millisecond)
	w.baseBackoff = 5 * time.Millisecond
	p.SetPersister(w)
	defer w.Close(context.Background())

	events, cancel := p.Subscribe(16)
	defer cancel()

	if _, err := p.Deposit(dec("75")); err != nil {
		t.Fatalf("Deposit returned error: %v", err)
	}

	waitFor(t, "retried writes", func() bool {
		s, ok := repo.snapshot(alice.ID)
		return ok && s.WalletBalance.Equal(dec("75")) && repo.storedTransactions(alice.ID) == 1
	})
	if txs, dirty := w.Pending(); txs != 0 || dirty {
		t.Fatalf("expected nothing pending, got txs=%d dirty=%t", txs, dirty)
	}

	cache.mu.Lock()
	invalidated := cache.invalidated
	cache.mu.Unlock()
	if invalidated == 0 {
		t.Fatalf("expected the transaction cache to be invalidated after insert")
	}

	sawFailure := false
	for !sawFailure {
		select {
		case ev := <-events:
			if ev.Notice != nil && ev.Notice.Level == ledger.NoticeError {
				sawFailure = true
			}
		case <-time.After(time.Second):
			t.Fatalf("expected a sync failure notice")
		}
	}
}

func TestSyncWriterSkipsSnapshotOfUnloadedPortfolio(t *testing.T) {
	repo := newMemoryRepo()
	p := newWriterPortfolio(t)
	w := newSyncWriter(p, repo, nil, time.Second)
	defer w.Close(context.Background())

	p.Clear()
	w.SnapshotChanged()
	if err := w.Flush(context.Background()); err != nil {
		t.Fatalf("Flush returned error: %v", err)
	}
	if _, ok := repo.snapshot(alice.ID); ok {
		t.Fatalf("expected no snapshot to be stored for a cleared portfolio")
	}
}

func TestSyncWriterCloseFlushesPendingWrites(t *testing.T) {
	repo := newMemoryRepo()
	p := newWriterPortfolio(t)
	w := newSyncWriter(p, repo, nil, time.Second)

	if _, err := p.Deposit(dec("1")); err != nil {
		t.Fatalf("Deposit returned error: %v", err)
	}
	tx, _ := p.Withdraw(dec("1"))
	w.TransactionRecorded(tx)
	w.SnapshotChanged()

	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}
	if repo.storedTransactions(alice.ID) != 1 {
		t.Fatalf("expected the queued transaction to be stored on close")
	}
	if _, ok := repo.snapshot(alice.ID); !ok {
		t.Fatalf("expected the snapshot to be stored on close")
	}
}
