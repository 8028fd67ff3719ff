package app

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/transfa/portfolio-service/internal/domain"
	"github.com/transfa/portfolio-service/internal/ledger"
	"github.com/transfa/portfolio-service/internal/store"
)

const (
	defaultSyncBaseBackoff = 500 * time.Millisecond
	defaultSyncMaxBackoff  = time.Minute
	syncWriteTimeout       = 15 * time.Second
)

// syncWriter persists one session's ledger in the background. Bursts of
// snapshot changes collapse into a single save of the latest state, and
// failed writes are retried with capped exponential backoff.
type syncWriter struct {
	identityID string
	portfolio  *ledger.Portfolio
	repo       store.Repository
	cache      store.TransactionCache

	baseBackoff time.Duration
	maxBackoff  time.Duration

	mu            sync.Mutex
	pendingTxs    []domain.Transaction
	snapshotDirty bool

	// serializes flushes between the run loop and Flush
	flushMu sync.Mutex

	// cacheGen counts cache invalidations. A history fetched before a bump
	// may miss a stored transaction and must not be cached.
	cacheMu  sync.Mutex
	cacheGen uint64

	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func newSyncWriter(portfolio *ledger.Portfolio, repo store.Repository, cache store.TransactionCache, maxBackoff time.Duration) *syncWriter {
	if maxBackoff <= 0 {
		maxBackoff = defaultSyncMaxBackoff
	}
	w := &syncWriter{
		identityID:  portfolio.IdentityID(),
		portfolio:   portfolio,
		repo:        repo,
		cache:       cache,
		baseBackoff: defaultSyncBaseBackoff,
		maxBackoff:  maxBackoff,
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
	go w.run()
	return w
}

// SnapshotChanged implements ledger.Persister.
func (w *syncWriter) SnapshotChanged() {
	w.mu.Lock()
	w.snapshotDirty = true
	w.mu.Unlock()
	w.signal()
}

// TransactionRecorded implements ledger.Persister.
func (w *syncWriter) TransactionRecorded(tx domain.Transaction) {
	w.mu.Lock()
	w.pendingTxs = append(w.pendingTxs, tx)
	w.mu.Unlock()
	w.signal()
}

func (w *syncWriter) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *syncWriter) run() {
	defer close(w.stopped)
	for {
		select {
		case <-w.done:
			return
		case <-w.wake:
		}

		attempt := 0
		for {
			err := w.Flush(context.Background())
			if err == nil {
				if attempt > 0 {
					log.Printf("level=info component=sync msg=\"sync recovered\" identity_id=%s attempts=%d", w.identityID, attempt+1)
				}
				break
			}
			attempt++
			delay := w.backoff(attempt)
			log.Printf("level=warn component=sync msg=\"sync failed; retrying\" identity_id=%s attempt=%d retry_in=%s err=%v", w.identityID, attempt, delay, err)
			if attempt == 1 {
				w.portfolio.Notify(ledger.Notice{
					Level:   ledger.NoticeError,
					Title:   "Sync failed",
					Message: "Your latest changes could not be saved yet. We will keep retrying.",
				})
			}

			timer := time.NewTimer(delay)
			select {
			case <-w.done:
				timer.Stop()
				return
			case <-timer.C:
			}
		}
	}
}

func (w *syncWriter) backoff(attempt int) time.Duration {
	if attempt < 1 {
		return w.baseBackoff
	}
	delay := w.baseBackoff << minInt(attempt-1, 16)
	if delay <= 0 || delay > w.maxBackoff {
		return w.maxBackoff
	}
	return delay
}

// Flush writes pending transactions, then the latest snapshot when one is due.
func (w *syncWriter) Flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	if err := w.flushTransactions(ctx); err != nil {
		return err
	}
	return w.flushSnapshot(ctx)
}

func (w *syncWriter) flushTransactions(ctx context.Context) error {
	w.mu.Lock()
	batch := append([]domain.Transaction(nil), w.pendingTxs...)
	w.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	saved := 0
	var flushErr error
	for _, tx := range batch {
		writeCtx, cancel := context.WithTimeout(ctx, syncWriteTimeout)
		_, err := w.repo.SaveTransaction(writeCtx, w.identityID, tx)
		cancel()
		if err != nil && !errors.Is(err, store.ErrTransactionConflict) {
			flushErr = err
			break
		}
		if err != nil {
			log.Printf("level=error component=sync msg=\"transaction id already owned by another identity; dropping\" identity_id=%s transaction_id=%s", w.identityID, tx.ID)
		}
		saved++
	}

	w.mu.Lock()
	w.pendingTxs = w.pendingTxs[saved:]
	w.mu.Unlock()

	if saved > 0 {
		w.invalidateCache(ctx)
	}
	return flushErr
}

func (w *syncWriter) invalidateCache(ctx context.Context) {
	w.cacheMu.Lock()
	defer w.cacheMu.Unlock()
	w.cacheGen++
	if w.cache == nil {
		return
	}
	if err := w.cache.Invalidate(ctx, w.identityID); err != nil {
		log.Printf("level=warn component=cache msg=\"failed to invalidate transaction cache\" identity_id=%s err=%v", w.identityID, err)
	}
}

func (w *syncWriter) cacheGeneration() uint64 {
	w.cacheMu.Lock()
	defer w.cacheMu.Unlock()
	return w.cacheGen
}

// fillCache stores a fetched history unless a transaction was written since
// generation was read. It reports whether the history is still current.
func (w *syncWriter) fillCache(ctx context.Context, generation uint64, txs []domain.Transaction) (bool, error) {
	w.cacheMu.Lock()
	defer w.cacheMu.Unlock()
	if generation != w.cacheGen {
		return false, nil
	}
	if w.cache == nil {
		return true, nil
	}
	return true, w.cache.Set(ctx, w.identityID, txs)
}

func (w *syncWriter) flushSnapshot(ctx context.Context) error {
	w.mu.Lock()
	dirty := w.snapshotDirty
	w.snapshotDirty = false
	w.mu.Unlock()
	if !dirty || !w.portfolio.Loaded() {
		return nil
	}

	writeCtx, cancel := context.WithTimeout(ctx, syncWriteTimeout)
	defer cancel()
	if err := w.repo.SavePortfolio(writeCtx, w.portfolio.Snapshot()); err != nil {
		w.mu.Lock()
		w.snapshotDirty = true
		w.mu.Unlock()
		return err
	}
	return nil
}

// Pending reports how many writes are still queued.
func (w *syncWriter) Pending() (transactions int, snapshot bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pendingTxs), w.snapshotDirty
}

func (w *syncWriter) pendingTransactions() []domain.Transaction {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]domain.Transaction(nil), w.pendingTxs...)
}

// Close stops the background loop and makes one last attempt to write
// whatever is still queued.
func (w *syncWriter) Close(ctx context.Context) error {
	w.once.Do(func() { close(w.done) })
	<-w.stopped
	return w.Flush(ctx)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
