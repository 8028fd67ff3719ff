package app

import (
	"context"
	"errors"
	"log"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/transfa/portfolio-service/internal/domain"
	"github.com/transfa/portfolio-service/internal/ledger"
	"github.com/transfa/portfolio-service/internal/store"
)

const (
	sessionLoadTimeout = 15 * time.Second

	// minimum gap between load retries of a session that started offline
	sessionReloadInterval = 5 * time.Second
)

// Session is the in-memory ledger of one signed-in identity.
type Session struct {
	Identity  domain.Identity
	Portfolio *ledger.Portfolio

	writer *syncWriter

	loadMu sync.Mutex

	// set while the stored record could not be read; the ledger works in
	// memory but nothing is saved until a later load succeeds
	offline     bool
	lastLoadTry time.Time

	refreshing atomic.Bool
}

// Offline reports whether the session runs on defaults because its stored
// portfolio could not be loaded.
func (s *Session) Offline() bool {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	return s.offline
}

func (s *Session) syncWriter() *syncWriter {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	return s.writer
}

// SessionManager owns the live sessions and their persistence.
type SessionManager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	// identities whose sign-out is still flushing; Open waits on the channel
	closing map[string]chan struct{}

	repo       store.Repository
	cache      store.TransactionCache
	options    ledger.Options
	maxBackoff time.Duration
}

func NewSessionManager(repo store.Repository, cache store.TransactionCache, options ledger.Options, maxBackoff time.Duration) *SessionManager {
	return &SessionManager{
		sessions:   make(map[string]*Session),
		closing:    make(map[string]chan struct{}),
		repo:       repo,
		cache:      cache,
		options:    options,
		maxBackoff: maxBackoff,
	}
}

// Open returns the identity's session, creating and loading it on first use.
func (m *SessionManager) Open(ctx context.Context, identity domain.Identity) (*Session, error) {
	identityID := strings.TrimSpace(identity.ID)
	if identityID == "" {
		return nil, ErrIdentityRequired
	}

	for {
		m.mu.Lock()
		closing, busy := m.closing[identityID]
		if !busy {
			break
		}
		m.mu.Unlock()
		select {
		case <-closing:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	session, ok := m.sessions[identityID]
	if !ok {
		session = &Session{
			Identity:  domain.Identity{ID: identityID, Email: identity.Email},
			Portfolio: ledger.NewPortfolio(identityID, m.options),
		}
		m.sessions[identityID] = session
	} else if identity.Email != "" {
		session.Identity.Email = identity.Email
	}
	m.mu.Unlock()

	m.ensureLoaded(ctx, session)
	return session, nil
}

// Get returns a live session without creating one.
func (m *SessionManager) Get(identityID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[strings.TrimSpace(identityID)]
	return session, ok
}

// ensureLoaded loads the stored snapshot once. A missing record starts an
// empty portfolio. A failing store leaves the session on defaults in
// offline mode and the load is retried on a later Open.
func (m *SessionManager) ensureLoaded(ctx context.Context, session *Session) {
	session.loadMu.Lock()
	defer session.loadMu.Unlock()
	if session.Portfolio.Sealed() || (session.Portfolio.Loaded() && !session.offline) {
		return
	}
	if session.offline && time.Since(session.lastLoadTry) < sessionReloadInterval {
		return
	}

	identityID := session.Portfolio.IdentityID()
	loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sessionLoadTimeout)
	defer cancel()

	session.lastLoadTry = time.Now()
	snapshot, err := m.repo.LoadPortfolio(loadCtx, identityID)
	switch {
	case err == nil:
		session.Portfolio.Load(*snapshot)
		log.Printf("level=info component=session msg=\"portfolio loaded\" identity_id=%s tokens=%d loans=%d", identityID, len(snapshot.Tokens), len(snapshot.Loans))
	case errors.Is(err, store.ErrPortfolioNotFound):
		session.Portfolio.LoadEmpty()
		log.Printf("level=info component=session msg=\"no stored portfolio; starting empty\" identity_id=%s", identityID)
	default:
		if session.offline {
			log.Printf("level=warn component=session msg=\"portfolio reload failed; still offline\" identity_id=%s err=%v", identityID, err)
			return
		}
		session.offline = true
		session.Portfolio.LoadEmpty()
		log.Printf("level=error component=session msg=\"portfolio load failed; running offline on defaults\" identity_id=%s err=%v", identityID, err)
		session.Portfolio.Notify(ledger.Notice{
			Level:   ledger.NoticeError,
			Title:   "Portfolio unavailable",
			Message: "Your saved portfolio could not be loaded. Changes made now will not be saved.",
		})
		return
	}

	if session.offline {
		session.offline = false
		txs, err := m.repo.LoadTransactions(loadCtx, identityID)
		if err != nil {
			txs = nil
		}
		session.Portfolio.ReplaceTransactions(txs)
		log.Printf("level=info component=session msg=\"portfolio reloaded; offline changes discarded\" identity_id=%s history_err=%v", identityID, err)
	}
	if session.writer == nil {
		session.writer = newSyncWriter(session.Portfolio, m.repo, m.cache, m.maxBackoff)
		session.Portfolio.SetPersister(session.writer)
	}
}

// SignOut flushes and clears the identity's ledger and drops the session so
// the next sign-in reloads from the store.
func (m *SessionManager) SignOut(ctx context.Context, identityID string) bool {
	identityID = strings.TrimSpace(identityID)
	m.mu.Lock()
	session, ok := m.sessions[identityID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.sessions, identityID)
	closing := make(chan struct{})
	m.closing[identityID] = closing
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.closing, identityID)
		m.mu.Unlock()
		close(closing)
	}()

	m.shutdown(ctx, session)
	session.Portfolio.Clear()
	session.Portfolio.Close()
	return true
}

// shutdown seals the ledger so no later mutation goes unsaved, then makes
// the final flush.
func (m *SessionManager) shutdown(ctx context.Context, session *Session) {
	session.Portfolio.Seal()

	session.loadMu.Lock()
	writer := session.writer
	session.writer = nil
	session.loadMu.Unlock()
	if writer == nil {
		return
	}

	if err := writer.Close(ctx); err != nil {
		txs, snapshot := writer.Pending()
		log.Printf("level=error component=sync msg=\"final flush failed; unsaved changes dropped\" identity_id=%s pending_transactions=%d pending_snapshot=%t err=%v", session.Portfolio.IdentityID(), txs, snapshot, err)
	}
}

// Each calls fn for every live session.
func (m *SessionManager) Each(fn func(*Session)) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.mu.Unlock()

	for _, session := range sessions {
		fn(session)
	}
}

func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close flushes every session without clearing it.
func (m *SessionManager) Close(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, session := range m.sessions {
		sessions = append(sessions, session)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, session := range sessions {
		m.shutdown(ctx, session)
		session.Portfolio.Close()
	}
}
