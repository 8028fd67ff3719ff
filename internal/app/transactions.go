package app

import (
	"context"
	"log"

	"github.com/transfa/portfolio-service/internal/domain"
	"github.com/transfa/portfolio-service/internal/ledger"
)

// Transactions returns the in-memory history, newest first.
func (s *Service) Transactions(ctx context.Context, identity domain.Identity) ([]domain.Transaction, error) {
	session, err := s.session(ctx, identity)
	if err != nil {
		return nil, err
	}
	return session.Portfolio.Transactions(), nil
}

// RefreshTransactions reloads the history from the cache or the store.
// While a refresh is running, overlapping callers get the current list.
func (s *Service) RefreshTransactions(ctx context.Context, identity domain.Identity) ([]domain.Transaction, error) {
	session, err := s.session(ctx, identity)
	if err != nil {
		return nil, err
	}
	return s.refreshTransactions(ctx, session)
}

func (s *Service) refreshTransactions(ctx context.Context, session *Session) ([]domain.Transaction, error) {
	p := session.Portfolio
	if !session.refreshing.CompareAndSwap(false, true) {
		return p.Transactions(), nil
	}
	defer session.refreshing.Store(false)

	identityID := p.IdentityID()
	if s.cache != nil {
		cached, ok, err := s.cache.Get(ctx, identityID)
		if err != nil {
			log.Printf("level=warn component=cache msg=\"transaction cache read failed\" identity_id=%s err=%v", identityID, err)
		} else if ok {
			p.ReplaceTransactions(s.withUnsaved(session, cached))
			return p.Transactions(), nil
		}
	}

	writer := session.syncWriter()
	var generation uint64
	if writer != nil {
		generation = writer.cacheGeneration()
	}

	txs, err := s.repo.LoadTransactions(ctx, identityID)
	if err != nil {
		log.Printf("level=error component=sync msg=\"transaction load failed\" identity_id=%s err=%v", identityID, err)
		p.Notify(ledger.Notice{Level: ledger.NoticeError, Title: "History unavailable", Message: "Your transaction history could not be loaded."})
		return p.Transactions(), err
	}

	current := true
	switch {
	case writer != nil:
		current, err = writer.fillCache(ctx, generation, txs)
	case s.cache != nil:
		err = s.cache.Set(ctx, identityID, txs)
	}
	if err != nil {
		log.Printf("level=warn component=cache msg=\"transaction cache write failed\" identity_id=%s err=%v", identityID, err)
	}

	merged := s.withUnsaved(session, txs)
	if !current {
		// a write landed during the fetch; keep what the ledger already holds
		merged = mergeTransactions(merged, p.Transactions())
	}
	p.ReplaceTransactions(merged)
	return p.Transactions(), nil
}

// withUnsaved keeps local transactions the sync writer has not stored yet.
func (s *Service) withUnsaved(session *Session, stored []domain.Transaction) []domain.Transaction {
	writer := session.syncWriter()
	if writer == nil {
		return stored
	}
	return mergeTransactions(stored, writer.pendingTransactions())
}

// mergeTransactions appends the records of extra whose ids base lacks.
func mergeTransactions(base, extra []domain.Transaction) []domain.Transaction {
	if len(extra) == 0 {
		return base
	}
	seen := make(map[string]struct{}, len(base))
	for _, tx := range base {
		seen[tx.ID.String()] = struct{}{}
	}
	merged := append([]domain.Transaction(nil), base...)
	for _, tx := range extra {
		if _, ok := seen[tx.ID.String()]; !ok {
			merged = append(merged, tx)
		}
	}
	return merged
}
