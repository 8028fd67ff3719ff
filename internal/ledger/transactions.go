package ledger

import (
	"sort"

	"github.com/transfa/portfolio-service/internal/domain"
)

// TransactionLog keeps history newest first.
type TransactionLog struct {
	entries []domain.Transaction
}

func NewTransactionLog() *TransactionLog {
	return &TransactionLog{}
}

// Prepend adds tx at the head of the log.
func (l *TransactionLog) Prepend(tx domain.Transaction) {
	l.entries = append([]domain.Transaction{tx}, l.entries...)
}

// Replace installs a fetched history, ordered by date descending.
func (l *TransactionLog) Replace(txs []domain.Transaction) {
	entries := make([]domain.Transaction, len(txs))
	copy(entries, txs)
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Date.After(entries[j].Date)
	})
	l.entries = entries
}

func (l *TransactionLog) All() []domain.Transaction {
	out := make([]domain.Transaction, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *TransactionLog) Len() int {
	return len(l.entries)
}

func (l *TransactionLog) Reset() {
	l.entries = nil
}
