package ledger

import (
	"sync"
	"time"
)

// Change names the part of a portfolio an event touched.
type Change string

const (
	ChangeWallet       Change = "wallet"
	ChangeTokens       Change = "tokens"
	ChangeTransactions Change = "transactions"
	ChangeLoans        Change = "loans"
	ChangeLoaded       Change = "loaded"
	ChangeCleared      Change = "cleared"
)

type NoticeLevel string

const (
	NoticeInfo    NoticeLevel = "info"
	NoticeSuccess NoticeLevel = "success"
	NoticeError   NoticeLevel = "error"
)

// Notice is a transient, user-facing message.
type Notice struct {
	Level   NoticeLevel `json:"level"`
	Title   string      `json:"title"`
	Message string      `json:"message"`
}

// Event is delivered to subscribers after every state change or notice.
type Event struct {
	IdentityID string    `json:"identity_id"`
	Changes    []Change  `json:"changes,omitempty"`
	Notice     *Notice   `json:"notice,omitempty"`
	At         time.Time `json:"at"`
}

type notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
}

func newNotifier() *notifier {
	return &notifier{subs: make(map[int]chan Event)}
}

func (n *notifier) subscribe(buffer int) (<-chan Event, func()) {
	if buffer < 1 {
		buffer = 16
	}
	ch := make(chan Event, buffer)

	n.mu.Lock()
	id := n.nextID
	n.nextID++
	n.subs[id] = ch
	n.mu.Unlock()

	cancel := func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		if sub, ok := n.subs[id]; ok {
			delete(n.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// publish never blocks; a subscriber with a full buffer misses the event.
func (n *notifier) publish(ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (n *notifier) closeAll() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id, ch := range n.subs {
		delete(n.subs, id)
		close(ch)
	}
}
