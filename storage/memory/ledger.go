package memory

import (
	"context"
	"sync"
	"time"

	"github.com/cropdrive/opadvisor/pkg/account"
)

// DefaultLedgerTTL matches the window in which Stripe retries a delivery.
const DefaultLedgerTTL = 72 * time.Hour

// sweepEvery is the number of Record calls between sweeps of expired entries.
const sweepEvery = 100

// Ledger implements account.EventLedger in process memory. Expired entries are
// swept every sweepEvery records so the map stays bounded by the delivery rate.
type Ledger struct {
	mu      sync.Mutex
	entries map[string]time.Time
	records int
	now     func() time.Time
}

var _ account.EventLedger = (*Ledger)(nil)

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Seen implements account.EventLedger
func (l *Ledger) Seen(_ context.Context, eventID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	expiresAt, ok := l.entries[eventID]
	if !ok {
		return false, nil
	}
	if !l.now().Before(expiresAt) {
		delete(l.entries, eventID)
		return false, nil
	}
	return true, nil
}

// Record implements account.EventLedger
func (l *Ledger) Record(_ context.Context, eventID string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultLedgerTTL
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.records++
	if l.records%sweepEvery == 0 {
		l.sweep(now)
	}
	l.entries[eventID] = now.Add(ttl)
	return nil
}

// Len returns the number of entries held, expired or not.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *Ledger) sweep(now time.Time) {
	for id, expiresAt := range l.entries {
		if !now.Before(expiresAt) {
			delete(l.entries, id)
		}
	}
}
