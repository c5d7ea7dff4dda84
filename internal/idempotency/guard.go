// Package idempotency suppresses reprocessing of webhook events that were
// already applied.
//
// MemoryGuard is process-local and best-effort: two instances can both see an
// unseen id. StoreGuard is backed by the processed_events table and is
// authoritative across instances. Layered puts the memory guard in front of
// the store so hot duplicates skip the database.
package idempotency

import (
	"context"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"briefing/internal/types"
)

// Guard reports and records processed event ids.
type Guard interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Record(ctx context.Context, eventID, eventType string) error
}

// DefaultTTL bounds how long the memory guard remembers an id.
const DefaultTTL = 10 * time.Minute

// DefaultSize bounds how many ids the memory guard holds.
const DefaultSize = 10_000

// MemoryGuard is a size- and TTL-bounded cache of recently processed ids.
// Eviction only costs a redundant reconcile, never correctness.
type MemoryGuard struct {
	cache *lru.Cache[string, time.Time]
	ttl   time.Duration
	clock types.Clock
}

// NewMemoryGuard creates a MemoryGuard. Non-positive size or ttl fall back to
// the defaults.
func NewMemoryGuard(size int, ttl time.Duration, clock types.Clock) (*MemoryGuard, error) {
	if size <= 0 {
		size = DefaultSize
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	cache, err := lru.New[string, time.Time](size)
	if err != nil {
		return nil, fmt.Errorf("idempotency cache init: %w", err)
	}
	return &MemoryGuard{cache: cache, ttl: ttl, clock: clock}, nil
}

// Seen reports whether eventID was recorded within the TTL. Expired entries
// are removed on read.
func (g *MemoryGuard) Seen(_ context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, nil
	}
	observedAt, ok := g.cache.Get(eventID)
	if !ok {
		return false, nil
	}
	if g.clock.Now().Sub(observedAt) > g.ttl {
		g.cache.Remove(eventID)
		return false, nil
	}
	return true, nil
}

// Record remembers eventID as of now.
func (g *MemoryGuard) Record(_ context.Context, eventID, _ string) error {
	if eventID == "" {
		return nil
	}
	g.cache.Add(eventID, g.clock.Now())
	return nil
}

// Len returns the number of cached ids, including expired ones not yet read.
func (g *MemoryGuard) Len() int {
	return g.cache.Len()
}

// StoreGuard records event ids in the persistent store.
type StoreGuard struct {
	events types.ProcessedEventRepository
	clock  types.Clock
}

// NewStoreGuard creates a StoreGuard.
func NewStoreGuard(events types.ProcessedEventRepository, clock types.Clock) *StoreGuard {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &StoreGuard{events: events, clock: clock}
}

func (g *StoreGuard) Seen(ctx context.Context, eventID string) (bool, error) {
	return g.events.Exists(ctx, eventID)
}

// Record inserts the id. A concurrent duplicate insert is not an error.
func (g *StoreGuard) Record(ctx context.Context, eventID, eventType string) error {
	_, err := g.events.Insert(ctx, types.ProcessedEvent{
		EventID:    eventID,
		EventType:  eventType,
		ObservedAt: g.clock.Now(),
	})
	return err
}

// PurgeOlderThan deletes records observed more than retention ago.
func (g *StoreGuard) PurgeOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	return g.events.DeleteBefore(ctx, g.clock.Now().Add(-retention))
}

// Layered consults a fast guard before an authoritative one.
type Layered struct {
	fast Guard
	slow Guard
}

// NewLayered creates a Layered guard. slow may be nil for single-instance
// deployments.
func NewLayered(fast, slow Guard) *Layered {
	return &Layered{fast: fast, slow: slow}
}

// Seen checks fast first. A hit in slow back-fills fast.
func (l *Layered) Seen(ctx context.Context, eventID string) (bool, error) {
	if seen, err := l.fast.Seen(ctx, eventID); err != nil || seen {
		return seen, err
	}
	if l.slow == nil {
		return false, nil
	}
	seen, err := l.slow.Seen(ctx, eventID)
	if err != nil {
		return false, err
	}
	if seen {
		_ = l.fast.Record(ctx, eventID, "")
	}
	return seen, nil
}

// Record writes slow then fast, so a failed durable write is never masked by
// the cache.
func (l *Layered) Record(ctx context.Context, eventID, eventType string) error {
	if l.slow != nil {
		if err := l.slow.Record(ctx, eventID, eventType); err != nil {
			return err
		}
	}
	return l.fast.Record(ctx, eventID, eventType)
}
