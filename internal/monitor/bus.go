package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/phantomlabs/phantom/internal/domain"
	"github.com/phantomlabs/phantom/internal/observability"
)

const busBufferCap = 1000

// Subscriber consumes product events. Subscribers run on their own
// goroutines; a panicking subscriber is logged and never takes down
// the publisher.
type Subscriber func(ctx context.Context, ev domain.ProductEvent)

// Bus fans product events out to subscribers and keeps a bounded ring of
// recent events for inspection endpoints.
type Bus struct {
	mu     sync.RWMutex
	subs   []Subscriber
	recent []domain.ProductEvent // newest last, bounded by busBufferCap
}

// NewBus returns an empty bus.
func NewBus() *Bus { return &Bus{} }

// Subscribe registers a consumer for all future events.
func (b *Bus) Subscribe(fn Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, fn)
}

// Publish records the event and delivers it to every subscriber.
func (b *Bus) Publish(ctx context.Context, ev domain.ProductEvent) {
	b.mu.Lock()
	b.recent = append(b.recent, ev)
	if len(b.recent) > busBufferCap {
		b.recent = b.recent[len(b.recent)-busBufferCap:]
	}
	subs := make([]Subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	observability.ProductEventEmitted(string(ev.Type))
	for _, fn := range subs {
		go func(fn Subscriber) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("event subscriber panicked",
						slog.String("event_id", ev.ID), slog.Any("panic", r))
				}
			}()
			fn(ctx, ev)
		}(fn)
	}
}

// Recent returns up to limit events, newest first.
func (b *Bus) Recent(limit int) []domain.ProductEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return filterRecent(b.recent, limit, func(domain.ProductEvent) bool { return true })
}

// HighPriority returns up to limit high-priority events, newest first.
func (b *Bus) HighPriority(limit int) []domain.ProductEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return filterRecent(b.recent, limit, func(ev domain.ProductEvent) bool {
		return ev.Priority == domain.PriorityHigh
	})
}

// RestockHistory returns restock events observed since the cutoff,
// newest first.
func (b *Bus) RestockHistory(since time.Time) []domain.ProductEvent {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return filterRecent(b.recent, len(b.recent), func(ev domain.ProductEvent) bool {
		return ev.Type == domain.EventRestock && ev.Timestamp.After(since)
	})
}

func filterRecent(events []domain.ProductEvent, limit int, keep func(domain.ProductEvent) bool) []domain.ProductEvent {
	out := make([]domain.ProductEvent, 0, limit)
	for i := len(events) - 1; i >= 0 && len(out) < limit; i-- {
		if keep(events[i]) {
			out = append(out, events[i])
		}
	}
	return out
}
