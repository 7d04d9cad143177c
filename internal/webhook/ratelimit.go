package webhook

import (
	"math"
	"sync"
	"time"

	"github.com/phantomlabs/phantom/internal/domain"
)

// slidingWindow limits each source to max events per window. Old
// timestamps are evicted on every check.
type slidingWindow struct {
	max    int
	window time.Duration

	mu      sync.Mutex
	sources map[string][]time.Time
	now     func() time.Time
}

func newSlidingWindow(max int, window time.Duration) *slidingWindow {
	return &slidingWindow{
		max:     max,
		window:  window,
		sources: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// allow records one event for the source, or rejects with the seconds to
// wait until the oldest in-window entry expires.
func (w *slidingWindow) allow(source string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	cutoff := now.Add(-w.window)
	kept := w.sources[source][:0]
	for _, ts := range w.sources[source] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	w.sources[source] = kept

	if len(kept) >= w.max {
		retryAfter := math.Floor(kept[0].Sub(cutoff).Seconds()) + 1
		if retryAfter < 1 {
			retryAfter = 1
		}
		return &domain.RateLimitError{RetryAfter: time.Duration(retryAfter) * time.Second}
	}

	w.sources[source] = append(kept, now)
	return nil
}
