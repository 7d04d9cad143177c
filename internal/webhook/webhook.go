// Package webhook implements the inbound event pipeline: HMAC
// verification, per-source rate limiting, idempotent delivery,
// normalization, a query ring buffer and async fan-out.
package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/phantomlabs/phantom/internal/domain"
	"github.com/phantomlabs/phantom/internal/observability"
)

const (
	defaultMaxPerWindow = 60
	defaultWindow       = time.Minute
	defaultTTL          = time.Hour
	defaultBufferCap    = 500
)

// Handler consumes an accepted webhook. Handlers run on their own
// goroutines; a panic in one never reaches the others or the caller.
type Handler func(ctx context.Context, ev domain.WebhookReceived)

// Config tunes the ingress pipeline.
type Config struct {
	Secret         string // empty disables signature checks
	MaxPerWindow   int
	Window         time.Duration
	IdempotencyTTL time.Duration
	BufferCap      int
	Sources        map[string]SourceConfig // per-source overrides, by source name
}

// SourceConfig overrides pipeline settings for one source. Zero fields
// fall back to the global Config values.
type SourceConfig struct {
	Secret       string
	MaxPerWindow int
	Window       time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxPerWindow <= 0 {
		c.MaxPerWindow = defaultMaxPerWindow
	}
	if c.Window <= 0 {
		c.Window = defaultWindow
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = defaultTTL
	}
	if c.BufferCap <= 0 {
		c.BufferCap = defaultBufferCap
	}
	return c
}

// Ingress accepts, validates and fans out inbound webhooks.
type Ingress struct {
	cfg  Config
	idem IdempotencyStore

	mu       sync.Mutex
	limiters map[string]*slidingWindow // per source, built on first use
	recent   []domain.WebhookReceived
	handlers []Handler
}

// New builds an ingress. A nil store gets the in-memory one.
func New(cfg Config, idem IdempotencyStore) *Ingress {
	cfg = cfg.withDefaults()
	if idem == nil {
		idem = NewMemoryIdempotency(cfg.IdempotencyTTL)
	}
	return &Ingress{
		cfg:      cfg,
		limiters: make(map[string]*slidingWindow),
		idem:     idem,
	}
}

// sourceConfig resolves effective settings for a source, field by field.
func (i *Ingress) sourceConfig(source string) SourceConfig {
	sc := i.cfg.Sources[source]
	if sc.Secret == "" {
		sc.Secret = i.cfg.Secret
	}
	if sc.MaxPerWindow <= 0 {
		sc.MaxPerWindow = i.cfg.MaxPerWindow
	}
	if sc.Window <= 0 {
		sc.Window = i.cfg.Window
	}
	return sc
}

func (i *Ingress) limiterFor(source string, sc SourceConfig) *slidingWindow {
	i.mu.Lock()
	defer i.mu.Unlock()
	l, ok := i.limiters[source]
	if !ok {
		l = newSlidingWindow(sc.MaxPerWindow, sc.Window)
		i.limiters[source] = l
	}
	return l
}

// Subscribe registers a fan-out handler.
func (i *Ingress) Subscribe(h Handler) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.handlers = append(i.handlers, h)
}

// Receive runs the pipeline for one inbound webhook. The three rejection
// kinds are discriminable: domain.ErrUnauthorized, domain.ErrRateLimited
// (carrying a retry-after) and domain.ErrDuplicate.
func (i *Ingress) Receive(ctx context.Context, source string, payload map[string]any, signature, idemKey string) (domain.WebhookReceived, error) {
	sc := i.sourceConfig(source)
	if sc.Secret != "" {
		if err := verifySignature(sc.Secret, payload, signature); err != nil {
			observability.WebhookObserved(source, "unauthorized")
			return domain.WebhookReceived{}, err
		}
	}

	if err := i.limiterFor(source, sc).allow(source); err != nil {
		observability.WebhookObserved(source, "rate_limited")
		return domain.WebhookReceived{}, fmt.Errorf("webhook source %s: %w", source, err)
	}

	if idemKey != "" {
		fresh, err := i.idem.Claim(ctx, idemKey)
		if err != nil {
			return domain.WebhookReceived{}, err
		}
		if !fresh {
			observability.WebhookObserved(source, "duplicate")
			return domain.WebhookReceived{}, fmt.Errorf("idempotency key %s: %w", idemKey, domain.ErrDuplicate)
		}
	}

	ev := domain.WebhookReceived{
		ID:         ulid.Make().String(),
		Source:     source,
		EventType:  eventType(payload),
		Payload:    payload,
		ReceivedAt: time.Now(),
	}

	i.mu.Lock()
	i.recent = append(i.recent, ev)
	if len(i.recent) > i.cfg.BufferCap {
		i.recent = i.recent[len(i.recent)-i.cfg.BufferCap:]
	}
	handlers := make([]Handler, len(i.handlers))
	copy(handlers, i.handlers)
	i.mu.Unlock()

	observability.WebhookObserved(source, "accepted")
	slog.Debug("webhook accepted",
		slog.String("source", source),
		slog.String("event_type", ev.EventType),
		slog.String("id", ev.ID))

	for _, h := range handlers {
		go func(h Handler) {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("webhook handler panic",
						slog.String("id", ev.ID), slog.Any("panic", r))
				}
			}()
			h(ctx, ev)
		}(h)
	}
	return ev, nil
}

// Recent returns up to n accepted webhooks, newest first.
func (i *Ingress) Recent(n int) []domain.WebhookReceived {
	i.mu.Lock()
	defer i.mu.Unlock()
	if n > len(i.recent) {
		n = len(i.recent)
	}
	out := make([]domain.WebhookReceived, 0, n)
	for j := len(i.recent) - 1; j >= 0 && len(out) < n; j-- {
		out = append(out, i.recent[j])
	}
	return out
}

func eventType(payload map[string]any) string {
	if v, ok := payload["event_type"].(string); ok && v != "" {
		return v
	}
	if v, ok := payload["type"].(string); ok && v != "" {
		return v
	}
	return "unknown"
}
