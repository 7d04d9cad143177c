package monitor

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/phantomlabs/phantom/internal/domain"
	"github.com/phantomlabs/phantom/internal/observability"
)

// Status is the lifecycle state of one monitor loop.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusStarting    Status = "starting"
	StatusRunning     Status = "running"
	StatusFound       Status = "found"
	StatusError       Status = "error"
	StatusStopped     Status = "stopped"
	StatusRateLimited Status = "rate_limited"
)

// Result is what one Source.Check poll produced.
type Result struct {
	Products    []domain.Product
	RateLimited bool
}

// Source polls one store and returns normalized product observations.
type Source interface {
	Name() string
	Check(ctx context.Context) (Result, error)
}

// Config parameterizes one monitor.
type Config struct {
	SiteName   string        `validate:"required"`
	SiteURL    string        `validate:"required,url"`
	Keywords   string
	Delay      time.Duration
	ErrorDelay time.Duration
	WebhookURL string
	ProxyGroup string
	Enabled    bool
}

func (c *Config) defaults() {
	if c.Delay <= 0 {
		c.Delay = 3 * time.Second
	}
	if c.ErrorDelay <= 0 {
		c.ErrorDelay = 5 * time.Second
	}
}

// Monitor runs one polling loop over a source, deduplicates observations by
// fingerprint, matches keywords and publishes classified events on the bus.
type Monitor struct {
	cfg      Config
	source   Source
	keywords KeywordSet
	bus      *Bus
	oracle   domain.PriceOracle

	mu            sync.Mutex
	status        Status
	statusMessage string
	checkCount    int
	errorCount    int
	lastCheck     time.Time
	seen          map[string]string         // product url -> fingerprint
	last          map[string]domain.Product // product url -> last observation
	cancel        context.CancelFunc
	done          chan struct{}
}

// New builds a monitor over a source.
func New(cfg Config, source Source, bus *Bus) *Monitor {
	cfg.defaults()
	return &Monitor{
		cfg:      cfg,
		source:   source,
		keywords: ParseKeywords(cfg.Keywords),
		bus:      bus,
		oracle:   domain.NopPriceOracle{},
		status:   StatusIdle,
		seen:     make(map[string]string),
		last:     make(map[string]domain.Product),
	}
}

// SetOracle installs a resale-price oracle consulted when ranking events.
// Must be called before Start.
func (m *Monitor) SetOracle(o domain.PriceOracle) {
	if o == nil {
		o = domain.NopPriceOracle{}
	}
	m.oracle = o
}

// Start launches the polling loop. Idempotent while running.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	m.setStatus(StatusStarting, "initializing")
	go m.loop(loopCtx)
	slog.Info("monitor started", slog.String("site", m.cfg.SiteName))
}

// Stop halts the loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.setStatus(StatusStopped, "stopped")
	slog.Info("monitor stopped", slog.String("site", m.cfg.SiteName))
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)
	m.setStatus(StatusRunning, "monitoring")

	for {
		if ctx.Err() != nil {
			return
		}
		res, err := m.source.Check(ctx)

		m.mu.Lock()
		m.checkCount++
		m.lastCheck = time.Now()
		m.mu.Unlock()

		var delay time.Duration
		switch {
		case err != nil:
			m.mu.Lock()
			m.errorCount++
			m.mu.Unlock()
			m.setStatus(StatusError, err.Error())
			observability.MonitorTick(m.cfg.SiteName, "error")
			delay = m.cfg.ErrorDelay
		case res.RateLimited:
			m.mu.Lock()
			m.errorCount++
			m.mu.Unlock()
			m.setStatus(StatusRateLimited, "rate limited, backing off")
			observability.MonitorTick(m.cfg.SiteName, "rate_limited")
			delay = 2 * m.cfg.ErrorDelay
		default:
			m.mu.Lock()
			m.errorCount = 0
			recovered := m.status == StatusError || m.status == StatusRateLimited
			m.mu.Unlock()
			if recovered {
				m.setStatus(StatusRunning, "monitoring")
			}
			for _, p := range res.Products {
				m.observe(ctx, p)
			}
			observability.MonitorTick(m.cfg.SiteName, "ok")
			delay = m.cfg.Delay
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// observe folds one observation into the seen state and publishes an event
// when the fingerprint moved and the keywords match.
func (m *Monitor) observe(ctx context.Context, p domain.Product) {
	fp := p.Fingerprint()

	m.mu.Lock()
	prevFP, seenBefore := m.seen[p.URL]
	if seenBefore && prevFP == fp {
		m.mu.Unlock()
		return
	}
	prev := m.last[p.URL]
	m.seen[p.URL] = fp
	m.last[p.URL] = p
	m.mu.Unlock()

	matched, confidence := m.keywords.Match(p.Title, p.SKU, "")
	if !matched {
		return
	}

	evType := classify(seenBefore, prev, p)
	priority := priorityFor(confidence)
	// A resale estimate at or above twice retail outranks the keyword score.
	if est, err := m.oracle.Estimate(ctx, p.SKU, p.Title); err == nil && p.Price > 0 && est >= 2*p.Price {
		priority = domain.PriorityHigh
	}
	ev := domain.ProductEvent{
		ID:        ulid.Make().String(),
		Type:      evType,
		Source:    m.source.Name(),
		StoreName: m.cfg.SiteName,
		StoreURL:  m.cfg.SiteURL,
		Product:   p,
		Match:     domain.MatchResult{Matched: true, Confidence: confidence},
		Priority:  priority,
		Timestamp: time.Now(),
	}

	slog.Info("product found",
		slog.String("site", m.cfg.SiteName),
		slog.String("title", p.Title),
		slog.String("type", string(evType)),
		slog.Any("sizes", p.Sizes),
		slog.Float64("confidence", confidence))

	m.setStatus(StatusFound, "found: "+p.Title)
	m.bus.Publish(ctx, ev)
}

// classify names what changed between the previous and current observation.
func classify(seenBefore bool, prev, cur domain.Product) domain.EventType {
	if !seenBefore {
		return domain.EventNewProduct
	}
	if (!prev.Available || len(prev.Sizes) == 0) && len(cur.Sizes) > 0 {
		return domain.EventRestock
	}
	if len(cur.Sizes) > 0 && disjoint(prev.Sizes, cur.Sizes) {
		return domain.EventSizeChange
	}
	if prev.Price != cur.Price {
		return domain.EventPriceChange
	}
	return domain.EventSizeChange
}

func disjoint(a, b []string) bool {
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := set[s]; ok {
			return false
		}
	}
	return true
}

func priorityFor(confidence float64) domain.EventPriority {
	switch {
	case confidence >= 0.9:
		return domain.PriorityHigh
	case confidence >= 0.6:
		return domain.PriorityMedium
	default:
		return domain.PriorityLow
	}
}

func (m *Monitor) setStatus(status Status, message string) {
	m.mu.Lock()
	m.status = status
	m.statusMessage = message
	m.mu.Unlock()
}

// Stats summarizes one monitor.
type Stats struct {
	Site          string    `json:"site"`
	Status        Status    `json:"status"`
	StatusMessage string    `json:"status_message"`
	Running       bool      `json:"running"`
	CheckCount    int       `json:"check_count"`
	ErrorCount    int       `json:"error_count"`
	ProductsSeen  int       `json:"products_seen"`
	LastCheck     time.Time `json:"last_check,omitempty"`
}

// Stats returns a point-in-time summary.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		Site:          m.cfg.SiteName,
		Status:        m.status,
		StatusMessage: m.statusMessage,
		Running:       m.cancel != nil,
		CheckCount:    m.checkCount,
		ErrorCount:    m.errorCount,
		ProductsSeen:  len(m.seen),
		LastCheck:     m.lastCheck,
	}
}
