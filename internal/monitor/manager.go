package monitor

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/phantomlabs/phantom/internal/domain"
)

var validate = validator.New()

// Manager owns a set of monitors sharing one event bus.
type Manager struct {
	bus *Bus

	mu       sync.Mutex
	monitors map[string]*Monitor
}

// NewManager returns a manager publishing on bus.
func NewManager(bus *Bus) *Manager {
	return &Manager{bus: bus, monitors: make(map[string]*Monitor)}
}

// Bus exposes the shared event bus for subscribers.
func (mg *Manager) Bus() *Bus { return mg.bus }

// Add validates the config and registers a monitor under id.
func (mg *Manager) Add(id string, cfg Config, source Source) (*Monitor, error) {
	if err := validate.Struct(&cfg); err != nil {
		return nil, fmt.Errorf("monitor config: %w: %w", domain.ErrInvalidArgument, err)
	}
	m := New(cfg, source, mg.bus)
	mg.mu.Lock()
	mg.monitors[id] = m
	mg.mu.Unlock()
	return m, nil
}

// Remove stops and deletes a monitor.
func (mg *Manager) Remove(id string) {
	mg.mu.Lock()
	m, ok := mg.monitors[id]
	delete(mg.monitors, id)
	mg.mu.Unlock()
	if ok {
		m.Stop()
	}
}

// Start launches one monitor by id.
func (mg *Manager) Start(ctx context.Context, id string) error {
	mg.mu.Lock()
	m, ok := mg.monitors[id]
	mg.mu.Unlock()
	if !ok {
		return fmt.Errorf("monitor %s: %w", id, domain.ErrNotFound)
	}
	m.Start(ctx)
	return nil
}

// Stop halts one monitor by id.
func (mg *Manager) Stop(id string) error {
	mg.mu.Lock()
	m, ok := mg.monitors[id]
	mg.mu.Unlock()
	if !ok {
		return fmt.Errorf("monitor %s: %w", id, domain.ErrNotFound)
	}
	m.Stop()
	return nil
}

// StartAll launches every enabled monitor.
func (mg *Manager) StartAll(ctx context.Context) {
	for _, m := range mg.snapshot() {
		if m.cfg.Enabled {
			m.Start(ctx)
		}
	}
}

// StopAll halts every monitor.
func (mg *Manager) StopAll() {
	for _, m := range mg.snapshot() {
		m.Stop()
	}
}

// Stats returns per-monitor summaries keyed by id.
func (mg *Manager) Stats() map[string]Stats {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	out := make(map[string]Stats, len(mg.monitors))
	for id, m := range mg.monitors {
		out[id] = m.Stats()
	}
	return out
}

func (mg *Manager) snapshot() []*Monitor {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	out := make([]*Monitor, 0, len(mg.monitors))
	for _, m := range mg.monitors {
		out = append(out, m)
	}
	return out
}
