// Package checkout defines the spine shared by the per-site checkout state
// machines: the input bundle a module receives, the module contract and a
// registry keyed by site type.
package checkout

import (
	"fmt"
	"sync"
	"time"

	"github.com/phantomlabs/phantom/internal/domain"
	"github.com/phantomlabs/phantom/internal/proxy"
)

// StatusFunc reports state-machine progress back to the task owner.
type StatusFunc func(status domain.TaskStatus, message string)

// Input is everything one checkout attempt needs. The attempt binds the
// proxy, the profile and a single browser identity for its whole duration.
type Input struct {
	Task    domain.Task
	Profile domain.Profile
	Proxy   *proxy.Proxy
	Captcha domain.CaptchaSolver // nil when captcha solving is disabled
	Status  StatusFunc           // nil is allowed
}

// Report forwards a status update when a callback is wired.
func (in Input) Report(status domain.TaskStatus, message string) {
	if in.Status != nil {
		in.Status(status, message)
	}
}

// Module drives a purchase for one site family from product search through
// payment confirmation. The returned result is terminal for this attempt;
// retry policy lives with the scheduler, not here.
type Module interface {
	Site() domain.SiteType
	Checkout(ctx domain.Context, in Input) domain.TaskResult
}

// Registry maps site types to their checkout modules.
type Registry struct {
	mu      sync.RWMutex
	modules map[domain.SiteType]Module
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[domain.SiteType]Module)}
}

// Register installs a module, replacing any previous one for the same site.
func (r *Registry) Register(m Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[m.Site()] = m
}

// For resolves the module for a site type.
func (r *Registry) For(site domain.SiteType) (Module, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[site]
	if !ok {
		return nil, fmt.Errorf("checkout module for site %q: %w", site, domain.ErrNotFound)
	}
	return m, nil
}

// Failure builds a non-success result with a human-readable message.
func Failure(msg, checkoutURL string, elapsed time.Duration) domain.TaskResult {
	return domain.TaskResult{
		ErrorMessage: msg,
		CheckoutURL:  checkoutURL,
		Elapsed:      elapsed,
		Timestamp:    time.Now(),
	}
}

// Declined builds a card-decline result.
func Declined(msg, checkoutURL string, elapsed time.Duration) domain.TaskResult {
	r := Failure(msg, checkoutURL, elapsed)
	r.Declined = true
	return r
}
