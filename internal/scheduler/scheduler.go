// Package scheduler runs checkout tasks under a global concurrency bound,
// per-site request pacing and a bounded retry policy.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/phantomlabs/phantom/internal/domain"
	"github.com/phantomlabs/phantom/internal/observability"
)

const maxBackoff = 30 * time.Second

var validate = validator.New(validator.WithRequiredStructEnabled())

// Handler executes one checkout attempt for a task snapshot.
type Handler func(ctx context.Context, task domain.Task) domain.TaskResult

// Config tunes the scheduler.
type Config struct {
	MaxConcurrent int
	MinSiteDelay  time.Duration
	MaxRetries    int           // default for tasks that leave it unset
	RetryDelay    time.Duration // base backoff for tasks that leave it unset
}

func (c Config) withDefaults() Config {
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = 50
	}
	if c.MinSiteDelay <= 0 {
		c.MinSiteDelay = 500 * time.Millisecond
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	return c
}

// Scheduler owns the task table. All task mutation happens here; callers
// and callbacks receive value snapshots.
type Scheduler struct {
	cfg     Config
	handler Handler
	sem     *semaphore.Weighted

	mu       sync.Mutex
	tasks    map[string]*domain.Task
	cancels  map[string]context.CancelFunc
	limiters map[string]*rate.Limiter
	retries  int

	rngMu sync.Mutex
	rng   *rand.Rand

	onStatus  func(domain.Task)
	onSuccess func(domain.Task)
	notifier  domain.Notifier

	wg sync.WaitGroup
}

// New builds a scheduler around a checkout handler.
func New(cfg Config, handler Handler) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		cfg:      cfg,
		handler:  handler,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		tasks:    make(map[string]*domain.Task),
		cancels:  make(map[string]context.CancelFunc),
		limiters: make(map[string]*rate.Limiter),
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		notifier: domain.NopNotifier{},
	}
}

// SetNotifier routes terminal task outcomes to a notifier.
func (s *Scheduler) SetNotifier(n domain.Notifier) {
	if n == nil {
		n = domain.NopNotifier{}
	}
	s.notifier = n
}

// OnStatusChange registers a callback fired on every status transition.
func (s *Scheduler) OnStatusChange(fn func(domain.Task)) { s.onStatus = fn }

// OnSuccess registers a callback fired once per successful task.
func (s *Scheduler) OnSuccess(fn func(domain.Task)) { s.onSuccess = fn }

// Add validates a config and creates an idle task.
func (s *Scheduler) Add(cfg domain.TaskConfig) (domain.Task, error) {
	if err := validate.Struct(cfg); err != nil {
		return domain.Task{}, fmt.Errorf("task config: %w: %w", domain.ErrInvalidArgument, err)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = s.cfg.MaxRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = s.cfg.RetryDelay
	}

	task := &domain.Task{
		ID:        uuid.NewString(),
		Config:    cfg,
		Status:    domain.StatusIdle,
		CreatedAt: time.Now(),
	}
	s.mu.Lock()
	s.tasks[task.ID] = task
	s.mu.Unlock()

	slog.Info("task added",
		slog.String("task_id", task.ShortID()),
		slog.String("site", cfg.SiteName),
		slog.String("site_type", string(cfg.SiteType)))
	return *task, nil
}

// Get returns a snapshot of one task.
func (s *Scheduler) Get(id string) (domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return domain.Task{}, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	return *t, nil
}

// List returns snapshots of all tasks.
func (s *Scheduler) List() []domain.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, *t)
	}
	return out
}

// Start launches a task. Terminal and already-running tasks are rejected.
func (s *Scheduler) Start(ctx context.Context, id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if _, running := s.cancels[id]; running {
		s.mu.Unlock()
		return fmt.Errorf("task %s already running: %w", t.ShortID(), domain.ErrConflict)
	}
	if t.Status.Terminal() {
		s.mu.Unlock()
		return fmt.Errorf("task %s is terminal: %w", t.ShortID(), domain.ErrConflict)
	}
	taskCtx, cancel := context.WithCancel(ctx)
	s.cancels[id] = cancel
	t.Status = domain.StatusStarting
	t.StatusMessage = "Waiting for slot..."
	t.StartedAt = time.Now()
	snapshot := *t
	s.mu.Unlock()

	s.fireStatus(snapshot)
	s.wg.Add(1)
	go s.run(taskCtx, id)
	return nil
}

// StartAll launches every idle task.
func (s *Scheduler) StartAll(ctx context.Context) {
	for _, t := range s.List() {
		if t.Status == domain.StatusIdle {
			_ = s.Start(ctx, t.ID)
		}
	}
}

// Stop cancels a running task. A sleeping retry is interrupted promptly.
func (s *Scheduler) Stop(id string) error {
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %s not running: %w", id, domain.ErrNotFound)
	}
	cancel()
	return nil
}

// StopAll cancels every running task and returns how many were signaled.
func (s *Scheduler) StopAll() int {
	s.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(s.cancels))
	for _, c := range s.cancels {
		cancels = append(cancels, c)
	}
	s.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	return len(cancels)
}

// Wait blocks until all running tasks have finished.
func (s *Scheduler) Wait() { s.wg.Wait() }

// UpdateStatus records mid-checkout progress for a live task.
func (s *Scheduler) UpdateStatus(id string, status domain.TaskStatus, msg string) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok || t.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	t.Status = status
	t.StatusMessage = msg
	snapshot := *t
	s.mu.Unlock()
	s.fireStatus(snapshot)
}

func (s *Scheduler) run(ctx context.Context, id string) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		if cancel, ok := s.cancels[id]; ok {
			cancel()
			delete(s.cancels, id)
		}
		s.mu.Unlock()
	}()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.finish(id, domain.StatusCancelled, "Cancelled before start", nil)
		return
	}
	defer s.sem.Release(1)

	snapshot, err := s.Get(id)
	if err != nil {
		return
	}
	maxRetries := snapshot.Config.MaxRetries
	log := slog.With(slog.String("task_id", snapshot.ShortID()), slog.String("site", snapshot.Config.SiteName))

	for attempt := 1; ; attempt++ {
		if err := s.limiter(snapshot.Config.SiteURL).Wait(ctx); err != nil {
			s.finish(id, domain.StatusCancelled, "Cancelled", nil)
			return
		}

		snapshot, err = s.Get(id)
		if err != nil {
			return
		}
		result := s.invoke(ctx, snapshot)

		if ctx.Err() != nil {
			s.finish(id, domain.StatusCancelled, "Cancelled", nil)
			return
		}

		switch {
		case result.Success:
			s.finish(id, domain.StatusSuccess, "Order: "+result.OrderNumber, &result)
			observability.CheckoutObserved(string(snapshot.Config.SiteType), "success", result.Elapsed)
			return

		case result.Declined:
			msg := result.ErrorMessage
			if msg == "" {
				msg = "Card declined"
			}
			if snapshot.Config.RetryOnDecline && attempt < maxRetries {
				s.retry(ctx, id, attempt, msg, log)
				if ctx.Err() != nil {
					s.finish(id, domain.StatusCancelled, "Cancelled", nil)
					return
				}
				continue
			}
			s.finish(id, domain.StatusDeclined, msg, &result)
			observability.CheckoutObserved(string(snapshot.Config.SiteType), "declined", result.Elapsed)
			return

		default:
			msg := result.ErrorMessage
			if msg == "" {
				msg = "Checkout failed"
			}
			if snapshot.Config.RetryOnError && attempt < maxRetries {
				s.retry(ctx, id, attempt, msg, log)
				if ctx.Err() != nil {
					s.finish(id, domain.StatusCancelled, "Cancelled", nil)
					return
				}
				continue
			}
			s.finish(id, domain.StatusFailed, msg, &result)
			observability.CheckoutObserved(string(snapshot.Config.SiteType), "failed", result.Elapsed)
			return
		}
	}
}

// invoke runs the handler, converting a panic into a failed result.
func (s *Scheduler) invoke(ctx context.Context, task domain.Task) (result domain.TaskResult) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("checkout handler panic",
				slog.String("task_id", task.ShortID()), slog.Any("panic", r))
			result = domain.TaskResult{ErrorMessage: "Internal error", Timestamp: time.Now()}
		}
	}()
	return s.handler(ctx, task)
}

// retry sleeps the backoff for the n-th attempt (1-indexed) and bumps the
// retry counters.
func (s *Scheduler) retry(ctx context.Context, id string, attempt int, msg string, log *slog.Logger) {
	s.mu.Lock()
	s.retries++
	var delay time.Duration
	if t, ok := s.tasks[id]; ok {
		t.RetryCount++
		delay = s.backoff(t.Config.RetryDelay, attempt)
		t.Status = domain.StatusStarting
		t.StatusMessage = fmt.Sprintf("Retrying in %.1fs (%s)", delay.Seconds(), msg)
		snapshot := *t
		s.mu.Unlock()
		s.fireStatus(snapshot)
		log.Info("task retry",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.String("reason", msg))
	} else {
		s.mu.Unlock()
		return
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// backoff doubles the base per retry with up to 30% jitter, capped at 30s.
func (s *Scheduler) backoff(base time.Duration, attempt int) time.Duration {
	d := base << (attempt - 1)
	s.rngMu.Lock()
	d += time.Duration(s.rng.Float64() * 0.3 * float64(d))
	s.rngMu.Unlock()
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func (s *Scheduler) finish(id string, status domain.TaskStatus, msg string, result *domain.TaskResult) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	if t.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	t.Status = status
	t.StatusMessage = msg
	t.Result = result
	t.CompletedAt = time.Now()
	snapshot := *t
	s.mu.Unlock()

	s.fireStatus(snapshot)
	if status == domain.StatusSuccess {
		s.fireSuccess(snapshot)
	}
	s.notify(snapshot, result)
	s.publishGauges()
}

// notify reports the terminal outcome. Like the callbacks, a panicking
// notifier never wedges the scheduler.
func (s *Scheduler) notify(t domain.Task, result *domain.TaskResult) {
	if result == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("notifier panic", slog.Any("panic", r))
		}
	}()
	ctx := context.Background()
	switch t.Status {
	case domain.StatusSuccess:
		s.notifier.NotifySuccess(ctx, t, *result)
	case domain.StatusDeclined, domain.StatusFailed:
		s.notifier.NotifyFailure(ctx, t, *result)
	}
}

// limiter returns the per-domain pacer, keyed by host.
func (s *Scheduler) limiter(siteURL string) *rate.Limiter {
	key := siteURL
	if u, err := url.Parse(siteURL); err == nil && u.Host != "" {
		key = u.Host
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(s.cfg.MinSiteDelay), 1)
		s.limiters[key] = l
	}
	return l
}

// fireStatus and fireSuccess swallow panics so one bad subscriber cannot
// wedge the scheduler.
func (s *Scheduler) fireStatus(t domain.Task) {
	if s.onStatus == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("status callback panic", slog.Any("panic", r))
		}
	}()
	s.onStatus(t)
}

func (s *Scheduler) fireSuccess(t domain.Task) {
	if s.onSuccess == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("success callback panic", slog.Any("panic", r))
		}
	}()
	s.onSuccess(t)
}

// Stats summarizes the task table.
type Stats struct {
	Total           int     `json:"total"`
	Running         int     `json:"running"`
	Idle            int     `json:"idle"`
	Success         int     `json:"success"`
	Failed          int     `json:"failed"`
	Declined        int     `json:"declined"`
	AvgCheckoutTime float64 `json:"avg_checkout_time_seconds"`
	TotalRetries    int     `json:"total_retries"`
}

// GetStats returns aggregate counters over all tasks.
func (s *Scheduler) GetStats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Stats{Total: len(s.tasks), TotalRetries: s.retries}
	var elapsedSum float64
	var elapsedN int
	for _, t := range s.tasks {
		switch {
		case t.Status == domain.StatusIdle:
			stats.Idle++
		case t.Status == domain.StatusSuccess:
			stats.Success++
		case t.Status == domain.StatusDeclined:
			stats.Declined++
		case t.Status.Terminal():
			stats.Failed++
		default:
			stats.Running++
		}
		if t.Result != nil && t.Result.Elapsed > 0 {
			elapsedSum += t.Result.Elapsed.Seconds()
			elapsedN++
		}
	}
	if elapsedN > 0 {
		stats.AvgCheckoutTime = elapsedSum / float64(elapsedN)
	}
	return stats
}

func (s *Scheduler) publishGauges() {
	stats := s.GetStats()
	observability.SetTaskCount("running", stats.Running)
	observability.SetTaskCount("idle", stats.Idle)
	observability.SetTaskCount("success", stats.Success)
	observability.SetTaskCount("failed", stats.Failed)
	observability.SetTaskCount("declined", stats.Declined)
}
