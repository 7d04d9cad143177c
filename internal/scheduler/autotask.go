package scheduler

import (
	"context"
	"log/slog"

	"github.com/phantomlabs/phantom/internal/domain"
)

// AutoTaskConfig gates automatic task creation from product events.
type AutoTaskConfig struct {
	Enabled       bool
	MinConfidence float64
	MinPriority   domain.EventPriority
	SiteType      domain.SiteType
	ProfileID     string
	Sizes         []string // empty takes the event's available sizes
	Mode          domain.TaskMode
}

// AutoTasker turns qualifying monitor events into scheduled tasks. One
// (store URL, product URL, profile) triple has at most one live task.
type AutoTasker struct {
	cfg   AutoTaskConfig
	sched *Scheduler
}

// NewAutoTasker wires auto-task creation into a scheduler.
func NewAutoTasker(cfg AutoTaskConfig, sched *Scheduler) *AutoTasker {
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.7
	}
	if cfg.MinPriority == "" {
		cfg.MinPriority = domain.PriorityMedium
	}
	return &AutoTasker{cfg: cfg, sched: sched}
}

// HandleEvent is a bus subscriber. It creates and starts a task when the
// event clears the confidence and priority gates and no duplicate is live.
func (a *AutoTasker) HandleEvent(ctx context.Context, ev domain.ProductEvent) {
	if !a.cfg.Enabled {
		return
	}
	if ev.Match.Confidence < a.cfg.MinConfidence || !ev.Priority.AtLeast(a.cfg.MinPriority) {
		return
	}
	if a.duplicate(ev) {
		slog.Debug("auto-task skipped, duplicate live task",
			slog.String("product_url", ev.Product.URL))
		return
	}

	sizes := a.cfg.Sizes
	if len(sizes) == 0 {
		sizes = ev.Product.Sizes
	}
	task, err := a.sched.Add(domain.TaskConfig{
		SiteType:     a.cfg.SiteType,
		SiteName:     ev.StoreName,
		SiteURL:      ev.StoreURL,
		MonitorInput: ev.Product.URL,
		Sizes:        sizes,
		Mode:         a.cfg.Mode,
		ProfileID:    a.cfg.ProfileID,
	})
	if err != nil {
		slog.Warn("auto-task rejected", slog.Any("error", err))
		return
	}
	if err := a.sched.Start(ctx, task.ID); err != nil {
		slog.Warn("auto-task start failed",
			slog.String("task_id", task.ShortID()), slog.Any("error", err))
		return
	}
	slog.Info("auto-task created",
		slog.String("task_id", task.ShortID()),
		slog.String("store", ev.StoreName),
		slog.String("product_url", ev.Product.URL),
		slog.String("event_type", string(ev.Type)))
}

func (a *AutoTasker) duplicate(ev domain.ProductEvent) bool {
	for _, t := range a.sched.List() {
		if t.Status.Terminal() {
			continue
		}
		if t.Config.SiteURL == ev.StoreURL &&
			t.Config.MonitorInput == ev.Product.URL &&
			t.Config.ProfileID == a.cfg.ProfileID {
			return true
		}
	}
	return false
}
