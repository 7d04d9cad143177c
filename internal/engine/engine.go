// Package engine glues the collaborator pieces together: it resolves a
// task's profile, proxy and site module, runs the checkout and feeds the
// outcome back into the proxy pool.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/phantomlabs/phantom/internal/checkout"
	"github.com/phantomlabs/phantom/internal/domain"
	"github.com/phantomlabs/phantom/internal/proxy"
)

// StatusSink receives live status updates from a running checkout.
type StatusSink func(taskID string, status domain.TaskStatus, message string)

// Engine builds the scheduler handler. All fields except Captcha and
// OnStatus are required.
type Engine struct {
	Pool     *proxy.Pool
	Profiles domain.ProfileStore
	Registry *checkout.Registry
	Captcha  domain.CaptchaSolver
	OnStatus StatusSink
}

// Run executes one checkout attempt for a task. It never returns an
// error; everything folds into the TaskResult the scheduler classifies.
func (e *Engine) Run(ctx context.Context, task domain.Task) domain.TaskResult {
	start := time.Now()
	log := slog.With(slog.String("task_id", task.ShortID()))

	profile, err := e.Profiles.Get(ctx, task.Config.ProfileID)
	if err != nil {
		return failure(fmt.Sprintf("Profile not found: %s", task.Config.ProfileID), start)
	}
	module, err := e.Registry.For(task.Config.SiteType)
	if err != nil {
		return failure(fmt.Sprintf("Unsupported site type: %s", task.Config.SiteType), start)
	}

	site := siteHost(task.Config.SiteURL)
	p := e.Pool.Get(proxy.Request{
		GroupID: task.Config.ProxyGroupID,
		TaskID:  task.ID,
		Site:    site,
	})
	if p == nil {
		log.Debug("no proxy available, going direct", slog.String("site", site))
	}

	var solver domain.CaptchaSolver
	if task.Config.UseCaptcha {
		solver = e.Captcha
	}

	in := checkout.Input{
		Task:    task,
		Profile: profile,
		Proxy:   p,
		Captcha: solver,
		Status: func(status domain.TaskStatus, message string) {
			if e.OnStatus != nil {
				e.OnStatus(task.ID, status, message)
			}
		},
	}
	result := module.Checkout(ctx, in)

	if p != nil {
		switch {
		case result.Success, result.Declined:
			// The site answered; the proxy did its job either way.
			e.Pool.RecordSuccess(p.ID, result.Elapsed, site)
		default:
			e.Pool.RecordFailure(p.ID, site, false)
		}
		if result.Success {
			e.Pool.ReleaseTask(task.ID)
		}
	}
	return result
}

func failure(msg string, start time.Time) domain.TaskResult {
	return domain.TaskResult{
		ErrorMessage: msg,
		Elapsed:      time.Since(start),
		Timestamp:    time.Now(),
	}
}

func siteHost(siteURL string) string {
	if u, err := url.Parse(siteURL); err == nil && u.Host != "" {
		return u.Host
	}
	return siteURL
}
