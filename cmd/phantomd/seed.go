package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/phantomlabs/phantom/internal/config"
	"github.com/phantomlabs/phantom/internal/domain"
	"github.com/phantomlabs/phantom/internal/monitor"
	"github.com/phantomlabs/phantom/internal/profile"
	"github.com/phantomlabs/phantom/internal/proxy"
	"github.com/phantomlabs/phantom/internal/scheduler"
)

// seedFromFile loads the operator task file and pushes its contents into
// the running components.
func seedFromFile(ctx context.Context, path string, pool *proxy.Pool, profiles *profile.Store, sched *scheduler.Scheduler, monitors *monitor.Manager) error {
	tf, err := config.LoadTaskFile(path)
	if err != nil {
		return err
	}

	for _, group := range tf.Proxies {
		pool.AddFromString(strings.Join(group.List, "\n"), group.Group)
	}

	profileIDs := make(map[string]string, len(tf.Profiles))
	for _, def := range tf.Profiles {
		saved, err := profiles.Save(ctx, def.Profile())
		if err != nil {
			return fmt.Errorf("profile %q: %w", def.Name, err)
		}
		profileIDs[def.Name] = saved.ID
	}

	for i, def := range tf.Tasks {
		task, err := sched.Add(def.TaskConfig(profileIDs))
		if err != nil {
			return fmt.Errorf("task %d: %w", i, err)
		}
		slog.Info("task seeded",
			slog.String("task_id", task.ShortID()),
			slog.String("site", def.SiteName))
	}

	if err := seedMonitors(tf.Monitors, monitors); err != nil {
		return err
	}

	if tf.AutoTask != nil && tf.AutoTask.Enabled {
		at := scheduler.NewAutoTasker(scheduler.AutoTaskConfig{
			Enabled:       true,
			MinConfidence: tf.AutoTask.MinConfidence,
			MinPriority:   domain.EventPriority(tf.AutoTask.MinPriority),
			SiteType:      domain.SiteType(tf.AutoTask.SiteType),
			ProfileID:     profileIDs[tf.AutoTask.Profile],
			Sizes:         tf.AutoTask.Sizes,
			Mode:          domain.TaskMode(tf.AutoTask.Mode),
		}, sched)
		monitors.Bus().Subscribe(at.HandleEvent)
		slog.Info("auto-task creation enabled",
			slog.String("site_type", tf.AutoTask.SiteType),
			slog.String("profile", tf.AutoTask.Profile))
	}

	slog.Info("task file loaded",
		slog.String("path", path),
		slog.Int("profiles", len(tf.Profiles)),
		slog.Int("tasks", len(tf.Tasks)),
		slog.Int("monitors", len(tf.Monitors)))
	return nil
}

// seedMonitors registers the task file's monitor loops, with a webhook
// notifier per monitor that names one.
func seedMonitors(defs []config.MonitorDef, monitors *monitor.Manager) error {
	client := &http.Client{Timeout: 15 * time.Second}
	for i, def := range defs {
		var source monitor.Source
		siteURL := def.URL
		switch def.Type {
		case "shopify":
			source = monitor.NewShopifySource(def.Name, def.URL, client)
		case "footsites":
			source = monitor.NewFootsitesSource(def.Name, def.APIBase, def.Query, client)
			if siteURL == "" {
				siteURL = def.APIBase
			}
		default:
			return fmt.Errorf("monitor %d: unknown type %q: %w", i, def.Type, domain.ErrInvalidArgument)
		}

		_, err := monitors.Add(def.Name, monitor.Config{
			SiteName:   def.Name,
			SiteURL:    siteURL,
			Keywords:   def.Keywords,
			Delay:      time.Duration(def.Delay),
			ErrorDelay: time.Duration(def.ErrorDelay),
			WebhookURL: def.WebhookURL,
			ProxyGroup: def.ProxyGroup,
			Enabled:    !def.Disabled,
		}, source)
		if err != nil {
			return fmt.Errorf("monitor %q: %w", def.Name, err)
		}

		if def.WebhookURL != "" {
			notifier := monitor.NewWebhookNotifier(def.WebhookURL, nil)
			name := def.Name
			monitors.Bus().Subscribe(func(ctx context.Context, ev domain.ProductEvent) {
				if ev.StoreName == name {
					notifier.Notify(ctx, ev)
				}
			})
		}

		slog.Info("monitor seeded",
			slog.String("monitor", def.Name),
			slog.String("type", def.Type))
	}
	return nil
}
