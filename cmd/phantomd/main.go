// Command phantomd runs the purchase automation daemon: proxy pool,
// monitors, scheduler and the webhook ingress HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/phantomlabs/phantom/internal/adapter/httpserver"
	"github.com/phantomlabs/phantom/internal/adapter/stream"
	"github.com/phantomlabs/phantom/internal/captcha"
	"github.com/phantomlabs/phantom/internal/checkout"
	"github.com/phantomlabs/phantom/internal/checkout/footsites"
	"github.com/phantomlabs/phantom/internal/checkout/shopify"
	"github.com/phantomlabs/phantom/internal/config"
	"github.com/phantomlabs/phantom/internal/engine"
	"github.com/phantomlabs/phantom/internal/monitor"
	"github.com/phantomlabs/phantom/internal/observability"
	"github.com/phantomlabs/phantom/internal/profile"
	"github.com/phantomlabs/phantom/internal/proxy"
	"github.com/phantomlabs/phantom/internal/scheduler"
	"github.com/phantomlabs/phantom/internal/session"
	"github.com/phantomlabs/phantom/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx := context.Background()

	// Proxy pool with optional startup test and periodic health checks.
	pool := proxy.NewPool(proxy.PoolConfig{
		DefaultPolicy:       proxy.ParsePolicy(cfg.ProxyRotation),
		BanThreshold:        cfg.ProxyBanThreshold,
		AutoRemoveBad:       cfg.ProxyAutoRemoveBad,
		TestURL:             cfg.ProxyTestURL,
		TestTimeout:         cfg.ProxyTestTimeout,
		HealthCheckInterval: cfg.ProxyHealthCheckInterval,
		TestOnStart:         cfg.ProxyTestOnStart,
	})
	pool.Start(ctx)
	defer pool.Stop()

	sessions := session.NewFactory(session.FactoryConfig{
		Timeout:     cfg.HTTPTimeout,
		Impersonate: cfg.TLSImpersonate,
	})
	profiles := profile.NewStore()

	// Redis backs the cookie store and webhook dedupe when configured.
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid redis url", slog.Any("error", err))
			os.Exit(1)
		}
		rdb = redis.NewClient(opts)
		defer func() { _ = rdb.Close() }()
	}
	cookies := session.NewCookieStore(rdb)

	// Captcha chain: harvester token bank first, then paid providers.
	bank := captcha.NewTokenBank(0)
	solvers := captcha.NewChain(bank)
	if cfg.CaptchaAPIKey != "" {
		solvers.AddProvider(captcha.NewTwoCaptcha(cfg.CaptchaAPIKey, nil), 1)
		slog.Info("captcha provider configured", slog.String("provider", cfg.CaptchaProvider))
	}

	registry := checkout.NewRegistry()
	registry.Register(shopify.New(shopify.Config{VaultURL: cfg.VaultURL, Cookies: cookies}, sessions))
	registry.Register(footsites.New(footsites.Config{}, sessions))

	eng := &engine.Engine{
		Pool:     pool,
		Profiles: profiles,
		Registry: registry,
		Captcha:  solvers,
	}
	sched := scheduler.New(scheduler.Config{
		MaxConcurrent: cfg.MaxConcurrentTasks,
		MinSiteDelay:  cfg.MinSiteDelay,
		MaxRetries:    cfg.DefaultMaxRetries,
		RetryDelay:    cfg.DefaultRetryDelay,
	}, eng.Run)
	eng.OnStatus = sched.UpdateStatus

	bus := monitor.NewBus()
	monitors := monitor.NewManager(bus)
	defer monitors.StopAll()

	// Operator task file seeds proxies, profiles, tasks and monitors,
	// then everything seeded gets started.
	if cfg.TasksFile != "" {
		if err := seedFromFile(ctx, cfg.TasksFile, pool, profiles, sched, monitors); err != nil {
			slog.Error("task file seed failed", slog.Any("error", err))
			os.Exit(1)
		}
		sched.StartAll(ctx)
		monitors.StartAll(ctx)
	}

	// Optional product-event stream.
	if len(cfg.KafkaBrokers) > 0 {
		pub, err := stream.NewPublisher(cfg.KafkaBrokers)
		if err != nil {
			slog.Error("stream publisher init failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = pub.Close() }()
		bus.Subscribe(pub.HandleEvent)
	}

	// Webhook ingress, Redis-backed dedupe when Redis is configured.
	var idem webhook.IdempotencyStore
	if rdb != nil {
		idem = webhook.NewRedisIdempotency(rdb, cfg.WebhookIdempotencyTTL)
	}
	ingress := webhook.New(webhook.Config{
		Secret:         cfg.WebhookSecret,
		MaxPerWindow:   cfg.WebhookMaxPerWindow,
		Window:         cfg.WebhookWindow,
		IdempotencyTTL: cfg.WebhookIdempotencyTTL,
	}, idem)

	srv := httpserver.New(cfg, ingress)
	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Router(),
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	if n := sched.StopAll(); n > 0 {
		slog.Info("stopping running tasks", slog.Int("count", n))
	}
	sched.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
