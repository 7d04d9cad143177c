package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/sync/errgroup"
)

// TestProxy issues one GET to the configured test URL through the proxy.
// 200 under two seconds is good, a slower 200 is slow, anything else is bad.
func (pl *Pool) TestProxy(ctx context.Context, p *Proxy) bool {
	proxyURL, err := url.Parse(p.URL())
	if err != nil {
		pl.setTestResult(p.ID, StatusBad, 0)
		return false
	}
	client := &http.Client{
		Timeout: pl.cfg.TestTimeout,
		Transport: &http.Transport{
			Proxy:           http.ProxyURL(proxyURL),
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec // test endpoint only
		},
	}
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pl.cfg.TestURL, nil)
	if err != nil {
		pl.setTestResult(p.ID, StatusBad, 0)
		return false
	}

	start := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		pl.setTestResult(p.ID, StatusBad, 0)
		slog.Debug("proxy test failed", slog.String("proxy", p.Display()), slog.Any("error", err))
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	elapsed := float64(time.Since(start).Milliseconds())

	if resp.StatusCode != http.StatusOK {
		pl.setTestResult(p.ID, StatusBad, 0)
		return false
	}
	status := StatusGood
	if elapsed >= 2000 {
		status = StatusSlow
	}
	pl.setTestResult(p.ID, status, elapsed)
	slog.Debug("proxy test passed", slog.String("proxy", p.Display()), slog.Float64("time_ms", elapsed))
	return true
}

// TestAll tests every proxy (optionally one group) in batches of 50.
func (pl *Pool) TestAll(ctx context.Context, groupID string) error {
	proxies := pl.snapshot(groupID)
	if len(proxies) == 0 {
		return nil
	}
	slog.Info("testing proxies", slog.Int("count", len(proxies)))

	const batchSize = 50
	for i := 0; i < len(proxies); i += batchSize {
		end := min(i+batchSize, len(proxies))
		g, gctx := errgroup.WithContext(ctx)
		for _, p := range proxies[i:end] {
			g.Go(func() error {
				pl.TestProxy(gctx, p)
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return fmt.Errorf("test batch: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	st := pl.Stats(groupID)
	slog.Info("proxy test complete",
		slog.Int("good", st.Good), slog.Int("slow", st.Slow), slog.Int("bad", st.Bad))
	return nil
}

// Start optionally runs an initial full test and then a periodic health
// check loop until ctx is cancelled or Stop is called.
func (pl *Pool) Start(ctx context.Context) {
	if pl.cfg.TestOnStart {
		if err := pl.TestAll(ctx, ""); err != nil {
			slog.Error("initial proxy test failed", slog.Any("error", err))
		}
	}
	if pl.cfg.HealthCheckInterval <= 0 {
		return
	}
	pl.stopHealth = make(chan struct{})
	go pl.healthLoop(ctx)
	slog.Info("proxy health monitoring started",
		slog.Duration("interval", pl.cfg.HealthCheckInterval))
}

// Stop halts the health loop.
func (pl *Pool) Stop() {
	if pl.stopHealth != nil {
		close(pl.stopHealth)
		pl.stopHealth = nil
	}
}

func (pl *Pool) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(pl.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-pl.stopHealth:
			return
		case <-ticker.C:
			if err := pl.TestAll(ctx, ""); err != nil {
				slog.Error("health check error", slog.Any("error", err))
			}
		}
	}
}
