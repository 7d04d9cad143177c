// Package captcha solves checkout challenges through a chain of
// providers, fronted by a bank of pre-solved tokens.
package captcha

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/phantomlabs/phantom/internal/domain"
	"github.com/phantomlabs/phantom/internal/observability"
)

// Provider is one paid solving service.
type Provider interface {
	domain.CaptchaSolver
	Name() string
}

// Chain tries the token bank first, then each provider in priority order
// until one succeeds. It implements domain.CaptchaSolver.
type Chain struct {
	bank      *TokenBank
	providers []chainEntry
}

type chainEntry struct {
	provider Provider
	priority int
}

// NewChain returns an empty chain. A nil bank disables the fast path.
func NewChain(bank *TokenBank) *Chain {
	return &Chain{bank: bank}
}

// AddProvider registers a provider. Lower priority runs first.
func (c *Chain) AddProvider(p Provider, priority int) {
	c.providers = append(c.providers, chainEntry{provider: p, priority: priority})
	sort.SliceStable(c.providers, func(i, j int) bool {
		return c.providers[i].priority < c.providers[j].priority
	})
}

// Solve implements domain.CaptchaSolver.
func (c *Chain) Solve(ctx domain.Context, req domain.CaptchaRequest) (domain.CaptchaResult, error) {
	if c.bank != nil {
		if token, ok := c.bank.Take(req.PageURL, req.SiteKey); ok {
			observability.CaptchaObserved("harvester", "success")
			slog.Info("captcha served from token bank", slog.String("page_url", req.PageURL))
			return domain.CaptchaResult{Success: true, Token: token, Provider: "harvester"}, nil
		}
	}

	start := time.Now()
	for _, entry := range c.providers {
		res, err := entry.provider.Solve(ctx, req)
		if err == nil && res.Success {
			observability.CaptchaObserved(entry.provider.Name(), "success")
			slog.Info("captcha solved",
				slog.String("provider", entry.provider.Name()),
				slog.Duration("elapsed", res.Elapsed),
				slog.Float64("cost", res.Cost))
			return res, nil
		}
		observability.CaptchaObserved(entry.provider.Name(), "failure")
		slog.Warn("captcha solve failed, trying next provider",
			slog.String("provider", entry.provider.Name()),
			slog.String("error", res.Error))
		if ctx.Err() != nil {
			break
		}
	}

	res := domain.CaptchaResult{Error: "all providers failed", Elapsed: time.Since(start)}
	return res, fmt.Errorf("captcha chain exhausted: %w", domain.ErrCaptchaUnsolved)
}
