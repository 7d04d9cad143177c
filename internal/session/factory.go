package session

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"time"

	"github.com/phantomlabs/phantom/internal/proxy"
)

// FactoryConfig tunes how sessions are built.
type FactoryConfig struct {
	Browser     string // chrome (default), safari, firefox
	Timeout     time.Duration
	Impersonate bool // false falls back to the standard TLS stack
}

// Factory builds ready-to-use HTTP clients with a browser identity.
type Factory struct {
	cfg FactoryConfig
	gen *IdentityGenerator
}

// NewFactory returns a session factory.
func NewFactory(cfg FactoryConfig) *Factory {
	if cfg.Browser == "" {
		cfg.Browser = "chrome"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Factory{cfg: cfg, gen: NewIdentityGenerator()}
}

// Options parameterizes one session.
type Options struct {
	Proxy        *proxy.Proxy
	Seed         string // deterministic identity per task; empty draws fresh
	Browser      string // overrides the factory default
	ExtraHeaders map[string]string
}

// Session is one browser-shaped HTTP client with its jar and identity.
type Session struct {
	Client        *http.Client
	Identity      Identity
	Impersonation Impersonation
	Jar           http.CookieJar
}

// Close releases idle connections.
func (s *Session) Close() {
	s.Client.CloseIdleConnections()
}

// New builds a session. The identity and TLS profile derive from the seed,
// traffic routes through the proxy when given, and identity headers ride on
// every request.
func (f *Factory) New(opts Options) (*Session, error) {
	browser := opts.Browser
	if browser == "" {
		browser = f.cfg.Browser
	}

	identity := f.gen.Generate(browser, "windows", opts.Seed)
	imp := pickImpersonation(newRNG(opts.Seed), browser)

	var proxyURL *url.URL
	if opts.Proxy != nil {
		u, err := url.Parse(opts.Proxy.URL())
		if err != nil {
			return nil, fmt.Errorf("session proxy url: %w", err)
		}
		proxyURL = u
	}

	var base http.RoundTripper
	if f.cfg.Impersonate {
		base = newTransport(imp, proxyURL, f.cfg.Timeout)
	} else {
		slog.Warn("tls impersonation disabled; using standard transport")
		base = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	}

	headers := map[string]string{
		"User-Agent":      identity.UserAgent,
		"Accept":          "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8",
		"Accept-Language": "en-US,en;q=0.9",
		"Accept-Encoding": "gzip, deflate, br",
		"Cache-Control":   "no-cache",
		"Pragma":          "no-cache",
	}
	for k, v := range secCHUA(imp) {
		headers[k] = v
	}
	for k, v := range opts.ExtraHeaders {
		headers[k] = v
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}

	display := ""
	if opts.Proxy != nil {
		display = opts.Proxy.Display()
	}
	slog.Debug("session created",
		slog.String("impersonation", string(imp)),
		slog.String("proxy", display))

	return &Session{
		Client: &http.Client{
			Transport: &headerRoundTripper{base: base, headers: headers},
			Jar:       jar,
			Timeout:   f.cfg.Timeout,
		},
		Identity:      identity,
		Impersonation: imp,
		Jar:           jar,
	}, nil
}
