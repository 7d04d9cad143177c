// Package config loads application configuration from environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config is the full runtime configuration for phantomd.
type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"dev"`
	ServiceName string `env:"SERVICE_NAME" envDefault:"phantomd"`
	Port        int    `env:"PORT" envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	TasksFile   string `env:"TASKS_FILE"`

	// HTTP server.
	HTTPReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"20s"`
	HTTPIdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	ServerShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	CORSAllowOrigins      []string      `env:"CORS_ALLOW_ORIGINS" envSeparator:"," envDefault:"*"`
	IngressRatePerMinute  int           `env:"INGRESS_RATE_PER_MINUTE" envDefault:"120"`

	// Scheduler.
	MaxConcurrentTasks int           `env:"MAX_CONCURRENT_TASKS" envDefault:"50"`
	MinSiteDelay       time.Duration `env:"MIN_SITE_DELAY" envDefault:"500ms"`
	DefaultMaxRetries  int           `env:"DEFAULT_MAX_RETRIES" envDefault:"3"`
	DefaultRetryDelay  time.Duration `env:"DEFAULT_RETRY_DELAY" envDefault:"2s"`

	// Proxy pool.
	ProxyRotation            string        `env:"PROXY_ROTATION" envDefault:"smart"`
	ProxyBanThreshold        int           `env:"PROXY_BAN_THRESHOLD" envDefault:"3"`
	ProxyTestURL             string        `env:"PROXY_TEST_URL" envDefault:"http://httpbin.org/ip"`
	ProxyTestTimeout         time.Duration `env:"PROXY_TEST_TIMEOUT" envDefault:"10s"`
	ProxyHealthCheckInterval time.Duration `env:"PROXY_HEALTH_CHECK_INTERVAL" envDefault:"5m"`
	ProxyTestOnStart         bool          `env:"PROXY_TEST_ON_START" envDefault:"false"`
	ProxyAutoRemoveBad       bool          `env:"PROXY_AUTO_REMOVE_BAD" envDefault:"false"`

	// Sessions.
	HTTPTimeout    time.Duration `env:"HTTP_TIMEOUT" envDefault:"30s"`
	TLSImpersonate bool          `env:"TLS_IMPERSONATE" envDefault:"true"`

	// Monitors.
	MonitorDelay      time.Duration `env:"MONITOR_DELAY" envDefault:"3s"`
	MonitorErrorDelay time.Duration `env:"MONITOR_ERROR_DELAY" envDefault:"10s"`

	// Checkout.
	VaultURL string `env:"SHOPIFY_VAULT_URL" envDefault:"https://deposit.shopifycs.com/sessions"`

	// Webhook ingress.
	WebhookSecret        string        `env:"WEBHOOK_SECRET"`
	WebhookMaxPerWindow  int           `env:"WEBHOOK_MAX_PER_WINDOW" envDefault:"60"`
	WebhookWindow        time.Duration `env:"WEBHOOK_WINDOW" envDefault:"60s"`
	WebhookIdempotencyTTL time.Duration `env:"WEBHOOK_IDEMPOTENCY_TTL" envDefault:"1h"`

	// Captcha.
	CaptchaProvider string        `env:"CAPTCHA_PROVIDER"`
	CaptchaAPIKey   string        `env:"CAPTCHA_API_KEY"`
	CaptchaTimeout  time.Duration `env:"CAPTCHA_TIMEOUT" envDefault:"120s"`

	// External services (empty disables the integration).
	RedisURL      string   `env:"REDIS_URL"`
	KafkaBrokers  []string `env:"KAFKA_BROKERS" envSeparator:","`
	OTLPEndpoint  string   `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTelSampleRatio float64 `env:"OTEL_SAMPLE_RATIO" envDefault:"1.0"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if cfg.MaxConcurrentTasks <= 0 {
		return Config{}, fmt.Errorf("op=config.Load: MAX_CONCURRENT_TASKS must be positive")
	}
	return cfg, nil
}

// IsDev reports whether we run in a development environment.
func (c Config) IsDev() bool { return strings.EqualFold(c.AppEnv, "dev") }

// IsProd reports whether we run in production.
func (c Config) IsProd() bool { return strings.EqualFold(c.AppEnv, "prod") }
