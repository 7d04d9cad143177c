package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	tasksByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "phantom_tasks",
		Help: "Number of tasks by lifecycle status.",
	}, []string{"status"})

	checkoutAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "phantom_checkout_attempts_total",
		Help: "Checkout attempts by site type and outcome.",
	}, []string{"site_type", "outcome"})

	checkoutDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "phantom_checkout_duration_seconds",
		Help:    "Wall time of a single checkout attempt.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"site_type"})

	monitorTicks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "phantom_monitor_ticks_total",
		Help: "Monitor poll iterations by store and result.",
	}, []string{"store", "result"})

	productEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "phantom_product_events_total",
		Help: "Product events emitted by type.",
	}, []string{"type"})

	proxiesByStatus = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "phantom_proxies",
		Help: "Proxies in the pool by health status.",
	}, []string{"status"})

	webhooksReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "phantom_webhooks_total",
		Help: "Inbound webhooks by source and result.",
	}, []string{"source", "result"})

	captchaSolves = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "phantom_captcha_solves_total",
		Help: "Captcha solve attempts by provider and result.",
	}, []string{"provider", "result"})
)

var metricsOnce sync.Once

// InitMetrics registers all collectors on the default registry. Call once
// per process before serving /metrics.
func InitMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(
			tasksByStatus,
			checkoutAttempts,
			checkoutDuration,
			monitorTicks,
			productEvents,
			proxiesByStatus,
			webhooksReceived,
			captchaSolves,
		)
	})
}

// SetTaskCount records the number of tasks currently in a status.
func SetTaskCount(status string, n int) { tasksByStatus.WithLabelValues(status).Set(float64(n)) }

// CheckoutObserved records one finished checkout attempt.
func CheckoutObserved(siteType, outcome string, elapsed time.Duration) {
	checkoutAttempts.WithLabelValues(siteType, outcome).Inc()
	checkoutDuration.WithLabelValues(siteType).Observe(elapsed.Seconds())
}

// MonitorTick records a poll iteration.
func MonitorTick(store, result string) { monitorTicks.WithLabelValues(store, result).Inc() }

// ProductEventEmitted records an emitted product event.
func ProductEventEmitted(eventType string) { productEvents.WithLabelValues(eventType).Inc() }

// SetProxyCount records the pool size for one health status.
func SetProxyCount(status string, n int) { proxiesByStatus.WithLabelValues(status).Set(float64(n)) }

// WebhookObserved records an inbound webhook decision.
func WebhookObserved(source, result string) { webhooksReceived.WithLabelValues(source, result).Inc() }

// CaptchaObserved records a captcha solve attempt.
func CaptchaObserved(provider, result string) { captchaSolves.WithLabelValues(provider, result).Inc() }
