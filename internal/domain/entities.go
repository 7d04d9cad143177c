// Package domain contains core entities, error sentinels and the ports
// implemented by adapters. It has no dependencies outside the standard
// library so every other package can import it freely.
package domain

import (
	"context"
	"time"
)

// Context is aliased so signatures stay short.
type Context = context.Context

// SiteType identifies which checkout family a task targets.
type SiteType string

const (
	SiteShopify   SiteType = "shopify"
	SiteFootsites SiteType = "footsites"
)

// TaskMode tunes how aggressively a task polls and retries.
type TaskMode string

const (
	ModeNormal  TaskMode = "normal"
	ModeFast    TaskMode = "fast"
	ModeSafe    TaskMode = "safe"
	ModeRequest TaskMode = "request"
)

// TaskStatus is the lifecycle state of a checkout task.
type TaskStatus string

const (
	StatusIdle              TaskStatus = "idle"
	StatusStarting          TaskStatus = "starting"
	StatusMonitoring        TaskStatus = "monitoring"
	StatusCarted            TaskStatus = "carted"
	StatusSubmittingInfo    TaskStatus = "submitting_info"
	StatusSubmittingPayment TaskStatus = "submitting_payment"
	StatusSolvingCaptcha    TaskStatus = "solving_captcha"
	StatusCheckoutQueue     TaskStatus = "checkout_queue"
	StatusSuccess           TaskStatus = "success"
	StatusDeclined          TaskStatus = "declined"
	StatusFailed            TaskStatus = "failed"
	StatusCancelled         TaskStatus = "cancelled"
	StatusError             TaskStatus = "error"
)

// Terminal reports whether no further transitions can happen.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusDeclined, StatusFailed, StatusCancelled, StatusError:
		return true
	}
	return false
}

// TaskConfig is the immutable configuration a task is created with.
type TaskConfig struct {
	SiteType     SiteType      `json:"site_type" validate:"required,oneof=shopify footsites"`
	SiteName     string        `json:"site_name" validate:"required"`
	SiteURL      string        `json:"site_url" validate:"required,url"`
	MonitorInput string        `json:"monitor_input" validate:"required"`
	Sizes        []string      `json:"sizes"`
	Mode         TaskMode      `json:"mode"`
	ProfileID    string        `json:"profile_id" validate:"required"`
	ProxyGroupID string        `json:"proxy_group_id"`
	MonitorDelay time.Duration `json:"monitor_delay"`
	RetryDelay   time.Duration `json:"retry_delay"`
	MaxRetries   int           `json:"max_retries"`
	RetryOnDecline bool        `json:"retry_on_decline"`
	RetryOnError   bool        `json:"retry_on_error"`
	UseCaptcha     bool        `json:"use_captcha"`
}

// Task is a single purchase attempt driven by the scheduler. The scheduler
// owns all mutation; everybody else receives value snapshots.
type Task struct {
	ID            string     `json:"id"`
	Config        TaskConfig `json:"config"`
	Status        TaskStatus `json:"status"`
	StatusMessage string     `json:"status_message"`
	RetryCount    int        `json:"retry_count"`
	Product       *Product   `json:"product,omitempty"`
	Result        *TaskResult `json:"result,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     time.Time  `json:"started_at,omitempty"`
	CompletedAt   time.Time  `json:"completed_at,omitempty"`
}

// ShortID is the truncated id used in logs.
func (t *Task) ShortID() string {
	if len(t.ID) > 8 {
		return t.ID[:8]
	}
	return t.ID
}

// TaskResult is the outcome of one checkout attempt.
type TaskResult struct {
	Success      bool          `json:"success"`
	Declined     bool          `json:"declined,omitempty"`
	OrderNumber  string        `json:"order_number,omitempty"`
	CheckoutURL  string        `json:"checkout_url,omitempty"`
	ProductTitle string        `json:"product_title,omitempty"`
	Size         string        `json:"size,omitempty"`
	TotalPrice   float64       `json:"total_price,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Elapsed      time.Duration `json:"elapsed"`
	Timestamp    time.Time     `json:"timestamp"`
}
