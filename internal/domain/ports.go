package domain

import "time"

// ProfileStore resolves checkout profiles by id.
type ProfileStore interface {
	Get(ctx Context, id string) (Profile, error)
	List(ctx Context) ([]Profile, error)
	Save(ctx Context, p Profile) (Profile, error)
	Delete(ctx Context, id string) error
}

// CaptchaType enumerates the challenge kinds solvers understand.
type CaptchaType string

const (
	CaptchaRecaptchaV2 CaptchaType = "recaptcha_v2"
	CaptchaRecaptchaV3 CaptchaType = "recaptcha_v3"
	CaptchaHCaptcha    CaptchaType = "hcaptcha"
	CaptchaGeeTest     CaptchaType = "geetest"
	CaptchaFunCaptcha  CaptchaType = "funcaptcha"
	CaptchaImage       CaptchaType = "image"
)

// CaptchaRequest describes one challenge to solve.
type CaptchaRequest struct {
	Type        CaptchaType
	PageURL     string
	SiteKey     string
	Action      string  // recaptcha v3 only
	MinScore    float64 // recaptcha v3 only
	ImageBase64 string  // image captchas only
}

// CaptchaResult is a solved (or failed) challenge.
type CaptchaResult struct {
	Success  bool
	Token    string
	Provider string
	Cost     float64
	Elapsed  time.Duration
	Error    string
}

// CaptchaSolver produces tokens for checkout flows that hit a challenge.
type CaptchaSolver interface {
	Solve(ctx Context, req CaptchaRequest) (CaptchaResult, error)
}

// Notifier receives task outcomes (success/failure notifications).
type Notifier interface {
	NotifySuccess(ctx Context, task Task, result TaskResult)
	NotifyFailure(ctx Context, task Task, result TaskResult)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) NotifySuccess(Context, Task, TaskResult) {}
func (NopNotifier) NotifyFailure(Context, Task, TaskResult) {}

// PriceOracle estimates aftermarket value for a product, used to rank events.
type PriceOracle interface {
	Estimate(ctx Context, sku, title string) (float64, error)
}

// NopPriceOracle reports no estimate for anything.
type NopPriceOracle struct{}

func (NopPriceOracle) Estimate(Context, string, string) (float64, error) { return 0, nil }
