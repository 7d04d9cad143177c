package captcha

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/phantomlabs/phantom/internal/domain"
)

const twoCaptchaBase = "https://2captcha.com"

// TwoCaptcha solves challenges through the 2captcha.com HTTP API: submit
// to in.php, then poll res.php until the token is ready.
type TwoCaptcha struct {
	apiKey  string
	baseURL string
	client  *http.Client

	pollInterval time.Duration
	maxPolls     uint64
}

// TwoCaptchaOption adjusts the provider.
type TwoCaptchaOption func(*TwoCaptcha)

// WithBaseURL points the provider at a different API host.
func WithBaseURL(u string) TwoCaptchaOption {
	return func(t *TwoCaptcha) { t.baseURL = u }
}

// WithPolling overrides the res.php poll cadence.
func WithPolling(interval time.Duration, maxPolls uint64) TwoCaptchaOption {
	return func(t *TwoCaptcha) {
		t.pollInterval = interval
		t.maxPolls = maxPolls
	}
}

// NewTwoCaptcha builds the provider. The default polling budget is 2s
// intervals for up to two minutes.
func NewTwoCaptcha(apiKey string, client *http.Client, opts ...TwoCaptchaOption) *TwoCaptcha {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	t := &TwoCaptcha{
		apiKey:       apiKey,
		baseURL:      twoCaptchaBase,
		client:       client,
		pollInterval: 2 * time.Second,
		maxPolls:     60,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name identifies the provider in logs and metrics.
func (t *TwoCaptcha) Name() string { return "2captcha" }

type twoCaptchaResponse struct {
	Status    int    `json:"status"`
	Request   string `json:"request"`
	ErrorText string `json:"error_text"`
}

// Solve implements domain.CaptchaSolver.
func (t *TwoCaptcha) Solve(ctx domain.Context, req domain.CaptchaRequest) (domain.CaptchaResult, error) {
	start := time.Now()

	form, err := t.submitForm(req)
	if err != nil {
		return domain.CaptchaResult{Provider: t.Name(), Error: err.Error()}, err
	}
	submit, err := t.call(ctx, http.MethodPost, t.baseURL+"/in.php", form)
	if err != nil {
		return domain.CaptchaResult{Provider: t.Name(), Error: err.Error()}, err
	}
	if submit.Status != 1 {
		msg := submit.ErrorText
		if msg == "" {
			msg = "submit failed"
		}
		return domain.CaptchaResult{Provider: t.Name(), Error: msg},
			fmt.Errorf("2captcha submit: %s: %w", msg, domain.ErrCaptchaUnsolved)
	}
	taskID := submit.Request

	pollParams := url.Values{
		"key":    {t.apiKey},
		"action": {"get"},
		"id":     {taskID},
		"json":   {"1"},
	}
	pollURL := t.baseURL + "/res.php?" + pollParams.Encode()

	var token string
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(t.pollInterval), t.maxPolls), ctx)
	err = backoff.Retry(func() error {
		poll, err := t.call(ctx, http.MethodGet, pollURL, nil)
		if err != nil {
			return err
		}
		if poll.Status == 1 {
			token = poll.Request
			return nil
		}
		if poll.Request != "CAPCHA_NOT_READY" {
			msg := poll.ErrorText
			if msg == "" {
				msg = poll.Request
			}
			return backoff.Permanent(fmt.Errorf("2captcha: %s: %w", msg, domain.ErrCaptchaUnsolved))
		}
		return fmt.Errorf("2captcha: not ready")
	}, policy)
	if err != nil {
		return domain.CaptchaResult{Provider: t.Name(), Error: err.Error(), Elapsed: time.Since(start)}, err
	}

	return domain.CaptchaResult{
		Success:  true,
		Token:    token,
		Provider: t.Name(),
		Cost:     0.003,
		Elapsed:  time.Since(start),
	}, nil
}

// Balance fetches the account balance in USD.
func (t *TwoCaptcha) Balance(ctx domain.Context) (float64, error) {
	params := url.Values{"key": {t.apiKey}, "action": {"getbalance"}, "json": {"1"}}
	resp, err := t.call(ctx, http.MethodGet, t.baseURL+"/res.php?"+params.Encode(), nil)
	if err != nil {
		return 0, err
	}
	balance, err := strconv.ParseFloat(resp.Request, 64)
	if err != nil {
		return 0, fmt.Errorf("2captcha balance: %w", err)
	}
	return balance, nil
}

func (t *TwoCaptcha) submitForm(req domain.CaptchaRequest) (url.Values, error) {
	form := url.Values{
		"key":     {t.apiKey},
		"pageurl": {req.PageURL},
		"json":    {"1"},
	}
	switch req.Type {
	case domain.CaptchaRecaptchaV2:
		form.Set("method", "userrecaptcha")
		form.Set("googlekey", req.SiteKey)
	case domain.CaptchaRecaptchaV3:
		form.Set("method", "userrecaptcha")
		form.Set("googlekey", req.SiteKey)
		form.Set("version", "v3")
		action := req.Action
		if action == "" {
			action = "verify"
		}
		form.Set("action", action)
		form.Set("min_score", strconv.FormatFloat(req.MinScore, 'f', -1, 64))
	case domain.CaptchaHCaptcha:
		form.Set("method", "hcaptcha")
		form.Set("sitekey", req.SiteKey)
	case domain.CaptchaFunCaptcha:
		form.Set("method", "funcaptcha")
		form.Set("publickey", req.SiteKey)
	case domain.CaptchaImage:
		form.Set("method", "base64")
		form.Set("body", req.ImageBase64)
	default:
		return nil, fmt.Errorf("2captcha: unsupported captcha type %q: %w", req.Type, domain.ErrInvalidArgument)
	}
	return form, nil
}

func (t *TwoCaptcha) call(ctx domain.Context, method, rawURL string, form url.Values) (twoCaptchaResponse, error) {
	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return twoCaptchaResponse{}, fmt.Errorf("2captcha request: %w", err)
	}
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return twoCaptchaResponse{}, fmt.Errorf("2captcha call: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return twoCaptchaResponse{}, fmt.Errorf("2captcha read: %w", err)
	}
	var out twoCaptchaResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return twoCaptchaResponse{}, fmt.Errorf("2captcha decode: %w", err)
	}
	return out, nil
}
