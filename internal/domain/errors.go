package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors. Adapters wrap these with fmt.Errorf("...: %w", err) so
// callers can branch with errors.Is while keeping the call-site context.
var (
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrNotFound           = errors.New("not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrDuplicate          = errors.New("duplicate")
	ErrRateLimited        = errors.New("rate limited")
	ErrServiceUnavailable = errors.New("service unavailable")
	ErrDeclined           = errors.New("payment declined")
	ErrOutOfStock         = errors.New("out of stock")
	ErrNoProxyAvailable   = errors.New("no proxy available")
	ErrCaptchaUnsolved    = errors.New("captcha unsolved")
)

// RateLimitError wraps ErrRateLimited with the wait the caller should honor.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// Unwrap lets errors.Is(err, ErrRateLimited) match.
func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// RetryAfter extracts the advised wait from err, if it carries one.
func RetryAfter(err error) (time.Duration, bool) {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return rle.RetryAfter, true
	}
	return 0, false
}
