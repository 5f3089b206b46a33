package apiclient

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/tharun-truereach/Solarium-CP-CU-APP-sub004/internal/backoff"
)

// RetryPolicy decides whether a classified failure is retried and after how
// long. attempt is 0 for the first retry.
type RetryPolicy interface {
	ShouldRetry(req *http.Request, apiErr *APIError, attempt int) (time.Duration, bool)
}

// BackoffStrategy selects the delay curve of DefaultRetryPolicy.
type BackoffStrategy int

const (
	// ExponentialJitter is base * multiplier^attempt, capped, plus jitter.
	ExponentialJitter BackoffStrategy = iota
	// DecorrelatedJitter draws from [base, min(cap, base*3^attempt)].
	DecorrelatedJitter
)

func (s BackoffStrategy) String() string {
	switch s {
	case ExponentialJitter:
		return "ExponentialJitter"
	case DecorrelatedJitter:
		return "DecorrelatedJitter"
	default:
		return "Unknown"
	}
}

func (s BackoffStrategy) strategy() backoff.Strategy {
	if s == DecorrelatedJitter {
		return backoff.Decorrelated{}
	}
	return backoff.Exponential{}
}

// DefaultRetryPolicy retries network and server failures of idempotent
// requests with capped exponential backoff.
type DefaultRetryPolicy struct {
	maxRetries      int
	params          backoff.Params
	backoffStrategy BackoffStrategy
	isIdempotent    func(method string) bool
}

// NewDefaultRetryPolicy creates a retry policy using exponential jitter that
// only retries idempotent methods unless the request opts in.
func NewDefaultRetryPolicy(maxRetries int, initialBackoff, maxBackoff time.Duration, multiplier, jitter float64) *DefaultRetryPolicy {
	return NewDefaultRetryPolicyWithStrategy(maxRetries, initialBackoff, maxBackoff, multiplier, jitter, ExponentialJitter)
}

// NewDefaultRetryPolicyWithStrategy creates a retry policy with a specific backoff strategy.
func NewDefaultRetryPolicyWithStrategy(maxRetries int, initialBackoff, maxBackoff time.Duration, multiplier, jitter float64, strategy BackoffStrategy) *DefaultRetryPolicy {
	return &DefaultRetryPolicy{
		maxRetries: maxRetries,
		params: backoff.Params{
			Base:       initialBackoff,
			Max:        maxBackoff,
			Multiplier: multiplier,
			Jitter:     jitter,
		},
		backoffStrategy: strategy,
		isIdempotent:    DefaultIsIdempotent,
	}
}

// ShouldRetry implements the RetryPolicy interface.
func (p *DefaultRetryPolicy) ShouldRetry(req *http.Request, apiErr *APIError, attempt int) (time.Duration, bool) {
	if apiErr == nil || attempt >= p.maxRetries {
		return 0, false
	}
	if !apiErr.Retryable() {
		return 0, false
	}
	if req != nil && !p.isIdempotent(req.Method) && !retryControlFrom(req.Context()).Idempotent {
		return 0, false
	}
	return p.Backoff(attempt), true
}

// Backoff returns the delay before retry number attempt (0-based).
func (p *DefaultRetryPolicy) Backoff(attempt int) time.Duration {
	return p.backoffStrategy.strategy().Delay(attempt, p.params)
}

// MaxRetries returns the retry bound.
func (p *DefaultRetryPolicy) MaxRetries() int {
	return p.maxRetries
}

// DefaultIsIdempotent returns true for idempotent HTTP methods.
func DefaultIsIdempotent(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions:
		return true
	default:
		return false
	}
}

// RateLimitPolicy is the separate budget for 429 responses. A 429 is retried
// only when the server's Retry-After fits within MaxWait, and at most
// MaxRetries times per request. The zero value never retries.
type RateLimitPolicy struct {
	MaxRetries int
	MaxWait    time.Duration
}

func (p RateLimitPolicy) shouldRetry(apiErr *APIError, rateLimitAttempt int) (time.Duration, bool) {
	if apiErr == nil || apiErr.Kind != KindRateLimited {
		return 0, false
	}
	if rateLimitAttempt >= p.MaxRetries || apiErr.RetryAfter <= 0 || apiErr.RetryAfter > p.MaxWait {
		return 0, false
	}
	return apiErr.RetryAfter, true
}

// RetryControl holds per-request retry overrides carried on the context.
type RetryControl struct {
	// Disabled turns retries off for the request regardless of policy.
	Disabled bool
	// Idempotent lets the default policy retry a POST/PATCH.
	Idempotent bool
}

type contextKey string

// RetryControlKey is the context key holding a *RetryControl.
const RetryControlKey contextKey = "apiclient_retry_control"

// WithContextNoRetry disables retries for requests made with ctx.
func WithContextNoRetry(ctx context.Context) context.Context {
	ctrl := retryControlFrom(ctx)
	ctrl.Disabled = true
	return context.WithValue(ctx, RetryControlKey, &ctrl)
}

// WithContextIdempotent marks requests made with ctx as safe to retry.
func WithContextIdempotent(ctx context.Context) context.Context {
	ctrl := retryControlFrom(ctx)
	ctrl.Idempotent = true
	return context.WithValue(ctx, RetryControlKey, &ctrl)
}

func retryControlFrom(ctx context.Context) RetryControl {
	if ctx == nil {
		return RetryControl{}
	}
	if ctrl, ok := ctx.Value(RetryControlKey).(*RetryControl); ok && ctrl != nil {
		return *ctrl
	}
	return RetryControl{}
}

// RetryBudget caps retries across the whole client within a time window.
type RetryBudget struct {
	maxRetries  int64
	perWindow   time.Duration
	current     int64
	windowStart int64
}

// NewRetryBudget creates a new retry budget tracker.
func NewRetryBudget(maxRetries int, perWindow time.Duration) *RetryBudget {
	return &RetryBudget{
		maxRetries:  int64(maxRetries),
		perWindow:   perWindow,
		windowStart: time.Now().UnixNano(),
	}
}

// Allow checks if a retry is allowed under the current budget.
func (rb *RetryBudget) Allow() bool {
	now := time.Now().UnixNano()
	windowStart := atomic.LoadInt64(&rb.windowStart)

	if now-windowStart >= int64(rb.perWindow) {
		if atomic.CompareAndSwapInt64(&rb.windowStart, windowStart, now) {
			atomic.StoreInt64(&rb.current, 0)
		}
	}

	if atomic.LoadInt64(&rb.current) >= rb.maxRetries {
		return false
	}
	return atomic.AddInt64(&rb.current, 1) <= rb.maxRetries
}

// GetStats returns current retry budget statistics.
func (rb *RetryBudget) GetStats() (current, max int64, windowStart time.Time) {
	return atomic.LoadInt64(&rb.current),
		rb.maxRetries,
		time.Unix(0, atomic.LoadInt64(&rb.windowStart))
}
