package apiclient

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind is the classified category of a failed request.
type ErrorKind int

const (
	KindUnauthorized ErrorKind = iota + 1
	KindForbidden
	KindRateLimited
	KindServerError
	KindNetworkError
	KindValidationError
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnauthorized:
		return "Unauthorized"
	case KindForbidden:
		return "Forbidden"
	case KindRateLimited:
		return "RateLimited"
	case KindServerError:
		return "ServerError"
	case KindNetworkError:
		return "NetworkError"
	case KindValidationError:
		return "ValidationError"
	default:
		return "Unknown"
	}
}

// Retryable reports whether the generic retry policy may retry this kind.
func (k ErrorKind) Retryable() bool {
	return k == KindNetworkError || k == KindServerError
}

// Sentinel errors, one per kind, matched by errors.Is against *APIError.
var (
	ErrUnauthorized = errors.New("apiclient: unauthorized")
	ErrForbidden    = errors.New("apiclient: forbidden")
	ErrRateLimited  = errors.New("apiclient: rate limited")
	ErrServer       = errors.New("apiclient: server error")
	ErrNetwork      = errors.New("apiclient: network error")
	ErrValidation   = errors.New("apiclient: validation error")

	// ErrSessionExpired is the cause of the terminal Unauthorized error
	// returned when the session could not be refreshed.
	ErrSessionExpired = errors.New("apiclient: session expired")

	// ErrRetryBudgetExceeded is the cause when the client-wide retry budget
	// stopped a retry that the policy would otherwise have made.
	ErrRetryBudgetExceeded = errors.New("apiclient: retry budget exceeded")

	// ErrNoSession is returned by operations that need a logged in user.
	ErrNoSession = errors.New("apiclient: no session")
)

var kindSentinels = map[ErrorKind]error{
	KindUnauthorized:    ErrUnauthorized,
	KindForbidden:       ErrForbidden,
	KindRateLimited:     ErrRateLimited,
	KindServerError:     ErrServer,
	KindNetworkError:    ErrNetwork,
	KindValidationError: ErrValidation,
}

// APIError is the classified error returned by the client.
type APIError struct {
	Kind          ErrorKind
	StatusCode    int
	Message       string
	RetryAfter    time.Duration
	CorrelationID string
	Method        string
	URL           string
	Endpoint      string
	Attempt       int
	MaxRetries    int
	Timestamp     time.Time
	Duration      time.Duration
	Cause         error
}

// Error implements error interface.
func (e *APIError) Error() string {
	if e == nil {
		return "<nil>"
	}

	msg := fmt.Sprintf("%s: %s", e.Kind, e.Message)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s: %s (status %d)", e.Kind, e.Message, e.StatusCode)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.Cause)
	}
	if e.CorrelationID != "" {
		msg = fmt.Sprintf("[%s] %s", e.CorrelationID, msg)
	}
	if e.Attempt > 0 {
		msg = fmt.Sprintf("%s (attempt %d/%d)", msg, e.Attempt, e.MaxRetries)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *APIError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// Is matches the kind sentinels and other *APIError values of the same kind.
func (e *APIError) Is(target error) bool {
	if e == nil {
		return false
	}
	if other, ok := target.(*APIError); ok {
		return e.Kind == other.Kind
	}
	return kindSentinels[e.Kind] == target
}

// Retryable reports whether the generic retry policy may retry e.
func (e *APIError) Retryable() bool {
	return e != nil && e.Kind.Retryable()
}

// DebugInfo renders a multi-line string with diagnostic context.
func (e *APIError) DebugInfo() string {
	if e == nil {
		return "Error: <nil>"
	}
	info := fmt.Sprintf("Kind: %s\n", e.Kind)
	info += fmt.Sprintf("Message: %s\n", e.Message)
	if e.CorrelationID != "" {
		info += fmt.Sprintf("Correlation ID: %s\n", e.CorrelationID)
	}
	if e.Method != "" {
		info += fmt.Sprintf("Method: %s\n", e.Method)
	}
	if e.URL != "" {
		info += fmt.Sprintf("URL: %s\n", e.URL)
	}
	if e.StatusCode > 0 {
		info += fmt.Sprintf("Status Code: %d\n", e.StatusCode)
	}
	if e.RetryAfter > 0 {
		info += fmt.Sprintf("Retry After: %v\n", e.RetryAfter)
	}
	if e.Attempt > 0 {
		info += fmt.Sprintf("Attempt: %d/%d\n", e.Attempt, e.MaxRetries)
	}
	if !e.Timestamp.IsZero() {
		info += fmt.Sprintf("Timestamp: %s\n", e.Timestamp.Format(time.RFC3339))
	}
	if e.Duration > 0 {
		info += fmt.Sprintf("Duration: %v\n", e.Duration)
	}
	if e.Cause != nil {
		info += fmt.Sprintf("Cause: %v\n", e.Cause)
	}
	return info
}

// KindOf returns the kind of a classified error, or 0 when err is not one.
func KindOf(err error) ErrorKind {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind
	}
	return 0
}

// IsRetryable reports whether err is a network or server failure.
func IsRetryable(err error) bool {
	return KindOf(err).Retryable()
}
