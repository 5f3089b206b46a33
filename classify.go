package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const maxRetryAfter = time.Hour

// Classify maps the outcome of one attempt onto the error taxonomy. It returns
// nil for a response below 400 with no transport error. body is the already
// read response body, used for the `{"message": ...}` contract.
func Classify(resp *http.Response, body []byte, err error) *APIError {
	if err != nil {
		return classifyTransport(err)
	}
	if resp == nil {
		return &APIError{Kind: KindNetworkError, Message: "no response", Timestamp: time.Now()}
	}
	if resp.StatusCode < 400 {
		return nil
	}

	apiErr := &APIError{
		Kind:       kindForStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Message:    errorMessage(resp.StatusCode, body),
		Timestamp:  time.Now(),
	}
	if apiErr.Kind == KindRateLimited {
		apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return apiErr
}

func kindForStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized:
		return KindUnauthorized
	case status == http.StatusForbidden:
		return KindForbidden
	case status == http.StatusTooManyRequests:
		return KindRateLimited
	case status >= 500:
		return KindServerError
	default:
		return KindValidationError
	}
}

func classifyTransport(err error) *APIError {
	apiErr := &APIError{
		Kind:      KindNetworkError,
		Message:   "network request failed",
		Cause:     err,
		Timestamp: time.Now(),
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		apiErr.Message = "request timed out"
	}
	return apiErr
}

// errorMessage prefers the backend's `message` field and falls back to the
// status text.
func errorMessage(status int, body []byte) string {
	if len(body) > 0 {
		var payload struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &payload) == nil && payload.Message != "" {
			return payload.Message
		}
	}
	if text := http.StatusText(status); text != "" {
		return strings.ToLower(text)
	}
	return "unexpected status " + strconv.Itoa(status)
}

// parseRetryAfter supports both delay-seconds and HTTP-date forms, capped at
// one hour.
func parseRetryAfter(value string) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}

	if seconds, err := strconv.Atoi(value); err == nil {
		if seconds <= 0 {
			return 0
		}
		delay := time.Duration(seconds) * time.Second
		if delay > maxRetryAfter {
			delay = maxRetryAfter
		}
		return delay
	}

	if t, err := http.ParseTime(value); err == nil {
		delay := time.Until(t)
		if delay <= 0 {
			return 0
		}
		if delay > maxRetryAfter {
			delay = maxRetryAfter
		}
		return delay
	}

	return 0
}
