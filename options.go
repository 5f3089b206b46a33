package apiclient

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// WithBaseURL sets the URL relative request paths are resolved against.
func WithBaseURL(u string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSuffix(u, "/")
	}
}

// WithClientType sets the x-client-type header value.
func WithClientType(t string) Option {
	return func(c *Client) {
		c.clientType = t
	}
}

// WithAuthEndpoints overrides the login, refresh and logout paths. An empty
// logout path disables the server-side logout call.
func WithAuthEndpoints(login, refresh, logout string) Option {
	return func(c *Client) {
		c.loginPath = login
		c.refreshPath = refresh
		c.logoutPath = logout
	}
}

// WithTokenStore shares a token store, e.g. one backed by a persister.
func WithTokenStore(store *TokenStore) Option {
	return func(c *Client) {
		c.store = store
	}
}

// WithRefresher replaces the HTTP refresher built from the refresh path.
func WithRefresher(r Refresher) Option {
	return func(c *Client) {
		c.refresher = r
	}
}

// WithRefreshTimeout bounds each session refresh call.
func WithRefreshTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.refreshTimeout = d
	}
}

// WithMaxRetries sets the maximum number of retry attempts
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithInitialBackoff sets the initial backoff duration
func WithInitialBackoff(d time.Duration) Option {
	return func(c *Client) {
		c.initialBackoff = d
	}
}

// WithMaxBackoff sets the maximum backoff duration
func WithMaxBackoff(d time.Duration) Option {
	return func(c *Client) {
		c.maxBackoff = d
	}
}

// WithBackoffMultiplier sets the backoff multiplier
func WithBackoffMultiplier(f float64) Option {
	return func(c *Client) {
		c.backoffMultiplier = f
	}
}

// WithJitter sets the jitter factor for backoff (0.0 to 1.0)
func WithJitter(f float64) Option {
	return func(c *Client) {
		if f < 0 {
			f = 0
		}
		if f > 1 {
			f = 1
		}
		c.jitter = f
	}
}

// WithBackoffStrategy selects the delay curve of the default retry policy.
func WithBackoffStrategy(s BackoffStrategy) Option {
	return func(c *Client) {
		c.backoffStrategy = s
	}
}

// WithRetryPolicy replaces the default retry policy entirely.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(c *Client) {
		c.retryPolicy = p
	}
}

// WithRetryBudget caps retries across the client to maxRetries per window.
func WithRetryBudget(maxRetries int, perWindow time.Duration) Option {
	return func(c *Client) {
		c.retryBudget = NewRetryBudget(maxRetries, perWindow)
	}
}

// WithRateLimitRetry lets a 429 be retried up to n times per request when the
// server asks to wait no longer than maxWait.
func WithRateLimitRetry(n int, maxWait time.Duration) Option {
	return func(c *Client) {
		c.rateLimitPolicy = RateLimitPolicy{MaxRetries: n, MaxWait: maxWait}
	}
}

// WithTimeout sets the per-attempt timeout
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithMiddleware adds middleware to the client
func WithMiddleware(middleware ...Middleware) Option {
	return func(c *Client) {
		c.middleware = append(c.middleware, middleware...)
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithEventBus shares an event bus between clients.
func WithEventBus(bus *EventBus) Option {
	return func(c *Client) {
		c.bus = bus
	}
}

// WithSubscriber subscribes s to the client's event bus.
func WithSubscriber(s Subscriber) Option {
	return func(c *Client) {
		c.subscribers = append(c.subscribers, s)
	}
}

// WithMetrics enables Prometheus metrics collection
func WithMetrics() Option {
	return func(c *Client) {
		c.metrics = NewMetricsCollector()
	}
}

// WithMetricsCollector sets a custom metrics collector
func WithMetricsCollector(collector *MetricsCollector) Option {
	return func(c *Client) {
		c.metrics = collector
	}
}

// WithDebug enables debug logging with default configuration
func WithDebug() Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.Enabled = true
	}
}

// WithDebugConfig sets custom debug configuration
func WithDebugConfig(config *DebugConfig) Option {
	return func(c *Client) {
		c.debug = config
	}
}

// WithLogger sets a custom logger for debug output
func WithLogger(logger Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithZapLogger logs through l.
func WithZapLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.logger = NewZapLogger(l)
	}
}

// WithCorrelationIDGenerator sets the function generating x-correlation-id values.
func WithCorrelationIDGenerator(gen func() string) Option {
	return func(c *Client) {
		if c.debug == nil {
			c.debug = DefaultDebugConfig()
		}
		c.debug.CorrelationIDGen = gen
	}
}

// ValidateConfiguration validates the client configuration and returns an error if invalid
func (c *Client) ValidateConfiguration() error {
	var errors []string

	errors = append(errors, c.validateEndpointConfig()...)
	errors = append(errors, c.validateRetryConfig()...)
	errors = append(errors, c.validateRateLimitConfig()...)
	errors = append(errors, c.validateDebugConfig()...)
	errors = append(errors, c.validateMiddlewareConfig()...)
	errors = append(errors, c.validateHTTPClientConfig()...)
	errors = append(errors, c.validateExtremeValues()...)

	if len(errors) > 0 {
		return &APIError{
			Kind:      KindValidationError,
			Message:   "configuration validation failed",
			Cause:     fmt.Errorf("validation errors: %v", errors),
			Timestamp: time.Now(),
		}
	}

	return nil
}

func (c *Client) validateEndpointConfig() []string {
	var errors []string

	if c.baseURL != "" && (c.base == nil || c.base.Scheme == "" || c.base.Host == "") {
		errors = append(errors, fmt.Sprintf("baseURL %q must be an absolute URL", c.baseURL))
	}
	if c.clientType == "" {
		errors = append(errors, "clientType must not be empty")
	}
	if c.refreshTimeout < 0 {
		errors = append(errors, "refreshTimeout must be non-negative")
	}

	return errors
}

// validateRetryConfig validates retry-related configuration
func (c *Client) validateRetryConfig() []string {
	var errors []string

	if c.maxRetries < 0 {
		errors = append(errors, "maxRetries must be non-negative")
	}

	if c.initialBackoff <= 0 {
		errors = append(errors, "initialBackoff must be positive")
	}

	if c.maxBackoff < c.initialBackoff {
		errors = append(errors, "maxBackoff must be greater than or equal to initialBackoff")
	}

	if c.backoffMultiplier <= 0 {
		errors = append(errors, "backoffMultiplier must be positive")
	}

	if c.jitter < 0 || c.jitter > 1 {
		errors = append(errors, "jitter must be between 0 and 1 (will be clamped automatically)")
	}

	if c.timeout <= 0 {
		errors = append(errors, "timeout must be positive")
	}

	if c.retryBudget != nil && (c.retryBudget.maxRetries <= 0 || c.retryBudget.perWindow <= 0) {
		errors = append(errors, "retryBudget maxRetries and window must be positive")
	}

	return errors
}

func (c *Client) validateRateLimitConfig() []string {
	var errors []string

	if c.rateLimitPolicy.MaxRetries < 0 {
		errors = append(errors, "rate limit retries must be non-negative")
	}
	if c.rateLimitPolicy.MaxRetries > 0 && c.rateLimitPolicy.MaxWait <= 0 {
		errors = append(errors, "rate limit maxWait must be positive when rate limit retries are enabled")
	}

	return errors
}

// validateDebugConfig validates debug configuration
func (c *Client) validateDebugConfig() []string {
	var errors []string

	if c.debug == nil {
		errors = append(errors, "debug config cannot be nil")
		return errors
	}
	if c.debug.Enabled {
		if c.debug.CorrelationIDGen == nil {
			errors = append(errors, "debug CorrelationIDGen must be set when debug is enabled")
		}
		if c.logger == nil {
			errors = append(errors, "logger must be set when debug is enabled")
		}
	}

	return errors
}

// validateMiddlewareConfig validates middleware configuration
func (c *Client) validateMiddlewareConfig() []string {
	var errors []string

	for i, middleware := range c.middleware {
		if middleware == nil {
			errors = append(errors, fmt.Sprintf("middleware[%d] cannot be nil", i))
		}
	}

	return errors
}

// validateHTTPClientConfig validates HTTP client configuration
func (c *Client) validateHTTPClientConfig() []string {
	var errors []string

	if c.httpClient == nil {
		errors = append(errors, "HTTP client cannot be nil")
	}

	return errors
}

// validateExtremeValues validates that configuration values are within reasonable bounds
func (c *Client) validateExtremeValues() []string {
	var errors []string

	if c.maxRetries > 100 {
		errors = append(errors, "maxRetries > 100 may cause excessive resource usage")
	}

	if c.initialBackoff > 10*time.Minute {
		errors = append(errors, "initialBackoff > 10m may cause very long delays")
	}
	if c.maxBackoff > 1*time.Hour {
		errors = append(errors, "maxBackoff > 1h may cause extremely long delays")
	}

	if c.timeout > 10*time.Minute {
		errors = append(errors, "timeout > 10m may cause requests to hang for too long")
	}

	if c.rateLimitPolicy.MaxWait > maxRetryAfter {
		errors = append(errors, "rate limit maxWait > 1h exceeds the Retry-After cap")
	}

	return errors
}
