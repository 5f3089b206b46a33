package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxBodyBytes = 10 << 20

// Client executes authenticated requests against the portal backend. It owns
// the pipeline sign -> send -> classify -> refresh-and-replay -> retry and
// is safe for concurrent use.
type Client struct {
	httpClient        *http.Client
	baseURL           string
	base              *url.URL
	clientType        string
	maxRetries        int
	initialBackoff    time.Duration
	maxBackoff        time.Duration
	backoffMultiplier float64
	jitter            float64
	backoffStrategy   BackoffStrategy
	timeout           time.Duration
	refreshTimeout    time.Duration
	retryPolicy       RetryPolicy
	retryBudget       *RetryBudget
	rateLimitPolicy   RateLimitPolicy
	middleware        []Middleware
	loginPath         string
	refreshPath       string
	logoutPath        string
	store             *TokenStore
	refresher         Refresher
	coordinator       *RefreshCoordinator
	signer            *Signer
	bus               *EventBus
	subscribers       []Subscriber
	cooldowns         *cooldownTracker
	metrics           *MetricsCollector
	debug             *DebugConfig
	logger            Logger
	validationError   error
}

// New constructs a Client using the provided functional options. A best effort
// validation is performed; call IsValid / ValidationError for errors.
func New(options ...Option) *Client {
	client := &Client{
		httpClient:        &http.Client{},
		clientType:        defaultClientType,
		maxRetries:        3,
		initialBackoff:    100 * time.Millisecond,
		maxBackoff:        10 * time.Second,
		backoffMultiplier: 2.0,
		jitter:            0.1,
		backoffStrategy:   ExponentialJitter,
		timeout:           30 * time.Second,
		refreshTimeout:    30 * time.Second,
		middleware:        []Middleware{},
		loginPath:         "/auth/login",
		refreshPath:       "/auth/refresh",
		logoutPath:        "/auth/logout",
		debug:             DefaultDebugConfig(),
	}

	for _, option := range options {
		option(client)
	}

	client.wire()

	if err := client.ValidateConfiguration(); err != nil {
		client.validationError = err
	}

	return client
}

// wire builds the collaborators that depend on the final option values.
func (c *Client) wire() {
	if c.store == nil {
		c.store = NewTokenStore()
	}
	if c.bus == nil {
		c.bus = NewEventBus()
	}
	if c.logger != nil {
		c.bus.setLogger(c.logger)
	}
	for _, s := range c.subscribers {
		c.bus.Subscribe(s)
	}

	if c.baseURL != "" {
		if u, err := url.Parse(c.baseURL); err == nil {
			c.base = u
		}
	}

	c.signer = NewSigner(c.clientType)
	if c.debug != nil && c.debug.CorrelationIDGen != nil {
		c.signer.CorrelationIDGen = c.debug.CorrelationIDGen
	}

	if c.retryPolicy == nil {
		c.retryPolicy = NewDefaultRetryPolicyWithStrategy(c.maxRetries, c.initialBackoff, c.maxBackoff, c.backoffMultiplier, c.jitter, c.backoffStrategy)
	}

	if c.refresher == nil && c.base != nil && c.refreshPath != "" {
		if refreshURL, err := c.resolve(c.refreshPath, nil); err == nil {
			c.refresher = NewHTTPRefresher(c.httpClient, refreshURL, c.clientType)
		}
	}

	c.coordinator = NewRefreshCoordinator(c.store, c.refresher, c.bus, c.refreshTimeout)
	c.coordinator.logger = c.logger
	c.coordinator.debug = c.debug
	c.coordinator.metrics = c.metrics

	c.cooldowns = newCooldownTracker()
}

// Request describes one logical API call.
type Request struct {
	Method string
	// Path is resolved against the base URL unless it is absolute.
	Path   string
	Query  url.Values
	Header http.Header
	// Body is JSON encoded when set; RawBody is sent as is.
	Body        any
	RawBody     []byte
	ContentType string
	// Idempotent allows the default policy to retry a POST / PATCH.
	Idempotent bool
	// NoRetry disables retries for this request.
	NoRetry bool
	// SkipAuth sends no bearer token and never triggers a refresh.
	SkipAuth bool
	// Timeout overrides the per-attempt timeout.
	Timeout time.Duration
}

// Response is a fully read successful response.
type Response struct {
	StatusCode    int
	Header        http.Header
	Body          []byte
	CorrelationID string
	// Attempts counts every send, including the replay after a refresh.
	Attempts int
}

// DecodeJSON unmarshals the body into v.
func (r *Response) DecodeJSON(v any) error {
	if len(r.Body) == 0 {
		return io.EOF
	}
	return json.Unmarshal(r.Body, v)
}

type execOptions struct {
	skipAuth  bool
	noRefresh bool
	// quiet suppresses event publication
	quiet   bool
	timeout time.Duration
}

// Execute runs req through the full pipeline. Failures are returned as
// *APIError; the matching event has been published by then.
func (c *Client) Execute(ctx context.Context, req *Request) (*Response, error) {
	return c.execute(ctx, req, execOptions{})
}

func (c *Client) execute(ctx context.Context, r *Request, opts execOptions) (*Response, error) {
	if c.validationError != nil {
		return nil, c.validationError
	}
	if r == nil {
		return nil, &APIError{Kind: KindValidationError, Message: "nil request", Timestamp: time.Now()}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	body, contentType, err := r.encodeBody()
	if err != nil {
		return nil, &APIError{Kind: KindValidationError, Message: "encode request body", Cause: err, Timestamp: time.Now()}
	}
	target, err := c.resolve(r.Path, r.Query)
	if err != nil {
		return nil, &APIError{Kind: KindValidationError, Message: "invalid request URL", Cause: err, Timestamp: time.Now()}
	}

	if r.NoRetry {
		ctx = WithContextNoRetry(ctx)
	}
	if r.Idempotent {
		ctx = WithContextIdempotent(ctx)
	}

	method := r.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, &APIError{Kind: KindValidationError, Message: "build request", Cause: err, Timestamp: time.Now()}
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	opts.skipAuth = opts.skipAuth || r.SkipAuth
	if r.Timeout > 0 {
		opts.timeout = r.Timeout
	}
	return c.do(req, body, opts)
}

// Do executes a prepared *http.Request through the pipeline. The body, if
// any, is read up front so it can be replayed.
func (c *Client) Do(req *http.Request) (*Response, error) {
	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		data, err := io.ReadAll(req.Body)
		req.Body.Close()
		if err != nil {
			return nil, &APIError{Kind: KindValidationError, Message: "read request body", Cause: err, Timestamp: time.Now()}
		}
		body = data
	}
	return c.do(req, body, execOptions{})
}

func (c *Client) do(req *http.Request, body []byte, opts execOptions) (*Response, error) {
	if c.validationError != nil {
		return nil, c.validationError
	}
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	ctx := req.Context()
	start := time.Now()
	endpoint := getEndpointFromRequest(req)
	correlationID := c.signer.CorrelationID(req)
	if opts.timeout <= 0 {
		opts.timeout = c.timeout
	}

	c.metrics.RecordRequestStart(req.Method, endpoint)
	defer c.metrics.RecordRequestEnd(req.Method, endpoint)

	if c.debugOn(c.debug != nil && c.debug.LogRequests) {
		c.logger.Debug("Starting request", "correlationID", correlationID, "method", req.Method, "endpoint", endpoint)
	}

	if left, ok := c.cooldowns.remaining(endpoint); ok {
		c.metrics.RecordRateLimitCooldown(endpoint)
		apiErr := &APIError{
			Kind:       KindRateLimited,
			StatusCode: http.StatusTooManyRequests,
			Message:    "rate limited, cooling down",
			RetryAfter: left,
			Timestamp:  time.Now(),
		}
		c.annotate(apiErr, req, correlationID, 0, start)
		return nil, c.fail(ctx, apiErr, opts)
	}

	var (
		retries          int
		rateLimitRetries int
		attempts         int
		refreshed        bool
	)
	for {
		token := ""
		if !opts.skipAuth {
			token, _ = c.store.Token()
		}

		resp, apiErr := c.attempt(req, body, token, opts.timeout)
		attempts++
		if apiErr == nil {
			resp.CorrelationID = correlationID
			resp.Attempts = attempts
			c.metrics.RecordRequest(req.Method, endpoint, resp.StatusCode, time.Since(start))
			return resp, nil
		}

		if ctx.Err() != nil {
			return nil, c.canceled(req, correlationID, retries, start, ctx.Err())
		}

		c.annotate(apiErr, req, correlationID, retries, start)
		c.metrics.RecordError(apiErr.Kind, req.Method, endpoint)

		switch apiErr.Kind {
		case KindUnauthorized:
			if opts.skipAuth {
				c.metrics.RecordRequest(req.Method, endpoint, apiErr.StatusCode, time.Since(start))
				return nil, apiErr
			}
			if opts.noRefresh {
				return nil, c.fail(ctx, apiErr, opts)
			}
			if refreshed {
				// the refreshed token was refused too; the session is over
				c.metrics.RecordRequest(req.Method, endpoint, apiErr.StatusCode, apiErr.Duration)
				if !opts.quiet {
					c.coordinator.Reject(ctx, token, apiErr)
				}
				return nil, apiErr
			}
			if _, err := c.coordinator.Refresh(ctx, token); err != nil {
				return nil, c.refreshFailed(ctx, err, req, correlationID, retries, start)
			}
			refreshed = true
			continue

		case KindRateLimited:
			c.cooldowns.mark(endpoint, apiErr.RetryAfter)
			if retryControlFrom(ctx).Disabled {
				break
			}
			if delay, ok := c.rateLimitPolicy.shouldRetry(apiErr, rateLimitRetries); ok {
				rateLimitRetries++
				if c.debugOn(c.debug != nil && c.debug.LogRetries) {
					c.logger.Info("Waiting out rate limit", "correlationID", correlationID, "retryAfter", delay, "endpoint", endpoint)
				}
				if err := sleep(ctx, delay); err != nil {
					return nil, c.canceled(req, correlationID, retries, start, err)
				}
				continue
			}

		default:
			if retryControlFrom(ctx).Disabled {
				break
			}
			delay, ok := c.retryPolicy.ShouldRetry(req, apiErr, retries)
			if !ok {
				break
			}
			if c.retryBudget != nil && !c.retryBudget.Allow() {
				c.metrics.RecordRetryBudgetExceeded(endpoint)
				if c.debugOn(c.debug != nil && c.debug.LogRetries) {
					c.logger.Warn("Retry budget exceeded", "correlationID", correlationID, "endpoint", endpoint)
				}
				if apiErr.Cause != nil {
					apiErr.Cause = fmt.Errorf("%w: %w", ErrRetryBudgetExceeded, apiErr.Cause)
				} else {
					apiErr.Cause = ErrRetryBudgetExceeded
				}
				return nil, c.fail(ctx, apiErr, opts)
			}

			retries++
			c.metrics.RecordRetry(req.Method, endpoint, retries)
			if c.debugOn(c.debug != nil && c.debug.LogRetries) {
				c.logger.Info("Scheduling retry", "correlationID", correlationID, "attempt", retries, "backoff", delay, "kind", apiErr.Kind.String(), "endpoint", endpoint)
			}
			if err := sleep(ctx, delay); err != nil {
				return nil, c.canceled(req, correlationID, retries, start, err)
			}
			continue
		}

		return nil, c.fail(ctx, apiErr, opts)
	}
}

// attempt performs a single send with its own timeout and reads the body.
func (c *Client) attempt(req *http.Request, body []byte, token string, timeout time.Duration) (*Response, *APIError) {
	ctx := req.Context()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	r := req.Clone(ctx)
	if body != nil {
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
		r.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	} else {
		r.Body = http.NoBody
		r.ContentLength = 0
	}
	c.signer.Sign(r, token)

	resp, err := c.executeMiddleware(r)
	if err != nil {
		return nil, Classify(nil, nil, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, Classify(nil, nil, err)
	}
	if apiErr := Classify(resp, data, nil); apiErr != nil {
		return nil, apiErr
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func (c *Client) executeMiddleware(req *http.Request) (*http.Response, error) {
	if len(c.middleware) == 0 {
		return c.httpClient.Do(req)
	}

	current := RoundTripperFunc(c.httpClient.Do)

	for i := len(c.middleware) - 1; i >= 0; i-- {
		middleware := c.middleware[i]
		next := current
		current = RoundTripperFunc(func(r *http.Request) (*http.Response, error) {
			return middleware(r, next)
		})
	}

	return current.RoundTrip(req)
}

// fail records and publishes a terminal classified error.
func (c *Client) fail(ctx context.Context, apiErr *APIError, opts execOptions) *APIError {
	c.metrics.RecordRequest(apiErr.Method, apiErr.Endpoint, apiErr.StatusCode, apiErr.Duration)
	if !opts.quiet {
		c.publish(ctx, newErrorEvent(apiErr))
	}
	return apiErr
}

// refreshFailed turns the coordinator's error into this request's error. The
// coordinator has already published the redirect event when it was due.
func (c *Client) refreshFailed(ctx context.Context, err error, req *http.Request, correlationID string, retries int, start time.Time) error {
	var shared *APIError
	if !errors.As(err, &shared) {
		if ctx.Err() != nil {
			return c.canceled(req, correlationID, retries, start, err)
		}
		shared = &APIError{Kind: KindUnauthorized, Message: "session refresh failed", Cause: err, Timestamp: time.Now()}
	}
	apiErr := *shared
	c.annotate(&apiErr, req, correlationID, retries, start)
	c.metrics.RecordRequest(apiErr.Method, apiErr.Endpoint, apiErr.StatusCode, apiErr.Duration)
	return &apiErr
}

func (c *Client) canceled(req *http.Request, correlationID string, retries int, start time.Time, cause error) *APIError {
	apiErr := &APIError{
		Kind:      KindNetworkError,
		Message:   "request canceled",
		Cause:     cause,
		Timestamp: time.Now(),
	}
	c.annotate(apiErr, req, correlationID, retries, start)
	c.metrics.RecordRequest(apiErr.Method, apiErr.Endpoint, 0, apiErr.Duration)
	return apiErr
}

func (c *Client) annotate(apiErr *APIError, req *http.Request, correlationID string, retries int, start time.Time) {
	apiErr.Method = req.Method
	apiErr.URL = req.URL.String()
	apiErr.Endpoint = getEndpointFromRequest(req)
	apiErr.CorrelationID = correlationID
	apiErr.Attempt = retries
	apiErr.MaxRetries = c.maxRetries
	apiErr.Duration = time.Since(start)
}

func (c *Client) publish(ctx context.Context, e Event) {
	c.metrics.RecordEvent(string(e.Type))
	if c.debugOn(c.debug != nil && c.debug.LogEvents) {
		c.logger.Debug("Publishing event", "type", string(e.Type), "correlationID", e.CorrelationID, "status", e.StatusCode)
	}
	c.bus.Publish(ctx, e)
}

func (c *Client) debugOn(category bool) bool {
	return category && c.debug.Enabled && c.logger != nil
}

// resolve joins path onto the base URL; absolute URLs are used unchanged.
func (c *Client) resolve(path string, query url.Values) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	var u *url.URL
	switch {
	case ref.IsAbs():
		u = ref
	case c.base != nil:
		base := *c.base
		u = &base
		u.Path = strings.TrimSuffix(c.base.Path, "/") + "/" + strings.TrimPrefix(ref.Path, "/")
		u.RawQuery = ref.RawQuery
	default:
		return "", fmt.Errorf("relative path %q without base URL", path)
	}
	if len(query) > 0 {
		q := u.Query()
		for k, vs := range query {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (r *Request) encodeBody() ([]byte, string, error) {
	switch {
	case r.RawBody != nil:
		return r.RawBody, r.ContentType, nil
	case r.Body != nil:
		data, err := json.Marshal(r.Body)
		if err != nil {
			return nil, "", err
		}
		ct := r.ContentType
		if ct == "" {
			ct = "application/json"
		}
		return data, ct, nil
	default:
		return nil, r.ContentType, nil
	}
}

// Get performs a GET on path.
func (c *Client) Get(ctx context.Context, path string) (*Response, error) {
	return c.Execute(ctx, &Request{Method: http.MethodGet, Path: path})
}

// GetJSON performs a GET and decodes the JSON body into out.
func (c *Client) GetJSON(ctx context.Context, path string, out any) error {
	resp, err := c.Get(ctx, path)
	if err != nil {
		return err
	}
	if err := resp.DecodeJSON(out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Post sends body as JSON. POSTs are not retried unless made idempotent.
func (c *Client) Post(ctx context.Context, path string, body any) (*Response, error) {
	return c.Execute(ctx, &Request{Method: http.MethodPost, Path: path, Body: body})
}

// Patch sends body as JSON.
func (c *Client) Patch(ctx context.Context, path string, body any) (*Response, error) {
	return c.Execute(ctx, &Request{Method: http.MethodPatch, Path: path, Body: body})
}

// Delete performs a DELETE on path.
func (c *Client) Delete(ctx context.Context, path string) (*Response, error) {
	return c.Execute(ctx, &Request{Method: http.MethodDelete, Path: path})
}

// Events returns the bus classified errors are published on.
func (c *Client) Events() *EventBus {
	return c.bus
}

// Store returns the token store backing the client.
func (c *Client) Store() *TokenStore {
	return c.store
}

// Coordinator returns the refresh coordinator.
func (c *Client) Coordinator() *RefreshCoordinator {
	return c.coordinator
}

// ResetCooldowns forgets every rate-limit cooldown.
func (c *Client) ResetCooldowns() {
	c.cooldowns.reset()
}

// IsValid reports whether configuration validation passed at construction.
func (c *Client) IsValid() bool {
	return c.validationError == nil
}

// ValidationError returns the configuration validation error, if any.
func (c *Client) ValidationError() error {
	return c.validationError
}

// ValidateConfigurationStrict panics if configuration is invalid.
func (c *Client) ValidateConfigurationStrict() {
	if err := c.ValidateConfiguration(); err != nil {
		panic(fmt.Sprintf("invalid client configuration: %v", err))
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func getEndpointFromRequest(req *http.Request) string {
	if req.URL == nil {
		return "unknown"
	}

	var builder strings.Builder
	builder.WriteString(req.URL.Host)

	if path := req.URL.Path; path != "" && path != "/" {
		builder.WriteString(path)
	} else {
		builder.WriteByte('/')
	}

	return builder.String()
}
