package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tharun-truereach/Solarium-CP-CU-APP-sub004/internal/singleflight"
)

const refreshKey = "session"

// Refresher exchanges a refresh token for a new session.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Session, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, refreshToken string) (Session, error)

func (f RefresherFunc) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	return f(ctx, refreshToken)
}

// tokenResponse is the backend's body for login and refresh.
type tokenResponse struct {
	AccessToken  string     `json:"accessToken"`
	RefreshToken string     `json:"refreshToken"`
	ExpiresIn    int64      `json:"expiresIn"`
	ExpiresAt    *time.Time `json:"expiresAt"`
	User         *User      `json:"user"`
}

func (t tokenResponse) session(now time.Time) Session {
	s := Session{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		User:         t.User,
	}
	switch {
	case t.ExpiresAt != nil:
		s.ExpiresAt = *t.ExpiresAt
	case t.ExpiresIn > 0:
		s.ExpiresAt = now.Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	return s
}

// HTTPRefresher calls the backend refresh endpoint directly on an
// *http.Client, outside the request pipeline, so its own 401 is final.
type HTTPRefresher struct {
	httpClient *http.Client
	url        string
	clientType string
}

// NewHTTPRefresher posts {"refreshToken": ...} to url.
func NewHTTPRefresher(httpClient *http.Client, url, clientType string) *HTTPRefresher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if clientType == "" {
		clientType = defaultClientType
	}
	return &HTTPRefresher{httpClient: httpClient, url: url, clientType: clientType}
}

func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	payload, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
	if err != nil {
		return Session{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(payload))
	if err != nil {
		return Session{}, fmt.Errorf("build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderClientType, r.clientType)
	req.Header.Set(HeaderCorrelationID, uuid.NewString())

	resp, err := r.httpClient.Do(req)
	if err != nil {
		apiErr := Classify(nil, nil, err)
		apiErr.Method, apiErr.URL = req.Method, r.url
		return Session{}, apiErr
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		apiErr := Classify(nil, nil, err)
		apiErr.Method, apiErr.URL = req.Method, r.url
		return Session{}, apiErr
	}
	if apiErr := Classify(resp, body, nil); apiErr != nil {
		apiErr.Method, apiErr.URL = req.Method, r.url
		return Session{}, apiErr
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil || tr.AccessToken == "" {
		return Session{}, &APIError{
			Kind:       KindValidationError,
			StatusCode: resp.StatusCode,
			Message:    "refresh response has no access token",
			Method:     req.Method,
			URL:        r.url,
			Cause:      err,
			Timestamp:  time.Now(),
		}
	}
	return tr.session(time.Now()), nil
}

// RefreshCoordinator serialises token refreshes: however many requests hit a
// 401 at once, one refresh call is made and every caller gets its outcome.
type RefreshCoordinator struct {
	store     *TokenStore
	refresher Refresher
	bus       *EventBus
	timeout   time.Duration
	logger    Logger
	debug     *DebugConfig
	metrics   *MetricsCollector

	group singleflight.Group
	calls atomic.Int64

	mu           sync.Mutex
	expiredGen   uint64
	expiredFired bool
}

// NewRefreshCoordinator wires a coordinator. timeout bounds each refresh call
// (0 = no bound beyond the refresher's own).
func NewRefreshCoordinator(store *TokenStore, refresher Refresher, bus *EventBus, timeout time.Duration) *RefreshCoordinator {
	if bus == nil {
		bus = NewEventBus()
	}
	return &RefreshCoordinator{
		store:     store,
		refresher: refresher,
		bus:       bus,
		timeout:   timeout,
		debug:     DefaultDebugConfig(),
	}
}

// Calls returns how many refresh calls reached the refresher.
func (rc *RefreshCoordinator) Calls() int64 {
	return rc.calls.Load()
}

// Refresh returns a token to replay a request that failed with staleToken.
//
// If the store already holds a different token, a refresh finished in the
// meantime and that token is returned without a new call. Otherwise the
// caller joins the single in-flight refresh (starting it if needed). Waiters
// are released in arrival order. Cancelling ctx only abandons this caller's
// wait.
//
// On failure the session is cleared and the returned error is an
// Unauthorized *APIError wrapping ErrSessionExpired; EventUnauthorized is
// published once for the lost session.
func (rc *RefreshCoordinator) Refresh(ctx context.Context, staleToken string) (string, error) {
	if tok, ok := rc.store.Token(); ok && tok != staleToken {
		return tok, nil
	}

	v, err, shared := rc.group.Do(ctx, refreshKey, func(fctx context.Context) (any, error) {
		return rc.doRefresh(fctx, staleToken)
	})
	if shared {
		rc.metrics.RecordRefreshWaiter()
		rc.logRefresh("Joined in-flight refresh")
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (rc *RefreshCoordinator) doRefresh(ctx context.Context, staleToken string) (string, error) {
	// a refresh may have completed between the caller's check and joining
	if tok, ok := rc.store.Token(); ok && tok != staleToken {
		return tok, nil
	}

	gen := rc.store.Generation()
	refreshToken := rc.store.RefreshToken()
	if refreshToken == "" || rc.refresher == nil {
		return "", rc.expire(ctx, gen, nil)
	}

	if rc.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rc.timeout)
		defer cancel()
	}

	rc.calls.Add(1)
	rc.logRefresh("Refreshing session")
	start := time.Now()
	sess, err := rc.refresher.Refresh(ctx, refreshToken)
	if err == nil && sess.AccessToken == "" {
		err = errors.New("refresher returned an empty access token")
	}
	if err != nil {
		rc.metrics.RecordRefresh("failure", time.Since(start))
		if rc.logger != nil {
			rc.logger.Warn("Session refresh failed", "error", err.Error())
		}
		return "", rc.expire(ctx, gen, err)
	}
	rc.metrics.RecordRefresh("success", time.Since(start))

	prev, _ := rc.store.Session()
	if sess.RefreshToken == "" {
		sess.RefreshToken = refreshToken
	}
	if sess.User == nil {
		sess.User = prev.User
	}
	sess.Remember = prev.Remember

	committed, err := rc.store.replaceIf(ctx, gen, sess)
	if err != nil && rc.logger != nil {
		// the in-memory session is already replaced; only persistence failed
		rc.logger.Warn("Persisting refreshed session failed", "error", err.Error())
	}
	if !committed {
		// logout or a new login happened while the refresh was running
		if tok, ok := rc.store.Token(); ok && tok != staleToken {
			return tok, nil
		}
		rc.logRefresh("Session ended during refresh, discarding refreshed tokens")
		return "", &APIError{
			Kind:      KindUnauthorized,
			Message:   "session ended during refresh",
			Cause:     ErrSessionExpired,
			Timestamp: time.Now(),
		}
	}
	rc.logRefresh("Session refreshed", "expiresAt", sess.ExpiresAt)

	rc.publish(ctx, Event{Type: EventSessionRefreshed, Time: time.Now()})
	return sess.AccessToken, nil
}

// expire clears the session of generation gen and fires the redirect event
// once for it. A newer session set meanwhile is left alone.
func (rc *RefreshCoordinator) expire(ctx context.Context, gen uint64, cause error) error {
	apiErr := &APIError{
		Kind:      KindUnauthorized,
		Message:   "session expired",
		Cause:     ErrSessionExpired,
		Timestamp: time.Now(),
	}
	if cause != nil {
		apiErr.Cause = fmt.Errorf("%w: %w", ErrSessionExpired, cause)
		var refreshErr *APIError
		if errors.As(cause, &refreshErr) {
			apiErr.StatusCode = refreshErr.StatusCode
		}
	}
	rc.endSession(ctx, gen, apiErr)
	return apiErr
}

// Reject handles a 401 for token on a request that was already replayed
// after a refresh. While token is still the current one the session is
// ended like a failed refresh; the redirect event fires once per session no
// matter how many requests are rejected.
func (rc *RefreshCoordinator) Reject(ctx context.Context, token string, apiErr *APIError) {
	current, gen := rc.store.snapshot()
	if current == "" || current != token {
		return
	}
	rc.endSession(ctx, gen, apiErr)
}

func (rc *RefreshCoordinator) endSession(ctx context.Context, gen uint64, apiErr *APIError) {
	cleared, err := rc.store.clearIf(ctx, gen)
	if err != nil && rc.logger != nil {
		rc.logger.Error("Clearing session failed", "error", err.Error())
	}
	if !cleared {
		return
	}

	rc.mu.Lock()
	fire := !rc.expiredFired || rc.expiredGen != gen
	if fire {
		rc.expiredFired = true
		rc.expiredGen = gen
	}
	rc.mu.Unlock()

	if fire {
		rc.logRefresh("Session expired, redirecting to login")
		rc.publish(ctx, newErrorEvent(apiErr))
	}
}

func (rc *RefreshCoordinator) publish(ctx context.Context, e Event) {
	rc.metrics.RecordEvent(string(e.Type))
	rc.bus.Publish(ctx, e)
}

func (rc *RefreshCoordinator) logRefresh(msg string, args ...any) {
	if rc.debug != nil && rc.debug.Enabled && rc.debug.LogRefresh && rc.logger != nil {
		rc.logger.Debug(msg, args...)
	}
}
