package apiclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	contentTypeJSON    = "application/json"
	testPassword       = "secret"
	failedWriteMessage = "Failed to write response: %v"
)

// signedToken builds an HS256 JWT expiring at exp; subject distinguishes
// otherwise identical tokens.
func signedToken(t *testing.T, subject string, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(exp),
	}).SignedString([]byte("test-key"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func writeJSON(t *testing.T, w http.ResponseWriter, status int, v any) {
	t.Helper()
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		t.Errorf(failedWriteMessage, err)
	}
}

// portalServer fakes the backend auth endpoints plus a protected /data
// resource that accepts only the currently valid access token.
type portalServer struct {
	*httptest.Server
	t *testing.T

	mu           sync.Mutex
	accessToken  string
	refreshToken string
	nextToken    string
	seenTokens   []string

	refreshStatus int
	refreshDelay  time.Duration

	refreshCalls atomic.Int32
	logoutCalls  atomic.Int32
	dataCalls    atomic.Int32
}

func newPortalServer(t *testing.T) *portalServer {
	t.Helper()
	ps := &portalServer{
		t:            t,
		accessToken:  "access-1",
		refreshToken: "refresh-1",
		nextToken:    "access-2",
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", ps.login)
	mux.HandleFunc("POST /auth/refresh", ps.refresh)
	mux.HandleFunc("POST /auth/logout", func(w http.ResponseWriter, r *http.Request) {
		ps.logoutCalls.Add(1)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/data", ps.data)

	ps.Server = httptest.NewServer(mux)
	t.Cleanup(ps.Close)
	return ps
}

func (ps *portalServer) login(w http.ResponseWriter, r *http.Request) {
	var cred struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&cred); err != nil || cred.Password != testPassword {
		writeJSON(ps.t, w, http.StatusUnauthorized, map[string]string{"message": "invalid credentials"})
		return
	}
	ps.mu.Lock()
	access, refresh := ps.accessToken, ps.refreshToken
	ps.mu.Unlock()
	writeJSON(ps.t, w, http.StatusOK, map[string]any{
		"accessToken":  access,
		"refreshToken": refresh,
		"expiresIn":    900,
		"user":         map[string]string{"id": "u-1", "email": cred.Email, "name": "Asha", "role": "admin"},
	})
}

func (ps *portalServer) refresh(w http.ResponseWriter, r *http.Request) {
	ps.refreshCalls.Add(1)
	if ps.refreshDelay > 0 {
		time.Sleep(ps.refreshDelay)
	}
	if ps.refreshStatus != 0 {
		writeJSON(ps.t, w, ps.refreshStatus, map[string]string{"message": "refresh rejected"})
		return
	}

	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	ps.mu.Lock()
	defer ps.mu.Unlock()
	if body.RefreshToken != ps.refreshToken {
		writeJSON(ps.t, w, http.StatusUnauthorized, map[string]string{"message": "unknown refresh token"})
		return
	}
	ps.accessToken = ps.nextToken
	writeJSON(ps.t, w, http.StatusOK, map[string]any{"accessToken": ps.accessToken, "expiresIn": 900})
}

func (ps *portalServer) data(w http.ResponseWriter, r *http.Request) {
	ps.dataCalls.Add(1)
	token := strings.TrimPrefix(r.Header.Get(HeaderAuthorization), "Bearer ")

	ps.mu.Lock()
	ps.seenTokens = append(ps.seenTokens, token)
	valid := token != "" && token == ps.accessToken
	ps.mu.Unlock()

	if !valid {
		writeJSON(ps.t, w, http.StatusUnauthorized, map[string]string{"message": "token expired"})
		return
	}
	writeJSON(ps.t, w, http.StatusOK, map[string]bool{"ok": true})
}

// expireAccess makes the current access token invalid on the server.
func (ps *portalServer) expireAccess() {
	ps.mu.Lock()
	ps.accessToken = "server-rotated"
	ps.mu.Unlock()
}

func (ps *portalServer) tokensSeen() []string {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return append([]string(nil), ps.seenTokens...)
}

// eventRecorder collects published events.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Notify(_ context.Context, e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *eventRecorder) count(t EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// newTestClient returns a client with fast backoff pointed at baseURL.
func newTestClient(baseURL string, opts ...Option) *Client {
	base := []Option{
		WithBaseURL(baseURL),
		WithInitialBackoff(time.Millisecond),
		WithMaxBackoff(5 * time.Millisecond),
		WithJitter(0),
	}
	return New(append(base, opts...)...)
}

// withSession seeds the client's store with the server's current tokens.
func withSession(t *testing.T, c *Client, access, refresh string) {
	t.Helper()
	if err := c.Store().SetSession(context.Background(), Session{AccessToken: access, RefreshToken: refresh}); err != nil {
		t.Fatalf("SetSession() error = %v", err)
	}
}
