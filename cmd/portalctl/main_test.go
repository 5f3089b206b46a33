package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fakePortal(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		var cred map[string]string
		_ = json.NewDecoder(r.Body).Decode(&cred)
		w.Header().Set("Content-Type", "application/json")
		if cred["password"] != "pw" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"invalid credentials"}`))
			return
		}
		_, _ = w.Write([]byte(`{"accessToken":"a-1","refreshToken":"r-1","expiresIn":600,"user":{"id":"u-1","email":"asha@example.com","name":"Asha","role":"admin"}}`))
	})
	mux.HandleFunc("POST /auth/logout", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("GET /leads", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer a-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if !strings.HasPrefix(r.Header.Get("User-Agent"), "portalctl/") {
			t.Errorf("User-Agent = %q", r.Header.Get("User-Agent"))
		}
		_, _ = w.Write([]byte(`[{"id":"lead-1"}]`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func setupEnv(t *testing.T, baseURL string) {
	t.Helper()
	color.NoColor = true
	t.Setenv("PORTAL_BASE_URL", baseURL)
	t.Setenv("PORTAL_SESSION_STORE", "file")
	t.Setenv("PORTAL_SESSION_PATH", filepath.Join(t.TempDir(), "session.bin"))
	t.Setenv("PORTAL_SESSION_PASSPHRASE", "test-pass")
	t.Setenv("PORTAL_MAX_RETRIES", "0")
	t.Setenv("CONFIG_PATH", "")
}

func runCmd(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestSessionLifecycle(t *testing.T) {
	srv := fakePortal(t)
	setupEnv(t, srv.URL)

	code, out, errOut := runCmd(t, "-email", "asha@example.com", "-password", "pw", "login")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "logged in as Asha")

	code, out, errOut = runCmd(t, "whoami")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, "Asha <asha@example.com>")

	code, out, errOut = runCmd(t, "get", "/leads")
	require.Equal(t, 0, code, errOut)
	assert.Contains(t, out, `"id": "lead-1"`)

	code, out, _ = runCmd(t, "logout")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "logged out")

	code, _, errOut = runCmd(t, "whoami")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "not signed in")
}

func TestLoginFailurePrintsKind(t *testing.T) {
	srv := fakePortal(t)
	setupEnv(t, srv.URL)

	code, _, errOut := runCmd(t, "-email", "asha@example.com", "-password", "nope", "login")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "Unauthorized: invalid credentials")
}

func TestUsageErrors(t *testing.T) {
	srv := fakePortal(t)
	setupEnv(t, srv.URL)

	code, _, _ := runCmd(t)
	assert.Equal(t, 2, code)

	code, _, errOut := runCmd(t, "frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, `unknown command "frobnicate"`)

	code, _, _ = runCmd(t, "get")
	assert.Equal(t, 2, code)
}

func TestVersion(t *testing.T) {
	code, out, _ := runCmd(t, "version")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "portal apiclient")
}

func TestInvalidConfig(t *testing.T) {
	color.NoColor = true
	t.Setenv("PORTAL_BASE_URL", "")
	t.Setenv("CONFIG_PATH", "")
	code, _, errOut := runCmd(t, "whoami")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "invalid config")
}
