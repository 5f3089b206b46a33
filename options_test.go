package apiclient

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestOptionsApplied(t *testing.T) {
	httpClient := &http.Client{}
	bus := NewEventBus()
	store := NewTokenStore()
	mc := NewMetricsCollectorWithRegistry(prometheus.NewRegistry())

	client := New(
		WithBaseURL("https://api.example.com/"),
		WithClientType("partner-app"),
		WithMaxRetries(5),
		WithInitialBackoff(50*time.Millisecond),
		WithMaxBackoff(2*time.Second),
		WithBackoffMultiplier(3),
		WithJitter(0.2),
		WithTimeout(5*time.Second),
		WithRefreshTimeout(time.Second),
		WithHTTPClient(httpClient),
		WithEventBus(bus),
		WithTokenStore(store),
		WithMetricsCollector(mc),
		WithAuthEndpoints("/v2/login", "/v2/refresh", ""),
		WithRetryBudget(10, time.Minute),
		WithRateLimitRetry(2, 30*time.Second),
	)

	if !client.IsValid() {
		t.Fatalf("client invalid: %v", client.ValidationError())
	}
	if client.baseURL != "https://api.example.com" {
		t.Errorf("baseURL = %q", client.baseURL)
	}
	if client.maxRetries != 5 || client.backoffMultiplier != 3 || client.jitter != 0.2 {
		t.Error("retry options not applied")
	}
	if client.httpClient != httpClient || client.Events() != bus || client.Store() != store || client.metrics != mc {
		t.Error("collaborator options not applied")
	}
	if client.signer.ClientType != "partner-app" {
		t.Errorf("signer client type = %q", client.signer.ClientType)
	}
	if client.retryBudget == nil || client.rateLimitPolicy.MaxRetries != 2 {
		t.Error("budget options not applied")
	}
	if client.logoutPath != "" || client.loginPath != "/v2/login" {
		t.Error("auth endpoints not applied")
	}
	refresher, ok := client.refresher.(*HTTPRefresher)
	if !ok || refresher.url != "https://api.example.com/v2/refresh" {
		t.Errorf("refresher = %#v", client.refresher)
	}
	if client.coordinator.timeout != time.Second {
		t.Errorf("refresh timeout = %v", client.coordinator.timeout)
	}
}

func TestWithJitterClamps(t *testing.T) {
	if c := New(WithJitter(-1)); c.jitter != 0 {
		t.Errorf("jitter = %v, want 0", c.jitter)
	}
	if c := New(WithJitter(3)); c.jitter != 1 {
		t.Errorf("jitter = %v, want 1", c.jitter)
	}
}

func TestWithRefresherOverridesHTTP(t *testing.T) {
	custom := RefresherFunc(func(context.Context, string) (Session, error) { return Session{}, nil })
	client := New(WithBaseURL("https://api.example.com"), WithRefresher(custom))
	if _, ok := client.refresher.(RefresherFunc); !ok {
		t.Errorf("refresher = %T", client.refresher)
	}
}

func TestSubscriberRegisteredOnFinalBus(t *testing.T) {
	rec := &eventRecorder{}
	bus := NewEventBus()
	client := New(WithSubscriber(rec), WithEventBus(bus))
	client.Events().Publish(context.Background(), Event{Type: EventForbidden})
	if rec.count(EventForbidden) != 1 {
		t.Error("subscriber not attached to the configured bus")
	}
}

func TestValidateConfiguration(t *testing.T) {
	tests := []struct {
		name    string
		options []Option
		want    string
	}{
		{"negative retries", []Option{WithMaxRetries(-1)}, "maxRetries must be non-negative"},
		{"zero backoff", []Option{WithInitialBackoff(0)}, "initialBackoff must be positive"},
		{"max below initial", []Option{WithInitialBackoff(time.Second), WithMaxBackoff(time.Millisecond)}, "maxBackoff must be greater"},
		{"zero timeout", []Option{WithTimeout(0)}, "timeout must be positive"},
		{"relative base", []Option{WithBaseURL("/api")}, "must be an absolute URL"},
		{"empty client type", []Option{WithClientType("")}, "clientType must not be empty"},
		{"nil http client", []Option{WithHTTPClient(nil)}, "HTTP client cannot be nil"},
		{"nil middleware", []Option{WithMiddleware(nil)}, "middleware[0] cannot be nil"},
		{"debug without logger", []Option{WithDebug()}, "logger must be set"},
		{"rate limit without wait", []Option{WithRateLimitRetry(1, 0)}, "maxWait must be positive"},
		{"extreme retries", []Option{WithMaxRetries(1000)}, "maxRetries > 100"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := New(tt.options...)
			err := client.ValidationError()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !errors.Is(err, ErrValidation) {
				t.Errorf("error kind = %v", KindOf(err))
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err.Error(), tt.want)
			}
		})
	}
}

func TestValidateConfigurationStrictPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("ValidateConfigurationStrict() did not panic")
		}
	}()
	New(WithMaxRetries(-1)).ValidateConfigurationStrict()
}

func TestGetVersion(t *testing.T) {
	if !strings.Contains(GetVersion(), Version) {
		t.Errorf("GetVersion() = %q", GetVersion())
	}
	if UserAgent() != "portalctl/"+Version {
		t.Errorf("UserAgent() = %q", UserAgent())
	}
}
