package apiclient

import (
	"net/http"
)

// Middleware wraps a single attempt on the wire. It sees the signed request.
type Middleware func(req *http.Request, next RoundTripper) (*http.Response, error)

// RoundTripper represents the HTTP transport interface.
type RoundTripper interface {
	RoundTrip(*http.Request) (*http.Response, error)
}

// RoundTripperFunc is a helper type for middleware.
type RoundTripperFunc func(*http.Request) (*http.Response, error)

func (f RoundTripperFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

// Option configures a Client.
type Option func(*Client)

// Request headers set by the signer.
const (
	HeaderAuthorization = "Authorization"
	HeaderClientType    = "x-client-type"
	HeaderCorrelationID = "x-correlation-id"
)

const defaultClientType = "web-portal"
