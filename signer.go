package apiclient

import (
	"net/http"

	"github.com/google/uuid"
)

// Signer attaches auth and client metadata to outgoing requests.
type Signer struct {
	ClientType       string
	CorrelationIDGen func() string
}

// NewSigner returns a signer for clientType using random UUID correlation ids.
func NewSigner(clientType string) *Signer {
	if clientType == "" {
		clientType = defaultClientType
	}
	return &Signer{ClientType: clientType, CorrelationIDGen: uuid.NewString}
}

// CorrelationID returns the id already on req or assigns a new one. The id is
// set once per logical request and survives retries and the refresh replay.
func (s *Signer) CorrelationID(req *http.Request) string {
	if id := req.Header.Get(HeaderCorrelationID); id != "" {
		return id
	}
	gen := s.CorrelationIDGen
	if gen == nil {
		gen = uuid.NewString
	}
	id := gen()
	req.Header.Set(HeaderCorrelationID, id)
	return id
}

// Sign sets the client headers and, when token is non-empty, the bearer
// token. An empty token removes any stale Authorization header.
func (s *Signer) Sign(req *http.Request, token string) {
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	req.Header.Set(HeaderClientType, s.ClientType)
	s.CorrelationID(req)
	if token == "" {
		req.Header.Del(HeaderAuthorization)
		return
	}
	req.Header.Set(HeaderAuthorization, "Bearer "+token)
}
