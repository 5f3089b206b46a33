package apiclient

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tharun-truereach/Solarium-CP-CU-APP-sub004/internal/sealer"
)

// saltLen is the size of the random key derivation salt stored in front of
// every persisted session.
const saltLen = 16

// User is the authenticated principal attached to a session.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Role  string `json:"role"`
}

// Session is the credential set owned by a TokenStore.
type Session struct {
	AccessToken  string
	RefreshToken string
	// ExpiresAt is zero when the expiry is unknown.
	ExpiresAt time.Time
	User      *User
	// Remember asks the store to persist the session across restarts.
	Remember bool
}

// String never includes the tokens.
func (s Session) String() string {
	user := "<none>"
	if s.User != nil {
		user = s.User.ID
	}
	return fmt.Sprintf("Session{user=%s expiresAt=%s remember=%t accessToken=%s refreshToken=%s}",
		user, s.ExpiresAt.Format(time.RFC3339), s.Remember, redact(s.AccessToken), redact(s.RefreshToken))
}

// GoString keeps %#v from leaking tokens too.
func (s Session) GoString() string {
	return s.String()
}

// ExpiredAt reports whether the access token is known to be expired at t,
// treating tokens that expire within skew as expired already.
func (s Session) ExpiredAt(t time.Time, skew time.Duration) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !t.Add(skew).Before(s.ExpiresAt)
}

func (s Session) clone() Session {
	if s.User != nil {
		u := *s.User
		s.User = &u
	}
	return s
}

func redact(token string) string {
	if token == "" {
		return "<empty>"
	}
	return "[REDACTED]"
}

// tokenExpiry reads the exp claim of a JWT access token without verifying
// it; the backend is the authority, the client only needs a hint.
func tokenExpiry(token string) time.Time {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}
	}
	if claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// StoreOption configures a TokenStore.
type StoreOption func(*TokenStore)

// WithPersister enables "remember me": sessions with Remember set are sealed
// with a key derived from passphrase and written to p.
func WithPersister(p SessionPersister, passphrase string) StoreOption {
	return func(s *TokenStore) {
		s.persister = p
		s.passphrase = passphrase
	}
}

// WithSealSalt fixes the key derivation salt for newly persisted sessions
// instead of drawing a random one. It must be saltLen (16) bytes long.
func WithSealSalt(salt []byte) StoreOption {
	return func(s *TokenStore) {
		if len(salt) == saltLen {
			s.salt = append([]byte(nil), salt...)
		}
	}
}

// WithStoreClock replaces time.Now, for tests.
func WithStoreClock(now func() time.Time) StoreOption {
	return func(s *TokenStore) {
		s.now = now
	}
}

// TokenStore exclusively owns the current session. Create it at app start,
// optionally Restore a remembered session, and Clear it on logout.
type TokenStore struct {
	mu         sync.RWMutex
	session    *Session
	generation uint64

	// held across every session change and its persister write; guards
	// salt and sealer too
	persistMu  sync.Mutex
	persister  SessionPersister
	passphrase string
	salt       []byte
	sealer     *sealer.Sealer

	now func() time.Time
}

// NewTokenStore creates an empty store.
func NewTokenStore(opts ...StoreOption) *TokenStore {
	s := &TokenStore{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Token returns the current access token, or false when there is none.
func (s *TokenStore) Token() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil || s.session.AccessToken == "" {
		return "", false
	}
	return s.session.AccessToken, true
}

// RefreshToken returns the current refresh token or "".
func (s *TokenStore) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return ""
	}
	return s.session.RefreshToken
}

// Session returns a copy of the current session.
func (s *TokenStore) Session() (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return Session{}, false
	}
	return s.session.clone(), true
}

// Generation increases every time a session is set. It identifies "this
// session" for once-per-session side effects.
func (s *TokenStore) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Expired reports whether the current access token is known to be expired
// (or expires within skew). No session counts as expired.
func (s *TokenStore) Expired(skew time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return true
	}
	return s.session.ExpiredAt(s.now(), skew)
}

// SetSession replaces the current session. A zero ExpiresAt is filled from
// the access token's exp claim when it is a JWT. The persisted copy follows
// the Remember flag.
func (s *TokenStore) SetSession(ctx context.Context, sess Session) error {
	sess, err := s.prepare(sess)
	if err != nil {
		return err
	}
	_, err = s.swap(ctx, sess, nil)
	return err
}

// replaceIf installs sess only while the session of generation gen is still
// held. It reports false when that session was cleared or replaced.
func (s *TokenStore) replaceIf(ctx context.Context, gen uint64, sess Session) (bool, error) {
	sess, err := s.prepare(sess)
	if err != nil {
		return false, err
	}
	return s.swap(ctx, sess, func(cur *Session, g uint64) bool {
		return cur != nil && g == gen
	})
}

func (s *TokenStore) prepare(sess Session) (Session, error) {
	if sess.AccessToken == "" {
		return Session{}, &APIError{Kind: KindValidationError, Message: "session has no access token", Timestamp: time.Now()}
	}
	if sess.ExpiresAt.IsZero() {
		sess.ExpiresAt = tokenExpiry(sess.AccessToken)
	}
	return sess.clone(), nil
}

// swap holds persistMu across the in-memory change and the persister write,
// so a concurrent Clear either runs before both or after both.
func (s *TokenStore) swap(ctx context.Context, sess Session, accept func(cur *Session, gen uint64) bool) (bool, error) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	if accept != nil && !accept(s.session, s.generation) {
		s.mu.Unlock()
		return false, nil
	}
	s.session = &sess
	s.generation++
	s.mu.Unlock()

	if s.persister == nil {
		return true, nil
	}
	if sess.Remember {
		return true, s.persistLocked(ctx, sess)
	}
	return true, s.deleteLocked(ctx)
}

// Clear drops the session and any persisted copy. Calling it again is a no-op.
func (s *TokenStore) Clear(ctx context.Context) error {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	s.session = nil
	s.mu.Unlock()

	if s.persister == nil {
		return nil
	}
	return s.deleteLocked(ctx)
}

// clearIf clears the store unless a session newer than gen was set. It
// reports false when it left a newer session in place.
func (s *TokenStore) clearIf(ctx context.Context, gen uint64) (bool, error) {
	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return false, nil
	}
	s.session = nil
	s.mu.Unlock()

	if s.persister == nil {
		return true, nil
	}
	return true, s.deleteLocked(ctx)
}

// snapshot returns the current access token ("" when none) and generation
// read together.
func (s *TokenStore) snapshot() (string, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.session == nil {
		return "", s.generation
	}
	return s.session.AccessToken, s.generation
}

// Restore loads a remembered session. It reports false when nothing usable
// was persisted; an expired session without a refresh token is discarded.
func (s *TokenStore) Restore(ctx context.Context) (bool, error) {
	if s.persister == nil {
		return false, nil
	}

	s.persistMu.Lock()
	defer s.persistMu.Unlock()

	blob, err := s.persister.Load(ctx)
	if errors.Is(err, ErrNoPersistedSession) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load persisted session: %w", err)
	}
	if len(blob) < saltLen {
		return false, fmt.Errorf("open persisted session: %w", sealer.ErrShortPayload)
	}

	salt, payload := blob[:saltLen], blob[saltLen:]
	sl, err := s.sealerFor(salt)
	if err != nil {
		return false, err
	}
	plain, err := sl.Open(payload)
	if err != nil {
		return false, fmt.Errorf("open persisted session: %w", err)
	}
	var ps persistedSession
	if err := json.Unmarshal(plain, &ps); err != nil {
		return false, fmt.Errorf("decode persisted session: %w", err)
	}

	sess := ps.session()
	if sess.AccessToken == "" || (sess.ExpiredAt(s.now(), 0) && sess.RefreshToken == "") {
		return false, s.deleteLocked(ctx)
	}

	s.mu.Lock()
	s.session = &sess
	s.generation++
	s.mu.Unlock()
	return true, nil
}

// sealerFor returns a sealer keyed with salt, deriving it only when the salt
// differs from the cached one. Callers hold persistMu.
func (s *TokenStore) sealerFor(salt []byte) (*sealer.Sealer, error) {
	if s.sealer != nil && bytes.Equal(salt, s.salt) {
		return s.sealer, nil
	}
	sl, err := sealer.New([]byte(s.passphrase), salt)
	if err != nil {
		return nil, err
	}
	s.salt = append([]byte(nil), salt...)
	s.sealer = sl
	return sl, nil
}

// persistLocked writes salt || sealed session. The salt is drawn once per
// store unless one was restored or configured. Callers hold persistMu.
func (s *TokenStore) persistLocked(ctx context.Context, sess Session) error {
	salt := s.salt
	if len(salt) != saltLen {
		salt = make([]byte, saltLen)
		if _, err := rand.Read(salt); err != nil {
			return fmt.Errorf("session salt: %w", err)
		}
	}
	sl, err := s.sealerFor(salt)
	if err != nil {
		return err
	}
	plain, err := json.Marshal(newPersistedSession(sess))
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	sealed, err := sl.Seal(plain)
	if err != nil {
		return err
	}

	blob := make([]byte, 0, saltLen+len(sealed))
	blob = append(blob, salt...)
	blob = append(blob, sealed...)
	if err := s.persister.Save(ctx, blob); err != nil {
		return fmt.Errorf("persist session: %w", err)
	}
	return nil
}

func (s *TokenStore) deleteLocked(ctx context.Context) error {
	if err := s.persister.Delete(ctx); err != nil && !errors.Is(err, ErrNoPersistedSession) {
		return fmt.Errorf("delete persisted session: %w", err)
	}
	return nil
}

// persistedSession is the sealed on-disk form.
type persistedSession struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	ExpiresAt    time.Time `json:"expiresAt"`
	User         *User     `json:"user,omitempty"`
}

func newPersistedSession(s Session) persistedSession {
	return persistedSession{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		ExpiresAt:    s.ExpiresAt,
		User:         s.User,
	}
}

func (p persistedSession) session() Session {
	return Session{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
		ExpiresAt:    p.ExpiresAt,
		User:         p.User,
		Remember:     true,
	}
}
