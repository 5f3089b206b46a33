package apiclient

import (
	"context"
	"net/http"
	"time"
)

// Credentials are the login form fields. Remember persists the session so it
// survives a restart.
type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Remember bool   `json:"-"`
}

// Login exchanges credentials for a session and stores it. The call is never
// retried and a 401 is returned as is: bad credentials are not an expired
// session.
func (c *Client) Login(ctx context.Context, cred Credentials) (*Session, error) {
	if cred.Email == "" || cred.Password == "" {
		return nil, &APIError{Kind: KindValidationError, Message: "email and password are required", Timestamp: time.Now()}
	}

	resp, err := c.Execute(ctx, &Request{
		Method:   http.MethodPost,
		Path:     c.loginPath,
		Body:     cred,
		SkipAuth: true,
		NoRetry:  true,
	})
	if err != nil {
		return nil, err
	}

	var tr tokenResponse
	if err := resp.DecodeJSON(&tr); err != nil || tr.AccessToken == "" {
		return nil, &APIError{
			Kind:          KindValidationError,
			StatusCode:    resp.StatusCode,
			Message:       "login response has no access token",
			CorrelationID: resp.CorrelationID,
			Cause:         err,
			Timestamp:     time.Now(),
		}
	}

	sess := tr.session(time.Now())
	sess.Remember = cred.Remember
	if err := c.store.SetSession(ctx, sess); err != nil {
		return nil, err
	}
	if c.logger != nil {
		if u := sess.User; u != nil {
			c.logger.Info("Logged in", "userID", u.ID, "remember", cred.Remember)
		} else {
			c.logger.Info("Logged in", "remember", cred.Remember)
		}
	}

	stored, _ := c.store.Session()
	return &stored, nil
}

// Logout tells the backend the session ends, then clears it locally along
// with any rate-limit cooldowns. The server call is best effort; the local
// session is always cleared.
func (c *Client) Logout(ctx context.Context) error {
	if _, ok := c.store.Token(); ok && c.logoutPath != "" {
		_, err := c.execute(ctx, &Request{
			Method:  http.MethodPost,
			Path:    c.logoutPath,
			Body:    map[string]string{"refreshToken": c.store.RefreshToken()},
			NoRetry: true,
		}, execOptions{noRefresh: true, quiet: true})
		if err != nil && c.logger != nil {
			c.logger.Warn("Server logout failed", "error", err.Error())
		}
	}
	c.cooldowns.reset()
	return c.store.Clear(ctx)
}

// Restore reloads a remembered session at startup.
func (c *Client) Restore(ctx context.Context) (bool, error) {
	ok, err := c.store.Restore(ctx)
	if err != nil {
		return false, err
	}
	if ok && c.debugOn(c.debug != nil && c.debug.LogRefresh) {
		sess, _ := c.store.Session()
		c.logger.Debug("Restored session", "expiresAt", sess.ExpiresAt)
	}
	return ok, nil
}

// CurrentUser returns the signed-in user, if the session carries one.
func (c *Client) CurrentUser() (*User, bool) {
	sess, ok := c.store.Session()
	if !ok || sess.User == nil {
		return nil, false
	}
	return sess.User, true
}

// Authenticated reports whether a session is held.
func (c *Client) Authenticated() bool {
	_, ok := c.store.Token()
	return ok
}
