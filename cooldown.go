package apiclient

import (
	"time"

	"github.com/patrickmn/go-cache"
)

// cooldownTracker remembers endpoints (host + path) that answered 429 with a
// Retry-After, so requests to them inside that window fail fast instead of
// hitting the server again. Other endpoints on the same host are unaffected.
type cooldownTracker struct {
	entries *cache.Cache
}

func newCooldownTracker() *cooldownTracker {
	return &cooldownTracker{entries: cache.New(cache.NoExpiration, time.Minute)}
}

// mark starts (or extends) a cooldown for key. A shorter window never
// replaces a longer one.
func (t *cooldownTracker) mark(key string, d time.Duration) {
	if d <= 0 {
		return
	}
	until := time.Now().Add(d)
	if _, exp, ok := t.entries.GetWithExpiration(key); ok && exp.After(until) {
		return
	}
	t.entries.Set(key, until, d)
}

// remaining returns how long key is still cooling down.
func (t *cooldownTracker) remaining(key string) (time.Duration, bool) {
	_, exp, ok := t.entries.GetWithExpiration(key)
	if !ok {
		return 0, false
	}
	left := time.Until(exp)
	if left <= 0 {
		return 0, false
	}
	return left, true
}

func (t *cooldownTracker) reset() {
	t.entries.Flush()
}
