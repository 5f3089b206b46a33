// Package singleflight coalesces concurrent calls that share a key into a
// single execution whose result is handed to every caller.
package singleflight

import (
	"context"
	"fmt"
	"sync"
)

// Group manages the set of in-flight calls. The zero value is ready to use.
type Group struct {
	mu sync.Mutex
	m  map[string]*call

	// onRelease, when set, observes each waiter taking the result.
	onRelease func(key string, arrival int)
}

type call struct {
	// one entry per caller, in the order callers joined
	waiters []*waiter
	val     any
	err     error
}

type waiter struct {
	ready chan struct{}
	// closed once the caller has left Do, by either path
	taken chan struct{}
}

// New creates a new Group.
func New() *Group {
	return &Group{m: make(map[string]*call)}
}

// Do executes fn once for all overlapping callers of key and returns its
// result to each of them. The first caller starts fn; later callers queue
// behind it and are released in arrival order once fn returns: a waiter is
// woken only after the previous one has taken the result.
//
// fn runs on its own goroutine with a context detached from the callers'
// cancellation, so a caller giving up (ctx done) only stops that caller from
// waiting: it receives ctx.Err() while fn and the other waiters carry on.
// shared reports whether the caller joined a call started by someone else.
func (g *Group) Do(ctx context.Context, key string, fn func(context.Context) (any, error)) (v any, err error, shared bool) {
	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[string]*call)
	}
	c, shared := g.m[key]
	if !shared {
		c = &call{}
		g.m[key] = c
	}
	w := &waiter{ready: make(chan struct{}), taken: make(chan struct{})}
	arrival := len(c.waiters)
	c.waiters = append(c.waiters, w)
	g.mu.Unlock()
	defer close(w.taken)

	if !shared {
		go g.run(context.WithoutCancel(ctx), key, c, fn)
	}

	select {
	case <-w.ready:
		if g.onRelease != nil {
			g.onRelease(key, arrival)
		}
		return c.val, c.err, shared
	case <-ctx.Done():
		return nil, ctx.Err(), shared
	}
}

func (g *Group) run(ctx context.Context, key string, c *call, fn func(context.Context) (any, error)) {
	var (
		val any
		err error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: %v", ErrPanicked, r)
			}
		}()
		val, err = fn(ctx)
	}()

	g.mu.Lock()
	c.val, c.err = val, err
	if g.m[key] == c {
		delete(g.m, key)
	}
	waiters := c.waiters
	g.mu.Unlock()

	for _, w := range waiters {
		close(w.ready)
		<-w.taken
	}
}

// InFlight reports whether a call for key is currently running.
func (g *Group) InFlight(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.m[key]
	return ok
}

// Waiters returns how many callers are queued on key, the starter included.
func (g *Group) Waiters(key string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.m[key]; ok {
		return len(c.waiters)
	}
	return 0
}
