package dedup

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"
)

// call tracks the callers waiting on one key.
type call struct {
	waiters int
	ctx     context.Context
	cancel  context.CancelFunc
}

// Group deduplicates concurrent calls returning T.
type Group[T any] struct {
	sf     singleflight.Group
	logger *slog.Logger

	mu    sync.Mutex
	calls map[string]*call
}

// New creates a Group.
func New[T any](logger *slog.Logger) *Group[T] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Group[T]{
		logger: logger,
		calls:  make(map[string]*call),
	}
}

// Get returns the result of fetch for key, sharing a pending call if one exists.
//
// One caller giving up does not fail the others; each caller stops waiting
// when its own ctx is done. The shared fetch is cancelled once every caller
// has stopped waiting, and the next Get for key starts a new one.
func (g *Group[T]) Get(ctx context.Context, key string, fetch func(context.Context) (T, error)) (T, error) {
	g.mu.Lock()
	c, ok := g.calls[key]
	if !ok {
		callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		c = &call{ctx: callCtx, cancel: cancel}
		g.calls[key] = c
	}
	c.waiters++
	ch := g.sf.DoChan(key, func() (any, error) {
		return fetch(c.ctx)
	})
	g.mu.Unlock()

	defer g.leave(key, c)

	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Shared {
			g.logger.Debug("request coalesced", "key", key)
		}
		if res.Err != nil {
			return zero, res.Err
		}
		v, _ := res.Val.(T)
		return v, nil
	}
}

// leave drops one waiter. The last one out cancels the shared fetch and
// forgets it so a stale call is never joined.
func (g *Group[T]) leave(key string, c *call) {
	g.mu.Lock()
	defer g.mu.Unlock()

	c.waiters--
	if c.waiters > 0 {
		return
	}
	if g.calls[key] == c {
		delete(g.calls, key)
		g.sf.Forget(key)
	}
	c.cancel()
}

// Forget drops the pending entry for key; the next Get starts a new call.
func (g *Group[T]) Forget(key string) {
	g.sf.Forget(key)
}
