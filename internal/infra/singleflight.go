package infra

import (
	"sync"
	"sync/atomic"
)

// Group suppresses duplicate in-flight calls per key: the first caller
// executes the function, concurrent callers for the same key wait for
// and share its result.
type Group[K comparable, V any] struct {
	mu    sync.Mutex
	calls map[K]*call[V]

	hits   atomic.Uint64
	misses atomic.Uint64
}

type call[V any] struct {
	wg     sync.WaitGroup
	val    V
	err    error
	shared bool
}

// Do executes fn, ensuring only one execution is in flight for key at a
// time. The third return reports whether the result was shared with
// another caller.
func (g *Group[K, V]) Do(key K, fn func() (V, error)) (V, error, bool) {
	g.mu.Lock()
	if g.calls == nil {
		g.calls = make(map[K]*call[V])
	}

	if c, ok := g.calls[key]; ok {
		c.shared = true
		g.mu.Unlock()
		g.hits.Add(1)
		c.wg.Wait()
		return c.val, c.err, true
	}

	c := new(call[V])
	c.wg.Add(1)
	g.calls[key] = c
	g.mu.Unlock()
	g.misses.Add(1)

	c.val, c.err = fn()

	g.mu.Lock()
	delete(g.calls, key)
	g.mu.Unlock()
	c.wg.Done()

	return c.val, c.err, c.shared
}

// Forget drops the in-flight record for key so the next Do executes
// fresh instead of waiting.
func (g *Group[K, V]) Forget(key K) {
	g.mu.Lock()
	delete(g.calls, key)
	g.mu.Unlock()
}

// GroupStats reports duplicate suppression counts.
type GroupStats struct {
	Hits   uint64 // calls that shared another caller's result
	Misses uint64 // calls that executed the function
}

// Stats returns the group's counters.
func (g *Group[K, V]) Stats() GroupStats {
	return GroupStats{Hits: g.hits.Load(), Misses: g.misses.Load()}
}
