package directory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mjl-/postdir/principal"
)

var metricCache = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "postdir_directory_cache_total",
		Help: "Directory cache lookups, per operation and result (hit/miss).",
	},
	[]string{"op", "result"},
)

var timeNow = time.Now // Tests override this.

// Cached wraps a backend with a cache bounding how often lookups reach it.
// One TTL applies uniformly to positive and negative (ErrNotFound) results,
// keyed by operation and argument. Results may be up to TTL stale; callers
// needing immediate consistency after a provisioning write must use the
// internal backend directly.
//
// Authenticate is never answered from the cache: credential checks always
// reach the backend. Backend errors are not cached either, only answers.
type Cached struct {
	backend Directory
	ttl     time.Duration

	sync.Mutex
	entries map[cacheKey]cacheEntry
	sweepAt time.Time // Next time store removes all expired entries.
}

type cacheKey struct {
	op  string
	arg string
}

type cacheEntry struct {
	expires time.Time
	value   any
	err     error // ErrNotFound for negative entries, nil otherwise.
}

// NewCached wraps backend, answering repeated lookups from memory for ttl.
func NewCached(backend Directory, ttl time.Duration) *Cached {
	return &Cached{
		backend: backend,
		ttl:     ttl,
		entries: map[cacheKey]cacheEntry{},
	}
}

// lookup returns a live cache entry, removing it when it has expired. The
// lock is held only around the map access, never across a backend call.
func (c *Cached) lookup(op, arg string) (cacheEntry, bool) {
	k := cacheKey{op, arg}
	now := timeNow()
	c.Lock()
	e, ok := c.entries[k]
	if ok && !now.Before(e.expires) {
		delete(c.entries, k)
		ok = false
	}
	c.Unlock()
	if ok {
		metricCache.WithLabelValues(op, "hit").Inc()
		return e, true
	}
	metricCache.WithLabelValues(op, "miss").Inc()
	return cacheEntry{}, false
}

// store records an answer. Concurrent refreshes for the same key overwrite
// each other with equal data, last write wins. At most once per TTL, all
// expired entries are removed so keys that are never read again do not
// accumulate.
func (c *Cached) store(op, arg string, value any, err error) {
	now := timeNow()
	e := cacheEntry{now.Add(c.ttl), value, err}
	c.Lock()
	if !now.Before(c.sweepAt) {
		for k, oe := range c.entries {
			if !now.Before(oe.expires) {
				delete(c.entries, k)
			}
		}
		c.sweepAt = now.Add(c.ttl)
	}
	c.entries[cacheKey{op, arg}] = e
	c.Unlock()
}

func (c *Cached) FindPrincipal(ctx context.Context, nameOrID string) (principal.Principal, error) {
	if e, ok := c.lookup("find", nameOrID); ok {
		if e.err != nil {
			return principal.Principal{}, e.err
		}
		return e.value.(principal.Principal), nil
	}
	p, err := c.backend.FindPrincipal(ctx, nameOrID)
	if err == nil || errors.Is(err, ErrNotFound) {
		c.store("find", nameOrID, p, err)
	}
	return p, err
}

// Authenticate always consults the backend.
func (c *Cached) Authenticate(ctx context.Context, name, credential string) (principal.Principal, error) {
	return c.backend.Authenticate(ctx, name, credential)
}

func (c *Cached) ExpandGroup(ctx context.Context, id uint32) ([]uint32, error) {
	arg := fmt.Sprintf("%d", id)
	if e, ok := c.lookup("group", arg); ok {
		if e.err != nil {
			return nil, e.err
		}
		return e.value.([]uint32), nil
	}
	l, err := c.backend.ExpandGroup(ctx, id)
	if err == nil || errors.Is(err, ErrNotFound) {
		c.store("group", arg, l, err)
	}
	return l, err
}

func (c *Cached) ListEmails(ctx context.Context, p principal.Principal) ([]string, error) {
	if e, ok := c.lookup("emails", p.Name); ok {
		if e.err != nil {
			return nil, e.err
		}
		return e.value.([]string), nil
	}
	l, err := c.backend.ListEmails(ctx, p)
	if err == nil || errors.Is(err, ErrNotFound) {
		c.store("emails", p.Name, l, err)
	}
	return l, err
}

func (c *Cached) Close() error {
	return c.backend.Close()
}
