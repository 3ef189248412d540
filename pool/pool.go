// Package pool provides a bounded pool of reusable resources, typically
// connections from a directory backend to its server: at most a configured
// number live at once, creation and waiting are bounded by timeouts, and
// idle resources past a recycle age are closed instead of reused.
//
// Pool exhaustion surfaces as ErrTimeout, distinct from errors talking to
// the backend, so callers can choose to retry.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	// ErrTimeout is returned when the pool stays saturated for the full wait
	// timeout, or creating a resource exceeds the create timeout.
	ErrTimeout = errors.New("pool: timeout")

	ErrClosed = errors.New("pool: closed")
)

var timeNow = time.Now // Tests override this.

// Config bounds a pool. Zero fields take the defaults.
type Config struct {
	MaxConnections int           // Maximum live resources, idle plus in use. Default 10.
	CreateTimeout  time.Duration // Bounds each create call. Default 30s.
	WaitTimeout    time.Duration // Bounds waiting when saturated. Default 30s.
	RecycleTimeout time.Duration // Idle resources older than this are closed on reuse. Default 30s.
}

func (c Config) withDefaults() Config {
	if c.MaxConnections <= 0 {
		c.MaxConnections = 10
	}
	if c.CreateTimeout <= 0 {
		c.CreateTimeout = 30 * time.Second
	}
	if c.WaitTimeout <= 0 {
		c.WaitTimeout = 30 * time.Second
	}
	if c.RecycleTimeout <= 0 {
		c.RecycleTimeout = 30 * time.Second
	}
	return c
}

// Pool manages up to a configured number of live resources of type T.
type Pool[T any] struct {
	cfg     Config
	newfn   func(ctx context.Context) (T, error)
	closefn func(T)

	sem  chan struct{} // One token held per live resource.
	idle chan entry[T]

	mu     sync.Mutex
	closed bool
}

type entry[T any] struct {
	res  T
	last time.Time // When returned to the pool.
}

// New returns a pool creating resources with newfn and closing them with
// closefn (which may be nil).
func New[T any](cfg Config, newfn func(ctx context.Context) (T, error), closefn func(T)) *Pool[T] {
	cfg = cfg.withDefaults()
	return &Pool[T]{
		cfg:     cfg,
		newfn:   newfn,
		closefn: closefn,
		sem:     make(chan struct{}, cfg.MaxConnections),
		idle:    make(chan entry[T], cfg.MaxConnections),
	}
}

// Get returns an idle resource, or creates one when below the maximum, or
// waits for one to be returned. Waiting is bounded by the wait timeout and by
// ctx. Idle resources past the recycle age are closed and replaced.
func (p *Pool[T]) Get(ctx context.Context) (T, error) {
	var zero T
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return zero, ErrClosed
	}

	deadline := time.NewTimer(p.cfg.WaitTimeout)
	defer deadline.Stop()

	for {
		// Prefer an idle resource.
		select {
		case e := <-p.idle:
			if timeNow().Sub(e.last) > p.cfg.RecycleTimeout {
				p.discard(e.res)
				continue
			}
			return e.res, nil
		default:
		}

		// Room for a new one?
		select {
		case p.sem <- struct{}{}:
			return p.create(ctx)
		default:
		}

		// Saturated. Wait for a return, a freed slot, timeout or cancel.
		select {
		case e := <-p.idle:
			if timeNow().Sub(e.last) > p.cfg.RecycleTimeout {
				p.discard(e.res)
				continue
			}
			return e.res, nil
		case p.sem <- struct{}{}:
			return p.create(ctx)
		case <-deadline.C:
			return zero, fmt.Errorf("%w: no connection after %v", ErrTimeout, p.cfg.WaitTimeout)
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// create makes a new resource, with the token for it already held. The token
// is released again on failure.
func (p *Pool[T]) create(ctx context.Context) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.CreateTimeout)
	defer cancel()
	res, err := p.newfn(cctx)
	if err != nil {
		<-p.sem
		var zero T
		if cctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return zero, fmt.Errorf("%w: creating connection: %v", ErrTimeout, err)
		}
		return zero, err
	}
	return res, nil
}

func (p *Pool[T]) discard(res T) {
	if p.closefn != nil {
		p.closefn(res)
	}
	<-p.sem
}

// Put returns a resource obtained from Get. A resource that failed must be
// returned with broken set so it is closed and its slot freed for a fresh
// connection.
func (p *Pool[T]) Put(res T, broken bool) {
	p.mu.Lock()
	if broken || p.closed {
		p.mu.Unlock()
		p.discard(res)
		return
	}
	select {
	case p.idle <- entry[T]{res, timeNow()}:
	default:
		// Tokens bound live resources, so there is room. Be safe anyway.
		p.mu.Unlock()
		p.discard(res)
		return
	}
	p.mu.Unlock()
}

// Close closes all idle resources and marks the pool closed. Resources still
// in use are closed as they are returned.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	p.closed = true
	var l []T
	for {
		select {
		case e := <-p.idle:
			l = append(l, e.res)
			continue
		default:
		}
		break
	}
	p.mu.Unlock()
	for _, res := range l {
		p.discard(res)
	}
}
