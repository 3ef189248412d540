package pool

import (
	"context"
	"errors"
	"testing"
	"time"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

type conn struct {
	id     int
	closed bool
}

func TestReuse(t *testing.T) {
	var created int
	p := New(Config{MaxConnections: 2}, func(ctx context.Context) (*conn, error) {
		created++
		return &conn{id: created}, nil
	}, func(c *conn) { c.closed = true })
	defer p.Close()

	c1, err := p.Get(ctxbg)
	tcheck(t, err, "get")
	p.Put(c1, false)
	c2, err := p.Get(ctxbg)
	tcheck(t, err, "get")
	if c1 != c2 {
		t.Fatalf("got new connection %v, expected reuse of %v", c2, c1)
	}
	if created != 1 {
		t.Fatalf("created %d connections, expected 1", created)
	}
	p.Put(c2, false)
}

func TestSaturationTimeout(t *testing.T) {
	p := New(Config{MaxConnections: 1, WaitTimeout: 50 * time.Millisecond}, func(ctx context.Context) (*conn, error) {
		return &conn{}, nil
	}, nil)
	defer p.Close()

	c, err := p.Get(ctxbg)
	tcheck(t, err, "get")

	if _, err := p.Get(ctxbg); !errors.Is(err, ErrTimeout) {
		t.Fatalf("saturated get: got %v, expected ErrTimeout", err)
	}

	// A returned connection unblocks a waiter.
	done := make(chan error, 1)
	go func() {
		nc, err := p.Get(ctxbg)
		if err == nil {
			p.Put(nc, false)
		}
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	p.Put(c, false)
	tcheck(t, <-done, "get after put")
}

func TestBroken(t *testing.T) {
	var created int
	p := New(Config{MaxConnections: 1}, func(ctx context.Context) (*conn, error) {
		created++
		return &conn{id: created}, nil
	}, func(c *conn) { c.closed = true })
	defer p.Close()

	c1, err := p.Get(ctxbg)
	tcheck(t, err, "get")
	p.Put(c1, true)
	if !c1.closed {
		t.Fatalf("broken connection not closed")
	}
	c2, err := p.Get(ctxbg)
	tcheck(t, err, "get after broken")
	if c2 == c1 {
		t.Fatalf("broken connection reused")
	}
	p.Put(c2, false)
}

func TestRecycle(t *testing.T) {
	now := time.Now()
	timeNow = func() time.Time { return now }
	defer func() {
		timeNow = time.Now
	}()

	var created int
	p := New(Config{MaxConnections: 1, RecycleTimeout: time.Minute}, func(ctx context.Context) (*conn, error) {
		created++
		return &conn{id: created}, nil
	}, func(c *conn) { c.closed = true })
	defer p.Close()

	c1, err := p.Get(ctxbg)
	tcheck(t, err, "get")
	p.Put(c1, false)

	// Within the recycle age the connection is reused.
	c2, err := p.Get(ctxbg)
	tcheck(t, err, "get")
	if c2 != c1 {
		t.Fatalf("expected reuse within recycle age")
	}
	p.Put(c2, false)

	// Past the recycle age it is closed and replaced.
	now = now.Add(2 * time.Minute)
	c3, err := p.Get(ctxbg)
	tcheck(t, err, "get")
	if c3 == c1 {
		t.Fatalf("stale connection reused")
	}
	if !c1.closed {
		t.Fatalf("stale connection not closed")
	}
	p.Put(c3, false)
}

func TestCreateTimeout(t *testing.T) {
	p := New(Config{MaxConnections: 1, CreateTimeout: 50 * time.Millisecond}, func(ctx context.Context) (*conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, nil)
	defer p.Close()

	if _, err := p.Get(ctxbg); !errors.Is(err, ErrTimeout) {
		t.Fatalf("slow create: got %v, expected ErrTimeout", err)
	}

	// The slot is released after the failed create.
	pq := New(Config{MaxConnections: 1}, func(ctx context.Context) (*conn, error) {
		return &conn{}, nil
	}, nil)
	defer pq.Close()
	c, err := pq.Get(ctxbg)
	tcheck(t, err, "get")
	pq.Put(c, false)
}

func TestClosed(t *testing.T) {
	p := New(Config{}, func(ctx context.Context) (*conn, error) {
		return &conn{}, nil
	}, func(c *conn) { c.closed = true })
	c, err := p.Get(ctxbg)
	tcheck(t, err, "get")
	p.Put(c, false)
	p.Close()
	if !c.closed {
		t.Fatalf("idle connection not closed on pool close")
	}
	if _, err := p.Get(ctxbg); !errors.Is(err, ErrClosed) {
		t.Fatalf("get on closed pool: got %v, expected ErrClosed", err)
	}
}
