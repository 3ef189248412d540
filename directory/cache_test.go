package directory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mjl-/postdir/principal"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

// fakeBackend counts calls and serves a single principal.
type fakeBackend struct {
	p     principal.Principal
	calls map[string]int
	err   error // Returned for every operation when set.
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		p: principal.Principal{
			ID:       1,
			Type:     principal.TypeIndividual,
			Name:     "alice",
			Secrets:  []string{"secret"},
			Emails:   []string{"alice@example.com"},
			MemberOf: []uint32{2},
		},
		calls: map[string]int{},
	}
}

func (b *fakeBackend) FindPrincipal(ctx context.Context, nameOrID string) (principal.Principal, error) {
	b.calls["find"]++
	if b.err != nil {
		return principal.Principal{}, b.err
	}
	if nameOrID != b.p.Name {
		return principal.Principal{}, ErrNotFound
	}
	return b.p, nil
}

func (b *fakeBackend) Authenticate(ctx context.Context, name, credential string) (principal.Principal, error) {
	b.calls["auth"]++
	if b.err != nil {
		return principal.Principal{}, b.err
	}
	if name != b.p.Name || credential != "secret" {
		return principal.Principal{}, ErrBadCredentials
	}
	return b.p, nil
}

func (b *fakeBackend) ExpandGroup(ctx context.Context, id uint32) ([]uint32, error) {
	b.calls["group"]++
	if b.err != nil {
		return nil, b.err
	}
	if id != 2 {
		return nil, ErrNotFound
	}
	return []uint32{b.p.ID}, nil
}

func (b *fakeBackend) ListEmails(ctx context.Context, p principal.Principal) ([]string, error) {
	b.calls["emails"]++
	if b.err != nil {
		return nil, b.err
	}
	return p.Emails, nil
}

func (b *fakeBackend) Close() error {
	return nil
}

func TestCachedSingleBackendCall(t *testing.T) {
	now := time.Now()
	timeNow = func() time.Time { return now }
	defer func() {
		timeNow = time.Now
	}()

	backend := newFakeBackend()
	c := NewCached(backend, time.Minute)

	// Two lookups within the TTL reach the backend once.
	p, err := c.FindPrincipal(ctxbg, "alice")
	tcheck(t, err, "find")
	if p.Name != "alice" {
		t.Fatalf("got %q, expected alice", p.Name)
	}
	_, err = c.FindPrincipal(ctxbg, "alice")
	tcheck(t, err, "find cached")
	if backend.calls["find"] != 1 {
		t.Fatalf("backend called %d times, expected 1", backend.calls["find"])
	}

	// After expiry the backend is consulted again.
	now = now.Add(2 * time.Minute)
	_, err = c.FindPrincipal(ctxbg, "alice")
	tcheck(t, err, "find after expiry")
	if backend.calls["find"] != 2 {
		t.Fatalf("backend called %d times after expiry, expected 2", backend.calls["find"])
	}
}

func TestCachedNegative(t *testing.T) {
	now := time.Now()
	timeNow = func() time.Time { return now }
	defer func() {
		timeNow = time.Now
	}()

	backend := newFakeBackend()
	c := NewCached(backend, time.Minute)

	// Negative results are cached with the same TTL.
	if _, err := c.FindPrincipal(ctxbg, "nosuch"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, expected ErrNotFound", err)
	}
	if _, err := c.FindPrincipal(ctxbg, "nosuch"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, expected ErrNotFound", err)
	}
	if backend.calls["find"] != 1 {
		t.Fatalf("backend called %d times, expected 1", backend.calls["find"])
	}

	// Backend errors are not cached.
	backend.err = errors.New("connection refused")
	if _, err := c.FindPrincipal(ctxbg, "alice"); err == nil {
		t.Fatalf("expected backend error")
	}
	backend.err = nil
	if _, err := c.FindPrincipal(ctxbg, "alice"); err != nil {
		t.Fatalf("backend error was cached: %v", err)
	}
}

func TestCachedEviction(t *testing.T) {
	now := time.Now()
	timeNow = func() time.Time { return now }
	defer func() {
		timeNow = time.Now
	}()

	backend := newFakeBackend()
	c := NewCached(backend, time.Minute)

	_, err := c.FindPrincipal(ctxbg, "alice")
	tcheck(t, err, "find")
	if _, err := c.FindPrincipal(ctxbg, "nosuch"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, expected ErrNotFound", err)
	}

	// Past the TTL, reading one expired key drops it, and the store of its
	// fresh answer sweeps the other expired entry. Entries for keys that are
	// never read again must not accumulate.
	now = now.Add(2 * time.Minute)
	_, err = c.FindPrincipal(ctxbg, "alice")
	tcheck(t, err, "find after expiry")

	c.Lock()
	n := len(c.entries)
	c.Unlock()
	if n != 1 {
		t.Fatalf("cache holds %d entries after sweep, expected 1", n)
	}
}

func TestCachedOperations(t *testing.T) {
	backend := newFakeBackend()
	c := NewCached(backend, time.Minute)

	// Groups and emails are cached per argument.
	ids, err := c.ExpandGroup(ctxbg, 2)
	tcheck(t, err, "expand")
	if len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("got %v, expected [1]", ids)
	}
	_, err = c.ExpandGroup(ctxbg, 2)
	tcheck(t, err, "expand cached")
	if backend.calls["group"] != 1 {
		t.Fatalf("backend called %d times, expected 1", backend.calls["group"])
	}

	p, err := c.FindPrincipal(ctxbg, "alice")
	tcheck(t, err, "find")
	_, err = c.ListEmails(ctxbg, p)
	tcheck(t, err, "emails")
	_, err = c.ListEmails(ctxbg, p)
	tcheck(t, err, "emails cached")
	if backend.calls["emails"] != 1 {
		t.Fatalf("backend called %d times, expected 1", backend.calls["emails"])
	}

	// Authentication always reaches the backend.
	_, err = c.Authenticate(ctxbg, "alice", "secret")
	tcheck(t, err, "authenticate")
	_, err = c.Authenticate(ctxbg, "alice", "secret")
	tcheck(t, err, "authenticate")
	if backend.calls["auth"] != 2 {
		t.Fatalf("backend called %d times for auth, expected 2", backend.calls["auth"])
	}
	if _, err := c.Authenticate(ctxbg, "alice", "wrong"); !errors.Is(err, ErrBadCredentials) {
		t.Fatalf("got %v, expected ErrBadCredentials", err)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	r.Add("d2", newFakeBackend())
	r.AddDiagnostic("d1", "directory.d1.type", errors.New(`unknown directory type "frobnicate"`))

	if _, ok := r.Lookup("d1"); ok {
		t.Fatalf("failed directory present in registry")
	}
	dir, ok := r.Lookup("d2")
	if !ok {
		t.Fatalf("working directory missing from registry")
	}
	if _, err := dir.FindPrincipal(ctxbg, "alice"); err != nil {
		t.Fatalf("lookup through registry: %v", err)
	}

	diags := r.Diagnostics()
	if len(diags) != 1 || diags[0].Directory != "d1" || diags[0].Key != "directory.d1.type" {
		t.Fatalf("got diagnostics %v, expected one for d1", diags)
	}
	ids := r.IDs()
	if len(ids) != 1 || ids[0] != "d2" {
		t.Fatalf("got ids %v, expected [d2]", ids)
	}
}
