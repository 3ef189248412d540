// Package imapdir is the IMAP directory backend: credentials are verified by
// connecting to an IMAP server and authenticating as the user. The server is
// the only source of truth, so authentication is the one operation this
// backend supports; lookups without credentials return ErrNotSupported.
package imapdir

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/mjl-/postdir/directory"
	"github.com/mjl-/postdir/dns"
	"github.com/mjl-/postdir/metrics"
	"github.com/mjl-/postdir/mlog"
	"github.com/mjl-/postdir/pool"
	"github.com/mjl-/postdir/principal"
)

// Config sets up an IMAP directory.
type Config struct {
	// Host and port, e.g. "imap.example.com:143", or port 993 with TLS
	// "tls".
	Address string

	// "" or "off" for plain, "starttls" to upgrade, "tls" for immediate TLS.
	TLS string

	Pool pool.Config
}

// Directory verifies credentials against an IMAP server.
type Directory struct {
	log      mlog.Log
	cfg      Config
	host     string
	resolver dns.Resolver

	// An IMAP connection is tied to the user that authenticated on it, so
	// connections are not reusable across requests. The pool still bounds
	// how many are open at once and applies the create and wait timeouts.
	conns *pool.Pool[net.Conn]
}

var _ directory.Directory = (*Directory)(nil)

// New returns an IMAP directory for the configured server. No connection is
// made until the first authentication.
func New(log mlog.Log, resolver dns.Resolver, cfg Config) (*Directory, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("missing address")
	}
	host, _, err := net.SplitHostPort(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("address: %v", err)
	}
	d := &Directory{log: log, cfg: cfg, host: host, resolver: resolver}
	d.conns = pool.New(cfg.Pool, d.dial, func(conn net.Conn) { conn.Close() })
	return d, nil
}

func (d *Directory) Close() error {
	d.conns.Close()
	return nil
}

func (d *Directory) dial(ctx context.Context) (net.Conn, error) {
	return dial(ctx, d.resolver, d.host, d.cfg.Address, d.cfg.TLS == "tls")
}

// dial resolves host and connects to the first address that accepts,
// optionally with immediate TLS.
func dial(ctx context.Context, resolver dns.Resolver, host, address string, immediateTLS bool) (net.Conn, error) {
	ips, _, err := resolver.LookupIP(ctx, "ip", host+".")
	if err != nil {
		if ip := net.ParseIP(host); ip != nil {
			ips = []net.IP{ip}
		} else {
			return nil, fmt.Errorf("resolving %s: %w", host, err)
		}
	}
	_, port, _ := net.SplitHostPort(address)
	dialer := net.Dialer{}
	var lastErr error
	for _, ip := range ips {
		addr := net.JoinHostPort(ip.String(), port)
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			if immediateTLS {
				return tlsClient(conn, host)
			}
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("dialing %s: %w", address, lastErr)
}

func tlsClient(conn net.Conn, host string) (net.Conn, error) {
	tlsconn := tls.Client(conn, &tls.Config{ServerName: host})
	if err := tlsconn.Handshake(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return tlsconn, nil
}

// Authenticate dials the server and attempts to log in as name.
func (d *Directory) Authenticate(ctx context.Context, name, credential string) (rp principal.Principal, rerr error) {
	defer observe("auth", &rerr, time.Now())

	conn, err := d.conns.Get(ctx)
	if err != nil {
		return principal.Principal{}, err
	}
	// The connection is authenticated (or tainted by a failed attempt) after
	// this, never reused.
	defer d.conns.Put(conn, true)

	c, err := newClient(conn, d.log)
	if err != nil {
		return principal.Principal{}, err
	}
	if d.cfg.TLS == "starttls" {
		if err := func() (rerr error) {
			defer c.recover(&rerr)
			c.xstarttls(d.host)
			return nil
		}(); err != nil {
			return principal.Principal{}, err
		}
	}
	ok, err := c.authenticate(name, credential)
	if err != nil {
		return principal.Principal{}, err
	}
	c.logout()
	if !ok {
		return principal.Principal{}, directory.ErrBadCredentials
	}
	return principal.Principal{Name: name, Secrets: []string{}, Emails: []string{}, MemberOf: []uint32{}}, nil
}

// FindPrincipal cannot be answered by an IMAP server without credentials.
func (d *Directory) FindPrincipal(ctx context.Context, nameOrID string) (principal.Principal, error) {
	return principal.Principal{}, fmt.Errorf("%w: imap lookup without credentials", directory.ErrNotSupported)
}

func (d *Directory) ExpandGroup(ctx context.Context, id uint32) ([]uint32, error) {
	return nil, fmt.Errorf("%w: imap group expansion", directory.ErrNotSupported)
}

func (d *Directory) ListEmails(ctx context.Context, p principal.Principal) ([]string, error) {
	return nil, fmt.Errorf("%w: imap email listing", directory.ErrNotSupported)
}

func observe(op string, rerr *error, start time.Time) {
	result := "ok"
	if *rerr != nil {
		result = "error"
		if errors.Is(*rerr, directory.ErrNotFound) || errors.Is(*rerr, directory.ErrBadCredentials) {
			result = "notfound"
		}
	}
	metrics.BackendObserve("imap", op, result, start)
}
