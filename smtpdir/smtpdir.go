// Package smtpdir is the SMTP/LMTP directory backend: an external mail
// server is probed per request. Recipient existence is checked with a MAIL
// FROM/RCPT TO sequence that never sends message data, credentials are
// verified with AUTH PLAIN or CRAM-MD5. Results are transient projections,
// nothing is stored.
package smtpdir

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/mjl-/postdir/directory"
	"github.com/mjl-/postdir/dns"
	"github.com/mjl-/postdir/metrics"
	"github.com/mjl-/postdir/mlog"
	"github.com/mjl-/postdir/pool"
	"github.com/mjl-/postdir/principal"
)

// Config sets up an SMTP or LMTP directory.
type Config struct {
	// Host and port, e.g. "mail.example.com:25" or an LMTP port.
	Address string

	// "" or "off" for plain, "starttls" to upgrade, "tls" for immediate TLS.
	TLS string

	// Use LMTP (LHLO) instead of SMTP (EHLO).
	LMTP bool

	// Hostname to present in EHLO/LHLO. Default "localhost".
	HeloHostname string

	// Envelope sender for recipient probes. Default empty (null sender).
	MailFrom string

	// Domain appended to bare names before probing, e.g. "example.com" turns
	// name "alice" into "alice@example.com". Names containing "@" are probed
	// as-is.
	Domain string

	Pool pool.Config
}

// Directory probes an SMTP/LMTP server.
type Directory struct {
	log      mlog.Log
	cfg      Config
	host     string
	resolver dns.Resolver
	protocol string // smtp or lmtp, for metrics.

	// Probe connections are reusable after RSET, authentication taints a
	// connection and it is discarded.
	conns *pool.Pool[*client]
}

var _ directory.Directory = (*Directory)(nil)

// New returns an SMTP/LMTP directory for the configured server. No
// connection is made until the first operation.
func New(log mlog.Log, resolver dns.Resolver, cfg Config) (*Directory, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("missing address")
	}
	host, _, err := net.SplitHostPort(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("address: %v", err)
	}
	if cfg.HeloHostname == "" {
		cfg.HeloHostname = "localhost"
	}
	protocol := "smtp"
	if cfg.LMTP {
		protocol = "lmtp"
	}
	d := &Directory{log: log, cfg: cfg, host: host, resolver: resolver, protocol: protocol}
	d.conns = pool.New(cfg.Pool, d.connect, func(c *client) { c.close() })
	return d, nil
}

func (d *Directory) Close() error {
	d.conns.Close()
	return nil
}

// connect dials, greets, and upgrades to TLS as configured, returning a
// connection ready for commands.
func (d *Directory) connect(ctx context.Context) (*client, error) {
	ips, _, err := d.resolver.LookupIP(ctx, "ip", d.host+".")
	if err != nil {
		if ip := net.ParseIP(d.host); ip != nil {
			ips = []net.IP{ip}
		} else {
			return nil, fmt.Errorf("resolving %s: %w", d.host, err)
		}
	}
	_, port, _ := net.SplitHostPort(d.cfg.Address)
	dialer := net.Dialer{}
	var conn net.Conn
	var lastErr error
	for _, ip := range ips {
		addr := net.JoinHostPort(ip.String(), port)
		conn, lastErr = dialer.DialContext(ctx, "tcp", addr)
		if lastErr == nil {
			break
		}
	}
	if conn == nil {
		return nil, fmt.Errorf("dialing %s: %w", d.cfg.Address, lastErr)
	}
	if d.cfg.TLS == "tls" {
		tlsconn := tls.Client(conn, &tls.Config{ServerName: d.host})
		if err := tlsconn.Handshake(); err != nil {
			conn.Close()
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		conn = tlsconn
	}
	c, err := newClient(conn, d.log, d.cfg.LMTP, d.cfg.HeloHostname)
	if err != nil {
		return nil, err
	}
	if d.cfg.TLS == "starttls" {
		if err := c.starttls(d.host); err != nil {
			c.close()
			return nil, err
		}
	}
	return c, nil
}

// address turns a principal name into the address probed at the server.
func (d *Directory) address(name string) string {
	if strings.Contains(name, "@") || d.cfg.Domain == "" {
		return name
	}
	return name + "@" + d.cfg.Domain
}

// FindPrincipal probes whether the server accepts nameOrID as a recipient.
func (d *Directory) FindPrincipal(ctx context.Context, nameOrID string) (rp principal.Principal, rerr error) {
	defer d.observe("find", &rerr, time.Now())

	c, err := d.conns.Get(ctx)
	if err != nil {
		return principal.Principal{}, err
	}
	addr := d.address(nameOrID)
	ok, err := c.probe(d.cfg.MailFrom, addr)
	d.conns.Put(c, err != nil)
	if err != nil {
		return principal.Principal{}, err
	}
	if !ok {
		return principal.Principal{}, directory.ErrNotFound
	}
	return principal.Principal{Name: nameOrID, Secrets: []string{}, Emails: []string{addr}, MemberOf: []uint32{}}, nil
}

// Authenticate verifies credentials with AUTH against the server.
func (d *Directory) Authenticate(ctx context.Context, name, credential string) (rp principal.Principal, rerr error) {
	defer d.observe("auth", &rerr, time.Now())

	c, err := d.conns.Get(ctx)
	if err != nil {
		return principal.Principal{}, err
	}
	ok, err := c.authenticate(name, credential)
	c.quit()
	d.conns.Put(c, true)
	if err != nil {
		return principal.Principal{}, err
	}
	if !ok {
		return principal.Principal{}, directory.ErrBadCredentials
	}
	return principal.Principal{Name: name, Secrets: []string{}, Emails: []string{d.address(name)}, MemberOf: []uint32{}}, nil
}

func (d *Directory) ExpandGroup(ctx context.Context, id uint32) ([]uint32, error) {
	return nil, fmt.Errorf("%w: smtp group expansion", directory.ErrNotSupported)
}

// ListEmails probes the principal's address and returns it when accepted.
func (d *Directory) ListEmails(ctx context.Context, p principal.Principal) (emails []string, rerr error) {
	defer d.observe("emails", &rerr, time.Now())
	xp, err := d.FindPrincipal(ctx, p.Name)
	if err != nil {
		return nil, err
	}
	return xp.Emails, nil
}

func (d *Directory) observe(op string, rerr *error, start time.Time) {
	result := "ok"
	if *rerr != nil {
		result = "error"
		if errors.Is(*rerr, directory.ErrNotFound) || errors.Is(*rerr, directory.ErrBadCredentials) {
			result = "notfound"
		}
	}
	metrics.BackendObserve(d.protocol, op, result, start)
}
