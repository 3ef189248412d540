// Package ldapdir is the LDAP directory backend: principals are entries in
// an external LDAP server, projected into a transient principal on every
// query. Connections are pooled, searches run as a configured service
// account, and authentication is a bind as the found entry's DN.
package ldapdir

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/mjl-/postdir/directory"
	"github.com/mjl-/postdir/dns"
	"github.com/mjl-/postdir/metrics"
	"github.com/mjl-/postdir/mlog"
	"github.com/mjl-/postdir/pool"
	"github.com/mjl-/postdir/principal"
)

// Config sets up an LDAP directory.
type Config struct {
	// Host and port of the LDAP server, e.g. "ldap.example.com:389".
	Address string

	// "" or "off" for plain, "starttls" to upgrade, "tls" for immediate TLS
	// (typically port 636).
	TLS string

	// DN and password to bind with for searches. Empty for anonymous.
	BindDN       string
	BindPassword string

	// Search base, e.g. "ou=people,dc=example,dc=com".
	BaseDN string

	// Search filter with one %s for the escaped name, e.g.
	// "(&(objectClass=posixAccount)(uid=%s))".
	Filter string

	// Attribute names to project into principal fields. NameAttr is
	// required, e.g. "uid". The others are optional.
	NameAttr        string
	EmailAttr       string // E.g. "mail", multi-valued.
	DescriptionAttr string // E.g. "cn".
	QuotaAttr       string
	IDAttr          string // Numeric id, e.g. "uidNumber".
	MemberOfAttr    string // Numeric group ids, e.g. "gidNumber".

	// Filter with one %d for a group id, selecting that group's member
	// entries. Without it groups cannot be expanded.
	MembersFilter string

	Pool pool.Config
}

// Directory is a read-only LDAP directory.
type Directory struct {
	log      mlog.Log
	cfg      Config
	host     string
	resolver dns.Resolver
	pool     *pool.Pool[*ldap.Conn]
}

var _ directory.Directory = (*Directory)(nil)

// New returns an LDAP directory and verifies the server can be reached by
// creating and releasing one connection.
func New(log mlog.Log, resolver dns.Resolver, cfg Config) (*Directory, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("missing address")
	}
	if cfg.Filter == "" || !strings.Contains(cfg.Filter, "%s") {
		return nil, fmt.Errorf("filter must contain %%s for the name")
	}
	if cfg.NameAttr == "" {
		return nil, fmt.Errorf("missing name attribute")
	}
	host, _, err := net.SplitHostPort(cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("address: %v", err)
	}
	d := &Directory{log: log, cfg: cfg, host: host, resolver: resolver}
	d.pool = pool.New(cfg.Pool, d.connect, func(conn *ldap.Conn) { conn.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	conn, err := d.pool.Get(ctx)
	if err != nil {
		d.pool.Close()
		return nil, err
	}
	d.pool.Put(conn, false)
	return d, nil
}

func (d *Directory) Close() error {
	d.pool.Close()
	return nil
}

// connect dials the server, upgrades to TLS as configured and binds the
// service account. Called by the pool when it needs a fresh connection.
func (d *Directory) connect(ctx context.Context) (*ldap.Conn, error) {
	conn, err := d.dial(ctx)
	if err != nil {
		return nil, err
	}
	if d.cfg.TLS == "starttls" {
		if err := conn.StartTLS(&tls.Config{ServerName: d.host}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("starttls: %w", err)
		}
	}
	if d.cfg.BindDN != "" {
		if err := conn.Bind(d.cfg.BindDN, d.cfg.BindPassword); err != nil {
			conn.Close()
			return nil, fmt.Errorf("bind as %s: %w", d.cfg.BindDN, err)
		}
	}
	return conn, nil
}

func (d *Directory) dial(ctx context.Context) (*ldap.Conn, error) {
	ips, _, err := d.resolver.LookupIP(ctx, "ip", d.host+".")
	if err != nil {
		if ip := net.ParseIP(d.host); ip != nil {
			ips = []net.IP{ip}
		} else {
			return nil, fmt.Errorf("resolving %s: %w", d.host, err)
		}
	}
	_, port, _ := net.SplitHostPort(d.cfg.Address)
	dialer := &net.Dialer{}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Timeout = time.Until(deadline)
	}
	var lastErr error
	for _, ip := range ips {
		addr := net.JoinHostPort(ip.String(), port)
		var conn *ldap.Conn
		var err error
		if d.cfg.TLS == "tls" {
			conn, err = ldap.DialURL("ldaps://"+addr, ldap.DialWithDialer(dialer), ldap.DialWithTLSConfig(&tls.Config{ServerName: d.host}))
		} else {
			conn, err = ldap.DialURL("ldap://"+addr, ldap.DialWithDialer(dialer))
		}
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("dialing %s: %w", d.cfg.Address, lastErr)
}

func (d *Directory) attributes() []string {
	attrs := []string{d.cfg.NameAttr}
	for _, a := range []string{d.cfg.EmailAttr, d.cfg.DescriptionAttr, d.cfg.QuotaAttr, d.cfg.IDAttr, d.cfg.MemberOfAttr} {
		if a != "" {
			attrs = append(attrs, a)
		}
	}
	return attrs
}

// search runs one search on a pooled connection. Connections that returned a
// network error are discarded instead of reused.
func (d *Directory) search(ctx context.Context, filter string) (*ldap.SearchResult, error) {
	conn, err := d.pool.Get(ctx)
	if err != nil {
		return nil, err
	}
	req := ldap.NewSearchRequest(d.cfg.BaseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 0, 0, false, filter, d.attributes(), nil)
	res, err := conn.Search(req)
	d.pool.Put(conn, err != nil && !ldap.IsErrorWithCode(err, ldap.LDAPResultNoSuchObject))
	if err != nil {
		return nil, fmt.Errorf("ldap search: %w", err)
	}
	return res, nil
}

// entryPrincipal projects an LDAP entry into a principal.
func (d *Directory) entryPrincipal(e *ldap.Entry) (principal.Principal, error) {
	p := principal.Principal{
		Name:     e.GetAttributeValue(d.cfg.NameAttr),
		Secrets:  []string{},
		Emails:   []string{},
		MemberOf: []uint32{},
	}
	if p.Name == "" {
		return principal.Principal{}, fmt.Errorf("entry %s has no %s attribute", e.DN, d.cfg.NameAttr)
	}
	if d.cfg.EmailAttr != "" {
		p.Emails = append(p.Emails, e.GetAttributeValues(d.cfg.EmailAttr)...)
	}
	if d.cfg.DescriptionAttr != "" {
		p.Description = e.GetAttributeValue(d.cfg.DescriptionAttr)
	}
	if d.cfg.QuotaAttr != "" {
		if v := e.GetAttributeValue(d.cfg.QuotaAttr); v != "" {
			q, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return principal.Principal{}, fmt.Errorf("quota attribute %q: %v", v, err)
			}
			p.Quota = q
		}
	}
	if d.cfg.IDAttr != "" {
		if v := e.GetAttributeValue(d.cfg.IDAttr); v != "" {
			id, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				return principal.Principal{}, fmt.Errorf("id attribute %q: %v", v, err)
			}
			p.ID = uint32(id)
		}
	}
	if d.cfg.MemberOfAttr != "" {
		for _, v := range e.GetAttributeValues(d.cfg.MemberOfAttr) {
			id, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				return principal.Principal{}, fmt.Errorf("member attribute %q: %v", v, err)
			}
			p.MemberOf = append(p.MemberOf, uint32(id))
		}
	}
	return p, nil
}

// findEntry returns the single entry matching name, with its DN for a
// subsequent authentication bind.
func (d *Directory) findEntry(ctx context.Context, name string) (*ldap.Entry, error) {
	filter := fmt.Sprintf(d.cfg.Filter, ldap.EscapeFilter(name))
	res, err := d.search(ctx, filter)
	if err != nil {
		return nil, err
	}
	if len(res.Entries) == 0 {
		return nil, directory.ErrNotFound
	}
	if len(res.Entries) > 1 {
		return nil, fmt.Errorf("filter %s matched %d entries, need exactly one", filter, len(res.Entries))
	}
	return res.Entries[0], nil
}

func (d *Directory) FindPrincipal(ctx context.Context, nameOrID string) (rp principal.Principal, rerr error) {
	defer observe("find", &rerr, time.Now())
	e, err := d.findEntry(ctx, nameOrID)
	if err != nil {
		return principal.Principal{}, err
	}
	return d.entryPrincipal(e)
}

// Authenticate finds the entry for name and binds as its DN with credential.
// The connection used for the user bind is not returned to the pool, its
// authentication state no longer matches the service account.
func (d *Directory) Authenticate(ctx context.Context, name, credential string) (rp principal.Principal, rerr error) {
	defer observe("auth", &rerr, time.Now())
	e, err := d.findEntry(ctx, name)
	if err != nil {
		return principal.Principal{}, err
	}
	p, err := d.entryPrincipal(e)
	if err != nil {
		return principal.Principal{}, err
	}

	conn, err := d.pool.Get(ctx)
	if err != nil {
		return principal.Principal{}, err
	}
	err = conn.Bind(e.DN, credential)
	d.pool.Put(conn, true)
	if err != nil {
		if ldap.IsErrorWithCode(err, ldap.LDAPResultInvalidCredentials) {
			return principal.Principal{}, directory.ErrBadCredentials
		}
		return principal.Principal{}, fmt.Errorf("bind as %s: %w", e.DN, err)
	}
	return p, nil
}

func (d *Directory) ExpandGroup(ctx context.Context, id uint32) (members []uint32, rerr error) {
	defer observe("group", &rerr, time.Now())
	if d.cfg.MembersFilter == "" || d.cfg.IDAttr == "" {
		return nil, fmt.Errorf("members filter and id attribute not configured")
	}
	res, err := d.search(ctx, fmt.Sprintf(d.cfg.MembersFilter, id))
	if err != nil {
		return nil, err
	}
	for _, e := range res.Entries {
		v := e.GetAttributeValue(d.cfg.IDAttr)
		mid, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("id attribute %q of %s: %v", v, e.DN, err)
		}
		members = append(members, uint32(mid))
	}
	return members, nil
}

func (d *Directory) ListEmails(ctx context.Context, p principal.Principal) (emails []string, rerr error) {
	defer observe("emails", &rerr, time.Now())
	e, err := d.findEntry(ctx, p.Name)
	if err != nil {
		return nil, err
	}
	xp, err := d.entryPrincipal(e)
	if err != nil {
		return nil, err
	}
	return xp.Emails, nil
}

func observe(op string, rerr *error, start time.Time) {
	result := "ok"
	if *rerr != nil {
		result = "error"
		if errors.Is(*rerr, directory.ErrNotFound) || errors.Is(*rerr, directory.ErrBadCredentials) {
			result = "notfound"
		}
	}
	metrics.BackendObserve("ldap", op, result, start)
}
