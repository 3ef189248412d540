// Package sqldir is the SQL directory backend: principals live in an
// existing SQL database and are projected into a transient principal on
// every query. The queries are configured, not fixed, so any schema with a
// name column works. Nothing is ever written back.
//
// The default driver is the pure-Go sqlite driver, other database/sql
// drivers linked into the binary can be selected by name.
package sqldir

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mjl-/postdir/directory"
	"github.com/mjl-/postdir/metrics"
	"github.com/mjl-/postdir/mlog"
	"github.com/mjl-/postdir/pool"
	"github.com/mjl-/postdir/principal"
)

// Config sets up a SQL directory. The queries take the lookup argument as
// their single placeholder parameter.
type Config struct {
	Driver string // Driver name, default "sqlite".
	DSN    string // Data source name, e.g. a path for sqlite.

	// Selects one principal row by name. Columns are mapped by their name:
	// id, type, quota, name, description, secret, email. Unrecognized
	// columns are ignored. Required.
	QueryFind string

	// Selects secret rows (single column) by name. Optional, without it the
	// secret column of QueryFind is used.
	QuerySecrets string

	// Selects email rows (single column) by name, first is primary. Optional.
	QueryEmails string

	// Selects member id rows (single column) by group id. Optional, without
	// it groups cannot be expanded.
	QueryMembers string

	// Selects group id rows (single column) by name, filling MemberOf.
	// Optional.
	QueryMemberOf string

	Pool pool.Config
}

// Directory is a read-only SQL directory.
type Directory struct {
	log  mlog.Log
	cfg  Config
	db   *sql.DB
	wait time.Duration
}

var _ directory.Directory = (*Directory)(nil)

// New opens the database and verifies it can be reached.
func New(log mlog.Log, cfg Config) (*Directory, error) {
	if cfg.QueryFind == "" {
		return nil, fmt.Errorf("missing find query")
	}
	driver := cfg.Driver
	if driver == "" {
		driver = "sqlite"
	}
	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// database/sql pools internally, we configure it with the same policy
	// keys the other backends use for their pools.
	pc := cfg.Pool
	if pc.MaxConnections <= 0 {
		pc.MaxConnections = 10
	}
	if pc.WaitTimeout <= 0 {
		pc.WaitTimeout = 30 * time.Second
	}
	if pc.RecycleTimeout <= 0 {
		pc.RecycleTimeout = 30 * time.Second
	}
	db.SetMaxOpenConns(pc.MaxConnections)
	db.SetConnMaxLifetime(pc.RecycleTimeout)

	ctx, cancel := context.WithTimeout(context.Background(), pc.WaitTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}
	return &Directory{log: log, cfg: cfg, db: db, wait: pc.WaitTimeout}, nil
}

func (d *Directory) Close() error {
	return d.db.Close()
}

// wrapErr turns context deadline errors from a saturated pool into
// pool.ErrTimeout so callers can tell pool pressure from database trouble.
func wrapErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", pool.ErrTimeout, err)
	}
	return err
}

func (d *Directory) FindPrincipal(ctx context.Context, nameOrID string) (rp principal.Principal, rerr error) {
	defer observe("find", &rerr, time.Now())
	ctx, cancel := context.WithTimeout(ctx, d.wait)
	defer cancel()

	p, err := d.findRow(ctx, nameOrID)
	if err != nil {
		return principal.Principal{}, err
	}
	if d.cfg.QueryEmails != "" {
		p.Emails, err = d.stringsQuery(ctx, d.cfg.QueryEmails, p.Name)
		if err != nil {
			return principal.Principal{}, err
		}
	}
	if d.cfg.QueryMemberOf != "" {
		p.MemberOf, err = d.idsQuery(ctx, d.cfg.QueryMemberOf, p.Name)
		if err != nil {
			return principal.Principal{}, err
		}
	}
	return p, nil
}

// findRow runs the find query and maps the row's columns onto a principal.
func (d *Directory) findRow(ctx context.Context, name string) (principal.Principal, error) {
	rows, err := d.db.QueryContext(ctx, d.cfg.QueryFind, name)
	if err != nil {
		return principal.Principal{}, wrapErr(err)
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return principal.Principal{}, wrapErr(err)
		}
		return principal.Principal{}, directory.ErrNotFound
	}
	cols, err := rows.Columns()
	if err != nil {
		return principal.Principal{}, err
	}
	values := make([]sql.NullString, len(cols))
	scan := make([]any, len(cols))
	for i := range values {
		scan[i] = &values[i]
	}
	if err := rows.Scan(scan...); err != nil {
		return principal.Principal{}, err
	}

	p := principal.Principal{Secrets: []string{}, Emails: []string{}, MemberOf: []uint32{}}
	for i, col := range cols {
		if !values[i].Valid {
			continue
		}
		v := values[i].String
		switch col {
		case "id":
			id, err := strconv.ParseUint(v, 10, 32)
			if err != nil {
				return principal.Principal{}, fmt.Errorf("id column %q: %v", v, err)
			}
			p.ID = uint32(id)
		case "type":
			t, err := principal.ParseType(v)
			if err != nil {
				// Unknown types project to other, like the binary codec.
				t = principal.TypeOther
			}
			p.Type = t
		case "quota":
			q, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return principal.Principal{}, fmt.Errorf("quota column %q: %v", v, err)
			}
			p.Quota = q
		case "name":
			p.Name = v
		case "description":
			p.Description = v
		case "secret":
			p.Secrets = append(p.Secrets, v)
		case "email":
			p.Emails = append(p.Emails, v)
		}
	}
	if p.Name == "" {
		p.Name = name
	}
	return p, nil
}

func (d *Directory) stringsQuery(ctx context.Context, query, arg string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	l := []string{}
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		l = append(l, s)
	}
	return l, wrapErr(rows.Err())
}

func (d *Directory) idsQuery(ctx context.Context, query string, arg any) ([]uint32, error) {
	rows, err := d.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()
	l := []uint32{}
	for rows.Next() {
		var id uint32
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		l = append(l, id)
	}
	return l, wrapErr(rows.Err())
}

func (d *Directory) Authenticate(ctx context.Context, name, credential string) (rp principal.Principal, rerr error) {
	defer observe("auth", &rerr, time.Now())
	ctx, cancel := context.WithTimeout(ctx, d.wait)
	defer cancel()

	p, err := d.findRow(ctx, name)
	if err != nil {
		return principal.Principal{}, err
	}
	if d.cfg.QuerySecrets != "" {
		p.Secrets, err = d.stringsQuery(ctx, d.cfg.QuerySecrets, p.Name)
		if err != nil {
			return principal.Principal{}, err
		}
	}
	if !p.VerifySecret(credential) {
		return principal.Principal{}, directory.ErrBadCredentials
	}
	return p, nil
}

func (d *Directory) ExpandGroup(ctx context.Context, id uint32) (members []uint32, rerr error) {
	defer observe("group", &rerr, time.Now())
	if d.cfg.QueryMembers == "" {
		return nil, fmt.Errorf("%w: no members query configured", directory.ErrNotSupported)
	}
	ctx, cancel := context.WithTimeout(ctx, d.wait)
	defer cancel()
	return d.idsQuery(ctx, d.cfg.QueryMembers, id)
}

func (d *Directory) ListEmails(ctx context.Context, p principal.Principal) (emails []string, rerr error) {
	defer observe("emails", &rerr, time.Now())
	ctx, cancel := context.WithTimeout(ctx, d.wait)
	defer cancel()
	if d.cfg.QueryEmails != "" {
		return d.stringsQuery(ctx, d.cfg.QueryEmails, p.Name)
	}
	xp, err := d.findRow(ctx, p.Name)
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
	metrics.BackendObserve("sql", op, result, start)
}
