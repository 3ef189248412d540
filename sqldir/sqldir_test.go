package sqldir

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/mjl-/postdir/directory"
	"github.com/mjl-/postdir/mlog"
	"github.com/mjl-/postdir/principal"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func tcompare(t *testing.T, got, expect any) {
	t.Helper()
	if !reflect.DeepEqual(got, expect) {
		t.Fatalf("got:\n%v\nexpected:\n%v", got, expect)
	}
}

// tdb creates a sqlite database with a typical users/emails/groups schema.
func tdb(t *testing.T) string {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "auth.db")
	db, err := sql.Open("sqlite", dsn)
	tcheck(t, err, "open database")
	defer db.Close()

	hash, err := principal.HashSecret("testtest")
	tcheck(t, err, "hash secret")

	stmts := []string{
		`create table users (id integer primary key, name text unique, type text, quota integer, description text, secret text)`,
		`create table emails (username text, email text, ord integer)`,
		`create table members (groupid integer, userid integer)`,
		`insert into users values (1000, 'alice', 'individual', 1024, 'Alice', '` + hash + `')`,
		`insert into users values (1001, 'bob', 'individual', 0, '', 'plainsecret')`,
		`insert into users values (2000, 'staff', 'group', 0, '', null)`,
		`insert into emails values ('alice', 'alice@example.com', 0)`,
		`insert into emails values ('alice', 'a@example.com', 1)`,
		`insert into members values (2000, 1000)`,
		`insert into members values (2000, 1001)`,
	}
	for _, q := range stmts {
		_, err := db.Exec(q)
		tcheck(t, err, "preparing database")
	}
	return dsn
}

func tdir(t *testing.T, cfg Config) *Directory {
	t.Helper()
	d, err := New(mlog.New("sqldir", nil), cfg)
	tcheck(t, err, "new directory")
	t.Cleanup(func() {
		err := d.Close()
		tcheck(t, err, "close directory")
	})
	return d
}

func TestSQL(t *testing.T) {
	d := tdir(t, Config{
		DSN:           tdb(t),
		QueryFind:     `select id, name, type, quota, description, secret from users where name = ?`,
		QueryEmails:   `select email from emails where username = ? order by ord`,
		QueryMembers:  `select userid from members where groupid = ?`,
		QueryMemberOf: `select groupid from members m join users u on u.id = m.userid where u.name = ?`,
	})

	p, err := d.FindPrincipal(ctxbg, "alice")
	tcheck(t, err, "find principal")
	exp := principal.Principal{
		ID:          1000,
		Type:        principal.TypeIndividual,
		Quota:       1024,
		Name:        "alice",
		Description: "Alice",
		Secrets:     []string{},
		Emails:      []string{"alice@example.com", "a@example.com"},
		MemberOf:    []uint32{2000},
	}
	// The secret column is exercised below through Authenticate.
	p.Secrets = []string{}
	tcompare(t, p, exp)

	_, err = d.FindPrincipal(ctxbg, "charlie")
	if !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("unknown name: got %v, expected ErrNotFound", err)
	}

	p, err = d.Authenticate(ctxbg, "alice", "testtest")
	tcheck(t, err, "authenticate with bcrypt hash")
	tcompare(t, p.Name, "alice")
	p, err = d.Authenticate(ctxbg, "bob", "plainsecret")
	tcheck(t, err, "authenticate with plain secret")
	tcompare(t, p.Name, "bob")

	_, err = d.Authenticate(ctxbg, "alice", "wrong")
	if !errors.Is(err, directory.ErrBadCredentials) {
		t.Fatalf("bad password: got %v, expected ErrBadCredentials", err)
	}
	_, err = d.Authenticate(ctxbg, "charlie", "testtest")
	if !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("unknown name: got %v, expected ErrNotFound", err)
	}

	members, err := d.ExpandGroup(ctxbg, 2000)
	tcheck(t, err, "expand group")
	tcompare(t, members, []uint32{1000, 1001})

	emails, err := d.ListEmails(ctxbg, principal.Principal{Name: "alice"})
	tcheck(t, err, "list emails")
	tcompare(t, emails, []string{"alice@example.com", "a@example.com"})
}

func TestSQLMinimal(t *testing.T) {
	// Only a find query: emails come from its email column, groups are not
	// supported.
	d := tdir(t, Config{
		DSN:       tdb(t),
		QueryFind: `select u.id, u.name, u.secret, e.email from users u left join emails e on e.username = u.name where u.name = ? order by e.ord limit 1`,
	})

	p, err := d.FindPrincipal(ctxbg, "alice")
	tcheck(t, err, "find principal")
	tcompare(t, p.ID, uint32(1000))
	tcompare(t, p.Emails, []string{"alice@example.com"})

	// The secret column from the find query is used for authentication.
	_, err = d.Authenticate(ctxbg, "bob", "plainsecret")
	tcheck(t, err, "authenticate")

	_, err = d.ExpandGroup(ctxbg, 2000)
	if !errors.Is(err, directory.ErrNotSupported) {
		t.Fatalf("expand group: got %v, expected ErrNotSupported", err)
	}
}

func TestSQLSeparateSecrets(t *testing.T) {
	dsn := tdb(t)
	db, err := sql.Open("sqlite", dsn)
	tcheck(t, err, "open database")
	_, err = db.Exec(`create table secrets (username text, secret text)`)
	tcheck(t, err, "create secrets table")
	_, err = db.Exec(`insert into secrets values ('alice', 'apppassword')`)
	tcheck(t, err, "insert secret")
	err = db.Close()
	tcheck(t, err, "close database")

	d := tdir(t, Config{
		DSN:          dsn,
		QueryFind:    `select id, name from users where name = ?`,
		QuerySecrets: `select secret from secrets where username = ?`,
	})

	_, err = d.Authenticate(ctxbg, "alice", "apppassword")
	tcheck(t, err, "authenticate with secrets query")

	// The find query has no secret column and the secrets query has no row
	// for bob, so bob cannot authenticate.
	_, err = d.Authenticate(ctxbg, "bob", "plainsecret")
	if !errors.Is(err, directory.ErrBadCredentials) {
		t.Fatalf("no secrets: got %v, expected ErrBadCredentials", err)
	}
}

func TestSQLConfig(t *testing.T) {
	_, err := New(mlog.New("sqldir", nil), Config{DSN: "x"})
	if err == nil {
		t.Fatalf("missing find query accepted")
	}
}
