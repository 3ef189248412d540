package postdir

import (
	"context"
	"errors"
	"os"
	"path/filepath"
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

// The ldap directory has a filter without %s, so building it fails and the
// registry gets a diagnostic while the other directories keep working.
var testConf = `DataDir: data
LogLevel: debug
Log:
	storedir: info
Directories:
	main:
		Type: internal
	team:
		Type: memory
		Memory:
			Principals:
				alice:
					ID: 1000
					Secret: testtest
					Emails:
						- alice@example.com
					MemberOf:
						- 2000
				staff:
					ID: 2000
					Type: group
	broken:
		Type: ldap
		LDAP:
			Address: ldap.example.com:389
			BaseDN: ou=people,dc=example,dc=com
			Filter: (uid=static)
			NameAttr: uid
Lookups:
	aliases:
		Type: map
		Separator: :
		Lines:
			- postmaster: alice
			- abuse: alice
	blocked:
		Type: glob
		Lines:
			- *.spam.example
`

func tsetup(t *testing.T) {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "postdir.conf")
	err := os.WriteFile(p, []byte(testConf), 0o600)
	tcheck(t, err, "writing config")
	ConfigPath = p
}

func TestParseConfig(t *testing.T) {
	tsetup(t)
	log := mlog.New("postdir", nil)

	cfg, errs := ParseConfig(ctxbg, log, ConfigPath, false)
	if len(errs) != 0 {
		t.Fatalf("parse: %v", errs)
	}
	if level, ok := cfg.LogLevels[""]; !ok || level != mlog.LevelDebug {
		t.Fatalf("got default log level %v, expected debug", level)
	}
	if level, ok := cfg.LogLevels["storedir"]; !ok || level != mlog.LevelInfo {
		t.Fatalf("got storedir log level %v, expected info", level)
	}
	if cfg.Directories["team"].Memory.Principals["staff"].ParsedType != principal.TypeGroup {
		t.Fatalf("staff type not parsed as group")
	}
	m := cfg.Lookups["aliases"].Matcher
	if v, ok := m.Resolve("postmaster"); !ok || v != "alice" {
		t.Fatalf(`resolve postmaster: got %q %v, expected "alice" true`, v, ok)
	}
	if !cfg.Lookups["blocked"].Matcher.Matches("host.spam.example") {
		t.Fatalf("glob lookup did not match")
	}

	// With checkOnly the broken directory is reported as an error.
	_, errs = ParseConfig(ctxbg, log, ConfigPath, true)
	if len(errs) != 1 {
		t.Fatalf("check: got %v, expected one error for directory broken", errs)
	}
}

func TestParseConfigErrors(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "postdir.conf")
	conf := `DataDir: data
LogLevel: bogus
Directories:
	team:
		Type: memory
		Memory:
			Principals:
				alice:
					Type: bogus
Lookups:
	l:
		Type: bogus
`
	err := os.WriteFile(p, []byte(conf), 0o600)
	tcheck(t, err, "writing config")
	_, errs := ParseConfig(ctxbg, mlog.New("postdir", nil), p, false)
	if len(errs) != 3 {
		t.Fatalf("got %v, expected errors for log level, lookup type and principal type", errs)
	}
}

func TestUnknownDirectoryType(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "postdir.conf")
	conf := `DataDir: data
LogLevel: info
Directories:
	team:
		Type: memory
		Memory:
			Principals:
				alice:
					ID: 1000
	odd:
		Type: frobnicator
`
	err := os.WriteFile(p, []byte(conf), 0o600)
	tcheck(t, err, "writing config")
	ConfigPath = p
	log := mlog.New("postdir", nil)

	errs := LoadConfig(ctxbg, log)
	if len(errs) != 0 {
		t.Fatalf("load: %v", errs)
	}
	t.Cleanup(func() { Conf.Registry().Close(log) })

	reg := Conf.Registry()
	diags := reg.Diagnostics()
	if len(diags) != 1 || diags[0].Directory != "odd" || diags[0].Key != "directory.odd.type" {
		t.Fatalf("got diagnostics %v, expected one for directory.odd.type", diags)
	}
	if _, ok := reg.Lookup("team"); !ok {
		t.Fatalf("team directory not in registry")
	}
}

func TestLoadConfig(t *testing.T) {
	tsetup(t)
	log := mlog.New("postdir", nil)

	errs := LoadConfig(ctxbg, log)
	if len(errs) != 0 {
		t.Fatalf("load: %v", errs)
	}
	t.Cleanup(func() { Conf.Registry().Close(log) })

	reg := Conf.Registry()
	diags := reg.Diagnostics()
	if len(diags) != 1 || diags[0].Directory != "broken" {
		t.Fatalf("got diagnostics %v, expected one for directory broken", diags)
	}
	if _, ok := reg.Lookup("broken"); ok {
		t.Fatalf("broken directory available in registry")
	}

	team, ok := reg.Lookup("team")
	if !ok {
		t.Fatalf("team directory not in registry")
	}
	p, err := team.FindPrincipal(ctxbg, "alice")
	tcheck(t, err, "find alice")
	if p.ID != 1000 {
		t.Fatalf("got id %d, expected 1000", p.ID)
	}

	// The internal store was created in the data directory and is reachable
	// for management writes.
	store, ok := Conf.InternalStore("main")
	if !ok {
		t.Fatalf("no internal store for directory main")
	}
	if ids := Conf.InternalIDs(); len(ids) != 1 || ids[0] != "main" {
		t.Fatalf("got internal ids %v, expected [main]", ids)
	}
	if _, err := os.Stat(DataDirPath("main.db")); err != nil {
		t.Fatalf("internal database not in data dir: %v", err)
	}
	_, err = store.FindPrincipal(ctxbg, "nosuchuser")
	if !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("find in empty store: got %v, expected ErrNotFound", err)
	}

	// Authenticate goes through the registry and maps errors to results.
	p, err = Authenticate(ctxbg, log, "team", "alice", "testtest", "127.0.0.1", "imap", "plain")
	tcheck(t, err, "authenticate")
	if p.Name != "alice" {
		t.Fatalf("got name %q, expected alice", p.Name)
	}
	_, err = Authenticate(ctxbg, log, "team", "alice", "wrong", "127.0.0.1", "imap", "plain")
	if !errors.Is(err, directory.ErrBadCredentials) {
		t.Fatalf("bad password: got %v, expected ErrBadCredentials", err)
	}
	_, err = Authenticate(ctxbg, log, "nosuchdir", "alice", "testtest", "127.0.0.1", "imap", "plain")
	if err == nil {
		t.Fatalf("authenticate against unknown directory did not fail")
	}

	// Reload replaces the registry.
	errs = LoadConfig(ctxbg, log)
	if len(errs) != 0 {
		t.Fatalf("reload: %v", errs)
	}
	if Conf.Registry() == reg {
		t.Fatalf("registry not replaced on reload")
	}
}

// While a reload is rebuilding directories, concurrent callers must get a
// working empty registry, not nil: lookups fail with not-found and
// diagnostics are empty until the new registry is installed.
func TestRegistryDuringReload(t *testing.T) {
	tsetup(t)
	log := mlog.New("postdir", nil)

	errs := LoadConfig(ctxbg, log)
	if len(errs) != 0 {
		t.Fatalf("load: %v", errs)
	}
	t.Cleanup(func() { Conf.Registry().Close(log) })

	// closeRegistry is the state between close and replace during LoadConfig.
	Conf.closeRegistry(log)
	reg := Conf.Registry()
	if reg == nil {
		t.Fatalf("registry nil during rebuild")
	}
	if _, ok := reg.Lookup("team"); ok {
		t.Fatalf("closed directory still served during rebuild")
	}
	if diags := reg.Diagnostics(); len(diags) != 0 {
		t.Fatalf("got diagnostics %v from empty registry", diags)
	}
	if _, ok := Conf.InternalStore("main"); ok {
		t.Fatalf("internal store available during rebuild")
	}

	// A new load makes the directories available again.
	errs = LoadConfig(ctxbg, log)
	if len(errs) != 0 {
		t.Fatalf("reload: %v", errs)
	}
	if _, ok := Conf.Registry().Lookup("team"); !ok {
		t.Fatalf("team directory missing after reload")
	}
}
