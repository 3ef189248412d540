package authdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mjl-/postdir/mlog"
)

var ctxbg = context.Background()

func tcheck(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %s", msg, err)
	}
}

func TestLoginAttempts(t *testing.T) {
	log := mlog.New("authdb", nil)
	path := filepath.Join(t.TempDir(), "auth.db")
	err := Init(ctxbg, path, 1, time.Hour, 2)
	tcheck(t, err, "init")
	t.Cleanup(func() {
		if DB != nil {
			err := Close()
			tcheck(t, err, "close")
		}
	})

	la := LoginAttempt{
		AccountName: "alice",
		Directory:   "internal",
		RemoteIP:    "127.0.0.1",
		Protocol:    "imap",
		AuthMech:    "plain",
		Result:      AuthBadCredentials,
		log:         log,
	}

	// Same attempt twice is a single record with Count 2.
	write(la)
	write(la)
	l, err := List(ctxbg, "alice", 0)
	tcheck(t, err, "list")
	if len(l) != 1 {
		t.Fatalf("got %d records, expected 1", len(l))
	}
	if l[0].Count != 2 {
		t.Fatalf("got count %d, expected 2", l[0].Count)
	}
	if l[0].First.IsZero() || l[0].Last.Before(l[0].First) {
		t.Fatalf("bad timestamps, first %v last %v", l[0].First, l[0].Last)
	}

	// A different result is a new record.
	ok := la
	ok.Result = AuthSuccess
	write(ok)
	l, err = List(ctxbg, "alice", 0)
	tcheck(t, err, "list")
	if len(l) != 2 {
		t.Fatalf("got %d records, expected 2", len(l))
	}

	// Failed attempts beyond the per-account cap push out the oldest.
	for i, mech := range []string{"cram-md5", "login", "scram-sha-256"} {
		xla := la
		xla.AuthMech = mech
		xla.Last = time.Now().Add(time.Duration(i) * time.Second)
		write(xla)
	}
	l, err = List(ctxbg, "alice", 0)
	tcheck(t, err, "list")
	var failed int
	for _, a := range l {
		if a.Result != AuthSuccess {
			failed++
		}
	}
	if failed != 2 {
		t.Fatalf("got %d failed records, expected cap of 2", failed)
	}

	// Successful attempts don't count towards the cap.
	write(ok)
	l, err = List(ctxbg, "alice", 0)
	tcheck(t, err, "list")
	if len(l) != 3 {
		t.Fatalf("got %d records, expected 3", len(l))
	}

	// Limit and account filter.
	other := la
	other.AccountName = "bob"
	write(other)
	l, err = List(ctxbg, "alice", 1)
	tcheck(t, err, "list with limit")
	if len(l) != 1 {
		t.Fatalf("got %d records, expected 1", len(l))
	}
	if l[0].AccountName != "alice" {
		t.Fatalf("got record for %q, expected alice", l[0].AccountName)
	}
	l, err = List(ctxbg, "", 0)
	tcheck(t, err, "list all")
	if len(l) != 4 {
		t.Fatalf("got %d records, expected 4", len(l))
	}

	// Cleanup removes records past the retention period.
	old := la
	old.AccountName = "stale"
	old.Last = time.Now().Add(-48 * time.Hour)
	write(old)
	err = Cleanup(ctxbg)
	tcheck(t, err, "cleanup")
	l, err = List(ctxbg, "stale", 0)
	tcheck(t, err, "list after cleanup")
	if len(l) != 0 {
		t.Fatalf("got %d records after cleanup, expected 0", len(l))
	}

	// Add goes through the background writer, Close flushes it.
	Add(ctxbg, log, LoginAttempt{AccountName: "carol", Directory: "internal", Protocol: "webadmin", AuthMech: "http-basic", Result: AuthSuccess})
	err = Close()
	tcheck(t, err, "close")
	err = Init(ctxbg, path, 1, time.Hour, 2)
	tcheck(t, err, "reopen")
	l, err = List(ctxbg, "carol", 0)
	tcheck(t, err, "list after reopen")
	if len(l) != 1 {
		t.Fatalf("got %d records for carol, expected 1", len(l))
	}
}
