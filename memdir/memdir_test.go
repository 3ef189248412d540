package memdir

import (
	"context"
	"errors"
	"reflect"
	"slices"
	"testing"

	"github.com/mjl-/postdir/directory"
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

func TestMemdir(t *testing.T) {
	hash, err := principal.HashSecret("testtest")
	tcheck(t, err, "hash secret")

	principals := []principal.Principal{
		{ID: 1000, Type: principal.TypeIndividual, Name: "alice", Secrets: []string{hash}, Emails: []string{"alice@example.com", "a@example.com"}, MemberOf: []uint32{2000}},
		{ID: 1001, Type: principal.TypeIndividual, Name: "bob", Secrets: []string{"plainsecret"}, MemberOf: []uint32{2000}},
		{ID: 2000, Type: principal.TypeGroup, Name: "staff"},
	}
	d, err := New(principals)
	tcheck(t, err, "new directory")
	defer d.Close()

	p, err := d.FindPrincipal(ctxbg, "alice")
	tcheck(t, err, "find by name")
	tcompare(t, p.ID, uint32(1000))

	p, err = d.FindPrincipal(ctxbg, "1001")
	tcheck(t, err, "find by id")
	tcompare(t, p.Name, "bob")

	_, err = d.FindPrincipal(ctxbg, "charlie")
	if !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("unknown name: got %v, expected ErrNotFound", err)
	}

	// Bcrypt hash and plain text secrets.
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
	slices.Sort(members)
	tcompare(t, members, []uint32{1000, 1001})

	_, err = d.ExpandGroup(ctxbg, 9999)
	if !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("unknown group: got %v, expected ErrNotFound", err)
	}

	emails, err := d.ListEmails(ctxbg, p)
	tcheck(t, err, "list emails")
	tcompare(t, emails, []string{})

	p, err = d.FindPrincipal(ctxbg, "alice")
	tcheck(t, err, "find alice")
	emails, err = d.ListEmails(ctxbg, p)
	tcheck(t, err, "list emails")
	tcompare(t, emails, []string{"alice@example.com", "a@example.com"})
}

func TestMemdirInvalid(t *testing.T) {
	_, err := New([]principal.Principal{{Name: ""}})
	if err == nil {
		t.Fatalf("principal without name accepted")
	}
	_, err = New([]principal.Principal{{Name: "x"}, {Name: "x"}})
	if err == nil {
		t.Fatalf("duplicate name accepted")
	}
	_, err = New([]principal.Principal{{ID: 1, Name: "x"}, {ID: 1, Name: "y"}})
	if err == nil {
		t.Fatalf("duplicate id accepted")
	}
}
