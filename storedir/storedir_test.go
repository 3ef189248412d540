package storedir

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"slices"
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

func tstore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(mlog.New("storedir", nil), filepath.Join(t.TempDir(), "principals.db"))
	tcheck(t, err, "open store")
	t.Cleanup(func() {
		err := s.Close()
		tcheck(t, err, "close store")
	})
	return s
}

func TestAddFind(t *testing.T) {
	s := tstore(t)

	hash, err := principal.HashSecret("testtest")
	tcheck(t, err, "hash secret")
	p, err := s.AddPrincipal(ctxbg, principal.Principal{
		Type:     principal.TypeIndividual,
		Quota:    1024,
		Name:     "alice",
		Secrets:  []string{hash},
		Emails:   []string{"Alice@Example.COM"},
		MemberOf: []uint32{},
	})
	tcheck(t, err, "add principal")
	if p.ID == 0 {
		t.Fatalf("no id assigned")
	}
	// Emails are stored lower-cased.
	tcompare(t, p.Emails, []string{"alice@example.com"})

	np, err := s.FindPrincipal(ctxbg, "alice")
	tcheck(t, err, "find by name")
	tcompare(t, np, p)

	np, err = s.FindPrincipal(ctxbg, "1")
	tcheck(t, err, "find by id")
	tcompare(t, np.Name, "alice")

	_, err = s.FindPrincipal(ctxbg, "bob")
	if !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("unknown name: got %v, expected ErrNotFound", err)
	}

	// Duplicate name is rejected.
	_, err = s.AddPrincipal(ctxbg, principal.Principal{Name: "alice"})
	if !errors.Is(err, ErrNameInUse) {
		t.Fatalf("duplicate name: got %v, expected ErrNameInUse", err)
	}
	// Empty name is rejected.
	_, err = s.AddPrincipal(ctxbg, principal.Principal{})
	if err == nil {
		t.Fatalf("empty name accepted")
	}

	// An all-digits name takes precedence over an id.
	pn, err := s.AddPrincipal(ctxbg, principal.Principal{Name: "1"})
	tcheck(t, err, "add all-digits name")
	np, err = s.FindPrincipal(ctxbg, "1")
	tcheck(t, err, "find all-digits name")
	tcompare(t, np.ID, pn.ID)
}

func TestAuthenticate(t *testing.T) {
	s := tstore(t)

	hash, err := principal.HashSecret("testtest")
	tcheck(t, err, "hash secret")
	_, err = s.AddPrincipal(ctxbg, principal.Principal{Name: "alice", Secrets: []string{hash}})
	tcheck(t, err, "add principal")

	p, err := s.Authenticate(ctxbg, "alice", "testtest")
	tcheck(t, err, "authenticate")
	tcompare(t, p.Name, "alice")

	_, err = s.Authenticate(ctxbg, "alice", "wrong")
	if !errors.Is(err, directory.ErrBadCredentials) {
		t.Fatalf("bad password: got %v, expected ErrBadCredentials", err)
	}
	_, err = s.Authenticate(ctxbg, "bob", "testtest")
	if !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("unknown name: got %v, expected ErrNotFound", err)
	}
}

func TestUpdate(t *testing.T) {
	s := tstore(t)

	p, err := s.AddPrincipal(ctxbg, principal.Principal{Name: "alice", Emails: []string{"alice@example.com"}})
	tcheck(t, err, "add principal")
	other, err := s.AddPrincipal(ctxbg, principal.Principal{Name: "bob"})
	tcheck(t, err, "add principal")

	np, err := s.UpdatePrincipal(ctxbg, p.ID, []principal.PrincipalUpdate{
		principal.SetUpdate(principal.FieldQuota, principal.IntegerValue(4096)),
		principal.SetUpdate(principal.FieldDescription, principal.StringValue("Alice")),
		principal.AddUpdate(principal.FieldEmails, principal.StringValue("a@example.com")),
	})
	tcheck(t, err, "update principal")
	tcompare(t, np.Quota, uint64(4096))
	tcompare(t, np.Description, "Alice")
	tcompare(t, np.Emails, []string{"alice@example.com", "a@example.com"})

	// Updates are applied all-or-nothing. The second update fails, the first
	// must not stick.
	_, err = s.UpdatePrincipal(ctxbg, p.ID, []principal.PrincipalUpdate{
		principal.SetUpdate(principal.FieldDescription, principal.StringValue("changed")),
		principal.SetUpdate(principal.FieldName, principal.StringValue("bob")),
	})
	if !errors.Is(err, ErrNameInUse) {
		t.Fatalf("rename to existing name: got %v, expected ErrNameInUse", err)
	}
	np, err = s.FindPrincipal(ctxbg, "alice")
	tcheck(t, err, "find after failed update")
	tcompare(t, np.Description, "Alice")

	// Rename updates the name index.
	np, err = s.UpdatePrincipal(ctxbg, p.ID, []principal.PrincipalUpdate{
		principal.SetUpdate(principal.FieldName, principal.StringValue("carol")),
	})
	tcheck(t, err, "rename principal")
	tcompare(t, np.Name, "carol")
	_, err = s.FindPrincipal(ctxbg, "alice")
	if !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("old name: got %v, expected ErrNotFound", err)
	}
	np, err = s.FindPrincipal(ctxbg, "carol")
	tcheck(t, err, "find by new name")
	tcompare(t, np.ID, p.ID)

	// Invalid updates are rejected before anything is applied.
	_, err = s.UpdatePrincipal(ctxbg, p.ID, []principal.PrincipalUpdate{
		principal.SetUpdate(principal.FieldName, principal.StringValue("")),
	})
	if !errors.Is(err, principal.ErrUpdate) {
		t.Fatalf("invalid update: got %v, expected ErrUpdate", err)
	}

	_, err = s.UpdatePrincipal(ctxbg, other.ID+999, []principal.PrincipalUpdate{
		principal.SetUpdate(principal.FieldQuota, principal.IntegerValue(1)),
	})
	if !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("unknown id: got %v, expected ErrNotFound", err)
	}
}

func TestGroups(t *testing.T) {
	s := tstore(t)

	group, err := s.AddPrincipal(ctxbg, principal.Principal{Type: principal.TypeGroup, Name: "staff"})
	tcheck(t, err, "add group")
	alice, err := s.AddPrincipal(ctxbg, principal.Principal{Name: "alice", MemberOf: []uint32{group.ID}})
	tcheck(t, err, "add member")
	bob, err := s.AddPrincipal(ctxbg, principal.Principal{Name: "bob", MemberOf: []uint32{group.ID}})
	tcheck(t, err, "add member")

	members, err := s.ExpandGroup(ctxbg, group.ID)
	tcheck(t, err, "expand group")
	slices.Sort(members)
	tcompare(t, members, []uint32{alice.ID, bob.ID})

	_, err = s.ExpandGroup(ctxbg, 12345)
	if !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("unknown group: got %v, expected ErrNotFound", err)
	}

	// Deleting a member removes it from the group.
	err = s.DeletePrincipal(ctxbg, bob.ID)
	tcheck(t, err, "delete principal")
	members, err = s.ExpandGroup(ctxbg, group.ID)
	tcheck(t, err, "expand group after delete")
	tcompare(t, members, []uint32{alice.ID})

	// Deleting the group removes it from member lists.
	err = s.DeletePrincipal(ctxbg, group.ID)
	tcheck(t, err, "delete group")
	np, err := s.FindPrincipal(ctxbg, "alice")
	tcheck(t, err, "find member after group delete")
	tcompare(t, np.MemberOf, []uint32{})

	err = s.DeletePrincipal(ctxbg, group.ID)
	if !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("delete unknown id: got %v, expected ErrNotFound", err)
	}
}

func TestList(t *testing.T) {
	s := tstore(t)

	for _, name := range []string{"alice", "albert", "bob"} {
		_, err := s.AddPrincipal(ctxbg, principal.Principal{Name: name})
		tcheck(t, err, "add principal")
	}

	names := func(l []principal.Principal) []string {
		var r []string
		for _, p := range l {
			r = append(r, p.Name)
		}
		return r
	}

	l, err := s.ListPrincipals(ctxbg, "", 0)
	tcheck(t, err, "list all")
	tcompare(t, names(l), []string{"albert", "alice", "bob"})

	l, err = s.ListPrincipals(ctxbg, "al", 0)
	tcheck(t, err, "list prefix")
	tcompare(t, names(l), []string{"albert", "alice"})

	l, err = s.ListPrincipals(ctxbg, "", 2)
	tcheck(t, err, "list with limit")
	tcompare(t, names(l), []string{"albert", "alice"})

	l, err = s.ListPrincipals(ctxbg, "zz", 0)
	tcheck(t, err, "list no match")
	tcompare(t, len(l), 0)
}

func TestListEmails(t *testing.T) {
	s := tstore(t)

	p, err := s.AddPrincipal(ctxbg, principal.Principal{Name: "alice", Emails: []string{"alice@example.com", "a@example.com"}})
	tcheck(t, err, "add principal")

	emails, err := s.ListEmails(ctxbg, p)
	tcheck(t, err, "list emails")
	tcompare(t, emails, []string{"alice@example.com", "a@example.com"})

	_, err = s.ListEmails(ctxbg, principal.Principal{ID: 999})
	if !errors.Is(err, directory.ErrNotFound) {
		t.Fatalf("unknown principal: got %v, expected ErrNotFound", err)
	}
}
