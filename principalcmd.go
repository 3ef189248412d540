package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	postdir "github.com/mjl-/postdir/postdir-"
	"github.com/mjl-/postdir/principal"
	"github.com/mjl-/postdir/storedir"
)

// xinternalStore resolves the -directory flag, or the sole configured
// internal directory, to its store. Management commands write through the
// store, not through any cache in front of it.
func xinternalStore(id string) *storedir.Store {
	if id == "" {
		ids := postdir.Conf.InternalIDs()
		if len(ids) != 1 {
			log.Fatalf("multiple internal directories configured, specify one with -directory")
		}
		id = ids[0]
	}
	s, ok := postdir.Conf.InternalStore(id)
	if !ok {
		log.Fatalf("no internal directory %q", id)
	}
	return s
}

// xprincipalID resolves a command-line argument to the id of a principal in
// the store, accepting both a name and a numeric id.
func xprincipalID(s *storedir.Store, arg string) uint32 {
	p, err := s.FindPrincipal(context.Background(), arg)
	xcheckf(err, "looking up principal %q", arg)
	return p.ID
}

func cmdPrincipalAdd(c *cmd) {
	var dirID, ptype, description, password string
	var quota uint64
	c.flag.StringVar(&dirID, "directory", "", "internal directory id, can be empty if only one internal directory is configured")
	c.flag.StringVar(&ptype, "type", "individual", "principal type, one of: individual, group, resource, location, superuser, list, other")
	c.flag.StringVar(&description, "description", "", "free-form description")
	c.flag.StringVar(&password, "password", "", "password for the new principal, a bcrypt hash is stored; if empty no password is set")
	c.flag.Uint64Var(&quota, "quota", 0, "storage quota in bytes, 0 is unlimited")
	c.params = "name [email ...]"
	c.help = `Add a principal to the internal directory.

The name must be unique within the directory. An id is assigned by the
database. Email addresses are stored lower-cased, the first is the primary
address.
`
	args := c.Parse()
	if len(args) == 0 {
		c.Usage()
	}
	mustLoadConfig(c)
	s := xinternalStore(dirID)

	t, err := principal.ParseType(ptype)
	xcheckf(err, "parsing type")
	p := principal.Principal{
		Type:        t,
		Quota:       quota,
		Name:        args[0],
		Description: description,
		Emails:      args[1:],
	}
	if password != "" {
		hash, err := principal.HashSecret(password)
		xcheckf(err, "hashing password")
		p.Secrets = []string{hash}
	}
	np, err := s.AddPrincipal(context.Background(), p)
	xcheckf(err, "adding principal")
	fmt.Printf("principal added, id %d\n", np.ID)
}

func cmdPrincipalGet(c *cmd) {
	var dirID string
	c.flag.StringVar(&dirID, "directory", "", "internal directory id, can be empty if only one internal directory is configured")
	c.params = "nameorid"
	c.help = `Print a principal from the internal directory as JSON.`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mustLoadConfig(c)
	s := xinternalStore(dirID)

	p, err := s.FindPrincipal(context.Background(), args[0])
	xcheckf(err, "looking up principal")
	printJSON(p)
}

func cmdPrincipalList(c *cmd) {
	var dirID string
	var limit int
	c.flag.StringVar(&dirID, "directory", "", "internal directory id, can be empty if only one internal directory is configured")
	c.flag.IntVar(&limit, "limit", 0, "maximum number of principals to list, 0 for no limit")
	c.params = "[prefix]"
	c.help = `List principals of the internal directory, in name order.

With a prefix, only principals whose name starts with the prefix are listed.
`
	args := c.Parse()
	if len(args) > 1 {
		c.Usage()
	}
	mustLoadConfig(c)
	s := xinternalStore(dirID)

	var prefix string
	if len(args) == 1 {
		prefix = args[0]
	}
	l, err := s.ListPrincipals(context.Background(), prefix, limit)
	xcheckf(err, "listing principals")
	for _, p := range l {
		var email string
		if len(p.Emails) > 0 {
			email = p.Emails[0]
		}
		fmt.Printf("%d\t%s\t%s\t%s\n", p.ID, p.Type, p.Name, email)
	}
}

func cmdPrincipalRemove(c *cmd) {
	var dirID string
	c.flag.StringVar(&dirID, "directory", "", "internal directory id, can be empty if only one internal directory is configured")
	c.params = "nameorid"
	c.help = `Remove a principal from the internal directory.

The principal is also removed from the member lists of the groups it was a
member of.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mustLoadConfig(c)
	s := xinternalStore(dirID)

	id := xprincipalID(s, args[0])
	err := s.DeletePrincipal(context.Background(), id)
	xcheckf(err, "removing principal")
	fmt.Println("principal removed")
}

func cmdPrincipalSetpassword(c *cmd) {
	var dirID string
	c.flag.StringVar(&dirID, "directory", "", "internal directory id, can be empty if only one internal directory is configured")
	c.params = "nameorid"
	c.help = `Set a new password for a principal in the internal directory.

The password is read from stdin. Its bcrypt hash replaces all existing
secrets of the principal.
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mustLoadConfig(c)
	s := xinternalStore(dirID)

	id := xprincipalID(s, args[0])
	pw := xreadpassword()
	hash, err := principal.HashSecret(pw)
	xcheckf(err, "hashing password")

	up := principal.SetUpdate(principal.FieldSecrets, principal.StringListValue([]string{hash}))
	_, err = s.UpdatePrincipal(context.Background(), id, []principal.PrincipalUpdate{up})
	xcheckf(err, "updating principal")
	fmt.Println("password updated")
}

func cmdPrincipalUpdate(c *cmd) {
	var dirID string
	c.flag.StringVar(&dirID, "directory", "", "internal directory id, can be empty if only one internal directory is configured")
	c.params = "nameorid <updates.json"
	c.help = `Apply field-level updates to a principal in the internal directory.

A JSON array of updates is read from stdin and applied atomically. Each
update has an action ("set", "addItem", "removeItem"), a field ("name",
"type", "quota", "description", "secrets", "emails", "memberOf") and a
value. Example:

	[{"action": "set", "field": "quota", "value": 1000000000},
	 {"action": "addItem", "field": "emails", "value": "alias@example.com"}]
`
	args := c.Parse()
	if len(args) != 1 {
		c.Usage()
	}
	mustLoadConfig(c)
	s := xinternalStore(dirID)

	id := xprincipalID(s, args[0])
	var updates []principal.PrincipalUpdate
	err := json.NewDecoder(os.Stdin).Decode(&updates)
	xcheckf(err, "parsing updates from stdin")
	if len(updates) == 0 {
		log.Fatalf("no updates")
	}
	np, err := s.UpdatePrincipal(context.Background(), id, updates)
	xcheckf(err, "updating principal")
	printJSON(np)
}
