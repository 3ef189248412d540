// Package memdir is the in-memory directory backend: all principals are
// defined in the configuration file and kept in memory, no I/O is done for
// lookups. Useful for small fixed setups and for tests.
package memdir

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	"github.com/mjl-/postdir/directory"
	"github.com/mjl-/postdir/principal"
)

// Directory is a read-only directory over config-defined principals.
type Directory struct {
	byName map[string]principal.Principal
	byID   map[uint32]principal.Principal
}

var _ directory.Directory = (*Directory)(nil)

// New returns a directory serving the given principals. Names must be unique,
// ids must be unique when nonzero.
func New(principals []principal.Principal) (*Directory, error) {
	d := &Directory{
		byName: map[string]principal.Principal{},
		byID:   map[uint32]principal.Principal{},
	}
	for _, p := range principals {
		if p.Name == "" {
			return nil, fmt.Errorf("principal without name")
		}
		if _, ok := d.byName[p.Name]; ok {
			return nil, fmt.Errorf("duplicate principal name %q", p.Name)
		}
		p.Secrets = append([]string{}, p.Secrets...)
		p.Emails = append([]string{}, p.Emails...)
		p.MemberOf = append([]uint32{}, p.MemberOf...)
		d.byName[p.Name] = p
		if p.ID != 0 {
			if _, ok := d.byID[p.ID]; ok {
				return nil, fmt.Errorf("duplicate principal id %d", p.ID)
			}
			d.byID[p.ID] = p
		}
	}
	return d, nil
}

func (d *Directory) FindPrincipal(ctx context.Context, nameOrID string) (principal.Principal, error) {
	if p, ok := d.byName[nameOrID]; ok {
		return p, nil
	}
	if id, err := strconv.ParseUint(nameOrID, 10, 32); err == nil {
		if p, ok := d.byID[uint32(id)]; ok {
			return p, nil
		}
	}
	return principal.Principal{}, directory.ErrNotFound
}

func (d *Directory) Authenticate(ctx context.Context, name, credential string) (principal.Principal, error) {
	p, ok := d.byName[name]
	if !ok {
		return principal.Principal{}, directory.ErrNotFound
	}
	if !p.VerifySecret(credential) {
		return principal.Principal{}, directory.ErrBadCredentials
	}
	return p, nil
}

func (d *Directory) ExpandGroup(ctx context.Context, id uint32) ([]uint32, error) {
	if _, ok := d.byID[id]; !ok {
		return nil, directory.ErrNotFound
	}
	var members []uint32
	for _, p := range d.byName {
		for _, gid := range p.MemberOf {
			if gid == id {
				members = append(members, p.ID)
				break
			}
		}
	}
	slices.Sort(members)
	return members, nil
}

func (d *Directory) ListEmails(ctx context.Context, p principal.Principal) ([]string, error) {
	xp, ok := d.byName[p.Name]
	if !ok {
		return nil, directory.ErrNotFound
	}
	return append([]string{}, xp.Emails...), nil
}

func (d *Directory) Close() error {
	return nil
}
