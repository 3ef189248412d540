package storedir

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strings"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/text/unicode/norm"

	"github.com/mjl-/postdir/principal"
)

// Management operations on the internal directory: add, update, delete and
// list principals. These bypass any cache wrapped around the store, callers
// that need read-your-writes use the store directly.

// AddPrincipal assigns p a fresh id, stores it and returns it with the id
// set. The name must be nonempty and not in use. Name and emails are
// NFC-normalized before storing.
func (s *Store) AddPrincipal(ctx context.Context, p principal.Principal) (principal.Principal, error) {
	p.Name = norm.NFC.String(p.Name)
	if p.Name == "" {
		return principal.Principal{}, fmt.Errorf("empty principal name")
	}
	for i, e := range p.Emails {
		p.Emails[i] = norm.NFC.String(strings.ToLower(e))
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		names := tx.Bucket(bucketNames)
		if names.Get([]byte(p.Name)) != nil {
			return ErrNameInUse
		}
		seq, err := tx.Bucket(bucketPrincipals).NextSequence()
		if err != nil {
			return fmt.Errorf("assigning id: %w", err)
		}
		p.ID = uint32(seq)
		if err := put(tx, p); err != nil {
			return err
		}
		return names.Put([]byte(p.Name), idKey(p.ID))
	})
	if err != nil {
		return principal.Principal{}, err
	}
	s.log.Info("principal added", slog.String("name", p.Name), slog.Any("id", p.ID))
	return p, nil
}

// UpdatePrincipal applies updates to the principal with the given id in one
// transaction: concurrent updates to the same principal are serialized, and
// either all updates are applied or none. Updates are validated before any
// is applied.
func (s *Store) UpdatePrincipal(ctx context.Context, id uint32, updates []principal.PrincipalUpdate) (principal.Principal, error) {
	for _, u := range updates {
		if err := u.Validate(); err != nil {
			return principal.Principal{}, err
		}
	}
	var p principal.Principal
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		p, err = get(tx, id)
		if err != nil {
			return err
		}
		oldname := p.Name
		for _, u := range updates {
			if err := u.Apply(&p); err != nil {
				return err
			}
		}
		p.Name = norm.NFC.String(p.Name)
		names := tx.Bucket(bucketNames)
		if p.Name != oldname {
			if names.Get([]byte(p.Name)) != nil {
				return ErrNameInUse
			}
			if err := names.Delete([]byte(oldname)); err != nil {
				return err
			}
			if err := names.Put([]byte(p.Name), idKey(id)); err != nil {
				return err
			}
		}
		return put(tx, p)
	})
	if err != nil {
		return principal.Principal{}, err
	}
	s.log.Info("principal updated", slog.String("name", p.Name), slog.Any("id", id))
	return p, nil
}

// DeletePrincipal removes the principal with the given id, and removes it
// from the member lists of all other principals.
func (s *Store) DeletePrincipal(ctx context.Context, id uint32) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		p, err := get(tx, id)
		if err != nil {
			return err
		}
		if err := tx.Bucket(bucketNames).Delete([]byte(p.Name)); err != nil {
			return err
		}
		if err := tx.Bucket(bucketPrincipals).Delete(idKey(id)); err != nil {
			return err
		}
		// Drop the deleted principal from member lists.
		var changed []principal.Principal
		err = tx.Bucket(bucketPrincipals).ForEach(func(k, v []byte) error {
			var xp principal.Principal
			if err := xp.UnmarshalBinary(v); err != nil {
				return err
			}
			for i, gid := range xp.MemberOf {
				if gid == id {
					xp.MemberOf = append(xp.MemberOf[:i], xp.MemberOf[i+1:]...)
					changed = append(changed, xp)
					break
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, xp := range changed {
			if err := put(tx, xp); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.log.Info("principal deleted", slog.Any("id", id))
	return nil
}

// ListPrincipals returns principals whose name starts with prefix (empty
// prefix lists all), in name order, at most limit when limit > 0.
func (s *Store) ListPrincipals(ctx context.Context, prefix string, limit int) ([]principal.Principal, error) {
	var l []principal.Principal
	pb := []byte(norm.NFC.String(prefix))
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketNames).Cursor()
		for k, v := c.Seek(pb); k != nil && strings.HasPrefix(string(k), string(pb)); k, v = c.Next() {
			if limit > 0 && len(l) >= limit {
				break
			}
			p, err := get(tx, binary.BigEndian.Uint32(v))
			if err != nil {
				return fmt.Errorf("principal for name %q: %w", k, err)
			}
			l = append(l, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return l, nil
}
