// Package storedir is the internal directory backend: principals are stored
// in an embedded key-value database in their compact binary encoding. It is
// the only backend that can be written to, through batches of field-level
// updates applied atomically per principal.
//
// The database has a bucket with encoded principals keyed by big-endian id,
// and a bucket mapping names to ids for lookups by name. Ids are assigned
// from the principal bucket's sequence and never reused.
package storedir

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"
	"golang.org/x/text/unicode/norm"

	"github.com/mjl-/postdir/directory"
	"github.com/mjl-/postdir/metrics"
	"github.com/mjl-/postdir/mlog"
	"github.com/mjl-/postdir/principal"
)

var (
	bucketPrincipals = []byte("principals")
	bucketNames      = []byte("names")
)

// ErrNameInUse is returned when adding or renaming a principal to a name
// another principal already has.
var ErrNameInUse = errors.New("storedir: name already in use")

// Store is the internal directory, a bbolt database of encoded principals.
type Store struct {
	log mlog.Log
	db  *bolt.DB
}

var _ directory.Directory = (*Store)(nil)

// Open opens or creates the principal database at path, making parent
// directories as needed.
func Open(log mlog.Log, path string) (*Store, error) {
	os.MkdirAll(filepath.Dir(path), 0770)
	db, err := bolt.Open(path, 0660, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketPrincipals, bucketNames} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("creating bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{log: log, db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func idKey(id uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, id)
	return buf
}

// get decodes the principal with the given id within a transaction.
func get(tx *bolt.Tx, id uint32) (principal.Principal, error) {
	buf := tx.Bucket(bucketPrincipals).Get(idKey(id))
	if buf == nil {
		return principal.Principal{}, directory.ErrNotFound
	}
	var p principal.Principal
	if err := p.UnmarshalBinary(buf); err != nil {
		return principal.Principal{}, err
	}
	return p, nil
}

func getByName(tx *bolt.Tx, name string) (principal.Principal, error) {
	idbuf := tx.Bucket(bucketNames).Get([]byte(name))
	if idbuf == nil {
		return principal.Principal{}, directory.ErrNotFound
	}
	return get(tx, binary.BigEndian.Uint32(idbuf))
}

func put(tx *bolt.Tx, p principal.Principal) error {
	buf, err := p.MarshalBinary()
	if err != nil {
		return err
	}
	return tx.Bucket(bucketPrincipals).Put(idKey(p.ID), buf)
}

// FindPrincipal looks up by name, or for an all-digits string that matches no
// name, by id.
func (s *Store) FindPrincipal(ctx context.Context, nameOrID string) (rp principal.Principal, rerr error) {
	defer observe("find", &rerr, time.Now())
	err := s.db.View(func(tx *bolt.Tx) error {
		p, err := getByName(tx, norm.NFC.String(nameOrID))
		if err == nil {
			rp = p
			return nil
		}
		if !errors.Is(err, directory.ErrNotFound) {
			return err
		}
		id, perr := strconv.ParseUint(nameOrID, 10, 32)
		if perr != nil {
			return directory.ErrNotFound
		}
		rp, err = get(tx, uint32(id))
		return err
	})
	return rp, err
}

func (s *Store) Authenticate(ctx context.Context, name, credential string) (rp principal.Principal, rerr error) {
	defer observe("auth", &rerr, time.Now())
	var p principal.Principal
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		p, err = getByName(tx, norm.NFC.String(name))
		return err
	})
	if err != nil {
		return principal.Principal{}, err
	}
	if !p.VerifySecret(credential) {
		return principal.Principal{}, directory.ErrBadCredentials
	}
	return p, nil
}

// ExpandGroup walks all principals, returning the ids of those that are a
// member of the group with the given id.
func (s *Store) ExpandGroup(ctx context.Context, id uint32) (members []uint32, rerr error) {
	defer observe("group", &rerr, time.Now())
	err := s.db.View(func(tx *bolt.Tx) error {
		if _, err := get(tx, id); err != nil {
			return err
		}
		return tx.Bucket(bucketPrincipals).ForEach(func(k, v []byte) error {
			var p principal.Principal
			if err := p.UnmarshalBinary(v); err != nil {
				return err
			}
			for _, gid := range p.MemberOf {
				if gid == id {
					members = append(members, p.ID)
					break
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return members, nil
}

func (s *Store) ListEmails(ctx context.Context, p principal.Principal) (emails []string, rerr error) {
	defer observe("emails", &rerr, time.Now())
	err := s.db.View(func(tx *bolt.Tx) error {
		xp, err := get(tx, p.ID)
		if err != nil {
			return err
		}
		emails = append(emails, xp.Emails...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return emails, nil
}

func observe(op string, rerr *error, start time.Time) {
	result := "ok"
	if *rerr != nil {
		result = "error"
		if errors.Is(*rerr, directory.ErrNotFound) || errors.Is(*rerr, directory.ErrBadCredentials) {
			result = "notfound"
		}
	}
	metrics.BackendObserve("internal", op, result, start)
}
