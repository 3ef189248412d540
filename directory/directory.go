// Package directory defines the capability contract the identity backends
// implement, a TTL cache decorator for wrapping any backend, and the registry
// holding the named directories built from configuration.
//
// A directory resolves principals (users, groups, resources) and verifies
// credentials against one identity source: the internal store, an LDAP or
// SQL server, an IMAP or SMTP server probed per request, or principals
// defined in the configuration file. Protocol front-ends fetch a directory
// from the registry by its configured id and call the contract operations on
// the returned handle.
package directory

import (
	"context"
	"errors"

	"github.com/mjl-/postdir/principal"
)

var (
	// ErrNotFound is returned when a principal does not exist in a directory.
	// Distinct from backend errors (server unreachable, protocol trouble), so
	// callers can tell "no such user" from "directory down" and apply
	// different fallback policy.
	ErrNotFound = errors.New("directory: principal not found")

	// ErrBadCredentials is returned by Authenticate when the backend was
	// reached and rejected the credentials. Any other non-nil error means the
	// verification itself could not be carried out.
	ErrBadCredentials = errors.New("directory: bad credentials")

	// ErrNotSupported is returned for operations a backend protocol cannot
	// express, e.g. looking up a principal without credentials through an
	// IMAP server.
	ErrNotSupported = errors.New("directory: operation not supported by backend")
)

// Directory is the capability contract each backend implements.
//
// All operations may block on network or disk I/O and honor ctx. Operations
// return ErrNotFound for absent principals. Authenticate distinguishes three
// outcomes: the principal with a nil error on success, ErrBadCredentials
// when the backend rejected the credentials, and any other error when the
// backend could not be consulted (including pool.ErrTimeout when no
// connection became available).
type Directory interface {
	// FindPrincipal looks up a principal by name, or, for a string of
	// digits that matches no name, by id.
	FindPrincipal(ctx context.Context, nameOrID string) (principal.Principal, error)

	// Authenticate verifies credential for the named principal.
	Authenticate(ctx context.Context, name, credential string) (principal.Principal, error)

	// ExpandGroup returns the ids of the principals that are members of the
	// group with the given id. Only meaningful for group-typed principals.
	ExpandGroup(ctx context.Context, id uint32) ([]uint32, error)

	// ListEmails returns the addresses of p, first address is primary.
	ListEmails(ctx context.Context, p principal.Principal) ([]string, error)

	// Close releases connections and other resources.
	Close() error
}
