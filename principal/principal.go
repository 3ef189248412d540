// Package principal defines the identity record the directory layer stores
// and exchanges, its compact binary encoding, and field-level updates.
//
// A Principal describes a user, group, resource or other identity. Backends
// either persist encoded principals (the internal store) or project their
// native records (LDAP entry, SQL row) into a transient Principal on each
// query.
package principal

import (
	"fmt"
)

// Type is the kind of identity a Principal describes.
type Type byte

const (
	TypeIndividual Type = 0
	TypeGroup      Type = 1
	TypeResource   Type = 2
	TypeLocation   Type = 3
	TypeSuperuser  Type = 4
	TypeList       Type = 5
	TypeOther      Type = 6
)

// TypeFromByte returns the Type for a stored ordinal. Unknown ordinals return
// TypeOther, so records written by newer versions still decode.
func TypeFromByte(b byte) Type {
	if b > byte(TypeList) {
		return TypeOther
	}
	return Type(b)
}

// String returns the lower-case token for t, as used in config files, JSON
// and logging.
func (t Type) String() string {
	switch t {
	case TypeIndividual:
		return "individual"
	case TypeGroup:
		return "group"
	case TypeResource:
		return "resource"
	case TypeLocation:
		return "location"
	case TypeSuperuser:
		return "superuser"
	case TypeList:
		return "list"
	}
	return "other"
}

// ParseType parses a type token as written by Type.String.
func ParseType(s string) (Type, error) {
	switch s {
	case "individual":
		return TypeIndividual, nil
	case "group":
		return TypeGroup, nil
	case "resource":
		return TypeResource, nil
	case "location":
		return TypeLocation, nil
	case "superuser":
		return TypeSuperuser, nil
	case "list":
		return TypeList, nil
	case "other":
		return TypeOther, nil
	}
	return TypeOther, fmt.Errorf("unknown principal type %q", s)
}

// Principal is an identity record.
type Principal struct {
	// Backend-assigned, stable for the lifetime of the record. Zero for
	// backends that do not persist identity.
	ID uint32

	Type Type

	// Storage quota in bytes. 0 is unset/unlimited.
	Quota uint64

	// Unique within a directory, the primary lookup key. Never empty in a
	// valid record.
	Name string

	// Empty means unset.
	Description string

	// Password hashes and app passwords. Order is preserved but carries no
	// meaning.
	Secrets []string

	// Addresses for this principal. Callers treat the first as primary.
	Emails []string

	// IDs of groups this principal is a member of.
	MemberOf []uint32
}

// PrimaryEmail returns the first address, or the empty string if the
// principal has none.
func (p Principal) PrimaryEmail() string {
	if len(p.Emails) == 0 {
		return ""
	}
	return p.Emails[0]
}
