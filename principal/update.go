package principal

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// ErrUpdate is returned, wrapped, for updates whose action, field and value
// do not go together. Such updates are rejected before any backend is
// involved.
var ErrUpdate = errors.New("principal: invalid update")

// UpdateAction says how an update changes a field.
type UpdateAction string

const (
	ActionSet        UpdateAction = "set"
	ActionAddItem    UpdateAction = "addItem"
	ActionRemoveItem UpdateAction = "removeItem"
)

// UpdateField names the principal field an update applies to.
type UpdateField string

const (
	FieldName        UpdateField = "name"
	FieldType        UpdateField = "type"
	FieldQuota       UpdateField = "quota"
	FieldDescription UpdateField = "description"
	FieldSecrets     UpdateField = "secrets"
	FieldEmails      UpdateField = "emails"
	FieldMemberOf    UpdateField = "memberOf"
)

// ValueKind tags which variant of UpdateValue is set.
type ValueKind byte

const (
	ValueString ValueKind = iota
	ValueStringList
	ValueInteger
	ValueType
)

// UpdateValue is the value of an update. Exactly one variant is meaningful,
// indicated by Kind.
type UpdateValue struct {
	Kind    ValueKind
	String  string
	List    []string
	Integer uint64
	Type    Type
}

func StringValue(s string) UpdateValue       { return UpdateValue{Kind: ValueString, String: s} }
func StringListValue(l []string) UpdateValue { return UpdateValue{Kind: ValueStringList, List: l} }
func IntegerValue(v uint64) UpdateValue      { return UpdateValue{Kind: ValueInteger, Integer: v} }
func TypeValue(t Type) UpdateValue           { return UpdateValue{Kind: ValueType, Type: t} }

// PrincipalUpdate is one field-level mutation of a principal. Batches of
// updates are applied atomically per principal by the internal backend.
type PrincipalUpdate struct {
	Action UpdateAction
	Field  UpdateField
	Value  UpdateValue
}

// SetUpdate returns an update replacing field with value.
func SetUpdate(field UpdateField, value UpdateValue) PrincipalUpdate {
	return PrincipalUpdate{ActionSet, field, value}
}

// AddUpdate returns an update adding value to a list field.
func AddUpdate(field UpdateField, value UpdateValue) PrincipalUpdate {
	return PrincipalUpdate{ActionAddItem, field, value}
}

// RemoveUpdate returns an update removing value from a list field.
func RemoveUpdate(field UpdateField, value UpdateValue) PrincipalUpdate {
	return PrincipalUpdate{ActionRemoveItem, field, value}
}

// Validate checks that action, field and value shape go together: scalar
// fields only take "set" with a matching scalar value, list fields take
// "set" with a string list or add/removeItem with a single element. Member
// ids are integers, and a full member list cannot be set in one update, only
// changed element-wise.
func (u PrincipalUpdate) Validate() error {
	switch u.Action {
	case ActionSet, ActionAddItem, ActionRemoveItem:
	default:
		return fmt.Errorf("%w: unknown action %q", ErrUpdate, u.Action)
	}

	switch u.Field {
	case FieldName:
		if u.Action != ActionSet || u.Value.Kind != ValueString {
			return fmt.Errorf("%w: name takes set with a string", ErrUpdate)
		}
		if u.Value.String == "" {
			return fmt.Errorf("%w: name must not be empty", ErrUpdate)
		}
	case FieldDescription:
		if u.Action != ActionSet || u.Value.Kind != ValueString {
			return fmt.Errorf("%w: description takes set with a string", ErrUpdate)
		}
	case FieldType:
		if u.Action != ActionSet || u.Value.Kind != ValueType {
			return fmt.Errorf("%w: type takes set with a type", ErrUpdate)
		}
	case FieldQuota:
		if u.Action != ActionSet || u.Value.Kind != ValueInteger {
			return fmt.Errorf("%w: quota takes set with an integer", ErrUpdate)
		}
	case FieldSecrets, FieldEmails:
		if u.Action == ActionSet {
			if u.Value.Kind != ValueStringList {
				return fmt.Errorf("%w: %s takes set with a string list", ErrUpdate, u.Field)
			}
		} else if u.Value.Kind != ValueString {
			return fmt.Errorf("%w: %s takes %s with a string", ErrUpdate, u.Field, u.Action)
		}
	case FieldMemberOf:
		if u.Action == ActionSet {
			return fmt.Errorf("%w: memberOf is changed with addItem/removeItem, not set", ErrUpdate)
		}
		if u.Value.Kind != ValueInteger {
			return fmt.Errorf("%w: memberOf takes %s with an integer id", ErrUpdate, u.Action)
		}
	default:
		return fmt.Errorf("%w: unknown field %q", ErrUpdate, u.Field)
	}
	return nil
}

// Apply changes p according to u. Callers must have called Validate.
// AddItem is idempotent, RemoveItem removes all occurrences.
func (u PrincipalUpdate) Apply(p *Principal) error {
	if err := u.Validate(); err != nil {
		return err
	}
	switch u.Field {
	case FieldName:
		p.Name = u.Value.String
	case FieldDescription:
		p.Description = u.Value.String
	case FieldType:
		p.Type = u.Value.Type
	case FieldQuota:
		p.Quota = u.Value.Integer
	case FieldSecrets:
		p.Secrets = applyList(p.Secrets, u)
	case FieldEmails:
		p.Emails = applyList(p.Emails, u)
	case FieldMemberOf:
		id := uint32(u.Value.Integer)
		if uint64(id) != u.Value.Integer {
			return fmt.Errorf("%w: member id does not fit in 32 bits", ErrUpdate)
		}
		switch u.Action {
		case ActionAddItem:
			if !slices.Contains(p.MemberOf, id) {
				p.MemberOf = append(p.MemberOf, id)
			}
		case ActionRemoveItem:
			p.MemberOf = slices.DeleteFunc(p.MemberOf, func(v uint32) bool { return v == id })
		}
	}
	return nil
}

func applyList(l []string, u PrincipalUpdate) []string {
	switch u.Action {
	case ActionSet:
		return slices.Clone(u.Value.List)
	case ActionAddItem:
		if !slices.Contains(l, u.Value.String) {
			l = append(l, u.Value.String)
		}
	case ActionRemoveItem:
		l = slices.DeleteFunc(l, func(s string) bool { return s == u.Value.String })
	}
	return l
}

type updateJSON struct {
	Action UpdateAction    `json:"action"`
	Field  UpdateField     `json:"field"`
	Value  json.RawMessage `json:"value"`
}

// MarshalJSON encodes the update with its literal action and field tokens,
// and the value in its natural JSON shape: string, list of strings, number,
// or a type token.
func (u PrincipalUpdate) MarshalJSON() ([]byte, error) {
	var v any
	switch u.Value.Kind {
	case ValueString:
		v = u.Value.String
	case ValueStringList:
		v = u.Value.List
	case ValueInteger:
		v = u.Value.Integer
	case ValueType:
		v = u.Value.Type.String()
	default:
		return nil, fmt.Errorf("%w: unknown value kind %d", ErrUpdate, u.Value.Kind)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(updateJSON{u.Action, u.Field, raw})
}

// UnmarshalJSON decodes an update, interpreting the value by the field it
// applies to: a string for the type field is parsed as a type token, a JSON
// number becomes an integer, an array a string list.
func (u *PrincipalUpdate) UnmarshalJSON(buf []byte) error {
	var uj updateJSON
	if err := json.Unmarshal(buf, &uj); err != nil {
		return err
	}
	nu := PrincipalUpdate{Action: uj.Action, Field: uj.Field}
	if len(uj.Value) == 0 {
		return fmt.Errorf("%w: missing value", ErrUpdate)
	}
	switch uj.Value[0] {
	case '"':
		var s string
		if err := json.Unmarshal(uj.Value, &s); err != nil {
			return err
		}
		if uj.Field == FieldType {
			t, err := ParseType(s)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrUpdate, err)
			}
			nu.Value = TypeValue(t)
		} else {
			nu.Value = StringValue(s)
		}
	case '[':
		var l []string
		if err := json.Unmarshal(uj.Value, &l); err != nil {
			return err
		}
		nu.Value = StringListValue(l)
	default:
		var v uint64
		if err := json.Unmarshal(uj.Value, &v); err != nil {
			return err
		}
		nu.Value = IntegerValue(v)
	}
	*u = nu
	return nil
}
