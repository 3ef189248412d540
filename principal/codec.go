package principal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

// Version byte leading every encoded principal. A decoder seeing another
// value must fail, a future version ships its own decoder branch.
const encodingVersion = 1

// ErrDecode is returned, possibly wrapped, for any malformed encoded
// principal: bad version, truncation, overlong varint, invalid UTF-8. No
// partial record is ever returned.
var ErrDecode = errors.New("principal: malformed data")

// MarshalBinary encodes p in the compact record format: a version byte,
// varint id, one type byte, varint quota, then length-prefixed name and
// description, the secrets and emails lists, and the member ids. Varints are
// unsigned LEB128 (encoding/binary Uvarint). The format is not
// self-describing, field order is fixed and evolution may only append.
func (p Principal) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 1, 64)
	buf[0] = encodingVersion
	buf = binary.AppendUvarint(buf, uint64(p.ID))
	buf = append(buf, byte(p.Type))
	buf = binary.AppendUvarint(buf, p.Quota)
	buf = appendString(buf, p.Name)
	buf = appendString(buf, p.Description)
	for _, l := range [][]string{p.Secrets, p.Emails} {
		buf = binary.AppendUvarint(buf, uint64(len(l)))
		for _, s := range l {
			buf = appendString(buf, s)
		}
	}
	buf = binary.AppendUvarint(buf, uint64(len(p.MemberOf)))
	for _, id := range p.MemberOf {
		buf = binary.AppendUvarint(buf, uint64(id))
	}
	return buf, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

// UnmarshalBinary decodes an encoded principal. Decoding is strictly
// sequential and fails closed: on any malformed input p is left unmodified
// and an error wrapping ErrDecode is returned. Unknown type ordinals decode
// to TypeOther. An empty description decodes as unset. List fields are
// non-nil after decoding. Trailing data after the record is ignored, fields
// appended by a newer version.
func (p *Principal) UnmarshalBinary(buf []byte) error {
	d := decoder{buf: buf}
	if len(buf) < 1 || buf[0] != encodingVersion {
		return fmt.Errorf("%w: unknown version", ErrDecode)
	}
	d.off = 1

	var np Principal
	id, err := d.uint32("id")
	if err != nil {
		return err
	}
	np.ID = id
	tb, err := d.byte("type")
	if err != nil {
		return err
	}
	np.Type = TypeFromByte(tb)
	np.Quota, err = d.uvarint("quota")
	if err != nil {
		return err
	}
	np.Name, err = d.string("name")
	if err != nil {
		return err
	}
	np.Description, err = d.string("description")
	if err != nil {
		return err
	}
	np.Secrets, err = d.stringList("secrets")
	if err != nil {
		return err
	}
	np.Emails, err = d.stringList("emails")
	if err != nil {
		return err
	}
	n, err := d.uvarint("member count")
	if err != nil {
		return err
	}
	if n > uint64(len(d.buf)-d.off) {
		return fmt.Errorf("%w: member count too large", ErrDecode)
	}
	np.MemberOf = make([]uint32, 0, n)
	for i := uint64(0); i < n; i++ {
		id, err := d.uint32("member id")
		if err != nil {
			return err
		}
		np.MemberOf = append(np.MemberOf, id)
	}

	*p = np
	return nil
}

type decoder struct {
	buf []byte
	off int
}

func (d *decoder) uvarint(what string) (uint64, error) {
	v, n := binary.Uvarint(d.buf[d.off:])
	if n <= 0 {
		return 0, fmt.Errorf("%w: bad varint for %s", ErrDecode, what)
	}
	d.off += n
	return v, nil
}

func (d *decoder) uint32(what string) (uint32, error) {
	v, err := d.uvarint(what)
	if err != nil {
		return 0, err
	}
	if v > math.MaxUint32 {
		return 0, fmt.Errorf("%w: %s does not fit in 32 bits", ErrDecode, what)
	}
	return uint32(v), nil
}

func (d *decoder) byte(what string) (byte, error) {
	if d.off >= len(d.buf) {
		return 0, fmt.Errorf("%w: missing %s", ErrDecode, what)
	}
	b := d.buf[d.off]
	d.off++
	return b, nil
}

func (d *decoder) string(what string) (string, error) {
	n, err := d.uvarint(what)
	if err != nil {
		return "", err
	}
	if n > uint64(len(d.buf)-d.off) {
		return "", fmt.Errorf("%w: truncated %s", ErrDecode, what)
	}
	s := string(d.buf[d.off : d.off+int(n)])
	d.off += int(n)
	if !utf8.ValidString(s) {
		return "", fmt.Errorf("%w: %s is not valid utf-8", ErrDecode, what)
	}
	return s, nil
}

func (d *decoder) stringList(what string) ([]string, error) {
	n, err := d.uvarint(what)
	if err != nil {
		return nil, err
	}
	if n > uint64(len(d.buf)-d.off) {
		return nil, fmt.Errorf("%w: %s count too large", ErrDecode, what)
	}
	l := make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		s, err := d.string(what)
		if err != nil {
			return nil, err
		}
		l = append(l, s)
	}
	return l, nil
}
