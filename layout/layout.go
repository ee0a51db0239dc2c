// Package layout is the declarative packet codec framework described in
// spec.md §4.A: bidirectional conversion between structured field sets and
// byte strings, with every decode also validating constant-field and
// length constraints. It plays the role that the teacher's info package
// plays for IEC 60870-5 ASDUs, generalized for DECnet's richer field
// vocabulary (bit-maps, TLV groups, extensible integers).
//
// Field primitives are free functions over a Decoder/Encoder cursor rather
// than a runtime-reflected struct tag scheme, following the "compile-time
// schema" resolution suggested for the codec framework: each concrete
// packet type (see packages ddcmp, routing, nsp) is a hand-written Go struct whose
// Encode/Decode methods call these primitives in a fixed order, exactly as
// the teacher's DataUnit.Append/Adopt hand-roll the ASDU header instead of
// using reflection.
package layout

import "errors"

// Decode errors, matching spec.md §4.A and §7 one for one.
var (
	// ErrMissingData signals a short buffer during decode.
	ErrMissingData = errors.New("decnet: missing data")
	// ErrWrongValue signals a required-value (constant field) mismatch.
	ErrWrongValue = errors.New("decnet: wrong value")
	// ErrFieldOverflow signals an encode value, or a declared image/TLV
	// length, exceeding the field's width.
	ErrFieldOverflow = errors.New("decnet: field overflow")
	// ErrInvalidTag signals an unrecognized TLV tag with wildcard disabled.
	ErrInvalidTag = errors.New("decnet: invalid tag")
	// ErrExtraData signals unconsumed trailing bytes where none are
	// expected (not reported for a tolerant TLV group).
	ErrExtraData = errors.New("decnet: extra data")
)

// Decoder is a read cursor over a byte buffer. Byte, Uint, Int and Bytes
// advance the cursor only on success; reads built from several of them
// (Image, Text, Ext, Const, ConstBytes) may have consumed octets by the time
// they fail.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder returns a Decoder positioned at the start of buf.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Len returns the number of unread bytes.
func (d *Decoder) Len() int { return len(d.buf) - d.pos }

// Rest returns the unread remainder without advancing the cursor.
func (d *Decoder) Rest() []byte { return d.buf[d.pos:] }

// Pos returns the current read offset.
func (d *Decoder) Pos() int { return d.pos }

// Byte reads one octet.
func (d *Decoder) Byte() (byte, error) {
	if d.Len() < 1 {
		return 0, ErrMissingData
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

// Uint reads a width-octet (1..8) little-endian unsigned integer.
func (d *Decoder) Uint(width int) (uint64, error) {
	if width < 1 || width > 8 {
		panic("layout: uint width out of [1,8]")
	}
	if d.Len() < width {
		return 0, ErrMissingData
	}
	var v uint64
	for i := 0; i < width; i++ {
		v |= uint64(d.buf[d.pos+i]) << (8 * i)
	}
	d.pos += width
	return v, nil
}

// Int reads a width-octet (1..8) little-endian two's-complement integer.
func (d *Decoder) Int(width int) (int64, error) {
	u, err := d.Uint(width)
	if err != nil {
		return 0, err
	}
	shift := 64 - 8*uint(width)
	return int64(u<<shift) >> shift, nil
}

// Bytes reads exactly n octets.
func (d *Decoder) Bytes(n int) ([]byte, error) {
	if d.Len() < n {
		return nil, ErrMissingData
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

// Image reads the "I" image encoding: a one-octet length prefix followed
// by that many octets. A declared length exceeding max is FieldOverflow.
func (d *Decoder) Image(max int) ([]byte, error) {
	n, err := d.Byte()
	if err != nil {
		return nil, err
	}
	if int(n) > max {
		return nil, ErrFieldOverflow
	}
	return d.Bytes(int(n))
}

// Text reads the "A" encoding: an Image decoded as Latin-1 text.
func (d *Decoder) Text(max int) (string, error) {
	b, err := d.Image(max)
	if err != nil {
		return "", err
	}
	return latin1ToString(b), nil
}

// FixedBytes reads the "BV" encoding: exactly n octets, with no length
// prefix (the width is part of the layout, not the wire).
func (d *Decoder) FixedBytes(n int) ([]byte, error) {
	return d.Bytes(n)
}

// RestBytes reads the "BS" encoding: every remaining octet in the buffer.
func (d *Decoder) RestBytes() []byte {
	b := d.buf[d.pos:]
	d.pos = len(d.buf)
	return b
}

// Ext reads the "EX" extensible unsigned encoding: little-endian base-128
// with the high bit of each octet signaling continuation. maxBytes bounds
// the octet count; exceeding it is FieldOverflow.
func (d *Decoder) Ext(maxBytes int) (uint64, error) {
	var v uint64
	for i := 0; ; i++ {
		if i >= maxBytes {
			return 0, ErrFieldOverflow
		}
		b, err := d.Byte()
		if err != nil {
			return 0, err
		}
		v |= uint64(b&0x7f) << (7 * uint(i))
		if b&0x80 == 0 {
			return v, nil
		}
	}
}

// Const reads one octet and requires it to equal value, else WrongValue.
func (d *Decoder) Const(value byte) error {
	b, err := d.Byte()
	if err != nil {
		return err
	}
	if b != value {
		return ErrWrongValue
	}
	return nil
}

// ConstBytes reads len(value) octets and requires them to match exactly.
func (d *Decoder) ConstBytes(value []byte) error {
	got, err := d.Bytes(len(value))
	if err != nil {
		return err
	}
	for i := range value {
		if got[i] != value[i] {
			return ErrWrongValue
		}
	}
	return nil
}

// Reserved skips n octets without validating their content.
func (d *Decoder) Reserved(n int) error {
	_, err := d.Bytes(n)
	return err
}

// Done requires no unread octets remain, else ErrExtraData. Callers of a
// "tolerant" layout (spec.md §4.A) skip calling Done inside a TLV group.
func (d *Decoder) Done() error {
	if d.Len() != 0 {
		return ErrExtraData
	}
	return nil
}

// Encoder is an append-only write cursor.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an Encoder with the given initial capacity hint.
func NewEncoder(capHint int) *Encoder {
	return &Encoder{buf: make([]byte, 0, capHint)}
}

// Final returns the accumulated buffer.
func (e *Encoder) Final() []byte { return e.buf }

// Byte appends one octet.
func (e *Encoder) Byte(b byte) { e.buf = append(e.buf, b) }

// Uint appends a width-octet (1..8) little-endian unsigned integer. A
// value not representable in width octets is FieldOverflow.
func (e *Encoder) Uint(width int, v uint64) error {
	if width < 1 || width > 8 {
		panic("layout: uint width out of [1,8]")
	}
	if width < 8 && v>>(8*uint(width)) != 0 {
		return ErrFieldOverflow
	}
	for i := 0; i < width; i++ {
		e.buf = append(e.buf, byte(v>>(8*uint(i))))
	}
	return nil
}

// Int appends a width-octet (1..8) little-endian two's-complement integer.
func (e *Encoder) Int(width int, v int64) error {
	if width < 8 {
		lo := int64(-1) << (8*uint(width) - 1)
		hi := -lo - 1
		if v < lo || v > hi {
			return ErrFieldOverflow
		}
	}
	return e.Uint(width, uint64(v)&(1<<(8*uint(width))-1)|uint64(0))
}

// Bytes appends b verbatim.
func (e *Encoder) Bytes(b []byte) { e.buf = append(e.buf, b...) }

// Image appends the "I" encoding: a one-octet length prefix (must fit
// within max, else FieldOverflow) followed by b.
func (e *Encoder) Image(max int, b []byte) error {
	if len(b) > max || len(b) > 255 {
		return ErrFieldOverflow
	}
	e.buf = append(e.buf, byte(len(b)))
	e.buf = append(e.buf, b...)
	return nil
}

// Text appends the "A" encoding: s encoded as Latin-1 through Image.
func (e *Encoder) Text(max int, s string) error {
	return e.Image(max, stringToLatin1(s))
}

// FixedBytes appends the "BV" encoding: b zero-padded (or truncated, which
// is a caller bug, never silently done here) to exactly n octets.
func (e *Encoder) FixedBytes(n int, b []byte) error {
	if len(b) > n {
		return ErrFieldOverflow
	}
	e.buf = append(e.buf, b...)
	for i := len(b); i < n; i++ {
		e.buf = append(e.buf, 0)
	}
	return nil
}

// Ext appends the "EX" extensible unsigned encoding.
func (e *Encoder) Ext(maxBytes int, v uint64) error {
	n := 0
	for {
		n++
		if n > maxBytes {
			return ErrFieldOverflow
		}
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			e.buf = append(e.buf, b|0x80)
			continue
		}
		e.buf = append(e.buf, b)
		return nil
	}
}

// Reserved appends n zero octets.
func (e *Encoder) Reserved(n int) {
	for i := 0; i < n; i++ {
		e.buf = append(e.buf, 0)
	}
}

// latin1ToString and stringToLatin1 convert between Go's UTF-8 strings and
// the single-octet Latin-1 (ISO 8859-1) encoding the "A" field uses, which
// conveniently maps code points 0..255 onto the same-valued rune.
func latin1ToString(b []byte) string {
	r := make([]rune, len(b))
	for i, c := range b {
		r[i] = rune(c)
	}
	return string(r)
}

func stringToLatin1(s string) []byte {
	r := []rune(s)
	b := make([]byte, len(r))
	for i, c := range r {
		if c > 255 {
			c = '?'
		}
		b[i] = byte(c)
	}
	return b
}
