package core

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrShortBuffer is returned by a Decoder that ran out of input.
var ErrShortBuffer = errors.New("short buffer")

// maxCollectionLen bounds decoded slice lengths so a corrupt length prefix
// cannot trigger a huge allocation.
const maxCollectionLen = 1 << 26

// Encoder appends a compact binary encoding to a byte slice. Integers are
// uvarints, strings and byte slices are length prefixed.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an encoder appending to buf.
func NewEncoder(buf []byte) *Encoder {
	return &Encoder{buf: buf}
}

// Bytes returns the encoded bytes.
func (e *Encoder) Bytes() []byte { return e.buf }

// Len returns the number of encoded bytes.
func (e *Encoder) Len() int { return len(e.buf) }

func (e *Encoder) PutUint8(v uint8) {
	e.buf = append(e.buf, v)
}

func (e *Encoder) PutBool(v bool) {
	if v {
		e.buf = append(e.buf, 1)
	} else {
		e.buf = append(e.buf, 0)
	}
}

func (e *Encoder) PutUvarint(v uint64) {
	e.buf = binary.AppendUvarint(e.buf, v)
}

func (e *Encoder) PutVarint(v int64) {
	e.buf = binary.AppendVarint(e.buf, v)
}

func (e *Encoder) PutUint64(v uint64) {
	e.buf = binary.LittleEndian.AppendUint64(e.buf, v)
}

func (e *Encoder) PutBytes(b []byte) {
	e.PutUvarint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *Encoder) PutString(s string) {
	e.PutUvarint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *Encoder) PutFileIDs(ids []FileID) {
	e.PutUvarint(uint64(len(ids)))
	for _, id := range ids {
		e.PutUvarint(uint64(id))
	}
}

func (e *Encoder) PutBlockIDs(ids []BlockID) {
	e.PutUvarint(uint64(len(ids)))
	for _, id := range ids {
		e.PutUvarint(uint64(id))
	}
}

func (e *Encoder) PutJobSpec(s JobSpec) {
	e.PutString(s.Kind)
	e.PutBytes(s.Data)
}

// Decoder reads values written by an Encoder. The first failure sticks:
// later reads return zero values and Err reports the original problem.
type Decoder struct {
	buf []byte
	off int
	err error
}

// NewDecoder returns a decoder over buf.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Err returns the first decoding error, if any.
func (d *Decoder) Err() error { return d.err }

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int { return len(d.buf) - d.off }

func (d *Decoder) fail(err error) {
	if d.err == nil {
		d.err = fmt.Errorf("decode at offset %d: %w", d.off, err)
	}
}

func (d *Decoder) Uint8() uint8 {
	if d.err != nil {
		return 0
	}
	if d.off >= len(d.buf) {
		d.fail(ErrShortBuffer)
		return 0
	}
	v := d.buf[d.off]
	d.off++
	return v
}

func (d *Decoder) Bool() bool {
	switch d.Uint8() {
	case 0:
		return false
	case 1:
		return true
	default:
		d.fail(errors.New("invalid bool"))
		return false
	}
}

func (d *Decoder) Uvarint() uint64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Uvarint(d.buf[d.off:])
	if n <= 0 {
		d.fail(ErrShortBuffer)
		return 0
	}
	d.off += n
	return v
}

func (d *Decoder) Varint() int64 {
	if d.err != nil {
		return 0
	}
	v, n := binary.Varint(d.buf[d.off:])
	if n <= 0 {
		d.fail(ErrShortBuffer)
		return 0
	}
	d.off += n
	return v
}

func (d *Decoder) Uint64() uint64 {
	if d.err != nil {
		return 0
	}
	if d.Remaining() < 8 {
		d.fail(ErrShortBuffer)
		return 0
	}
	v := binary.LittleEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v
}

func (d *Decoder) length() int {
	n := d.Uvarint()
	if d.err != nil {
		return 0
	}
	if n > maxCollectionLen || int(n) > d.Remaining() {
		d.fail(fmt.Errorf("length %d exceeds remaining %d bytes", n, d.Remaining()))
		return 0
	}
	return int(n)
}

func (d *Decoder) Bytes() []byte {
	n := d.length()
	if d.err != nil || n == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, d.buf[d.off:d.off+n])
	d.off += n
	return out
}

func (d *Decoder) String() string {
	n := d.length()
	if d.err != nil || n == 0 {
		return ""
	}
	s := string(d.buf[d.off : d.off+n])
	d.off += n
	return s
}

func (d *Decoder) FileIDs() []FileID {
	n := d.length()
	if d.err != nil || n == 0 {
		return nil
	}
	out := make([]FileID, n)
	for i := range out {
		out[i] = FileID(d.Uvarint())
	}
	return out
}

func (d *Decoder) BlockIDs() []BlockID {
	n := d.length()
	if d.err != nil || n == 0 {
		return nil
	}
	out := make([]BlockID, n)
	for i := range out {
		out[i] = BlockID(d.Uvarint())
	}
	return out
}

func (d *Decoder) JobSpec() JobSpec {
	return JobSpec{Kind: d.String(), Data: d.Bytes()}
}

// Count reads a collection length written with PutUvarint, bounded like
// other length prefixes.
func (d *Decoder) Count() int {
	n := d.Uvarint()
	if d.err != nil {
		return 0
	}
	if n > maxCollectionLen {
		d.fail(fmt.Errorf("collection length %d too large", n))
		return 0
	}
	return int(n)
}
