package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrUnexpectedEOF is returned when a frame ends before a field is complete.
var ErrUnexpectedEOF = errors.New("protocol: unexpected end of frame")

// Encoder appends variable-length fields to a byte buffer.
// Unsigned integers use LEB128, strings and byte slices are length-prefixed.
type Encoder struct {
	buf []byte
}

// NewEncoder creates an encoder with a small preallocated buffer
func NewEncoder() *Encoder {
	return &Encoder{buf: make([]byte, 0, 64)}
}

func (e *Encoder) WriteVarUint(v uint64) {
	e.buf = binary.AppendUvarint(e.buf, v)
}

func (e *Encoder) WriteVarString(s string) {
	e.WriteVarUint(uint64(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *Encoder) WriteVarBytes(b []byte) {
	e.WriteVarUint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

// WriteRaw appends b without a length prefix.
func (e *Encoder) WriteRaw(b []byte) {
	e.buf = append(e.buf, b...)
}

// Bytes returns the encoded buffer.
func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Decoder reads fields written by Encoder.
type Decoder struct {
	buf []byte
	pos int
}

func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

func (d *Decoder) ReadVarUint() (uint64, error) {
	v, n := binary.Uvarint(d.buf[d.pos:])
	if n == 0 {
		return 0, ErrUnexpectedEOF
	}
	if n < 0 {
		return 0, fmt.Errorf("protocol: varuint overflows 64 bits at offset %d", d.pos)
	}
	d.pos += n
	return v, nil
}

func (d *Decoder) ReadVarBytes() ([]byte, error) {
	n, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(d.buf)-d.pos) {
		return nil, ErrUnexpectedEOF
	}
	b := d.buf[d.pos : d.pos+int(n)]
	d.pos += int(n)
	return b, nil
}

func (d *Decoder) ReadVarString() (string, error) {
	b, err := d.ReadVarBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadRaw reads exactly n bytes.
func (d *Decoder) ReadRaw(n int) ([]byte, error) {
	if n > len(d.buf)-d.pos {
		return nil, ErrUnexpectedEOF
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

// Rest returns the unread remainder of the buffer.
func (d *Decoder) Rest() []byte {
	return d.buf[d.pos:]
}

func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}
