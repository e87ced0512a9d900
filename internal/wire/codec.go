// Package wire defines the consensus data model and its canonical
// encoding: length-prefixed concatenation with 4-byte big-endian lengths
// and fixed-width big-endian integers, fields in fixed order. Every
// content hash in the protocol is computed over this encoding, so two
// correct nodes must produce byte-identical output for equal values.
package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Encoder appends canonically encoded fields to a buffer.
type Encoder struct {
	buf []byte
}

// NewEncoder creates an encoder with the given initial capacity.
func NewEncoder(capacity int) *Encoder {
	return &Encoder{buf: make([]byte, 0, capacity)}
}

// U8 appends a single byte.
func (e *Encoder) U8(v uint8) {
	e.buf = append(e.buf, v)
}

// U32 appends a fixed-width big-endian uint32.
func (e *Encoder) U32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

// U64 appends a fixed-width big-endian uint64.
func (e *Encoder) U64(v uint64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, v)
}

// I64 appends a fixed-width big-endian int64 (two's complement).
func (e *Encoder) I64(v int64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, uint64(v))
}

// F64 appends an IEEE 754 double as its fixed-width bit pattern.
func (e *Encoder) F64(v float64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, math.Float64bits(v))
}

// Hash appends a fixed 32-byte hash without a length prefix.
func (e *Encoder) Hash(h Hash) {
	e.buf = append(e.buf, h[:]...)
}

// Bytes appends a 4-byte big-endian length followed by the raw bytes.
func (e *Encoder) Bytes(b []byte) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(len(b)))
	e.buf = append(e.buf, b...)
}

// U64s appends a 4-byte count followed by fixed-width elements.
func (e *Encoder) U64s(vs []uint64) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(len(vs)))
	for _, v := range vs {
		e.buf = binary.BigEndian.AppendUint64(e.buf, v)
	}
}

// Hashes appends a 4-byte count followed by fixed 32-byte elements.
func (e *Encoder) Hashes(hs []Hash) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, uint32(len(hs)))
	for _, h := range hs {
		e.buf = append(e.buf, h[:]...)
	}
}

// Finish returns the encoded buffer.
func (e *Encoder) Finish() []byte {
	return e.buf
}

// Decoder reads canonically encoded fields from a buffer. Errors are
// sticky: after the first failure every read returns the zero value and
// Err reports the failure.
type Decoder struct {
	buf []byte
	off int
	err error
}

// NewDecoder creates a decoder over the given buffer.
func NewDecoder(buf []byte) *Decoder {
	return &Decoder{buf: buf}
}

// Err returns the first decoding error, if any.
func (d *Decoder) Err() error {
	return d.err
}

// Done returns an error if decoding failed or bytes remain unconsumed.
func (d *Decoder) Done() error {
	if d.err != nil {
		return d.err
	}

	if d.off != len(d.buf) {
		return fmt.Errorf("trailing bytes: %d consumed, %d total", d.off, len(d.buf))
	}

	return nil
}

// take consumes n bytes, failing if the buffer is short.
func (d *Decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}

	if len(d.buf)-d.off < n {
		d.err = fmt.Errorf("short buffer: need %d bytes at offset %d, have %d", n, d.off, len(d.buf)-d.off)
		return nil
	}

	b := d.buf[d.off : d.off+n]
	d.off += n

	return b
}

// U8 reads a single byte.
func (d *Decoder) U8() uint8 {
	b := d.take(1)
	if b == nil {
		return 0
	}

	return b[0]
}

// U32 reads a fixed-width big-endian uint32.
func (d *Decoder) U32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}

	return binary.BigEndian.Uint32(b)
}

// U64 reads a fixed-width big-endian uint64.
func (d *Decoder) U64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}

	return binary.BigEndian.Uint64(b)
}

// I64 reads a fixed-width big-endian int64.
func (d *Decoder) I64() int64 {
	return int64(d.U64())
}

// F64 reads an IEEE 754 double from its bit pattern.
func (d *Decoder) F64() float64 {
	return math.Float64frombits(d.U64())
}

// Hash reads a fixed 32-byte hash.
func (d *Decoder) Hash() Hash {
	var h Hash

	b := d.take(32)
	if b == nil {
		return h
	}

	copy(h[:], b)

	return h
}

// Bytes reads a 4-byte length prefix followed by that many bytes.
// The returned slice is a copy.
func (d *Decoder) Bytes() []byte {
	n := d.U32()

	b := d.take(int(n))
	if b == nil {
		return nil
	}

	out := make([]byte, n)
	copy(out, b)

	return out
}

// U64s reads a counted list of fixed-width uint64 elements.
func (d *Decoder) U64s() []uint64 {
	n := d.U32()
	if d.err != nil {
		return nil
	}

	// Bound the allocation by the remaining buffer.
	if int(n)*8 > len(d.buf)-d.off {
		d.err = fmt.Errorf("list of %d uint64s exceeds remaining %d bytes", n, len(d.buf)-d.off)
		return nil
	}

	out := make([]uint64, n)
	for i := range out {
		out[i] = d.U64()
	}

	return out
}

// Hashes reads a counted list of fixed 32-byte elements.
func (d *Decoder) Hashes() []Hash {
	n := d.U32()
	if d.err != nil {
		return nil
	}

	if int(n)*32 > len(d.buf)-d.off {
		d.err = fmt.Errorf("list of %d hashes exceeds remaining %d bytes", n, len(d.buf)-d.off)
		return nil
	}

	out := make([]Hash, n)
	for i := range out {
		out[i] = d.Hash()
	}

	return out
}
