// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package record // import "go.opentelemetry.io/perf-recorder/record"

import (
	"bytes"
	"encoding/binary"
)

// Records use the byte order of the machine that produced them.
var order = binary.NativeEndian

// decoder walks one record body and remembers the first truncation.
type decoder struct {
	b   []byte
	off int
	err error
}

func (d *decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if n < 0 || d.off+n > len(d.b) {
		d.err = ErrTruncated
		return false
	}
	return true
}

func (d *decoder) u64() uint64 {
	if !d.need(8) {
		return 0
	}
	v := order.Uint64(d.b[d.off:])
	d.off += 8
	return v
}

func (d *decoder) u32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := order.Uint32(d.b[d.off:])
	d.off += 4
	return v
}

func (d *decoder) u16() uint16 {
	if !d.need(2) {
		return 0
	}
	v := order.Uint16(d.b[d.off:])
	d.off += 2
	return v
}

func (d *decoder) u8() uint8 {
	if !d.need(1) {
		return 0
	}
	v := d.b[d.off]
	d.off++
	return v
}

// bytes returns a copy so decoded records never alias ring memory.
func (d *decoder) bytes(n int) []byte {
	if !d.need(n) {
		return nil
	}
	v := bytes.Clone(d.b[d.off : d.off+n])
	d.off += n
	return v
}

func (d *decoder) skip(n int) {
	if d.need(n) {
		d.off += n
	}
}

// cstring reads a NUL terminated string padded to n bytes.
func (d *decoder) cstring(n int) string {
	if !d.need(n) {
		return ""
	}
	s := d.b[d.off : d.off+n]
	d.off += n
	if i := bytes.IndexByte(s, 0); i >= 0 {
		s = s[:i]
	}
	return string(s)
}

// encoder builds one record. The header size is patched in finish.
type encoder struct {
	b []byte
}

func newEncoder(typ uint32, misc uint16) *encoder {
	e := &encoder{b: make([]byte, 0, 64)}
	e.u32(typ)
	e.u16(misc)
	e.u16(0)
	return e
}

func (e *encoder) u64(v uint64) { e.b = order.AppendUint64(e.b, v) }
func (e *encoder) u32(v uint32) { e.b = order.AppendUint32(e.b, v) }
func (e *encoder) u16(v uint16) { e.b = order.AppendUint16(e.b, v) }
func (e *encoder) u8(v uint8)   { e.b = append(e.b, v) }
func (e *encoder) raw(v []byte) { e.b = append(e.b, v...) }

// cstring writes s NUL terminated and zero padded to 8 bytes.
func (e *encoder) cstring(s string) {
	e.b = append(e.b, s...)
	e.b = append(e.b, make([]byte, alignedStringSize(s)-len(s))...)
}

// finish patches the header size. Records that do not fit keep size zero,
// which no reader accepts.
func (e *encoder) finish() []byte {
	if len(e.b) <= MaxSize {
		order.PutUint16(e.b[6:], uint16(len(e.b)))
	}
	return e.b
}

func alignedStringSize(s string) int {
	return (len(s) + 1 + 7) &^ 7
}
