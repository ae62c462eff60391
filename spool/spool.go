// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package spool stores a stream of records compressed with zstd. Each entry
// is the index of the attribute that produced the record, a flag word and
// the record itself, which carries its own size in its header.
package spool // import "go.opentelemetry.io/perf-recorder/spool"

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"

	"go.opentelemetry.io/perf-recorder/record"
)

// Entry flags.
const (
	// FlagUnwindPending marks samples whose registers and stack are kept for
	// unwinding after recording.
	FlagUnwindPending uint32 = 1 << iota
	// FlagJoinPending marks samples whose chain awaits the join pass.
	FlagJoinPending
)

// NoAttr is the attribute index of records not bound to an attribute.
const NoAttr = -1

const entryHeaderSize = 8

// ErrCorrupt is returned for entries that cannot be framed.
var ErrCorrupt = errors.New("corrupt spool entry")

// Entry is one spooled record.
type Entry struct {
	AttrIndex int
	Flags     uint32
	Data      []byte
}

// Writer appends entries to a compressed stream.
type Writer struct {
	enc   *zstd.Encoder
	hdr   [entryHeaderSize]byte
	count uint64
}

// NewWriter starts a stream on w.
func NewWriter(w io.Writer) (*Writer, error) {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	return &Writer{enc: enc}, nil
}

// Write appends one record.
func (w *Writer) Write(attrIndex int, flags uint32, data []byte) error {
	h, err := record.ParseHeader(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if int(h.Size) != len(data) {
		return fmt.Errorf("%w: header size %d of a %d byte record", ErrCorrupt,
			h.Size, len(data))
	}
	binary.LittleEndian.PutUint32(w.hdr[0:], uint32(int32(attrIndex)))
	binary.LittleEndian.PutUint32(w.hdr[4:], flags)
	if _, err := w.enc.Write(w.hdr[:]); err != nil {
		return err
	}
	if _, err := w.enc.Write(data); err != nil {
		return err
	}
	w.count++
	return nil
}

// Count returns the number of entries written.
func (w *Writer) Count() uint64 {
	return w.count
}

// Close flushes the stream. It does not close the underlying writer.
func (w *Writer) Close() error {
	return w.enc.Close()
}

// Reader reads entries back.
type Reader struct {
	dec *zstd.Decoder
	r   *bufio.Reader
	buf []byte
}

// NewReader reads the stream from r.
func NewReader(r io.Reader) (*Reader, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return &Reader{dec: dec, r: bufio.NewReader(dec)}, nil
}

// Next returns the next entry, or io.EOF at the end of the stream. The
// entry's data is valid until the following call.
func (r *Reader) Next() (Entry, error) {
	var hdr [entryHeaderSize + record.HeaderSize]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Entry{}, io.EOF
		}
		return Entry{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	h, err := record.ParseHeader(hdr[entryHeaderSize:])
	if err != nil && !errors.Is(err, record.ErrTruncated) {
		return Entry{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	size := int(h.Size)
	if size < record.HeaderSize {
		return Entry{}, fmt.Errorf("%w: record size %d", ErrCorrupt, size)
	}
	if cap(r.buf) < size {
		r.buf = make([]byte, size)
	}
	r.buf = r.buf[:size]
	copy(r.buf, hdr[entryHeaderSize:])
	if _, err := io.ReadFull(r.r, r.buf[record.HeaderSize:]); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return Entry{
		AttrIndex: int(int32(binary.LittleEndian.Uint32(hdr[0:]))),
		Flags:     binary.LittleEndian.Uint32(hdr[4:]),
		Data:      r.buf,
	}, nil
}

// Close releases the decoder.
func (r *Reader) Close() {
	r.dec.Close()
}
