// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package record decodes and encodes the binary records found in perf ring
// buffers. Records are self describing only together with the attribute of
// the event that produced them.
package record // import "go.opentelemetry.io/perf-recorder/record"

import (
	"errors"
	"fmt"
	"math"

	"golang.org/x/sys/unix"

	"go.opentelemetry.io/perf-recorder/perfevent"
)

// Record types produced by the kernel.
const (
	TypeMmap        uint32 = unix.PERF_RECORD_MMAP
	TypeLost        uint32 = unix.PERF_RECORD_LOST
	TypeComm        uint32 = unix.PERF_RECORD_COMM
	TypeExit        uint32 = unix.PERF_RECORD_EXIT
	TypeThrottle    uint32 = unix.PERF_RECORD_THROTTLE
	TypeUnthrottle  uint32 = unix.PERF_RECORD_UNTHROTTLE
	TypeFork        uint32 = unix.PERF_RECORD_FORK
	TypeSample      uint32 = unix.PERF_RECORD_SAMPLE
	TypeMmap2       uint32 = unix.PERF_RECORD_MMAP2
	TypeLostSamples uint32 = unix.PERF_RECORD_LOST_SAMPLES
)

// Record types synthesized in user space start above the kernel's range.
const (
	typeUserStart uint32 = 32768
	// TypeEventID maps sample ids of late opened events to attributes.
	TypeEventID = typeUserStart + 1
)

// Misc flags.
const (
	MiscCPUModeMask uint16 = 7
	MiscKernel      uint16 = 1
	MiscUser        uint16 = 2
	MiscCommExec    uint16 = 1 << 13
	MiscMmapBuildID uint16 = 1 << 14
)

// HeaderSize is the size of the header preceding every record.
const HeaderSize = 8

// MaxSize is the largest record the 16 bit header size can frame.
const MaxSize = math.MaxUint16 &^ 7

var (
	// ErrTruncated is returned when a record is shorter than its header or
	// its fields claim.
	ErrTruncated = errors.New("truncated record")
	// ErrBadSize is returned for a header size that cannot frame a record.
	ErrBadSize = errors.New("bad record size")
	// ErrTooLarge is returned when a record does not fit into MaxSize bytes.
	ErrTooLarge = errors.New("record too large")
)

// Header precedes every record.
type Header struct {
	Type uint32
	Misc uint16
	Size uint16
}

// Head returns the header itself; records embedding it satisfy Record.Head.
func (h Header) Head() Header {
	return h
}

// CPUMode returns the privilege level the record was produced in.
func (h Header) CPUMode() uint16 {
	return h.Misc & MiscCPUModeMask
}

// Record is one decoded record.
type Record interface {
	Head() Header
	// Timestamp returns the record's time, or 0 if it carries none.
	Timestamp() uint64
	// Binary encodes the record for attr. A record larger than MaxSize is
	// encoded with a header size of zero; use Encode to get an error instead.
	Binary(attr *perfevent.Attr) []byte
}

// Encode encodes r for attr and fails if the result cannot be framed.
func Encode(r Record, attr *perfevent.Attr) ([]byte, error) {
	data := r.Binary(attr)
	if len(data) > MaxSize {
		return nil, fmt.Errorf("%w: %d bytes for type %d", ErrTooLarge, len(data), r.Head().Type)
	}
	return data, nil
}

// ParseHeader decodes the header at the start of data and checks that the
// record it frames fits into data.
func ParseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, ErrTruncated
	}
	h := Header{
		Type: order.Uint32(data),
		Misc: order.Uint16(data[4:]),
		Size: order.Uint16(data[6:]),
	}
	if h.Size < HeaderSize || h.Size%8 != 0 {
		return h, fmt.Errorf("%w: %d for type %d", ErrBadSize, h.Size, h.Type)
	}
	if int(h.Size) > len(data) {
		return h, fmt.Errorf("%w: need %d bytes, have %d", ErrTruncated, h.Size, len(data))
	}
	return h, nil
}

// Size returns the size of the record at the start of data.
func Size(data []byte) (int, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return 0, err
	}
	return int(h.Size), nil
}

// Timestamp extracts the time of the record at the start of data without
// decoding it.
func Timestamp(attr *perfevent.Attr, data []byte) (uint64, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return 0, err
	}
	if !attr.HasSample(unix.PERF_SAMPLE_TIME) {
		return 0, nil
	}
	var off int
	switch {
	case h.Type == TypeSample:
		off = HeaderSize
		for _, bit := range []uint64{unix.PERF_SAMPLE_IDENTIFIER, unix.PERF_SAMPLE_IP,
			unix.PERF_SAMPLE_TID} {
			if attr.HasSample(bit) {
				off += 8
			}
		}
	case h.Type >= typeUserStart || !attr.SampleIDAll:
		return 0, nil
	default:
		off = int(h.Size)
		for _, bit := range []uint64{unix.PERF_SAMPLE_TIME, unix.PERF_SAMPLE_ID,
			unix.PERF_SAMPLE_STREAM_ID, unix.PERF_SAMPLE_CPU, unix.PERF_SAMPLE_IDENTIFIER} {
			if attr.HasSample(bit) {
				off -= 8
			}
		}
		if off < HeaderSize {
			return 0, ErrTruncated
		}
	}
	if off+8 > int(h.Size) {
		return 0, ErrTruncated
	}
	return order.Uint64(data[off:]), nil
}

// Decode parses the record at the start of data.
func Decode(attr *perfevent.Attr, data []byte) (Record, error) {
	h, err := ParseHeader(data)
	if err != nil {
		return nil, err
	}
	d := &decoder{b: data[:h.Size], off: HeaderSize}
	var r Record
	switch h.Type {
	case TypeSample:
		r = decodeSample(attr, h, d)
	case TypeMmap:
		r = decodeMmap(attr, h, d)
	case TypeMmap2:
		r = decodeMmap2(attr, h, d)
	case TypeComm:
		r = decodeComm(attr, h, d)
	case TypeFork, TypeExit:
		r = decodeTask(attr, h, d)
	case TypeLost:
		r = decodeLost(attr, h, d)
	case TypeLostSamples:
		r = decodeLostSamples(attr, h, d)
	case TypeEventID:
		r = decodeEventID(h, d)
	default:
		r = decodeGeneric(attr, h, d)
	}
	if d.err != nil {
		return nil, fmt.Errorf("record type %d: %w", h.Type, d.err)
	}
	return r, nil
}

// SampleID is the trailer of non-sample records when sample_id_all is set.
type SampleID struct {
	Pid, Tid   uint32
	Time       uint64
	ID         uint64
	StreamID   uint64
	CPU        uint32
	Identifier uint64
}

func trailerStart(attr *perfevent.Attr, h Header) int {
	if !attr.SampleIDAll {
		return int(h.Size)
	}
	return int(h.Size) - attr.SampleIDSize()
}

func decodeSampleID(attr *perfevent.Attr, d *decoder) SampleID {
	var s SampleID
	if !attr.SampleIDAll {
		return s
	}
	if attr.HasSample(unix.PERF_SAMPLE_TID) {
		s.Pid = d.u32()
		s.Tid = d.u32()
	}
	if attr.HasSample(unix.PERF_SAMPLE_TIME) {
		s.Time = d.u64()
	}
	if attr.HasSample(unix.PERF_SAMPLE_ID) {
		s.ID = d.u64()
	}
	if attr.HasSample(unix.PERF_SAMPLE_STREAM_ID) {
		s.StreamID = d.u64()
	}
	if attr.HasSample(unix.PERF_SAMPLE_CPU) {
		s.CPU = d.u32()
		d.u32()
	}
	if attr.HasSample(unix.PERF_SAMPLE_IDENTIFIER) {
		s.Identifier = d.u64()
	}
	return s
}

func (s *SampleID) encode(attr *perfevent.Attr, e *encoder) {
	if !attr.SampleIDAll {
		return
	}
	if attr.HasSample(unix.PERF_SAMPLE_TID) {
		e.u32(s.Pid)
		e.u32(s.Tid)
	}
	if attr.HasSample(unix.PERF_SAMPLE_TIME) {
		e.u64(s.Time)
	}
	if attr.HasSample(unix.PERF_SAMPLE_ID) {
		e.u64(s.ID)
	}
	if attr.HasSample(unix.PERF_SAMPLE_STREAM_ID) {
		e.u64(s.StreamID)
	}
	if attr.HasSample(unix.PERF_SAMPLE_CPU) {
		e.u32(s.CPU)
		e.u32(0)
	}
	if attr.HasSample(unix.PERF_SAMPLE_IDENTIFIER) {
		e.u64(s.Identifier)
	}
}

// Timestamp returns the trailer's time.
func (s *SampleID) Timestamp() uint64 {
	return s.Time
}
