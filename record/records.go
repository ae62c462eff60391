// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package record // import "go.opentelemetry.io/perf-recorder/record"

import (
	"go.opentelemetry.io/perf-recorder/perfevent"
)

// MmapRecord is a PERF_RECORD_MMAP.
type MmapRecord struct {
	Header
	Pid, Tid uint32
	Addr     uint64
	Len      uint64
	Pgoff    uint64
	Filename string
	SampleID
}

func decodeMmap(attr *perfevent.Attr, h Header, d *decoder) *MmapRecord {
	r := &MmapRecord{Header: h}
	r.Pid = d.u32()
	r.Tid = d.u32()
	r.Addr = d.u64()
	r.Len = d.u64()
	r.Pgoff = d.u64()
	r.Filename = d.cstring(trailerStart(attr, h) - d.off)
	r.SampleID = decodeSampleID(attr, d)
	return r
}

// Binary implements Record.
func (r *MmapRecord) Binary(attr *perfevent.Attr) []byte {
	e := newEncoder(TypeMmap, r.Misc)
	e.u32(r.Pid)
	e.u32(r.Tid)
	e.u64(r.Addr)
	e.u64(r.Len)
	e.u64(r.Pgoff)
	e.cstring(r.Filename)
	r.SampleID.encode(attr, e)
	return e.finish()
}

// Mmap2Record is a PERF_RECORD_MMAP2. Depending on MiscMmapBuildID it carries
// either the device/inode identity or the build id of the mapped file.
type Mmap2Record struct {
	Header
	Pid, Tid      uint32
	Addr          uint64
	Len           uint64
	Pgoff         uint64
	Maj, Min      uint32
	Ino           uint64
	InoGeneration uint64
	BuildID       []byte
	Prot, Flags   uint32
	Filename      string
	SampleID
}

func decodeMmap2(attr *perfevent.Attr, h Header, d *decoder) *Mmap2Record {
	r := &Mmap2Record{Header: h}
	r.Pid = d.u32()
	r.Tid = d.u32()
	r.Addr = d.u64()
	r.Len = d.u64()
	r.Pgoff = d.u64()
	if h.Misc&MiscMmapBuildID != 0 {
		size := int(d.u8())
		d.skip(3)
		id := d.bytes(20)
		if size > len(id) {
			size = len(id)
		}
		r.BuildID = id[:size]
	} else {
		r.Maj = d.u32()
		r.Min = d.u32()
		r.Ino = d.u64()
		r.InoGeneration = d.u64()
	}
	r.Prot = d.u32()
	r.Flags = d.u32()
	r.Filename = d.cstring(trailerStart(attr, h) - d.off)
	r.SampleID = decodeSampleID(attr, d)
	return r
}

// Binary implements Record.
func (r *Mmap2Record) Binary(attr *perfevent.Attr) []byte {
	e := newEncoder(TypeMmap2, r.Misc)
	e.u32(r.Pid)
	e.u32(r.Tid)
	e.u64(r.Addr)
	e.u64(r.Len)
	e.u64(r.Pgoff)
	if r.Misc&MiscMmapBuildID != 0 {
		e.u8(uint8(len(r.BuildID)))
		e.u8(0)
		e.u16(0)
		id := make([]byte, 20)
		copy(id, r.BuildID)
		e.raw(id)
	} else {
		e.u32(r.Maj)
		e.u32(r.Min)
		e.u64(r.Ino)
		e.u64(r.InoGeneration)
	}
	e.u32(r.Prot)
	e.u32(r.Flags)
	e.cstring(r.Filename)
	r.SampleID.encode(attr, e)
	return e.finish()
}

// CommRecord is a PERF_RECORD_COMM.
type CommRecord struct {
	Header
	Pid, Tid uint32
	Comm     string
	SampleID
}

// IsExec reports whether the name change was caused by exec.
func (r *CommRecord) IsExec() bool {
	return r.Misc&MiscCommExec != 0
}

func decodeComm(attr *perfevent.Attr, h Header, d *decoder) *CommRecord {
	r := &CommRecord{Header: h}
	r.Pid = d.u32()
	r.Tid = d.u32()
	r.Comm = d.cstring(trailerStart(attr, h) - d.off)
	r.SampleID = decodeSampleID(attr, d)
	return r
}

// Binary implements Record.
func (r *CommRecord) Binary(attr *perfevent.Attr) []byte {
	e := newEncoder(TypeComm, r.Misc)
	e.u32(r.Pid)
	e.u32(r.Tid)
	e.cstring(r.Comm)
	r.SampleID.encode(attr, e)
	return e.finish()
}

// TaskRecord is a PERF_RECORD_FORK or PERF_RECORD_EXIT.
type TaskRecord struct {
	Header
	Pid, Ppid uint32
	Tid, Ptid uint32
	Time      uint64
	SampleID
}

// Timestamp implements Record.
func (r *TaskRecord) Timestamp() uint64 {
	if r.SampleID.Time != 0 {
		return r.SampleID.Time
	}
	return r.Time
}

func decodeTask(attr *perfevent.Attr, h Header, d *decoder) *TaskRecord {
	r := &TaskRecord{Header: h}
	r.Pid = d.u32()
	r.Ppid = d.u32()
	r.Tid = d.u32()
	r.Ptid = d.u32()
	r.Time = d.u64()
	r.SampleID = decodeSampleID(attr, d)
	return r
}

// Binary implements Record.
func (r *TaskRecord) Binary(attr *perfevent.Attr) []byte {
	e := newEncoder(r.Type, r.Misc)
	e.u32(r.Pid)
	e.u32(r.Ppid)
	e.u32(r.Tid)
	e.u32(r.Ptid)
	e.u64(r.Time)
	r.SampleID.encode(attr, e)
	return e.finish()
}

// LostRecord is a PERF_RECORD_LOST: the kernel dropped records because the
// ring was full.
type LostRecord struct {
	Header
	ID   uint64
	Lost uint64
	SampleID
}

func decodeLost(attr *perfevent.Attr, h Header, d *decoder) *LostRecord {
	r := &LostRecord{Header: h}
	r.ID = d.u64()
	r.Lost = d.u64()
	r.SampleID = decodeSampleID(attr, d)
	return r
}

// Binary implements Record.
func (r *LostRecord) Binary(attr *perfevent.Attr) []byte {
	e := newEncoder(TypeLost, r.Misc)
	e.u64(r.ID)
	e.u64(r.Lost)
	r.SampleID.encode(attr, e)
	return e.finish()
}

// LostSamplesRecord is a PERF_RECORD_LOST_SAMPLES.
type LostSamplesRecord struct {
	Header
	Lost uint64
	SampleID
}

func decodeLostSamples(attr *perfevent.Attr, h Header, d *decoder) *LostSamplesRecord {
	r := &LostSamplesRecord{Header: h}
	r.Lost = d.u64()
	r.SampleID = decodeSampleID(attr, d)
	return r
}

// Binary implements Record.
func (r *LostSamplesRecord) Binary(attr *perfevent.Attr) []byte {
	e := newEncoder(TypeLostSamples, r.Misc)
	e.u64(r.Lost)
	r.SampleID.encode(attr, e)
	return e.finish()
}

// EventIDPair binds a kernel sample id to the index of its attribute.
type EventIDPair struct {
	AttrIndex uint64
	EventID   uint64
}

// EventIDRecord announces the sample ids of events opened after the session
// started. It carries no sample_id trailer and no timestamp.
type EventIDRecord struct {
	Header
	Pairs []EventIDPair
}

// NewEventIDRecord builds an EventIDRecord for pairs.
func NewEventIDRecord(pairs []EventIDPair) *EventIDRecord {
	return &EventIDRecord{
		Header: Header{Type: TypeEventID, Size: uint16(HeaderSize + 8 + 16*len(pairs))},
		Pairs:  pairs,
	}
}

// Timestamp implements Record.
func (r *EventIDRecord) Timestamp() uint64 {
	return 0
}

func decodeEventID(h Header, d *decoder) *EventIDRecord {
	r := &EventIDRecord{Header: h}
	n := d.u64()
	if n > uint64(len(d.b)/16) {
		d.err = ErrTruncated
		return r
	}
	r.Pairs = make([]EventIDPair, n)
	for i := range r.Pairs {
		r.Pairs[i] = EventIDPair{AttrIndex: d.u64(), EventID: d.u64()}
	}
	return r
}

// Binary implements Record.
func (r *EventIDRecord) Binary(*perfevent.Attr) []byte {
	e := newEncoder(TypeEventID, r.Misc)
	e.u64(uint64(len(r.Pairs)))
	for _, p := range r.Pairs {
		e.u64(p.AttrIndex)
		e.u64(p.EventID)
	}
	return e.finish()
}

// GenericRecord is any record type without a dedicated decoder. Its body is
// kept opaque.
type GenericRecord struct {
	Header
	Body []byte
	SampleID
}

func decodeGeneric(attr *perfevent.Attr, h Header, d *decoder) *GenericRecord {
	r := &GenericRecord{Header: h}
	end := int(h.Size)
	if h.Type < typeUserStart {
		end = trailerStart(attr, h)
	}
	r.Body = d.bytes(end - d.off)
	if h.Type < typeUserStart {
		r.SampleID = decodeSampleID(attr, d)
	}
	return r
}

// Binary implements Record.
func (r *GenericRecord) Binary(attr *perfevent.Attr) []byte {
	e := newEncoder(r.Type, r.Misc)
	e.raw(r.Body)
	if r.Type < typeUserStart {
		r.SampleID.encode(attr, e)
	}
	return e.finish()
}
