// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package perfevent // import "go.opentelemetry.io/perf-recorder/perfevent"

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

var (
	// ErrRingFull is returned by in-process producers when the reader did not
	// release enough space for the next record.
	ErrRingFull = errors.New("ring buffer full")

	errRingSize = errors.New("ring data size must be a power of two")
)

// Ring is the reader side of a perf ring buffer: one metadata page followed
// by a power of two sized data area. The producer (the kernel or an in-process
// sampler) owns data_head and the bytes behind it, the reader owns data_tail.
// Ring never hands out references into the shared mapping.
type Ring struct {
	mem  []byte
	meta *unix.PerfEventMmapPage
	data []byte
	mask uint64

	unmap func([]byte) error
}

func newRing(mem []byte, pageSize int, unmap func([]byte) error) (*Ring, error) {
	if len(mem) <= pageSize {
		return nil, fmt.Errorf("ring mapping of %d bytes has no data pages", len(mem))
	}
	data := mem[pageSize:]
	size := uint64(len(data))
	if size&(size-1) != 0 {
		return nil, errRingSize
	}
	return &Ring{
		mem:   mem,
		meta:  (*unix.PerfEventMmapPage)(unsafe.Pointer(&mem[0])),
		data:  data,
		mask:  size - 1,
		unmap: unmap,
	}, nil
}

// NewMemoryRing allocates a ring on the Go heap with dataPages data pages.
// It backs the in-process event source and tests.
func NewMemoryRing(dataPages int) (*Ring, error) {
	pageSize := unix.Getpagesize()
	// Allocate as uint64 so the metadata cursors are 8 byte aligned.
	words := make([]uint64, (dataPages+1)*pageSize/8)
	mem := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8)
	return newRing(mem, pageSize, nil)
}

// Size returns the size of the data area in bytes.
func (r *Ring) Size() int {
	return len(r.data)
}

func (r *Ring) head() uint64 {
	return atomic.LoadUint64(&r.meta.Data_head)
}

func (r *Ring) tail() uint64 {
	return atomic.LoadUint64(&r.meta.Data_tail)
}

// Available returns the number of unread bytes.
func (r *Ring) Available() int {
	return int(r.head() - r.tail())
}

// Read appends all bytes between data_tail and the data_head value observed
// at the start of the call to dst. It returns the extended slice and the
// number of bytes appended. Nothing is released; call Discard once the bytes
// have been consumed.
func (r *Ring) Read(dst []byte) ([]byte, int) {
	head := r.head()
	tail := r.tail()
	if head == tail {
		return dst, 0
	}
	n := int(head - tail)
	start := int(tail & r.mask)
	end := int(head & r.mask)
	if start < end {
		dst = append(dst, r.data[start:end]...)
	} else {
		dst = append(dst, r.data[start:]...)
		dst = append(dst, r.data[:end]...)
	}
	return dst, n
}

// Discard releases n bytes to the producer.
func (r *Ring) Discard(n int) {
	atomic.StoreUint64(&r.meta.Data_tail, r.tail()+uint64(n))
}

// write is the producer side used by in-process sources. It publishes rec as
// one unit or fails with ErrRingFull.
func (r *Ring) write(rec []byte) error {
	head := r.head()
	free := uint64(len(r.data)) - (head - r.tail())
	if uint64(len(rec)) > free {
		return ErrRingFull
	}
	start := int(head & r.mask)
	n := copy(r.data[start:], rec)
	copy(r.data, rec[n:])
	atomic.StoreUint64(&r.meta.Data_head, head+uint64(len(rec)))
	return nil
}

// Close releases the mapping. The ring must not be used afterwards.
func (r *Ring) Close() error {
	if r.mem == nil {
		return nil
	}
	var err error
	if r.unmap != nil {
		err = r.unmap(r.mem)
	}
	r.mem, r.data, r.meta = nil, nil, nil
	return err
}
