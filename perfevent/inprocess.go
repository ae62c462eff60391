// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package perfevent // import "go.opentelemetry.io/perf-recorder/perfevent"

import (
	"fmt"
	"sync"
)

// inprocessIDBase keeps in-process sample ids clear of kernel assigned ids.
const inprocessIDBase = 1 << 48

// InprocessOpener serves events whose records are produced inside this
// process. Handles keep their ring on the Go heap and signal new data
// through Notify instead of a descriptor.
type InprocessOpener struct {
	mu      sync.Mutex
	nextID  uint64
	handles []*InprocessHandle
	notify  chan struct{}

	// OpenHook, when set, is consulted before each open and can reject it.
	OpenHook func(attr *Attr, tid, cpu int) error
}

var _ Opener = (*InprocessOpener)(nil)

// NewInprocessOpener returns an empty in-process event source.
func NewInprocessOpener() *InprocessOpener {
	return &InprocessOpener{
		nextID: inprocessIDBase,
		notify: make(chan struct{}, 1),
	}
}

// Open implements Opener.
func (o *InprocessOpener) Open(attr *Attr, tid, cpu int, _ Handle) (Handle, error) {
	if o.OpenHook != nil {
		if err := o.OpenHook(attr, tid, cpu); err != nil {
			return nil, err
		}
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextID++
	h := &InprocessHandle{
		opener:  o,
		attr:    attr,
		tid:     tid,
		cpu:     cpu,
		id:      o.nextID,
		enabled: !attr.Disabled,
	}
	o.handles = append(o.handles, h)
	return h, nil
}

// Notify implements Opener.
func (o *InprocessOpener) Notify() <-chan struct{} {
	return o.notify
}

// Handles returns every handle that is still open.
func (o *InprocessOpener) Handles() []*InprocessHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	open := make([]*InprocessHandle, 0, len(o.handles))
	for _, h := range o.handles {
		if !h.closed {
			open = append(open, h)
		}
	}
	return open
}

// Handle returns the open handle for the given attr, tid and cpu.
func (o *InprocessOpener) Handle(attr *Attr, tid, cpu int) *InprocessHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, h := range o.handles {
		if !h.closed && h.attr == attr && h.tid == tid && h.cpu == cpu {
			return h
		}
	}
	return nil
}

func (o *InprocessOpener) wake() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

// InprocessHandle is a Handle whose records are written by Write.
type InprocessHandle struct {
	opener *InprocessOpener
	attr   *Attr
	tid    int
	cpu    int
	id     uint64

	// Guarded by opener.mu.
	ring    *Ring
	owner   *InprocessHandle
	counter Counter
	enabled bool
	closed  bool
}

var _ Handle = (*InprocessHandle)(nil)

func (h *InprocessHandle) Attr() *Attr { return h.attr }
func (h *InprocessHandle) TID() int    { return h.tid }
func (h *InprocessHandle) CPU() int    { return h.cpu }
func (h *InprocessHandle) ID() uint64  { return h.id }
func (h *InprocessHandle) FD() int     { return -1 }

func (h *InprocessHandle) CreateMappedBuffer(dataPages int) error {
	ring, err := NewMemoryRing(dataPages)
	if err != nil {
		return err
	}
	h.opener.mu.Lock()
	defer h.opener.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	h.ring = ring
	h.owner = nil
	return nil
}

func (h *InprocessHandle) ShareMappedBuffer(owner Handle) error {
	ih, ok := owner.(*InprocessHandle)
	if !ok {
		return fmt.Errorf("cannot share ring of %T: %w", owner, ErrNoMappedBuffer)
	}
	h.opener.mu.Lock()
	defer h.opener.mu.Unlock()
	if ih.ring == nil {
		return ErrNoMappedBuffer
	}
	h.owner = ih
	return nil
}

func (h *InprocessHandle) HasMappedBuffer() bool {
	h.opener.mu.Lock()
	defer h.opener.mu.Unlock()
	return h.ring != nil || h.owner != nil
}

func (h *InprocessHandle) Ring() *Ring {
	h.opener.mu.Lock()
	defer h.opener.mu.Unlock()
	return h.ring
}

func (h *InprocessHandle) DestroyMappedBuffer() error {
	h.opener.mu.Lock()
	defer h.opener.mu.Unlock()
	h.owner = nil
	h.ring = nil
	return nil
}

// Write publishes one encoded record. Records written while the handle is
// disabled are dropped, as the kernel would not have produced them.
func (h *InprocessHandle) Write(rec []byte) error {
	h.opener.mu.Lock()
	if h.closed {
		h.opener.mu.Unlock()
		return ErrClosed
	}
	if !h.enabled {
		h.opener.mu.Unlock()
		return nil
	}
	ring := h.ring
	if h.owner != nil {
		ring = h.owner.ring
	}
	h.opener.mu.Unlock()
	if ring == nil {
		return ErrNoMappedBuffer
	}
	if err := ring.write(rec); err != nil {
		return err
	}
	h.opener.wake()
	return nil
}

// AddCount advances the handle's counter.
func (h *InprocessHandle) AddCount(value uint64) {
	h.opener.mu.Lock()
	defer h.opener.mu.Unlock()
	if h.enabled && !h.closed {
		h.counter.Value += value
	}
}

func (h *InprocessHandle) ReadCounter() (Counter, error) {
	h.opener.mu.Lock()
	defer h.opener.mu.Unlock()
	if h.closed {
		return Counter{}, ErrClosed
	}
	c := h.counter
	c.ID = h.id
	return c, nil
}

// Enabled reports whether the handle currently produces records.
func (h *InprocessHandle) Enabled() bool {
	h.opener.mu.Lock()
	defer h.opener.mu.Unlock()
	return h.enabled
}

func (h *InprocessHandle) Enable() error {
	h.opener.mu.Lock()
	defer h.opener.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	h.enabled = true
	return nil
}

func (h *InprocessHandle) Disable() error {
	h.opener.mu.Lock()
	defer h.opener.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	h.enabled = false
	return nil
}

func (h *InprocessHandle) Close() error {
	h.opener.mu.Lock()
	defer h.opener.mu.Unlock()
	h.closed = true
	h.enabled = false
	h.ring = nil
	h.owner = nil
	return nil
}
