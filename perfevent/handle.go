// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package perfevent // import "go.opentelemetry.io/perf-recorder/perfevent"

import (
	"errors"
	"time"
)

var (
	// ErrNoMappedBuffer is returned when reading from a handle without a ring.
	ErrNoMappedBuffer = errors.New("handle has no mapped buffer")
	// ErrClosed is returned for operations on a closed handle.
	ErrClosed = errors.New("handle closed")
)

// Counter is one reading of an event counter.
type Counter struct {
	Value       uint64
	TimeEnabled time.Duration
	TimeRunning time.Duration
	ID          uint64
}

// Add accumulates c2 into c.
func (c *Counter) Add(c2 Counter) {
	c.Value += c2.Value
	c.TimeEnabled += c2.TimeEnabled
	c.TimeRunning += c2.TimeRunning
}

// Handle is one opened event, bound to one thread and one CPU. A handle may
// own a ring buffer, share the ring of another handle on the same CPU, or
// have no ring at all (counting mode).
type Handle interface {
	Attr() *Attr
	TID() int
	CPU() int
	// ID is the kernel assigned sample id carried in PERF_SAMPLE_ID.
	ID() uint64
	// FD returns a pollable descriptor, or -1 if readiness is signalled
	// through Opener.Notify.
	FD() int

	CreateMappedBuffer(dataPages int) error
	// ShareMappedBuffer redirects this handle's records into owner's ring.
	ShareMappedBuffer(owner Handle) error
	HasMappedBuffer() bool
	// Ring returns the ring this handle owns, or nil if it shares one or has
	// none.
	Ring() *Ring
	DestroyMappedBuffer() error

	ReadCounter() (Counter, error)
	Enable() error
	Disable() error
	Close() error
}

// Opener opens handles for one event source. An Opener is chosen per event
// group when the group is added.
type Opener interface {
	// Open opens attr for tid on cpu. leader is nil for the first member of
	// a group.
	Open(attr *Attr, tid, cpu int, leader Handle) (Handle, error)
	// Notify returns a channel that receives when a handle without a
	// pollable descriptor has new data. It may return nil.
	Notify() <-chan struct{}
}
