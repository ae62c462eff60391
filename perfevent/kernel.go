// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package perfevent // import "go.opentelemetry.io/perf-recorder/perfevent"

import (
	"fmt"

	"github.com/elastic/go-perf"
	"golang.org/x/sys/unix"
)

// KernelOpener opens events with perf_event_open.
type KernelOpener struct{}

var _ Opener = KernelOpener{}

// Open implements Opener.
func (KernelOpener) Open(attr *Attr, tid, cpu int, leader Handle) (Handle, error) {
	var group *perf.Event
	if leader != nil {
		kl, ok := leader.(*kernelHandle)
		if !ok {
			return nil, fmt.Errorf("group leader is not a kernel event: %T", leader)
		}
		group = kl.event
	}
	event, err := perf.Open(attr.perfAttr(), tid, cpu, group)
	if err != nil {
		return nil, fmt.Errorf("perf_event_open(tid %d, cpu %d): %w", tid, cpu, err)
	}
	fd, err := event.FD()
	if err != nil {
		_ = event.Close()
		return nil, err
	}
	id, err := event.ID()
	if err != nil {
		_ = event.Close()
		return nil, fmt.Errorf("failed to read event id: %w", err)
	}
	return &kernelHandle{attr: attr, tid: tid, cpu: cpu, fd: fd, id: id, event: event}, nil
}

// Notify implements Opener. Kernel handles are polled by descriptor.
func (KernelOpener) Notify() <-chan struct{} {
	return nil
}

// Probe opens attr on the calling thread and any CPU and closes it again,
// which is the cheapest way to ask the kernel whether it accepts attr.
func (KernelOpener) Probe(attr *Attr) error {
	probe := *attr
	probe.Disabled = true
	event, err := perf.Open(probe.perfAttr(), perf.CallingThread, perf.AnyCPU, nil)
	if err != nil {
		return err
	}
	return event.Close()
}

type kernelHandle struct {
	attr  *Attr
	tid   int
	cpu   int
	fd    int
	id    uint64
	event *perf.Event

	ring   *Ring
	shared bool
}

func (h *kernelHandle) Attr() *Attr { return h.attr }
func (h *kernelHandle) TID() int    { return h.tid }
func (h *kernelHandle) CPU() int    { return h.cpu }
func (h *kernelHandle) ID() uint64  { return h.id }
func (h *kernelHandle) FD() int     { return h.fd }

func (h *kernelHandle) CreateMappedBuffer(dataPages int) error {
	if h.event == nil {
		return ErrClosed
	}
	pageSize := unix.Getpagesize()
	mem, err := unix.Mmap(h.fd, 0, (dataPages+1)*pageSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("failed to mmap %d pages for cpu %d: %w", dataPages, h.cpu, err)
	}
	ring, err := newRing(mem, pageSize, unix.Munmap)
	if err != nil {
		_ = unix.Munmap(mem)
		return err
	}
	h.ring = ring
	return nil
}

func (h *kernelHandle) ShareMappedBuffer(owner Handle) error {
	ko, ok := owner.(*kernelHandle)
	if !ok || ko.event == nil || ko.ring == nil {
		return fmt.Errorf("cannot share ring of %T: %w", owner, ErrNoMappedBuffer)
	}
	if err := h.event.SetOutput(ko.event); err != nil {
		return fmt.Errorf("failed to redirect output on cpu %d: %w", h.cpu, err)
	}
	h.shared = true
	return nil
}

func (h *kernelHandle) HasMappedBuffer() bool {
	return h.ring != nil || h.shared
}

func (h *kernelHandle) Ring() *Ring {
	return h.ring
}

func (h *kernelHandle) DestroyMappedBuffer() error {
	h.shared = false
	if h.ring == nil {
		return nil
	}
	err := h.ring.Close()
	h.ring = nil
	return err
}

func (h *kernelHandle) ReadCounter() (Counter, error) {
	if h.event == nil {
		return Counter{}, ErrClosed
	}
	count, err := h.event.ReadCount()
	if err != nil {
		return Counter{}, err
	}
	return Counter{
		Value:       count.Value,
		TimeEnabled: count.Enabled,
		TimeRunning: count.Running,
		ID:          count.ID,
	}, nil
}

func (h *kernelHandle) Enable() error {
	if h.event == nil {
		return ErrClosed
	}
	return h.event.Enable()
}

func (h *kernelHandle) Disable() error {
	if h.event == nil {
		return ErrClosed
	}
	return h.event.Disable()
}

func (h *kernelHandle) Close() error {
	if h.event == nil {
		return nil
	}
	err := h.DestroyMappedBuffer()
	if cerr := h.event.Close(); cerr != nil && err == nil {
		err = cerr
	}
	h.event = nil
	h.fd = -1
	return err
}
