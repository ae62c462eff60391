// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package perfevent // import "go.opentelemetry.io/perf-recorder/perfevent"

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/elastic/go-perf"
	"golang.org/x/sys/unix"
)

// ErrUnsupportedAttr is returned when an attribute requests sample fields the
// record decoder cannot parse.
var ErrUnsupportedAttr = errors.New("unsupported event attribute")

// SupportedSampleType lists the PERF_SAMPLE_* bits the record decoder understands.
const SupportedSampleType = unix.PERF_SAMPLE_IDENTIFIER | unix.PERF_SAMPLE_IP |
	unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_TIME | unix.PERF_SAMPLE_ADDR |
	unix.PERF_SAMPLE_ID | unix.PERF_SAMPLE_STREAM_ID | unix.PERF_SAMPLE_CPU |
	unix.PERF_SAMPLE_PERIOD | unix.PERF_SAMPLE_CALLCHAIN | unix.PERF_SAMPLE_RAW |
	unix.PERF_SAMPLE_BRANCH_STACK | unix.PERF_SAMPLE_REGS_USER |
	unix.PERF_SAMPLE_STACK_USER

// DefaultSampleType is requested by every attribute so that records are
// self describing: any buffer can be decoded with any attribute of the set.
const DefaultSampleType = unix.PERF_SAMPLE_IDENTIFIER | unix.PERF_SAMPLE_IP |
	unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_TIME | unix.PERF_SAMPLE_ID |
	unix.PERF_SAMPLE_CPU | unix.PERF_SAMPLE_PERIOD

// Attr is the kernel facing description of one event and its sampling
// policy. One Attr is shared by every Handle opened for the same selection
// and must not be modified once the first Handle was opened.
type Attr struct {
	Type   uint32
	Config uint64

	// Sample holds the period, or the frequency if Freq is set.
	Sample uint64
	Freq   bool

	SampleType     uint64
	SampleRegsUser uint64
	// SampleStackUser is the number of user stack bytes dumped per sample.
	SampleStackUser  uint32
	BranchSampleType uint64

	ExcludeUser            bool
	ExcludeKernel          bool
	ExcludeHypervisor      bool
	ExcludeHost            bool
	ExcludeGuest           bool
	ExcludeUserCallchain   bool
	ExcludeKernelCallchain bool
	PreciseIP              uint8

	Disabled     bool
	Inherit      bool
	EnableOnExec bool
	Mmap         bool
	Mmap2        bool
	Comm         bool
	Task         bool
	SampleIDAll  bool

	UseClockID bool
	ClockID    int32

	WakeupEvents uint32
}

// NewAttr builds the default attribute for an event: sampling disabled until
// enabled, one record per wakeup, and the sample fields every record carries.
func NewAttr(em *EventTypeAndModifier) (*Attr, error) {
	attr := &Attr{
		Type:              em.Type,
		Config:            em.Config,
		SampleType:        DefaultSampleType,
		ExcludeUser:       em.ExcludeUser,
		ExcludeKernel:     em.ExcludeKernel,
		ExcludeHypervisor: em.ExcludeHypervisor,
		ExcludeHost:       em.ExcludeHost,
		ExcludeGuest:      em.ExcludeGuest,
		PreciseIP:         em.PreciseIP,
		Disabled:          true,
		SampleIDAll:       true,
		WakeupEvents:      1,
	}
	if err := attr.Validate(); err != nil {
		return nil, fmt.Errorf("event %s: %w", em.Name, err)
	}
	return attr, nil
}

// HasSample reports whether all of the given PERF_SAMPLE_* bits are set.
func (a *Attr) HasSample(bit uint64) bool {
	return a.SampleType&bit == bit
}

// NumUserRegs returns how many registers a REGS_USER dump contains.
func (a *Attr) NumUserRegs() int {
	return bits.OnesCount64(a.SampleRegsUser)
}

// SetSampleFreq configures frequency based sampling.
func (a *Attr) SetSampleFreq(freq uint64) {
	a.Sample = freq
	a.Freq = true
}

// SetSamplePeriod configures period based sampling.
func (a *Attr) SetSamplePeriod(period uint64) {
	a.Sample = period
	a.Freq = false
}

// Validate rejects attributes whose records could not be decoded.
func (a *Attr) Validate() error {
	if extra := a.SampleType &^ SupportedSampleType; extra != 0 {
		return fmt.Errorf("%w: sample type bits %#x", ErrUnsupportedAttr, extra)
	}
	if a.HasSample(unix.PERF_SAMPLE_STACK_USER) {
		if a.SampleStackUser == 0 || a.SampleStackUser%8 != 0 {
			return fmt.Errorf("%w: stack dump size %d must be a non-zero multiple of 8",
				ErrUnsupportedAttr, a.SampleStackUser)
		}
	}
	if a.HasSample(unix.PERF_SAMPLE_REGS_USER) && a.SampleRegsUser == 0 {
		return fmt.Errorf("%w: REGS_USER requested without a register mask", ErrUnsupportedAttr)
	}
	if !a.SampleIDAll {
		return fmt.Errorf("%w: sample_id_all is required for time ordering", ErrUnsupportedAttr)
	}
	return nil
}

// SampleIDSize returns the size of the sample_id trailer carried by
// non-sample records.
func (a *Attr) SampleIDSize() int {
	size := 0
	for _, bit := range []uint64{unix.PERF_SAMPLE_TID, unix.PERF_SAMPLE_TIME,
		unix.PERF_SAMPLE_ID, unix.PERF_SAMPLE_STREAM_ID, unix.PERF_SAMPLE_CPU,
		unix.PERF_SAMPLE_IDENTIFIER} {
		if a.HasSample(bit) {
			size += 8
		}
	}
	return size
}

// perfAttr converts the attribute into the go-perf representation.
func (a *Attr) perfAttr() *perf.Attr {
	pa := &perf.Attr{
		Type:   perf.EventType(a.Type),
		Config: a.Config,
		SampleFormat: perf.SampleFormat{
			IP:            a.HasSample(unix.PERF_SAMPLE_IP),
			Tid:           a.HasSample(unix.PERF_SAMPLE_TID),
			Time:          a.HasSample(unix.PERF_SAMPLE_TIME),
			Addr:          a.HasSample(unix.PERF_SAMPLE_ADDR),
			Callchain:     a.HasSample(unix.PERF_SAMPLE_CALLCHAIN),
			ID:            a.HasSample(unix.PERF_SAMPLE_ID),
			CPU:           a.HasSample(unix.PERF_SAMPLE_CPU),
			Period:        a.HasSample(unix.PERF_SAMPLE_PERIOD),
			StreamID:      a.HasSample(unix.PERF_SAMPLE_STREAM_ID),
			Raw:           a.HasSample(unix.PERF_SAMPLE_RAW),
			BranchStack:   a.HasSample(unix.PERF_SAMPLE_BRANCH_STACK),
			UserRegisters: a.HasSample(unix.PERF_SAMPLE_REGS_USER),
			UserStack:     a.HasSample(unix.PERF_SAMPLE_STACK_USER),
			Identifier:    a.HasSample(unix.PERF_SAMPLE_IDENTIFIER),
		},
		CountFormat: perf.CountFormat{
			Enabled: true,
			Running: true,
			ID:      true,
		},
		Options: perf.Options{
			Disabled:               a.Disabled,
			Inherit:                a.Inherit,
			ExcludeUser:            a.ExcludeUser,
			ExcludeKernel:          a.ExcludeKernel,
			ExcludeHypervisor:      a.ExcludeHypervisor,
			ExcludeHost:            a.ExcludeHost,
			ExcludeGuest:           a.ExcludeGuest,
			ExcludeUserCallchain:   a.ExcludeUserCallchain,
			ExcludeKernelCallchain: a.ExcludeKernelCallchain,
			EnableOnExec:           a.EnableOnExec,
			Mmap:                   a.Mmap,
			Mmap2:                  a.Mmap2,
			Comm:                   a.Comm,
			Task:                   a.Task,
			SampleIDAll:            a.SampleIDAll,
			UseClockID:             a.UseClockID,
			PreciseIP:              perf.Skid(a.PreciseIP),
		},
		SampleRegistersUser: a.SampleRegsUser,
		SampleStackUser:     a.SampleStackUser,
		ClockID:             a.ClockID,
	}
	if a.Freq {
		pa.SetSampleFreq(a.Sample)
	} else {
		pa.SetSamplePeriod(a.Sample)
	}
	pa.SetWakeupEvents(a.WakeupEvents)
	return pa
}
