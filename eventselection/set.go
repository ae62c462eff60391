// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package eventselection owns the mapping from logical events to opened
// perf event handles. It drains every ring buffer of a session into one
// time ordered record stream and keeps coverage intact while CPUs go offline
// and come back.
package eventselection // import "go.opentelemetry.io/perf-recorder/eventselection"

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"go.opentelemetry.io/perf-recorder/cpuinfo"
	"go.opentelemetry.io/perf-recorder/libpf"
	"go.opentelemetry.io/perf-recorder/perfevent"
	"go.opentelemetry.io/perf-recorder/record"
)

var (
	// ErrEventExists is returned when an event name is added twice.
	ErrEventExists = errors.New("event already added")
	// ErrUnsupportedEvent is returned when the kernel rejects an event.
	ErrUnsupportedEvent = errors.New("event not supported")
	// ErrNoCPUOnline is returned when none of the requested CPUs is online.
	ErrNoCPUOnline = errors.New("no requested cpu is online")
	// ErrMalformedRecord is returned when a ring buffer holds a record whose
	// framing is invalid. It indicates a corrupted buffer.
	ErrMalformedRecord = errors.New("malformed record")
	// ErrStopped can be returned by a Handler to end the session.
	ErrStopped = errors.New("record stream stopped")
	// ErrNoTarget is returned when files are opened without targets.
	ErrNoTarget = errors.New("no monitoring target")
	// ErrFilesOpen is returned when the configuration is changed after
	// files were opened.
	ErrFilesOpen = errors.New("event files already opened")
	// ErrNoInprocessSource is returned when an in-process sampler event is
	// added to a set that has no InprocessOpener producing its records.
	ErrNoInprocessSource = errors.New("no in-process record source")
)

// Event is one record delivered to a Handler. Data aliases internal
// buffers and is only valid during the Handler call.
type Event struct {
	// AttrIndex identifies the selection that produced the record, or is -1
	// for records not tied to one selection.
	AttrIndex int
	Attr      *perfevent.Attr
	Data      []byte
	Record    record.Record
}

// Handler consumes records in timestamp order. Returning ErrStopped ends the
// session without error, any other error aborts it.
type Handler func(ev *Event) error

// CallChainMode selects how call chains are captured.
type CallChainMode int

const (
	CallChainNone CallChainMode = iota
	CallChainFramePointer
	CallChainDwarf
)

// String implements fmt.Stringer.
func (m CallChainMode) String() string {
	switch m {
	case CallChainNone:
		return "none"
	case CallChainFramePointer:
		return "fp"
	case CallChainDwarf:
		return "dwarf"
	}
	return fmt.Sprintf("CallChainMode(%d)", int(m))
}

// ParseCallChainMode parses the names returned by CallChainMode.String.
func ParseCallChainMode(s string) (CallChainMode, error) {
	for _, m := range []CallChainMode{CallChainNone, CallChainFramePointer, CallChainDwarf} {
		if m.String() == s {
			return m, nil
		}
	}
	return CallChainNone, fmt.Errorf("unknown call graph mode %q", s)
}

// maxDumpStackSize is the largest user stack the kernel dumps per sample.
const maxDumpStackSize = 65528

// Selection is one event bound to one attribute plus the handles that
// currently back it.
type Selection struct {
	group int
	index int

	EventType perfevent.EventTypeAndModifier
	Attr      *perfevent.Attr

	handles []perfevent.Handle
	// hotplugged keeps counters of CPUs that went offline in stat mode.
	hotplugged []CounterInfo
}

// Name returns the event name including modifiers.
func (sel *Selection) Name() string {
	return sel.EventType.Name
}

// group is an ordered list of selections scheduled together.
type group struct {
	selections []int
	opener     perfevent.Opener
	inprocess  bool
}

// SampleSpeed is either a sampling frequency or a fixed period.
type SampleSpeed struct {
	Freq   uint64
	Period uint64
}

// Options configures a Set.
type Options struct {
	// ForStat selects counting mode: no ring buffers, counters of offline
	// CPUs are preserved.
	ForStat bool
	// KernelOpener opens kernel events. Defaults to perfevent.KernelOpener.
	KernelOpener perfevent.Opener
	// InprocessOpener serves in-process sampler events. Without it such
	// events are rejected, as nothing would write their records.
	InprocessOpener *perfevent.InprocessOpener
	// Probe is asked once per selection whether the kernel accepts its
	// attribute. Defaults to perfevent.KernelOpener.Probe.
	Probe func(*perfevent.Attr) error
	// CPUSource reports online CPUs. Defaults to sysfs.
	CPUSource cpuinfo.Source
	// ThreadLister lists the threads of a process. Defaults to /proc.
	ThreadLister func(pid int) ([]int, error)
	// IsAlive reports whether a thread or process still exists.
	IsAlive func(tid int) bool
	// PollTimeout bounds a single wait for ring readiness.
	PollTimeout time.Duration
}

// Set is the collection of event groups of one session.
type Set struct {
	forStat bool

	groups     []group
	selections []*Selection
	names      libpf.Set[string]

	// settings are the attribute changes made so far, replayed onto groups
	// added later.
	settings []func(*perfevent.Attr)

	kernelOpener    perfevent.Opener
	inprocessOpener *perfevent.InprocessOpener
	probe           func(*perfevent.Attr) error
	cpuSource       cpuinfo.Source
	threadLister    func(pid int) ([]int, error)
	isAlive         func(tid int) bool
	pollTimeout     time.Duration

	processes  libpf.Set[int]
	threads    libpf.Set[int]
	systemWide bool

	enableOnExec   bool
	workloadExeced bool
	filesOpened    bool

	// buffers maps a ring key to the handle owning the ring.
	buffers   map[bufferKey]perfevent.Handle
	pageCount int

	idToSelection map[uint64]int

	hotplug *HotplugState

	// Drain state reused across calls.
	scratch []byte
	heads   []*head
}

// NewSet returns an empty Set.
func NewSet(opts Options) *Set {
	s := &Set{
		forStat:         opts.ForStat,
		names:           libpf.Set[string]{},
		kernelOpener:    opts.KernelOpener,
		inprocessOpener: opts.InprocessOpener,
		probe:           opts.Probe,
		cpuSource:       opts.CPUSource,
		threadLister:    opts.ThreadLister,
		isAlive:         opts.IsAlive,
		pollTimeout:     opts.PollTimeout,
		processes:       libpf.Set[int]{},
		threads:         libpf.Set[int]{},
		buffers:         map[bufferKey]perfevent.Handle{},
		idToSelection:   map[uint64]int{},
	}
	if s.kernelOpener == nil {
		s.kernelOpener = perfevent.KernelOpener{}
	}
	if s.probe == nil {
		s.probe = perfevent.KernelOpener{}.Probe
	}
	if s.cpuSource == nil {
		s.cpuSource = cpuinfo.SysfsSource{}
	}
	if s.threadLister == nil {
		s.threadLister = listThreads
	}
	if s.isAlive == nil {
		s.isAlive = isAlive
	}
	if s.pollTimeout <= 0 {
		s.pollTimeout = 100 * time.Millisecond
	}
	return s
}

// Selections returns the selections in the order they were added. The
// position of a selection is its attribute index.
func (s *Set) Selections() []*Selection {
	return s.selections
}

// Groups returns the attribute indexes of each group's selections.
func (s *Set) Groups() [][]int {
	groups := make([][]int, len(s.groups))
	for i, g := range s.groups {
		groups[i] = append([]int(nil), g.selections...)
	}
	return groups
}

// AddEventType adds a group with a single event.
func (s *Set) AddEventType(name string) (int, error) {
	return s.AddEventGroup([]string{name})
}

// AddEventGroup parses the given event names and adds them as one group.
// It returns the group id.
func (s *Set) AddEventGroup(names []string) (int, error) {
	if s.filesOpened {
		return 0, ErrFilesOpen
	}
	if len(names) == 0 {
		return 0, errors.New("empty event group")
	}
	g := group{}
	var newSelections []*Selection
	seen := libpf.Set[string]{}
	for _, name := range names {
		if _, ok := s.names[name]; ok {
			return 0, fmt.Errorf("%w: %s", ErrEventExists, name)
		}
		if _, ok := seen[name]; ok {
			return 0, fmt.Errorf("%w: %s", ErrEventExists, name)
		}
		seen[name] = libpf.Void{}

		em, err := perfevent.ParseEventType(name)
		if err != nil {
			return 0, err
		}
		if len(newSelections) == 0 {
			g.inprocess = em.IsInprocess()
			g.opener = s.kernelOpener
			if g.inprocess {
				if s.inprocessOpener == nil {
					return 0, fmt.Errorf("%w: %s", ErrNoInprocessSource, name)
				}
				g.opener = s.inprocessOpener
			}
		} else if g.inprocess != em.IsInprocess() {
			return 0, fmt.Errorf("event %s cannot share a group with events of another source", name)
		}

		attr, err := perfevent.NewAttr(em)
		if err != nil {
			return 0, err
		}
		if !s.forStat {
			attr.SetSampleFreq(defaultSampleFreq)
			attr.Mmap = true
			attr.Mmap2 = true
			attr.Comm = true
			attr.Task = true
		}
		for _, fn := range s.settings {
			fn(attr)
		}
		if len(s.settings) > 0 {
			if err := attr.Validate(); err != nil {
				return 0, fmt.Errorf("event %s: %w", name, err)
			}
		}
		if !em.IsInprocess() {
			if err := s.probe(attr); err != nil {
				return 0, fmt.Errorf("%w: %s: %v", ErrUnsupportedEvent, name, err)
			}
		}
		newSelections = append(newSelections, &Selection{
			group:     len(s.groups),
			EventType: *em,
			Attr:      attr,
		})
	}

	for _, sel := range newSelections {
		sel.index = len(s.selections)
		s.selections = append(s.selections, sel)
		g.selections = append(g.selections, sel.index)
		s.names[sel.Name()] = libpf.Void{}
	}
	s.groups = append(s.groups, g)
	s.unionSampleType()
	return len(s.groups) - 1, nil
}

// defaultSampleFreq is used until SetSampleSpeed is called.
const defaultSampleFreq = 4000

// unionSampleType makes every attribute request the same sample fields so
// that any ring can be decoded with any attribute of the set.
func (s *Set) unionSampleType() {
	var union uint64
	for _, sel := range s.selections {
		union |= sel.Attr.SampleType
	}
	for _, sel := range s.selections {
		sel.Attr.SampleType = union
	}
}

func (s *Set) forEachAttr(fn func(*perfevent.Attr)) error {
	if s.filesOpened {
		return ErrFilesOpen
	}
	for _, sel := range s.selections {
		fn(sel.Attr)
	}
	s.settings = append(s.settings, fn)
	return nil
}

// SetSampleSpeed sets the sampling frequency or period of every event.
func (s *Set) SetSampleSpeed(speed SampleSpeed) error {
	if (speed.Freq == 0) == (speed.Period == 0) {
		return errors.New("exactly one of sample frequency and period must be set")
	}
	return s.forEachAttr(func(attr *perfevent.Attr) {
		if speed.Freq != 0 {
			attr.SetSampleFreq(speed.Freq)
		} else {
			attr.SetSamplePeriod(speed.Period)
		}
	})
}

// CallChainOptions describes how call chains are sampled.
type CallChainOptions struct {
	Mode CallChainMode
	// RegsMask selects the user registers dumped in dwarf mode.
	RegsMask uint64
	// DumpStackSize is the user stack size dumped in dwarf mode.
	DumpStackSize uint32
}

// EnableCallChainSampling requests call chains for every event. In dwarf
// mode the kernel only records the kernel part of the chain and dumps user
// registers and stack for offline unwinding.
func (s *Set) EnableCallChainSampling(opts CallChainOptions) error {
	switch opts.Mode {
	case CallChainNone:
		return nil
	case CallChainFramePointer:
		return s.forEachAttr(func(attr *perfevent.Attr) {
			attr.SampleType |= unix.PERF_SAMPLE_CALLCHAIN
		})
	case CallChainDwarf:
		if opts.DumpStackSize == 0 || opts.DumpStackSize%8 != 0 ||
			opts.DumpStackSize > maxDumpStackSize {
			return fmt.Errorf("invalid dump stack size %d", opts.DumpStackSize)
		}
		if opts.RegsMask == 0 {
			return errors.New("dwarf call chains need a register mask")
		}
		if err := s.forEachAttr(func(attr *perfevent.Attr) {
			attr.SampleType |= unix.PERF_SAMPLE_CALLCHAIN |
				unix.PERF_SAMPLE_REGS_USER | unix.PERF_SAMPLE_STACK_USER
			attr.ExcludeUserCallchain = true
			attr.SampleRegsUser = opts.RegsMask
			attr.SampleStackUser = opts.DumpStackSize
		}); err != nil {
			return err
		}
		for _, sel := range s.selections {
			if err := sel.Attr.Validate(); err != nil {
				return fmt.Errorf("event %s: %w", sel.Name(), err)
			}
		}
		return nil
	}
	return fmt.Errorf("unknown call chain mode %v", opts.Mode)
}

// SetInherit makes events follow threads and processes created by the
// targets.
func (s *Set) SetInherit(inherit bool) error {
	return s.forEachAttr(func(attr *perfevent.Attr) {
		attr.Inherit = inherit
	})
}

// SetClockID selects the clock used for sample timestamps.
func (s *Set) SetClockID(clockID int32) error {
	return s.forEachAttr(func(attr *perfevent.Attr) {
		attr.UseClockID = true
		attr.ClockID = clockID
	})
}

// SetEnableOnExec keeps events disabled until the workload calls exec.
func (s *Set) SetEnableOnExec(enable bool) error {
	if err := s.forEachAttr(func(attr *perfevent.Attr) {
		attr.EnableOnExec = enable
		attr.Disabled = true
	}); err != nil {
		return err
	}
	s.enableOnExec = enable
	return nil
}

// NotifyWorkloadExeced tells the set that the workload has called exec.
// Files opened afterwards start enabled.
func (s *Set) NotifyWorkloadExeced() {
	s.workloadExeced = true
}

// AddMonitoredProcesses adds processes whose threads are monitored.
func (s *Set) AddMonitoredProcesses(pids ...int) {
	for _, pid := range pids {
		s.processes[pid] = libpf.Void{}
	}
}

// AddMonitoredThreads adds single threads to monitor.
func (s *Set) AddMonitoredThreads(tids ...int) {
	for _, tid := range tids {
		s.threads[tid] = libpf.Void{}
	}
}

// SetSystemWide monitors all threads on the selected CPUs.
func (s *Set) SetSystemWide(systemWide bool) {
	s.systemWide = systemWide
}

// HasMonitoredTarget reports whether any target was configured.
func (s *Set) HasMonitoredTarget() bool {
	return s.systemWide || len(s.processes) > 0 || len(s.threads) > 0
}

// selectionForID returns the attribute index for a kernel sample id.
func (s *Set) selectionForID(id uint64) (int, bool) {
	idx, ok := s.idToSelection[id]
	return idx, ok
}
