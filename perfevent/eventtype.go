// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package perfevent // import "go.opentelemetry.io/perf-recorder/perfevent"

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/elastic/go-perf"
	"golang.org/x/sys/unix"
)

// InprocessSamplerEvent names the in-process sampler. Groups containing it are
// served by an InprocessOpener instead of perf_event_open.
const InprocessSamplerEvent = "inplace-sampler"

// ErrUnknownEvent is returned for event names that are not in the event table.
var ErrUnknownEvent = errors.New("unknown event type")

// EventType describes one named event the kernel (or the in-process sampler)
// can count and sample.
type EventType struct {
	Name   string
	Type   uint32
	Config uint64

	// configurator fills in the go-perf attribute for kernel events.
	configurator perf.Configurator
}

// IsInprocess reports whether the event is served by the in-process sampler.
func (et *EventType) IsInprocess() bool {
	return et.Name == InprocessSamplerEvent
}

// typeInprocess is outside the kernel's PERF_TYPE_* range.
const typeInprocess = 0xffff

var eventTypes = []EventType{
	{Name: "cpu-cycles", configurator: perf.CPUCycles},
	{Name: "instructions", configurator: perf.Instructions},
	{Name: "cache-references", configurator: perf.CacheReferences},
	{Name: "cache-misses", configurator: perf.CacheMisses},
	{Name: "branch-instructions", configurator: perf.BranchInstructions},
	{Name: "branch-misses", configurator: perf.BranchMisses},
	{Name: "bus-cycles", configurator: perf.BusCycles},
	{Name: "stalled-cycles-frontend", configurator: perf.StalledCyclesFrontend},
	{Name: "stalled-cycles-backend", configurator: perf.StalledCyclesBackend},
	{Name: "cpu-clock", configurator: perf.CPUClock},
	{Name: "task-clock", configurator: perf.TaskClock},
	{Name: "page-faults", configurator: perf.PageFaults},
	{Name: "context-switches", configurator: perf.ContextSwitches},
	{Name: "cpu-migrations", configurator: perf.CPUMigrations},
	{Name: "minor-faults", configurator: perf.MinorPageFaults},
	{Name: "major-faults", configurator: perf.MajorPageFaults},
	{Name: "dummy", configurator: perf.Dummy},
	{Name: InprocessSamplerEvent, Type: typeInprocess},
}

func init() {
	for i := range eventTypes {
		et := &eventTypes[i]
		if et.configurator == nil {
			continue
		}
		var attr perf.Attr
		if err := et.configurator.Configure(&attr); err != nil {
			panic(fmt.Sprintf("configure %s: %v", et.Name, err))
		}
		et.Type = uint32(attr.Type)
		et.Config = attr.Config
	}
}

// FindEventType looks up an event by name. Names of the form raw-<hex> map to
// PERF_TYPE_RAW with the given config.
func FindEventType(name string) (*EventType, error) {
	for i := range eventTypes {
		if eventTypes[i].Name == name {
			et := eventTypes[i]
			return &et, nil
		}
	}
	if hex, ok := strings.CutPrefix(name, "raw-"); ok {
		config, err := strconv.ParseUint(hex, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
		}
		return &EventType{Name: name, Type: unix.PERF_TYPE_RAW, Config: config}, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownEvent, name)
}

// EventTypeAndModifier is an event type plus the privilege/precision
// modifiers parsed from its name suffix.
type EventTypeAndModifier struct {
	// Name is the full name as given by the user, including modifiers.
	Name string
	EventType
	Modifier string

	ExcludeUser       bool
	ExcludeKernel     bool
	ExcludeHypervisor bool
	ExcludeHost       bool
	ExcludeGuest      bool
	PreciseIP         uint8
}

// ParseEventType parses "name[:modifiers]". Supported modifiers are u (user
// only), k (kernel only), h (hypervisor only), G (guest only), H (host only)
// and p, repeated up to three times, for the precise_ip level.
func ParseEventType(name string) (*EventTypeAndModifier, error) {
	base, modifier, _ := strings.Cut(name, ":")
	et, err := FindEventType(base)
	if err != nil {
		return nil, err
	}
	em := &EventTypeAndModifier{Name: name, EventType: *et, Modifier: modifier}
	if modifier == "" {
		return em, nil
	}
	if et.IsInprocess() {
		return nil, fmt.Errorf("event %s does not accept modifiers", base)
	}

	var onlyUser, onlyKernel, onlyHV, onlyGuest, onlyHost bool
	for _, c := range modifier {
		switch c {
		case 'u':
			onlyUser = true
		case 'k':
			onlyKernel = true
		case 'h':
			onlyHV = true
		case 'G':
			onlyGuest = true
		case 'H':
			onlyHost = true
		case 'p':
			em.PreciseIP++
		default:
			return nil, fmt.Errorf("unknown event modifier %q in %s", c, name)
		}
	}
	if em.PreciseIP > 3 {
		return nil, fmt.Errorf("precise level too high in %s", name)
	}
	if onlyUser || onlyKernel || onlyHV {
		em.ExcludeUser = !onlyUser
		em.ExcludeKernel = !onlyKernel
		em.ExcludeHypervisor = !onlyHV
	}
	if onlyGuest || onlyHost {
		em.ExcludeGuest = !onlyGuest
		em.ExcludeHost = !onlyHost
	}
	return em, nil
}
