// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package unwinder turns the user registers and stack bytes dumped with a
// sample into a call chain, after the sample was read from the ring.
package unwinder // import "go.opentelemetry.io/perf-recorder/unwinder"

import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/perf-recorder/libpf"
	"go.opentelemetry.io/perf-recorder/libpf/freelru"
)

var (
	// ErrNoStackPointer is returned for samples without a stack pointer.
	ErrNoStackPointer = errors.New("no stack pointer register")
	// ErrNoMaps is returned when the maps of the process are unknown.
	ErrNoMaps = errors.New("no maps for process")
	// ErrUnsupportedArch is returned for registers of an unknown layout.
	ErrUnsupportedArch = errors.New("unsupported register layout")
)

const (
	defaultMaxFrames = 512
	defaultCacheSize = 1024
)

// Thread identifies the sampled thread.
type Thread struct {
	Pid libpf.PID
	Tid libpf.PID
}

// Options configures an Unwinder.
type Options struct {
	Maps MapProvider
	// Primitive defaults to a DeltaPrimitive without delta source, which
	// follows frame pointers.
	Primitive Primitive
	// Archives resolves libraries mapped from inside archives. Nil keeps
	// such paths unchanged.
	Archives  ArchiveResolver
	MaxFrames int
	// CacheSize bounds the number of cached process map snapshots.
	CacheSize uint32
	// CollectStats enables timing and stop reason bookkeeping.
	CollectStats bool
}

// Unwinder unwinds samples one at a time. It is not safe for concurrent use.
type Unwinder struct {
	maps      MapProvider
	primitive Primitive
	archives  ArchiveResolver
	maxFrames int
	collect   bool

	cache *freelru.LRU[libpf.PID, *MapSnapshot]

	last  UnwindingResult
	stats Stats
}

// New returns an Unwinder.
func New(opts Options) (*Unwinder, error) {
	if opts.Maps == nil {
		return nil, errors.New("unwinder needs a map provider")
	}
	if opts.Primitive == nil {
		opts.Primitive = DeltaPrimitive{}
	}
	if opts.MaxFrames <= 0 {
		opts.MaxFrames = defaultMaxFrames
	}
	if opts.CacheSize == 0 {
		opts.CacheSize = defaultCacheSize
	}
	cache, err := freelru.New[libpf.PID, *MapSnapshot](opts.CacheSize, libpf.PID.Hash32)
	if err != nil {
		return nil, fmt.Errorf("failed to create map cache: %w", err)
	}
	return &Unwinder{
		maps:      opts.Maps,
		primitive: opts.Primitive,
		archives:  opts.Archives,
		maxFrames: opts.MaxFrames,
		collect:   opts.CollectStats,
		cache:     cache,
	}, nil
}

// snapshot returns the map snapshot of pid, rebuilding it only when the
// provider's version moved past the cached one.
func (u *Unwinder) snapshot(pid libpf.PID) (*MapSnapshot, error) {
	version, maps, ok := u.maps.Maps(pid)
	if !ok {
		return nil, ErrNoMaps
	}
	if snap, ok := u.cache.Get(pid); ok && snap.Version >= version {
		u.stats.MapCacheHits++
		return snap, nil
	}
	snap := buildSnapshot(version, maps, u.archives)
	u.cache.Add(pid, snap)
	u.stats.MapRebuilds++
	log.Debugf("Rebuilt %d maps of pid %d at version %d", len(snap.Entries), pid, version)
	return snap, nil
}

// UnwindCallChain unwinds one sample of thread. It returns the instruction
// and stack pointers of every frame, innermost first. The first instruction
// pointer is always the sampled one. Chains cut short by the stack dump or
// missing unwind information are valid results; the reason is kept in
// LastResult and Stats.
func (u *Unwinder) UnwindCallChain(thread Thread, regs RegSet, stack []byte) (
	ips, sps []uint64, err error) {
	var start time.Time
	if u.collect {
		start = time.Now()
	}
	sp, ok := regs.SP()
	if !ok {
		u.stats.Failures++
		return nil, nil, ErrNoStackPointer
	}
	snap, err := u.snapshot(thread.Pid)
	if err != nil {
		u.stats.Failures++
		return nil, nil, fmt.Errorf("pid %d: %w", thread.Pid, err)
	}
	bank, ok := ConvertRegs(&regs)
	if !ok {
		u.stats.Failures++
		return nil, nil, fmt.Errorf("%w: %v", ErrUnsupportedArch, regs.Arch)
	}

	mem := &StackMemory{Start: sp, Data: stack}
	tr := u.primitive.Unwind(bank, snap, mem, u.maxFrames)

	ips = make([]uint64, 0, len(tr.Frames)+1)
	sps = make([]uint64, 0, len(tr.Frames)+1)
	for _, f := range tr.Frames {
		if f.PC == 0 {
			break
		}
		ips = append(ips, f.PC)
		sps = append(sps, f.SP)
	}
	if ip, ok := regs.IP(); ok && (len(ips) == 0 || ips[0] != ip) {
		ips = append([]uint64{ip}, ips...)
		sps = append([]uint64{sp}, sps...)
	}

	if u.collect {
		u.last = UnwindingResult{
			UsedTime:   time.Since(start),
			StopReason: tr.Reason,
			FaultAddr:  tr.FaultAddr,
			StackStart: mem.Start,
			StackEnd:   mem.End(),
		}
		u.stats.add(u.last, len(ips))
	} else {
		u.stats.Attempts++
		u.stats.Frames += uint64(len(ips))
	}
	return ips, sps, nil
}

// LastResult returns the statistics of the last successful call. It is only
// filled when statistics are enabled.
func (u *Unwinder) LastResult() UnwindingResult {
	return u.last
}

// Stats returns the aggregated statistics.
func (u *Unwinder) Stats() Stats {
	return u.stats
}
