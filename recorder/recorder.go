// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package recorder runs a recording session: it drains the rings of an
// event selection set in timestamp order, unwinds dwarf samples inline or
// after recording, optionally joins their call chains and writes the
// resulting records to a spool stream.
package recorder // import "go.opentelemetry.io/perf-recorder/recorder"

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/perf-recorder/callchainjoiner"
	"go.opentelemetry.io/perf-recorder/eventselection"
	"go.opentelemetry.io/perf-recorder/libpf"
	"go.opentelemetry.io/perf-recorder/perfevent"
	"go.opentelemetry.io/perf-recorder/periodiccaller"
	"go.opentelemetry.io/perf-recorder/spool"
	"go.opentelemetry.io/perf-recorder/threadtree"
	"go.opentelemetry.io/perf-recorder/unwinder"
)

// Recorder runs one session. It is not reusable.
type Recorder struct {
	cfg Config
	out io.Writer

	setOpts        eventselection.Options
	primitive      unwinder.Primitive
	archives       unwinder.ArchiveResolver
	arch           unwinder.Arch
	hotplugTrigger <-chan struct{}
	startHook      func(*eventselection.Set)

	set   *eventselection.Set
	attrs []*perfevent.Attr

	// stage is the unwinding state records are fed through while recording.
	stage  *unwindStage
	joiner *callchainjoiner.Joiner

	counters counters
}

// New returns a recorder writing the records of the session to out as a
// spool stream.
func New(cfg Config, out io.Writer, opts ...Option) (*Recorder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	r := &Recorder{
		cfg:  cfg,
		out:  out,
		arch: unwinder.HostArch(),
	}
	for _, opt := range opts {
		r = opt.applyOption(r)
	}
	if r.setOpts.PollTimeout == 0 {
		r.setOpts.PollTimeout = cfg.Intervals.PollTimeout()
	}
	if r.archives == nil {
		r.archives = unwinder.NewZipResolver()
	}
	return r, nil
}

// Run records until ctx is done, the configured duration elapsed or all
// monitored targets exited, then post-processes the records and returns the
// session summary.
func (r *Recorder) Run(ctx context.Context) (*Summary, error) {
	sum := &Summary{SessionID: uuid.New(), Start: time.Now()}

	if err := r.setup(); err != nil {
		return nil, err
	}
	defer func() {
		if err := r.set.Close(); err != nil {
			log.Warnf("Failed to close event files: %v", err)
		}
	}()

	out, err := spool.NewWriter(r.out)
	if err != nil {
		return nil, fmt.Errorf("failed to create output stream: %w", err)
	}
	outClosed := false
	defer func() {
		if !outClosed {
			_ = out.Close()
		}
	}()

	sink := out
	var pending *os.File
	if r.cfg.PostUnwind || r.cfg.JoinCallChains {
		if pending, err = os.CreateTemp(r.cfg.TempDir, "perf-recorder-spool-*"); err != nil {
			return nil, fmt.Errorf("failed to create spool file: %w", err)
		}
		defer removeTemp(pending)
		if sink, err = spool.NewWriter(pending); err != nil {
			return nil, err
		}
	}
	if r.cfg.JoinCallChains {
		r.joiner, err = callchainjoiner.New(callchainjoiner.Options{
			Dir:              r.cfg.TempDir,
			CacheSize:        r.cfg.JoinCacheSize,
			MinMatchingNodes: r.cfg.JoinMinMatchingNodes,
			MaxChainLength:   MaxFramesLimit,
		})
		if err != nil {
			return nil, err
		}
		defer r.joiner.Close()
	}
	if r.cfg.dwarf() && !r.cfg.PostUnwind {
		if r.stage, err = r.newUnwindStage(); err != nil {
			return nil, err
		}
	}

	if r.startHook != nil {
		r.startHook(r.set)
	}
	if err = r.record(ctx, sink); err != nil {
		return nil, err
	}
	sum.Duration = time.Since(sum.Start)

	if pending != nil {
		if err = sink.Close(); err != nil {
			return nil, fmt.Errorf("failed to flush spool file: %w", err)
		}
		if err = r.postProcess(pending, out); err != nil {
			return nil, err
		}
	}
	outClosed = true
	if err = out.Close(); err != nil {
		return nil, fmt.Errorf("failed to flush output: %w", err)
	}

	r.fillSummary(sum, out.Count())
	r.reportSummary(sum)
	sum.Log()
	return sum, nil
}

// setup builds, opens and enables the event selection set.
func (r *Recorder) setup() error {
	cfg := &r.cfg
	set := eventselection.NewSet(r.setOpts)
	for _, g := range cfg.EventGroups {
		if _, err := set.AddEventGroup(g); err != nil {
			return err
		}
	}
	if err := set.EnableCallChainSampling(cfg.CallChain); err != nil {
		return err
	}
	if err := set.SetSampleSpeed(cfg.SampleSpeed); err != nil {
		return err
	}
	if cfg.Inherit {
		if err := set.SetInherit(true); err != nil {
			return err
		}
	}
	if cfg.ClockID != NoClockID {
		if err := set.SetClockID(cfg.ClockID); err != nil {
			return err
		}
	}
	set.SetSystemWide(cfg.SystemWide)
	set.AddMonitoredProcesses(cfg.Pids...)
	set.AddMonitoredThreads(cfg.Tids...)

	if err := set.OpenEventFiles(cfg.CPUs); err != nil {
		_ = set.Close()
		return err
	}
	if err := set.MmapEventFiles(cfg.MmapMinPages, cfg.MmapMaxPages); err != nil {
		_ = set.Close()
		return err
	}
	if interval := cfg.Intervals.HotplugInterval(); interval > 0 {
		if err := set.HandleCpuHotplugEvents(cfg.CPUs, interval); err != nil {
			_ = set.Close()
			return err
		}
	}
	if err := set.EnableEvents(); err != nil {
		_ = set.Close()
		return err
	}
	r.set = set
	for _, sel := range set.Selections() {
		r.attrs = append(r.attrs, sel.Attr)
	}
	log.Infof("Recording %d events with call graph %v", len(r.attrs), cfg.CallChain.Mode)
	return nil
}

// record runs the event loop with sink receiving every record.
func (r *Recorder) record(ctx context.Context, sink *spool.Writer) error {
	if d := r.cfg.Intervals.Duration(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	stopMetrics := periodiccaller.Start(ctx, r.cfg.Intervals.MetricsInterval(),
		r.counters.report)
	defer stopMetrics()

	err := r.set.Run(ctx, func(ev *eventselection.Event) error {
		return r.handleEvent(ev, sink)
	}, eventselection.RunOptions{
		HotplugTrigger:   r.hotplugTrigger,
		LivenessInterval: r.cfg.Intervals.LivenessInterval(),
	})
	if err != nil {
		return fmt.Errorf("record loop failed: %w", err)
	}
	if err := r.set.DisableEvents(); err != nil {
		log.Warnf("Failed to disable events: %v", err)
	}
	return nil
}

// attr returns the attribute records of attrIndex decode with. Records not
// tied to a selection decode with the first one, since all attributes share
// the union of sample fields.
func (r *Recorder) attr(attrIndex int) *perfevent.Attr {
	if attrIndex >= 0 && attrIndex < len(r.attrs) {
		return r.attrs[attrIndex]
	}
	return r.attrs[0]
}

// newUnwindStage returns a fresh thread tree and unwinder.
func (r *Recorder) newUnwindStage() (*unwindStage, error) {
	tree := threadtree.New()
	maps := &seedingMaps{tree: tree, tried: libpf.Set[libpf.PID]{}, seed: r.cfg.SeedProcMaps}
	for _, pid := range r.cfg.Pids {
		maps.trySeed(libpf.PID(pid))
	}
	unw, err := unwinder.New(unwinder.Options{
		Maps:         maps,
		Primitive:    r.primitive,
		Archives:     r.archives,
		MaxFrames:    r.cfg.MaxFrames,
		CollectStats: r.cfg.UnwindStats,
	})
	if err != nil {
		return nil, err
	}
	return &unwindStage{tree: tree, unwinder: unw, arch: r.arch, stats: r.cfg.UnwindStats}, nil
}

func removeTemp(f *os.File) {
	_ = f.Close()
	if err := os.Remove(f.Name()); err != nil {
		log.Warnf("Failed to remove %s: %v", f.Name(), err)
	}
}

// Progress returns the records, samples and lost samples read so far. It
// can be called while Run is in progress.
func (r *Recorder) Progress() (records, samples, lost uint64) {
	return r.counters.records.Load(), r.counters.samples.Load(), r.counters.lost.Load()
}
