// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package recorder // import "go.opentelemetry.io/perf-recorder/recorder"

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/perf-recorder/callchainjoiner"
	"go.opentelemetry.io/perf-recorder/eventselection"
	"go.opentelemetry.io/perf-recorder/libpf"
	"go.opentelemetry.io/perf-recorder/metrics"
	"go.opentelemetry.io/perf-recorder/perfevent"
	"go.opentelemetry.io/perf-recorder/process"
	"go.opentelemetry.io/perf-recorder/record"
	"go.opentelemetry.io/perf-recorder/spool"
	"go.opentelemetry.io/perf-recorder/threadtree"
	"go.opentelemetry.io/perf-recorder/unwinder"
)

// errChainMismatch is returned when the join replay and the spooled samples
// disagree on the thread of a chain.
var errChainMismatch = errors.New("joined call chain does not match sample")

// counters are updated from the record loop and read by the metrics
// reporter.
type counters struct {
	records atomic.Uint64
	samples atomic.Uint64
	lost    atomic.Uint64

	// Timestamps of the first and last sample, zero until one was seen.
	firstTime atomic.Uint64
	lastTime  atomic.Uint64

	reported [3]uint64
}

// report sends the deltas since the previous call.
func (c *counters) report() {
	cur := [3]uint64{c.records.Load(), c.samples.Load(), c.lost.Load()}
	ids := [3]metrics.MetricID{metrics.IDRecordsRead, metrics.IDSamplesRead,
		metrics.IDLostSamples}
	batch := make([]metrics.Metric, 0, len(ids))
	for i, id := range ids {
		if d := cur[i] - c.reported[i]; d > 0 {
			batch = append(batch, metrics.Metric{ID: id, Value: metrics.MetricValue(d)})
		}
	}
	c.reported = cur
	metrics.AddSlice(batch)
}

func (c *counters) count(rec record.Record) {
	c.records.Add(1)
	switch r := rec.(type) {
	case *record.SampleRecord:
		c.samples.Add(1)
		if r.Time != 0 {
			c.firstTime.CompareAndSwap(0, r.Time)
			c.lastTime.Store(r.Time)
		}
	case *record.LostRecord:
		c.lost.Add(r.Lost)
	case *record.LostSamplesRecord:
		c.lost.Add(r.Lost)
	}
}

// seedingMaps serves maps from the thread tree and falls back to
// /proc/PID/maps once per process when the tree knows nothing about it.
type seedingMaps struct {
	tree  *threadtree.Tree
	tried libpf.Set[libpf.PID]
	seed  bool
}

func (m *seedingMaps) Maps(pid libpf.PID) (uint64, []process.Mapping, bool) {
	if version, maps, ok := m.tree.Maps(pid); ok {
		return version, maps, true
	}
	if !m.trySeed(pid) {
		return 0, nil, false
	}
	return m.tree.Maps(pid)
}

func (m *seedingMaps) trySeed(pid libpf.PID) bool {
	if !m.seed || m.tried.Contains(pid) {
		return false
	}
	m.tried[pid] = libpf.Void{}
	if err := m.tree.SeedFromProc(pid); err != nil {
		log.Debugf("Failed to seed maps: %v", err)
		return false
	}
	return true
}

// unwindStage is a thread tree fed with metadata records and the unwinder
// reading it.
type unwindStage struct {
	tree     *threadtree.Tree
	unwinder *unwinder.Unwinder
	arch     unwinder.Arch
	stats    bool
}

// unwind returns the user call chain of s. It returns false for samples
// that carry no user registers or could not be unwound.
func (st *unwindStage) unwind(s *record.SampleRecord) (ips, sps []uint64, ok bool) {
	if s.RegsABI == 0 || len(s.Regs) == 0 {
		return nil, nil, false
	}
	regs := unwinder.RegSetFromSample(st.arch, s)
	thread := unwinder.Thread{Pid: libpf.PID(s.Pid), Tid: libpf.PID(s.Tid)}
	ips, sps, err := st.unwinder.UnwindCallChain(thread, regs, s.Stack)
	if err != nil {
		log.Debugf("Failed to unwind sample of tid %d at %d: %v", s.Tid, s.Time, err)
		return nil, nil, false
	}
	if st.stats {
		res := st.unwinder.LastResult()
		log.Debugf("Unwound %d frames of tid %d in %v, stop reason %v, stack [%#x, %#x)",
			len(ips), s.Tid, res.UsedTime, res.StopReason, res.StackStart, res.StackEnd)
	}
	return ips, sps, true
}

// handleEvent is the record loop handler.
func (r *Recorder) handleEvent(ev *eventselection.Event, sink *spool.Writer) error {
	r.counters.count(ev.Record)
	s, isSample := ev.Record.(*record.SampleRecord)
	if !isSample {
		if r.stage != nil {
			r.stage.tree.Update(ev.Record)
		}
		return sink.Write(ev.AttrIndex, 0, ev.Data)
	}
	switch {
	case !r.cfg.dwarf():
		return sink.Write(ev.AttrIndex, 0, ev.Data)
	case r.cfg.PostUnwind:
		return sink.Write(ev.AttrIndex, spool.FlagUnwindPending, ev.Data)
	}
	return r.unwindSample(r.stage, sink, ev.AttrIndex, r.eventAttr(ev), s, ev.Data)
}

func (r *Recorder) eventAttr(ev *eventselection.Event) *perfevent.Attr {
	if ev.Attr != nil {
		return ev.Attr
	}
	return r.attr(ev.AttrIndex)
}

// unwindSample replaces the registers and stack of s by its unwound chain
// and writes it to dst. Samples that cannot be unwound are kept unchanged.
func (r *Recorder) unwindSample(st *unwindStage, dst *spool.Writer, attrIndex int,
	attr *perfevent.Attr, s *record.SampleRecord, data []byte) error {
	ips, sps, ok := st.unwind(s)
	if !ok {
		return dst.Write(attrIndex, 0, data)
	}
	s.ReplaceRegAndStackWithCallChain(ips)
	dropped, fits := s.TrimToFit(attr)
	if !fits {
		log.Debugf("Unwound chain of tid %d at %d does not fit a record", s.Tid, s.Time)
		return dst.Write(attrIndex, 0, data)
	}
	if dropped > 0 {
		ips = s.UserCallChain()
		sps = sps[:len(ips)]
	}
	encoded, err := record.Encode(s, attr)
	if err != nil {
		return err
	}
	var flags uint32
	if r.joiner != nil && len(ips) > 0 {
		if err := r.joiner.AddCallChain(s.Pid, s.Tid, callchainjoiner.KindOriginal,
			ips, sps); err != nil {
			return fmt.Errorf("failed to add call chain: %w", err)
		}
		flags = spool.FlagJoinPending
	}
	return dst.Write(attrIndex, flags, encoded)
}

// replay decodes every entry of the spool file f and passes it to fn.
func (r *Recorder) replay(f *os.File, fn func(spool.Entry, record.Record) error) error {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	rd, err := spool.NewReader(f)
	if err != nil {
		return err
	}
	defer rd.Close()
	for {
		e, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", f.Name(), err)
		}
		rec, err := record.Decode(r.attr(e.AttrIndex), e.Data)
		if err != nil {
			return fmt.Errorf("failed to decode spooled record: %w", err)
		}
		if err := fn(e, rec); err != nil {
			return err
		}
	}
}

// postProcess runs the deferred unwinding and the join pass over the
// records spooled to pending and writes the result to out.
func (r *Recorder) postProcess(pending *os.File, out *spool.Writer) error {
	src := pending
	if r.cfg.PostUnwind {
		dst := out
		var next *os.File
		if r.joiner != nil {
			var err error
			if next, err = os.CreateTemp(r.cfg.TempDir, "perf-recorder-spool-*"); err != nil {
				return fmt.Errorf("failed to create spool file: %w", err)
			}
			defer removeTemp(next)
			if dst, err = spool.NewWriter(next); err != nil {
				return err
			}
		}
		if err := r.unwindPass(src, dst); err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		if err := dst.Close(); err != nil {
			return fmt.Errorf("failed to flush spool file: %w", err)
		}
		src = next
	}
	if r.joiner == nil {
		return nil
	}
	return r.joinPass(src, out)
}

// unwindPass unwinds the samples spooled while recording. The thread tree
// is rebuilt from the spooled metadata, so every sample sees the maps that
// were current when it was taken.
func (r *Recorder) unwindPass(src *os.File, dst *spool.Writer) error {
	st, err := r.newUnwindStage()
	if err != nil {
		return err
	}
	r.stage = st
	log.Debugf("Unwinding samples of %s", src.Name())
	return r.replay(src, func(e spool.Entry, rec record.Record) error {
		s, ok := rec.(*record.SampleRecord)
		if !ok || e.Flags&spool.FlagUnwindPending == 0 {
			st.tree.Update(rec)
			return dst.Write(e.AttrIndex, 0, e.Data)
		}
		return r.unwindSample(st, dst, e.AttrIndex, r.attr(e.AttrIndex), s, e.Data)
	})
}

// joinPass joins all collected chains and puts them back into their samples
// in arrival order.
func (r *Recorder) joinPass(src *os.File, dst *spool.Writer) error {
	if err := r.joiner.JoinCallChains(); err != nil {
		return fmt.Errorf("failed to join call chains: %w", err)
	}
	return r.replay(src, func(e spool.Entry, rec record.Record) error {
		s, ok := rec.(*record.SampleRecord)
		if !ok || e.Flags&spool.FlagJoinPending == 0 {
			return dst.Write(e.AttrIndex, 0, e.Data)
		}
		chain, err := r.joiner.GetNextCallChain()
		if err != nil {
			return fmt.Errorf("failed to get joined call chain: %w", err)
		}
		if chain.Pid != s.Pid || chain.Tid != s.Tid {
			return fmt.Errorf("%w: chain of %d/%d, sample of %d/%d", errChainMismatch,
				chain.Pid, chain.Tid, s.Pid, s.Tid)
		}
		attr := r.attr(e.AttrIndex)
		s.ReplaceUserCallChain(chain.IPs)
		if dropped, _ := s.TrimToFit(attr); dropped > 0 {
			log.Debugf("Dropped %d outermost frames of the joined chain of tid %d",
				dropped, s.Tid)
		}
		data, err := record.Encode(s, attr)
		if err != nil {
			return err
		}
		return dst.Write(e.AttrIndex, 0, data)
	})
}
