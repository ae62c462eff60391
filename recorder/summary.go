// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package recorder // import "go.opentelemetry.io/perf-recorder/recorder"

import (
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/perf-recorder/callchainjoiner"
	"go.opentelemetry.io/perf-recorder/metrics"
	"go.opentelemetry.io/perf-recorder/times"
	"go.opentelemetry.io/perf-recorder/unwinder"
)

// Summary describes a finished session.
type Summary struct {
	SessionID uuid.UUID
	Start     time.Time
	// Duration covers the record loop, without post-processing.
	Duration time.Duration

	// Records counts the records read from the rings.
	Records     uint64
	Samples     uint64
	LostSamples uint64
	// Written counts the records of the output stream.
	Written uint64

	// FirstSample and LastSample are the wall clock times of the first and
	// last sample. They are only set for sessions on the monotonic clock,
	// converted with the boot time kept by times.StartRealtimeSync.
	FirstSample time.Time
	LastSample  time.Time

	Unwind unwinder.Stats
	Join   callchainjoiner.Stat

	HotplugOnline  uint64
	HotplugOffline uint64
}

func (r *Recorder) fillSummary(sum *Summary, written uint64) {
	sum.Records = r.counters.records.Load()
	sum.Samples = r.counters.samples.Load()
	sum.LostSamples = r.counters.lost.Load()
	sum.Written = written
	if r.cfg.ClockID == unix.CLOCK_MONOTONIC {
		if first := r.counters.firstTime.Load(); first != 0 {
			sum.FirstSample = times.KTime(first).Time()
			sum.LastSample = times.KTime(r.counters.lastTime.Load()).Time()
		}
	}
	if r.stage != nil {
		sum.Unwind = r.stage.unwinder.Stats()
	}
	if r.joiner != nil {
		sum.Join = r.joiner.Stat()
	}
	if hs := r.set.HotplugState(); hs != nil {
		sum.HotplugOnline = hs.OnlineEvents
		sum.HotplugOffline = hs.OfflineEvents
	}
}

var stopReasonIDs = map[unwinder.StopReason]metrics.MetricID{
	unwinder.StopReasonMaxFramesExceeded:             metrics.IDUnwindStopMaxFrames,
	unwinder.StopReasonAccessRegFailed:               metrics.IDUnwindStopAccessReg,
	unwinder.StopReasonAccessStackFailed:             metrics.IDUnwindStopAccessStack,
	unwinder.StopReasonAccessMemFailed:               metrics.IDUnwindStopAccessMem,
	unwinder.StopReasonFindProcInfoFailed:            metrics.IDUnwindStopFindProcInfo,
	unwinder.StopReasonExecuteDwarfInstructionFailed: metrics.IDUnwindStopDwarfStep,
	unwinder.StopReasonMapMissing:                    metrics.IDUnwindStopMapMissing,
}

// reportSummary sends the counters that are only known at the end of the
// session together with the remaining record counter deltas.
func (r *Recorder) reportSummary(sum *Summary) {
	r.counters.report()
	s := metrics.Summary{
		metrics.IDUnwindAttempts:     metrics.MetricValue(sum.Unwind.Attempts),
		metrics.IDUnwindFailures:     metrics.MetricValue(sum.Unwind.Failures),
		metrics.IDUnwindFrames:       metrics.MetricValue(sum.Unwind.Frames),
		metrics.IDUnwindMapRebuilds:  metrics.MetricValue(sum.Unwind.MapRebuilds),
		metrics.IDJoinExtendedChains: metrics.MetricValue(sum.Join.ExtendedChainCount),
		metrics.IDHotplugOnline:      metrics.MetricValue(sum.HotplugOnline),
		metrics.IDHotplugOffline:     metrics.MetricValue(sum.HotplugOffline),
	}
	for reason, id := range stopReasonIDs {
		s[id] = metrics.MetricValue(sum.Unwind.Reasons[reason])
	}
	metrics.AddSlice(s.Slice())
	metrics.Flush()
}

// Log writes the summary to the log.
func (s *Summary) Log() {
	log.WithFields(log.Fields{
		"session":  s.SessionID,
		"duration": s.Duration.Round(time.Millisecond),
	}).Infof("Recorded %d records, %d samples, %d lost samples, wrote %d records",
		s.Records, s.Samples, s.LostSamples, s.Written)
	if !s.FirstSample.IsZero() {
		log.Infof("Samples span %s to %s",
			s.FirstSample.Format(time.RFC3339Nano), s.LastSample.Format(time.RFC3339Nano))
	}
	if s.HotplugOnline+s.HotplugOffline > 0 {
		log.Infof("CPUs went online %d times and offline %d times",
			s.HotplugOnline, s.HotplugOffline)
	}
	if u := s.Unwind; u.Attempts+u.Failures > 0 {
		log.Infof("Unwound %d samples into %d frames in %v, %d failed, %d map rebuilds",
			u.Attempts, u.Frames, u.UsedTime, u.Failures, u.MapRebuilds)
		for _, reason := range unwinder.StopReasons() {
			if n := u.Reasons[reason]; n > 0 {
				log.Infof("  stop reason %v: %d", reason, n)
			}
		}
	}
	if j := s.Join; j.ChainCount > 0 {
		log.Infof("Joined call chains: %d chains, %d extended, %d deduplicated, "+
			"nodes %d before and %d after joining, max length %d",
			j.ChainCount, j.ExtendedChainCount, j.DedupedChains,
			j.BeforeJoinNodeCount, j.AfterJoinNodeCount, j.MaxChainLength)
	}
}
