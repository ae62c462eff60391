// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package times holds the intervals of a recording session and converts
// sample timestamps to wall clock time.
package times // import "go.opentelemetry.io/perf-recorder/times"

import (
	"cmp"
	"context"
	"runtime"
	"slices"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/perf-recorder/periodiccaller"
)

const (
	// Number of timing samples to use when retrieving system boot time.
	sampleSize = 5

	// DefaultHotplugInterval is the period of the online CPU comparison.
	DefaultHotplugInterval = 500 * time.Millisecond
	// DefaultLivenessInterval is the period of the monitored target check.
	DefaultLivenessInterval = time.Second
	// DefaultMetricsInterval is the period metrics are reported at.
	DefaultMetricsInterval = time.Second
	// DefaultPollTimeout bounds a single wait for ring readiness.
	DefaultPollTimeout = 100 * time.Millisecond
)

// Compile time check for interface adherence
var _ Intervals = (*Times)(nil)

var (
	// Monotonic-to-unixtime delta that can be added to a monotonic (CLOCK_MONOTONIC)
	// timestamp to convert it to time-since-epoch.
	bootTimeUnixNano atomic.Int64
)

// Intervals documents the intervals and timeouts of a session.
type Intervals interface {
	// HotplugInterval is the period of the online CPU comparison. Zero
	// disables hotplug handling.
	HotplugInterval() time.Duration
	// LivenessInterval is the period of the check whether monitored
	// processes and threads still exist.
	LivenessInterval() time.Duration
	// MetricsInterval is the period of metric reporting.
	MetricsInterval() time.Duration
	// PollTimeout bounds a single wait for ring readiness.
	PollTimeout() time.Duration
	// Duration is the session length. Zero records until cancelled.
	Duration() time.Duration
}

// Times holds all intervals of a session in one place.
type Times struct {
	hotplugInterval  time.Duration
	livenessInterval time.Duration
	metricsInterval  time.Duration
	pollTimeout      time.Duration
	duration         time.Duration
}

func (t *Times) HotplugInterval() time.Duration { return t.hotplugInterval }

func (t *Times) LivenessInterval() time.Duration { return t.livenessInterval }

func (t *Times) MetricsInterval() time.Duration { return t.metricsInterval }

func (t *Times) PollTimeout() time.Duration { return t.pollTimeout }

func (t *Times) Duration() time.Duration { return t.duration }

// New returns the intervals of a session that lasts duration and checks for
// CPU hotplug every hotplugInterval.
func New(duration, hotplugInterval time.Duration) *Times {
	return &Times{
		hotplugInterval:  hotplugInterval,
		livenessInterval: DefaultLivenessInterval,
		metricsInterval:  DefaultMetricsInterval,
		pollTimeout:      DefaultPollTimeout,
		duration:         duration,
	}
}

// StartRealtimeSync calculates a delta between the monotonic clock
// (CLOCK_MONOTONIC, rebased to unixtime) and the realtime clock. If syncInterval is
// greater than zero, it also recalculates it periodically until ctx is done.
func StartRealtimeSync(ctx context.Context, syncInterval time.Duration) {
	bootTimeUnixNano.Store(getBootTimeUnixNano())

	if syncInterval > 0 {
		periodiccaller.Start(ctx, syncInterval, func() {
			bootTimeUnixNano.Store(getBootTimeUnixNano())
		})
	}
}

// getBootTimeUnixNano returns system boot time in nanoseconds since the
// epoch, temporarily locking the calling goroutine to its OS thread.
func getBootTimeUnixNano() int64 {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	type sample struct {
		t1    time.Time
		ktime int64
		t2    time.Time
	}
	samples := make([]sample, sampleSize)
	for i := range samples {
		// To avoid noise from scheduling / other delays, we perform a
		// series of measurements and pick the one with the lowest delta.
		samples[i].t1 = time.Now()
		samples[i].ktime = int64(GetKTime())
		samples[i].t2 = time.Now()
	}

	best := slices.MinFunc(samples, func(a, b sample) int {
		return cmp.Compare(a.t2.Sub(a.t1).Abs(), b.t2.Sub(b.t1).Abs())
	})
	return best.t1.UnixNano() - best.ktime
}
