// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package selfmetrics reports the resource usage of the recorder process.
package selfmetrics // import "go.opentelemetry.io/perf-recorder/metrics/selfmetrics"

import (
	"context"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/perf-recorder/metrics"
	"go.opentelemetry.io/perf-recorder/periodiccaller"
)

// cpuTimes holds the rusage times seen by the previous collection.
type cpuTimes struct {
	utime unix.Timeval
	stime unix.Timeval
}

// timeDelta returns now-prev in milliseconds.
func timeDelta(now, prev unix.Timeval) int64 {
	secDelta := (now.Sec - prev.Sec) * 1000
	usecDelta := (now.Usec - prev.Usec) / 1000
	return int64(secDelta + usecDelta)
}

func (c *cpuTimes) collect() []metrics.Metric {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)

	out := []metrics.Metric{
		{ID: metrics.IDRecorderGoRoutines, Value: metrics.MetricValue(runtime.NumGoroutine())},
		{ID: metrics.IDRecorderHeapAlloc, Value: metrics.MetricValue(stats.HeapAlloc)},
	}

	var rusage unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &rusage); err != nil {
		log.Errorf("Failed to fetch rusage: %v", err)
		return out
	}
	out = append(out,
		metrics.Metric{ID: metrics.IDRecorderUTime,
			Value: metrics.MetricValue(timeDelta(rusage.Utime, c.utime))},
		metrics.Metric{ID: metrics.IDRecorderSTime,
			Value: metrics.MetricValue(timeDelta(rusage.Stime, c.stime))})
	c.utime = rusage.Utime
	c.stime = rusage.Stime
	return out
}

// Start reports the process metrics every interval until ctx is done or the
// returned function is called.
func Start(ctx context.Context, interval time.Duration) (func(), error) {
	var rusage unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &rusage); err != nil {
		return func() {}, err
	}
	prev := cpuTimes{utime: rusage.Utime, stime: rusage.Stime}

	ctx, cancel := context.WithCancel(ctx)
	stop := periodiccaller.Start(ctx, interval, func() {
		metrics.AddSlice(prev.collect())
	})
	return func() {
		cancel()
		stop()
	}, nil
}
