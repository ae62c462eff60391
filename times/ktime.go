// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package times // import "go.opentelemetry.io/perf-recorder/times"

import (
	"time"

	"golang.org/x/sys/unix"
)

// KTime stores a CLOCK_MONOTONIC value in nanoseconds, the clock sample
// timestamps use when the session selects the monotonic clock.
type KTime int64

// GetKTime returns the current CLOCK_MONOTONIC time.
func GetKTime() KTime {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		return 0
	}
	return KTime(ts.Nano())
}

// Time converts the kernel timestamp into a Go time object.
func (t KTime) Time() time.Time {
	return time.Unix(0, t.UnixNano())
}

// UnixNano converts the kernel timestamp to nanoseconds since the epoch.
func (t KTime) UnixNano() int64 {
	return int64(t) + bootTimeUnixNano.Load()
}
