//go:build linux

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package rlimit raises the locked memory limit the perf rings are charged
// against.
package rlimit // import "go.opentelemetry.io/perf-recorder/rlimit"

import (
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// RaiseMemlock makes room for ringBytes of perf ring pages in RLIMIT_MEMLOCK.
// The kernel charges pages beyond perf_event_mlock_kb to this limit. The
// soft limit only ever grows. Without CAP_SYS_RESOURCE the hard limit cannot
// move, and the soft limit is raised as far as it allows.
// The returned function puts the previous limit back.
func RaiseMemlock(ringBytes uint64) (func(), error) {
	var cur unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &cur); err != nil {
		return nil, fmt.Errorf("reading memlock limit: %w", err)
	}
	want, ok := memlockTarget(cur, ringBytes)
	if !ok {
		return func() {}, nil
	}

	err := unix.Setrlimit(unix.RLIMIT_MEMLOCK, &want)
	if errors.Is(err, unix.EPERM) && want.Max != cur.Max {
		want = unix.Rlimit{Cur: cur.Max, Max: cur.Max}
		log.Warnf("Memlock hard limit of %d bytes is below the %d ring bytes, "+
			"large rings may fall back to fewer pages", cur.Max, ringBytes)
		err = unix.Setrlimit(unix.RLIMIT_MEMLOCK, &want)
	}
	if err != nil {
		return nil, fmt.Errorf("raising memlock limit to %d bytes: %w", want.Cur, err)
	}
	log.Debugf("Memlock limit raised from %d to %d bytes", cur.Cur, want.Cur)

	return func() {
		if err := unix.Setrlimit(unix.RLIMIT_MEMLOCK, &cur); err != nil {
			log.Errorf("Failed to restore memlock limit of %d bytes: %v", cur.Cur, err)
		}
	}, nil
}

// memlockTarget returns the limit that fits ringBytes on top of cur, and
// false if cur already fits them.
func memlockTarget(cur unix.Rlimit, ringBytes uint64) (unix.Rlimit, bool) {
	if cur.Cur == unix.RLIM_INFINITY || cur.Cur >= ringBytes {
		return cur, false
	}
	want := unix.Rlimit{Cur: ringBytes, Max: cur.Max}
	if cur.Max != unix.RLIM_INFINITY && cur.Max < ringBytes {
		want.Max = ringBytes
	}
	return want, true
}
