//go:build !linux

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package rlimit // import "go.opentelemetry.io/perf-recorder/rlimit"

import (
	"fmt"
	"runtime"
)

// RaiseMemlock always fails outside of Linux, where there are no perf rings.
func RaiseMemlock(uint64) (func(), error) {
	return nil, fmt.Errorf("unsupported os %s", runtime.GOOS)
}
