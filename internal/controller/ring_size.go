// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/perf-recorder/internal/controller"

import (
	"fmt"
	"math/bits"
	"os"

	"github.com/tklauser/numcpus"
)

const (
	ringMinPages = 16
	ringMaxPages = 1024
	// ringBudget bounds the memory of all rings together.
	ringBudget = 512 * MiB
	// ringSeconds is how long a ring must absorb samples without a drain.
	ringSeconds = 1
	// baseRecordSize approximates a sample without stack dump.
	baseRecordSize = 128
)

// DefaultMmapPages sizes the per CPU rings.
//
// A ring must hold the samples of ringSeconds at the given frequency, each of
// which carries a stack dump of stackSize bytes in dwarf mode. Rings are
// allocated per present CPU, so on large machines the size is reduced until
// all rings fit into ringBudget. The result is a power of two.
func DefaultMmapPages(freq uint64, stackSize uint32) (uint, error) {
	presentCores, err := numcpus.GetPresent()
	if err != nil {
		return 0, fmt.Errorf("failed to read CPU file: %w", err)
	}
	return mmapPages(freq, stackSize, presentCores, os.Getpagesize()), nil
}

func mmapPages(freq uint64, stackSize uint32, presentCores, pageSize int) uint {
	want := freq * ringSeconds * (baseRecordSize + uint64(stackSize))
	pages := nextPowerOfTwo(max(want/uint64(pageSize), ringMinPages))
	pages = min(pages, ringMaxPages)
	for pages > ringMinPages && pages*uint64(pageSize)*uint64(max(presentCores, 1)) > ringBudget {
		pages /= 2
	}
	return uint(pages)
}

func nextPowerOfTwo(v uint64) uint64 {
	if v <= 1 {
		return 1
	}
	return 1 << bits.Len64(v-1)
}
