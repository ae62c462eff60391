// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package freelru

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/perf-recorder/libpf"
)

func TestStatistics(t *testing.T) {
	cache, err := New[libpf.PID, string](2, libpf.PID.Hash32)
	require.NoError(t, err)

	cache.Add(1, "one")
	cache.Add(2, "two")
	_, ok := cache.Get(1)
	assert.True(t, ok)
	_, ok = cache.Get(3)
	assert.False(t, ok)
	cache.Add(3, "three")

	stats := cache.GetAndResetStatistics()
	assert.Equal(t, Statistics{Hit: 1, Miss: 1, Added: 3, Evicted: 1}, stats)
	assert.Equal(t, Statistics{}, cache.GetAndResetStatistics())
	assert.Equal(t, 2, cache.Len())
}
