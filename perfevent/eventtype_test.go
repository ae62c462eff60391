// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package perfevent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestParseEventType(t *testing.T) {
	tests := map[string]struct {
		name     string
		expected EventTypeAndModifier
		err      bool
	}{
		"plain": {
			name: "cpu-clock",
			expected: EventTypeAndModifier{
				Name: "cpu-clock",
			},
		},
		"user only": {
			name: "cpu-cycles:u",
			expected: EventTypeAndModifier{
				Name:              "cpu-cycles:u",
				Modifier:          "u",
				ExcludeKernel:     true,
				ExcludeHypervisor: true,
			},
		},
		"kernel precise": {
			name: "instructions:kpp",
			expected: EventTypeAndModifier{
				Name:              "instructions:kpp",
				Modifier:          "kpp",
				ExcludeUser:       true,
				ExcludeHypervisor: true,
				PreciseIP:         2,
			},
		},
		"host only": {
			name: "task-clock:H",
			expected: EventTypeAndModifier{
				Name:         "task-clock:H",
				Modifier:     "H",
				ExcludeGuest: true,
			},
		},
		"too precise":      {name: "cpu-cycles:pppp", err: true},
		"unknown modifier": {name: "cpu-cycles:z", err: true},
		"unknown event":    {name: "no-such-event", err: true},
		"bad raw":          {name: "raw-xyz", err: true},
		"sampler modifier": {name: InprocessSamplerEvent + ":u", err: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			em, err := ParseEventType(tc.name)
			if tc.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.expected.Name, em.Name)
			assert.Equal(t, tc.expected.Modifier, em.Modifier)
			assert.Equal(t, tc.expected.ExcludeUser, em.ExcludeUser)
			assert.Equal(t, tc.expected.ExcludeKernel, em.ExcludeKernel)
			assert.Equal(t, tc.expected.ExcludeHypervisor, em.ExcludeHypervisor)
			assert.Equal(t, tc.expected.ExcludeGuest, em.ExcludeGuest)
			assert.Equal(t, tc.expected.ExcludeHost, em.ExcludeHost)
			assert.Equal(t, tc.expected.PreciseIP, em.PreciseIP)
		})
	}
}

func TestFindEventType(t *testing.T) {
	et, err := FindEventType("cpu-clock")
	require.NoError(t, err)
	assert.Equal(t, uint32(unix.PERF_TYPE_SOFTWARE), et.Type)
	assert.Equal(t, uint64(unix.PERF_COUNT_SW_CPU_CLOCK), et.Config)

	et, err = FindEventType("cache-misses")
	require.NoError(t, err)
	assert.Equal(t, uint32(unix.PERF_TYPE_HARDWARE), et.Type)
	assert.Equal(t, uint64(unix.PERF_COUNT_HW_CACHE_MISSES), et.Config)

	et, err = FindEventType("raw-1a2b")
	require.NoError(t, err)
	assert.Equal(t, uint32(unix.PERF_TYPE_RAW), et.Type)
	assert.Equal(t, uint64(0x1a2b), et.Config)

	et, err = FindEventType(InprocessSamplerEvent)
	require.NoError(t, err)
	assert.True(t, et.IsInprocess())
}

func TestAttrValidate(t *testing.T) {
	em, err := ParseEventType("cpu-clock")
	require.NoError(t, err)
	attr, err := NewAttr(em)
	require.NoError(t, err)
	assert.True(t, attr.Disabled)
	assert.Equal(t, 40, attr.SampleIDSize())

	attr.SampleType |= unix.PERF_SAMPLE_REGS_USER
	require.ErrorIs(t, attr.Validate(), ErrUnsupportedAttr)
	attr.SampleRegsUser = 0xff
	require.NoError(t, attr.Validate())
	assert.Equal(t, 8, attr.NumUserRegs())

	attr.SampleType |= unix.PERF_SAMPLE_STACK_USER
	attr.SampleStackUser = 100
	require.ErrorIs(t, attr.Validate(), ErrUnsupportedAttr)
	attr.SampleStackUser = 8192
	require.NoError(t, attr.Validate())

	attr.SampleType |= unix.PERF_SAMPLE_WEIGHT
	require.ErrorIs(t, attr.Validate(), ErrUnsupportedAttr)
}
