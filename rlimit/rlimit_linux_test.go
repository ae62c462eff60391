//go:build linux

// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package rlimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestMemlockTarget(t *testing.T) {
	tests := map[string]struct {
		cur   unix.Rlimit
		bytes uint64
		want  unix.Rlimit
		raise bool
	}{
		"unlimited": {
			cur:   unix.Rlimit{Cur: unix.RLIM_INFINITY, Max: unix.RLIM_INFINITY},
			bytes: 1 << 30,
			want:  unix.Rlimit{Cur: unix.RLIM_INFINITY, Max: unix.RLIM_INFINITY},
		},
		"fits already": {
			cur:   unix.Rlimit{Cur: 8 << 20, Max: 8 << 20},
			bytes: 1 << 20,
			want:  unix.Rlimit{Cur: 8 << 20, Max: 8 << 20},
		},
		"soft limit grows": {
			cur:   unix.Rlimit{Cur: 64 << 10, Max: 8 << 20},
			bytes: 1 << 20,
			want:  unix.Rlimit{Cur: 1 << 20, Max: 8 << 20},
			raise: true,
		},
		"hard limit grows": {
			cur:   unix.Rlimit{Cur: 64 << 10, Max: 64 << 10},
			bytes: 1 << 20,
			want:  unix.Rlimit{Cur: 1 << 20, Max: 1 << 20},
			raise: true,
		},
		"unlimited hard limit": {
			cur:   unix.Rlimit{Cur: 64 << 10, Max: unix.RLIM_INFINITY},
			bytes: 1 << 20,
			want:  unix.Rlimit{Cur: 1 << 20, Max: unix.RLIM_INFINITY},
			raise: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			got, raise := memlockTarget(tc.cur, tc.bytes)
			assert.Equal(t, tc.raise, raise)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestRaiseMemlockRestores(t *testing.T) {
	var before unix.Rlimit
	require.NoError(t, unix.Getrlimit(unix.RLIMIT_MEMLOCK, &before))

	// Within the hard limit the soft limit can always be raised.
	restore, err := RaiseMemlock(min(before.Max, before.Cur+4096))
	require.NoError(t, err)
	restore()

	var after unix.Rlimit
	require.NoError(t, unix.Getrlimit(unix.RLIMIT_MEMLOCK, &after))
	assert.Equal(t, before, after)
}
