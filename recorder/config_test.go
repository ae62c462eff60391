// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package recorder

import (
	"testing"

	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/perf-recorder/eventselection"
)

func TestConfigValidate(t *testing.T) {
	tests := map[string]struct {
		modify  func(*Config)
		wantErr bool
	}{
		"valid": {
			modify: func(*Config) {},
		},
		"no events": {
			modify:  func(c *Config) { c.EventGroups = nil },
			wantErr: true,
		},
		"empty group": {
			modify:  func(c *Config) { c.EventGroups = append(c.EventGroups, nil) },
			wantErr: true,
		},
		"no target": {
			modify:  func(c *Config) { c.SystemWide = false },
			wantErr: true,
		},
		"system wide and pid": {
			modify:  func(c *Config) { c.Pids = []int{1} },
			wantErr: true,
		},
		"threads": {
			modify: func(c *Config) {
				c.SystemWide = false
				c.Tids = []int{1, 2}
			},
		},
		"post unwind without dwarf": {
			modify: func(c *Config) {
				c.CallChain.Mode = eventselection.CallChainFramePointer
				c.PostUnwind = true
			},
			wantErr: true,
		},
		"max frames at limit": {
			modify: func(c *Config) { c.MaxFrames = MaxFramesLimit },
		},
		"max frames above limit": {
			modify:  func(c *Config) { c.MaxFrames = MaxFramesLimit + 1 },
			wantErr: true,
		},
		"join without matching nodes": {
			modify: func(c *Config) {
				c.JoinCallChains = true
				c.JoinCacheSize = 1 << 20
			},
			wantErr: true,
		},
		"join without cache": {
			modify: func(c *Config) {
				c.JoinCallChains = true
				c.JoinMinMatchingNodes = 1
			},
			wantErr: true,
		},
		"join": {
			modify: func(c *Config) {
				c.JoinCallChains = true
				c.JoinMinMatchingNodes = 1
				c.JoinCacheSize = 1 << 20
			},
		},
		"mmap range": {
			modify:  func(c *Config) { c.MmapMinPages = 8 },
			wantErr: true,
		},
		"no intervals": {
			modify:  func(c *Config) { c.Intervals = nil },
			wantErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := dwarfConfig(t)
			tc.modify(&cfg)
			err := cfg.Validate()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}
