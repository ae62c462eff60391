// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller

import (
	"bytes"
	"context"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/perf-recorder/cpuinfo"
	"go.opentelemetry.io/perf-recorder/eventselection"
	"go.opentelemetry.io/perf-recorder/perfevent"
	"go.opentelemetry.io/perf-recorder/recorder"
	"go.opentelemetry.io/perf-recorder/unwinder"
)

func testConfig() *Config {
	return &Config{
		Events:     "cpu-clock",
		SystemWide: true,
		Frequency:  1000,
		CallGraph:  "none",
		MmapPages:  4,
		Duration:   20 * time.Millisecond,
		Output:     "perf-recorder.zst",
	}
}

func TestControllerStart(t *testing.T) {
	opener := perfevent.NewInprocessOpener()
	var out bytes.Buffer
	progress := make(chan struct{}, 1)
	progress <- struct{}{}

	cfg := testConfig()
	cfg.TempDir = t.TempDir()
	ctlr := New(cfg,
		WithWriter(&out),
		WithProgressTrigger(progress),
		WithRecorderOptions(recorder.WithSetOptions(eventselection.Options{
			KernelOpener:    opener,
			InprocessOpener: opener,
			Probe:           func(*perfevent.Attr) error { return nil },
			CPUSource:       &cpuinfo.StaticSource{CPUs: []int{0, 1}},
		})))
	defer ctlr.Shutdown()

	require.NoError(t, ctlr.Start(context.Background()))
	sum, err := ctlr.Wait()
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Zero(t, sum.Samples)
	assert.NotEmpty(t, out.Bytes())
	// The session closed every event file.
	assert.Empty(t, opener.Handles())
}

func TestControllerWaitBeforeStart(t *testing.T) {
	_, err := New(testConfig()).Wait()
	require.Error(t, err)
}

func TestRecorderConfig(t *testing.T) {
	tests := map[string]struct {
		modify  func(*Config)
		check   func(*testing.T, recorder.Config)
		wantErr bool
	}{
		"events and groups": {
			modify: func(c *Config) {
				c.Events = "cpu-clock, page-faults"
				c.Groups = GroupList{"cpu-cycles,instructions"}
			},
			check: func(t *testing.T, rc recorder.Config) {
				assert.Equal(t, [][]string{{"cpu-clock"}, {"page-faults"},
					{"cpu-cycles", "instructions"}}, rc.EventGroups)
				assert.Equal(t, uint64(1000), rc.SampleSpeed.Freq)
				assert.Equal(t, 4, rc.MmapMaxPages)
				assert.Equal(t, 4, rc.MmapMinPages)
				assert.Equal(t, recorder.NoClockID, rc.ClockID)
			},
		},
		"targets": {
			modify: func(c *Config) {
				c.SystemWide = false
				c.Pids = "10,20"
				c.Tids = "30"
				c.CPUs = "0-2,5"
			},
			check: func(t *testing.T, rc recorder.Config) {
				assert.Equal(t, []int{10, 20}, rc.Pids)
				assert.Equal(t, []int{30}, rc.Tids)
				assert.Equal(t, []int{0, 1, 2, 5}, rc.CPUs)
			},
		},
		"dwarf": {
			modify: func(c *Config) {
				c.CallGraph = "dwarf"
				c.DumpStackSize = 8192
				c.Join = true
				c.MinMatchingNodes = 1
				c.JoinCacheSizeMiB = 64
			},
			check: func(t *testing.T, rc recorder.Config) {
				assert.Equal(t, eventselection.CallChainDwarf, rc.CallChain.Mode)
				assert.Equal(t, uint32(8192), rc.CallChain.DumpStackSize)
				assert.Equal(t, unwinder.UserRegsMask(unwinder.HostArch()),
					rc.CallChain.RegsMask)
				assert.Equal(t, int64(64*MiB), rc.JoinCacheSize)
			},
		},
		"period": {
			modify: func(c *Config) {
				c.Frequency = 0
				c.Period = 100000
			},
			check: func(t *testing.T, rc recorder.Config) {
				assert.Equal(t, uint64(100000), rc.SampleSpeed.Period)
				assert.Zero(t, rc.SampleSpeed.Freq)
			},
		},
		"clock": {
			modify: func(c *Config) { c.ClockID = "monotonic" },
			check: func(t *testing.T, rc recorder.Config) {
				assert.Equal(t, int32(1), rc.ClockID)
			},
		},
		"frequency and period": {
			modify:  func(c *Config) { c.Period = 10 },
			wantErr: true,
		},
		"bad pid": {
			modify:  func(c *Config) { c.Pids = "abc" },
			wantErr: true,
		},
		"bad call graph": {
			modify:  func(c *Config) { c.CallGraph = "lbr" },
			wantErr: true,
		},
		"bad clock": {
			modify:  func(c *Config) { c.ClockID = "tai" },
			wantErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			tc.modify(cfg)
			rc, err := cfg.RecorderConfig()
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			tc.check(t, rc)
		})
	}
}

func TestValidate(t *testing.T) {
	cfg := testConfig()
	require.NoError(t, cfg.Validate())

	cfg.Join = true
	require.Error(t, cfg.Validate())

	cfg = testConfig()
	cfg.Output = ""
	require.Error(t, cfg.Validate())
}

func TestMmapPages(t *testing.T) {
	tests := map[string]struct {
		freq      uint64
		stackSize uint32
		cores     int
		want      uint
	}{
		"idle":            {freq: 0, cores: 4, want: ringMinPages},
		"fp sampling":     {freq: 4000, cores: 4, want: 128},
		"dwarf sampling":  {freq: 4000, stackSize: 65528, cores: 4, want: ringMaxPages},
		"many cores":      {freq: 4000, stackSize: 65528, cores: 256, want: 512},
		"more than limit": {freq: 4000, stackSize: 65528, cores: 100000, want: ringMinPages},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, mmapPages(tc.freq, tc.stackSize, tc.cores, 4096))
		})
	}
}

func TestStartInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Pids = "abc"
	ctlr := New(cfg, WithWriter(&bytes.Buffer{}))
	defer ctlr.Shutdown()

	err := ctlr.Start(context.Background())
	var exitErr ErrorWithExitCode
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, exitParseError, exitErr.Code())
}

func TestRingBytes(t *testing.T) {
	page := uint64(os.Getpagesize())
	cpus := uint64(runtime.NumCPU())
	assert.Equal(t, 2*page*cpus, ringBytes(1))
	assert.Equal(t, 257*page*cpus, ringBytes(256))
}
