// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package eventselection

import (
	"context"
	"errors"
	"math/rand/v2"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.opentelemetry.io/perf-recorder/libpf"
	"go.opentelemetry.io/perf-recorder/perfevent"
	"go.opentelemetry.io/perf-recorder/record"
)

var errNotReady = errors.New("cpu not ready")

func openSystemWide(t *testing.T, s *Set, events ...string) {
	t.Helper()
	for _, e := range events {
		_, err := s.AddEventType(e)
		require.NoError(t, err)
	}
	s.SetSystemWide(true)
	require.NoError(t, s.OpenEventFiles(nil))
	require.NoError(t, s.MmapEventFiles(1, 4))
	require.NoError(t, s.EnableEvents())
}

func TestTwoEventsOneCPU(t *testing.T) {
	s, op, _ := testSet(t, false, 0)
	openSystemWide(t, s, "cpu-clock", "task-clock")
	a, b := s.Selections()[0], s.Selections()[1]

	// Both events write into the ring of cpu 0.
	writeSample(t, op, a, -1, 0, 100)
	writeSample(t, op, b, -1, 0, 200)
	writeSample(t, op, a, -1, 0, 300)
	writeSample(t, op, b, -1, 0, 400)

	var c collected
	require.NoError(t, s.ReadMmapEventData(c.handler))
	assert.Equal(t, []uint64{100, 200, 300, 400}, c.times)
	assert.Equal(t, []int{0, 1, 0, 1}, c.attrs)
}

func TestMergeAcrossRings(t *testing.T) {
	s, op, _ := testSet(t, false, 0, 1)
	openSystemWide(t, s, "cpu-clock", "task-clock")
	a, b := s.Selections()[0], s.Selections()[1]

	// Each cpu has its own ring; the producers are not synchronized.
	writeSample(t, op, a, -1, 1, 200)
	writeSample(t, op, b, -1, 1, 400)
	writeSample(t, op, a, -1, 0, 100)
	writeSample(t, op, b, -1, 0, 300)

	var c collected
	require.NoError(t, s.ReadMmapEventData(c.handler))
	assert.Equal(t, []uint64{100, 200, 300, 400}, c.times)
	assert.Equal(t, []int{0, 0, 1, 1}, c.attrs)
}

func TestMergeProperty(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for round := 0; round < 20; round++ {
		numStreams := 1 + rng.IntN(8)
		threads := make([]int, numStreams)
		for i := range threads {
			threads[i] = 1000 + i
		}
		s, op, _ := testSet(t, false, 0)
		_, err := s.AddEventType("cpu-clock")
		require.NoError(t, err)
		s.AddMonitoredThreads(threads...)
		require.NoError(t, s.OpenEventFiles([]int{libpf.AnyCPU}))
		require.NoError(t, s.MmapEventFiles(1, 4))
		require.NoError(t, s.EnableEvents())
		sel := s.Selections()[0]

		var want []uint64
		for _, tid := range threads {
			n := rng.IntN(30)
			stream := make([]uint64, n)
			for i := range stream {
				stream[i] = rng.Uint64N(1000)
			}
			// A single ring is always in time order.
			slices.Sort(stream)
			for _, ts := range stream {
				writeSample(t, op, sel, tid, libpf.AnyCPU, ts)
			}
			want = append(want, stream...)
		}

		var c collected
		require.NoError(t, s.ReadMmapEventData(c.handler))
		assert.True(t, slices.IsSorted(c.times), "round %d: %v", round, c.times)
		slices.Sort(want)
		assert.Equal(t, want, c.times)
		require.NoError(t, s.Close())
	}
}

func TestDrainIdempotent(t *testing.T) {
	s, op, _ := testSet(t, false, 0, 1)
	openSystemWide(t, s, "cpu-clock")
	sel := s.Selections()[0]
	writeSample(t, op, sel, -1, 0, 10)
	writeSample(t, op, sel, -1, 1, 11)

	var c collected
	require.NoError(t, s.ReadMmapEventData(c.handler))
	assert.Len(t, c.times, 2)

	c = collected{}
	require.NoError(t, s.ReadMmapEventData(c.handler))
	assert.Empty(t, c.times)

	writeSample(t, op, sel, -1, 1, 12)
	require.NoError(t, s.ReadMmapEventData(c.handler))
	assert.Equal(t, []uint64{12}, c.times)
}

func TestDrainStopReleasesConsumed(t *testing.T) {
	s, op, _ := testSet(t, false, 0)
	openSystemWide(t, s, "cpu-clock")
	sel := s.Selections()[0]
	for ts := uint64(1); ts <= 3; ts++ {
		writeSample(t, op, sel, -1, 0, ts)
	}

	var seen []uint64
	err := s.ReadMmapEventData(func(ev *Event) error {
		seen = append(seen, ev.Record.Timestamp())
		if len(seen) == 2 {
			return ErrStopped
		}
		return nil
	})
	require.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, []uint64{1, 2}, seen)

	// Only the unreported record is left.
	var c collected
	require.NoError(t, s.ReadMmapEventData(c.handler))
	assert.Equal(t, []uint64{3}, c.times)
}

func TestDrainMalformed(t *testing.T) {
	s, op, _ := testSet(t, false, 0)
	openSystemWide(t, s, "cpu-clock")
	h := op.Handle(s.Selections()[0].Attr, -1, 0)

	// A header with size zero cannot frame a record.
	require.NoError(t, h.Write(make([]byte, 16)))
	err := s.ReadMmapEventData(func(*Event) error { return nil })
	require.ErrorIs(t, err, ErrMalformedRecord)
}

func TestHotplugNoLoss(t *testing.T) {
	s, op, source := testSet(t, false, 0, 1)
	openSystemWide(t, s, "cpu-clock", "task-clock")
	require.NoError(t, s.HandleCpuHotplugEvents(nil, time.Second))
	a, b := s.Selections()[0], s.Selections()[1]
	oldIDs := []uint64{op.Handle(a.Attr, -1, 1).ID(), op.Handle(b.Attr, -1, 1).ID()}

	// K unread records sit in cpu 1's ring when it goes offline.
	writeSample(t, op, a, -1, 1, 5)
	writeSample(t, op, b, -1, 1, 6)
	writeSample(t, op, a, -1, 1, 7)

	var c collected
	source.CPUs = []int{0}
	require.NoError(t, s.DetectCpuHotplugEvents(s.HotplugState(), c.handler))
	assert.Equal(t, []uint64{5, 6, 7}, c.times)
	assert.Nil(t, op.Handle(a.Attr, -1, 1))
	for _, id := range oldIDs {
		_, ok := s.selectionForID(id)
		assert.False(t, ok)
	}
	assert.Len(t, s.buffers, 1)
	assert.Equal(t, uint64(1), s.HotplugState().OfflineEvents)

	// Nothing changed: nothing happens.
	c = collected{}
	require.NoError(t, s.DetectCpuHotplugEvents(s.HotplugState(), c.handler))
	assert.Empty(t, c.times)
	assert.Empty(t, c.eventID)

	// CPU 1 comes back: new files are opened, mapped, enabled and announced.
	source.CPUs = []int{0, 1}
	require.NoError(t, s.DetectCpuHotplugEvents(s.HotplugState(), c.handler))
	require.Len(t, c.eventID, 1)
	ha, hb := op.Handle(a.Attr, -1, 1), op.Handle(b.Attr, -1, 1)
	require.NotNil(t, ha)
	require.NotNil(t, hb)
	assert.True(t, ha.Enabled())
	assert.Equal(t, []record.EventIDPair{
		{AttrIndex: 0, EventID: ha.ID()},
		{AttrIndex: 1, EventID: hb.ID()},
	}, c.eventID[0].Pairs)
	assert.Equal(t, []int{0, 1}, s.HotplugState().MonitoredCPUs())

	writeSample(t, op, b, -1, 1, 9)
	writeSample(t, op, a, -1, 0, 8)
	require.NoError(t, s.ReadMmapEventData(c.handler))
	assert.Equal(t, []uint64{8, 9}, c.times)
	assert.Equal(t, []int{0, 1}, c.attrs)
}

func TestHotplugOnlineRetry(t *testing.T) {
	s, op, source := testSet(t, false, 0)
	openSystemWide(t, s, "cpu-clock")
	require.NoError(t, s.HandleCpuHotplugEvents(nil, time.Second))

	op.OpenHook = func(_ *perfevent.Attr, _, cpu int) error {
		if cpu == 1 {
			return errNotReady
		}
		return nil
	}
	source.CPUs = []int{0, 1}
	var c collected
	require.NoError(t, s.DetectCpuHotplugEvents(s.HotplugState(), c.handler))
	assert.Empty(t, c.eventID)
	assert.Equal(t, []int{0}, s.HotplugState().MonitoredCPUs())

	op.OpenHook = nil
	require.NoError(t, s.DetectCpuHotplugEvents(s.HotplugState(), c.handler))
	assert.Len(t, c.eventID, 1)
	assert.Equal(t, []int{0, 1}, s.HotplugState().MonitoredCPUs())
}

func TestHotplugEnableOnExec(t *testing.T) {
	s, op, source := testSet(t, false, 0)
	_, err := s.AddEventType("cpu-clock")
	require.NoError(t, err)
	require.NoError(t, s.SetEnableOnExec(true))
	s.AddMonitoredThreads(42)
	require.NoError(t, s.OpenEventFiles(nil))
	require.NoError(t, s.MmapEventFiles(1, 1))
	require.NoError(t, s.HandleCpuHotplugEvents(nil, time.Second))
	attr := s.Selections()[0].Attr

	source.CPUs = []int{0, 1}
	var c collected
	require.NoError(t, s.DetectCpuHotplugEvents(s.HotplugState(), c.handler))
	assert.False(t, op.Handle(attr, 42, 1).Enabled())

	s.NotifyWorkloadExeced()
	source.CPUs = []int{0}
	require.NoError(t, s.DetectCpuHotplugEvents(s.HotplugState(), c.handler))
	source.CPUs = []int{0, 1}
	require.NoError(t, s.DetectCpuHotplugEvents(s.HotplugState(), c.handler))
	assert.True(t, op.Handle(attr, 42, 1).Enabled())
}

func TestRun(t *testing.T) {
	s, op, _ := testSet(t, false, 0)
	openSystemWide(t, s, "cpu-clock")
	sel := s.Selections()[0]

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []uint64
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(ev *Event) error {
			if r, ok := ev.Record.(*record.SampleRecord); ok {
				got = append(got, r.Time)
				if r.Time == 3 {
					return ErrStopped
				}
			}
			return nil
		}, RunOptions{})
	}()

	for ts := uint64(1); ts <= 3; ts++ {
		writeSample(t, op, sel, -1, 0, ts)
	}
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
	assert.Equal(t, []uint64{1, 2, 3}, got)
}

func TestRunFlushesOnCancel(t *testing.T) {
	s, op, _ := testSet(t, false, 0)
	openSystemWide(t, s, "cpu-clock")
	sel := s.Selections()[0]
	writeSample(t, op, sel, -1, 0, 1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var c collected
	require.NoError(t, s.Run(ctx, c.handler, RunOptions{}))
	// Depending on select order the record is read by the wakeup or the
	// final flush, but never twice.
	assert.Equal(t, []uint64{1}, c.times)
}

func TestRunTargetsExit(t *testing.T) {
	s, op, _ := testSet(t, false, 0)
	s.isAlive = func(int) bool { return false }
	_, err := s.AddEventType("cpu-clock")
	require.NoError(t, err)
	s.AddMonitoredThreads(42)
	require.NoError(t, s.OpenEventFiles(nil))
	require.NoError(t, s.MmapEventFiles(1, 1))
	require.NoError(t, s.EnableEvents())
	writeSample(t, op, s.Selections()[0], 42, 0, 77)

	var c collected
	err = s.Run(context.Background(), c.handler, RunOptions{LivenessInterval: time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, []uint64{77}, c.times)
}
