// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package spool

import (
	"bytes"
	"io"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/perf-recorder/perfevent"
	"go.opentelemetry.io/perf-recorder/record"
)

func TestRoundTrip(t *testing.T) {
	ids := record.NewEventIDRecord([]record.EventIDPair{{AttrIndex: 1, EventID: 77}})
	lost := (&record.LostRecord{ID: 5, Lost: 3}).Binary(&perfevent.Attr{})
	entries := []Entry{
		{AttrIndex: NoAttr, Data: ids.Binary(nil)},
		{AttrIndex: 0, Flags: FlagUnwindPending | FlagJoinPending, Data: lost},
		{AttrIndex: 3, Data: lost},
	}

	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)
	for _, e := range entries {
		require.NoError(t, w.Write(e.AttrIndex, e.Flags, e.Data))
	}
	require.Error(t, w.Write(0, 0, []byte{1, 2}))
	assert.Equal(t, uint64(3), w.Count())
	require.NoError(t, w.Close())

	r, err := NewReader(&buf)
	require.NoError(t, err)
	defer r.Close()
	for _, want := range entries {
		got, err := r.Next()
		require.NoError(t, err)
		assert.Equal(t, want.AttrIndex, got.AttrIndex)
		assert.Equal(t, want.Flags, got.Flags)
		assert.Equal(t, want.Data, got.Data)
	}
	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestWriteRejectsUnframedRecord(t *testing.T) {
	attr := &perfevent.Attr{SampleType: unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_CALLCHAIN}
	chain := make([]uint64, 9000)
	oversized := (&record.SampleRecord{Pid: 1, Tid: 1, CallChain: chain}).Binary(attr)
	small := (&record.SampleRecord{Pid: 2, Tid: 2, CallChain: chain[:4]}).Binary(attr)

	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)
	require.ErrorIs(t, w.Write(0, 0, oversized), ErrCorrupt)
	// A header size that does not match the data.
	require.ErrorIs(t, w.Write(0, 0, append(bytes.Clone(small), 0, 0, 0, 0, 0, 0, 0, 0)),
		ErrCorrupt)
	require.NoError(t, w.Write(0, 0, small))
	require.NoError(t, w.Close())
	assert.Equal(t, uint64(1), w.Count())

	r, err := NewReader(&buf)
	require.NoError(t, err)
	defer r.Close()
	got, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, small, got.Data)
	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestCorrupt(t *testing.T) {
	tests := map[string][]byte{
		"short entry header": {1, 2, 3},
		// Record header claims 4 bytes.
		"record smaller than its header": {0, 0, 0, 0, 0, 0, 0, 0, 9, 0, 0, 0, 0, 0, 4, 0},
		// Record header claims 16 bytes but only 8 follow.
		"truncated record": {0, 0, 0, 0, 0, 0, 0, 0, 9, 0, 0, 0, 0, 0, 16, 0},
	}
	for name, raw := range tests {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			enc, err := zstd.NewWriter(&buf)
			require.NoError(t, err)
			_, err = enc.Write(raw)
			require.NoError(t, err)
			require.NoError(t, enc.Close())

			r, err := NewReader(&buf)
			require.NoError(t, err)
			defer r.Close()
			_, err = r.Next()
			assert.ErrorIs(t, err, ErrCorrupt)
		})
	}
}
