// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package perfevent

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingReadDiscard(t *testing.T) {
	ring, err := NewMemoryRing(1)
	require.NoError(t, err)

	dst, n := ring.Read(nil)
	assert.Equal(t, 0, n)
	assert.Empty(t, dst)

	require.NoError(t, ring.write([]byte("hello")))
	require.NoError(t, ring.write([]byte("world")))
	assert.Equal(t, 10, ring.Available())

	dst, n = ring.Read(dst)
	require.Equal(t, 10, n)
	assert.Equal(t, "helloworld", string(dst))

	// Nothing is released until Discard.
	assert.Equal(t, 10, ring.Available())
	ring.Discard(n)
	assert.Equal(t, 0, ring.Available())

	_, n = ring.Read(nil)
	assert.Equal(t, 0, n)
}

func TestRingWrapAround(t *testing.T) {
	ring, err := NewMemoryRing(1)
	require.NoError(t, err)
	size := ring.Size()

	// Move the cursors close to the end of the data area.
	filler := bytes.Repeat([]byte{0xaa}, size-8)
	require.NoError(t, ring.write(filler))
	_, n := ring.Read(nil)
	ring.Discard(n)

	rec := []byte("0123456789abcdef")
	require.NoError(t, ring.write(rec))

	dst := []byte("prefix")
	dst, n = ring.Read(dst)
	require.Equal(t, len(rec), n)
	assert.Equal(t, "prefix"+string(rec), string(dst))
}

func TestRingFull(t *testing.T) {
	ring, err := NewMemoryRing(1)
	require.NoError(t, err)

	require.NoError(t, ring.write(make([]byte, ring.Size())))
	require.ErrorIs(t, ring.write([]byte{1}), ErrRingFull)

	ring.Discard(8)
	require.NoError(t, ring.write(make([]byte, 8)))
}

func TestInprocessShareMappedBuffer(t *testing.T) {
	opener := NewInprocessOpener()
	attr := &Attr{SampleType: DefaultSampleType, SampleIDAll: true, Disabled: true}

	owner, err := opener.Open(attr, -1, 0, nil)
	require.NoError(t, err)
	member, err := opener.Open(attr, -1, 0, owner)
	require.NoError(t, err)
	assert.NotEqual(t, owner.ID(), member.ID())
	assert.Equal(t, -1, owner.FD())

	require.ErrorIs(t, member.ShareMappedBuffer(owner), ErrNoMappedBuffer)
	require.NoError(t, owner.CreateMappedBuffer(1))
	require.NoError(t, member.ShareMappedBuffer(owner))
	assert.True(t, member.HasMappedBuffer())
	assert.Nil(t, member.Ring())

	ih := member.(*InprocessHandle)
	// Disabled handles drop records.
	require.NoError(t, ih.Write([]byte("dropped!")))
	assert.Equal(t, 0, owner.Ring().Available())

	require.NoError(t, member.Enable())
	require.NoError(t, ih.Write([]byte("recorded")))
	assert.Equal(t, 8, owner.Ring().Available())

	select {
	case <-opener.Notify():
	default:
		t.Fatal("expected a wakeup")
	}

	require.NoError(t, member.Close())
	assert.Len(t, opener.Handles(), 1)
	require.ErrorIs(t, ih.Write([]byte("x")), ErrClosed)
}

func TestInprocessInitialState(t *testing.T) {
	tests := map[string]struct {
		disabled bool
		want     int
	}{
		"disabled": {disabled: true, want: 0},
		"enabled":  {disabled: false, want: 4},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			opener := NewInprocessOpener()
			attr := &Attr{SampleType: DefaultSampleType, SampleIDAll: true, Disabled: tc.disabled}
			h, err := opener.Open(attr, -1, 0, nil)
			require.NoError(t, err)
			require.NoError(t, h.CreateMappedBuffer(1))

			ih := h.(*InprocessHandle)
			assert.Equal(t, !tc.disabled, ih.Enabled())
			require.NoError(t, ih.Write([]byte("rec!")))
			assert.Equal(t, tc.want, h.Ring().Available())
		})
	}
}
