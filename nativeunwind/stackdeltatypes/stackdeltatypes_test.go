// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package stackdeltatypes

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddAndLookup(t *testing.T) {
	sp8 := UnwindInfo{Opcode: UnwindOpcodeBaseSP, Param: 8}
	sp16 := UnwindInfo{Opcode: UnwindOpcodeBaseSP, Param: 16}

	var deltas StackDeltaArray
	deltas.Add(StackDelta{Address: 0x100, Info: sp8})
	deltas.Add(StackDelta{Address: 0x104, Info: sp16})
	// Same info as the previous interval: merged.
	deltas.Add(StackDelta{Address: 0x108, Info: sp16})
	deltas.Add(StackDelta{Address: 0x110, Info: UnwindInfoStop, Hints: UnwindHintGap})
	// Close to the gap marker: replaces it.
	deltas.Add(StackDelta{Address: 0x118, Info: sp8})
	assert.Len(t, deltas, 3)

	tests := map[string]struct {
		addr uint64
		want UnwindInfo
	}{
		"before first": {addr: 0xff, want: UnwindInfoInvalid},
		"first":        {addr: 0x100, want: sp8},
		"second":       {addr: 0x10c, want: sp16},
		"last":         {addr: 0x200, want: sp8},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, deltas.Lookup(tc.addr))
		})
	}
}

func TestDerefParam(t *testing.T) {
	packed, ok := PackDerefParam(16, 8)
	assert.True(t, ok)
	pre, post := UnpackDerefParam(packed)
	assert.Equal(t, int32(16), pre)
	assert.Equal(t, int32(8), post)

	_, ok = PackDerefParam(16, 3)
	assert.False(t, ok)
}
