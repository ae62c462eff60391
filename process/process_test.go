// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"debug/elf"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

//nolint:lll
var testMappings = `55fe82710000-55fe8273c000 r--p 00000000 fd:01 1068432                    /tmp/usr_bin_seahorse
55fe8273c000-55fe827be000 r-xp 0002c000 fd:01 1068432                    /tmp/usr_bin_seahorse
55fe8283d000-55fe8283e000 rw-p 0012c000 fd:01 1068432                    /tmp/usr_bin_seahorse
7f63c8c3e000-7f63c8de0000 r-xp 00085000 08:01 1048922                    /data/app/base.apk!/lib/arm64-v8a/libfoo.so (deleted)
7f63c8ebf000-7f63c8fef000 ---p 0001c000 1fd:01 1075944                   /tmp/guard
7f63c8eef000-7f63c8fdf000 r-xp 0001c000 1fd:01
7f63c8eef000-7f63c8fdf000 r-xp 0001c000 1fd.01 1075944
7f63c8eef000-7f63c8fdf000 r- 0001c000 1fd:01 1075944
7f63c8eef000 r-xp 0001c000 1fd:01 1075944
7ffd5a3b1000-7ffd5a3d2000 rw-p 00000000 00:00 0                          [stack]
7ffd5a3f4000-7ffd5a3f6000 r-xp 00000000 00:00 0                          [vdso]
7f8b929f0000-7f8b92a00000 r-xp 00000000 00:00 0 `

func TestParseMappings(t *testing.T) {
	mappings, numParseErrors, err := parseMappings(strings.NewReader(testMappings))
	require.NoError(t, err)
	assert.Equal(t, uint32(4), numParseErrors)

	expected := []Mapping{
		{
			Vaddr:  0x55fe82710000,
			Length: 0x2c000,
			Flags:  elf.PF_R,
			Device: 0xfd01,
			Inode:  1068432,
			Path:   "/tmp/usr_bin_seahorse",
		},
		{
			Vaddr:      0x55fe8273c000,
			Length:     0x82000,
			Flags:      elf.PF_R + elf.PF_X,
			FileOffset: 0x2c000,
			Device:     0xfd01,
			Inode:      1068432,
			Path:       "/tmp/usr_bin_seahorse",
		},
		{
			Vaddr:      0x55fe8283d000,
			Length:     0x1000,
			Flags:      elf.PF_R + elf.PF_W,
			FileOffset: 0x12c000,
			Device:     0xfd01,
			Inode:      1068432,
			Path:       "/tmp/usr_bin_seahorse",
		},
		{
			Vaddr:      0x7f63c8c3e000,
			Length:     0x1a2000,
			Flags:      elf.PF_R + elf.PF_X,
			FileOffset: 0x85000,
			Device:     0x801,
			Inode:      1048922,
			Path:       "/data/app/base.apk!/lib/arm64-v8a/libfoo.so",
		},
		{
			Vaddr:  0x7ffd5a3f4000,
			Length: 0x2000,
			Flags:  elf.PF_R + elf.PF_X,
			Path:   VdsoPathName,
		},
		{
			Vaddr:  0x7f8b929f0000,
			Length: 0x10000,
			Flags:  elf.PF_R + elf.PF_X,
		},
	}
	assert.Equal(t, expected, mappings)
	assert.True(t, mappings[1].IsExecutable())
	assert.False(t, mappings[0].IsExecutable())
}

func TestProtFlags(t *testing.T) {
	tests := map[string]struct {
		prot uint32
		want elf.ProgFlag
	}{
		"none": {prot: 0, want: 0},
		"rx":   {prot: 0x5, want: elf.PF_R | elf.PF_X},
		"rw":   {prot: 0x3, want: elf.PF_R | elf.PF_W},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, ProtFlags(tc.prot))
		})
	}
}
