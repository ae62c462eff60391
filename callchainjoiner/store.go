// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package callchainjoiner // import "go.opentelemetry.io/perf-recorder/callchainjoiner"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/xxh3"
)

// chainRef locates one compressed chain in the store file.
type chainRef struct {
	off   int64
	size  uint32
	nodes uint32
}

// store keeps chains compressed in a temporary file. Identical chains are
// stored once.
type store struct {
	f      *os.File
	enc    *zstd.Encoder
	dec    *zstd.Decoder
	size   int64
	budget int64
	dedup  map[xxh3.Uint128]chainRef
	buf    []byte
	zbuf   []byte

	deduped uint64
}

func newStore(dir string, budget int64) (*store, error) {
	f, err := os.CreateTemp(dir, "perf-recorder-callchains-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create call chain cache: %w", err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		f.Close()
		os.Remove(f.Name())
		return nil, err
	}
	return &store{
		f:      f,
		enc:    enc,
		dec:    dec,
		budget: budget,
		dedup:  make(map[xxh3.Uint128]chainRef),
	}, nil
}

func encodeChain(dst []byte, ips, sps []uint64) []byte {
	dst = binary.LittleEndian.AppendUint32(dst[:0], uint32(len(ips)))
	for _, ip := range ips {
		dst = binary.LittleEndian.AppendUint64(dst, ip)
	}
	for _, sp := range sps {
		dst = binary.LittleEndian.AppendUint64(dst, sp)
	}
	return dst
}

func decodeChain(b []byte) (ips, sps []uint64, err error) {
	if len(b) < 4 {
		return nil, nil, errors.New("short call chain entry")
	}
	n := int(binary.LittleEndian.Uint32(b))
	b = b[4:]
	if len(b) != 16*n {
		return nil, nil, fmt.Errorf("call chain entry of %d bytes for %d nodes", len(b), n)
	}
	ips = make([]uint64, n)
	sps = make([]uint64, n)
	for i := range ips {
		ips[i] = binary.LittleEndian.Uint64(b[8*i:])
		sps[i] = binary.LittleEndian.Uint64(b[8*(n+i):])
	}
	return ips, sps, nil
}

func (s *store) put(ips, sps []uint64) (chainRef, error) {
	s.buf = encodeChain(s.buf, ips, sps)
	sum := xxh3.Hash128(s.buf)
	if ref, ok := s.dedup[sum]; ok {
		s.deduped++
		return ref, nil
	}
	s.zbuf = s.enc.EncodeAll(s.buf, s.zbuf[:0])
	if s.size+int64(len(s.zbuf)) > s.budget {
		return chainRef{}, ErrCacheFull
	}
	if _, err := s.f.WriteAt(s.zbuf, s.size); err != nil {
		return chainRef{}, fmt.Errorf("failed to write call chain cache: %w", err)
	}
	ref := chainRef{off: s.size, size: uint32(len(s.zbuf)), nodes: uint32(len(ips))}
	s.size += int64(len(s.zbuf))
	s.dedup[sum] = ref
	return ref, nil
}

func (s *store) get(ref chainRef) (ips, sps []uint64, err error) {
	if cap(s.zbuf) < int(ref.size) {
		s.zbuf = make([]byte, ref.size)
	}
	s.zbuf = s.zbuf[:ref.size]
	if _, err := s.f.ReadAt(s.zbuf, ref.off); err != nil {
		return nil, nil, fmt.Errorf("failed to read call chain cache: %w", err)
	}
	s.buf, err = s.dec.DecodeAll(s.zbuf, s.buf[:0])
	if err != nil {
		return nil, nil, fmt.Errorf("corrupt call chain cache: %w", err)
	}
	return decodeChain(s.buf)
}

func (s *store) close() error {
	s.dec.Close()
	err := s.enc.Close()
	name := s.f.Name()
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	if rerr := os.Remove(name); err == nil {
		err = rerr
	}
	return err
}
