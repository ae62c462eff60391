// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package callchainjoiner stitches call chains of one thread that were cut
// short by the size of the stack dump. Chains are kept in a compressed
// on-disk cache until the join pass, and replayed in arrival order.
package callchainjoiner // import "go.opentelemetry.io/perf-recorder/callchainjoiner"

import (
	"cmp"
	"errors"
	"fmt"
	"io"
	"slices"

	log "github.com/sirupsen/logrus"
)

// ChainKind tells where a chain comes from.
type ChainKind uint8

const (
	// KindOriginal is a chain as unwound from one sample.
	KindOriginal ChainKind = iota
	// KindJoined is a chain extended with the frames of a later chain.
	KindJoined
)

func (k ChainKind) String() string {
	if k == KindJoined {
		return "joined"
	}
	return "original"
}

var (
	// ErrCacheFull is returned when the cache budget is exhausted.
	ErrCacheFull = errors.New("call chain cache is full")
	// ErrNotJoined is returned when chains are replayed before joining.
	ErrNotJoined = errors.New("call chains are not joined yet")
	// ErrJoined is returned when chains are added after joining.
	ErrJoined = errors.New("call chains are already joined")
)

const defaultCacheSize = 256 << 20

// DefaultMaxChainLength bounds joined chains unless Options say otherwise.
const DefaultMaxChainLength = 4096

// Options configures a Joiner.
type Options struct {
	// Dir holds the cache file. Empty means the system temp directory.
	Dir string
	// CacheSize is the budget in bytes of the compressed cache.
	CacheSize int64
	// MinMatchingNodes is the number of frames two chains must share to be
	// joined. It must be at least 1.
	MinMatchingNodes int
	// MaxChainLength bounds the frames of a joined chain. Joining stops
	// adding frames at this length. Zero means DefaultMaxChainLength.
	MaxChainLength int
}

// CallChain is one chain returned by the replay.
type CallChain struct {
	Pid, Tid uint32
	Kind     ChainKind
	IPs      []uint64
	SPs      []uint64
}

// Stat summarizes a join pass.
type Stat struct {
	ChainCount          uint64
	ExtendedChainCount  uint64
	BeforeJoinNodeCount uint64
	AfterJoinNodeCount  uint64
	MaxChainLength      uint64
	// DedupedChains counts chains stored as references to an identical one.
	DedupedChains uint64
}

type threadKey struct {
	pid, tid uint32
}

type entry struct {
	thread threadKey
	kind   ChainKind
	ref    chainRef
}

// Joiner collects chains, joins them per thread and replays them. It is not
// safe for concurrent use.
type Joiner struct {
	minMatch int
	maxLen   int
	store    *store
	// entries is in arrival order across all threads.
	entries []entry
	threads map[threadKey][]int

	joined bool
	next   int
	stat   Stat
}

// New creates a Joiner with its cache file.
func New(opts Options) (*Joiner, error) {
	if opts.MinMatchingNodes < 1 {
		return nil, fmt.Errorf("minimum matching nodes must be at least 1, got %d",
			opts.MinMatchingNodes)
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = defaultCacheSize
	}
	if opts.MaxChainLength <= 0 {
		opts.MaxChainLength = DefaultMaxChainLength
	}
	s, err := newStore(opts.Dir, opts.CacheSize)
	if err != nil {
		return nil, err
	}
	return &Joiner{
		minMatch: opts.MinMatchingNodes,
		maxLen:   opts.MaxChainLength,
		store:    s,
		threads:  make(map[threadKey][]int),
	}, nil
}

// AddCallChain appends a chain to the sequence of its thread.
func (j *Joiner) AddCallChain(pid, tid uint32, kind ChainKind, ips, sps []uint64) error {
	if j.joined {
		return ErrJoined
	}
	if len(ips) != len(sps) {
		return fmt.Errorf("call chain has %d ips but %d sps", len(ips), len(sps))
	}
	ref, err := j.store.put(ips, sps)
	if err != nil {
		return err
	}
	key := threadKey{pid: pid, tid: tid}
	j.threads[key] = append(j.threads[key], len(j.entries))
	j.entries = append(j.entries, entry{thread: key, kind: kind, ref: ref})
	j.stat.ChainCount++
	j.stat.BeforeJoinNodeCount += uint64(len(ips))
	return nil
}

// JoinCallChains joins the chains of every thread. Each chain is extended
// with the frames of the next chain of its thread when the outermost frames
// of the one are the innermost frames of the other. The next chain is
// joined first, so extensions carry over along a run of chains.
func (j *Joiner) JoinCallChains() error {
	if j.joined {
		return ErrJoined
	}
	j.joined = true
	keys := make([]threadKey, 0, len(j.threads))
	for k := range j.threads {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b threadKey) int {
		if c := cmp.Compare(a.pid, b.pid); c != 0 {
			return c
		}
		return cmp.Compare(a.tid, b.tid)
	})

	for _, key := range keys {
		indices := j.threads[key]
		var nextIPs, nextSPs []uint64
		for i := len(indices) - 1; i >= 0; i-- {
			e := &j.entries[indices[i]]
			ips, sps, err := j.store.get(e.ref)
			if err != nil {
				return err
			}
			if e.kind == KindOriginal && nextIPs != nil {
				if k := overlap(ips, nextIPs, j.minMatch); k > 0 && len(ips) < j.maxLen {
					end := min(len(nextIPs), k+j.maxLen-len(ips))
					ips = append(ips, nextIPs[k:end]...)
					sps = append(sps, nextSPs[k:end]...)
					if e.ref, err = j.store.put(ips, sps); err != nil {
						return err
					}
					e.kind = KindJoined
					j.stat.ExtendedChainCount++
				}
			}
			j.stat.AfterJoinNodeCount += uint64(len(ips))
			j.stat.MaxChainLength = max(j.stat.MaxChainLength, uint64(len(ips)))
			nextIPs, nextSPs = ips, sps
		}
	}
	j.stat.DedupedChains = j.store.deduped
	log.Debugf("Joined call chains: %d of %d extended, %d nodes before, %d after",
		j.stat.ExtendedChainCount, j.stat.ChainCount,
		j.stat.BeforeJoinNodeCount, j.stat.AfterJoinNodeCount)
	return nil
}

// overlap returns the largest k >= minMatch for which the last k frames of
// cur are the first k frames of next, and next has frames beyond them.
// Zero means the chains do not join.
func overlap(cur, next []uint64, minMatch int) int {
	for k := min(len(cur), len(next)-1); k >= minMatch; k-- {
		if slices.Equal(cur[len(cur)-k:], next[:k]) {
			return k
		}
	}
	return 0
}

// GetNextCallChain returns the chains in the order they were added, joined
// where possible. It returns io.EOF after the last chain.
func (j *Joiner) GetNextCallChain() (CallChain, error) {
	if !j.joined {
		return CallChain{}, ErrNotJoined
	}
	if j.next >= len(j.entries) {
		return CallChain{}, io.EOF
	}
	e := j.entries[j.next]
	j.next++
	ips, sps, err := j.store.get(e.ref)
	if err != nil {
		return CallChain{}, err
	}
	return CallChain{
		Pid:  e.thread.pid,
		Tid:  e.thread.tid,
		Kind: e.kind,
		IPs:  ips,
		SPs:  sps,
	}, nil
}

// Stat returns the statistics of the join pass.
func (j *Joiner) Stat() Stat {
	return j.stat
}

// Close removes the cache file.
func (j *Joiner) Close() error {
	j.entries = nil
	j.threads = nil
	return j.store.close()
}
