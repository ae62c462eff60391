// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package eventselection // import "go.opentelemetry.io/perf-recorder/eventselection"

import (
	"container/heap"
	"fmt"
	"slices"

	"go.opentelemetry.io/perf-recorder/perfevent"
	"go.opentelemetry.io/perf-recorder/record"
)

// head tracks the unread span of one ring during one drain pass. The span is
// copied into the set's scratch buffer; pos and end index into it.
type head struct {
	attr  *perfevent.Attr
	ring  *perfevent.Ring
	start int
	pos   int
	end   int
	// time of the record at pos.
	time uint64
	// order breaks timestamp ties in favor of the ring visited first.
	order int
}

type headHeap []*head

func (h headHeap) Len() int { return len(h) }
func (h headHeap) Less(i, j int) bool {
	if h[i].time != h[j].time {
		return h[i].time < h[j].time
	}
	return h[i].order < h[j].order
}
func (h headHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *headHeap) Push(x any)   { *h = append(*h, x.(*head)) }
func (h *headHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

// ReadMmapEventData drains every ring and passes the records to handler in
// non-decreasing timestamp order. Only the bytes published by the producers
// when the call started are read. Consumed bytes are released to the
// producers before returning, also when handler fails.
func (s *Set) ReadMmapEventData(handler Handler) error {
	s.scratch = s.scratch[:0]
	s.heads = s.heads[:0]
	for _, key := range s.bufferKeys() {
		ring := s.buffers[key].Ring()
		if ring == nil {
			continue
		}
		start := len(s.scratch)
		var n int
		s.scratch, n = ring.Read(s.scratch)
		if n == 0 {
			continue
		}
		s.heads = append(s.heads, &head{
			attr:  s.buffers[key].Attr(),
			ring:  ring,
			start: start,
			pos:   start,
			end:   start + n,
			order: len(s.heads),
		})
	}
	if len(s.heads) == 0 {
		return nil
	}
	defer s.releaseHeads()

	if len(s.heads) == 1 {
		h := s.heads[0]
		for h.pos < h.end {
			if err := s.emit(h, handler); err != nil {
				return err
			}
		}
		return nil
	}

	hh := make(headHeap, 0, len(s.heads))
	for _, h := range s.heads {
		if err := s.peek(h); err != nil {
			return err
		}
		hh = append(hh, h)
	}
	heap.Init(&hh)
	for hh.Len() > 0 {
		h := hh[0]
		if err := s.emit(h, handler); err != nil {
			return err
		}
		if h.pos == h.end {
			heap.Pop(&hh)
			continue
		}
		if err := s.peek(h); err != nil {
			return err
		}
		heap.Fix(&hh, 0)
	}
	return nil
}

// bufferKeys returns the ring keys in a stable order.
func (s *Set) bufferKeys() []bufferKey {
	keys := make([]bufferKey, 0, len(s.buffers))
	for k := range s.buffers {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b bufferKey) int {
		switch {
		case a.inprocess != b.inprocess:
			if a.inprocess {
				return 1
			}
			return -1
		case a.cpu != b.cpu:
			return a.cpu - b.cpu
		}
		return a.tid - b.tid
	})
	return keys
}

// peek decodes the timestamp of the record at h.pos.
func (s *Set) peek(h *head) error {
	data := s.scratch[h.pos:h.end]
	t, err := record.Timestamp(h.attr, data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	h.time = t
	return nil
}

// emit decodes the record at h.pos, advances h and calls handler.
func (s *Set) emit(h *head, handler Handler) error {
	data := s.scratch[h.pos:h.end]
	size, err := record.Size(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	data = data[:size]
	rec, err := record.Decode(h.attr, data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	h.pos += size

	ev := &Event{AttrIndex: -1, Attr: h.attr, Data: data, Record: rec}
	if id, ok := recordID(rec); ok {
		if idx, ok := s.selectionForID(id); ok {
			ev.AttrIndex = idx
			ev.Attr = s.selections[idx].Attr
		}
	}
	return handler(ev)
}

// releaseHeads hands the consumed part of every span back to its producer.
func (s *Set) releaseHeads() {
	for _, h := range s.heads {
		if consumed := h.pos - h.start; consumed > 0 {
			h.ring.Discard(consumed)
		}
	}
	clear(s.heads)
	s.heads = s.heads[:0]
}

// recordID returns the sample id a record carries.
func recordID(rec record.Record) (uint64, bool) {
	switch r := rec.(type) {
	case *record.SampleRecord:
		return r.ID, true
	case *record.MmapRecord:
		return r.SampleID.ID, true
	case *record.Mmap2Record:
		return r.SampleID.ID, true
	case *record.CommRecord:
		return r.SampleID.ID, true
	case *record.TaskRecord:
		return r.SampleID.ID, true
	case *record.LostRecord:
		return r.ID, true
	case *record.LostSamplesRecord:
		return r.SampleID.ID, true
	case *record.GenericRecord:
		return r.SampleID.ID, true
	}
	return 0, false
}
