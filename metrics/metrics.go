// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package metrics // import "go.opentelemetry.io/perf-recorder/metrics"

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"go.opentelemetry.io/perf-recorder/vc"
)

//go:embed metrics.json
var metricsJSON []byte

// Reporter receives every batch of metrics next to the OTel instruments.
type Reporter interface {
	ReportMetrics(timestamp uint32, ids []uint32, values []int64)
}

// instruments maps metric IDs to the OTel instrument recording them.
type instruments struct {
	types    map[MetricID]MetricType
	counters map[MetricID]metric.Int64Counter
	gauges   map[MetricID]metric.Int64Gauge
}

func newInstruments(defs []MetricDefinition) *instruments {
	meter := otel.Meter("go.opentelemetry.io/perf-recorder",
		metric.WithInstrumentationVersion(vc.Version()))
	in := &instruments{
		types:    make(map[MetricID]MetricType, len(defs)),
		counters: map[MetricID]metric.Int64Counter{},
		gauges:   map[MetricID]metric.Int64Gauge{},
	}
	for _, md := range defs {
		if md.Obsolete {
			continue
		}
		in.types[md.ID] = md.Type
		desc := metric.WithDescription(md.Description)
		unit := metric.WithUnit(md.Unit)
		switch md.Type {
		case MetricTypeCounter:
			c, err := meter.Int64Counter(md.Name, desc, unit)
			if err != nil {
				log.Errorf("Creating counter %s: %v", md.Name, err)
				continue
			}
			in.counters[md.ID] = c
		case MetricTypeGauge:
			g, err := meter.Int64Gauge(md.Name, desc, unit)
			if err != nil {
				log.Errorf("Creating gauge %s: %v", md.Name, err)
				continue
			}
			in.gauges[md.ID] = g
		default:
			panic(fmt.Sprintf("metric %s has unknown type %q", md.Name, md.Type))
		}
	}
	return in
}

func (in *instruments) record(ctx context.Context, m Metric) {
	switch in.types[m.ID] {
	case MetricTypeCounter:
		if c, ok := in.counters[m.ID]; ok {
			c.Add(ctx, int64(m.Value))
		}
	case MetricTypeGauge:
		if g, ok := in.gauges[m.ID]; ok {
			g.Record(ctx, int64(m.Value))
		}
	}
}

// batch collects the metrics of one second. Each ID is taken once.
type batch struct {
	mu        sync.Mutex
	timestamp uint32
	metrics   []Metric
	seen      [IDMax]bool
	reporter  Reporter
}

func (b *batch) add(in *instruments, ts uint32, ms []Metric) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.timestamp != ts {
		b.flushLocked(in)
	}
	b.timestamp = ts

	for _, m := range ms {
		if m.ID <= IDInvalid || m.ID >= IDMax {
			log.Errorf("Metric ID %d out of range [%d,%d]", m.ID, IDInvalid+1, IDMax-1)
			continue
		}
		typ, ok := in.types[m.ID]
		if !ok {
			log.Warnf("Unknown metric ID %d, skipping", m.ID)
			continue
		}
		if m.Value == 0 && typ == MetricTypeCounter {
			continue
		}
		if b.seen[m.ID] {
			// Self metrics are sampled every second and may land twice.
			if m.ID > IDRecorderSTime {
				log.Warnf("Metric ID %d:%v reported twice in one batch", m.ID, m.Value)
			}
			continue
		}
		b.seen[m.ID] = true
		b.metrics = append(b.metrics, m)
	}
}

func (b *batch) flushLocked(in *instruments) {
	if len(b.metrics) == 0 {
		return
	}
	if b.reporter != nil {
		ids := make([]uint32, len(b.metrics))
		values := make([]int64, len(b.metrics))
		for i, m := range b.metrics {
			ids[i] = uint32(m.ID)
			values[i] = int64(m.Value)
		}
		b.reporter.ReportMetrics(b.timestamp, ids, values)
	}
	ctx := context.Background()
	for _, m := range b.metrics {
		in.record(ctx, m)
	}
	b.metrics = b.metrics[:0]
	b.seen = [IDMax]bool{}
}

var (
	defaultInstruments = newInstruments(GetDefinitions())
	current            batch

	// now returns the batching timestamp in seconds.
	now = func() uint32 { return uint32(time.Now().Unix()) }
)

// SetReporter installs r as additional receiver of metric batches.
func SetReporter(r Reporter) {
	current.mu.Lock()
	defer current.mu.Unlock()
	current.reporter = r
}

// AddSlice buffers metrics and returns immediately.
//
// Metrics are batched per second. The first call in a new second reports the
// batch of the previous one, so every batch carries the timestamp its metrics
// were taken at.
//
//	|----------------- 1s period -------------|
//	|--+--------------------------+-----------|--+--......
//	|                          |              |
//	AddSlice(ID1)              |              |
//	                           AddSlice(ID2)  |
//	                                          |
//	                                          report, AddSlice(ID1)
func AddSlice(ms []Metric) {
	current.add(defaultInstruments, now(), ms)
}

// Add buffers a single metric.
func Add(id MetricID, value MetricValue) {
	AddSlice([]Metric{{id, value}})
}

// Flush reports the buffered batch without waiting for the next second.
// It is called once at the end of a recording session.
func Flush() {
	current.mu.Lock()
	defer current.mu.Unlock()
	current.flushLocked(defaultInstruments)
}

// GetDefinitions returns the metric definitions from the embedded metrics.json file.
func GetDefinitions() []MetricDefinition {
	var defs []MetricDefinition

	dec := json.NewDecoder(bytes.NewReader(metricsJSON))
	dec.DisallowUnknownFields()

	if err := dec.Decode(&defs); err != nil {
		panic(fmt.Sprintf("extracting definitions from metrics.json: %v", err))
	}
	return defs
}
