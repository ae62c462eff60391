// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

/*
Package metrics buffers and reports the internal metrics of a recording
session.

Metric IDs are generated from metrics.json into ids.go. New metrics are only
ever appended to metrics.json.

Providers call Add or AddSlice. All metrics added within the same second form
one batch, and each ID is taken at most once per batch. A batch is handed to
the OTel meter "go.opentelemetry.io/perf-recorder" and, if set, to the
Reporter installed with SetReporter. Counters with a zero value are dropped.

	metrics
	├── selfmetrics/    // goroutines, heap and rusage of the recorder process
	├── genids/         // ids.go generator
	├── metrics.go      // Add, AddSlice, Flush
	├── metrics.json    // metric definitions
	└── types.go        // Metric, MetricID, MetricValue, MetricDefinition
*/
package metrics // import "go.opentelemetry.io/perf-recorder/metrics"
