// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package recorder // import "go.opentelemetry.io/perf-recorder/recorder"

import (
	"go.opentelemetry.io/perf-recorder/eventselection"
	"go.opentelemetry.io/perf-recorder/unwinder"
)

type Option interface {
	applyOption(*Recorder) *Recorder
}
type recorderOptionFunc func(*Recorder) *Recorder

func (f recorderOptionFunc) applyOption(r *Recorder) *Recorder {
	return f(r)
}

// WithSetOptions sets the collaborators of the event selection set, such as
// the event openers and the online CPU source.
func WithSetOptions(opts eventselection.Options) Option {
	return recorderOptionFunc(func(r *Recorder) *Recorder {
		r.setOpts = opts
		return r
	})
}

// WithDeltaSource provides stack deltas for dwarf unwinding. Without one,
// samples are unwound by following frame pointers.
func WithDeltaSource(src unwinder.DeltaSource) Option {
	return recorderOptionFunc(func(r *Recorder) *Recorder {
		r.primitive = unwinder.DeltaPrimitive{Source: src}
		return r
	})
}

// WithPrimitive replaces the unwind primitive.
func WithPrimitive(p unwinder.Primitive) Option {
	return recorderOptionFunc(func(r *Recorder) *Recorder {
		r.primitive = p
		return r
	})
}

// WithArchiveResolver resolves libraries mapped from inside archives.
func WithArchiveResolver(res unwinder.ArchiveResolver) Option {
	return recorderOptionFunc(func(r *Recorder) *Recorder {
		r.archives = res
		return r
	})
}

// WithArch sets the architecture samples were taken on. This defaults to
// the host architecture.
func WithArch(arch unwinder.Arch) Option {
	return recorderOptionFunc(func(r *Recorder) *Recorder {
		r.arch = arch
		return r
	})
}

// WithHotplugTrigger forces a CPU hotplug check on every receive.
func WithHotplugTrigger(trigger <-chan struct{}) Option {
	return recorderOptionFunc(func(r *Recorder) *Recorder {
		r.hotplugTrigger = trigger
		return r
	})
}

// WithStartHook calls fn once events are enabled, right before the record
// loop starts.
func WithStartHook(fn func(*eventselection.Set)) Option {
	return recorderOptionFunc(func(r *Recorder) *Recorder {
		r.startHook = fn
		return r
	})
}
