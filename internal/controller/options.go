// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/perf-recorder/internal/controller"

import (
	"io"

	"go.opentelemetry.io/perf-recorder/recorder"
)

type Option interface {
	applyOption(*Controller) *Controller
}
type controllerOptionFunc func(*Controller) *Controller

func (f controllerOptionFunc) applyOption(c *Controller) *Controller {
	return f(c)
}

// WithWriter sends the recorded stream to w instead of the output file.
func WithWriter(w io.Writer) Option {
	return controllerOptionFunc(func(c *Controller) *Controller {
		c.writer = w
		return c
	})
}

// WithProgressTrigger logs the session progress on every receive.
func WithProgressTrigger(trigger <-chan struct{}) Option {
	return controllerOptionFunc(func(c *Controller) *Controller {
		c.progressTrigger = trigger
		return c
	})
}

// WithRecorderOptions passes options to the recorder.
func WithRecorderOptions(opts ...recorder.Option) Option {
	return controllerOptionFunc(func(c *Controller) *Controller {
		c.recorderOpts = append(c.recorderOpts, opts...)
		return c
	})
}
