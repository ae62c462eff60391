// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package controller // import "go.opentelemetry.io/perf-recorder/internal/controller"

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"go.opentelemetry.io/perf-recorder/cpuinfo"
	"go.opentelemetry.io/perf-recorder/metrics/selfmetrics"
	"go.opentelemetry.io/perf-recorder/periodiccaller"
	"go.opentelemetry.io/perf-recorder/recorder"
	"go.opentelemetry.io/perf-recorder/rlimit"
	"go.opentelemetry.io/perf-recorder/times"
)

// exitParseError is the exit code of invalid arguments, as for flag parsing.
const exitParseError = 2

// Controller is an instance that runs, manages and stops a recording
// session.
type Controller struct {
	config *Config

	// out is the output file. It is nil if output was set as an option.
	out    *os.File
	writer io.Writer

	progressTrigger <-chan struct{}
	recorderOpts    []recorder.Option

	group   *errgroup.Group
	summary *recorder.Summary
	cleanup []func()
}

// New creates a new controller
// The controller sets global process state such as the memlock limit on
// start. So there should only ever be one running.
func New(cfg *Config, opts ...Option) *Controller {
	c := &Controller{config: cfg}
	for _, opt := range opts {
		c = opt.applyOption(c)
	}
	return c
}

// Start sets up the session and starts recording in the background.
// The controller should only be started once.
func (c *Controller) Start(ctx context.Context) error {
	rc, err := c.config.RecorderConfig()
	if err != nil {
		return NewErrorWithExitCode(err, exitParseError)
	}

	restoreRlimit, err := rlimit.RaiseMemlock(ringBytes(rc.MmapMaxPages))
	if err != nil {
		// Unprivileged sessions still work with smaller rings.
		log.Warnf("Failed to raise memlock limit: %v", err)
	} else {
		c.cleanup = append(c.cleanup, restoreRlimit)
	}

	// Start periodic synchronization with the realtime clock
	times.StartRealtimeSync(ctx, c.config.ClockSyncInterval)

	stopSelf, err := selfmetrics.Start(ctx, times.DefaultMetricsInterval)
	if err != nil {
		return fmt.Errorf("failed to start self metrics: %w", err)
	}
	c.cleanup = append(c.cleanup, stopSelf)

	if c.writer == nil {
		f, err := os.Create(c.config.Output)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		c.out = f
		c.writer = f
	}

	// The uevent listener ends with the recording, not with ctx.
	runCtx, stopRun := context.WithCancel(ctx)
	c.cleanup = append(c.cleanup, stopRun)
	var g errgroup.Group
	opts := c.recorderOpts
	if !c.config.NoUevents && c.config.HotplugInterval > 0 {
		w, err := cpuinfo.NewWatcher()
		if err != nil {
			log.Warnf("CPU hotplug uevents unavailable, polling only: %v", err)
		} else {
			opts = append(opts, recorder.WithHotplugTrigger(w.Events()))
			g.Go(func() error {
				if err := w.Run(runCtx); err != nil {
					log.Warnf("CPU hotplug uevents stopped: %v", err)
				}
				return nil
			})
		}
	}

	rec, err := recorder.New(rc, c.writer, opts...)
	if err != nil {
		stopRun()
		_ = g.Wait()
		return err
	}

	if c.config.ProgressInterval > 0 || c.progressTrigger != nil {
		interval := c.config.ProgressInterval
		if interval == 0 {
			interval = time.Duration(1<<63 - 1)
		}
		stop := periodiccaller.StartWithManualTrigger(runCtx, interval, c.progressTrigger,
			func(manual bool) {
				records, samples, lost := rec.Progress()
				log.WithField("manual", manual).Infof(
					"Read %d records, %d samples, %d lost samples", records, samples, lost)
			})
		c.cleanup = append(c.cleanup, stop)
	}

	g.Go(func() error {
		defer stopRun()
		sum, err := rec.Run(runCtx)
		if err != nil {
			return err
		}
		c.summary = sum
		return nil
	})
	c.group = &g
	log.Infof("Recording to %s", c.config.Output)
	return nil
}

// Wait blocks until the session ended and returns its summary.
func (c *Controller) Wait() (*recorder.Summary, error) {
	if c.group == nil {
		return nil, errors.New("controller not started")
	}
	if err := c.group.Wait(); err != nil {
		return nil, err
	}
	return c.summary, nil
}

// Shutdown releases what Start acquired. It does not wait for the session;
// cancel the context passed to Start and call Wait for that.
func (c *Controller) Shutdown() {
	log.Info("Stop processing ...")
	for i := len(c.cleanup) - 1; i >= 0; i-- {
		c.cleanup[i]()
	}
	c.cleanup = nil
	if c.out != nil {
		if err := c.out.Close(); err != nil {
			log.Errorf("Failed to close %s: %v", c.out.Name(), err)
		}
		c.out = nil
	}
}

// ringBytes is the locked memory of one ring of maxPages data pages on every
// CPU, each with its metadata page.
func ringBytes(maxPages int) uint64 {
	return uint64(maxPages+1) * uint64(os.Getpagesize()) * uint64(runtime.NumCPU())
}
