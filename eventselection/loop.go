// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package eventselection // import "go.opentelemetry.io/perf-recorder/eventselection"

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// RunOptions tunes the event loop.
type RunOptions struct {
	// HotplugTrigger forces a hotplug check, for example on CPU uevents.
	HotplugTrigger <-chan struct{}
	// LivenessInterval is the period of the check whether monitored targets
	// still exist. Zero disables it.
	LivenessInterval time.Duration
}

// Run drives the session until ctx is done, handler returns ErrStopped or
// all monitored targets exited. Every exit path except an error drains the
// rings a last time. Decoding, merging and handler calls all happen on the
// calling goroutine.
func (s *Set) Run(ctx context.Context, handler Handler, opts RunOptions) error {
	poller := newPoller(s.pollTimeout)
	poller.update(s.pollFDs())

	pollCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		poller.run(pollCtx)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	var hotplugTick <-chan time.Time
	if s.hotplug != nil {
		ticker := time.NewTicker(s.hotplug.interval)
		defer ticker.Stop()
		hotplugTick = ticker.C
	}
	var livenessTick <-chan time.Time
	if opts.LivenessInterval > 0 && !s.systemWide {
		ticker := time.NewTicker(opts.LivenessInterval)
		defer ticker.Stop()
		livenessTick = ticker.C
	}

	var inprocessReady <-chan struct{}
	if s.inprocessOpener != nil {
		inprocessReady = s.inprocessOpener.Notify()
	}

	stop := func(err error) error {
		if errors.Is(err, ErrStopped) {
			return nil
		}
		return err
	}

	for {
		var err error
		select {
		case <-ctx.Done():
			log.Debugf("Record loop cancelled, flushing buffers")
			return stop(s.ReadMmapEventData(handler))
		case <-poller.ready:
			err = s.ReadMmapEventData(handler)
			poller.resume()
		case <-inprocessReady:
			err = s.ReadMmapEventData(handler)
		case <-hotplugTick:
			err = s.detectHotplug(poller, handler)
		case <-opts.HotplugTrigger:
			err = s.detectHotplug(poller, handler)
		case <-livenessTick:
			if !s.TargetsAlive() {
				log.Infof("All monitored targets exited")
				return stop(s.ReadMmapEventData(handler))
			}
		}
		if err != nil {
			return stop(err)
		}
	}
}

func (s *Set) detectHotplug(p *poller, handler Handler) error {
	if s.hotplug == nil {
		return nil
	}
	err := s.DetectCpuHotplugEvents(s.hotplug, handler)
	p.update(s.pollFDs())
	return err
}

// pollFDs returns the descriptors of ring owners that can be polled.
func (s *Set) pollFDs() []unix.PollFd {
	var fds []unix.PollFd
	for _, key := range s.bufferKeys() {
		if fd := s.buffers[key].FD(); fd >= 0 {
			fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		}
	}
	return fds
}

// poller waits for readable ring descriptors on its own goroutine and
// signals ready. After a signal it pauses until resume is called, so a
// level triggered descriptor does not spin while its ring is being drained.
type poller struct {
	fds     atomic.Pointer[[]unix.PollFd]
	timeout time.Duration
	ready   chan struct{}
	resumed chan struct{}
}

func newPoller(timeout time.Duration) *poller {
	return &poller{
		timeout: timeout,
		ready:   make(chan struct{}),
		resumed: make(chan struct{}, 1),
	}
}

func (p *poller) update(fds []unix.PollFd) {
	p.fds.Store(&fds)
}

func (p *poller) resume() {
	select {
	case p.resumed <- struct{}{}:
	default:
	}
}

func (p *poller) run(ctx context.Context) {
	timeoutMs := int(p.timeout / time.Millisecond)
	for ctx.Err() == nil {
		fds := *p.fds.Load()
		if len(fds) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.timeout):
				continue
			}
		}
		// Poll writes revents, so work on a copy.
		fds = append([]unix.PollFd(nil), fds...)
		n, err := unix.Poll(fds, timeoutMs)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			log.Errorf("Failed to poll event files: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.timeout):
			}
			continue
		}
		if n == 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case p.ready <- struct{}{}:
		}
		select {
		case <-ctx.Done():
			return
		case <-p.resumed:
		}
	}
}
