// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package cpuinfo // import "go.opentelemetry.io/perf-recorder/cpuinfo"

import (
	"context"
	"fmt"

	"github.com/mdlayher/kobject"
	log "github.com/sirupsen/logrus"
)

// Watcher listens for kernel uevents of the cpu subsystem. Each online or
// offline transition is reported as a wakeup on Events; the receiver is
// expected to re-read the online CPU list. Polling stays the source of truth
// since uevents can be dropped.
type Watcher struct {
	client *kobject.Client
	events chan struct{}
}

// NewWatcher opens a uevent netlink socket.
func NewWatcher() (*Watcher, error) {
	client, err := kobject.New()
	if err != nil {
		return nil, fmt.Errorf("failed to open uevent socket: %w", err)
	}
	return &Watcher{
		client: client,
		events: make(chan struct{}, 1),
	}, nil
}

// Events returns the wakeup channel.
func (w *Watcher) Events() <-chan struct{} {
	return w.events
}

// Run receives uevents until ctx is done or the socket fails.
func (w *Watcher) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = w.client.Close()
	}()
	for {
		ev, err := w.client.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("failed to receive uevent: %w", err)
		}
		if !isCPUHotplug(ev) {
			continue
		}
		log.Debugf("CPU uevent %s %s", ev.Action, ev.DevicePath)
		select {
		case w.events <- struct{}{}:
		default:
		}
	}
}

func isCPUHotplug(ev *kobject.Event) bool {
	if ev == nil || ev.Subsystem != "cpu" {
		return false
	}
	switch ev.Action {
	case kobject.Online, kobject.Offline, kobject.Add, kobject.Remove:
		return true
	}
	return false
}
