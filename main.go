// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"go.opentelemetry.io/perf-recorder/internal/controller"
	"go.opentelemetry.io/perf-recorder/vc"
)

type exitCode int

const (
	exitSuccess exitCode = 0
	exitFailure exitCode = 1

	// Go 'flag' package calls os.Exit(2) on flag parse errors, if ExitOnError is set
	exitParseError exitCode = 2
)

func main() {
	os.Exit(int(mainWithExitCode()))
}

func mainWithExitCode() exitCode {
	cfg, err := parseArgs()
	if err != nil {
		return parseError("Failure to parse arguments: %v", err)
	}

	if cfg.Version {
		fmt.Printf("%s\n", vc.Version())
		return exitSuccess
	}

	if cfg.VerboseMode {
		log.SetLevel(log.DebugLevel)
		// Dump the arguments in debug mode.
		cfg.Dump()
	}

	if err = cfg.Validate(); err != nil {
		return parseError("Invalid arguments: %v", err)
	}

	// Context to drive main goroutine and the record loop.
	ctx, cancel := signal.NotifyContext(context.Background(),
		unix.SIGINT, unix.SIGTERM, unix.SIGABRT)
	defer cancel()

	log.Infof("Starting perf-recorder %s (revision %s, build timestamp %s)",
		vc.Version(), vc.Revision(), vc.BuildTimestamp())

	ctlr := controller.New(cfg, controller.WithProgressTrigger(progressSignal(ctx)))
	if err = ctlr.Start(ctx); err != nil {
		ctlr.Shutdown()
		return exitWithError("Failed to start recording: %v", err)
	}
	_, err = ctlr.Wait()
	ctlr.Shutdown()
	if err != nil {
		return exitWithError("Recording failed: %v", err)
	}

	log.Info("Exiting ...")
	return exitSuccess
}

// progressSignal turns SIGUSR1 into progress log requests until ctx is done.
func progressSignal(ctx context.Context) <-chan struct{} {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, unix.SIGUSR1)
	trigger := make(chan struct{}, 1)
	go func() {
		defer signal.Stop(sig)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sig:
				select {
				case trigger <- struct{}{}:
				default:
				}
			}
		}
	}()
	return trigger
}

func parseError(msg string, args ...any) exitCode {
	log.Errorf(msg, args...)
	return exitParseError
}

// exitWithError logs err and returns the exit code it carries, if any.
func exitWithError(msg string, err error) exitCode {
	var exitErr controller.ErrorWithExitCode
	if errors.As(err, &exitErr) {
		log.Errorf(msg, exitErr.Unwrap())
		return exitCode(exitErr.Code())
	}
	return failure(msg, err)
}

func failure(msg string, args ...any) exitCode {
	log.Errorf(msg, args...)
	return exitFailure
}
