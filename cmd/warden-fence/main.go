// Copyright 2026 The Warden Authors
// SPDX-License-Identifier: Apache-2.0

// Warden-fence is the fencing admin client: it loads the device
// table, checks which devices can reach a target, and (on request)
// fences it, printing the outcome. It speaks to the devices directly
// rather than through a controller, which makes it usable for
// validating device configuration before the cluster depends on it.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/warden-foundation/warden/agentexec"
	"github.com/warden-foundation/warden/fencing"
	"github.com/warden-foundation/warden/lib/clock"
	"github.com/warden-foundation/warden/lib/process"
	"github.com/warden-foundation/warden/membership"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		deviceFile string
		target     string
		action     string
		timeout    time.Duration
		listOnly   bool
		verbose    bool
	)
	pflag.StringVar(&deviceFile, "devices", "/etc/warden/fencing.jsonc", "fencing device definition file")
	pflag.StringVar(&target, "target", "", "node to act on (required)")
	pflag.StringVar(&action, "action", "reboot", "fencing action (off, reboot, on)")
	pflag.DurationVar(&timeout, "timeout", 60*time.Second, "per-device agent timeout")
	pflag.BoolVar(&listOnly, "list", false, "only list the devices capable of fencing the target")
	pflag.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	pflag.Parse()

	if target == "" {
		return fmt.Errorf("--target is required")
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	definitions, err := fencing.LoadDevices(deviceFile)
	if err != nil {
		return err
	}

	clk := clock.Real()
	result := make(chan int, 1)
	coordinator := fencing.NewCoordinator(fencing.Config{
		Logger:    logger,
		Clock:     clk,
		LocalNode: hostname(),
		Runner:    fencing.NewAgentRunner(agentexec.NewRunner(logger, clk)),
		Cache:     membership.NewCache(logger, clk),
		OnResult:  func(cmd *fencing.Command, rc int) { result <- rc },
	})
	for _, def := range definitions {
		if err := coordinator.RegisterDevice(def); err != nil {
			return err
		}
	}

	capable := coordinator.SelectDevices(target)
	if listOnly {
		if len(capable) == 0 {
			fmt.Printf("no device can fence %s\n", target)
			return nil
		}
		for _, device := range capable {
			fmt.Printf("%s\t(priority %d, %s)\n", device.ID, device.Priority, device.Check)
		}
		return nil
	}

	correlationID, err := coordinator.Fence(target, action, timeout, "warden-fence")
	if err != nil {
		return err
	}
	logger.Debug("fencing scheduled", "correlation_id", correlationID)

	rc := <-result
	if rc != 0 {
		return fmt.Errorf("fencing %s failed on every capable device (rc %d)", target, rc)
	}
	fmt.Printf("%s: %s succeeded\n", target, action)
	return nil
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil {
		return "warden-fence"
	}
	return name
}
