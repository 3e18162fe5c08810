// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package runtime drives the external OCI low-level runtime and
// orchestrates the launch path: image resolution, bundle assembly, runc
// execution and teardown.
package runtime

import (
	"context"
	"os"
	"os/exec"
	"os/signal"
	"syscall"

	"github.com/crampon-hpc/crampon/internal/pkg/errdefs"
	"github.com/crampon-hpc/crampon/pkg/clog"
)

// Driver spawns the low-level runtime against an assembled bundle.
type Driver struct {
	runcPath string
	stateDir string
}

// NewDriver returns a Driver using the verified runc binary at runcPath.
func NewDriver(runcPath, stateDir string) *Driver {
	return &Driver{runcPath: runcPath, stateDir: stateDir}
}

// Run executes `runc run` on the bundle and returns the container exit
// code. SIGINT, SIGTERM and SIGHUP received while the container runs are
// forwarded to the runtime, which delivers them to the container process.
func (d *Driver) Run(ctx context.Context, bundlePath, containerID string) (int, error) {
	args := []string{"--root", d.stateDir, "run", "-b", bundlePath, containerID}
	cmd := exec.CommandContext(ctx, d.runcPath, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	clog.Debugf("Calling runc with args %v", args)
	if err := cmd.Start(); err != nil {
		return -1, errdefs.Wrapf(errdefs.RuntimeFailed, err, "while starting OCI runtime %s", d.runcPath)
	}

	signals := make(chan os.Signal, 8)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case sig := <-signals:
				clog.Debugf("Forwarding signal %v to the container runtime", sig)
				if err := cmd.Process.Signal(sig); err != nil {
					clog.Warningf("While forwarding signal %v: %v", sig, err)
				}
			case <-done:
				return
			}
		}
	}()

	err := cmd.Wait()
	close(done)
	signal.Stop(signals)

	if err == nil {
		return 0, nil
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		// the container's own exit status is not a launch failure
		return exitErr.ExitCode(), nil
	}
	return -1, errdefs.Wrapf(errdefs.RuntimeFailed, err, "while running OCI runtime %s", d.runcPath)
}
