// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package slurmsync implements a job-step wide rendezvous: every process
// of a Slurm job step signals its arrival in a shared directory and waits
// until all peers have done the same, symmetrically for departure. The
// barrier gives MPI-style launches a point where every container of the
// step exists before any application process starts.
package slurmsync

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/crampon-hpc/crampon/internal/pkg/errdefs"
	"github.com/crampon-hpc/crampon/internal/pkg/hooks"
	"github.com/crampon-hpc/crampon/internal/pkg/util/fs"
	"github.com/crampon-hpc/crampon/pkg/clog"
)

// ActivationEnv must be "1" in the container environment for the hook to
// run. The historical name is kept so existing site configurations keep
// working.
const ActivationEnv = "SARUS_SLURM_GLOBAL_SYNC_HOOK"

const (
	arrivalDir   = "arrival"
	departureDir = "departure"
)

// DefaultDeadline bounds the barrier wait when the scheduler passes none.
const DefaultDeadline = 10 * time.Minute

// pollInterval is the bounded sleep between directory scans.
const pollInterval = 100 * time.Millisecond

// Hook is one process's view of the rendezvous.
type Hook struct {
	syncDir  string
	procID   int
	ntasks   int
	uid      int
	gid      int
	deadline time.Duration

	// now and sleep are test seams.
	now   func() time.Time
	sleep func(time.Duration)
}

// New configures the rendezvous from the hook invocation. It returns
// (nil, nil) when the activation condition does not hold: the activation
// variable absent or not "1", or any of the SLURM variables missing.
func New(inv *hooks.Invocation, baseDir string, deadline time.Duration) (*Hook, error) {
	if v, ok := inv.LookupEnv(ActivationEnv); !ok || v != "1" {
		clog.Debugf("Slurm sync hook not activated")
		return nil, nil
	}

	vars := map[string]int{}
	for _, name := range []string{"SLURM_JOB_ID", "SLURM_STEPID", "SLURM_PROCID", "SLURM_NTASKS"} {
		v, ok := inv.LookupEnv(name)
		if !ok {
			clog.Debugf("Slurm sync hook not activated, %s is not set", name)
			return nil, nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, errdefs.Newf(errdefs.HookExecutionFailed, "invalid %s value %q", name, v)
		}
		vars[name] = n
	}
	if vars["SLURM_NTASKS"] < 1 {
		return nil, errdefs.Newf(errdefs.HookExecutionFailed, "SLURM_NTASKS must be positive")
	}

	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	uid, gid := inv.UserIdentity()
	return &Hook{
		syncDir: filepath.Join(baseDir, "slurm_global_sync",
			fmt.Sprintf("slurm-jobid-%d-stepid-%d", vars["SLURM_JOB_ID"], vars["SLURM_STEPID"])),
		procID:   vars["SLURM_PROCID"],
		ntasks:   vars["SLURM_NTASKS"],
		uid:      uid,
		gid:      gid,
		deadline: deadline,
		now:      time.Now,
		sleep:    time.Sleep,
	}, nil
}

// Run performs the full barrier: arrive, wait for all arrivals, depart,
// wait for all departures, and clean up when this process is rank 0.
func (h *Hook) Run() error {
	if err := h.SignalArrival(); err != nil {
		return err
	}
	if err := h.waitFor(h.AllInstancesArrived, "arrival"); err != nil {
		return err
	}
	if err := h.SignalDeparture(); err != nil {
		return err
	}
	if err := h.waitFor(h.AllInstancesDeparted, "departure"); err != nil {
		return err
	}
	if h.procID == 0 {
		return h.CleanupSyncDir()
	}
	return nil
}

// SyncDir returns the job-step rendezvous directory.
func (h *Hook) SyncDir() string {
	return h.syncDir
}

// SignalArrival creates this process's arrival marker. Calling it twice is
// harmless; the marker is created at most once.
func (h *Hook) SignalArrival() error {
	return h.signal(arrivalDir)
}

// SignalDeparture creates this process's departure marker.
func (h *Hook) SignalDeparture() error {
	return h.signal(departureDir)
}

func (h *Hook) signal(phase string) error {
	dir := filepath.Join(h.syncDir, phase)
	// concurrent creation by peers is expected and benign
	if err := fs.MakeDirs(dir, 0o755); err != nil {
		return errdefs.Wrapf(errdefs.IOFailure, err, "while creating rendezvous directory %s", dir)
	}
	marker := h.markerPath(phase)
	if err := fs.CreateFileIfMissing(marker); err != nil {
		return errdefs.Wrapf(errdefs.IOFailure, err, "while signalling %s", phase)
	}
	// markers belong to the invoking user so rank 0 can remove them, and
	// so the scheduler's accounting shows who owns the files
	if os.Geteuid() == 0 && h.uid != 0 {
		if err := os.Chown(marker, h.uid, h.gid); err != nil {
			return errdefs.Wrapf(errdefs.IOFailure, err, "while chowning %s", marker)
		}
		if err := os.Chown(filepath.Dir(marker), h.uid, h.gid); err != nil {
			clog.Debugf("Could not chown %s: %v", filepath.Dir(marker), err)
		}
	}
	return nil
}

func (h *Hook) markerPath(phase string) string {
	return filepath.Join(h.syncDir, phase, fmt.Sprintf("slurm-procid-%d", h.procID))
}

// AllInstancesArrived reports whether every process of the step has
// signalled arrival.
func (h *Hook) AllInstancesArrived() (bool, error) {
	return h.allSignalled(arrivalDir)
}

// AllInstancesDeparted reports whether every process of the step has
// signalled departure.
func (h *Hook) AllInstancesDeparted() (bool, error) {
	return h.allSignalled(departureDir)
}

func (h *Hook) allSignalled(phase string) (bool, error) {
	entries, err := os.ReadDir(filepath.Join(h.syncDir, phase))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errdefs.Wrapf(errdefs.IOFailure, err, "while scanning rendezvous directory")
	}
	count := 0
	for _, e := range entries {
		if len(e.Name()) > len("slurm-procid-") && e.Name()[:len("slurm-procid-")] == "slurm-procid-" {
			count++
		}
	}
	return count == h.ntasks, nil
}

// waitFor polls condition with a bounded sleep until it holds or the
// deadline expires.
func (h *Hook) waitFor(condition func() (bool, error), phase string) error {
	start := h.now()
	for {
		done, err := condition()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if h.now().Sub(start) >= h.deadline {
			return errdefs.Newf(errdefs.Timeout,
				"rank %d gave up waiting for %s of %d tasks after %s (rendezvous directory %s)",
				h.procID, phase, h.ntasks, h.deadline, h.syncDir)
		}
		h.sleep(pollInterval)
	}
}

// CleanupSyncDir removes the whole rendezvous tree. Only rank 0 calls
// this, after observing every departure.
func (h *Hook) CleanupSyncDir() error {
	if h.procID != 0 {
		return nil
	}
	if err := os.RemoveAll(h.syncDir); err != nil {
		return errdefs.Wrapf(errdefs.IOFailure, err, "while removing rendezvous directory %s", h.syncDir)
	}
	return nil
}
