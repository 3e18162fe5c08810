// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package hooks

import (
	"fmt"
	"os"
	"runtime"

	"golang.org/x/sys/unix"

	"github.com/crampon-hpc/crampon/internal/pkg/errdefs"
	"github.com/crampon-hpc/crampon/pkg/clog"
)

// EnterMountNamespace moves the calling thread into the mount namespace of
// pid. The goroutine stays locked to its OS thread afterwards; hooks are
// short-lived single-purpose processes that exec or exit from there.
func EnterMountNamespace(pid int) error {
	return enterNamespace(pid, "mnt", unix.CLONE_NEWNS)
}

// EnterPidNamespace moves the calling thread into the pid namespace of
// pid. Only children forked afterwards are placed in the namespace.
func EnterPidNamespace(pid int) error {
	return enterNamespace(pid, "pid", unix.CLONE_NEWPID)
}

func enterNamespace(pid int, name string, nstype int) error {
	runtime.LockOSThread()

	target := fmt.Sprintf("/proc/%d/ns/%s", pid, name)
	before, err := os.Readlink(fmt.Sprintf("/proc/self/ns/%s", name))
	if err != nil {
		return errdefs.Wrapf(errdefs.HookExecutionFailed, err, "while reading current %s namespace", name)
	}
	want, err := os.Readlink(target)
	if err != nil {
		return errdefs.Wrapf(errdefs.HookExecutionFailed, err, "while reading %s", target)
	}

	f, err := os.Open(target)
	if err != nil {
		return errdefs.Wrapf(errdefs.HookExecutionFailed, err, "while opening %s", target)
	}
	defer f.Close()

	if err := unix.Setns(int(f.Fd()), nstype); err != nil {
		return errdefs.Wrapf(errdefs.HookExecutionFailed, err, "while entering %s namespace of pid %d", name, pid)
	}

	// verify the transition by comparing namespace identifiers
	after, err := os.Readlink(fmt.Sprintf("/proc/self/ns/%s", name))
	if err != nil {
		return errdefs.Wrapf(errdefs.HookExecutionFailed, err, "while verifying %s namespace entry", name)
	}
	if after != want {
		return errdefs.Newf(errdefs.HookExecutionFailed,
			"%s namespace entry not effective: in %s, want %s", name, after, want)
	}
	clog.Debugf("Entered %s namespace of pid %d (%s -> %s)", name, pid, before, after)
	return nil
}
