// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package priv implements scoped privilege transitions for a binary that
// may run setuid-root or with ambient capabilities. EscalateRealEffective
// and AsUser are bound to one OS thread, whose goroutine is locked for
// their duration; AsUserProcess changes the identity of the whole process.
package priv

import (
	"fmt"
	"runtime"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/crampon-hpc/crampon/pkg/clog"
)

// DropFunc restores the identity that was in effect before an escalation.
type DropFunc func() error

// EscalateRealEffective locks the current goroutine to its OS thread and
// raises the real and effective uid to root, keeping the invoking uid as
// the saved set-user-ID. The returned DropFunc must be called to drop back
// and unlock the goroutine at the earliest suitable point.
func EscalateRealEffective() (DropFunc, error) {
	runtime.LockOSThread()
	uid, _, _ := unix.Getresuid()

	drop := func() error {
		defer runtime.UnlockOSThread()
		clog.Debugf("Dropping privileges r/e/s: %d/%d/%d", uid, uid, 0)
		return unix.Setresuid(uid, uid, 0)
	}

	clog.Debugf("Escalating privileges r/e/s: %d/%d/%d", 0, 0, uid)
	// unix.Setresuid makes a direct syscall which escalates only this
	// thread. Since Go 1.16 syscall.Setresuid is all-thread.
	return drop, unix.Setresuid(0, 0, uid)
}

// AsUserProcess runs fn with the real and effective uid/gid of the whole
// process set to the given identity, keeping root as the saved set-user-ID
// so the transition can be undone. Unlike AsUser this also applies to
// subprocesses spawned by fn. No-op when the process has no privilege to
// transition from.
func AsUserProcess(uid, gid int, fn func() error) error {
	if unix.Geteuid() != 0 || uid == 0 {
		return fn()
	}

	// syscall.Setresuid applies to every thread since Go 1.16
	if err := syscall.Setresgid(gid, gid, 0); err != nil {
		return fmt.Errorf("while setting process gid %d: %w", gid, err)
	}
	if err := syscall.Setresuid(uid, uid, 0); err != nil {
		syscall.Setresgid(0, 0, 0)
		return fmt.Errorf("while setting process uid %d: %w", uid, err)
	}

	fnErr := fn()

	if err := syscall.Setresuid(0, 0, 0); err != nil {
		return fmt.Errorf("while restoring process root uid: %w", err)
	}
	if err := syscall.Setresgid(0, 0, 0); err != nil {
		return fmt.Errorf("while restoring process root gid: %w", err)
	}
	return fnErr
}

// AsUser runs fn with the real and effective uid/gid set to the given
// identity, restoring root on every exit path. The caller must currently be
// privileged.
func AsUser(uid, gid int, fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if err := unix.Setresgid(gid, gid, 0); err != nil {
		return fmt.Errorf("while setting gid %d: %w", gid, err)
	}
	if err := unix.Setresuid(uid, uid, 0); err != nil {
		unix.Setresgid(0, 0, 0)
		return fmt.Errorf("while setting uid %d: %w", uid, err)
	}

	fnErr := fn()

	if err := unix.Setresuid(0, 0, 0); err != nil {
		return fmt.Errorf("while restoring root uid: %w", err)
	}
	if err := unix.Setresgid(0, 0, 0); err != nil {
		return fmt.Errorf("while restoring root gid: %w", err)
	}
	return fnErr
}
