// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package security verifies that paths consumed with elevated privilege
// cannot have been tampered with by unprivileged users. A path is
// untamperable when it, every ancestor up to the filesystem root, and (for
// directories) every descendant is owned by uid 0 and carries neither the
// group-write nor the world-write permission bit.
package security

import (
	"io/fs"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/crampon-hpc/crampon/internal/pkg/errdefs"
	"github.com/crampon-hpc/crampon/pkg/clog"
)

// Guard runs untamperability sweeps. When disabled by the administrator it
// skips the deep sweeps; the primitive single-file checks remain available
// as package functions and are always applied to the configuration file
// itself.
type Guard struct {
	enabled bool
}

// NewGuard returns a Guard honoring the securityChecks configuration
// toggle.
func NewGuard(enabled bool) *Guard {
	return &Guard{enabled: enabled}
}

// Enabled reports whether deep sweeps are active.
func (g *Guard) Enabled() bool { return g.enabled }

// AssertUntamperable verifies path, all its ancestors up to the root, and,
// when path is a directory, all its descendants. The first offending entry
// fails the whole check.
func (g *Guard) AssertUntamperable(path string) error {
	if !g.enabled {
		clog.Debugf("Security checks disabled, skipping untamperability sweep of %s", path)
		return nil
	}
	clog.Debugf("Checking that %s is untamperable", path)

	abs, err := filepath.Abs(path)
	if err != nil {
		return errdefs.Wrapf(errdefs.IOFailure, err, "while resolving %s", path)
	}

	for p := abs; ; p = filepath.Dir(p) {
		if err := assertEntryUntamperable(p); err != nil {
			return err
		}
		if p == filepath.Dir(p) {
			break
		}
	}

	if fi, err := os.Stat(abs); err == nil && fi.IsDir() {
		err := filepath.WalkDir(abs, func(p string, _ fs.DirEntry, err error) error {
			if err != nil {
				return errdefs.Wrapf(errdefs.IOFailure, err, "while walking %s", abs)
			}
			return assertEntryUntamperable(p)
		})
		if err != nil {
			return err
		}
	}

	return nil
}

func assertEntryUntamperable(path string) error {
	if err := AssertRootOwned(path); err != nil {
		return err
	}
	return AssertNotGroupOrWorldWritable(path)
}

// AssertRootOwned verifies that path is owned by uid 0. This is the weak
// single-file check applied to the configuration file regardless of the
// securityChecks toggle.
func AssertRootOwned(path string) error {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return errdefs.Wrapf(errdefs.IOFailure, err, "while examining %s", path)
	}
	return assertStatRootOwned(path, &st)
}

// AssertNotGroupOrWorldWritable verifies that path carries neither the
// group-write nor the world-write permission bit.
func AssertNotGroupOrWorldWritable(path string) error {
	var st unix.Stat_t
	if err := unix.Lstat(path, &st); err != nil {
		return errdefs.Wrapf(errdefs.IOFailure, err, "while examining %s", path)
	}
	return assertStatNotGroupOrWorldWritable(path, &st)
}

// AssertFileUntamperable applies both weak checks to an already-open file,
// using the held descriptor so that the verified inode is the one that was
// read.
func AssertFileUntamperable(f *os.File) error {
	var st unix.Stat_t
	if err := unix.Fstat(int(f.Fd()), &st); err != nil {
		return errdefs.Wrapf(errdefs.IOFailure, err, "while examining %s", f.Name())
	}
	if err := assertStatRootOwned(f.Name(), &st); err != nil {
		return err
	}
	return assertStatNotGroupOrWorldWritable(f.Name(), &st)
}

func assertStatRootOwned(path string, st *unix.Stat_t) error {
	if st.Uid != 0 {
		return errdefs.Newf(errdefs.SecurityViolation,
			"%s must be owned by root to prevent other users from tampering with its contents, found uid=%d gid=%d",
			path, st.Uid, st.Gid)
	}
	return nil
}

func assertStatNotGroupOrWorldWritable(path string, st *unix.Stat_t) error {
	if st.Mode&(unix.S_IWGRP|unix.S_IWOTH) != 0 {
		return errdefs.Newf(errdefs.SecurityViolation,
			"%s cannot be group- or world-writable to prevent other users from tampering with its contents, found mode=%04o",
			path, st.Mode&0o7777)
	}
	return nil
}
