// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package mount

import (
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/crampon-hpc/crampon/internal/pkg/errdefs"
	"github.com/crampon-hpc/crampon/internal/pkg/util/fs"
	"github.com/crampon-hpc/crampon/pkg/clog"
)

// Bind performs a single bind mount of source onto target, both already
// resolved to host paths, with an optional read-only remount. It is the
// executor the hooks share for grafting host files into a rootfs; the
// planned per-run mounts travel through the bundle configuration instead
// and are applied by the low-level runtime.
func Bind(source, target string, flags uintptr) error {
	return applyEntry(bindEntry(source, target, flags))
}

// bindEntry compiles a bind request into mount(2) arguments. A read-only
// bind carries a second remount step, as the kernel ignores MS_RDONLY on
// the initial bind.
func bindEntry(source, target string, flags uintptr) Entry {
	e := Entry{
		Source: source,
		Target: target,
		FSType: "none",
		Flags:  (flags | unix.MS_BIND) &^ unix.MS_RDONLY,
	}
	if flags&unix.MS_RDONLY != 0 {
		e.Remount = &Entry{
			Target: target,
			Flags:  flags | unix.MS_BIND | unix.MS_REMOUNT,
		}
	}
	return e
}

func applyEntry(e Entry) error {
	if err := prepareTarget(e.Source, e.Target); err != nil {
		return err
	}

	clog.Debugf("Mounting %s on %s (flags %#x)", e.Source, e.Target, e.Flags)
	if err := unix.Mount(e.Source, e.Target, e.FSType, e.Flags, e.Data); err != nil {
		return errdefs.Wrapf(errdefs.IOFailure, err, "while mounting %s on %s", e.Source, e.Target)
	}
	if e.Remount != nil {
		if err := unix.Mount("", e.Remount.Target, "", e.Remount.Flags, ""); err != nil {
			return errdefs.Wrapf(errdefs.IOFailure, err, "while remounting %s read-only", e.Remount.Target)
		}
	}
	return nil
}

// prepareTarget creates the mount target inside the rootfs: a directory
// for directory sources, an empty file otherwise.
func prepareTarget(source, target string) error {
	if fs.Exists(target) {
		return nil
	}
	if err := fs.MakeDirs(filepath.Dir(target), 0o755); err != nil {
		return errdefs.Wrapf(errdefs.IOFailure, err, "while preparing mount target %s", target)
	}
	if fs.IsDir(source) {
		if err := os.Mkdir(target, 0o755); err != nil && !os.IsExist(err) {
			return errdefs.Wrapf(errdefs.IOFailure, err, "while creating mount point %s", target)
		}
		return nil
	}
	if err := fs.CreateFileIfMissing(target); err != nil {
		return errdefs.Wrapf(errdefs.IOFailure, err, "while creating mount point %s", target)
	}
	return nil
}
