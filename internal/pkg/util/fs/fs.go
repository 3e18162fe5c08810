// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package fs provides small filesystem helpers shared by the launcher and
// the hooks.
package fs

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
)

// Exists reports whether path exists, following symlinks.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// IsDir reports whether path exists and is a directory.
func IsDir(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}

// MakeDirs creates path and any missing parents with the given mode.
func MakeDirs(path string, mode os.FileMode) error {
	if err := os.MkdirAll(path, mode); err != nil {
		return fmt.Errorf("while creating directory %s: %w", path, err)
	}
	return nil
}

// CreateFileIfMissing creates an empty file at path unless it already
// exists. Creation is atomic with respect to concurrent callers, so it is
// safe to use for uniquely-named rendezvous markers.
func CreateFileIfMissing(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return fmt.Errorf("while creating file %s: %w", path, err)
	}
	return f.Close()
}

// Owner returns the owning uid/gid of path without following symlinks.
func Owner(path string) (uid, gid uint32, err error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return 0, 0, fmt.Errorf("while examining %s: %w", path, err)
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, fmt.Errorf("no stat information for %s", path)
	}
	return st.Uid, st.Gid, nil
}

// CopyFile copies src to dst with the given mode, truncating dst if it
// exists.
func CopyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("while opening %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("while creating %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("while copying %s to %s: %w", src, dst, err)
	}
	return out.Close()
}

// WriteFileFsync writes data to path and flushes it to stable storage
// before returning, so that a subsequent rename publishes complete content.
func WriteFileFsync(path string, data []byte, mode os.FileMode) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("while creating %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("while writing %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("while syncing %s: %w", path, err)
	}
	return f.Close()
}

// ForceRemoveAll removes path and its contents, re-adding owner write and
// search permission where the tree forbids it, as extracted image layers
// routinely do.
func ForceRemoveAll(path string) error {
	if err := os.RemoveAll(path); err == nil {
		return nil
	}
	// the first attempt failed, fix up permissions and retry
	walkErr := filepath.Walk(path, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if fi.IsDir() {
			os.Chmod(p, fi.Mode().Perm()|0o700)
		}
		return nil
	})
	if walkErr != nil {
		return fmt.Errorf("while fixing permissions under %s: %w", path, walkErr)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("while removing %s: %w", path, err)
	}
	return nil
}
