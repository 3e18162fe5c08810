// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package security

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/crampon-hpc/crampon/internal/pkg/errdefs"
)

func TestAssertNotGroupOrWorldWritable(t *testing.T) {
	tests := []struct {
		name    string
		mode    os.FileMode
		wantErr bool
	}{
		{"OwnerOnly", 0o600, false},
		{"OwnerGroupRead", 0o640, false},
		{"GroupWritable", 0o660, true},
		{"WorldWritable", 0o606, true},
		{"Open", 0o777, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "f")
			if err := os.WriteFile(path, []byte("x"), tt.mode); err != nil {
				t.Fatal(err)
			}
			// umask may clear bits on create, enforce the mode explicitly
			if err := os.Chmod(path, tt.mode); err != nil {
				t.Fatal(err)
			}
			err := AssertNotGroupOrWorldWritable(path)
			if (err != nil) != tt.wantErr {
				t.Errorf("AssertNotGroupOrWorldWritable() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errdefs.IsKind(err, errdefs.SecurityViolation) {
				t.Errorf("error kind = %v, want SecurityViolation", errdefs.KindOf(err))
			}
		})
	}
}

func TestAssertRootOwnedOnRoot(t *testing.T) {
	// the filesystem root is root-owned on any system these tests run on
	if err := AssertRootOwned("/"); err != nil {
		t.Errorf("AssertRootOwned(/) = %v, want nil", err)
	}
}

func TestAssertRootOwnedRejectsUserFile(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("running as root, created files are root-owned")
	}
	path := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	err := AssertRootOwned(path)
	if !errdefs.IsKind(err, errdefs.SecurityViolation) {
		t.Errorf("AssertRootOwned() = %v, want SecurityViolation", err)
	}
}

func TestAssertUntamperableMissingPath(t *testing.T) {
	g := NewGuard(true)
	err := g.AssertUntamperable(filepath.Join(t.TempDir(), "does-not-exist"))
	if err == nil {
		t.Error("AssertUntamperable() on missing path should fail")
	}
}

func TestDisabledGuardSkipsSweep(t *testing.T) {
	g := NewGuard(false)
	path := filepath.Join(t.TempDir(), "f")
	if err := os.WriteFile(path, []byte("x"), 0o666); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, 0o666); err != nil {
		t.Fatal(err)
	}
	if err := g.AssertUntamperable(path); err != nil {
		t.Errorf("disabled guard returned %v, want nil", err)
	}
}

func TestAssertUntamperableRejectsWritableDescendant(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("requires root to build a root-owned tree")
	}
	dir := t.TempDir()
	if err := os.Chmod(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	bad := filepath.Join(dir, "bad")
	if err := os.WriteFile(bad, []byte("x"), 0o666); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(bad, 0o666); err != nil {
		t.Fatal(err)
	}
	g := NewGuard(true)
	err := g.AssertUntamperable(dir)
	if !errdefs.IsKind(err, errdefs.SecurityViolation) {
		t.Errorf("AssertUntamperable() = %v, want SecurityViolation", err)
	}
}
