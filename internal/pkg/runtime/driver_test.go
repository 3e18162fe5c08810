// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package runtime

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/crampon-hpc/crampon/internal/pkg/errdefs"
)

// fakeRunc writes a shell script standing in for the runtime binary.
func fakeRunc(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runc")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDriverPropagatesExitCode(t *testing.T) {
	d := NewDriver(fakeRunc(t, "exit 7"), t.TempDir())
	code, err := d.Run(context.Background(), t.TempDir(), "test-container")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if code != 7 {
		t.Errorf("Run() exit code = %d, want 7", code)
	}
}

func TestDriverSuccess(t *testing.T) {
	d := NewDriver(fakeRunc(t, "exit 0"), t.TempDir())
	code, err := d.Run(context.Background(), t.TempDir(), "test-container")
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if code != 0 {
		t.Errorf("Run() exit code = %d, want 0", code)
	}
}

func TestDriverMissingBinary(t *testing.T) {
	d := NewDriver(filepath.Join(t.TempDir(), "no-such-runc"), t.TempDir())
	_, err := d.Run(context.Background(), t.TempDir(), "test-container")
	if !errdefs.IsKind(err, errdefs.RuntimeFailed) {
		t.Errorf("Run() = %v, want RuntimeFailed", err)
	}
}
