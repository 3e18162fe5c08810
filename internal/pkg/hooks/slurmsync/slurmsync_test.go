// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package slurmsync

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/crampon-hpc/crampon/internal/pkg/errdefs"
	"github.com/crampon-hpc/crampon/internal/pkg/hooks"
	"github.com/crampon-hpc/crampon/internal/pkg/util/fs"
)

func invocation(t *testing.T, env []string) *hooks.Invocation {
	t.Helper()
	bundleDir := t.TempDir()
	spec := specs.Spec{
		Process: &specs.Process{Env: env},
		Root:    &specs.Root{Path: "rootfs"},
	}
	data, err := json.Marshal(spec)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(bundleDir, "config.json"), data, 0o644); err != nil {
		t.Fatal(err)
	}
	state, err := json.Marshal(specs.State{ID: "c", Bundle: bundleDir})
	if err != nil {
		t.Fatal(err)
	}
	inv, err := hooks.Ingest(strings.NewReader(string(state)))
	if err != nil {
		t.Fatal(err)
	}
	return inv
}

func slurmEnv(procID string) []string {
	return []string{
		ActivationEnv + "=1",
		"SLURM_JOB_ID=256",
		"SLURM_STEPID=32",
		"SLURM_PROCID=" + procID,
		"SLURM_NTASKS=2",
	}
}

func TestNewNotActivated(t *testing.T) {
	tests := []struct {
		name string
		env  []string
	}{
		{"NoEnv", nil},
		{"ActivationOnly", []string{ActivationEnv + "=1"}},
		{"SlurmVarsOnly", []string{"SLURM_JOB_ID=1", "SLURM_STEPID=0", "SLURM_PROCID=0", "SLURM_NTASKS=1"}},
		{"ActivationZero", append([]string{ActivationEnv + "=0"}, slurmEnv("0")[1:]...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := New(invocation(t, tt.env), t.TempDir(), 0)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if h != nil {
				t.Error("New() should return nil hook when not activated")
			}
		})
	}
}

func TestSyncDirLayout(t *testing.T) {
	base := t.TempDir()
	h, err := New(invocation(t, slurmEnv("0")), base, 0)
	if err != nil || h == nil {
		t.Fatalf("New() = %v, %v", h, err)
	}
	want := filepath.Join(base, "slurm_global_sync", "slurm-jobid-256-stepid-32")
	if h.SyncDir() != want {
		t.Errorf("SyncDir() = %q, want %q", h.SyncDir(), want)
	}
}

func TestSignalAndCount(t *testing.T) {
	h, err := New(invocation(t, slurmEnv("0")), t.TempDir(), 0)
	if err != nil || h == nil {
		t.Fatal(err)
	}

	if err := h.SignalArrival(); err != nil {
		t.Fatalf("SignalArrival() error = %v", err)
	}
	marker := filepath.Join(h.SyncDir(), "arrival", "slurm-procid-0")
	if !fs.Exists(marker) {
		t.Fatalf("arrival marker %s missing", marker)
	}

	// idempotent: a second signal leaves exactly one marker
	if err := h.SignalArrival(); err != nil {
		t.Fatalf("second SignalArrival() error = %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(h.SyncDir(), "arrival"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("arrival dir has %d entries, want 1", len(entries))
	}

	if done, err := h.AllInstancesArrived(); err != nil || done {
		t.Errorf("AllInstancesArrived() = %v, %v; want false", done, err)
	}

	// simulate the peer's arrival
	if err := fs.CreateFileIfMissing(filepath.Join(h.SyncDir(), "arrival", "slurm-procid-1")); err != nil {
		t.Fatal(err)
	}
	if done, err := h.AllInstancesArrived(); err != nil || !done {
		t.Errorf("AllInstancesArrived() = %v, %v; want true", done, err)
	}
}

func TestFullSynchronizationWithPeer(t *testing.T) {
	h, err := New(invocation(t, slurmEnv("0")), t.TempDir(), time.Second)
	if err != nil || h == nil {
		t.Fatal(err)
	}

	// the peer has already arrived and departed
	for _, phase := range []string{"arrival", "departure"} {
		if err := fs.MakeDirs(filepath.Join(h.SyncDir(), phase), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := fs.CreateFileIfMissing(filepath.Join(h.SyncDir(), phase, "slurm-procid-1")); err != nil {
			t.Fatal(err)
		}
	}

	if err := h.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	// rank 0 cleans the rendezvous directory
	if fs.Exists(h.SyncDir()) {
		t.Error("sync directory should be removed after rank 0 completes")
	}
}

func TestSingleTaskCompletesImmediately(t *testing.T) {
	env := []string{
		ActivationEnv + "=1",
		"SLURM_JOB_ID=7",
		"SLURM_STEPID=0",
		"SLURM_PROCID=0",
		"SLURM_NTASKS=1",
	}
	h, err := New(invocation(t, env), t.TempDir(), time.Second)
	if err != nil || h == nil {
		t.Fatal(err)
	}
	if err := h.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if fs.Exists(h.SyncDir()) {
		t.Error("sync directory should be removed")
	}
}

func TestNonZeroRankDoesNotCleanup(t *testing.T) {
	base := t.TempDir()
	h, err := New(invocation(t, slurmEnv("1")), base, time.Second)
	if err != nil || h == nil {
		t.Fatal(err)
	}
	for _, phase := range []string{"arrival", "departure"} {
		if err := fs.MakeDirs(filepath.Join(h.SyncDir(), phase), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := fs.CreateFileIfMissing(filepath.Join(h.SyncDir(), phase, "slurm-procid-0")); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.Run(); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !fs.Exists(h.SyncDir()) {
		t.Error("non-zero ranks must leave the sync directory for rank 0")
	}
}

func TestWaitDeadline(t *testing.T) {
	h, err := New(invocation(t, slurmEnv("0")), t.TempDir(), 50*time.Millisecond)
	if err != nil || h == nil {
		t.Fatal(err)
	}

	// virtual clock: each poll advances well past the deadline
	current := time.Unix(0, 0)
	h.now = func() time.Time { return current }
	h.sleep = func(time.Duration) { current = current.Add(time.Minute) }

	if err := h.SignalArrival(); err != nil {
		t.Fatal(err)
	}
	err = h.waitFor(h.AllInstancesArrived, "arrival")
	if !errdefs.IsKind(err, errdefs.Timeout) {
		t.Errorf("waitFor() = %v, want Timeout", err)
	}
	if err != nil && !strings.Contains(err.Error(), h.SyncDir()) {
		t.Errorf("timeout error should name the rendezvous directory: %v", err)
	}
}
