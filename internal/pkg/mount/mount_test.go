// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package mount

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/crampon-hpc/crampon/internal/pkg/config"
	"github.com/crampon-hpc/crampon/internal/pkg/errdefs"
)

func TestParseFlags(t *testing.T) {
	flags, err := ParseFlags([]string{"readonly", "nosuid", "nodev"})
	if err != nil {
		t.Fatalf("ParseFlags() error = %v", err)
	}
	want := uintptr(unix.MS_RDONLY | unix.MS_NOSUID | unix.MS_NODEV)
	if flags != want {
		t.Errorf("ParseFlags() = %#x, want %#x", flags, want)
	}

	if _, err := ParseFlags([]string{"suid"}); err == nil {
		t.Error("ParseFlags() should reject unknown flags")
	}

	if got := FlagNames(flags); !reflect.DeepEqual(got, []string{"nodev", "nosuid", "readonly"}) {
		t.Errorf("FlagNames() = %v", got)
	}
}

func TestParseRequest(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Request
		wantErr bool
	}{
		{
			name:  "Valid",
			input: "type=bind,source=/opt/tools,destination=/tools",
			want:  Request{Source: "/opt/tools", Destination: "/tools"},
		},
		{
			name:  "ReadOnly",
			input: "type=bind,src=/opt,dst=/opt,readonly",
			want:  Request{Source: "/opt", Destination: "/opt", Flags: unix.MS_RDONLY},
		},
		{
			name:  "ImpliedType",
			input: "source=/a,target=/b",
			want:  Request{Source: "/a", Destination: "/b"},
		},
		{
			name:    "BadType",
			input:   "type=tmpfs,source=/a,destination=/b",
			wantErr: true,
		},
		{
			name:    "MissingDestination",
			input:   "type=bind,source=/a",
			wantErr: true,
		},
		{
			name:    "InvalidKey",
			input:   "type=bind,source=/a,destination=/b,bogus=1",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRequest(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseRequest() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func testPlanner(t *testing.T, policy config.UserMountPolicy) (*Planner, string) {
	t.Helper()
	rootfs := t.TempDir()
	for _, d := range []string{"etc", "opt", "scratch"} {
		if err := os.Mkdir(filepath.Join(rootfs, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	cfg := &config.Config{UserMounts: policy}
	return NewPlanner(cfg, rootfs), rootfs
}

func TestValidateAcceptsReadableSource(t *testing.T) {
	p, _ := testPlanner(t, config.UserMountPolicy{})
	src := t.TempDir()

	m, err := p.Validate(Request{Source: src, Destination: "/scratch/data"})
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if m.Kind != User {
		t.Errorf("Kind = %v, want User", m.Kind)
	}
	if m.Destination != "/scratch/data" {
		t.Errorf("Destination = %q", m.Destination)
	}
}

func TestValidateDenials(t *testing.T) {
	p, rootfs := testPlanner(t, config.UserMountPolicy{
		NotAllowedPrefixesOfPath: []string{"/var/spool"},
		AllowedFlags:             []string{"readonly"},
	})
	src := t.TempDir()

	// a symlink inside the rootfs pointing at a denied prefix
	if err := os.Symlink("/etc", filepath.Join(rootfs, "etc-alias")); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		req  Request
	}{
		{"Root", Request{Source: src, Destination: "/"}},
		{"Etc", Request{Source: src, Destination: "/etc/shadow"}},
		{"Proc", Request{Source: src, Destination: "/proc/sys"}},
		{"Sys", Request{Source: src, Destination: "/sys/kernel"}},
		{"Dev", Request{Source: src, Destination: "/dev/mem"}},
		{"SiteDenied", Request{Source: src, Destination: "/var/spool/mail"}},
		{"SymlinkToDenied", Request{Source: src, Destination: "/etc-alias/passwd"}},
		{"MissingSource", Request{Source: filepath.Join(src, "nope"), Destination: "/scratch/x"}},
		{"RelativeSource", Request{Source: "relative", Destination: "/scratch/x"}},
		{"DisallowedFlag", Request{Source: src, Destination: "/scratch/x", Flags: unix.MS_NOSUID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := p.Validate(tt.req)
			if !errdefs.IsKind(err, errdefs.MountDenied) {
				t.Errorf("Validate() = %v, want MountDenied", err)
			}
		})
	}
}

func TestPlanOrdering(t *testing.T) {
	rootfs := t.TempDir()
	if err := os.Mkdir(filepath.Join(rootfs, "scratch"), 0o755); err != nil {
		t.Fatal(err)
	}
	src := t.TempDir()
	cfg := &config.Config{
		SiteMounts: []config.SiteMount{
			{Type: "bind", Source: "/opt/site", Destination: "/opt/site", Flags: []string{"readonly"}},
		},
	}
	p := NewPlanner(cfg, rootfs)

	mounts, err := p.Plan([]Request{{Source: src, Destination: "/scratch/u"}}, nil)
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}

	if len(mounts) != 2+len(defaultDevices) {
		t.Fatalf("Plan() returned %d mounts", len(mounts))
	}
	if mounts[0].Kind != Site {
		t.Errorf("first mount kind = %v, want Site", mounts[0].Kind)
	}
	if mounts[1].Kind != User {
		t.Errorf("second mount kind = %v, want User", mounts[1].Kind)
	}
	for _, m := range mounts[2:] {
		if m.Kind != Device {
			t.Errorf("trailing mount kind = %v, want Device", m.Kind)
		}
	}
}

func TestPlanDeviceAllowList(t *testing.T) {
	p, _ := testPlanner(t, config.UserMountPolicy{AllowedDevices: []string{"/dev/infiniband"}})

	if _, err := p.Plan(nil, []string{"/dev/kmsg"}); !errdefs.IsKind(err, errdefs.MountDenied) {
		t.Errorf("Plan() with disallowed device = %v, want MountDenied", err)
	}

	mounts, err := p.Plan(nil, []string{"/dev/infiniband"})
	if err != nil {
		t.Fatalf("Plan() error = %v", err)
	}
	found := false
	for _, m := range mounts {
		if m.Source == "/dev/infiniband" {
			found = true
		}
	}
	if !found {
		t.Error("allow-listed device missing from plan")
	}
}

func TestBindEntryReadonly(t *testing.T) {
	e := bindEntry("/opt/x", "/rootfs/mnt/x", unix.MS_RDONLY|unix.MS_NOSUID)

	if e.Source != "/opt/x" || e.Target != "/rootfs/mnt/x" {
		t.Errorf("entry = %+v", e)
	}
	if e.Flags&unix.MS_BIND == 0 {
		t.Error("compiled entry must carry MS_BIND")
	}
	if e.Flags&unix.MS_RDONLY != 0 {
		t.Error("initial bind must not carry MS_RDONLY, the kernel ignores it")
	}
	if e.Remount == nil {
		t.Fatal("read-only bind must compile to a bind plus remount")
	}
	if e.Remount.Flags&(unix.MS_REMOUNT|unix.MS_RDONLY) != unix.MS_REMOUNT|unix.MS_RDONLY {
		t.Errorf("remount flags = %#x", e.Remount.Flags)
	}
}

func TestBindEntryReadWrite(t *testing.T) {
	e := bindEntry("/opt/dropbear", "/rootfs/opt/oci-hooks/dropbear", unix.MS_REC)

	if e.Flags&(unix.MS_BIND|unix.MS_REC) != unix.MS_BIND|unix.MS_REC {
		t.Errorf("flags = %#x", e.Flags)
	}
	if e.Remount != nil {
		t.Error("a read-write bind needs no remount step")
	}
}
