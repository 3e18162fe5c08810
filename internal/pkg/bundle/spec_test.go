// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package bundle

import (
	"reflect"
	"strings"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/crampon-hpc/crampon/internal/pkg/config"
	"github.com/crampon-hpc/crampon/internal/pkg/image"
	"github.com/crampon-hpc/crampon/internal/pkg/mount"
	"github.com/crampon-hpc/crampon/internal/pkg/security"
	"github.com/crampon-hpc/crampon/internal/pkg/util/bin"
)

func TestProcessArgs(t *testing.T) {
	meta := image.Metadata{
		Entrypoint: []string{"/entry"},
		Cmd:        []string{"serve", "--all"},
	}
	tests := []struct {
		name string
		opts Options
		want []string
	}{
		{"ImageDefaults", Options{}, []string{"/entry", "serve", "--all"}},
		{"ArgsReplaceCmd", Options{Args: []string{"sh", "-c", "echo hi"}}, []string{"/entry", "sh", "-c", "echo hi"}},
		{"EntrypointOverride", Options{Entrypoint: []string{}}, []string{"serve", "--all"}},
		{
			"BothOverridden",
			Options{Entrypoint: []string{"/bin/sh"}, Args: []string{"-c", "true"}},
			[]string{"/bin/sh", "-c", "true"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := processArgs(meta, tt.opts); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("processArgs() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWorkdir(t *testing.T) {
	meta := image.Metadata{Workdir: "/srv"}
	if got := workdir(meta, Options{}); got != "/srv" {
		t.Errorf("workdir() = %q, want /srv", got)
	}
	if got := workdir(meta, Options{Workdir: "/data"}); got != "/data" {
		t.Errorf("workdir() = %q, want /data", got)
	}
	if got := workdir(image.Metadata{}, Options{}); got != "/" {
		t.Errorf("workdir() = %q, want /", got)
	}
}

func TestComposeEnv(t *testing.T) {
	got := composeEnv(
		[]string{"PATH=/usr/bin", "LANG=C"},
		[]string{"PATH=/opt/bin", "TERM=xterm"},
		[]string{"EXTRA=1"},
	)
	want := []string{"PATH=/opt/bin", "LANG=C", "TERM=xterm", "EXTRA=1"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("composeEnv() = %v, want %v", got, want)
	}
}

func TestRuncOptions(t *testing.T) {
	tests := []struct {
		name string
		m    mount.Mount
		want []string
	}{
		{
			"SiteNoFlags",
			mount.Mount{Kind: mount.Site, Source: "/opt", Destination: "/opt"},
			[]string{"rbind"},
		},
		{
			"UserReadonly",
			mount.Mount{Kind: mount.User, Source: "/a", Destination: "/b", Flags: unix.MS_RDONLY | unix.MS_NODEV},
			[]string{"rbind", "nosuid", "nodev", "ro"},
		},
		{
			"Device",
			mount.Mount{Kind: mount.Device, Source: "/dev/null", Destination: "/dev/null", Flags: unix.MS_NOSUID},
			[]string{"bind", "nosuid"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := runcOptions(tt.m); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("runcOptions() = %v, want %v", got, tt.want)
			}
		})
	}
}

func testAssembler(cfg *config.Config) *Assembler {
	guard := security.NewGuard(false)
	return NewAssembler(cfg, guard, bin.NewResolver(cfg, guard))
}

func TestBuildHooksOrdering(t *testing.T) {
	cfg := &config.Config{
		PrefixDir:              "/opt/crampon",
		LocalRepositoryBaseDir: "/scratch",
		LdconfigPath:           "/sbin/ldconfig",
		ReadelfPath:            "/usr/bin/readelf",
		GlibcLibs:              []string{"/lib64/libc.so.6", "/lib64/libm.so.6"},
		DropbearDir:            "/opt/dropbear",
		SSHServerPort:          11111,
		OCIHooks: config.OCIHooks{
			Prestart: []config.OCIHook{{Path: "/opt/hooks/site-hook"}},
			Poststop: []config.OCIHook{{Path: "/opt/hooks/cleanup"}},
		},
	}
	a := testAssembler(cfg)

	hooks, err := a.buildHooks()
	if err != nil {
		t.Fatalf("buildHooks() error = %v", err)
	}

	if len(hooks.Prestart) != 4 {
		t.Fatalf("Prestart has %d entries, want 4", len(hooks.Prestart))
	}
	// in-tree hooks come first, in glibc, slurm-sync, ssh order
	if got := hooks.Prestart[0].Args[1]; got != "glibc-hook" {
		t.Errorf("first hook = %q", got)
	}
	if got := hooks.Prestart[1].Args[1]; got != "slurm-global-sync-hook" {
		t.Errorf("second hook = %q", got)
	}
	if got := hooks.Prestart[2].Args[1]; got != "ssh-hook" {
		t.Errorf("third hook = %q", got)
	}
	if got := hooks.Prestart[3].Path; got != "/opt/hooks/site-hook" {
		t.Errorf("fourth hook path = %q", got)
	}
	if len(hooks.Poststop) != 1 || hooks.Poststop[0].Path != "/opt/hooks/cleanup" {
		t.Errorf("Poststop = %+v", hooks.Poststop)
	}

	glibcEnv := strings.Join(hooks.Prestart[0].Env, " ")
	if !strings.Contains(glibcEnv, "GLIBC_LIBS=/lib64/libc.so.6:/lib64/libm.so.6") {
		t.Errorf("glibc hook env = %q", glibcEnv)
	}
	sshEnv := strings.Join(hooks.Prestart[2].Env, " ")
	if !strings.Contains(sshEnv, "SERVER_PORT=11111") || !strings.Contains(sshEnv, "DROPBEAR_DIR=/opt/dropbear") {
		t.Errorf("ssh hook env = %q", sshEnv)
	}
}

func TestBuildHooksSkipsUnconfigured(t *testing.T) {
	cfg := &config.Config{
		PrefixDir:              "/opt/crampon",
		LocalRepositoryBaseDir: "/scratch",
	}
	a := testAssembler(cfg)

	hooks, err := a.buildHooks()
	if err != nil {
		t.Fatalf("buildHooks() error = %v", err)
	}
	if len(hooks.Prestart) != 1 {
		t.Fatalf("Prestart has %d entries, want only the sync hook", len(hooks.Prestart))
	}
	if got := hooks.Prestart[0].Args[1]; got != "slurm-global-sync-hook" {
		t.Errorf("hook = %q", got)
	}
}

func TestMinimalSpecShape(t *testing.T) {
	spec := minimalSpec()
	if spec.Process == nil || !spec.Process.NoNewPrivileges {
		t.Error("process must set NoNewPrivileges")
	}
	if len(spec.Linux.MaskedPaths) == 0 || len(spec.Linux.ReadonlyPaths) == 0 {
		t.Error("masked and read-only paths must be populated")
	}
	var haveProc, haveDev bool
	for _, m := range spec.Mounts {
		switch m.Destination {
		case "/proc":
			haveProc = true
		case "/dev":
			haveDev = true
		}
	}
	if !haveProc || !haveDev {
		t.Errorf("default mounts missing /proc or /dev: %+v", spec.Mounts)
	}
}
