// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package bundle

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/opencontainers/runtime-tools/generate"
	"golang.org/x/sys/unix"

	"github.com/crampon-hpc/crampon/internal/pkg/config"
	"github.com/crampon-hpc/crampon/internal/pkg/errdefs"
	"github.com/crampon-hpc/crampon/internal/pkg/image"
	"github.com/crampon-hpc/crampon/internal/pkg/mount"
	"github.com/crampon-hpc/crampon/pkg/clog"
)

// HookBinaryName is the multi-hook binary installed next to the launcher.
const HookBinaryName = "crampon-hooks"

// minimalCapabilities is the capability set granted to the container
// process; everything else is dropped.
var minimalCapabilities = []string{
	"CAP_CHOWN",
	"CAP_DAC_OVERRIDE",
	"CAP_FOWNER",
	"CAP_FSETID",
	"CAP_KILL",
	"CAP_NET_BIND_SERVICE",
	"CAP_SETFCAP",
	"CAP_SETGID",
	"CAP_SETPCAP",
	"CAP_SETUID",
	"CAP_SYS_CHROOT",
}

var maskedPaths = []string{
	"/proc/acpi",
	"/proc/kcore",
	"/proc/keys",
	"/proc/latency_stats",
	"/proc/timer_list",
	"/proc/timer_stats",
	"/proc/sched_debug",
	"/proc/scsi",
	"/sys/firmware",
}

var readonlyPaths = []string{
	"/proc/asound",
	"/proc/bus",
	"/proc/fs",
	"/proc/irq",
	"/proc/sys",
	"/proc/sysrq-trigger",
}

// buildSpec produces the runtime spec for one run: process, user,
// namespaces, mounts and hooks.
func (a *Assembler) buildSpec(img *image.StoredImage, opts Options, b *Bundle) (*specs.Spec, error) {
	spec := minimalSpec()

	args := processArgs(img.Metadata, opts)
	if len(args) == 0 {
		return nil, errdefs.Newf(errdefs.BundleBuildFailed,
			"image %s declares no entrypoint or cmd and none was given", img.Ref)
	}
	if opts.Init {
		if a.cfg.InitPath == "" {
			return nil, errdefs.Newf(errdefs.ConfigInvalid, "init was requested but initPath is not configured")
		}
		if err := a.guard.AssertUntamperable(a.cfg.InitPath); err != nil {
			return nil, err
		}
		spec.Mounts = append(spec.Mounts, specs.Mount{
			Destination: "/dev/init",
			Type:        "none",
			Source:      a.cfg.InitPath,
			Options:     []string{"bind", "ro"},
		})
		args = append([]string{"/dev/init", "--"}, args...)
	}
	spec.Process.Args = args
	spec.Process.Terminal = opts.Terminal
	spec.Process.Cwd = workdir(img.Metadata, opts)
	spec.Process.Env = composeEnv(img.Metadata.Env, os.Environ(), opts.Env)

	id := a.cfg.Identity
	spec.Process.User = specs.User{
		UID: uint32(id.UID),
		GID: uint32(id.GID),
	}
	for _, g := range id.Groups {
		spec.Process.User.AdditionalGids = append(spec.Process.User.AdditionalGids, uint32(g))
	}

	addNamespaces(spec, id.UID)

	spec.Root = &specs.Root{
		Path:     b.RootfsDir,
		Readonly: opts.ReadOnlyRootfs,
	}

	planner := mount.NewPlanner(a.cfg, b.RootfsDir)
	planned, err := planner.Plan(opts.Mounts, opts.Devices)
	if err != nil {
		return nil, err
	}
	spec.Mounts = append(spec.Mounts, plannedToSpecMounts(planned)...)

	hooks, err := a.buildHooks()
	if err != nil {
		return nil, err
	}
	spec.Hooks = hooks

	if len(opts.Annotations) > 0 {
		spec.Annotations = map[string]string{}
		for k, v := range opts.Annotations {
			spec.Annotations[k] = v
		}
	}

	return spec, nil
}

// minimalSpec is the starting configuration every run shares.
func minimalSpec() *specs.Spec {
	return &specs.Spec{
		Version: specs.Version,
		Process: &specs.Process{
			NoNewPrivileges: true,
			Capabilities: &specs.LinuxCapabilities{
				Bounding:  minimalCapabilities,
				Effective: minimalCapabilities,
				Permitted: minimalCapabilities,
			},
		},
		Mounts: defaultMounts(),
		Linux: &specs.Linux{
			MaskedPaths:   maskedPaths,
			ReadonlyPaths: readonlyPaths,
			// non-nil to work around a crun bug with absent resources
			Resources: &specs.LinuxResources{},
		},
	}
}

// defaultMounts assembles the pseudo-filesystems every container needs.
func defaultMounts() []specs.Mount {
	return []specs.Mount{
		{
			Destination: "/proc",
			Type:        "proc",
			Source:      "proc",
		},
		{
			Destination: "/sys",
			Type:        "none",
			Source:      "/sys",
			Options:     []string{"rbind", "nosuid", "noexec", "nodev", "ro"},
		},
		{
			Destination: "/dev",
			Type:        "tmpfs",
			Source:      "tmpfs",
			Options:     []string{"nosuid", "strictatime", "mode=755", "size=65536k"},
		},
		{
			Destination: "/dev/pts",
			Type:        "devpts",
			Source:      "devpts",
			Options:     []string{"nosuid", "noexec", "newinstance", "ptmxmode=0666", "mode=0620"},
		},
		{
			Destination: "/dev/shm",
			Type:        "tmpfs",
			Source:      "shm",
			Options:     []string{"nosuid", "noexec", "nodev", "mode=1777", "size=65536k"},
		},
		{
			Destination: "/dev/mqueue",
			Type:        "mqueue",
			Source:      "mqueue",
			Options:     []string{"nosuid", "noexec", "nodev"},
		},
		{
			Destination: "/tmp",
			Type:        "tmpfs",
			Source:      "tmpfs",
			Options:     []string{"nosuid", "relatime", "mode=777"},
		},
	}
}

func addNamespaces(spec *specs.Spec, uid int) {
	spec.Linux.Namespaces = []specs.LinuxNamespace{
		{Type: specs.PIDNamespace},
		{Type: specs.MountNamespace},
		{Type: specs.UTSNamespace},
		{Type: specs.IPCNamespace},
	}
	// unprivileged invocations get a user namespace with an identity
	// mapping of the invoking user
	if os.Geteuid() != 0 {
		spec.Linux.Namespaces = append(spec.Linux.Namespaces,
			specs.LinuxNamespace{Type: specs.UserNamespace})
		spec.Linux.UIDMappings = []specs.LinuxIDMapping{
			{ContainerID: uint32(uid), HostID: uint32(os.Getuid()), Size: 1},
		}
		spec.Linux.GIDMappings = []specs.LinuxIDMapping{
			{ContainerID: uint32(os.Getgid()), HostID: uint32(os.Getgid()), Size: 1},
		}
	}
}

// processArgs resolves the container command: an explicit entrypoint
// override wins, then explicit args replace the image cmd, falling back to
// the image entrypoint+cmd.
func processArgs(meta image.Metadata, opts Options) []string {
	entrypoint := meta.Entrypoint
	if opts.Entrypoint != nil {
		entrypoint = opts.Entrypoint
	}
	cmd := meta.Cmd
	if len(opts.Args) > 0 {
		cmd = opts.Args
	}
	return append(append([]string{}, entrypoint...), cmd...)
}

func workdir(meta image.Metadata, opts Options) string {
	if opts.Workdir != "" {
		return opts.Workdir
	}
	if meta.Workdir != "" {
		return meta.Workdir
	}
	return "/"
}

// composeEnv merges environment lists in increasing precedence, keeping
// first-seen declaration order and letting later lists override values.
func composeEnv(lists ...[]string) []string {
	var order []string
	values := map[string]string{}
	for _, list := range lists {
		for _, kv := range list {
			i := strings.Index(kv, "=")
			if i <= 0 {
				continue
			}
			key := kv[:i]
			if _, seen := values[key]; !seen {
				order = append(order, key)
			}
			values[key] = kv[i+1:]
		}
	}
	env := make([]string, 0, len(order))
	for _, key := range order {
		env = append(env, key+"="+values[key])
	}
	return env
}

// plannedToSpecMounts converts the planner output into runtime-spec mounts,
// preserving order.
func plannedToSpecMounts(mounts []mount.Mount) []specs.Mount {
	out := make([]specs.Mount, 0, len(mounts))
	for _, m := range mounts {
		out = append(out, specs.Mount{
			Destination: m.Destination,
			Type:        "none",
			Source:      m.Source,
			Options:     runcOptions(m),
		})
	}
	return out
}

func runcOptions(m mount.Mount) []string {
	var opts []string
	if m.Kind == mount.Device {
		opts = []string{"bind"}
	} else {
		opts = []string{"rbind"}
	}
	if m.Flags&unix.MS_NOSUID != 0 || m.Kind != mount.Site {
		opts = append(opts, "nosuid")
	}
	if m.Flags&unix.MS_NODEV != 0 && m.Kind != mount.Device {
		opts = append(opts, "nodev")
	}
	if m.Flags&unix.MS_NOEXEC != 0 {
		opts = append(opts, "noexec")
	}
	if m.Flags&unix.MS_RDONLY != 0 {
		opts = append(opts, "ro")
	}
	if m.Flags&unix.MS_PRIVATE != 0 {
		opts = append(opts, "private")
	}
	return opts
}

// buildHooks schedules the in-tree hooks followed by the administrator's
// configured hooks. Every hook path is verified untamperable first.
func (a *Assembler) buildHooks() (*specs.Hooks, error) {
	hooks := &specs.Hooks{}

	hookBinary := filepath.Join(a.cfg.PrefixDir, "bin", HookBinaryName)
	if err := a.guard.AssertUntamperable(hookBinary); err != nil {
		return nil, err
	}

	for _, entry := range a.inTreeHooks(hookBinary) {
		hooks.Prestart = append(hooks.Prestart, entry)
	}

	for _, h := range a.cfg.OCIHooks.Prestart {
		entry, err := a.adminHook(h)
		if err != nil {
			return nil, err
		}
		hooks.Prestart = append(hooks.Prestart, entry)
	}
	for _, h := range a.cfg.OCIHooks.Poststart {
		entry, err := a.adminHook(h)
		if err != nil {
			return nil, err
		}
		hooks.Poststart = append(hooks.Poststart, entry)
	}
	for _, h := range a.cfg.OCIHooks.Poststop {
		entry, err := a.adminHook(h)
		if err != nil {
			return nil, err
		}
		hooks.Poststop = append(hooks.Poststop, entry)
	}

	return hooks, nil
}

// inTreeHooks builds the entries of the bundled hooks. Each hook self-gates
// on its activation condition at run time, so all of them are scheduled
// whenever their host-side prerequisites are configured.
func (a *Assembler) inTreeHooks(hookBinary string) []specs.Hook {
	var entries []specs.Hook

	if a.cfg.LdconfigPath != "" && a.cfg.ReadelfPath != "" && len(a.cfg.GlibcLibs) > 0 {
		entries = append(entries, specs.Hook{
			Path: hookBinary,
			Args: []string{HookBinaryName, "glibc-hook"},
			Env: []string{
				"LDCONFIG_PATH=" + a.cfg.LdconfigPath,
				"READELF_PATH=" + a.cfg.ReadelfPath,
				"GLIBC_LIBS=" + strings.Join(a.cfg.GlibcLibs, ":"),
			},
		})
	} else {
		clog.Debugf("Glibc hook not scheduled, host library injection is not configured")
	}

	entries = append(entries, specs.Hook{
		Path: hookBinary,
		Args: []string{HookBinaryName, "slurm-global-sync-hook"},
		Env: []string{
			"HOOK_BASE_DIR=" + a.cfg.LocalRepositoryDir(),
			"SYNC_DEADLINE=" + a.cfg.SyncDeadline().String(),
		},
	})

	if a.cfg.DropbearDir != "" {
		entries = append(entries, specs.Hook{
			Path: hookBinary,
			Args: []string{HookBinaryName, "ssh-hook"},
			Env: []string{
				"HOOK_BASE_DIR=" + a.cfg.LocalRepositoryBaseDir,
				"PASSWD_FILE=/etc/passwd",
				"DROPBEAR_DIR=" + a.cfg.DropbearDir,
				"SERVER_PORT=" + strconv.Itoa(a.cfg.SSHServerPort),
			},
		})
	} else {
		clog.Debugf("SSH hook not scheduled, no dropbear installation is configured")
	}

	return entries
}

func (a *Assembler) adminHook(h config.OCIHook) (specs.Hook, error) {
	if err := a.guard.AssertUntamperable(h.Path); err != nil {
		return specs.Hook{}, err
	}
	args := h.Args
	if len(args) == 0 {
		args = []string{filepath.Base(h.Path)}
	}
	return specs.Hook{Path: h.Path, Args: args, Env: h.Env}, nil
}

// writeSpec saves the runtime configuration as the bundle's config.json.
func writeSpec(spec *specs.Spec, bundlePath string) error {
	g := generate.Generator{Config: spec}
	path := filepath.Join(bundlePath, "config.json")
	if err := g.SaveToFile(path, generate.ExportOptions{}); err != nil {
		return errdefs.Wrapf(errdefs.BundleBuildFailed, err, "while writing %s", path)
	}
	return nil
}
