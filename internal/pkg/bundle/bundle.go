// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package bundle assembles the per-run OCI bundle: a squashfuse mount of
// the stored image as the overlay lower layer, writable upper/work layers,
// the merged rootfs, and the config.json the low-level runtime consumes.
// A Bundle exclusively owns its directory tree for the lifetime of one run.
package bundle

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/crampon-hpc/crampon/internal/pkg/config"
	"github.com/crampon-hpc/crampon/internal/pkg/errdefs"
	"github.com/crampon-hpc/crampon/internal/pkg/image"
	"github.com/crampon-hpc/crampon/internal/pkg/mount"
	"github.com/crampon-hpc/crampon/internal/pkg/security"
	"github.com/crampon-hpc/crampon/internal/pkg/util/bin"
	"github.com/crampon-hpc/crampon/pkg/clog"
)

// Options carries the per-run parameters of the assembly.
type Options struct {
	// Args replaces the image cmd when non-empty; the image entrypoint is
	// kept unless Entrypoint is set.
	Args []string
	// Entrypoint replaces the image entrypoint when non-nil.
	Entrypoint []string
	// Workdir overrides the image working directory when non-empty.
	Workdir string
	// Env are extra KEY=VALUE entries appended after image and host env.
	Env []string
	// Mounts are the validated user mount requests.
	Mounts []mount.Request
	// Devices are user-requested device paths.
	Devices []string
	// Annotations are merged into the runtime spec annotations.
	Annotations map[string]string
	// ReadOnlyRootfs requests the final read-only remount of the rootfs.
	ReadOnlyRootfs bool
	// Terminal wires the process to the invoking TTY.
	Terminal bool
	// Init runs the trusted init binary as pid 1, reaping orphans.
	Init bool
}

// Bundle is one assembled run directory.
type Bundle struct {
	ID        string
	Path      string
	RootfsDir string

	lowerDir       string
	upperDir       string
	workDir        string
	lowerMounted   bool
	overlayMounted bool
}

// Assembler builds bundles from stored images.
type Assembler struct {
	cfg      *config.Config
	guard    *security.Guard
	resolver *bin.Resolver
}

// NewAssembler returns an Assembler bound to the loaded configuration.
func NewAssembler(cfg *config.Config, guard *security.Guard, resolver *bin.Resolver) *Assembler {
	return &Assembler{cfg: cfg, guard: guard, resolver: resolver}
}

// Assemble creates the bundle directory tree for one run of img and writes
// its config.json. On error the partial bundle is torn down.
func (a *Assembler) Assemble(ctx context.Context, img *image.StoredImage, opts Options) (b *Bundle, err error) {
	id := uuid.New().String()
	b = &Bundle{
		ID:   id,
		Path: filepath.Join(a.cfg.BundlesDir(), id),
	}
	b.lowerDir = filepath.Join(b.Path, "lower")
	b.upperDir = filepath.Join(b.Path, "upper")
	b.workDir = filepath.Join(b.Path, "work")
	b.RootfsDir = filepath.Join(b.Path, "rootfs")

	defer func() {
		if err != nil {
			b.Delete(ctx)
		}
	}()

	oldumask := syscall.Umask(0)
	defer syscall.Umask(oldumask)

	if err := os.MkdirAll(b.Path, 0o700); err != nil {
		return nil, errdefs.Wrapf(errdefs.BundleBuildFailed, err, "while creating bundle directory %s", b.Path)
	}
	for _, dir := range []string{b.lowerDir, b.upperDir, b.workDir, b.RootfsDir} {
		if err := os.Mkdir(dir, 0o755); err != nil {
			return nil, errdefs.Wrapf(errdefs.BundleBuildFailed, err, "while creating %s", dir)
		}
	}

	if err := a.mountLower(ctx, img.SquashfsPath, b); err != nil {
		return nil, err
	}
	if err := a.mountOverlay(b); err != nil {
		return nil, err
	}

	spec, err := a.buildSpec(img, opts, b)
	if err != nil {
		return nil, err
	}
	if err := writeSpec(spec, b.Path); err != nil {
		return nil, err
	}

	clog.Verbosef("Assembled bundle %s for image %s", b.Path, img.Ref)
	return b, nil
}

// mountLower exposes the squashfs image read-only through squashfuse.
func (a *Assembler) mountLower(ctx context.Context, squashfsPath string, b *Bundle) error {
	squashfuse, err := a.resolver.Trusted("squashfuse")
	if err != nil {
		return err
	}

	args := []string{"-o", "ro", filepath.Clean(squashfsPath), filepath.Clean(b.lowerDir)}
	cmd := exec.CommandContext(ctx, squashfuse, args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return errdefs.Wrapf(errdefs.BundleBuildFailed, err,
			"failed to mount image (cmdline: %q; output: %q)",
			strings.Join(append([]string{squashfuse}, args...), " "), string(output))
	}
	b.lowerMounted = true
	return nil
}

// mountOverlay merges lower/upper/work into the bundle rootfs.
func (a *Assembler) mountOverlay(b *Bundle) error {
	data := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", b.lowerDir, b.upperDir, b.workDir)
	clog.Debugf("Mounting overlay on %s (%s)", b.RootfsDir, data)
	if err := unix.Mount("overlay", b.RootfsDir, "overlay", 0, data); err != nil {
		return errdefs.Wrapf(errdefs.BundleBuildFailed, err, "while mounting overlay on %s", b.RootfsDir)
	}
	b.overlayMounted = true
	return nil
}

// Delete tears the bundle down: unmounts in reverse order, then removes
// the tree. Teardown problems are logged and swallowed so that cleanup
// after a failed launch never masks the original error.
func (b *Bundle) Delete(ctx context.Context) {
	if b == nil || b.Path == "" {
		return
	}
	if b.overlayMounted {
		if err := unix.Unmount(b.RootfsDir, unix.MNT_DETACH); err != nil {
			clog.Warningf("While unmounting bundle rootfs %s: %v", b.RootfsDir, err)
		}
		b.overlayMounted = false
	}
	if b.lowerMounted {
		if err := unix.Unmount(b.lowerDir, unix.MNT_DETACH); err != nil {
			clog.Warningf("While unmounting image at %s: %v", b.lowerDir, err)
		}
		b.lowerMounted = false
	}
	if err := os.RemoveAll(b.Path); err != nil {
		clog.Warningf("While removing bundle %s: %v", b.Path, err)
	}
}
