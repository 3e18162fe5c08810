// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package builder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/containers/image/v5/copy"
	"github.com/containers/image/v5/oci/layout"
	"github.com/containers/image/v5/signature"
	"github.com/containers/image/v5/types"

	"github.com/crampon-hpc/crampon/internal/pkg/config"
	"github.com/crampon-hpc/crampon/internal/pkg/errdefs"
	"github.com/crampon-hpc/crampon/internal/pkg/image"
	"github.com/crampon-hpc/crampon/internal/pkg/util/bin"
	"github.com/crampon-hpc/crampon/internal/pkg/util/priv"
	"github.com/crampon-hpc/crampon/pkg/clog"
)

// layoutTag is the tag the working OCI layout publishes the fetched image
// under. The layout is private to one build, so a fixed tag suffices.
const layoutTag = "build"

// Builder expands image sources into the repository.
type Builder struct {
	cfg      *config.Config
	store    *image.Store
	resolver *bin.Resolver
}

// New returns a Builder storing into store.
func New(cfg *config.Config, store *image.Store, resolver *bin.Resolver) *Builder {
	return &Builder{cfg: cfg, store: store, resolver: resolver}
}

// Build fetches, expands and stores src under ref, returning the stored
// entry. The whole build runs with the invoking user's identity; only the
// final publication into the repository needs none of the caller's
// privilege either, as the repository is user-owned.
func (b *Builder) Build(ctx context.Context, src Source, ref image.Reference) (*image.StoredImage, error) {
	// the mksquashfs binary is resolved before any work happens, so a
	// tampered binary fails the build before bytes are fetched
	mksquashfs, err := b.resolver.Trusted("mksquashfs")
	if err != nil {
		return nil, err
	}

	var stored *image.StoredImage
	err = priv.AsUserProcess(b.cfg.Identity.UID, b.cfg.Identity.GID, func() error {
		var err error
		stored, err = b.buildAsUser(ctx, src, ref, mksquashfs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

func (b *Builder) buildAsUser(ctx context.Context, src Source, ref image.Reference, mksquashfs string) (*image.StoredImage, error) {
	workDir, err := os.MkdirTemp(b.cfg.LocalRepositoryDir(), ".build-")
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.IOFailure, err, "while creating build directory")
	}
	defer os.RemoveAll(workDir)

	clog.Infof("Fetching %s", src.Describe())
	layoutDir := filepath.Join(workDir, "layout")
	if err := b.fetchToLayout(ctx, src, layoutDir); err != nil {
		return nil, err
	}

	manifest, imageConfig, err := readLayoutImage(ctx, layoutDir, layoutTag)
	if err != nil {
		return nil, err
	}

	clog.Infof("Expanding %d layers", len(manifest.Layers))
	// nested so the expanded tree does not widen workDir's permissions
	rootfsParent := filepath.Join(workDir, "expand")
	rootfsDir := filepath.Join(rootfsParent, "rootfs")
	if err := os.MkdirAll(rootfsDir, 0o755); err != nil {
		return nil, errdefs.Wrapf(errdefs.IOFailure, err, "while creating rootfs staging directory")
	}
	if err := unpackRootfs(ctx, layoutDir, *manifest, rootfsDir); err != nil {
		return nil, err
	}
	flagRootfsOddities(rootfsDir)

	clog.Infof("Packing image into squashfs")
	squashfsStaging := filepath.Join(workDir, "image.squashfs")
	if err := runMksquashfs(ctx, mksquashfs, rootfsDir, squashfsStaging); err != nil {
		return nil, err
	}

	digest, err := sha256File(squashfsStaging)
	if err != nil {
		return nil, err
	}

	meta := image.MetadataFromImageConfig(imageConfig.Config)
	meta.Digest = "sha256:" + digest
	meta.Created = time.Now().UTC()

	stored, err := b.store.Put(ref, squashfsStaging, meta)
	if err != nil {
		return nil, err
	}
	clog.Infof("Stored %s with digest %s", ref, meta.Digest)
	return stored, nil
}

// fetchToLayout copies the source image into a fresh OCI layout at
// layoutDir. Registry fetches are retried with exponential backoff, up to
// PullRetries attempts in all; every copy error is retried alike, and only
// a cancelled context ends the retries early.
func (b *Builder) fetchToLayout(ctx context.Context, src Source, layoutDir string) error {
	srcRef, err := src.transportReference()
	if err != nil {
		return err
	}
	destRef, err := layout.ParseReference(layoutDir + ":" + layoutTag)
	if err != nil {
		return errdefs.Wrapf(errdefs.ImagePullFailed, err, "while preparing OCI layout %s", layoutDir)
	}

	policyContext, err := signature.NewPolicyContext(&signature.Policy{
		Default: []signature.PolicyRequirement{signature.NewPRInsecureAcceptAnything()},
	})
	if err != nil {
		return errdefs.Wrapf(errdefs.ImagePullFailed, err, "while creating image policy context")
	}
	defer policyContext.Destroy()

	sysCtx := &types.SystemContext{}
	if pull, ok := src.(RegistryPull); ok && pull.Auth != nil {
		sysCtx.DockerAuthConfig = pull.Auth
	}

	copyOnce := func() error {
		_, err := copy.Image(ctx, policyContext, destRef, srcRef, &copy.Options{
			SourceCtx:          sysCtx,
			ImageListSelection: copy.CopySystemImage,
		})
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	if !src.retryable() {
		if err := copyOnce(); err != nil {
			return errdefs.Wrapf(errdefs.ImagePullFailed, err, "while importing %s", src.Describe())
		}
		return nil
	}

	attempt := 0
	notify := func(err error, next time.Duration) {
		attempt++
		clog.Warningf("Pull attempt %d of %s failed (%v), retrying in %s", attempt, src.Describe(), err, next)
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(b.cfg.PullRetries-1)), ctx)
	if err := backoff.RetryNotify(copyOnce, policy, notify); err != nil {
		return errdefs.Wrapf(errdefs.ImagePullFailed, err, "while pulling %s", src.Describe())
	}
	return nil
}

// flagRootfsOddities reports device nodes and setuid/setgid files that
// survived expansion. They are preserved; inside the user namespace they
// carry no privilege, but operators want to know.
func flagRootfsOddities(rootfsDir string) {
	filepath.Walk(rootfsDir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		rel, relErr := filepath.Rel(rootfsDir, path)
		if relErr != nil {
			rel = path
		}
		switch {
		case fi.Mode()&(os.ModeDevice|os.ModeCharDevice) != 0:
			clog.Warningf("Image carries device node /%s", rel)
		case fi.Mode()&(os.ModeSetuid|os.ModeSetgid) != 0:
			clog.Warningf("Image carries setuid/setgid file /%s", rel)
		}
		return nil
	})
}

func runMksquashfs(ctx context.Context, mksquashfs, rootfsDir, out string) error {
	args := mksquashfsArgs(rootfsDir, out)
	cmd := exec.CommandContext(ctx, mksquashfs, args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return errdefs.Wrapf(errdefs.IOFailure, err,
			"mksquashfs failed (cmdline: %q; output: %q)",
			strings.Join(append([]string{mksquashfs}, args...), " "), string(output))
	}
	return nil
}

func mksquashfsArgs(rootfsDir, out string) []string {
	return []string{rootfsDir, out, "-noappend", "-no-progress"}
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errdefs.Wrapf(errdefs.IOFailure, err, "while opening %s", path)
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", errdefs.Wrapf(errdefs.IOFailure, err, "while digesting %s", path)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
