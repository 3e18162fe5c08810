// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package runtime

import (
	"context"

	"github.com/crampon-hpc/crampon/internal/pkg/bundle"
	"github.com/crampon-hpc/crampon/internal/pkg/config"
	"github.com/crampon-hpc/crampon/internal/pkg/errdefs"
	"github.com/crampon-hpc/crampon/internal/pkg/image"
	"github.com/crampon-hpc/crampon/internal/pkg/security"
	"github.com/crampon-hpc/crampon/internal/pkg/util/bin"
	"github.com/crampon-hpc/crampon/internal/pkg/util/fs"
	"github.com/crampon-hpc/crampon/pkg/clog"
)

// Launcher ties the launch pipeline together: resolve the stored image,
// assemble the bundle, run the container, tear the bundle down.
type Launcher struct {
	cfg      *config.Config
	guard    *security.Guard
	store    *image.Store
	resolver *bin.Resolver
}

// NewLauncher builds a Launcher from the loaded configuration.
func NewLauncher(cfg *config.Config, guard *security.Guard, store *image.Store) *Launcher {
	return &Launcher{
		cfg:      cfg,
		guard:    guard,
		store:    store,
		resolver: bin.NewResolver(cfg, guard),
	}
}

// Run launches ref with the given options and returns the container exit
// code. The bundle is removed on every path out of this function.
func (l *Launcher) Run(ctx context.Context, ref image.Reference, opts bundle.Options) (int, error) {
	img, err := l.store.Get(ref)
	if err != nil {
		return -1, err
	}

	// the runtime binary is verified before anything is assembled
	runcPath, err := l.resolver.Trusted("runc")
	if err != nil {
		return -1, err
	}
	if err := fs.MakeDirs(l.cfg.BundlesDir(), 0o700); err != nil {
		return -1, errdefs.Wrapf(errdefs.BundleBuildFailed, err, "while preparing bundle directory")
	}

	assembler := bundle.NewAssembler(l.cfg, l.guard, l.resolver)
	b, err := assembler.Assemble(ctx, img, opts)
	if err != nil {
		return -1, err
	}
	defer b.Delete(ctx)

	clog.Verbosef("Starting container %s from bundle %s", b.ID, b.Path)
	driver := NewDriver(runcPath, l.cfg.RuncStateDir())
	return driver.Run(ctx, b.Path, b.ID)
}
