// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package bin resolves the external binaries the launcher and the hooks
// exec. Binaries invoked with privilege come exclusively from the
// administrator configuration and must pass the untamperability sweep;
// nothing is ever resolved from PATH.
package bin

import (
	"github.com/crampon-hpc/crampon/internal/pkg/config"
	"github.com/crampon-hpc/crampon/internal/pkg/errdefs"
	"github.com/crampon-hpc/crampon/internal/pkg/security"
)

// Resolver hands out verified binary paths.
type Resolver struct {
	cfg   *config.Config
	guard *security.Guard
}

// NewResolver builds a Resolver bound to the loaded configuration.
func NewResolver(cfg *config.Config, guard *security.Guard) *Resolver {
	return &Resolver{cfg: cfg, guard: guard}
}

// Trusted returns the configured path for name after verifying it is
// untamperable. Only names with a configured path are known.
func (r *Resolver) Trusted(name string) (string, error) {
	var path string
	switch name {
	case "mksquashfs":
		path = r.cfg.MksquashfsPath
	case "runc":
		path = r.cfg.RuncPath
	case "squashfuse":
		path = r.cfg.SquashfusePath
	case "init":
		path = r.cfg.InitPath
	case "ldconfig":
		path = r.cfg.LdconfigPath
	case "readelf":
		path = r.cfg.ReadelfPath
	default:
		return "", errdefs.Newf(errdefs.ConfigInvalid, "binary %q is not known to the resolver", name)
	}
	if path == "" {
		return "", errdefs.Newf(errdefs.ConfigInvalid, "no configured path for binary %q", name)
	}
	if err := r.guard.AssertUntamperable(path); err != nil {
		return "", err
	}
	return path, nil
}
