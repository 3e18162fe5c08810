// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package mount

import (
	"path/filepath"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/samber/lo"
	"golang.org/x/sys/unix"

	"github.com/crampon-hpc/crampon/internal/pkg/config"
	"github.com/crampon-hpc/crampon/internal/pkg/errdefs"
	"github.com/crampon-hpc/crampon/pkg/clog"
)

// deniedPrefixes are destinations users may never bind over, regardless of
// site policy.
var deniedPrefixes = []string{"/etc", "/proc", "/sys", "/dev"}

// defaultDevices are always bound into the container's /dev.
var defaultDevices = []string{
	"/dev/null",
	"/dev/zero",
	"/dev/full",
	"/dev/random",
	"/dev/urandom",
	"/dev/tty",
}

// Request is a user-requested bind mount, parsed but not yet validated.
type Request struct {
	Source      string
	Destination string
	Flags       uintptr
}

// Planner validates requests and produces the ordered mount list.
type Planner struct {
	cfg    *config.Config
	rootfs string
}

// NewPlanner returns a Planner for the given assembled rootfs.
func NewPlanner(cfg *config.Config, rootfs string) *Planner {
	return &Planner{cfg: cfg, rootfs: rootfs}
}

// Plan computes the ordered mount list: site mounts, validated user
// mounts, then device mounts. Order within each class follows declaration
// order.
func (p *Planner) Plan(requests []Request, devices []string) ([]Mount, error) {
	var mounts []Mount

	for _, sm := range p.cfg.SiteMounts {
		flags, err := ParseFlags(sm.Flags)
		if err != nil {
			return nil, errdefs.Wrapf(errdefs.ConfigInvalid, err, "in site mount %s", sm.Destination)
		}
		mounts = append(mounts, Mount{
			Kind:        Site,
			Source:      sm.Source,
			Destination: sm.Destination,
			Flags:       flags,
		})
	}

	for _, req := range requests {
		m, err := p.Validate(req)
		if err != nil {
			return nil, err
		}
		mounts = append(mounts, m)
	}

	deviceMounts, err := p.planDevices(devices)
	if err != nil {
		return nil, err
	}
	mounts = append(mounts, deviceMounts...)

	return mounts, nil
}

// Validate checks one user request against the site policy. The request is
// accepted iff the source is readable by the invoking user, the
// destination resolves inside the rootfs without touching a denied prefix,
// and the flags are within the administrator's allow-list.
func (p *Planner) Validate(req Request) (Mount, error) {
	if !filepath.IsAbs(req.Source) {
		return Mount{}, errdefs.Newf(errdefs.MountDenied, "mount source %q must be an absolute path", req.Source)
	}
	if !filepath.IsAbs(req.Destination) {
		return Mount{}, errdefs.Newf(errdefs.MountDenied, "mount destination %q must be an absolute path", req.Destination)
	}

	// access(2) checks against the real uid, so a setuid invocation cannot
	// leak files the invoking user could not read themselves
	if err := unix.Access(req.Source, unix.R_OK); err != nil {
		return Mount{}, errdefs.Newf(errdefs.MountDenied,
			"mount source %s is not readable by the invoking user: %v", req.Source, err)
	}

	containerDest, err := p.resolveInRootfs(req.Destination)
	if err != nil {
		return Mount{}, err
	}
	if err := p.checkDeniedPrefixes(containerDest); err != nil {
		return Mount{}, err
	}
	if err := p.checkAllowedFlags(req.Flags); err != nil {
		return Mount{}, err
	}

	clog.Debugf("Validated user mount of %s to %s", req.Source, containerDest)
	return Mount{
		Kind:        User,
		Source:      req.Source,
		Destination: containerDest,
		Flags:       req.Flags,
	}, nil
}

// resolveInRootfs resolves dest inside the rootfs, following symlinks
// within it only, and returns the resolved container-absolute path.
func (p *Planner) resolveInRootfs(dest string) (string, error) {
	resolved, err := resolveDestination(p.rootfs, dest)
	if err != nil {
		return "", err
	}
	rel, err := filepath.Rel(p.rootfs, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return "", errdefs.Newf(errdefs.MountDenied,
			"mount destination %s escapes the container root filesystem", dest)
	}
	return "/" + filepath.ToSlash(rel), nil
}

// resolveDestination maps a container-absolute destination onto the host
// path inside the rootfs. Symlink resolution is confined to the rootfs, so
// a symlink pointing outside cannot redirect the mount.
func resolveDestination(rootfs, dest string) (string, error) {
	resolved, err := securejoin.SecureJoin(rootfs, dest)
	if err != nil {
		return "", errdefs.Wrapf(errdefs.MountDenied, err,
			"mount destination %s cannot be resolved inside the container", dest)
	}
	return resolved, nil
}

func (p *Planner) checkDeniedPrefixes(containerDest string) error {
	if containerDest == "/" || containerDest == "/." {
		return errdefs.Newf(errdefs.MountDenied, "mounting over the container root is not allowed")
	}
	denied := append(deniedPrefixes, p.cfg.UserMounts.NotAllowedPrefixesOfPath...)
	for _, prefix := range denied {
		if containerDest == prefix || strings.HasPrefix(containerDest, prefix+"/") {
			return errdefs.Newf(errdefs.MountDenied,
				"mount destination %s is under the denied prefix %s", containerDest, prefix)
		}
	}
	return nil
}

func (p *Planner) checkAllowedFlags(flags uintptr) error {
	if len(p.cfg.UserMounts.AllowedFlags) == 0 {
		return nil
	}
	allowed, err := ParseFlags(p.cfg.UserMounts.AllowedFlags)
	if err != nil {
		return errdefs.Wrapf(errdefs.ConfigInvalid, err, "in userMounts.allowedFlags")
	}
	if extra := flags &^ allowed; extra != 0 {
		return errdefs.Newf(errdefs.MountDenied,
			"mount flags %v are not allowed by the site policy", FlagNames(extra))
	}
	return nil
}

// planDevices validates requested devices against the allow-list and
// appends them to the default device set.
func (p *Planner) planDevices(requested []string) ([]Mount, error) {
	devices := defaultDevices
	for _, dev := range requested {
		if lo.Contains(defaultDevices, dev) {
			continue
		}
		if !lo.Contains(p.cfg.UserMounts.AllowedDevices, dev) {
			return nil, errdefs.Newf(errdefs.MountDenied,
				"device %s is not in the site allow-list", dev)
		}
		if !strings.HasPrefix(dev, "/dev/") {
			return nil, errdefs.Newf(errdefs.MountDenied, "device %s is not under /dev", dev)
		}
		devices = append(devices, dev)
	}

	return lo.Map(devices, func(dev string, _ int) Mount {
		return Mount{
			Kind:        Device,
			Source:      dev,
			Destination: dev,
			Flags:       unix.MS_NOSUID,
		}
	}), nil
}
