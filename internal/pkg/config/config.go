// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package config loads the site administrator configuration (crampon.json).
// The configuration is parsed once at process entry and shared by immutable
// reference; nothing mutates it afterwards.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/crampon-hpc/crampon/internal/pkg/errdefs"
	"github.com/crampon-hpc/crampon/internal/pkg/security"
	"github.com/crampon-hpc/crampon/internal/pkg/util/user"
)

// DefaultPath is where the administrator configuration is looked up when no
// override is given on the command line.
const DefaultPath = "/etc/crampon/crampon.json"

// OCIHook is one externally-configured hook entry.
type OCIHook struct {
	Path string   `json:"path"`
	Args []string `json:"args,omitempty"`
	Env  []string `json:"env,omitempty"`
}

// OCIHooks groups externally-configured hooks by lifecycle stage.
type OCIHooks struct {
	Prestart  []OCIHook `json:"prestart,omitempty"`
	Poststart []OCIHook `json:"poststart,omitempty"`
	Poststop  []OCIHook `json:"poststop,omitempty"`
}

// SiteMount is an administrator-mandated mount applied to every container.
type SiteMount struct {
	Type        string   `json:"type"`
	Source      string   `json:"source"`
	Destination string   `json:"destination"`
	Flags       []string `json:"flags,omitempty"`
}

// UserMountPolicy bounds what users may bind into their containers.
type UserMountPolicy struct {
	// NotAllowedPrefixesOfPath extends the built-in destination denylist.
	NotAllowedPrefixesOfPath []string `json:"notAllowedPrefixesOfPath,omitempty"`
	// AllowedFlags restricts the mount flags a user may request.
	AllowedFlags []string `json:"allowedFlags,omitempty"`
	// AllowedDevices lists devices a user may request beyond the defaults.
	AllowedDevices []string `json:"allowedDevices,omitempty"`
}

// Config is the process-wide configuration. It carries the parsed admin
// document plus the invoking user's identity, resolved once at startup.
type Config struct {
	SecurityChecks           bool            `json:"securityChecks"`
	MksquashfsPath           string          `json:"mksquashfsPath"`
	InitPath                 string          `json:"initPath"`
	RuncPath                 string          `json:"runcPath"`
	SquashfusePath           string          `json:"squashfusePath"`
	LdconfigPath             string          `json:"ldconfigPath,omitempty"`
	ReadelfPath              string          `json:"readelfPath,omitempty"`
	GlibcLibs                []string        `json:"glibcLibs,omitempty"`
	DropbearDir              string          `json:"dropbearDir,omitempty"`
	SSHServerPort            int             `json:"sshServerPort,omitempty"`
	PrefixDir                string          `json:"prefixDir"`
	LocalRepositoryBaseDir   string          `json:"localRepositoryBaseDir"`
	CentralizedRepositoryDir string          `json:"centralizedRepositoryDir,omitempty"`
	UseCentralizedRepository bool            `json:"useCentralizedRepository,omitempty"`
	OCIHooks                 OCIHooks        `json:"OCIHooks,omitempty"`
	SiteMounts               []SiteMount     `json:"siteMounts,omitempty"`
	UserMounts               UserMountPolicy `json:"userMounts,omitempty"`
	SlurmSyncDeadline        string          `json:"slurmSyncDeadline,omitempty"`
	PullRetries              int             `json:"pullRetries,omitempty"`

	// Identity is the invoking user, not part of the JSON document.
	Identity user.Identity `json:"-"`
}

// Load reads, verifies and parses the configuration at path. The file
// content is decoded only after the weak untamperability checks pass on the
// held descriptor, so the verified inode is the one that is read.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ConfigInvalid, err, "while opening configuration %s", path)
	}
	defer f.Close()

	if err := security.AssertFileUntamperable(f); err != nil {
		return nil, err
	}

	c, err := parse(f)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ConfigInvalid, err, "while parsing configuration %s", path)
	}
	if err := c.validate(); err != nil {
		return nil, errdefs.Wrapf(errdefs.ConfigInvalid, err, "in configuration %s", path)
	}

	id, err := user.Current()
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ConfigInvalid, err, "while resolving invoking user")
	}
	c.Identity = *id

	return c, nil
}

func parse(f *os.File) (*Config, error) {
	c := &Config{
		SecurityChecks: true,
		PullRetries:    3,
		SSHServerPort:  11111,
	}
	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) validate() error {
	required := map[string]string{
		"mksquashfsPath":         c.MksquashfsPath,
		"runcPath":               c.RuncPath,
		"squashfusePath":         c.SquashfusePath,
		"prefixDir":              c.PrefixDir,
		"localRepositoryBaseDir": c.LocalRepositoryBaseDir,
	}
	for field, value := range required {
		if value == "" {
			return fmt.Errorf("required field %q is missing", field)
		}
		if !filepath.IsAbs(value) {
			return fmt.Errorf("field %q must be an absolute path, got %q", field, value)
		}
	}
	if c.UseCentralizedRepository && c.CentralizedRepositoryDir == "" {
		return fmt.Errorf("useCentralizedRepository is set but centralizedRepositoryDir is missing")
	}
	if c.SlurmSyncDeadline != "" {
		if _, err := time.ParseDuration(c.SlurmSyncDeadline); err != nil {
			return fmt.Errorf("invalid slurmSyncDeadline: %w", err)
		}
	}
	if c.PullRetries < 1 {
		return fmt.Errorf("pullRetries must be at least 1, got %d", c.PullRetries)
	}
	return nil
}

// SyncDeadline returns the rendezvous deadline for the job-step barrier.
func (c *Config) SyncDeadline() time.Duration {
	if c.SlurmSyncDeadline == "" {
		return 10 * time.Minute
	}
	d, err := time.ParseDuration(c.SlurmSyncDeadline)
	if err != nil {
		return 10 * time.Minute
	}
	return d
}

// LocalRepositoryDir is the invoking user's repository root, which holds
// the image store, the SSH keys and the job-step rendezvous directories.
func (c *Config) LocalRepositoryDir() string {
	return filepath.Join(c.LocalRepositoryBaseDir, c.Identity.Username)
}

// BundlesDir is where per-run OCI bundles are assembled.
func (c *Config) BundlesDir() string {
	return filepath.Join(c.PrefixDir, "var", "bundles")
}

// RuncStateDir is passed to the low-level runtime as --root.
func (c *Config) RuncStateDir() string {
	return filepath.Join(c.PrefixDir, "var", "runc")
}
