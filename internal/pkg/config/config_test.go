// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const validDoc = `{
  "securityChecks": false,
  "mksquashfsPath": "/usr/bin/mksquashfs",
  "initPath": "/usr/bin/init",
  "runcPath": "/usr/bin/runc",
  "squashfusePath": "/usr/bin/squashfuse",
  "prefixDir": "/opt/crampon",
  "localRepositoryBaseDir": "/scratch",
  "siteMounts": [
    {"type": "bind", "source": "/opt/mpi", "destination": "/opt/mpi", "flags": ["readonly"]}
  ],
  "userMounts": {
    "notAllowedPrefixesOfPath": ["/var/spool"],
    "allowedFlags": ["readonly", "nosuid"]
  },
  "slurmSyncDeadline": "5m"
}`

func parseString(t *testing.T, doc string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crampon.json")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	return parse(f)
}

func TestParseValid(t *testing.T) {
	c, err := parseString(t, validDoc)
	if err != nil {
		t.Fatalf("parse() error = %v", err)
	}
	if err := c.validate(); err != nil {
		t.Fatalf("validate() error = %v", err)
	}

	if c.SecurityChecks {
		t.Error("SecurityChecks should be false")
	}
	if c.MksquashfsPath != "/usr/bin/mksquashfs" {
		t.Errorf("MksquashfsPath = %q", c.MksquashfsPath)
	}
	if len(c.SiteMounts) != 1 || c.SiteMounts[0].Destination != "/opt/mpi" {
		t.Errorf("SiteMounts = %+v", c.SiteMounts)
	}
	if got := c.SyncDeadline(); got != 5*time.Minute {
		t.Errorf("SyncDeadline() = %v, want 5m", got)
	}
	if c.PullRetries != 3 {
		t.Errorf("PullRetries default = %d, want 3", c.PullRetries)
	}
}

func TestSecurityChecksDefaultOn(t *testing.T) {
	c, err := parseString(t, `{
  "mksquashfsPath": "/usr/bin/mksquashfs",
  "runcPath": "/usr/bin/runc",
  "squashfusePath": "/usr/bin/squashfuse",
  "prefixDir": "/opt/crampon",
  "localRepositoryBaseDir": "/scratch"
}`)
	if err != nil {
		t.Fatal(err)
	}
	if !c.SecurityChecks {
		t.Error("SecurityChecks must default to true")
	}
	if got := c.SyncDeadline(); got != 10*time.Minute {
		t.Errorf("SyncDeadline() default = %v, want 10m", got)
	}
}

func TestParseRejectsUnknownField(t *testing.T) {
	_, err := parseString(t, `{"mksquashfsPath": "/x", "bogusField": 1}`)
	if err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Errorf("parse() = %v, want unknown-field error", err)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			"MissingRequired",
			`{"mksquashfsPath": "/usr/bin/mksquashfs"}`,
			"required field",
		},
		{
			"RelativePath",
			`{"mksquashfsPath": "bin/mksquashfs", "runcPath": "/r", "squashfusePath": "/s", "prefixDir": "/p", "localRepositoryBaseDir": "/l"}`,
			"absolute path",
		},
		{
			"CentralizedWithoutDir",
			`{"mksquashfsPath": "/m", "runcPath": "/r", "squashfusePath": "/s", "prefixDir": "/p", "localRepositoryBaseDir": "/l", "useCentralizedRepository": true}`,
			"centralizedRepositoryDir",
		},
		{
			"BadDeadline",
			`{"mksquashfsPath": "/m", "runcPath": "/r", "squashfusePath": "/s", "prefixDir": "/p", "localRepositoryBaseDir": "/l", "slurmSyncDeadline": "soon"}`,
			"slurmSyncDeadline",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := parseString(t, tt.doc)
			if err != nil {
				t.Fatalf("parse() error = %v", err)
			}
			err = c.validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}
