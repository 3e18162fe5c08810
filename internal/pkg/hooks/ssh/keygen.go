// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package ssh injects a dropbear SSH daemon into a running container and
// manages the per-user key material it authenticates with.
package ssh

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/crampon-hpc/crampon/internal/pkg/errdefs"
	"github.com/crampon-hpc/crampon/internal/pkg/util/fs"
	"github.com/crampon-hpc/crampon/pkg/clog"
)

// Key material file names, shared between the user-side generator and the
// in-container injection.
const (
	HostKeyName        = "dropbear_ecdsa_host_key"
	ClientKeyName      = "id_dropbear"
	AuthorizedKeysName = "authorized_keys"
)

// KeysDir returns the key directory of username under baseDir.
func KeysDir(baseDir, username string) string {
	return filepath.Join(baseDir, username, ".oci-hooks", "ssh", "keys")
}

// Keygen generates the per-user dropbear keys. It runs with the invoking
// user's privileges.
type Keygen struct {
	BaseDir     string
	Username    string
	DropbearDir string

	// runCommand is a test seam over exec.
	runCommand func(name string, args ...string) ([]byte, error)
}

// NewKeygen returns a Keygen writing under KeysDir(baseDir, username).
func NewKeygen(baseDir, username, dropbearDir string) *Keygen {
	return &Keygen{
		BaseDir:     baseDir,
		Username:    username,
		DropbearDir: dropbearDir,
		runCommand: func(name string, args ...string) ([]byte, error) {
			return exec.Command(name, args...).CombinedOutput()
		},
	}
}

// HasKeys reports whether all key files exist.
func (k *Keygen) HasKeys() bool {
	dir := KeysDir(k.BaseDir, k.Username)
	for _, name := range []string{HostKeyName, ClientKeyName, AuthorizedKeysName} {
		if !fs.Exists(filepath.Join(dir, name)) {
			return false
		}
	}
	return true
}

// Generate produces the host key, the client key, and an authorized_keys
// pre-populated with the client public key. Existing keys are kept unless
// overwrite is set.
func (k *Keygen) Generate(overwrite bool) error {
	if k.HasKeys() && !overwrite {
		clog.Infof("SSH keys already exist, not overwriting")
		return nil
	}

	dir := KeysDir(k.BaseDir, k.Username)
	if err := fs.MakeDirs(dir, 0o700); err != nil {
		return errdefs.Wrapf(errdefs.IOFailure, err, "while creating key directory %s", dir)
	}

	dropbearkey := filepath.Join(k.DropbearDir, "bin", "dropbearkey")
	hostKey := filepath.Join(dir, HostKeyName)
	clientKey := filepath.Join(dir, ClientKeyName)

	for _, keyPath := range []string{hostKey, clientKey} {
		if err := os.RemoveAll(keyPath); err != nil {
			return errdefs.Wrapf(errdefs.IOFailure, err, "while removing old key %s", keyPath)
		}
		if out, err := k.runCommand(dropbearkey, "-t", "ecdsa", "-f", keyPath); err != nil {
			return errdefs.Wrapf(errdefs.IOFailure, err, "dropbearkey failed: %s", string(out))
		}
		if err := os.Chmod(keyPath, 0o600); err != nil {
			return errdefs.Wrapf(errdefs.IOFailure, err, "while restricting %s", keyPath)
		}
	}

	// recover the public key in OpenSSH format for authorized_keys
	out, err := k.runCommand(dropbearkey, "-y", "-f", clientKey)
	if err != nil {
		return errdefs.Wrapf(errdefs.IOFailure, err, "dropbearkey -y failed: %s", string(out))
	}
	publicKey, ok := extractPublicKeyLine(string(out))
	if !ok {
		return errdefs.Newf(errdefs.IOFailure, "dropbearkey -y produced no public key line")
	}

	authKeys := filepath.Join(dir, AuthorizedKeysName)
	if err := os.WriteFile(authKeys, []byte(publicKey+"\n"), 0o600); err != nil {
		return errdefs.Wrapf(errdefs.IOFailure, err, "while writing %s", authKeys)
	}

	clog.Infof("Generated SSH keys in %s", dir)
	return nil
}

// extractPublicKeyLine finds the public-key line in dropbearkey -y output,
// which surrounds it with banner text.
func extractPublicKeyLine(out string) (string, bool) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "ecdsa-") ||
			strings.HasPrefix(line, "ssh-rsa ") ||
			strings.HasPrefix(line, "ssh-ed25519 ") {
			return line, true
		}
	}
	return "", false
}
