// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package hooks is the shared runtime of the bundled hook binaries. Every
// hook follows the OCI hook contract: the container State document arrives
// on standard input, and the bundle's config.json provides the container's
// environment and annotations.
package hooks

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/crampon-hpc/crampon/internal/pkg/errdefs"
)

// Invocation bundles everything a hook learns at startup: the container
// state from stdin and the runtime spec from the bundle directory.
type Invocation struct {
	State *specs.State
	Spec  *specs.Spec
}

// ReadState decodes the OCI State document from r.
func ReadState(r io.Reader) (*specs.State, error) {
	var state specs.State
	if err := json.NewDecoder(r).Decode(&state); err != nil {
		return nil, errdefs.Wrapf(errdefs.HookExecutionFailed, err, "while decoding container state from stdin")
	}
	if state.Bundle == "" {
		return nil, errdefs.Newf(errdefs.HookExecutionFailed, "container state carries no bundle path")
	}
	return &state, nil
}

// LoadBundleSpec reads the runtime configuration of the bundle.
func LoadBundleSpec(bundleDir string) (*specs.Spec, error) {
	path := filepath.Join(bundleDir, "config.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.HookExecutionFailed, err, "while reading %s", path)
	}
	var spec specs.Spec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, errdefs.Wrapf(errdefs.HookExecutionFailed, err, "while decoding %s", path)
	}
	return &spec, nil
}

// Ingest reads the state from r and the spec it points at.
func Ingest(r io.Reader) (*Invocation, error) {
	state, err := ReadState(r)
	if err != nil {
		return nil, err
	}
	spec, err := LoadBundleSpec(state.Bundle)
	if err != nil {
		return nil, err
	}
	return &Invocation{State: state, Spec: spec}, nil
}

// LookupEnv finds name in the container's process environment.
func (inv *Invocation) LookupEnv(name string) (string, bool) {
	if inv.Spec == nil || inv.Spec.Process == nil {
		return "", false
	}
	prefix := name + "="
	for _, kv := range inv.Spec.Process.Env {
		if strings.HasPrefix(kv, prefix) {
			return kv[len(prefix):], true
		}
	}
	return "", false
}

// Annotation returns the value of an annotation in the container state,
// falling back to the bundle spec annotations.
func (inv *Invocation) Annotation(name string) (string, bool) {
	if inv.State != nil {
		if v, ok := inv.State.Annotations[name]; ok {
			return v, true
		}
	}
	if inv.Spec != nil {
		if v, ok := inv.Spec.Annotations[name]; ok {
			return v, true
		}
	}
	return "", false
}

// RootfsDir resolves the container root filesystem path. Relative root
// paths are anchored at the bundle directory.
func (inv *Invocation) RootfsDir() string {
	root := "rootfs"
	if inv.Spec != nil && inv.Spec.Root != nil && inv.Spec.Root.Path != "" {
		root = inv.Spec.Root.Path
	}
	if filepath.IsAbs(root) {
		return root
	}
	return filepath.Join(inv.State.Bundle, root)
}

// UserIdentity returns the uid/gid the container process runs as.
func (inv *Invocation) UserIdentity() (uid, gid int) {
	if inv.Spec == nil || inv.Spec.Process == nil {
		return 0, 0
	}
	return int(inv.Spec.Process.User.UID), int(inv.Spec.Process.User.GID)
}
