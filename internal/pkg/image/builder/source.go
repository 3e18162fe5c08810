// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package builder turns an image source into a squashfs-packed entry of the
// local repository: fetch into an OCI layout, expand the layers, project
// the metadata, pack and digest.
package builder

import (
	"fmt"

	"github.com/containers/image/v5/docker"
	dockerarchive "github.com/containers/image/v5/docker/archive"
	ociarchive "github.com/containers/image/v5/oci/archive"
	"github.com/containers/image/v5/types"

	"github.com/crampon-hpc/crampon/internal/pkg/errdefs"
	"github.com/crampon-hpc/crampon/internal/pkg/image"
)

// Source is one of the supported image origins. Every source resolves to a
// containers/image transport reference from which the builder copies into
// its working OCI layout.
type Source interface {
	// Describe returns a human-readable origin for logging.
	Describe() string
	// transportReference resolves the source for the copy step.
	transportReference() (types.ImageReference, error)
	// retryable reports whether fetch failures may be transient.
	retryable() bool
}

// RegistryPull fetches ref from its registry.
type RegistryPull struct {
	Ref image.Reference
	// Auth carries optional registry credentials.
	Auth *types.DockerAuthConfig
}

func (s RegistryPull) Describe() string { return s.Ref.String() }

func (s RegistryPull) transportReference() (types.ImageReference, error) {
	ref, err := docker.ParseReference("//" + s.Ref.FetchString())
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ImagePullFailed, err, "while resolving registry reference %s", s.Ref)
	}
	return ref, nil
}

func (s RegistryPull) retryable() bool { return true }

// ArchiveImport loads a docker-archive tarball, as produced by docker save.
type ArchiveImport struct {
	TarPath string
}

func (s ArchiveImport) Describe() string { return fmt.Sprintf("docker archive %s", s.TarPath) }

func (s ArchiveImport) transportReference() (types.ImageReference, error) {
	ref, err := dockerarchive.ParseReference(s.TarPath)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ImagePullFailed, err, "while resolving docker archive %s", s.TarPath)
	}
	return ref, nil
}

func (s ArchiveImport) retryable() bool { return false }

// OCIArchive loads an oci-archive tarball.
type OCIArchive struct {
	Path string
}

func (s OCIArchive) Describe() string { return fmt.Sprintf("OCI archive %s", s.Path) }

func (s OCIArchive) transportReference() (types.ImageReference, error) {
	ref, err := ociarchive.ParseReference(s.Path)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.ImagePullFailed, err, "while resolving OCI archive %s", s.Path)
	}
	return ref, nil
}

func (s OCIArchive) retryable() bool { return false }
