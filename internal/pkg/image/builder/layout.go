// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package builder

import (
	"context"
	"os"

	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"
	rspec "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/opencontainers/umoci/oci/cas/dir"
	"github.com/opencontainers/umoci/oci/casext"
	"github.com/opencontainers/umoci/oci/layer"

	"github.com/crampon-hpc/crampon/internal/pkg/errdefs"
)

// readLayoutImage loads the manifest and image configuration the built tag
// resolves to in the OCI layout at layoutDir.
func readLayoutImage(ctx context.Context, layoutDir, tag string) (*imgspecv1.Manifest, *imgspecv1.Image, error) {
	casEngine, err := dir.Open(layoutDir)
	if err != nil {
		return nil, nil, errdefs.Wrapf(errdefs.ImagePullFailed, err, "while opening OCI layout %s", layoutDir)
	}
	defer casEngine.Close()

	engine := casext.NewEngine(casEngine)
	descriptorPaths, err := engine.ResolveReference(ctx, tag)
	if err != nil {
		return nil, nil, errdefs.Wrapf(errdefs.ImagePullFailed, err, "while resolving %q in OCI layout %s", tag, layoutDir)
	}
	if len(descriptorPaths) == 0 {
		return nil, nil, errdefs.Newf(errdefs.ImagePullFailed, "no image under tag %q in OCI layout %s", tag, layoutDir)
	}

	manifestBlob, err := engine.FromDescriptor(ctx, descriptorPaths[0].Descriptor())
	if err != nil {
		return nil, nil, errdefs.Wrapf(errdefs.ImagePullFailed, err, "while reading image manifest")
	}
	manifest, ok := manifestBlob.Data.(imgspecv1.Manifest)
	if !ok {
		return nil, nil, errdefs.Newf(errdefs.ImagePullFailed, "manifest blob is %T, not an image manifest", manifestBlob.Data)
	}

	configBlob, err := engine.FromDescriptor(ctx, manifest.Config)
	if err != nil {
		return nil, nil, errdefs.Wrapf(errdefs.ImagePullFailed, err, "while reading image configuration")
	}
	imageConfig, ok := configBlob.Data.(imgspecv1.Image)
	if !ok {
		return nil, nil, errdefs.Newf(errdefs.ImagePullFailed, "config blob is %T, not an image configuration", configBlob.Data)
	}

	return &manifest, &imageConfig, nil
}

// unpackRootfs expands the manifest's layers into targetDir, applying the
// whiteout and opaque-directory semantics of the OCI layer spec. When the
// build runs unprivileged, ownership is collapsed onto the invoking user.
func unpackRootfs(ctx context.Context, layoutDir string, manifest imgspecv1.Manifest, targetDir string) error {
	casEngine, err := dir.Open(layoutDir)
	if err != nil {
		return errdefs.Wrapf(errdefs.ImagePullFailed, err, "while opening OCI layout %s", layoutDir)
	}
	defer casEngine.Close()

	uid := uint32(os.Geteuid())
	gid := uint32(os.Getegid())
	unpackOpts := &layer.UnpackOptions{
		OnDiskFormat: layer.DirRootfs{
			MapOptions: layer.MapOptions{
				Rootless: uid != 0,
				UIDMappings: []rspec.LinuxIDMapping{
					{HostID: uid, ContainerID: 0, Size: 1},
				},
				GIDMappings: []rspec.LinuxIDMapping{
					{HostID: gid, ContainerID: 0, Size: 1},
				},
			},
		},
	}

	if err := layer.UnpackRootfs(ctx, casEngine, targetDir, manifest, unpackOpts); err != nil {
		return errdefs.Wrapf(errdefs.ImagePullFailed, err, "while expanding image layers")
	}
	return nil
}
