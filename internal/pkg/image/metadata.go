// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package image

import (
	"encoding/json"
	"os"
	"time"

	imgspecv1 "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/crampon-hpc/crampon/internal/pkg/errdefs"
)

// Metadata is the execution-relevant subset of an OCI image configuration,
// persisted next to the squashfs as the .meta file. Env preserves the
// image's declaration order in KEY=VALUE form.
type Metadata struct {
	Cmd        []string `json:"cmd,omitempty"`
	Entrypoint []string `json:"entrypoint,omitempty"`
	Env        []string `json:"env,omitempty"`
	Workdir    string   `json:"workdir,omitempty"`

	Digest  string    `json:"digest"`
	Created time.Time `json:"created"`
	Size    int64     `json:"size"`
}

// MetadataFromImageConfig projects an OCI image configuration into
// Metadata. Digest and Created are filled by the builder, Size by the store
// on put.
func MetadataFromImageConfig(cfg imgspecv1.ImageConfig) Metadata {
	return Metadata{
		Cmd:        cfg.Cmd,
		Entrypoint: cfg.Entrypoint,
		Env:        cfg.Env,
		Workdir:    cfg.WorkingDir,
	}
}

func readMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.Wrapf(errdefs.ImageNotFound, err, "no metadata at %s", path)
		}
		return nil, errdefs.Wrapf(errdefs.IOFailure, err, "while reading metadata %s", path)
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errdefs.Wrapf(errdefs.IOFailure, err, "while decoding metadata %s", path)
	}
	return &m, nil
}

func (m *Metadata) encode() ([]byte, error) {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.IOFailure, err, "while encoding image metadata")
	}
	return append(data, '\n'), nil
}
