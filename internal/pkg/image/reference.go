// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package image holds the local image repository: normalized references,
// image metadata and the squashfs-backed store.
package image

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/distribution/reference"

	"github.com/crampon-hpc/crampon/internal/pkg/errdefs"
)

// Defaults applied during reference normalization.
const (
	DefaultServer    = "index.docker.io"
	DefaultNamespace = "library"
	DefaultTag       = "latest"
)

// Reference identifies an image. Two references are equivalent iff all
// fields compare equal after case-folding the server.
type Reference struct {
	Server    string
	Namespace string
	Image     string
	Tag       string
	Digest    string
}

// ParseReference normalizes a user-supplied image reference, filling in the
// default server, namespace and tag.
func ParseReference(s string) (Reference, error) {
	named, err := reference.ParseNormalizedNamed(s)
	if err != nil {
		return Reference{}, errdefs.Wrapf(errdefs.ImageNotFound, err, "while parsing image reference %q", s)
	}

	ref := Reference{
		Server: reference.Domain(named),
		Tag:    DefaultTag,
	}
	// docker.io is an alias of the registry's canonical name
	if ref.Server == "docker.io" {
		ref.Server = DefaultServer
	}

	path := reference.Path(named)
	if i := strings.LastIndex(path, "/"); i >= 0 {
		ref.Namespace = path[:i]
		ref.Image = path[i+1:]
	} else {
		ref.Namespace = DefaultNamespace
		ref.Image = path
	}

	if tagged, ok := named.(reference.Tagged); ok {
		ref.Tag = tagged.Tag()
	}
	if canonical, ok := named.(reference.Canonical); ok {
		ref.Digest = canonical.Digest().String()
	}

	return ref, nil
}

// String returns the canonical form server/namespace/image:tag[@digest].
func (r Reference) String() string {
	s := fmt.Sprintf("%s/%s/%s:%s", r.Server, r.Namespace, r.Image, r.Tag)
	if r.Digest != "" {
		s += "@" + r.Digest
	}
	return s
}

// FetchString returns the form accepted by registry transports: pinned by
// digest, without the tag, when a digest is present, and by tag otherwise.
func (r Reference) FetchString() string {
	if r.Digest != "" {
		return fmt.Sprintf("%s/%s/%s@%s", r.Server, r.Namespace, r.Image, r.Digest)
	}
	return fmt.Sprintf("%s/%s/%s:%s", r.Server, r.Namespace, r.Image, r.Tag)
}

// Equal compares references, case-folding the server name.
func (r Reference) Equal(o Reference) bool {
	return strings.EqualFold(r.Server, o.Server) &&
		r.Namespace == o.Namespace &&
		r.Image == o.Image &&
		r.Tag == o.Tag &&
		r.Digest == o.Digest
}

// storeComponents returns the path components of the reference inside a
// repository, rejecting anything that could escape the repository root.
func (r Reference) storeComponents() ([]string, error) {
	components := []string{strings.ToLower(r.Server)}
	components = append(components, strings.Split(r.Namespace, "/")...)
	components = append(components, r.Image)
	for _, c := range append(components, r.Tag) {
		if c == "" || c == "." || c == ".." || strings.ContainsAny(c, "/\x00") {
			return nil, errdefs.Newf(errdefs.ImageNotFound, "invalid reference component %q in %s", c, r)
		}
	}
	return components, nil
}

// repositoryPaths returns the squashfs and metadata paths of the reference
// under the given repository root.
func (r Reference) repositoryPaths(root string) (squashfs, meta string, err error) {
	components, err := r.storeComponents()
	if err != nil {
		return "", "", err
	}
	dir := filepath.Join(append([]string{root}, components...)...)
	return filepath.Join(dir, r.Tag+".squashfs"), filepath.Join(dir, r.Tag+".meta"), nil
}
