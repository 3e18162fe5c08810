// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package image

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gofrs/flock"

	"github.com/crampon-hpc/crampon/internal/pkg/errdefs"
	cfs "github.com/crampon-hpc/crampon/internal/pkg/util/fs"
	"github.com/crampon-hpc/crampon/pkg/clog"
)

// StoredImage is one entry of the repository.
type StoredImage struct {
	Ref          Reference
	SquashfsPath string
	MetadataPath string
	Metadata     Metadata
}

// Store is the content-addressed local repository of squashfs-packed
// images, laid out as <root>/<server>/<namespace>/<image>/<tag>.{squashfs,meta}.
//
// Mutations are serialized by an advisory lock on <root>/.lock. Readers do
// not take the lock: writers publish the squashfs before the metadata, both
// with atomic renames, and readers resolve metadata first, so a concurrent
// reader either sees a complete entry or none.
type Store struct {
	// localRoot receives all mutations.
	localRoot string
	// readRoots are consulted in order by lookups; when a centralized
	// read-only repository is configured it precedes the local one.
	readRoots []string
}

// NewStore opens the repository rooted at localRoot, creating it if
// needed.
func NewStore(localRoot string) (*Store, error) {
	if err := cfs.MakeDirs(localRoot, 0o755); err != nil {
		return nil, errdefs.Wrapf(errdefs.IOFailure, err, "while creating repository %s", localRoot)
	}
	return &Store{localRoot: localRoot, readRoots: []string{localRoot}}, nil
}

// NewStoreWithCentralized opens the repository with an additional read-only
// centralized root consulted before the local one.
func NewStoreWithCentralized(localRoot, centralizedRoot string) (*Store, error) {
	s, err := NewStore(localRoot)
	if err != nil {
		return nil, err
	}
	s.readRoots = []string{centralizedRoot, localRoot}
	return s, nil
}

func (s *Store) lock() (*flock.Flock, error) {
	l := flock.New(filepath.Join(s.localRoot, ".lock"))
	if err := l.Lock(); err != nil {
		return nil, errdefs.Wrapf(errdefs.IOFailure, err, "while locking repository %s", s.localRoot)
	}
	return l, nil
}

// Has reports whether ref resolves to a stored image.
func (s *Store) Has(ref Reference) bool {
	_, err := s.Get(ref)
	return err == nil
}

// Get resolves ref to a stored image. The metadata is read before the
// squashfs is examined, mirroring the writer's publication order.
func (s *Store) Get(ref Reference) (*StoredImage, error) {
	for _, root := range s.readRoots {
		squashfsPath, metaPath, err := ref.repositoryPaths(root)
		if err != nil {
			return nil, err
		}
		meta, err := readMetadata(metaPath)
		if err != nil {
			if errdefs.IsKind(err, errdefs.ImageNotFound) {
				continue
			}
			return nil, err
		}
		if _, err := os.Stat(squashfsPath); err != nil {
			return nil, errdefs.Wrapf(errdefs.IOFailure, err,
				"repository entry %s has metadata but no squashfs", ref)
		}
		return &StoredImage{
			Ref:          ref,
			SquashfsPath: squashfsPath,
			MetadataPath: metaPath,
			Metadata:     *meta,
		}, nil
	}
	return nil, errdefs.Newf(errdefs.ImageNotFound, "image %s is not in the local repository", ref)
}

// Put moves the squashfs at squashfsStaging into the repository under ref
// and publishes metadata for it. The squashfs must reside on the same
// filesystem as the repository so the renames are atomic.
func (s *Store) Put(ref Reference, squashfsStaging string, meta Metadata) (*StoredImage, error) {
	l, err := s.lock()
	if err != nil {
		return nil, err
	}
	defer l.Unlock()

	squashfsPath, metaPath, err := ref.repositoryPaths(s.localRoot)
	if err != nil {
		return nil, err
	}
	if err := cfs.MakeDirs(filepath.Dir(squashfsPath), 0o755); err != nil {
		return nil, err
	}

	fi, err := os.Stat(squashfsStaging)
	if err != nil {
		return nil, errdefs.Wrapf(errdefs.IOFailure, err, "while examining staged squashfs %s", squashfsStaging)
	}
	meta.Size = fi.Size()

	encoded, err := meta.encode()
	if err != nil {
		return nil, err
	}
	metaStaging := metaPath + ".tmp"
	if err := cfs.WriteFileFsync(metaStaging, encoded, 0o644); err != nil {
		return nil, errdefs.Wrapf(errdefs.IOFailure, err, "while staging metadata for %s", ref)
	}

	// squashfs first, metadata second: a reader that sees the metadata can
	// rely on the squashfs being present
	if err := os.Rename(squashfsStaging, squashfsPath); err != nil {
		os.Remove(metaStaging)
		return nil, errdefs.Wrapf(errdefs.IOFailure, err, "while publishing squashfs for %s", ref)
	}
	if err := os.Rename(metaStaging, metaPath); err != nil {
		return nil, errdefs.Wrapf(errdefs.IOFailure, err, "while publishing metadata for %s", ref)
	}

	clog.Verbosef("Stored image %s (%d bytes)", ref, meta.Size)
	return &StoredImage{
		Ref:          ref,
		SquashfsPath: squashfsPath,
		MetadataPath: metaPath,
		Metadata:     meta,
	}, nil
}

// Remove deletes ref from the local repository. Removing an image that is
// only present in the centralized repository is refused.
func (s *Store) Remove(ref Reference) error {
	l, err := s.lock()
	if err != nil {
		return err
	}
	defer l.Unlock()

	squashfsPath, metaPath, err := ref.repositoryPaths(s.localRoot)
	if err != nil {
		return err
	}
	if _, err := os.Stat(metaPath); err != nil {
		return errdefs.Newf(errdefs.ImageNotFound, "image %s is not in the local repository", ref)
	}

	// metadata first: once it is gone readers no longer resolve the entry
	if err := os.Remove(metaPath); err != nil {
		return errdefs.Wrapf(errdefs.IOFailure, err, "while removing metadata of %s", ref)
	}
	if err := os.Remove(squashfsPath); err != nil && !os.IsNotExist(err) {
		return errdefs.Wrapf(errdefs.IOFailure, err, "while removing squashfs of %s", ref)
	}

	// prune now-empty reference directories up to the repository root
	for dir := filepath.Dir(metaPath); dir != s.localRoot; dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break
		}
	}
	return nil
}

// List enumerates every stored image, sorted by canonical reference.
func (s *Store) List() ([]StoredImage, error) {
	var images []StoredImage
	seen := map[string]bool{}

	for _, root := range s.readRoots {
		if !cfs.IsDir(root) {
			continue
		}
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() || !strings.HasSuffix(path, ".meta") {
				return err
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			ref, ok := refFromRepositoryPath(rel)
			if !ok {
				clog.Debugf("Skipping unrecognized repository entry %s", path)
				return nil
			}
			if seen[ref.String()] {
				return nil
			}
			img, err := s.Get(ref)
			if err != nil {
				clog.Warningf("Skipping unreadable repository entry %s: %v", path, err)
				return nil
			}
			seen[ref.String()] = true
			images = append(images, *img)
			return nil
		})
		if err != nil {
			return nil, errdefs.Wrapf(errdefs.IOFailure, err, "while listing repository %s", root)
		}
	}

	sort.Slice(images, func(i, j int) bool {
		return images[i].Ref.String() < images[j].Ref.String()
	})
	return images, nil
}

// refFromRepositoryPath reconstructs a reference from the relative path of
// a .meta file, server/namespace.../image/tag.meta.
func refFromRepositoryPath(rel string) (Reference, bool) {
	components := strings.Split(filepath.ToSlash(rel), "/")
	if len(components) < 4 {
		return Reference{}, false
	}
	tag := strings.TrimSuffix(components[len(components)-1], ".meta")
	return Reference{
		Server:    components[0],
		Namespace: strings.Join(components[1:len(components)-2], "/"),
		Image:     components[len(components)-2],
		Tag:       tag,
	}, true
}
