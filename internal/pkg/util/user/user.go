// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package user resolves the identity the launcher acts on behalf of, and
// looks up user entries in arbitrary passwd files (the host's, or the one
// inside a container rootfs).
package user

import (
	"bufio"
	"fmt"
	"os"
	"os/user"
	"strconv"

	pwd "github.com/astromechza/etcpwdparse"
)

// Identity is the invoking user, captured once at process entry from the
// real uid, before any privilege transition.
type Identity struct {
	UID      int
	GID      int
	Groups   []int
	Username string
	HomeDir  string
}

// Current returns the identity of the real (not effective) user, so a
// setuid-root invocation still resolves to the invoking user.
func Current() (*Identity, error) {
	uid := os.Getuid()
	pw, err := user.LookupId(strconv.Itoa(uid))
	if err != nil {
		return nil, fmt.Errorf("while looking up uid %d: %w", uid, err)
	}
	gid, err := strconv.Atoi(pw.Gid)
	if err != nil {
		return nil, fmt.Errorf("while parsing gid %q: %w", pw.Gid, err)
	}
	groups, err := os.Getgroups()
	if err != nil {
		return nil, fmt.Errorf("while reading supplementary groups: %w", err)
	}
	return &Identity{
		UID:      uid,
		GID:      gid,
		Groups:   groups,
		Username: pw.Username,
		HomeDir:  pw.HomeDir,
	}, nil
}

// Entry is one record of a passwd file.
type Entry struct {
	Username string
	UID      int
	GID      int
	HomeDir  string
	Shell    string
}

// LookupUIDInPasswd finds the entry for uid in the passwd file at path.
// This is how a hook learns the user's home directory as declared inside
// the container rootfs, which need not match the host's.
func LookupUIDInPasswd(path string, uid int) (*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("while opening passwd file %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		entry, err := pwd.ParsePasswdLine(line)
		if err != nil {
			return nil, fmt.Errorf("while parsing passwd line %q in %s: %w", line, path, err)
		}
		if entry.Uid() != uid {
			continue
		}
		return &Entry{
			Username: entry.Username(),
			UID:      entry.Uid(),
			GID:      entry.Gid(),
			HomeDir:  entry.Homedir(),
			Shell:    entry.Shell(),
		}, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("while reading passwd file %s: %w", path, err)
	}
	return nil, fmt.Errorf("no entry for uid %d in %s", uid, path)
}
