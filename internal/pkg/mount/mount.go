// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package mount plans the mounts composed inside the container's mount
// namespace: site-administrator mounts, validated user binds and device
// files, in that order. The low-level runtime applies the planned mounts,
// and the read-only rootfs is not part of the plan. Bind is the package's
// own executor, which the hooks use to graft host files into a rootfs.
package mount

import (
	"fmt"
	"sort"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/crampon-hpc/crampon/internal/pkg/errdefs"
)

// Kind tags the origin of a mount, which determines how it was validated.
type Kind int

const (
	// Site mounts come from the administrator configuration.
	Site Kind = iota
	// User mounts are requested on the command line and validated.
	User
	// Device mounts bind host device files into /dev.
	Device
)

func (k Kind) String() string {
	switch k {
	case Site:
		return "site"
	case User:
		return "user"
	case Device:
		return "device"
	default:
		return "unknown"
	}
}

// flagBits maps the accepted flag names onto mount(2) bits.
var flagBits = map[string]uintptr{
	"readonly":  unix.MS_RDONLY,
	"nosuid":    unix.MS_NOSUID,
	"nodev":     unix.MS_NODEV,
	"noexec":    unix.MS_NOEXEC,
	"bind":      unix.MS_BIND,
	"recursive": unix.MS_REC,
	"private":   unix.MS_PRIVATE,
}

// ParseFlags translates flag names into the corresponding mount(2) bits.
func ParseFlags(names []string) (uintptr, error) {
	var flags uintptr
	for _, name := range names {
		bit, ok := flagBits[strings.ToLower(name)]
		if !ok {
			return 0, errdefs.Newf(errdefs.MountDenied, "unknown mount flag %q", name)
		}
		flags |= bit
	}
	return flags, nil
}

// FlagNames returns the sorted names of the flags set in bits, for
// diagnostics.
func FlagNames(bits uintptr) []string {
	var names []string
	for name, bit := range flagBits {
		if bits&bit != 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Mount is one planned mount. Destination is container-absolute, resolved
// against the rootfs without following symlinks that escape it.
type Mount struct {
	Kind        Kind
	Source      string
	Destination string
	Flags       uintptr
}

// Entry is a compiled mount: the literal mount(2) arguments, plus the
// second remount step a read-only bind needs.
type Entry struct {
	Source  string
	Target  string
	FSType  string
	Flags   uintptr
	Data    string
	Remount *Entry
}

func (m Mount) String() string {
	return fmt.Sprintf("%s mount %s -> %s (%s)", m.Kind, m.Source, m.Destination,
		strings.Join(FlagNames(m.Flags), ","))
}
