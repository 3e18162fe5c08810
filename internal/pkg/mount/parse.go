// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package mount

import (
	"encoding/csv"
	"strings"

	"github.com/crampon-hpc/crampon/internal/pkg/errdefs"
)

// ParseRequest converts one --mount string into a Request.
//
// Fields follow the docker convention, key[=value] separated by commas and
// parsed under CSV escaping rules so that sources and destinations may
// contain special characters:
//
//	type=bind,source=/opt,destination=/other,readonly
//
// Only type=bind is supported, and assumed when type is missing.
func ParseRequest(mount string) (Request, error) {
	c := csv.NewReader(strings.NewReader(mount))
	fields, err := c.Read()
	if err != nil {
		return Request{}, errdefs.Wrapf(errdefs.MountDenied, err, "while parsing mount %q", mount)
	}

	var req Request
	var flagNames []string
	for _, f := range fields {
		kv := strings.SplitN(f, "=", 2)
		key := kv[0]
		val := ""
		if len(kv) > 1 {
			val = kv[1]
		}

		switch key {
		case "type":
			if val != "bind" {
				return Request{}, errdefs.Newf(errdefs.MountDenied,
					"unsupported mount type %q, only 'bind' is supported", val)
			}
		case "source", "src":
			if val == "" {
				return Request{}, errdefs.Newf(errdefs.MountDenied, "mount source cannot be empty")
			}
			req.Source = val
		case "destination", "dst", "target":
			if val == "" {
				return Request{}, errdefs.Newf(errdefs.MountDenied, "mount destination cannot be empty")
			}
			req.Destination = val
		case "ro", "readonly":
			flagNames = append(flagNames, "readonly")
		case "nosuid", "nodev", "noexec", "recursive", "private":
			flagNames = append(flagNames, key)
		default:
			return Request{}, errdefs.Newf(errdefs.MountDenied, "invalid key %q in mount specification", key)
		}
	}

	if req.Source == "" || req.Destination == "" {
		return Request{}, errdefs.Newf(errdefs.MountDenied, "mounts must specify a source and a destination")
	}

	flags, err := ParseFlags(flagNames)
	if err != nil {
		return Request{}, err
	}
	req.Flags = flags
	return req, nil
}
