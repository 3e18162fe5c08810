// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// crampon-hooks is the single binary behind every bundled OCI hook. The
// low-level runtime invokes it with a subcommand selecting the hook; the
// container State document arrives on standard input per the OCI hook
// contract, and diagnostics leave as JSON Lines on standard error.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/crampon-hpc/crampon/internal/pkg/errdefs"
	"github.com/crampon-hpc/crampon/internal/pkg/hooks"
	"github.com/crampon-hpc/crampon/internal/pkg/hooks/glibc"
	"github.com/crampon-hpc/crampon/internal/pkg/hooks/slurmsync"
	"github.com/crampon-hpc/crampon/internal/pkg/hooks/ssh"
	"github.com/crampon-hpc/crampon/internal/pkg/util/user"
	"github.com/crampon-hpc/crampon/pkg/clog"
)

func main() {
	clog.SetHookOutput(os.Stderr)

	if len(os.Args) < 2 {
		clog.Errorf("usage: crampon-hooks {glibc-hook|slurm-global-sync-hook|ssh-hook} [--keygen]")
		os.Exit(errdefs.ExitInvalidInvocation)
	}

	if err := dispatch(os.Args[1], os.Args[2:]); err != nil {
		clog.Errorf("%v", err)
		os.Exit(errdefs.ExitCode(err))
	}
}

func dispatch(hook string, args []string) error {
	// the keygen entry point runs user-privileged and reads no state
	if hook == "ssh-hook" && len(args) > 0 && args[0] == "--keygen" {
		return runSshKeygen()
	}

	inv, err := hooks.Ingest(os.Stdin)
	if err != nil {
		return err
	}

	switch hook {
	case "glibc-hook":
		return runGlibcHook(inv)
	case "slurm-global-sync-hook":
		return runSlurmSyncHook(inv)
	case "ssh-hook":
		return runSshHook(inv)
	default:
		return errdefs.Newf(errdefs.Unknown, "unknown hook %q", hook)
	}
}

func runGlibcHook(inv *hooks.Invocation) error {
	h, err := glibc.New(inv)
	if err != nil {
		return err
	}
	return h.Run()
}

func runSlurmSyncHook(inv *hooks.Invocation) error {
	baseDir := os.Getenv("HOOK_BASE_DIR")
	if baseDir == "" {
		return errdefs.Newf(errdefs.HookActivationMissing, "HOOK_BASE_DIR must be set")
	}
	deadline := slurmsync.DefaultDeadline
	if v := os.Getenv("SYNC_DEADLINE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errdefs.Newf(errdefs.HookExecutionFailed, "invalid SYNC_DEADLINE %q", v)
		}
		deadline = d
	}

	h, err := slurmsync.New(inv, baseDir, deadline)
	if err != nil {
		return err
	}
	if h == nil {
		// not activated for this run
		return nil
	}
	return h.Run()
}

func runSshHook(inv *hooks.Invocation) error {
	if !ssh.Requested(inv) {
		// not activated for this run
		return nil
	}
	h, err := ssh.New(inv)
	if err != nil {
		return err
	}
	return h.StartSshDaemon()
}

func runSshKeygen() error {
	baseDir := os.Getenv("HOOK_BASE_DIR")
	dropbearDir := os.Getenv("DROPBEAR_DIR")
	passwdFile := os.Getenv("PASSWD_FILE")
	if baseDir == "" || dropbearDir == "" || passwdFile == "" {
		return errdefs.Newf(errdefs.HookActivationMissing,
			"HOOK_BASE_DIR, DROPBEAR_DIR and PASSWD_FILE must all be set")
	}

	entry, err := user.LookupUIDInPasswd(passwdFile, os.Getuid())
	if err != nil {
		return fmt.Errorf("while resolving invoking user: %w", err)
	}
	return ssh.NewKeygen(baseDir, entry.Username, dropbearDir).Generate(false)
}
