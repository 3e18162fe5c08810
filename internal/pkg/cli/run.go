// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/crampon-hpc/crampon/internal/pkg/bundle"
	"github.com/crampon-hpc/crampon/internal/pkg/hooks/ssh"
	"github.com/crampon-hpc/crampon/internal/pkg/image"
	"github.com/crampon-hpc/crampon/internal/pkg/mount"
	"github.com/crampon-hpc/crampon/internal/pkg/runtime"
)

// ExitCoder is returned through RunE so main can distinguish the
// container's own exit status from launch failures.
type ExitCoder struct {
	Code int
}

func (e *ExitCoder) Error() string { return fmt.Sprintf("container exited with code %d", e.Code) }

func newRunCmd() *cobra.Command {
	var (
		mountSpecs []string
		devices    []string
		entrypoint string
		workdir    string
		env        []string
		readOnly   bool
		tty        bool
		useInit    bool
		useSsh     bool
		sshKeyFile string
	)

	cmd := &cobra.Command{
		Use:   "run [flags] IMAGE [COMMAND [ARG...]]",
		Short: "Run a command in a container from a stored image",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, guard, err := loadConfig()
			if err != nil {
				return err
			}
			ref, err := image.ParseReference(args[0])
			if err != nil {
				return err
			}

			var requests []mount.Request
			for _, spec := range mountSpecs {
				req, err := mount.ParseRequest(spec)
				if err != nil {
					return err
				}
				requests = append(requests, req)
			}

			opts := bundle.Options{
				Args:           args[1:],
				Workdir:        workdir,
				Env:            env,
				Mounts:         requests,
				Devices:        devices,
				ReadOnlyRootfs: readOnly,
				Terminal:       tty && term.IsTerminal(int(os.Stdin.Fd())),
				Init:           useInit,
			}
			if cmd.Flags().Changed("entrypoint") {
				if entrypoint == "" {
					opts.Entrypoint = []string{}
				} else {
					opts.Entrypoint = []string{entrypoint}
				}
			}
			if useSsh || sshKeyFile != "" {
				opts.Annotations = map[string]string{ssh.ActivationAnnotation: "1"}
				if sshKeyFile != "" {
					opts.Annotations[ssh.AuthorizeKeyAnnotation] = sshKeyFile
				}
			}

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			launcher := runtime.NewLauncher(cfg, guard, store)
			code, err := launcher.Run(cmd.Context(), ref, opts)
			if err != nil {
				return err
			}
			if code != 0 {
				return &ExitCoder{Code: code}
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.SetInterspersed(false)
	flags.StringArrayVar(&mountSpecs, "mount", nil, "bind mount in type=bind,source=...,destination=...[,flags] form")
	flags.StringArrayVar(&devices, "device", nil, "host device to expose in the container")
	flags.StringVar(&entrypoint, "entrypoint", "", "override the image entrypoint")
	flags.StringVar(&workdir, "workdir", "", "working directory inside the container")
	flags.StringArrayVarP(&env, "env", "e", nil, "extra environment variable in KEY=VALUE form")
	flags.BoolVar(&readOnly, "readonly", false, "keep the container root filesystem read-only")
	flags.BoolVar(&useInit, "init", false, "run the configured init binary as pid 1")
	flags.BoolVarP(&tty, "tty", "t", true, "allocate a terminal when stdin is one")
	flags.BoolVar(&useSsh, "ssh", false, "start the in-container SSH daemon")
	flags.StringVar(&sshKeyFile, "ssh-authorize-key", "", "public key file to authorize for in-container SSH (implies --ssh)")
	return cmd
}
