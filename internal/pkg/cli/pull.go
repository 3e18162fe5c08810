// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package cli

import (
	"fmt"
	"os"
	"strings"
	"syscall"

	"github.com/containers/image/v5/types"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/crampon-hpc/crampon/internal/pkg/image"
	"github.com/crampon-hpc/crampon/internal/pkg/image/builder"
	"github.com/crampon-hpc/crampon/internal/pkg/util/bin"
)

func newPullCmd() *cobra.Command {
	var login bool

	cmd := &cobra.Command{
		Use:   "pull [flags] IMAGE",
		Short: "Pull an image from a registry into the local repository",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, guard, err := loadConfig()
			if err != nil {
				return err
			}
			ref, err := image.ParseReference(args[0])
			if err != nil {
				return err
			}

			var auth *types.DockerAuthConfig
			if login {
				auth, err = promptCredentials()
				if err != nil {
					return err
				}
			}

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			b := builder.New(cfg, store, bin.NewResolver(cfg, guard))
			stored, err := b.Build(cmd.Context(), builder.RegistryPull{Ref: ref, Auth: auth}, ref)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", stored.Metadata.Digest)
			return nil
		},
	}
	cmd.Flags().BoolVar(&login, "login", false, "prompt for registry credentials")
	return cmd
}

func promptCredentials() (*types.DockerAuthConfig, error) {
	fmt.Fprint(os.Stderr, "username: ")
	var username string
	if _, err := fmt.Scanln(&username); err != nil {
		return nil, fmt.Errorf("while reading username: %w", err)
	}
	fmt.Fprint(os.Stderr, "password: ")
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("while reading password: %w", err)
	}
	return &types.DockerAuthConfig{
		Username: strings.TrimSpace(username),
		Password: string(password),
	}, nil
}
