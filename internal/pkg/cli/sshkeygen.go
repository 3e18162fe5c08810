// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package cli

import (
	"github.com/spf13/cobra"

	"github.com/crampon-hpc/crampon/internal/pkg/errdefs"
	"github.com/crampon-hpc/crampon/internal/pkg/hooks/ssh"
	"github.com/crampon-hpc/crampon/internal/pkg/util/priv"
)

func newSshKeygenCmd() *cobra.Command {
	var overwrite bool

	cmd := &cobra.Command{
		Use:   "ssh-keygen",
		Short: "Generate the SSH keys used by the in-container SSH daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.DropbearDir == "" {
				return errdefs.Newf(errdefs.ConfigInvalid,
					"the SSH hook is not configured on this system (dropbearDir is not set)")
			}
			k := ssh.NewKeygen(cfg.LocalRepositoryBaseDir, cfg.Identity.Username, cfg.DropbearDir)
			// the keys belong to the invoking user; generate them as them even
			// under a setuid invocation
			return priv.AsUserProcess(cfg.Identity.UID, cfg.Identity.GID, func() error {
				return k.Generate(overwrite)
			})
		},
	}
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "replace existing keys")
	return cmd
}
