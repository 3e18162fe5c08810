// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

// Package cli is the launcher's command surface. Commands stay thin: flag
// parsing and dispatch only, with the behavior in the internal packages.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/crampon-hpc/crampon/internal/pkg/config"
	"github.com/crampon-hpc/crampon/internal/pkg/image"
	"github.com/crampon-hpc/crampon/internal/pkg/security"
	"github.com/crampon-hpc/crampon/internal/pkg/util/priv"
	"github.com/crampon-hpc/crampon/pkg/clog"
)

var (
	configPath string
	debug      bool
	verbose    bool
)

// New assembles the command tree.
func New() *cobra.Command {
	root := &cobra.Command{
		Use:           "crampon",
		Short:         "Unprivileged OCI container launcher for HPC systems",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			switch {
			case debug:
				clog.SetLevel(clog.DebugLevel)
			case verbose:
				clog.SetLevel(clog.VerboseLevel)
			}
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "administrator configuration file")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug output")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	root.AddCommand(
		newPullCmd(),
		newLoadCmd(),
		newImagesCmd(),
		newRmiCmd(),
		newRunCmd(),
		newSshKeygenCmd(),
		newVersionCmd(),
	)
	return root
}

// loadConfig parses the administrator configuration and derives the pieces
// every command needs.
func loadConfig() (*config.Config, *security.Guard, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	return cfg, security.NewGuard(cfg.SecurityChecks), nil
}

func openStore(cfg *config.Config) (*image.Store, error) {
	// the repository belongs to the invoking user; create it as them even
	// under a setuid invocation
	var store *image.Store
	err := priv.AsUserProcess(cfg.Identity.UID, cfg.Identity.GID, func() error {
		var err error
		if cfg.UseCentralizedRepository {
			store, err = image.NewStoreWithCentralized(cfg.LocalRepositoryDir(), cfg.CentralizedRepositoryDir)
		} else {
			store, err = image.NewStore(cfg.LocalRepositoryDir())
		}
		return err
	})
	return store, err
}
