// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/crampon-hpc/crampon/internal/pkg/image"
	"github.com/crampon-hpc/crampon/internal/pkg/image/builder"
	"github.com/crampon-hpc/crampon/internal/pkg/util/bin"
)

func newLoadCmd() *cobra.Command {
	var ociFormat bool

	cmd := &cobra.Command{
		Use:   "load [flags] ARCHIVE IMAGE",
		Short: "Load an image archive into the local repository",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, guard, err := loadConfig()
			if err != nil {
				return err
			}
			tarPath, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("while resolving archive path %q: %w", args[0], err)
			}
			ref, err := image.ParseReference(args[1])
			if err != nil {
				return err
			}

			var src builder.Source
			if ociFormat || strings.HasSuffix(tarPath, ".oci.tar") {
				src = builder.OCIArchive{Path: tarPath}
			} else {
				src = builder.ArchiveImport{TarPath: tarPath}
			}

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			b := builder.New(cfg, store, bin.NewResolver(cfg, guard))
			stored, err := b.Build(cmd.Context(), src, ref)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", stored.Metadata.Digest)
			return nil
		},
	}
	cmd.Flags().BoolVar(&ociFormat, "oci", false, "treat the archive as an OCI archive instead of a docker archive")
	return cmd
}
