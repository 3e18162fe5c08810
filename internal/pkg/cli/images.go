// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package cli

import (
	"fmt"
	"text/tabwriter"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"
)

func newImagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "images",
		Short: "List images in the local repository",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			images, err := store.List()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 2, 8, 2, ' ', 0)
			fmt.Fprintln(w, "REPOSITORY\tTAG\tDIGEST\tCREATED\tSIZE")
			for _, img := range images {
				digest := img.Metadata.Digest
				if len(digest) > 19 {
					digest = digest[:19]
				}
				fmt.Fprintf(w, "%s/%s/%s\t%s\t%s\t%s\t%s\n",
					img.Ref.Server, img.Ref.Namespace, img.Ref.Image,
					img.Ref.Tag,
					digest,
					img.Metadata.Created.Format("2006-01-02T15:04:05"),
					units.HumanSize(float64(img.Metadata.Size)),
				)
			}
			return w.Flush()
		},
	}
}
