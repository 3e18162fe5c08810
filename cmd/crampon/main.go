// Copyright (c) 2022-2026, Crampon Project contributors. All rights reserved.
// This software is licensed under a 3-clause BSD license. Please consult the
// LICENSE.md file distributed with the sources of this project regarding your
// rights to use or distribute this software.

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/crampon-hpc/crampon/internal/pkg/cli"
	"github.com/crampon-hpc/crampon/internal/pkg/errdefs"
	"github.com/crampon-hpc/crampon/pkg/clog"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := cli.New()
	if err := root.ExecuteContext(ctx); err != nil {
		var exitCoder *cli.ExitCoder
		if errors.As(err, &exitCoder) {
			// the container's own status, reported as-is
			os.Exit(exitCoder.Code)
		}
		clog.Errorf("%v", err)
		os.Exit(errdefs.ExitCode(err))
	}
}
