// Copyright (C) 2025 The chatdrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"github.com/calmh/chatdrive/internal/slogutil"
)

var cli struct {
	Config string `short:"c" default:"chatdrive.yaml" help:"Path to the configuration file."`
	Debug  bool   `help:"Set the default log level to debug; per-package CHATDRIVE_TRACE levels still apply."`

	Connect connectCmd `cmd:"" help:"Connect to the configured guild and run the sync loop until interrupted."`
	Status  statusCmd  `cmd:"" help:"Connect, print provider status and index summary, then exit."`
	Get     getCmd     `cmd:"" help:"Connect, read one file out of the remote index, and write it to stdout or a local path."`
	Init    initCmd    `cmd:"" help:"Write a new configuration file with defaults filled in."`
}

func main() {
	ctx := kong.Parse(&cli,
		kong.Name("chatdrive"),
		kong.Description("Mirror a local directory against a chat service's channels and pinned messages."),
		kong.UsageOnError(),
	)
	if cli.Debug {
		slogutil.SetDefaultLevel(slog.LevelDebug)
	}
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
	if err != nil {
		os.Exit(1)
	}
}
