// Copyright (C) 2025 The chatdrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"fmt"

	"github.com/calmh/chatdrive/internal/config"
)

type initCmd struct {
	GuildID   string `help:"Discord guild id the provider should operate in."`
	LocalPath string `help:"Local directory this provider mirrors."`
}

func (c *initCmd) Run() error {
	cfg := config.New()
	cfg.GuildID = c.GuildID
	cfg.LocalPath = c.LocalPath
	if err := config.Save(cli.Config, cfg); err != nil {
		return err
	}
	fmt.Printf("wrote %s\n", cli.Config)
	return nil
}
