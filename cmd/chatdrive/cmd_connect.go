// Copyright (C) 2025 The chatdrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/calmh/chatdrive/internal/config"
)

type connectCmd struct{}

func (c *connectCmd) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sess, err := connect(ctx, cli.Config)
	if err != nil {
		return err
	}
	slog.Info("connected", "guild", sess.cfg().GuildID, "localPath", sess.cfg().LocalPath)

	changes, unsubscribe := sess.provider.Events().SubscribeFileChange()
	defer unsubscribe()
	go func() {
		for ev := range changes {
			slog.Info("file change", "type", ev.ChangeType, "path", ev.Placeholder.RelativePath)
		}
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go watchReload(hup, sess.cfgWrapper)

	<-ctx.Done()
	slog.Info("shutting down")
	return sess.Close(context.Background())
}

// watchReload re-parses the configuration file on SIGHUP and replaces it in
// the wrapper, which fans the new values out to logConfigReload.
func watchReload(hup <-chan os.Signal, cfgWrapper *config.Wrapper) {
	for range hup {
		cfg, err := config.Load(cli.Config)
		if err != nil {
			slog.Warn("reload config", "error", err)
			continue
		}
		if err := cfgWrapper.Replace(cfg); err != nil {
			slog.Warn("apply reloaded config", "error", err)
		}
	}
}
