// Copyright (C) 2025 The chatdrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/calmh/chatdrive/internal/chunkcodec"
	"github.com/calmh/chatdrive/internal/config"
	"github.com/calmh/chatdrive/internal/metrics"
	"github.com/calmh/chatdrive/internal/remote"
	"github.com/calmh/chatdrive/internal/transport/discord"
)

// session bundles the configuration and running provider a subcommand needs,
// so each Run method has one thing to build instead of repeating the wiring.
type session struct {
	cfgWrapper *config.Wrapper
	metrics    *metrics.Metrics
	provider   *remote.Provider
}

func (s *session) cfg() config.Configuration {
	return s.cfgWrapper.Raw()
}

func connect(ctx context.Context, cfgPath string) (*session, error) {
	cfgWrapper, err := config.LoadWrapped(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg := cfgWrapper.Raw()

	key, err := cfg.EncryptionKey()
	if err != nil {
		return nil, err
	}

	token := botToken()
	if token == "" {
		return nil, fmt.Errorf("CHATDRIVE_BOT_TOKEN is not set")
	}

	t, err := discord.New(discord.Options{
		Token:             token,
		GuildID:           cfg.GuildID,
		MaxAttachmentSize: cfg.MaxAttachmentSize,
	})
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	chunkDataSize := cfg.ChunkDataSize
	if chunkDataSize <= 0 {
		chunkDataSize = chunkcodec.MaxPayloadSize(int(t.MaxAttachmentSize()))
	}

	p := remote.New(t, remote.Options{
		DbChannelName:   cfg.DbChannelName,
		DataChannelName: cfg.DataChannelName,
		LocalPath:       cfg.LocalPath,
		EncryptionKey:   key,
		ChunkDataSize:   chunkDataSize,
		ResyncPeriod:    cfg.ResyncPeriod(),
		Metrics:         m,
	})

	logStateChanges(p)

	if err := p.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}

	cfgWrapper.Subscribe(config.HandlerFunc(logConfigReload))

	return &session{cfgWrapper: cfgWrapper, metrics: m, provider: p}, nil
}

func (s *session) Close(ctx context.Context) error {
	s.cfgWrapper.Stop()
	return s.provider.Close(ctx)
}

// logConfigReload is the one Handler this process registers on its config
// Wrapper. The channel, local path, and encryption key are all baked into
// the transport and provider at connect time, so a reload only takes effect
// on the next restart; this just makes that limitation visible instead of
// silently discarding the edit.
func logConfigReload(cfg config.Configuration) error {
	slog.Info("configuration file reloaded; restart to apply any changes", "guild", cfg.GuildID)
	return nil
}

// botToken is deliberately read from the environment rather than the config
// file, so a bot's credential never has to live in plaintext on disk next to
// the rest of the settings.
func botToken() string {
	return os.Getenv("CHATDRIVE_BOT_TOKEN")
}

func logStateChanges(p *remote.Provider) {
	updates, _ := p.Events().SubscribeStateChange()
	go func() {
		for status := range updates {
			slog.Info("provider state changed", "status", status)
		}
	}()
}
