// Copyright (C) 2025 The chatdrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package config implements loading, defaulting, and atomic saving of the
// chatdrive configuration file (spec §6): the recognized options table
// (guild id, channel names, local path, encryption key, max attachment
// size, resync period), read from YAML.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/calmh/chatdrive/internal/chunkcodec"
	"github.com/calmh/chatdrive/internal/osutil"
)

const CurrentVersion = 1

// Configuration is the full set of recognized options.
type Configuration struct {
	Version int `yaml:"version"`

	// GuildID is the Discord guild (server) the provider operates in.
	GuildID string `yaml:"guildId"`
	// DbChannelName is the channel the index message is pinned in.
	DbChannelName string `yaml:"dbChannelName" default:"chatdrive-db"`
	// DataChannelName is the channel ordinary file chunks are posted to.
	DataChannelName string `yaml:"dataChannelName" default:"chatdrive-data"`
	// LocalPath is the host directory this provider mirrors.
	LocalPath string `yaml:"localPath"`
	// EncryptionKeyHex is a 64-character hex-encoded AES-256 key. Empty
	// means chunks are stored unencrypted.
	EncryptionKeyHex string `yaml:"encryptionKey"`
	// MaxAttachmentSize overrides the transport's default attachment size
	// budget, in bytes. Zero uses the transport's own default.
	MaxAttachmentSize int64 `yaml:"maxAttachmentSize"`
	// ChunkDataSize is the piece size used when splitting a serialized
	// index across multiple attachments.
	ChunkDataSize int `yaml:"chunkDataSize" default:"65536"`
	// ResyncPeriodSeconds is the full-resync timer period. Zero uses the
	// package default (3 minutes).
	ResyncPeriodSeconds int `yaml:"resyncPeriodSeconds" default:"180"`

	OriginalVersion int `yaml:"-"`
}

// ResyncPeriod returns ResyncPeriodSeconds as a time.Duration.
func (c Configuration) ResyncPeriod() time.Duration {
	return time.Duration(c.ResyncPeriodSeconds) * time.Second
}

// EncryptionKey decodes EncryptionKeyHex, returning nil if it is empty.
func (c Configuration) EncryptionKey() (*chunkcodec.EncryptionKey, error) {
	if c.EncryptionKeyHex == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(c.EncryptionKeyHex)
	if err != nil {
		return nil, fmt.Errorf("config: encryptionKey: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("config: encryptionKey: want 32 bytes, got %d", len(raw))
	}
	var key chunkcodec.EncryptionKey
	copy(key[:], raw)
	return &key, nil
}

// New returns a Configuration with every default-tagged field filled in.
func New() Configuration {
	var cfg Configuration
	cfg.Version = CurrentVersion
	setDefaults(&cfg)
	return cfg
}

// Load reads and parses path, filling in defaults for anything the file
// left zero-valued, then validating the result.
func Load(path string) (Configuration, error) {
	f, err := os.Open(path)
	if err != nil {
		return Configuration{}, err
	}
	defer f.Close()

	cfg := New()
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return Configuration{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.OriginalVersion = cfg.Version
	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return Configuration{}, err
	}
	return cfg, nil
}

// Validate checks that the required fields are present and well formed.
func (c Configuration) Validate() error {
	if c.GuildID == "" {
		return fmt.Errorf("config: guildId is required")
	}
	if c.LocalPath == "" {
		return fmt.Errorf("config: localPath is required")
	}
	if _, err := c.EncryptionKey(); err != nil {
		return err
	}
	return nil
}

// Save writes cfg to path atomically: a temporary file in the same
// directory is written and closed, then renamed over path. The file is not
// fsynced before the rename.
func Save(path string, cfg Configuration) error {
	w, err := osutil.CreateAtomic(path, 0o600)
	if err != nil {
		return err
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return w.Close()
}

// setDefaults fills zero-valued fields tagged `default:"..."` with their
// declared default, the same reflection-driven approach the original
// config loader used for its XML options table.
func setDefaults(data interface{}) error {
	s := reflect.ValueOf(data).Elem()
	t := s.Type()

	for i := 0; i < s.NumField(); i++ {
		f := s.Field(i)
		tag := t.Field(i).Tag

		v := tag.Get("default")
		if len(v) == 0 || !f.IsZero() {
			continue
		}
		switch f.Interface().(type) {
		case string:
			f.SetString(v)
		case int:
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil {
				return err
			}
			f.SetInt(n)
		case bool:
			f.SetBool(v == "true")
		default:
			panic(f.Type())
		}
	}
	return nil
}
