// Copyright (C) 2025 The chatdrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/calmh/chatdrive/internal/readstream"
)

type getCmd struct {
	Path   string `arg:"" help:"Relative path of the file to read, as it appears in the index."`
	Output string `short:"o" help:"Write to this local path instead of stdout."`
}

func (c *getCmd) Run() error {
	ctx := context.Background()
	sess, err := connect(ctx, cli.Config)
	if err != nil {
		return err
	}
	defer sess.Close(ctx) //nolint:errcheck

	key, err := sess.cfg().EncryptionKey()
	if err != nil {
		return err
	}

	stream, err := readstream.New(sess.provider, sess.provider, readstream.Options{
		EncryptionKey: key,
		Metrics:       sess.metrics,
	})
	if err != nil {
		return fmt.Errorf("create read stream: %w", err)
	}
	defer stream.Dispose()

	idx := sess.provider.Index()
	placeholder, err := stream.Open(ctx, idx, c.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", c.Path, err)
	}
	defer stream.Close()

	out := io.Writer(os.Stdout)
	if c.Output != "" {
		f, err := os.Create(c.Output)
		if err != nil {
			return err
		}
		defer f.Close()
		out = f
	}

	const window = 4 << 20
	buf := make([]byte, window)
	var offset int64
	for offset < int64(placeholder.Length) {
		count := int64(len(buf))
		if remaining := int64(placeholder.Length) - offset; remaining < count {
			count = remaining
		}
		n, err := stream.Read(ctx, buf, 0, offset, count)
		if err != nil {
			return fmt.Errorf("read at offset %d: %w", offset, err)
		}
		if n == 0 {
			break
		}
		if _, err := out.Write(buf[:n]); err != nil {
			return err
		}
		offset += n
	}
	return nil
}
