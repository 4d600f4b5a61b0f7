// Copyright (C) 2025 The chatdrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package main

import (
	"context"
	"fmt"
)

type statusCmd struct{}

func (c *statusCmd) Run() error {
	ctx := context.Background()
	sess, err := connect(ctx, cli.Config)
	if err != nil {
		return err
	}
	defer sess.Close(ctx) //nolint:errcheck

	stats := sess.provider.Stats()
	idx := sess.provider.Index()

	fmt.Printf("state:           %s\n", stats.State)
	fmt.Printf("connected since: %s\n", stats.ConnectedSince.Format("2006-01-02 15:04:05"))
	fmt.Printf("entries:         %d\n", idx.Len())
	if stats.LastSyncError != nil {
		fmt.Printf("last sync error: %v\n", stats.LastSyncError)
	}
	for _, e := range idx.Entries() {
		fmt.Printf("  %10d  %s\n", e.Length, e.RelativePath)
	}
	return nil
}
