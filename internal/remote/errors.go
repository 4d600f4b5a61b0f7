// Copyright (C) 2025 The chatdrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package remote

import "errors"

var (
	// ErrNotReady is returned by operations that require the Ready state.
	ErrNotReady = errors.New("remote: provider is not ready")
	// ErrFileNotFound is returned when a path is absent from the current
	// index snapshot.
	ErrFileNotFound = errors.New("remote: file not found")
)
