// Copyright (C) 2025 The chatdrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package slogutil

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

var (
	// DefaultLineFormat prefixes each line with a date-time stamp and a
	// short level string.
	DefaultLineFormat = LineFormat{TimestampFormat: "2006-01-02 15:04:05", LevelString: true}

	GlobalRecorder  = &lineRecorder{level: -1000}
	ErrorRecorder   = &lineRecorder{level: slog.LevelError}
	globalFormatter = &formattingOptions{LineFormat: DefaultLineFormat}
	globalLevels    = &levelTracker{
		levels: make(map[string]slog.Level),
		descrs: make(map[string]string),
	}
	slogDef *slog.Logger
)

func init() {
	var out io.Writer = os.Stdout
	if os.Getenv("LOGGER_DISCARD") != "" {
		// Hack to completely disable logging, for example when running
		// benchmarks.
		out = io.Discard
	}
	globalFormatter.recs = []*lineRecorder{GlobalRecorder, ErrorRecorder}
	globalFormatter.out = out
	slogDef = slog.New(&formattingHandler{opts: globalFormatter})
	slog.SetDefault(slogDef)

	// CHATDRIVE_TRACE=pkg,pkg:LEVEL,... sets per-package log levels
	pkgs := strings.Split(os.Getenv("CHATDRIVE_TRACE"), ",")
	for _, pkg := range pkgs {
		pkg = strings.TrimSpace(pkg)
		if pkg == "" {
			continue
		}
		level := slog.LevelDebug
		if cutPkg, levelStr, ok := strings.Cut(pkg, ":"); ok {
			pkg = cutPkg
			if err := level.UnmarshalText([]byte(levelStr)); err != nil {
				slog.Warn("Bad log level requested in CHATDRIVE_TRACE", slog.String("pkg", pkg), slog.String("level", levelStr), Error(err))
			}
		}
		globalLevels.Set(pkg, level)
	}
}
