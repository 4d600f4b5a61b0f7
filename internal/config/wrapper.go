// Copyright (C) 2025 The chatdrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package config

import "sync"

// Handler is notified whenever the wrapped configuration is replaced. The
// http.Handler-style function adapter below lets a plain func serve as one.
type Handler interface {
	Changed(Configuration) error
}

type HandlerFunc func(Configuration) error

func (fn HandlerFunc) Changed(cfg Configuration) error {
	return fn(cfg)
}

// Wrapper guards a Configuration with a mutex and fans out replacements to
// subscribed Handlers, the same role the original device/folder wrapper
// played, trimmed to the single flat options table this package now holds.
type Wrapper struct {
	cfg      Configuration
	path     string
	replaces chan Configuration

	mut  sync.Mutex
	subs []Handler
	sMut sync.Mutex
}

// Wrap wraps an existing Configuration and starts its change-notification
// loop.
func Wrap(path string, cfg Configuration) *Wrapper {
	w := &Wrapper{cfg: cfg, path: path, replaces: make(chan Configuration)}
	go w.serve()
	return w
}

// LoadWrapped loads path from disk and wraps the result.
func LoadWrapped(path string) (*Wrapper, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return Wrap(path, cfg), nil
}

func (w *Wrapper) serve() {
	for cfg := range w.replaces {
		w.sMut.Lock()
		subs := w.subs
		w.sMut.Unlock()
		for _, h := range subs {
			h.Changed(cfg)
		}
	}
}

// Stop ends the notification loop. Replace panics after Stop.
func (w *Wrapper) Stop() {
	close(w.replaces)
}

// Subscribe registers h to be called on every future Replace.
func (w *Wrapper) Subscribe(h Handler) {
	w.sMut.Lock()
	w.subs = append(w.subs, h)
	w.sMut.Unlock()
}

// Raw returns the currently wrapped Configuration.
func (w *Wrapper) Raw() Configuration {
	w.mut.Lock()
	defer w.mut.Unlock()
	return w.cfg
}

// Replace swaps in cfg, persists it to disk if the wrapper has a path, and
// then notifies subscribers. A failed save returns before any notification.
func (w *Wrapper) Replace(cfg Configuration) error {
	w.mut.Lock()
	w.cfg = cfg
	path := w.path
	w.mut.Unlock()

	if path != "" {
		if err := Save(path, cfg); err != nil {
			return err
		}
	}
	w.replaces <- cfg
	return nil
}
