// Copyright (C) 2025 The chatdrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package syncutil wraps the standard sync primitives with optional
// hold-time logging, switched on by the CHATDRIVE_TRACE_LOCKS environment
// variable; when it is unset the constructors return the plain sync types.
//
// The remote provider (internal/remote) is the one place in this module
// where a lock is held across enough branching logic (discovery, loopback
// suppression, resync) that a stuck lock is worth being able to diagnose in
// place, which is why these wrappers exist instead of bare sync.Mutex.
package syncutil

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	debug     = os.Getenv("CHATDRIVE_TRACE_LOCKS") != ""
	threshold = 100 * time.Millisecond
)

type Mutex interface {
	Lock()
	Unlock()
}

type RWMutex interface {
	Mutex
	RLock()
	RUnlock()
}

type WaitGroup interface {
	Add(int)
	Done()
	Wait()
}

func NewMutex() Mutex {
	if debug {
		return &loggedMutex{}
	}
	return &sync.Mutex{}
}

func NewRWMutex() RWMutex {
	if debug {
		return &loggedRWMutex{unlockers: make([]string, 0)}
	}
	return &sync.RWMutex{}
}

func NewWaitGroup() WaitGroup {
	if debug {
		return &loggedWaitGroup{}
	}
	return &sync.WaitGroup{}
}

type loggedMutex struct {
	sync.Mutex
	start    time.Time
	lockedAt string
}

func (m *loggedMutex) Lock() {
	m.Mutex.Lock()
	m.start = time.Now()
	m.lockedAt = getCaller()
}

func (m *loggedMutex) Unlock() {
	duration := time.Since(m.start)
	if duration >= threshold {
		slog.Debug("mutex held", "duration", duration, "locked_at", m.lockedAt, "unlocked_at", getCaller())
	}
	m.Mutex.Unlock()
}

type loggedRWMutex struct {
	sync.RWMutex
	start    time.Time
	lockedAt string

	logUnlockers uint32

	unlockers    []string
	unlockersMut sync.Mutex
}

func (m *loggedRWMutex) Lock() {
	start := time.Now()

	atomic.StoreUint32(&m.logUnlockers, 1)
	m.RWMutex.Lock()
	atomic.StoreUint32(&m.logUnlockers, 0)

	m.start = time.Now()
	duration := m.start.Sub(start)

	m.lockedAt = getCaller()
	if duration > threshold {
		slog.Debug("rwmutex slow to lock", "duration", duration, "locked_at", m.lockedAt, "runlockers", strings.Join(m.unlockers, ", "))
	}
	m.unlockers = m.unlockers[:0]
}

func (m *loggedRWMutex) Unlock() {
	duration := time.Since(m.start)
	if duration >= threshold {
		slog.Debug("rwmutex held", "duration", duration, "locked_at", m.lockedAt, "unlocked_at", getCaller())
	}
	m.RWMutex.Unlock()
}

func (m *loggedRWMutex) RUnlock() {
	if atomic.LoadUint32(&m.logUnlockers) == 1 {
		m.unlockersMut.Lock()
		m.unlockers = append(m.unlockers, getCaller())
		m.unlockersMut.Unlock()
	}
	m.RWMutex.RUnlock()
}

type loggedWaitGroup struct {
	sync.WaitGroup
}

func (wg *loggedWaitGroup) Wait() {
	start := time.Now()
	wg.WaitGroup.Wait()
	duration := time.Since(start)
	if duration >= threshold {
		slog.Debug("waitgroup wait", "duration", duration, "at", getCaller())
	}
}

func getCaller() string {
	_, file, line, _ := runtime.Caller(2)
	file = filepath.Join(filepath.Base(filepath.Dir(file)), filepath.Base(file))
	return fmt.Sprintf("%s:%d", file, line)
}
