// Copyright (C) 2025 The chatdrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package events implements the host-facing event surface (spec §4.F):
// state-change notifications and file-change notifications, delivered
// best-effort and at-least-once. Duplicates are tolerable; a slow or absent
// subscriber never blocks the provider.
package events

import (
	"sync"
	"time"
)

// ProviderStatus is the readiness of the remote provider.
type ProviderStatus int

const (
	NotReady ProviderStatus = iota
	Ready
)

func (s ProviderStatus) String() string {
	if s == Ready {
		return "Ready"
	}
	return "NotReady"
}

// ChangeType classifies a FileChangeEvent.
type ChangeType int

const (
	Created ChangeType = iota
	Deleted
	Modified
	All
)

func (c ChangeType) String() string {
	switch c {
	case Created:
		return "Created"
	case Deleted:
		return "Deleted"
	case Modified:
		return "Modified"
	case All:
		return "All"
	default:
		return "Unknown"
	}
}

// Placeholder is a lightweight stand-in for a file, carrying metadata
// without content.
type Placeholder struct {
	RelativePath string
	Length       uint64
	ModTime      time.Time
	Hash         []byte
}

// FileChangeEvent is emitted once per add/delete/modify, or once for a
// full resync (ChangeType == All).
type FileChangeEvent struct {
	ChangeType           ChangeType
	OldRelativePath      string
	Placeholder          Placeholder
	ResyncSubDirectories bool
}

// BufferSize is the per-subscription channel depth; a full channel drops
// new events for that subscriber rather than blocking the publisher.
const BufferSize = 64

// Surface is the event surface a host subscribes to. It owns no reference
// back to the provider; the provider pushes into it, one-way.
type Surface struct {
	mu          sync.Mutex
	stateSubs   map[int]chan ProviderStatus
	fileSubs    map[int]chan FileChangeEvent
	nextStateID int
	nextFileID  int
}

func NewSurface() *Surface {
	return &Surface{
		stateSubs: make(map[int]chan ProviderStatus),
		fileSubs:  make(map[int]chan FileChangeEvent),
	}
}

// SubscribeStateChange returns a channel of ProviderStatus transitions and
// an unsubscribe function.
func (s *Surface) SubscribeStateChange() (<-chan ProviderStatus, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextStateID
	s.nextStateID++
	ch := make(chan ProviderStatus, BufferSize)
	s.stateSubs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if ch, ok := s.stateSubs[id]; ok {
			delete(s.stateSubs, id)
			close(ch)
		}
	}
}

// SubscribeFileChange returns a channel of FileChangeEvents and an
// unsubscribe function.
func (s *Surface) SubscribeFileChange() (<-chan FileChangeEvent, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextFileID
	s.nextFileID++
	ch := make(chan FileChangeEvent, BufferSize)
	s.fileSubs[id] = ch
	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if ch, ok := s.fileSubs[id]; ok {
			delete(s.fileSubs, id)
			close(ch)
		}
	}
}

// PublishStateChange emits a StateChange event to every subscriber. Never
// blocks: a subscriber whose buffer is full simply misses this event.
func (s *Surface) PublishStateChange(status ProviderStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.stateSubs {
		select {
		case ch <- status:
		default:
		}
	}
}

// PublishFileChange emits a FileChange event to every subscriber.
func (s *Surface) PublishFileChange(ev FileChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.fileSubs {
		select {
		case ch <- ev:
		default:
		}
	}
}
