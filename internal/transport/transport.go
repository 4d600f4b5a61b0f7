// Copyright (C) 2025 The chatdrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package transport defines the chat transport adapter (spec §4.C): the
// capability interface the remote provider needs from a chat service to use
// it as a channel-and-attachment blob store. Its shape follows
// internal/blob's single-interface, single-production-backend pattern.
package transport

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	ErrChannelNotFound     = errors.New("transport: channel not found")
	ErrMessageNotFound     = errors.New("transport: message not found")
	ErrAttachmentTooLarge  = errors.New("transport: attachment exceeds service limit")
	ErrRateLimited         = errors.New("transport: rate limited")
	ErrNotConnected        = errors.New("transport: not connected")
)

// Channel is a container the provider can send messages and attachments
// into. A remote provider uses two: one for the index message and one for
// data.
type Channel struct {
	ID   string
	Name string
}

// Attachment is a single uploaded blob, addressed by a transport-specific
// URL that FetchAttachment can later retrieve.
type Attachment struct {
	URL      string
	Filename string
	Size     int64
}

// Message is a single chat message, optionally pinned and optionally
// carrying attachments.
type Message struct {
	ID          string
	ChannelID   string
	AuthorID    string
	Content     string
	Attachments []Attachment
	Pinned      bool
	EditedAt    time.Time
}

// MessageUpdate is delivered over the event stream whenever a message in a
// watched channel is created, edited, or deleted.
type MessageUpdate struct {
	Message Message
	Deleted bool
}

// ConnectionState mirrors the provider's own Disconnected/Connecting/Ready
// vocabulary at the transport level, so the provider can tell a clean
// disconnect from a transient network error.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

// ChatTransport is everything the remote provider needs from a chat
// service. There is exactly one production implementation
// (transport/discord), but the interface exists so the provider and its
// tests never depend on that concrete client.
type ChatTransport interface {
	// Connect establishes the underlying session. It blocks until the
	// session is either ready or ctx is done.
	Connect(ctx context.Context) error
	// Disconnect tears down the session. Idempotent.
	Disconnect(ctx context.Context) error
	// State reports the current connection state.
	State() ConnectionState

	// Channels lists every channel visible to the authenticated account.
	Channels(ctx context.Context) ([]Channel, error)
	// CreateChannel creates a new channel named name, or returns the
	// existing one of that name: it is idempotent. Permissions are set so
	// only the transport's own identity may post or modify messages; every
	// other member may only view the channel and add reactions.
	CreateChannel(ctx context.Context, name string) (Channel, error)
	// DeleteChannel removes a channel and everything in it.
	DeleteChannel(ctx context.Context, channelID string) error

	// PinnedMessages returns every pinned message in a channel, in no
	// particular order; callers apply their own tie-break.
	PinnedMessages(ctx context.Context, channelID string) ([]Message, error)

	// SendMessage posts content with optional attachments and returns the
	// created message.
	SendMessage(ctx context.Context, channelID, content string, attachments []io.Reader, filenames []string) (Message, error)
	// EditMessage replaces the content (and, if non-nil, the attachments)
	// of an existing message.
	EditMessage(ctx context.Context, channelID, messageID, content string, attachments []io.Reader, filenames []string) (Message, error)
	// PinMessage pins an existing message.
	PinMessage(ctx context.Context, channelID, messageID string) error
	// DeleteMessage removes a message.
	DeleteMessage(ctx context.Context, channelID, messageID string) error

	// FetchAttachment downloads an attachment's bytes given its URL.
	FetchAttachment(ctx context.Context, url string) ([]byte, error)

	// MaxAttachmentSize is the largest single attachment payload the
	// service will accept, in bytes.
	MaxAttachmentSize() int64

	// Subscribe returns a channel of message-level events for every
	// channel this transport watches, and an unsubscribe function. Events
	// are delivered best-effort; a slow subscriber may miss updates.
	Subscribe() (<-chan MessageUpdate, func())
}
