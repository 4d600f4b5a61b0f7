// Copyright (C) 2025 The chatdrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package discord is the one production transport.ChatTransport
// implementation, backed by a Discord bot account via bwmarrin/discordgo.
// A guild's text channels stand in for the abstract "channel" the provider
// needs, and message attachments stand in for chunk blobs, the same way
// rclone's discord backend treats a channel as a bucket and messages as
// objects.
package discord

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/calmh/chatdrive/internal/transport"
)

// overallAttachmentLimit is the default per-file upload cap for a
// non-boosted guild; the caller should prefer Transport.MaxAttachmentSize,
// which also reflects an Options.MaxAttachmentSize override.
const overallAttachmentLimit = 8 * 1024 * 1024

// defaultRequestsPerSecond keeps REST calls under Discord's global rate
// limit (50 requests/second per bot) with headroom for the per-route limits
// discordgo itself doesn't preempt.
const defaultRequestsPerSecond = 25

// Options configures a Transport.
type Options struct {
	// Token is the bot token used to authenticate the session.
	Token string
	// GuildID is the guild (server) channels are created in and listed
	// from.
	GuildID string
	// RequestTimeout bounds every individual REST call. Zero uses a
	// 30-second default.
	RequestTimeout time.Duration
	// MaxAttachmentSize overrides the default 8 MiB attachment cap, for
	// guilds with a boosted upload limit.
	MaxAttachmentSize int64
	// RequestsPerSecond caps the steady-state rate of outgoing REST calls,
	// ahead of discordgo hitting an actual 429. Zero uses
	// defaultRequestsPerSecond.
	RequestsPerSecond float64
}

var _ transport.ChatTransport = (*Transport)(nil)

// Transport implements transport.ChatTransport against a real Discord bot
// session.
type Transport struct {
	opts    Options
	session *discordgo.Session
	limiter *rate.Limiter

	mu    sync.Mutex
	state transport.ConnectionState

	subMu          sync.Mutex
	subs           map[int]chan transport.MessageUpdate
	nextSubID      int
	removeHandlers []func()
}

// New constructs a Transport. It does not connect; call Connect.
func New(opts Options) (*Transport, error) {
	if opts.Token == "" {
		return nil, fmt.Errorf("discord: token is required")
	}
	if opts.RequestTimeout == 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	if opts.MaxAttachmentSize == 0 {
		opts.MaxAttachmentSize = overallAttachmentLimit
	}
	if opts.RequestsPerSecond == 0 {
		opts.RequestsPerSecond = defaultRequestsPerSecond
	}

	session, err := discordgo.New("Bot " + opts.Token)
	if err != nil {
		return nil, fmt.Errorf("discord: create session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
	session.Client.Timeout = opts.RequestTimeout

	t := &Transport{
		opts:    opts,
		session: session,
		limiter: rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), 1),
		subs:    make(map[int]chan transport.MessageUpdate),
	}
	return t, nil
}

func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	t.state = transport.Connecting
	t.mu.Unlock()

	t.removeHandlers = append(t.removeHandlers,
		t.session.AddHandler(t.onMessageCreate),
		t.session.AddHandler(t.onMessageUpdate),
		t.session.AddHandler(t.onMessageDelete),
	)

	if err := t.session.Open(); err != nil {
		t.mu.Lock()
		t.state = transport.Disconnected
		t.mu.Unlock()
		return fmt.Errorf("discord: open session: %w", err)
	}

	t.mu.Lock()
	t.state = transport.Connected
	t.mu.Unlock()
	return nil
}

func (t *Transport) Disconnect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == transport.Disconnected {
		return nil
	}
	for _, remove := range t.removeHandlers {
		remove()
	}
	t.removeHandlers = nil
	err := t.session.Close()
	t.state = transport.Disconnected
	t.closeAllSubs()
	return err
}

func (t *Transport) State() transport.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) MaxAttachmentSize() int64 {
	return t.opts.MaxAttachmentSize
}

func (t *Transport) Channels(ctx context.Context) ([]transport.Channel, error) {
	var chans []*discordgo.Channel
	err := t.withRetry(ctx, func() error {
		var err error
		chans, err = t.session.GuildChannels(t.opts.GuildID, discordgo.WithContext(ctx))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("discord: list channels: %w", err)
	}

	out := make([]transport.Channel, 0, len(chans))
	for _, c := range chans {
		if c.Type != discordgo.ChannelTypeGuildText {
			continue
		}
		out = append(out, transport.Channel{ID: c.ID, Name: c.Name})
	}
	return out, nil
}

// CreateChannel is idempotent: an existing channel named name is returned
// as-is, never recreated or re-permissioned. A freshly created channel has
// its permission overwrites set per the bot-manages/everyone-views-only
// matrix before it is handed back.
func (t *Transport) CreateChannel(ctx context.Context, name string) (transport.Channel, error) {
	existing, err := t.Channels(ctx)
	if err != nil {
		return transport.Channel{}, err
	}
	for _, c := range existing {
		if c.Name == name {
			return c, nil
		}
	}

	var c *discordgo.Channel
	err = t.withRetry(ctx, func() error {
		var err error
		c, err = t.session.GuildChannelCreate(t.opts.GuildID, name, discordgo.ChannelTypeGuildText, discordgo.WithContext(ctx))
		return err
	})
	if err != nil {
		return transport.Channel{}, fmt.Errorf("discord: create channel: %w", err)
	}

	if err := t.restrictChannel(ctx, c.ID); err != nil {
		return transport.Channel{}, fmt.Errorf("discord: set channel permissions: %w", err)
	}

	return transport.Channel{ID: c.ID, Name: c.Name}, nil
}

// restrictChannel applies the permission overwrite matrix: the bot's own
// member overwrite is granted manageMessages/viewChannel/sendMessages/
// attachFiles/readMessageHistory/addReactions, and the guild's @everyone
// role overwrite (whose id is always the guild id) is granted only
// viewChannel/addReactions, with the rest explicitly denied.
func (t *Transport) restrictChannel(ctx context.Context, channelID string) error {
	botID := t.session.State.User.ID
	botAllow, botDeny := botPermissions()
	if err := t.withRetry(ctx, func() error {
		return t.session.ChannelPermissionSet(channelID, botID, discordgo.PermissionOverwriteTypeMember, botAllow, botDeny, discordgo.WithContext(ctx))
	}); err != nil {
		return err
	}

	everyoneAllow, everyoneDeny := everyonePermissions()
	return t.withRetry(ctx, func() error {
		return t.session.ChannelPermissionSet(channelID, t.opts.GuildID, discordgo.PermissionOverwriteTypeRole, everyoneAllow, everyoneDeny, discordgo.WithContext(ctx))
	})
}

// botPermissions returns the allow/deny pair applied to the transport's own
// member overwrite: full control of the channel's messages.
func botPermissions() (allow, deny int64) {
	allow = discordgo.PermissionManageMessages |
		discordgo.PermissionViewChannel |
		discordgo.PermissionSendMessages |
		discordgo.PermissionAttachFiles |
		discordgo.PermissionReadMessageHistory |
		discordgo.PermissionAddReactions
	return allow, 0
}

// everyonePermissions returns the allow/deny pair applied to the guild's
// @everyone role overwrite: view and react, nothing else.
func everyonePermissions() (allow, deny int64) {
	allow = discordgo.PermissionViewChannel | discordgo.PermissionAddReactions
	deny = discordgo.PermissionManageMessages |
		discordgo.PermissionSendMessages |
		discordgo.PermissionAttachFiles |
		discordgo.PermissionReadMessageHistory
	return allow, deny
}

func (t *Transport) DeleteChannel(ctx context.Context, channelID string) error {
	err := t.withRetry(ctx, func() error {
		_, err := t.session.ChannelDelete(channelID, discordgo.WithContext(ctx))
		return err
	})
	if err != nil {
		return fmt.Errorf("discord: delete channel: %w", err)
	}
	return nil
}

func (t *Transport) PinnedMessages(ctx context.Context, channelID string) ([]transport.Message, error) {
	var pins []*discordgo.Message
	err := t.withRetry(ctx, func() error {
		var err error
		pins, err = t.session.ChannelMessagesPinned(channelID, discordgo.WithContext(ctx))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("discord: list pinned messages: %w", err)
	}
	out := make([]transport.Message, len(pins))
	for i, m := range pins {
		out[i] = fromDiscordMessage(m, true)
	}
	return out, nil
}

func (t *Transport) SendMessage(ctx context.Context, channelID, content string, attachments []io.Reader, filenames []string) (transport.Message, error) {
	var m *discordgo.Message
	err := t.withRetry(ctx, func() error {
		var err error
		m, err = t.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
			Content: content,
			Files:   toDiscordFiles(attachments, filenames),
		}, discordgo.WithContext(ctx))
		return err
	})
	if err != nil {
		return transport.Message{}, fmt.Errorf("discord: send message: %w", err)
	}
	return fromDiscordMessage(m, false), nil
}

func (t *Transport) EditMessage(ctx context.Context, channelID, messageID, content string, attachments []io.Reader, filenames []string) (transport.Message, error) {
	edit := discordgo.NewMessageEdit(channelID, messageID).SetContent(content)
	if attachments != nil {
		edit.Files = toDiscordFiles(attachments, filenames)
	}
	var m *discordgo.Message
	err := t.withRetry(ctx, func() error {
		var err error
		m, err = t.session.ChannelMessageEditComplex(edit, discordgo.WithContext(ctx))
		return err
	})
	if err != nil {
		return transport.Message{}, fmt.Errorf("discord: edit message: %w", err)
	}
	return fromDiscordMessage(m, false), nil
}

func (t *Transport) PinMessage(ctx context.Context, channelID, messageID string) error {
	err := t.withRetry(ctx, func() error {
		return t.session.ChannelMessagePin(channelID, messageID, discordgo.WithContext(ctx))
	})
	if err != nil {
		return fmt.Errorf("discord: pin message: %w", err)
	}
	return nil
}

func (t *Transport) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	err := t.withRetry(ctx, func() error {
		return t.session.ChannelMessageDelete(channelID, messageID, discordgo.WithContext(ctx))
	})
	if err != nil {
		return fmt.Errorf("discord: delete message: %w", err)
	}
	return nil
}

func (t *Transport) FetchAttachment(ctx context.Context, url string) ([]byte, error) {
	var data []byte
	err := t.withRetry(ctx, func() error {
		req, err := t.session.Client.Get(url)
		if err != nil {
			return err
		}
		defer req.Body.Close()
		data, err = io.ReadAll(req.Body)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("discord: fetch attachment: %w", err)
	}
	return data, nil
}

func (t *Transport) Subscribe() (<-chan transport.MessageUpdate, func()) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	id := t.nextSubID
	t.nextSubID++
	ch := make(chan transport.MessageUpdate, 64)
	t.subs[id] = ch
	return ch, func() {
		t.subMu.Lock()
		defer t.subMu.Unlock()
		if ch, ok := t.subs[id]; ok {
			delete(t.subs, id)
			close(ch)
		}
	}
}

func (t *Transport) closeAllSubs() {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	for id, ch := range t.subs {
		delete(t.subs, id)
		close(ch)
	}
}

func (t *Transport) publish(update transport.MessageUpdate) {
	t.subMu.Lock()
	defer t.subMu.Unlock()
	for _, ch := range t.subs {
		select {
		case ch <- update:
		default:
		}
	}
}

func (t *Transport) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	t.publish(transport.MessageUpdate{Message: fromDiscordMessage(m.Message, false)})
}

func (t *Transport) onMessageUpdate(s *discordgo.Session, m *discordgo.MessageUpdate) {
	t.publish(transport.MessageUpdate{Message: fromDiscordMessage(m.Message, false)})
}

func (t *Transport) onMessageDelete(s *discordgo.Session, m *discordgo.MessageDelete) {
	t.publish(transport.MessageUpdate{
		Message: transport.Message{ID: m.ID, ChannelID: m.ChannelID},
		Deleted: true,
	})
}

// withRetry waits for the steady-state limiter before every attempt, then
// wraps call with an exponential backoff that only retries on discordgo's
// rate-limit error, matching the adapter's ErrRateLimited contract; any
// other error returns immediately.
func (t *Transport) withRetry(ctx context.Context, call func() error) error {
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	return backoff.Retry(func() error {
		if err := t.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		err := call()
		if err == nil {
			return nil
		}
		if isRateLimit(err) {
			slog.Debug("discord rate limited, retrying", "error", err)
			return err
		}
		return backoff.Permanent(err)
	}, bo)
}

func isRateLimit(err error) bool {
	rerr, ok := err.(*discordgo.RESTError)
	return ok && rerr.Response != nil && rerr.Response.StatusCode == 429
}

func fromDiscordMessage(m *discordgo.Message, pinned bool) transport.Message {
	out := transport.Message{
		ID:        m.ID,
		ChannelID: m.ChannelID,
		Content:   m.Content,
		Pinned:    pinned || m.Pinned,
	}
	if m.Author != nil {
		out.AuthorID = m.Author.ID
	}
	if m.EditedTimestamp != nil {
		out.EditedAt = *m.EditedTimestamp
	}
	for _, a := range m.Attachments {
		out.Attachments = append(out.Attachments, transport.Attachment{
			URL:      a.URL,
			Filename: a.Filename,
			Size:     int64(a.Size),
		})
	}
	return out
}

func toDiscordFiles(readers []io.Reader, filenames []string) []*discordgo.File {
	files := make([]*discordgo.File, len(readers))
	for i, r := range readers {
		name := fmt.Sprintf("chunk-%d.bin", i)
		if i < len(filenames) {
			name = filenames[i]
		}
		files[i] = &discordgo.File{
			Name:   name,
			Reader: toReadSeeker(r),
		}
	}
	return files
}

// toReadSeeker buffers r so discordgo's multipart writer can retry the
// write if the first attempt fails after a rate-limit backoff.
func toReadSeeker(r io.Reader) io.Reader {
	if rs, ok := r.(io.ReadSeeker); ok {
		return rs
	}
	var buf bytes.Buffer
	buf.ReadFrom(r)
	return bytes.NewReader(buf.Bytes())
}
