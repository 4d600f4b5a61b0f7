// Copyright (C) 2025 The chatdrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package remote implements the remote provider state machine (spec §4.D):
// the component that turns a transport.ChatTransport into a readable,
// writable, eventually-consistent index store.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/thejerf/suture/v4"
	"golang.org/x/sync/singleflight"

	"github.com/calmh/chatdrive/internal/chunkcodec"
	"github.com/calmh/chatdrive/internal/events"
	"github.com/calmh/chatdrive/internal/indexmodel"
	"github.com/calmh/chatdrive/internal/metrics"
	"github.com/calmh/chatdrive/internal/syncutil"
	"github.com/calmh/chatdrive/internal/timeutil"
	"github.com/calmh/chatdrive/internal/transport"
)

// State is a Provider's position in the connection lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	Discovered
	Ready
	Degraded
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Discovered:
		return "Discovered"
	case Ready:
		return "Ready"
	case Degraded:
		return "Degraded"
	default:
		return "Unknown"
	}
}

const (
	indexFilename       = "index.db"
	defaultResyncPeriod = 3 * time.Minute
	pendingEditTTL      = 30 * time.Second
	postWriteSettleTime = 1500 * time.Millisecond
)

// Options configures a Provider.
type Options struct {
	DbChannelName   string
	DataChannelName string
	LocalPath       string
	EncryptionKey   *chunkcodec.EncryptionKey
	ChunkDataSize   int
	ResyncPeriod    time.Duration
	BotUserID       string
	// Metrics, if non-nil, receives counters for sync cycles and file
	// change events. Nil disables metrics collection entirely.
	Metrics *metrics.Metrics
}

// ProviderStats is a point-in-time snapshot exposed to hosts, e.g. for a
// CLI status command.
type ProviderStats struct {
	State          State
	ConnectedSince time.Time
	LastFullSync   time.Time
	LastSyncError  error
}

// Provider is the remote provider state machine.
type Provider struct {
	transport transport.ChatTransport
	opts      Options
	events    *events.Surface

	mu                   syncutil.RWMutex
	state                State
	dbChannelID          string
	dataChannelID        string
	indexMessageID       string
	lastKnownRemoteIndex *indexmodel.Index
	pendingEdits         []time.Time
	connectedSince       time.Time
	lastFullSync         time.Time
	lastSyncErr          error

	fullSyncGroup singleflight.Group
	sup           *suture.Supervisor
	cancelSup     context.CancelFunc
	resyncTicker  *time.Ticker
	unsubscribe   func()
}

// New constructs a Provider. Call Connect to actually establish the
// session and run discovery.
func New(t transport.ChatTransport, opts Options) *Provider {
	if opts.ResyncPeriod == 0 {
		opts.ResyncPeriod = defaultResyncPeriod
	}
	return &Provider{
		transport: t,
		opts:      opts,
		events:    events.NewSurface(),
		mu:        syncutil.NewRWMutex(),
	}
}

// Events returns the surface hosts subscribe to for StateChange and
// FileChange notifications.
func (p *Provider) Events() *events.Surface {
	return p.events
}

// State returns the current lifecycle state.
func (p *Provider) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// IsReady reports whether the provider is currently Ready, satisfying
// readstream.ReadyChecker.
func (p *Provider) IsReady() bool {
	return p.State() == Ready
}

// Index returns a clone of the last known remote index, or an empty index
// if none has been retrieved yet.
func (p *Provider) Index() *indexmodel.Index {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.lastKnownRemoteIndex == nil {
		return indexmodel.New()
	}
	return p.lastKnownRemoteIndex.Clone()
}

// FetchAttachment satisfies readstream.AttachmentFetcher by delegating to
// the provider's transport.
func (p *Provider) FetchAttachment(ctx context.Context, url string) ([]byte, error) {
	return p.transport.FetchAttachment(ctx, url)
}

// Stats returns a snapshot of provider diagnostics.
func (p *Provider) Stats() ProviderStats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return ProviderStats{
		State:          p.state,
		ConnectedSince: p.connectedSince,
		LastFullSync:   p.lastFullSync,
		LastSyncError:  p.lastSyncErr,
	}
}

// Connect resolves the target guild's channels, discovers the pinned index
// message, and installs or creates the remote index. It transitions
// Disconnected → Connecting → Discovered → Ready.
func (p *Provider) Connect(ctx context.Context) error {
	p.setState(Connecting)

	if err := p.transport.Connect(ctx); err != nil {
		p.setState(Disconnected)
		return fmt.Errorf("remote: connect transport: %w", err)
	}

	if err := p.ensureChannels(ctx); err != nil {
		p.setState(Disconnected)
		return fmt.Errorf("remote: ensure channels: %w", err)
	}

	msg, found, err := p.discoverIndexMessage(ctx)
	if err != nil {
		p.setState(Disconnected)
		return fmt.Errorf("remote: discover index message: %w", err)
	}
	p.setState(Discovered)

	if !found {
		if err := p.postEmptyIndex(ctx); err != nil {
			p.setState(Disconnected)
			return fmt.Errorf("remote: post empty index: %w", err)
		}
	} else {
		p.mu.Lock()
		p.indexMessageID = msg.ID
		p.mu.Unlock()
		if err := p.RetrieveIndex(ctx, msg); err != nil {
			p.setState(Disconnected)
			return fmt.Errorf("remote: retrieve initial index: %w", err)
		}
	}

	p.mu.Lock()
	p.connectedSince = monotonicNow()
	p.mu.Unlock()
	p.setState(Ready)

	supCtx, cancel := context.WithCancel(context.Background())
	p.cancelSup = cancel
	p.sup = suture.New("remote-provider", suture.Spec{})
	p.sup.Add(serviceFunc(p.runResyncTimer))
	p.sup.Add(serviceFunc(p.runPendingEditReaper))
	go p.sup.Serve(supCtx) //nolint:errcheck

	updates, unsubscribe := p.transport.Subscribe()
	p.unsubscribe = unsubscribe
	go p.watchMessageUpdates(updates)

	return nil
}

// Close disconnects the transport and stops all background work, clearing
// the discovered state per the onDisconnected transition.
func (p *Provider) Close(ctx context.Context) error {
	if p.unsubscribe != nil {
		p.unsubscribe()
	}
	if p.cancelSup != nil {
		p.cancelSup()
	}
	p.mu.Lock()
	p.dbChannelID = ""
	p.dataChannelID = ""
	p.indexMessageID = ""
	p.lastKnownRemoteIndex = nil
	p.pendingEdits = nil
	p.mu.Unlock()
	p.setState(Disconnected)
	return p.transport.Disconnect(ctx)
}

func (p *Provider) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
	if s == Ready {
		p.events.PublishStateChange(events.Ready)
	} else if s == Disconnected {
		p.events.PublishStateChange(events.NotReady)
	}
}

func (p *Provider) ensureChannels(ctx context.Context) error {
	channels, err := p.transport.Channels(ctx)
	if err != nil {
		return err
	}
	byName := make(map[string]transport.Channel, len(channels))
	for _, c := range channels {
		byName[c.Name] = c
	}

	db, ok := byName[p.opts.DbChannelName]
	if !ok {
		db, err = p.transport.CreateChannel(ctx, p.opts.DbChannelName)
		if err != nil {
			return err
		}
	}
	data, ok := byName[p.opts.DataChannelName]
	if !ok {
		data, err = p.transport.CreateChannel(ctx, p.opts.DataChannelName)
		if err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.dbChannelID = db.ID
	p.dataChannelID = data.ID
	p.mu.Unlock()
	return nil
}

// discoverIndexMessage implements the identification rule in spec §4.D.1:
// the cached id wins if still present, otherwise the only bot-authored
// pinned message with an index.db attachment wins, with a lexicographically
// smallest-id tie-break if more than one candidate qualifies.
func (p *Provider) discoverIndexMessage(ctx context.Context) (transport.Message, bool, error) {
	p.mu.RLock()
	cachedID := p.indexMessageID
	dbChannelID := p.dbChannelID
	p.mu.RUnlock()

	pins, err := p.transport.PinnedMessages(ctx, dbChannelID)
	if err != nil {
		return transport.Message{}, false, err
	}

	if cachedID != "" {
		for _, m := range pins {
			if m.ID == cachedID {
				return m, true, nil
			}
		}
	}

	var candidates []transport.Message
	for _, m := range pins {
		if p.opts.BotUserID != "" && m.AuthorID != p.opts.BotUserID {
			continue
		}
		for _, a := range m.Attachments {
			if strings.EqualFold(a.Filename, indexFilename) {
				candidates = append(candidates, m)
				break
			}
		}
	}
	if len(candidates) == 0 {
		return transport.Message{}, false, nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	return candidates[0], true, nil
}

func (p *Provider) postEmptyIndex(ctx context.Context) error {
	empty := indexmodel.New()
	return p.WriteIndex(ctx, empty)
}

// WriteIndex implements spec §4.D.4.
func (p *Provider) WriteIndex(ctx context.Context, idx *indexmodel.Index) error {
	if p.State() != Ready && p.State() != Discovered {
		return fmt.Errorf("remote: write index: %w", ErrNotReady)
	}

	p.mu.RLock()
	dbChannelID := p.dbChannelID
	indexMessageID := p.indexMessageID
	p.mu.RUnlock()

	if indexMessageID != "" {
		pins, err := p.transport.PinnedMessages(ctx, dbChannelID)
		if err != nil {
			return err
		}
		found := false
		for _, m := range pins {
			if m.ID == indexMessageID {
				found = true
				break
			}
		}
		if !found {
			p.mu.Lock()
			p.indexMessageID = ""
			p.mu.Unlock()
			indexMessageID = ""
		}
	}

	serialized, err := idx.Serialize()
	if err != nil {
		return fmt.Errorf("remote: serialize index: %w", err)
	}

	pieces := splitChunks(serialized, p.opts.ChunkDataSize)
	readers := make([]io.Reader, len(pieces))
	filenames := make([]string, len(pieces))
	for i, piece := range pieces {
		encoded, err := chunkcodec.Encode(piece, uint32(i), true, p.opts.EncryptionKey)
		if err != nil {
			return fmt.Errorf("remote: encode index chunk %d: %w", i, err)
		}
		if p.opts.Metrics != nil {
			p.opts.Metrics.ChunksEncoded.Inc()
			p.opts.Metrics.ChunkEncodeSize.Observe(float64(len(encoded)))
		}
		readers[i] = bytes.NewReader(encoded)
		filenames[i] = indexChunkName(i)
	}

	var msg transport.Message
	if indexMessageID == "" {
		msg, err = p.transport.SendMessage(ctx, dbChannelID, "", readers, filenames)
		if err != nil {
			return fmt.Errorf("remote: send index message: %w", err)
		}
		if err := p.transport.PinMessage(ctx, dbChannelID, msg.ID); err != nil {
			return fmt.Errorf("remote: pin index message: %w", err)
		}
	} else {
		msg, err = p.transport.EditMessage(ctx, dbChannelID, indexMessageID, "", readers, filenames)
		if err != nil {
			return fmt.Errorf("remote: edit index message: %w", err)
		}
	}

	select {
	case <-time.After(postWriteSettleTime):
	case <-ctx.Done():
		return ctx.Err()
	}

	refetched, ok, err := p.findMessageByID(ctx, dbChannelID, msg.ID)
	if err != nil {
		return fmt.Errorf("remote: refetch index message: %w", err)
	}
	editedAt := msg.EditedAt
	if ok {
		editedAt = refetched.EditedAt
	}

	p.mu.Lock()
	p.indexMessageID = msg.ID
	p.lastKnownRemoteIndex = idx.Clone()
	p.pendingEdits = append(p.pendingEdits, editedAt)
	p.mu.Unlock()
	return nil
}

func (p *Provider) recordSyncOutcome(err error) {
	p.mu.Lock()
	p.lastSyncErr = err
	p.mu.Unlock()
	if p.opts.Metrics != nil {
		p.opts.Metrics.FullSyncErrors.Inc()
	}
}

func (p *Provider) findMessageByID(ctx context.Context, channelID, id string) (transport.Message, bool, error) {
	pins, err := p.transport.PinnedMessages(ctx, channelID)
	if err != nil {
		return transport.Message{}, false, err
	}
	for _, m := range pins {
		if m.ID == id {
			return m, true, nil
		}
	}
	return transport.Message{}, false, nil
}

// RetrieveIndex implements spec §4.D.5: download, decrypt, concatenate, and
// deserialize the attachments of message, then install the result as the
// last known remote index. On a cold start (no previous remote index), or
// when LocalPath is empty, no events are emitted; otherwise a fresh walk of
// LocalPath is diffed against the decoded remote index and one
// FileChangeEvent is emitted per difference.
func (p *Provider) RetrieveIndex(ctx context.Context, msg transport.Message) error {
	attachments := append([]transport.Attachment(nil), msg.Attachments...)
	sort.Slice(attachments, func(i, j int) bool { return attachments[i].Filename < attachments[j].Filename })

	var payload bytes.Buffer
	for _, a := range attachments {
		data, err := p.transport.FetchAttachment(ctx, a.URL)
		if err != nil {
			return fmt.Errorf("remote: fetch index attachment %s: %w", a.Filename, err)
		}
		decoded, err := chunkcodec.Decode(data, p.opts.EncryptionKey)
		if err != nil {
			return fmt.Errorf("remote: decode index attachment %s: %w", a.Filename, err)
		}
		if p.opts.Metrics != nil {
			p.opts.Metrics.ChunksDecoded.Inc()
		}
		payload.Write(decoded.Payload)
	}

	remote, err := indexmodel.Deserialize(payload.Bytes())
	if err != nil {
		return fmt.Errorf("remote: deserialize index: %w", err)
	}

	p.mu.RLock()
	previous := p.lastKnownRemoteIndex
	p.mu.RUnlock()

	if previous != nil && p.opts.LocalPath != "" {
		local, err := indexmodel.BuildForDirectory(p.opts.LocalPath, indexmodel.WalkOptions{})
		if err != nil {
			slog.Warn("building local index for diff failed", "error", err)
		} else {
			diff := indexmodel.Diff(local, remote)
			p.emitDiff(diff)
		}
	}

	p.mu.Lock()
	p.lastKnownRemoteIndex = remote
	p.mu.Unlock()
	return nil
}

// emitDiff publishes the events for d = Diff(local, remote): an entry only
// the remote index has (d.Deleted) is reported as Created, an entry only the
// local directory has (d.Added) as Deleted, and d.Modified as Modified.
func (p *Provider) emitDiff(d indexmodel.IndexDiff) {
	for _, e := range d.Deleted {
		p.events.PublishFileChange(events.FileChangeEvent{ChangeType: events.Created, Placeholder: placeholderOf(e)})
		p.countFileChange("created")
	}
	for _, e := range d.Added {
		p.events.PublishFileChange(events.FileChangeEvent{ChangeType: events.Deleted, Placeholder: placeholderOf(e)})
		p.countFileChange("deleted")
	}
	for _, e := range d.Modified {
		p.events.PublishFileChange(events.FileChangeEvent{ChangeType: events.Modified, Placeholder: placeholderOf(e)})
		p.countFileChange("modified")
	}
}

func (p *Provider) countFileChange(changeType string) {
	if p.opts.Metrics != nil {
		p.opts.Metrics.FileChangesSent.WithLabelValues(changeType).Inc()
	}
}

func placeholderOf(e indexmodel.IndexEntry) events.Placeholder {
	return events.Placeholder{RelativePath: e.RelativePath, Length: e.Length, ModTime: e.ModTime, Hash: e.Hash}
}

// watchMessageUpdates implements the onMessageUpdated handler: a loopback
// edit (one this provider itself made) is suppressed by consuming a pending
// edit; anything else is treated as an external edit to the index message.
func (p *Provider) watchMessageUpdates(updates <-chan transport.MessageUpdate) {
	for u := range updates {
		p.mu.RLock()
		isIndexMsg := u.Message.ID == p.indexMessageID
		p.mu.RUnlock()
		if !isIndexMsg {
			continue
		}
		if p.consumePendingEdit() {
			continue
		}
		ctx := context.Background()
		if err := p.RetrieveIndex(ctx, u.Message); err != nil {
			slog.Warn("failed to retrieve externally edited index", "error", err)
			p.mu.Lock()
			p.lastSyncErr = err
			p.mu.Unlock()
		}
	}
}

// consumePendingEdit implements spec §4.D.2: prune expired entries, then
// pop one entry (FIFO) if any remain, reporting whether one was consumed.
func (p *Provider) consumePendingEdit() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	live := p.pendingEdits[:0]
	for _, t := range p.pendingEdits {
		if now.Sub(t) < pendingEditTTL {
			live = append(live, t)
		}
	}
	p.pendingEdits = live
	if len(p.pendingEdits) == 0 {
		return false
	}
	p.pendingEdits = p.pendingEdits[1:]
	return true
}

// runResyncTimer fires fullSync every ResyncPeriod while the supervisor is
// alive. Overlap is prevented by the singleflight group: a tick that lands
// while a previous fullSync is still running joins that call instead of
// starting a second one.
func (p *Provider) runResyncTimer(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.ResyncPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			go p.fullSync(ctx)
		}
	}
}

func (p *Provider) fullSync(ctx context.Context) {
	_, _, _ = p.fullSyncGroup.Do("fullSync", func() (any, error) {
		p.events.PublishFileChange(events.FileChangeEvent{ChangeType: events.All, ResyncSubDirectories: true})
		p.countFileChange("all")

		p.mu.RLock()
		dbChannelID := p.dbChannelID
		indexMessageID := p.indexMessageID
		p.mu.RUnlock()
		if indexMessageID == "" {
			return nil, nil
		}
		msg, ok, err := p.findMessageByID(ctx, dbChannelID, indexMessageID)
		if err != nil {
			p.recordSyncOutcome(err)
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		if err := p.RetrieveIndex(ctx, msg); err != nil {
			p.recordSyncOutcome(err)
			return nil, err
		}
		p.mu.Lock()
		p.lastFullSync = monotonicNow()
		p.lastSyncErr = nil
		p.mu.Unlock()
		if p.opts.Metrics != nil {
			p.opts.Metrics.FullSyncsTotal.Inc()
		}
		return nil, nil
	})
}

// runPendingEditReaper periodically prunes expired pendingEdits entries so
// a self-edit whose confirmation never arrives doesn't linger forever.
func (p *Provider) runPendingEditReaper(ctx context.Context) error {
	ticker := time.NewTicker(pendingEditTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p.mu.Lock()
			now := time.Now()
			live := p.pendingEdits[:0]
			for _, t := range p.pendingEdits {
				if now.Sub(t) < pendingEditTTL {
					live = append(live, t)
				}
			}
			p.pendingEdits = live
			p.mu.Unlock()
		}
	}
}

// serviceFunc adapts a plain function to suture.Service, the same way the
// older suturewrap package let a bare func(ctx) be registered with a
// Supervisor.
type serviceFunc func(ctx context.Context) error

func (f serviceFunc) Serve(ctx context.Context) error { return f(ctx) }

// monotonicNow stamps state-transition markers (connectedSince,
// lastFullSync) with timeutil's strictly-increasing clock so two
// transitions observed in the same wall-clock tick still compare as
// ordered.
func monotonicNow() time.Time {
	return time.Unix(0, timeutil.StrictlyMonotonicNanos())
}

func indexChunkName(i int) string {
	if i == 0 {
		return indexFilename
	}
	return fmt.Sprintf("index_%d.db", i)
}

func splitChunks(data []byte, chunkSize int) [][]byte {
	if chunkSize <= 0 {
		return [][]byte{data}
	}
	var pieces [][]byte
	for len(data) > 0 {
		n := chunkSize
		if n > len(data) {
			n = len(data)
		}
		pieces = append(pieces, data[:n])
		data = data[n:]
	}
	if len(pieces) == 0 {
		pieces = [][]byte{{}}
	}
	return pieces
}
