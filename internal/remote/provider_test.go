// Copyright (C) 2025 The chatdrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package remote

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/calmh/chatdrive/internal/chunkcodec"
	"github.com/calmh/chatdrive/internal/events"
	"github.com/calmh/chatdrive/internal/indexmodel"
	"github.com/calmh/chatdrive/internal/transport"
)

// fakeTransport is an in-memory transport.ChatTransport used to exercise
// the provider's state machine without a real chat backend.
type fakeTransport struct {
	mu          sync.Mutex
	channels    map[string]transport.Channel
	messages    map[string]transport.Message
	blobs       map[string][]byte
	nextID      int
	nextBlobID  int
	subs        map[int]chan transport.MessageUpdate
	nextSubID   int
	botUserID   string
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		channels:  make(map[string]transport.Channel),
		messages:  make(map[string]transport.Message),
		blobs:     make(map[string][]byte),
		subs:      make(map[int]chan transport.MessageUpdate),
		botUserID: "bot-1",
	}
}

func (f *fakeTransport) Connect(ctx context.Context) error          { return nil }
func (f *fakeTransport) Disconnect(ctx context.Context) error       { return nil }
func (f *fakeTransport) State() transport.ConnectionState           { return transport.Connected }
func (f *fakeTransport) MaxAttachmentSize() int64                   { return 8 * 1024 * 1024 }

func (f *fakeTransport) Channels(ctx context.Context) ([]transport.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]transport.Channel, 0, len(f.channels))
	for _, c := range f.channels {
		out = append(out, c)
	}
	return out, nil
}

func (f *fakeTransport) CreateChannel(ctx context.Context, name string) (transport.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := transport.Channel{ID: "chan-" + name, Name: name}
	f.channels[name] = c
	return c, nil
}

func (f *fakeTransport) DeleteChannel(ctx context.Context, channelID string) error { return nil }

func (f *fakeTransport) PinnedMessages(ctx context.Context, channelID string) ([]transport.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []transport.Message
	for _, m := range f.messages {
		if m.ChannelID == channelID && m.Pinned {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeTransport) SendMessage(ctx context.Context, channelID, content string, attachments []io.Reader, filenames []string) (transport.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("msg-%d", f.nextID)
	m := transport.Message{
		ID:          id,
		ChannelID:   channelID,
		AuthorID:    f.botUserID,
		Content:     content,
		Attachments: f.storeAttachments(attachments, filenames),
		EditedAt:    time.Now(),
	}
	f.messages[id] = m
	return m, nil
}

func (f *fakeTransport) EditMessage(ctx context.Context, channelID, messageID, content string, attachments []io.Reader, filenames []string) (transport.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[messageID]
	if !ok {
		return transport.Message{}, transport.ErrMessageNotFound
	}
	m.Content = content
	if attachments != nil {
		m.Attachments = f.storeAttachments(attachments, filenames)
	}
	m.EditedAt = time.Now()
	f.messages[messageID] = m
	f.notifyLocked(transport.MessageUpdate{Message: m})
	return m, nil
}

func (f *fakeTransport) storeAttachments(attachments []io.Reader, filenames []string) []transport.Attachment {
	out := make([]transport.Attachment, len(attachments))
	for i, r := range attachments {
		data, _ := io.ReadAll(r)
		f.nextBlobID++
		url := fmt.Sprintf("blob://%d", f.nextBlobID)
		f.blobs[url] = data
		out[i] = transport.Attachment{URL: url, Filename: filenames[i], Size: int64(len(data))}
	}
	return out
}

func (f *fakeTransport) PinMessage(ctx context.Context, channelID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[messageID]
	if !ok {
		return transport.ErrMessageNotFound
	}
	m.Pinned = true
	f.messages[messageID] = m
	return nil
}

func (f *fakeTransport) DeleteMessage(ctx context.Context, channelID, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.messages, messageID)
	return nil
}

func (f *fakeTransport) FetchAttachment(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.blobs[url]
	if !ok {
		return nil, fmt.Errorf("no such blob %s", url)
	}
	return data, nil
}

func (f *fakeTransport) Subscribe() (<-chan transport.MessageUpdate, func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextSubID
	f.nextSubID++
	ch := make(chan transport.MessageUpdate, 16)
	f.subs[id] = ch
	return ch, func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		if ch, ok := f.subs[id]; ok {
			delete(f.subs, id)
			close(ch)
		}
	}
}

func (f *fakeTransport) notifyLocked(u transport.MessageUpdate) {
	for _, ch := range f.subs {
		select {
		case ch <- u:
		default:
		}
	}
}

func newTestProvider(ft *fakeTransport) *Provider {
	return New(ft, Options{
		DbChannelName:   "chatdrive-db",
		DataChannelName: "chatdrive-data",
		ChunkDataSize:   1 << 16,
		ResyncPeriod:    time.Hour,
		BotUserID:       ft.botUserID,
	})
}

func TestConnectBootstrapsEmptyIndex(t *testing.T) {
	ft := newFakeTransport()
	p := newTestProvider(ft)

	if err := p.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Close(context.Background())

	if p.State() != Ready {
		t.Fatalf("State() = %v, want Ready", p.State())
	}

	dbChan := ft.channels["chatdrive-db"]
	pins, err := ft.PinnedMessages(context.Background(), dbChan.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(pins) != 1 {
		t.Fatalf("len(pins) = %d, want 1", len(pins))
	}
	if len(pins[0].Attachments) == 0 || !strings.EqualFold(pins[0].Attachments[0].Filename, "index.db") {
		t.Errorf("pinned message attachments = %+v", pins[0].Attachments)
	}
}

func TestReconnectDiscoversExistingIndex(t *testing.T) {
	ft := newFakeTransport()
	p := newTestProvider(ft)
	if err := p.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	p.mu.RLock()
	firstIndexID := p.indexMessageID
	p.mu.RUnlock()
	p.Close(context.Background())

	p2 := newTestProvider(ft)
	if err := p2.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p2.Close(context.Background())

	p2.mu.RLock()
	secondIndexID := p2.indexMessageID
	p2.mu.RUnlock()
	if secondIndexID != firstIndexID {
		t.Errorf("indexMessageID = %q, want %q (rediscovered)", secondIndexID, firstIndexID)
	}
}

func TestWriteIndexRecordsPendingEditAndSuppressesLoopback(t *testing.T) {
	ft := newFakeTransport()
	p := newTestProvider(ft)
	if err := p.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Close(context.Background())

	if err := p.WriteIndex(context.Background(), indexWithOneFile(t)); err != nil {
		t.Fatal(err)
	}

	p.mu.RLock()
	pending := len(p.pendingEdits)
	p.mu.RUnlock()
	if pending == 0 {
		t.Fatal("expected a pendingEdits entry after WriteIndex")
	}

	consumed := p.consumePendingEdit()
	if !consumed {
		t.Error("expected consumePendingEdit to report a loopback edit was suppressed")
	}

	consumed = p.consumePendingEdit()
	if consumed {
		t.Error("second consumePendingEdit call should find nothing pending")
	}
}

func TestWriteIndexResendsContentAfterPinnedMessageVanishes(t *testing.T) {
	ft := newFakeTransport()
	p := newTestProvider(ft)
	if err := p.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Close(context.Background())

	p.mu.RLock()
	dbChannelID := p.dbChannelID
	staleIndexMessageID := p.indexMessageID
	p.mu.RUnlock()

	ft.mu.Lock()
	delete(ft.messages, staleIndexMessageID)
	ft.mu.Unlock()

	idx := indexWithOneFile(t)
	if err := p.WriteIndex(context.Background(), idx); err != nil {
		t.Fatal(err)
	}

	p.mu.RLock()
	newIndexMessageID := p.indexMessageID
	p.mu.RUnlock()
	if newIndexMessageID == "" || newIndexMessageID == staleIndexMessageID {
		t.Fatalf("indexMessageID = %q, want a freshly posted message id", newIndexMessageID)
	}

	pins, err := ft.PinnedMessages(context.Background(), dbChannelID)
	if err != nil {
		t.Fatal(err)
	}
	var msg transport.Message
	for _, m := range pins {
		if m.ID == newIndexMessageID {
			msg = m
		}
	}
	if len(msg.Attachments) == 0 {
		t.Fatal("expected the reposted index message to carry attachments")
	}

	data, err := ft.FetchAttachment(context.Background(), msg.Attachments[0].URL)
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := chunkcodec.Decode(data, nil)
	if err != nil {
		t.Fatal(err)
	}
	restored, err := indexmodel.Deserialize(decoded.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := restored.GetFile("hello.txt"); !ok {
		t.Error("reposted index lost the file entry that WriteIndex was called with")
	}
}

func TestConsumePendingEditExpires(t *testing.T) {
	ft := newFakeTransport()
	p := newTestProvider(ft)
	p.pendingEdits = []time.Time{time.Now().Add(-pendingEditTTL - time.Second)}

	if p.consumePendingEdit() {
		t.Error("an expired pendingEdits entry must not be consumed")
	}
}

func TestRetrieveIndexDiffsAgainstFreshlyDecodedRemote(t *testing.T) {
	ft := newFakeTransport()
	p := newTestProvider(ft)
	p.opts.LocalPath = t.TempDir()

	if err := p.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer p.Close(context.Background())

	changes, unsubscribe := p.Events().SubscribeFileChange()
	defer unsubscribe()

	p.mu.RLock()
	dbChannelID := p.dbChannelID
	p.mu.RUnlock()

	remoteIdx := indexWithOneFile(t)
	serialized, err := remoteIdx.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	encoded, err := chunkcodec.Encode(serialized, 0, true, nil)
	if err != nil {
		t.Fatal(err)
	}
	const blobURL = "blob://external-edit"
	ft.mu.Lock()
	ft.blobs[blobURL] = encoded
	ft.mu.Unlock()

	externalEdit := transport.Message{
		ID:        "ext-1",
		ChannelID: dbChannelID,
		Attachments: []transport.Attachment{
			{URL: blobURL, Filename: "index.db"},
		},
	}
	if err := p.RetrieveIndex(context.Background(), externalEdit); err != nil {
		t.Fatal(err)
	}

	select {
	case ev := <-changes:
		if ev.ChangeType != events.Created || ev.Placeholder.RelativePath != "hello.txt" {
			t.Errorf("event = %+v, want Created hello.txt", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a FileChangeEvent for the file the external edit added")
	}
}

func indexWithOneFile(t *testing.T) *indexmodel.Index {
	t.Helper()
	idx := indexmodel.New()
	idx.Put(indexmodel.IndexEntry{
		RelativePath: "hello.txt",
		Length:       5,
		ModTime:      time.Unix(1700000000, 0),
		Hash:         []byte{1, 2, 3},
	})
	return idx
}
