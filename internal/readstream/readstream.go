// Copyright (C) 2025 The chatdrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package readstream implements the parallel read stream (spec §4.E): a
// per-open snapshot of an index entry's chunk list, read with
// alignment-correct, concurrently downloaded chunk slices.
package readstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	"github.com/calmh/chatdrive/internal/chunkcodec"
	"github.com/calmh/chatdrive/internal/indexmodel"
	"github.com/calmh/chatdrive/internal/metrics"
)

var (
	ErrOffline      = errors.New("readstream: provider not ready")
	ErrFileNotFound = errors.New("readstream: file not found")
	ErrNotOpen      = errors.New("readstream: stream is not open")
	ErrDisposed     = errors.New("readstream: stream is disposed")
)

// state is the stream's own lifecycle, distinct from the provider's.
type state int

const (
	stateNew state = iota
	stateOpen
	stateClosed
	stateDisposed
)

// AttachmentFetcher is the subset of transport.ChatTransport a Stream needs
// to download chunk bytes. Kept narrow so tests can fake it without
// depending on the full transport interface.
type AttachmentFetcher interface {
	FetchAttachment(ctx context.Context, url string) ([]byte, error)
}

// ReadyChecker reports whether the provider backing this stream is
// currently Ready; Read fails fast with ErrOffline when it is not.
type ReadyChecker interface {
	IsReady() bool
}

// Options configures a Stream.
type Options struct {
	// MaxConcurrentDownloads bounds how many chunks are fetched at once.
	// Zero means unbounded.
	MaxConcurrentDownloads int
	// ChunkCacheBytes, if positive, enables an LRU cache of decoded chunk
	// payloads keyed by chunk URL, capped by entry count (not byte size,
	// since golang-lru/v2's basic Cache is count-bounded; callers size it
	// by estimating average chunk size).
	ChunkCacheBytes int
	// EncryptionKey decrypts chunks, if the index was built under one.
	EncryptionKey *chunkcodec.EncryptionKey
	// Metrics, if non-nil, receives a count of plaintext bytes served.
	Metrics *metrics.Metrics
}

// Placeholder is the lightweight, content-free stand-in for an opened file.
type Placeholder struct {
	RelativePath string
	Length       uint64
	Hash         []byte
}

// Stream is one open read session against a relative path.
type Stream struct {
	fetcher AttachmentFetcher
	ready   ReadyChecker
	opts    Options
	cache   *lru.Cache[string, []byte]

	mu    sync.Mutex
	state state
	entry indexmodel.IndexEntry
}

// New constructs a Stream. Call Open before Read.
func New(fetcher AttachmentFetcher, ready ReadyChecker, opts Options) (*Stream, error) {
	s := &Stream{fetcher: fetcher, ready: ready, opts: opts}
	if opts.ChunkCacheBytes > 0 {
		cache, err := lru.New[string, []byte](opts.ChunkCacheBytes)
		if err != nil {
			return nil, fmt.Errorf("readstream: create chunk cache: %w", err)
		}
		s.cache = cache
	}
	return s, nil
}

// Open resolves relativePath against a cloned snapshot of idx, so later
// writes to the provider's live index cannot perturb this in-progress
// read.
func (s *Stream) Open(ctx context.Context, idx *indexmodel.Index, relativePath string) (Placeholder, error) {
	if !s.ready.IsReady() {
		return Placeholder{}, ErrOffline
	}

	snapshot := idx.Clone()
	entry, ok := snapshot.GetFile(relativePath)
	if !ok {
		return Placeholder{}, ErrFileNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateDisposed {
		return Placeholder{}, ErrDisposed
	}
	s.entry = entry
	s.state = stateOpen

	return Placeholder{RelativePath: entry.RelativePath, Length: entry.Length, Hash: entry.Hash}, nil
}

// chunkSpan is one chunk's contribution to the requested window: sourceOffset
// and copyLength describe the slice of the chunk's own plaintext that falls
// inside the window, and bufferOffset is where that slice lands in the
// caller's buffer.
type chunkSpan struct {
	chunk        indexmodel.IndexFileChunk
	index        int
	sourceOffset int64
	copyLength   int64
	bufferOffset int64
}

// planSpans walks entry.chunks maintaining a running cursor, and for every
// chunk that overlaps [fileOffset, fileOffset+count) computes the
// alignment-correct source offset and copy length — the fix the naive
// "whole chunk always fits" assumption needs when the window starts or
// ends mid-chunk.
func planSpans(chunks []indexmodel.IndexFileChunk, fileOffset, count int64) []chunkSpan {
	if count <= 0 {
		return nil
	}
	windowEnd := fileOffset + count
	var spans []chunkSpan
	var cursor int64
	for i, c := range chunks {
		chunkStart := cursor
		chunkEnd := cursor + int64(c.Size)
		cursor = chunkEnd

		overlapStart := max64(chunkStart, fileOffset)
		overlapEnd := min64(chunkEnd, windowEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		spans = append(spans, chunkSpan{
			chunk:        c,
			index:        i,
			sourceOffset: overlapStart - chunkStart,
			copyLength:   overlapEnd - overlapStart,
			bufferOffset: overlapStart - fileOffset,
		})
	}
	return spans
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Read fills buffer[bufferOffset:bufferOffset+count) with file bytes
// starting at fileOffset, downloading only the chunks that overlap the
// requested window and copying only the overlapping slice of each.
func (s *Stream) Read(ctx context.Context, buffer []byte, bufferOffset, fileOffset, count int64) (int64, error) {
	s.mu.Lock()
	if s.state != stateOpen {
		s.mu.Unlock()
		return 0, ErrNotOpen
	}
	entry := s.entry
	s.mu.Unlock()

	if !s.ready.IsReady() {
		return 0, fmt.Errorf("readstream: read: %w", ErrOffline)
	}
	if count <= 0 {
		return 0, nil
	}

	spans := planSpans(entry.Chunks, fileOffset, count)
	if len(spans) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	if s.opts.MaxConcurrentDownloads > 0 {
		g.SetLimit(s.opts.MaxConcurrentDownloads)
	}

	var bufMu sync.Mutex
	var bytesRead int64

	for _, span := range spans {
		span := span
		g.Go(func() error {
			plaintext, err := s.fetchChunk(gctx, span.chunk.URL)
			if err != nil {
				return fmt.Errorf("readstream: fetch chunk %d: %w", span.index, err)
			}
			if span.sourceOffset+span.copyLength > int64(len(plaintext)) {
				return fmt.Errorf("readstream: chunk %d shorter than expected", span.index)
			}
			slice := plaintext[span.sourceOffset : span.sourceOffset+span.copyLength]

			bufMu.Lock()
			copy(buffer[bufferOffset+span.bufferOffset:], slice)
			bufMu.Unlock()

			addInt64(&bytesRead, span.copyLength)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return bytesRead, err
	}
	if s.opts.Metrics != nil {
		s.opts.Metrics.ReadBytesTotal.Add(float64(bytesRead))
	}
	return bytesRead, nil
}

func (s *Stream) fetchChunk(ctx context.Context, url string) ([]byte, error) {
	if s.cache != nil {
		if cached, ok := s.cache.Get(url); ok {
			return cached, nil
		}
	}

	raw, err := s.fetcher.FetchAttachment(ctx, url)
	if err != nil {
		return nil, err
	}
	decoded, err := chunkcodec.Decode(raw, s.opts.EncryptionKey)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cache.Add(url, decoded.Payload)
	}
	return decoded.Payload, nil
}

func addInt64(addr *int64, delta int64) {
	atomic.AddInt64(addr, delta)
}

// Close transitions the stream to Closed. Calling Close on an already
// closed stream is an error, per spec §4.E; a disposed stream stays
// disposed and Close returns ErrDisposed.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == stateDisposed {
		return ErrDisposed
	}
	if s.state == stateClosed {
		return ErrNotOpen
	}
	s.state = stateClosed
	return nil
}

// Dispose is terminal from any state; it is always safe to call.
func (s *Stream) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = stateDisposed
}
