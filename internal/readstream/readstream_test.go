// Copyright (C) 2025 The chatdrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package readstream

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/calmh/chatdrive/internal/chunkcodec"
	"github.com/calmh/chatdrive/internal/indexmodel"
)

type alwaysReady struct{}

func (alwaysReady) IsReady() bool { return true }

type neverReady struct{}

func (neverReady) IsReady() bool { return false }

// fakeFetcher serves chunkcodec-encoded payloads out of an in-memory map
// keyed by URL, built from a plain byte slice split into chunkSize pieces.
type fakeFetcher struct {
	blobs map[string][]byte
}

func (f *fakeFetcher) FetchAttachment(ctx context.Context, url string) ([]byte, error) {
	return f.blobs[url], nil
}

// buildFixture splits content into chunkSize-sized pieces, encodes each
// with chunkcodec, and returns the IndexFileChunk list plus a fetcher that
// can serve them by URL.
func buildFixture(t *testing.T, content []byte, chunkSize int) ([]indexmodel.IndexFileChunk, *fakeFetcher) {
	t.Helper()
	fetcher := &fakeFetcher{blobs: make(map[string][]byte)}
	var chunks []indexmodel.IndexFileChunk
	for i := 0; i < len(content); i += chunkSize {
		end := i + chunkSize
		if end > len(content) {
			end = len(content)
		}
		piece := content[i:end]
		encoded, err := chunkcodec.Encode(piece, uint32(i/chunkSize), false, nil)
		if err != nil {
			t.Fatal(err)
		}
		url := "blob://chunk" + string(rune('a'+i/chunkSize))
		fetcher.blobs[url] = encoded
		chunks = append(chunks, indexmodel.IndexFileChunk{URL: url, Size: uint32(len(piece))})
	}
	return chunks, fetcher
}

func openFixture(t *testing.T, content []byte, chunkSize int, ready ReadyChecker) *Stream {
	t.Helper()
	chunks, fetcher := buildFixture(t, content, chunkSize)
	idx := indexmodel.New()
	idx.Put(indexmodel.IndexEntry{RelativePath: "f.bin", Length: uint64(len(content)), Chunks: chunks})

	s, err := New(fetcher, ready, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Open(context.Background(), idx, "f.bin"); err != nil {
		t.Fatal(err)
	}
	return s
}

func TestReadWholeFileAcrossChunkBoundary(t *testing.T) {
	content := []byte("0123456789ABCDEFGHIJ") // 20 bytes
	s := openFixture(t, content, 7, alwaysReady{})

	buf := make([]byte, len(content))
	n, err := s.Read(context.Background(), buf, 0, 0, int64(len(content)))
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(len(content)) {
		t.Errorf("n = %d, want %d", n, len(content))
	}
	if !bytes.Equal(buf, content) {
		t.Errorf("buf = %q, want %q", buf, content)
	}
}

func TestReadMidChunkWindow(t *testing.T) {
	content := []byte("0123456789ABCDEFGHIJ") // chunks of 7: [0-7)[7-14)[14-20)
	s := openFixture(t, content, 7, alwaysReady{})

	// Window [5, 16) starts mid-first-chunk and ends mid-third-chunk.
	buf := make([]byte, 11)
	n, err := s.Read(context.Background(), buf, 0, 5, 11)
	if err != nil {
		t.Fatal(err)
	}
	want := content[5:16]
	if n != int64(len(want)) {
		t.Errorf("n = %d, want %d", n, len(want))
	}
	if !bytes.Equal(buf, want) {
		t.Errorf("buf = %q, want %q", buf, want)
	}
}

func TestReadWithBufferOffset(t *testing.T) {
	content := []byte("hello world, this spans two chunks")
	s := openFixture(t, content, 10, alwaysReady{})

	buf := make([]byte, 5+12)
	n, err := s.Read(context.Background(), buf, 5, 8, 12)
	if err != nil {
		t.Fatal(err)
	}
	want := content[8:20]
	if n != int64(len(want)) {
		t.Errorf("n = %d, want %d", n, len(want))
	}
	if !bytes.Equal(buf[5:], want) {
		t.Errorf("buf[5:] = %q, want %q", buf[5:], want)
	}
	for _, b := range buf[:5] {
		if b != 0 {
			t.Fatalf("bytes before bufferOffset were written: %v", buf[:5])
		}
	}
}

func TestReadCountZeroReturnsNothing(t *testing.T) {
	content := []byte("abcdef")
	s := openFixture(t, content, 3, alwaysReady{})

	buf := make([]byte, 0)
	n, err := s.Read(context.Background(), buf, 0, 3, 0)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("n = %d, want 0", n)
	}
}

func TestReadFileOffsetAtLengthReturnsNothing(t *testing.T) {
	content := []byte("abcdef")
	s := openFixture(t, content, 3, alwaysReady{})

	buf := make([]byte, 4)
	n, err := s.Read(context.Background(), buf, 0, int64(len(content)), 4)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("n = %d, want 0", n)
	}
}

func TestReadOfflineReturnsErrOffline(t *testing.T) {
	content := []byte("abcdef")
	chunks, fetcher := buildFixture(t, content, 3)
	idx := indexmodel.New()
	idx.Put(indexmodel.IndexEntry{RelativePath: "f.bin", Length: uint64(len(content)), Chunks: chunks})

	s, err := New(fetcher, alwaysReady{}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Open(context.Background(), idx, "f.bin"); err != nil {
		t.Fatal(err)
	}
	s.ready = neverReady{}

	buf := make([]byte, 3)
	if _, err := s.Read(context.Background(), buf, 0, 0, 3); !errors.Is(err, ErrOffline) {
		t.Errorf("err = %v, want ErrOffline when provider is not ready", err)
	}
}

func TestOpenFileNotFound(t *testing.T) {
	idx := indexmodel.New()
	s, err := New(&fakeFetcher{blobs: map[string][]byte{}}, alwaysReady{}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.Open(context.Background(), idx, "missing.bin"); err != ErrFileNotFound {
		t.Errorf("err = %v, want ErrFileNotFound", err)
	}
}

func TestCloseTwiceErrors(t *testing.T) {
	content := []byte("abc")
	s := openFixture(t, content, 3, alwaysReady{})
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != ErrNotOpen {
		t.Errorf("second Close() = %v, want ErrNotOpen", err)
	}
}

func TestPlanSpansAlignment(t *testing.T) {
	chunks := []indexmodel.IndexFileChunk{{Size: 5}, {Size: 5}, {Size: 5}}
	spans := planSpans(chunks, 3, 9) // window [3,12): spans chunk0[3:5), chunk1[0:5), chunk2[0:2)

	if len(spans) != 3 {
		t.Fatalf("len(spans) = %d, want 3", len(spans))
	}
	if spans[0].sourceOffset != 3 || spans[0].copyLength != 2 || spans[0].bufferOffset != 0 {
		t.Errorf("spans[0] = %+v", spans[0])
	}
	if spans[1].sourceOffset != 0 || spans[1].copyLength != 5 || spans[1].bufferOffset != 2 {
		t.Errorf("spans[1] = %+v", spans[1])
	}
	if spans[2].sourceOffset != 0 || spans[2].copyLength != 2 || spans[2].bufferOffset != 7 {
		t.Errorf("spans[2] = %+v", spans[2])
	}
}
