// Copyright (C) 2025 The chatdrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package indexmodel

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func sampleEntry(path string, length uint64, hash byte) IndexEntry {
	return IndexEntry{
		RelativePath: path,
		Length:       length,
		ModTime:      time.Unix(1700000000, 0).UTC(),
		Hash:         []byte{hash, hash, hash},
		Chunks:       []IndexFileChunk{{URL: "https://example/" + path, Size: uint32(length)}},
	}
}

func TestRoundTrip(t *testing.T) {
	idx := New()
	idx.Put(sampleEntry("docs/readme.txt", 100, 1))
	idx.Put(sampleEntry("Photos/Trip.JPG", 2048, 2))

	data, err := idx.Serialize()
	if err != nil {
		t.Fatal(err)
	}

	got, err := Deserialize(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Len() != idx.Len() {
		t.Fatalf("Len() = %d, want %d", got.Len(), idx.Len())
	}
	e, ok := got.GetFile("docs/readme.txt")
	if !ok || e.Length != 100 {
		t.Fatalf("GetFile(docs/readme.txt) = %+v, %v", e, ok)
	}
	if !got.FileExists("PHOTOS/trip.jpg") {
		t.Error("case-insensitive lookup failed")
	}
}

func TestDeserializeUnsupportedVersion(t *testing.T) {
	idx := New()
	idx.Put(sampleEntry("a", 1, 1))
	data, err := idx.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	data[0] = 0x99
	if _, err := Deserialize(data); !errors.Is(err, ErrUnsupportedIndexVersion) {
		t.Errorf("err = %v, want ErrUnsupportedIndexVersion", err)
	}
}

func TestDeserializeTruncated(t *testing.T) {
	idx := New()
	idx.Put(sampleEntry("a", 1, 1))
	data, err := idx.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Deserialize(data[:len(data)-3]); !errors.Is(err, ErrTruncated) {
		t.Errorf("err = %v, want ErrTruncated", err)
	}
	if _, err := Deserialize(nil); !errors.Is(err, ErrTruncated) {
		t.Errorf("err = %v, want ErrTruncated", err)
	}
}

func TestDiffAddedDeletedModified(t *testing.T) {
	remote := New()
	remote.Put(sampleEntry("unchanged.txt", 10, 1))
	remote.Put(sampleEntry("removed.txt", 20, 2))
	remote.Put(sampleEntry("changed.txt", 30, 3))

	local := New()
	local.Put(sampleEntry("unchanged.txt", 10, 1))
	local.Put(sampleEntry("changed.txt", 31, 3))
	local.Put(sampleEntry("new.txt", 40, 4))

	d := Diff(local, remote)

	if len(d.Added) != 1 || d.Added[0].RelativePath != "new.txt" {
		t.Errorf("Added = %+v", d.Added)
	}
	if len(d.Deleted) != 1 || d.Deleted[0].RelativePath != "removed.txt" {
		t.Errorf("Deleted = %+v", d.Deleted)
	}
	if len(d.Modified) != 1 || d.Modified[0].RelativePath != "changed.txt" {
		t.Errorf("Modified = %+v", d.Modified)
	}
}

func TestDiffIdenticalIsEmpty(t *testing.T) {
	a := New()
	a.Put(sampleEntry("x.txt", 10, 1))
	b := a.Clone()

	d := Diff(a, b)
	if len(d.Added) != 0 || len(d.Deleted) != 0 || len(d.Modified) != 0 {
		t.Errorf("expected empty diff, got %+v", d)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	a := New()
	a.Put(sampleEntry("x.txt", 10, 1))
	b := a.Clone()

	e, _ := b.GetFile("x.txt")
	e.Hash[0] = 0xFF
	orig, _ := a.GetFile("x.txt")
	if orig.Hash[0] == 0xFF {
		t.Error("mutating clone's entry hash affected original")
	}
}

func TestBuildForDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("world, this is longer content"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "ignored.tmp"), []byte("skip me"), 0o644); err != nil {
		t.Fatal(err)
	}

	idx, err := BuildForDirectory(dir, WalkOptions{
		ChunkSize: 8,
		Ignore: func(rel string) bool {
			return filepath.Ext(rel) == ".tmp"
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	if idx.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", idx.Len())
	}
	e, ok := idx.GetFile("a.txt")
	if !ok || e.Length != 5 {
		t.Fatalf("a.txt entry = %+v, %v", e, ok)
	}
	sub, ok := idx.GetFile("sub/b.txt")
	if !ok {
		t.Fatal("sub/b.txt missing")
	}
	if len(sub.Chunks) != 4 { // 29 bytes / 8-byte chunks, rounded up
		t.Errorf("len(Chunks) = %d, want 4", len(sub.Chunks))
	}
	if idx.FileExists("ignored.tmp") {
		t.Error("ignored.tmp should have been excluded")
	}
}
