// Copyright (C) 2025 The chatdrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package indexmodel implements the serializable directory index (spec
// §4.B): an in-memory snapshot of a local or remote directory tree, its
// binary (de)serialization, and diff semantics between two snapshots.
//
// Wire encoding follows internal/protocol's lead of hand-writing the XDR
// envelope with github.com/calmh/xdr rather than reflection-driven codegen,
// since the shape here (a version byte followed by a flat list of entries)
// is simple enough not to need it.
package indexmodel

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/calmh/xdr"
)

// Version is the only index wire version this package understands.
const Version byte = 0x01

var (
	ErrUnsupportedIndexVersion = errors.New("indexmodel: unsupported index version")
	ErrTruncated               = errors.New("indexmodel: truncated index")
)

// IndexFileChunk is one chunk attachment backing an IndexEntry.
type IndexFileChunk struct {
	URL  string
	Size uint32
}

// IndexEntry describes one file in the index.
type IndexEntry struct {
	RelativePath string
	Length       uint64
	ModTime      time.Time
	Hash         []byte
	Chunks       []IndexFileChunk
}

// Index is a directory snapshot: a set of entries keyed by normalized,
// case-insensitively compared relative path.
type Index struct {
	Version uint8
	BuiltAt time.Time
	entries map[string]IndexEntry // keyed by NormalizePath(e.RelativePath)
}

// New returns an empty index.
func New() *Index {
	return &Index{
		Version: Version,
		BuiltAt: time.Now(),
		entries: make(map[string]IndexEntry),
	}
}

// NormalizePath forward-slashes separators, strips a leading slash, and
// lowercases for case-insensitive comparison. The original-case path is
// still carried on the IndexEntry itself.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	p = strings.TrimPrefix(p, "/")
	return strings.ToLower(p)
}

// Put inserts or replaces an entry.
func (idx *Index) Put(e IndexEntry) {
	if idx.entries == nil {
		idx.entries = make(map[string]IndexEntry)
	}
	idx.entries[NormalizePath(e.RelativePath)] = e
}

// Remove deletes an entry by path, if present.
func (idx *Index) Remove(relativePath string) {
	delete(idx.entries, NormalizePath(relativePath))
}

// GetFile returns the entry at path and whether it exists.
func (idx *Index) GetFile(relativePath string) (IndexEntry, bool) {
	e, ok := idx.entries[NormalizePath(relativePath)]
	return e, ok
}

// FileExists reports whether path is present in the index.
func (idx *Index) FileExists(relativePath string) bool {
	_, ok := idx.entries[NormalizePath(relativePath)]
	return ok
}

// Entries returns a stable-ordered snapshot slice of all entries.
func (idx *Index) Entries() []IndexEntry {
	out := make([]IndexEntry, 0, len(idx.entries))
	for _, e := range idx.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RelativePath < out[j].RelativePath })
	return out
}

// Len returns the number of entries in the index.
func (idx *Index) Len() int {
	return len(idx.entries)
}

// Clone returns a deep copy, independent of the source.
func (idx *Index) Clone() *Index {
	out := &Index{
		Version: idx.Version,
		BuiltAt: idx.BuiltAt,
		entries: make(map[string]IndexEntry, len(idx.entries)),
	}
	for k, e := range idx.entries {
		out.entries[k] = cloneEntry(e)
	}
	return out
}

func cloneEntry(e IndexEntry) IndexEntry {
	clone := e
	if e.Hash != nil {
		clone.Hash = append([]byte(nil), e.Hash...)
	}
	if e.Chunks != nil {
		clone.Chunks = append([]IndexFileChunk(nil), e.Chunks...)
	}
	return clone
}

// IndexDiff is the result of comparing two index snapshots.
type IndexDiff struct {
	Added    []IndexEntry
	Deleted  []IndexEntry
	Modified []IndexEntry
}

// Diff computes the changes needed to turn remote into local: entries
// present only in local are Added, entries present only in remote are
// Deleted, and entries present in both with a differing hash or length are
// Modified.
func Diff(local, remote *Index) IndexDiff {
	var d IndexDiff
	for key, le := range local.entries {
		re, ok := remote.entries[key]
		if !ok {
			d.Added = append(d.Added, le)
			continue
		}
		if le.Length != re.Length || !bytes.Equal(le.Hash, re.Hash) {
			d.Modified = append(d.Modified, le)
		}
	}
	for key, re := range remote.entries {
		if _, ok := local.entries[key]; !ok {
			d.Deleted = append(d.Deleted, re)
		}
	}
	sortEntries(d.Added)
	sortEntries(d.Deleted)
	sortEntries(d.Modified)
	return d
}

func sortEntries(es []IndexEntry) {
	sort.Slice(es, func(i, j int) bool { return es[i].RelativePath < es[j].RelativePath })
}

// Serialize encodes the index to its self-describing binary form: a
// version byte at offset 0 followed by a flat, length-prefixed XDR body.
func (idx *Index) Serialize() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := buf.Write([]byte{Version}); err != nil {
		return nil, err
	}

	xw := xdr.NewWriter(&buf)
	xw.WriteUint64(uint64(idx.BuiltAt.UnixNano()))
	entries := idx.Entries()
	xw.WriteUint32(uint32(len(entries)))
	for _, e := range entries {
		xw.WriteString(e.RelativePath)
		xw.WriteUint64(e.Length)
		xw.WriteUint64(uint64(e.ModTime.UnixNano()))
		xw.WriteBytes(e.Hash)
		xw.WriteUint32(uint32(len(e.Chunks)))
		for _, c := range e.Chunks {
			xw.WriteString(c.URL)
			xw.WriteUint32(c.Size)
		}
	}
	if err := xw.Error(); err != nil {
		return nil, fmt.Errorf("indexmodel: serialize: %w", err)
	}
	return buf.Bytes(), nil
}

// Deserialize decodes a binary index previously produced by Serialize.
func Deserialize(data []byte) (*Index, error) {
	if len(data) < 1 {
		return nil, ErrTruncated
	}
	version := data[0]
	if version != Version {
		return nil, ErrUnsupportedIndexVersion
	}

	xr := xdr.NewReader(bytes.NewReader(data[1:]))
	builtAtNanos := xr.ReadUint64()
	count := xr.ReadUint32()

	idx := &Index{
		Version: version,
		BuiltAt: time.Unix(0, int64(builtAtNanos)),
		entries: make(map[string]IndexEntry, count),
	}
	for i := uint32(0); i < count; i++ {
		var e IndexEntry
		e.RelativePath = xr.ReadString()
		e.Length = xr.ReadUint64()
		e.ModTime = time.Unix(0, int64(xr.ReadUint64()))
		e.Hash = xr.ReadBytes()
		chunkCount := xr.ReadUint32()
		if chunkCount > 0 {
			e.Chunks = make([]IndexFileChunk, chunkCount)
			for j := range e.Chunks {
				e.Chunks[j].URL = xr.ReadString()
				e.Chunks[j].Size = xr.ReadUint32()
			}
		}
		if xr.Error() != nil {
			return nil, fmt.Errorf("%w: %v", ErrTruncated, xr.Error())
		}
		idx.Put(e)
	}
	if err := xr.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTruncated, err)
	}
	return idx, nil
}
