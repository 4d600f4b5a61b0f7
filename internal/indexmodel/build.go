// Copyright (C) 2025 The chatdrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

package indexmodel

import (
	"crypto/md5"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// IgnoreFunc reports whether relativePath should be excluded from a walk.
// It is called with forward-slashed, root-relative paths.
type IgnoreFunc func(relativePath string) bool

// WalkOptions configures BuildForDirectory.
type WalkOptions struct {
	// ChunkSize is the size boundary used to report how many chunks a file
	// of a given length will be split into, so that freshly built entries
	// carry a plausible IndexFileChunk count even before upload assigns
	// real URLs. Zero means the whole file is one chunk.
	ChunkSize int
	// Ignore excludes matching paths from the walk entirely.
	Ignore IgnoreFunc
	// FollowSymlinks causes symlinks to be walked into rather than skipped.
	FollowSymlinks bool
}

// BuildForDirectory walks rootPath and returns an Index describing every
// regular file found beneath it. Chunk URLs are left blank: this only
// establishes length, modification time, and content hash. Populating
// Chunks with real attachment URLs is the job of the remote provider once
// it has actually uploaded the file's chunks.
func BuildForDirectory(rootPath string, opts WalkOptions) (*Index, error) {
	info, err := os.Stat(rootPath)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, errors.New("indexmodel: root path is not a directory")
	}

	idx := New()
	walkFn := func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(rootPath, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if opts.Ignore != nil && opts.Ignore(rel) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if d.Type()&os.ModeSymlink != 0 && !opts.FollowSymlinks {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		if !fi.Mode().IsRegular() {
			return nil
		}

		hash, err := hashFile(path)
		if err != nil {
			return err
		}

		idx.Put(IndexEntry{
			RelativePath: rel,
			Length:       uint64(fi.Size()),
			ModTime:      fi.ModTime(),
			Hash:         hash,
			Chunks:       chunkPlaceholders(fi.Size(), opts.ChunkSize),
		})
		return nil
	}

	if err := filepath.WalkDir(rootPath, walkFn); err != nil {
		return nil, err
	}
	return idx, nil
}

func hashFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// chunkPlaceholders returns a slice of empty-URL IndexFileChunks, one per
// chunkSize-sized slice of a file of the given length. It exists so a
// freshly built local index carries the right chunk count for diffing
// before any upload has happened; Size is set, URL is filled in later.
func chunkPlaceholders(length int64, chunkSize int) []IndexFileChunk {
	if length == 0 {
		return nil
	}
	if chunkSize <= 0 {
		return []IndexFileChunk{{Size: uint32(length)}}
	}
	n := int((length + int64(chunkSize) - 1) / int64(chunkSize))
	chunks := make([]IndexFileChunk, n)
	remaining := length
	for i := range chunks {
		size := int64(chunkSize)
		if remaining < size {
			size = remaining
		}
		chunks[i] = IndexFileChunk{Size: uint32(size)}
		remaining -= size
	}
	return chunks
}
