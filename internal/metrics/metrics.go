// Copyright (C) 2025 The chatdrive Authors.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this file,
// You can obtain one at https://mozilla.org/MPL/2.0/.

// Package metrics holds the small set of Prometheus collectors the
// provider updates as it runs: chunk codec throughput, sync cycle outcomes,
// and read-stream bytes served.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics is a registered set of counters/histograms, constructed once and
// passed down to the components that update them.
type Metrics struct {
	ChunksEncoded   prometheus.Counter
	ChunksDecoded   prometheus.Counter
	ChunkEncodeSize prometheus.Histogram

	FullSyncsTotal  prometheus.Counter
	FullSyncErrors  prometheus.Counter
	FileChangesSent *prometheus.CounterVec

	ReadBytesTotal prometheus.Counter
}

// New constructs a Metrics and registers every collector with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ChunksEncoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatdrive",
			Subsystem: "chunkcodec",
			Name:      "chunks_encoded_total",
			Help:      "Number of chunks encoded.",
		}),
		ChunksDecoded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatdrive",
			Subsystem: "chunkcodec",
			Name:      "chunks_decoded_total",
			Help:      "Number of chunks decoded.",
		}),
		ChunkEncodeSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chatdrive",
			Subsystem: "chunkcodec",
			Name:      "encoded_chunk_bytes",
			Help:      "Size in bytes of encoded chunks on the wire.",
			Buckets:   prometheus.ExponentialBuckets(1024, 2, 14),
		}),
		FullSyncsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatdrive",
			Subsystem: "remote",
			Name:      "full_syncs_total",
			Help:      "Number of completed full-resync cycles.",
		}),
		FullSyncErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatdrive",
			Subsystem: "remote",
			Name:      "full_sync_errors_total",
			Help:      "Number of full-resync cycles that ended in error.",
		}),
		FileChangesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatdrive",
			Subsystem: "remote",
			Name:      "file_changes_total",
			Help:      "FileChangeEvents emitted, labeled by change type.",
		}, []string{"type"}),
		ReadBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatdrive",
			Subsystem: "readstream",
			Name:      "read_bytes_total",
			Help:      "Plaintext bytes served by read streams.",
		}),
	}

	reg.MustRegister(
		m.ChunksEncoded,
		m.ChunksDecoded,
		m.ChunkEncodeSize,
		m.FullSyncsTotal,
		m.FullSyncErrors,
		m.FileChangesSent,
		m.ReadBytesTotal,
	)
	return m
}
