// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package persistence

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"

	"htb/internal/ratelimiter/core"
)

// fileRecord is the on-disk JSON shape for one persisted snapshot commit.
type fileRecord struct {
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
	Time    string          `json:"time"`
}

// FilePersister is a buffered, append-only NDJSON sink for snapshot commits.
// It is safe for concurrent use and optimized for append-only workloads: one
// JSON line per committed tenant snapshot, flushed periodically so crash
// recovery only loses a bounded, recent window.
type FilePersister struct {
	mu   sync.Mutex
	f    *os.File
	w    *bufio.Writer
	path string

	totalWrites  int64
	totalBatches int64
	lastFlush    time.Time
}

// NewFilePersister opens (or creates) the file at path in append mode with a
// buffered writer. Call Close when done.
func NewFilePersister(path string) (*FilePersister, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &FilePersister{f: f, w: bufio.NewWriterSize(f, 1<<20 /*1MiB*/), path: path, lastFlush: time.Now()}, nil
}

// CommitBatch appends each commit as one JSON line, overwrite-by-append:
// the latest line for a key is its current snapshot. Replay tooling should
// fold the log by taking the last record per key.
func (p *FilePersister) CommitBatch(commits []core.Commit) error {
	if len(commits) == 0 {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339Nano)
	enc := json.NewEncoder(p.w)
	for _, c := range commits {
		rec := fileRecord{Key: c.Key, Payload: json.RawMessage(c.Payload), Time: now}
		if err := enc.Encode(&rec); err != nil {
			// best effort: flush and retry once
			_ = p.w.Flush()
			if err := enc.Encode(&rec); err != nil {
				return err
			}
		}
	}
	p.totalWrites += int64(len(commits))
	p.totalBatches++

	// Flush periodically to bound data loss on crash.
	if time.Since(p.lastFlush) > 100*time.Millisecond {
		_ = p.w.Flush()
		p.lastFlush = time.Now()
	}
	return nil
}

// PrintFinalMetrics flushes any buffered data and reports totals.
func (p *FilePersister) PrintFinalMetrics() {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.w.Flush()
	println("[file persister]", p.path, "writes:", int(p.totalWrites), "batches:", int(p.totalBatches))
}

// Close flushes and closes the underlying file.
func (p *FilePersister) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.w.Flush()
	return p.f.Close()
}

// ReadAllFileRecords reads an entire snapshot log file as a slice. Intended
// for replay/debug tooling, not the hot path.
func ReadAllFileRecords(path string) ([]core.Commit, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []core.Commit
	scanner := newLongLineScanner(f)
	for scanner.Scan() {
		var rec fileRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err == nil {
			out = append(out, core.Commit{Key: rec.Key, Payload: []byte(rec.Payload)})
		}
	}
	return out, scanner.Err()
}

func newLongLineScanner(f *os.File) *bufio.Scanner {
	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 1<<20)
	scanner.Buffer(buf, 1<<26)
	return scanner
}
