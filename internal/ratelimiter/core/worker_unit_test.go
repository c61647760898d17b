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

// Package core contains focused unit tests for Worker internals to raise file coverage.
package core

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// errPersister can be toggled to return an error for CommitBatch to test error paths.
type errPersister struct {
	returnErr atomic.Bool
	batches   [][]Commit
}

func (p *errPersister) CommitBatch(commits []Commit) error {
	if p.returnErr.Load() {
		return errors.New("forced persister error")
	}
	copySlice := make([]Commit, len(commits))
	copy(copySlice, commits)
	p.batches = append(p.batches, copySlice)
	return nil
}

func (p *errPersister) PrintFinalMetrics() {}

// TestWorker_Hysteresis_DisarmAndRearm verifies that after a threshold-based
// snapshot, the managed tenant is disarmed, and on a subsequent cycle with
// drained <= low watermark, it is re-armed automatically.
func TestWorker_Hysteresis_DisarmAndRearm(t *testing.T) {
	store := newTestStore(t, 100)
	p := &errPersister{}
	// Threshold=5, LowWatermark=2
	w := NewWorker(store, p, time.Hour, 5, 2, time.Hour, time.Hour, time.Hour)

	for i := 0; i < 5; i++ { // reach threshold exactly
		store.Admit("k", 0, 1)
	}
	w.runSnapshotCycle()

	var disarmed bool
	store.ForEach(func(key string, mv *managedHTB) {
		if key == "k" {
			disarmed = !mv.armed.Load()
		}
	})
	if !disarmed {
		t.Fatalf("expected key to be disarmed after threshold snapshot")
	}

	// A subsequent cycle with drained=0 (<= low watermark) should re-arm.
	w.runSnapshotCycle()
	var rearmed bool
	store.ForEach(func(key string, mv *managedHTB) {
		if key == "k" {
			rearmed = mv.armed.Load()
		}
	})
	if !rearmed {
		t.Fatalf("expected key to be re-armed when drained <= low watermark on next cycle")
	}
}

// TestWorker_PersisterError_DoesNotApplyCommit ensures that when the
// persister fails, the drained count is not reset and armed stays true.
func TestWorker_PersisterError_DoesNotApplyCommit(t *testing.T) {
	store := newTestStore(t, 100)
	p := &errPersister{}
	p.returnErr.Store(true)
	w := NewWorker(store, p, time.Hour, 3, 1, time.Hour, time.Hour, time.Hour)

	for i := 0; i < 3; i++ {
		store.Admit("err", 0, 1)
	}
	w.runSnapshotCycle()

	var drained uint64
	var armed bool
	store.ForEach(func(key string, mv *managedHTB) {
		if key == "err" {
			drained = mv.drained.Load()
			armed = mv.armed.Load()
		}
	})
	if drained != 3 {
		t.Fatalf("expected drained to remain 3 after failed persist, got %d", drained)
	}
	if !armed {
		t.Fatalf("expected armed=true after failed persist (disarmed only after a successful persist)")
	}
}

// TestWorker_FinalFlush_CommitsRemainders ensures runFinalFlush persists
// any nonzero drained remainder and resets it.
func TestWorker_FinalFlush_CommitsRemainders(t *testing.T) {
	store := newTestStore(t, 50)
	p := &errPersister{}
	w := NewWorker(store, p, time.Hour, 1000, 0, time.Hour, time.Hour, time.Hour)

	store.Admit("a", 0, 2)
	store.Admit("b", 0, 3)

	w.runFinalFlush()
	if len(p.batches) != 1 || len(p.batches[0]) != 2 {
		t.Fatalf("expected 1 batch with 2 commits, got %#v", p.batches)
	}
	store.ForEach(func(key string, mv *managedHTB) {
		if mv.drained.Load() != 0 {
			t.Fatalf("expected drained reset to 0 for %s after flush", key)
		}
	})
}

// TestWorker_Eviction_ErrorKeepsKey verifies that if eviction's final
// snapshot fails, the key is not deleted.
func TestWorker_Eviction_ErrorKeepsKey(t *testing.T) {
	store := newTestStore(t, 10)
	p := &errPersister{}
	p.returnErr.Store(true)
	w := NewWorker(store, p, time.Hour, 1000, 0, time.Hour, 1*time.Millisecond, time.Hour)

	store.Admit("stale", 0, 4)
	store.ForEach(func(key string, mv *managedHTB) {
		if key == "stale" {
			mv.lastAccessed.Store(time.Now().Add(-time.Hour).UnixNano())
		}
	})
	w.runEvictionCycle()
	if _, ok := store.trees.Load("stale"); !ok {
		t.Fatalf("expected stale key to remain after snapshot error during eviction")
	}
}

// TestWorker_Eviction_RemovesIdleKey verifies that an idle tenant with no
// pending drain is evicted without needing a snapshot.
func TestWorker_Eviction_RemovesIdleKey(t *testing.T) {
	store := newTestStore(t, 10)
	p := &errPersister{}
	w := NewWorker(store, p, time.Hour, 1000, 0, time.Hour, 1*time.Millisecond, time.Hour)

	_ = store.getOrCreate("idle")
	store.ForEach(func(key string, mv *managedHTB) {
		if key == "idle" {
			mv.lastAccessed.Store(time.Now().Add(-time.Hour).UnixNano())
		}
	})
	w.runEvictionCycle()
	if _, ok := store.trees.Load("idle"); ok {
		t.Fatalf("expected idle key to be evicted")
	}
}
