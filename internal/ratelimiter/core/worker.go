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

// Package core provides the core business logic for the rate limiter service.
// This file implements the background worker responsible for advancing
// every tenant's tree on a real clock, persisting snapshots, and evicting
// idle tenants from memory.
package core

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Worker manages the background tasks for the tree store: ticking every
// tenant's clock forward, snapshotting tenants that have drained enough to
// cross the commit threshold, and evicting idle ones.
type Worker struct {
	store              *Store
	persister          Persister
	tickInterval       time.Duration
	snapshotThreshold  uint64
	lowSnapshotWatermark uint64
	snapshotInterval   time.Duration
	evictionAge        time.Duration
	evictionInterval   time.Duration
	stopChan           chan struct{}
	wg                 sync.WaitGroup
	stopped            uint32
}

// NewWorker creates and configures a new background worker.
//
// tickInterval: how often the tick loop reads the real clock and advances
//
//	every tenant's tree by the elapsed delta.
//
// snapshotThreshold: high watermark. When a tenant's cumulative drained
//
//	count reaches this value we attempt a snapshot.
//
// lowSnapshotWatermark: low watermark (hysteresis). After a snapshot we
//
//	require the drained count to fall to or below this value before
//	re-arming another snapshot. Set 0 to disable hysteresis.
//
// snapshotInterval: how often we scan tenants to decide whether to persist.
// evictionAge / evictionInterval: idle-tenant cleanup, same shape as the
//
//	snapshot scan.
func NewWorker(store *Store, persister Persister, tickInterval time.Duration, snapshotThreshold, lowSnapshotWatermark uint64, snapshotInterval, evictionAge, evictionInterval time.Duration) *Worker {
	return &Worker{
		store:                store,
		persister:            persister,
		tickInterval:         tickInterval,
		snapshotThreshold:    snapshotThreshold,
		lowSnapshotWatermark: lowSnapshotWatermark,
		snapshotInterval:     snapshotInterval,
		evictionAge:          evictionAge,
		evictionInterval:     evictionInterval,
		stopChan:             make(chan struct{}),
	}
}

// Start launches the background goroutines for the worker.
func (w *Worker) Start() {
	fmt.Println("Starting background worker...")
	w.wg.Add(3)
	go func() {
		defer w.wg.Done()
		w.tickLoop()
	}()
	go func() {
		defer w.wg.Done()
		w.snapshotLoop()
	}()
	go func() {
		defer w.wg.Done()
		w.evictionLoop()
	}()
}

// Stop gracefully stops the background worker.
func (w *Worker) Stop() {
	if !atomic.CompareAndSwapUint32(&w.stopped, 0, 1) {
		return
	}
	fmt.Println("Stopping background worker...")
	close(w.stopChan)
	w.wg.Wait()
}

// tickLoop is the engine's clock: every tenant's tree only moves forward
// when something calls AdvanceNS on it. This loop is that something,
// converting wall-clock elapsed time into the engine's idealized Δt.
func (w *Worker) tickLoop() {
	ticker := time.NewTicker(w.tickInterval)
	defer ticker.Stop()

	last := time.Now()
	for {
		select {
		case now := <-ticker.C:
			deltaNS := now.Sub(last).Nanoseconds()
			last = now
			if deltaNS <= 0 {
				continue
			}
			w.store.ForEach(func(_ string, m *managedHTB) {
				m.mu.Lock()
				m.tree.AdvanceNS(uint64(deltaNS))
				m.mu.Unlock()
			})
		case <-w.stopChan:
			return
		}
	}
}

// snapshotLoop periodically checks for and persists tenants that have
// crossed the snapshot threshold.
func (w *Worker) snapshotLoop() {
	ticker := time.NewTicker(w.snapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.runSnapshotCycle()
		case <-w.stopChan:
			// On stop, flush every tenant with any pending drain.
			w.runFinalFlush()
			return
		}
	}
}

// runSnapshotCycle collects all tenants due for a snapshot and persists
// them as a single batch.
func (w *Worker) runSnapshotCycle() {
	var commits []Commit
	var toMark []*managedHTB

	w.store.ForEach(func(key string, m *managedHTB) {
		drained := m.drained.Load()

		commitByThreshold := drained >= w.snapshotThreshold
		shouldCommit := false
		if commitByThreshold {
			if w.lowSnapshotWatermark == 0 || m.armed.Load() {
				shouldCommit = true
			}
		} else if w.lowSnapshotWatermark > 0 && !m.armed.Load() && drained <= w.lowSnapshotWatermark {
			// Re-arm when we are at or below the low watermark to avoid flapping.
			m.armed.Store(true)
		}

		if !shouldCommit {
			return
		}

		m.mu.Lock()
		payload, err := json.Marshal(m.tree.Snapshot())
		m.mu.Unlock()
		if err != nil {
			fmt.Printf("ERROR: failed to marshal snapshot for %s: %v\n", key, err)
			return
		}
		commits = append(commits, Commit{Key: key, Payload: payload})
		toMark = append(toMark, m)
	})

	if len(commits) == 0 {
		return
	}

	if err := w.persister.CommitBatch(commits); err != nil {
		fmt.Printf("ERROR: Failed to commit snapshot batch: %v\n", err)
		return
	}

	for _, m := range toMark {
		m.drained.Store(0)
		m.armed.Store(false)
	}
}

// runFinalFlush snapshots every tenant with a nonzero drained count,
// regardless of threshold. Intended for shutdown.
func (w *Worker) runFinalFlush() {
	var commits []Commit
	var toMark []*managedHTB

	w.store.ForEach(func(key string, m *managedHTB) {
		if m.drained.Load() == 0 {
			return
		}
		m.mu.Lock()
		payload, err := json.Marshal(m.tree.Snapshot())
		m.mu.Unlock()
		if err != nil {
			fmt.Printf("ERROR: failed to marshal snapshot for %s: %v\n", key, err)
			return
		}
		commits = append(commits, Commit{Key: key, Payload: payload})
		toMark = append(toMark, m)
	})

	if len(commits) == 0 {
		return
	}

	if err := w.persister.CommitBatch(commits); err != nil {
		fmt.Printf("ERROR: Failed to commit final snapshot batch: %v\n", err)
		return
	}
	for _, m := range toMark {
		m.drained.Store(0)
	}
}

// evictionLoop periodically removes old, unused tenant trees from memory.
func (w *Worker) evictionLoop() {
	ticker := time.NewTicker(w.evictionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.runEvictionCycle()
		case <-w.stopChan:
			return
		}
	}
}

// runEvictionCycle finds and removes stale tenant trees, flushing any
// pending drain first.
func (w *Worker) runEvictionCycle() {
	var keysToEvict []string
	now := time.Now()

	w.store.ForEach(func(key string, m *managedHTB) {
		last := m.lastAccessed.Load()
		if now.Sub(time.Unix(0, last)) > w.evictionAge {
			keysToEvict = append(keysToEvict, key)
		}
	})

	if len(keysToEvict) == 0 {
		return
	}

	fmt.Printf("Evicting %d stale tenant trees...\n", len(keysToEvict))
	for _, key := range keysToEvict {
		actual, ok := w.store.trees.Load(key)
		if !ok {
			continue
		}
		m := actual.(*managedHTB)
		if time.Since(time.Unix(0, m.lastAccessed.Load())) <= w.evictionAge {
			// Touched recently; skip eviction.
			continue
		}
		if drained := m.drained.Load(); drained > 0 {
			m.mu.Lock()
			payload, err := json.Marshal(m.tree.Snapshot())
			m.mu.Unlock()
			if err != nil {
				fmt.Printf("ERROR: failed to marshal final snapshot for %s: %v\n", key, err)
				continue
			}
			fmt.Printf("  - Final snapshot for %s, drained: %d\n", key, drained)
			if err := w.persister.CommitBatch([]Commit{{Key: key, Payload: payload}}); err != nil {
				fmt.Printf("ERROR: Failed to commit batch: %v\n", err)
				continue
			}
			m.drained.Store(0)
		}
		w.store.Delete(key)
	}
}
