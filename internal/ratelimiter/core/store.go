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
// This file specifically handles the in-memory management of per-tenant HTB
// trees.
package core

import (
	"sync"
	"sync/atomic"
	"time"

	"htb/pkg/htb"
)

// managedHTB is a wrapper around one tenant's compiled tree that includes
// metadata required for lifecycle management: last access time (eviction)
// and hysteresis state (the background worker's snapshot cadence).
//
// armed implements a high/low watermark (hysteresis):
//   - When true, a tenant is eligible to snapshot as soon as its cumulative
//     drained count reaches snapshotThreshold.
//   - After a snapshot we set armed=false. The tenant's drained count must
//     fall to or below the low watermark before it is re-armed, to avoid rapid on/off
//     snapshotting when traffic hovers around the threshold.
//
// lastAccessed is updated on every hot-path access and drives eviction.
type managedHTB struct {
	tree         *htb.HTB
	mu           sync.Mutex
	lastAccessed atomic.Int64 // UnixNano
	armed        atomic.Bool
	drained      atomic.Uint64 // tokens taken since the last snapshot
}

// Store manages a collection of per-tenant HTB trees in memory. Store
// itself is safe for concurrent use; each tenant's tree is additionally
// guarded by its own mutex, since htb.HTB has no internal synchronization
// (see package htb's doc comment) and two goroutines could otherwise race
// on the same tenant's Advance/Take calls.
type Store struct {
	trees sync.Map // string -> *managedHTB
	blank htb.Snapshot
}

// NewStore validates template once (the same depth-first bucket tree every
// tenant gets) and keeps the resulting fully-loaded snapshot as a seed: new
// tenants are materialized with htb.Load instead of re-running the rate
// normalizer and tree compiler on every cache miss.
func NewStore(template []htb.BucketCfg) (*Store, error) {
	seed, err := htb.New(template)
	if err != nil {
		return nil, err
	}
	return &Store{blank: seed.Snapshot()}, nil
}

// getOrCreate returns the managed tree for key, creating one from the seed
// snapshot on first access.
//
// Optimization: avoid allocating on the common case where the key already
// exists. We first try a plain Load (no allocation); only on a miss do we
// allocate the managedHTB + HTB and attempt a LoadOrStore. In a race where
// another goroutine creates the key first, the extra allocation is rare and
// immediately discarded.
func (s *Store) getOrCreate(key string) *managedHTB {
	if actual, ok := s.trees.Load(key); ok {
		m := actual.(*managedHTB)
		m.lastAccessed.Store(time.Now().UnixNano())
		return m
	}

	now := time.Now().UnixNano()
	m := &managedHTB{tree: htb.Load(s.blank)}
	m.lastAccessed.Store(now)
	// Newly created tenants start armed so they can snapshot once they
	// reach the high watermark.
	m.armed.Store(true)

	if actual, loaded := s.trees.LoadOrStore(key, m); loaded {
		existing := actual.(*managedHTB)
		existing.lastAccessed.Store(now)
		return existing
	}
	return m
}

// Admit attempts to take n tokens from label in key's tree, reporting
// whether the request is admitted. On success it folds n into the
// tenant's cumulative drained count, which the background worker watches
// for the snapshot hysteresis.
func (s *Store) Admit(key string, label htb.Label, n uint64) bool {
	m := s.getOrCreate(key)
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.tree.TakeN(label, n) {
		return false
	}
	m.drained.Add(n)
	return true
}

// Peek reports whether key's tree currently holds n tokens at label,
// without consuming them.
func (s *Store) Peek(key string, label htb.Label, n uint64) bool {
	m := s.getOrCreate(key)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tree.PeekN(label, n)
}

// Status returns a snapshot of key's current tree state, for diagnostics.
func (s *Store) Status(key string) htb.Snapshot {
	m := s.getOrCreate(key)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tree.Snapshot()
}

// ForEach allows iterating over all managed trees in the store. f is
// called with the store's internal lock already released; it is
// responsible for locking managed.mu itself before touching managed.tree.
func (s *Store) ForEach(f func(key string, managed *managedHTB)) {
	s.trees.Range(func(key, value interface{}) bool {
		f(key.(string), value.(*managedHTB))
		return true // continue iterating
	})
}

// Delete removes a key from the store. Used by the eviction worker.
func (s *Store) Delete(key string) {
	s.trees.Delete(key)
}
