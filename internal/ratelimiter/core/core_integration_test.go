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

// Package core contains integration tests for the rate limiter core
// components. It validates I/O reduction via batched snapshot commits and
// end-to-end bucket-draining correctness.

// internal/ratelimiter/core/core_integration_test.go
package core

import (
	"sync"
	"testing"
	"time"

	"htb/pkg/htb"
)

// mockCountingPersister is a mock for testing that counts commit calls and
// remembers the most recent payload persisted per key.
type mockCountingPersister struct {
	mu           sync.Mutex
	commitCalls  int
	totalCommits int
	lastPayload  map[string][]byte
}

func (p *mockCountingPersister) CommitBatch(commits []Commit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.commitCalls++
	p.totalCommits += len(commits)
	if p.lastPayload == nil {
		p.lastPayload = make(map[string][]byte)
	}
	for _, c := range commits {
		p.lastPayload[c.Key] = c.Payload
	}
	return nil
}

func (p *mockCountingPersister) PrintFinalMetrics() {}

func (p *mockCountingPersister) getStats() (commitCalls, totalCommits int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.commitCalls, p.totalCommits
}

func (p *mockCountingPersister) lastValue(t *testing.T, key string) uint64 {
	t.Helper()
	p.mu.Lock()
	payload, ok := p.lastPayload[key]
	p.mu.Unlock()
	if !ok {
		t.Fatalf("no payload ever recorded for key %q", key)
	}
	return decodeSnapshotValue(t, payload)
}

// TestIntegration_SnapshotReduction proves the core value proposition: that N
// requests result in I snapshot writes, where I is significantly smaller
// than N.
func TestIntegration_SnapshotReduction(t *testing.T) {
	persister := &mockCountingPersister{}
	// A capacity far larger than the request volume, and a refill rate slow
	// enough (1 token/hour) that inflow during the test is negligible.
	const capacity = 10000
	cfgs := []htb.BucketCfg{
		{This: 0, Parent: nil, RateNum: 1, RatePer: time.Hour, Capacity: capacity},
	}
	store, err := NewStore(cfgs)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	snapshotThreshold := uint64(50)
	snapshotInterval := 10 * time.Millisecond
	evictionAge := 1 * time.Minute      // Not relevant for this test
	evictionInterval := 1 * time.Minute // Not relevant for this test

	worker := NewWorker(store, persister, time.Hour, snapshotThreshold, 0, snapshotInterval, evictionAge, evictionInterval)
	worker.Start()

	const totalRequests = 1001
	const key = "integration-test-key"
	for i := 0; i < totalRequests; i++ {
		if !store.Admit(key, 0, 1) {
			t.Fatalf("admit %d unexpectedly rejected", i)
		}
	}

	// Wait for the worker to process the snapshots. The last batch might be
	// just under the threshold, so wait for a few snapshot intervals to
	// ensure it gets picked up.
	time.Sleep(snapshotInterval * 5)

	// Stop the worker, which triggers one final flush for any remainder.
	worker.Stop()
	time.Sleep(snapshotInterval) // Give it a moment to finish the final flush.

	commitCalls, totalCommits := persister.getStats()
	finalValue := persister.lastValue(t, key)

	wantValue := uint64(capacity - totalRequests)
	if finalValue != wantValue {
		t.Errorf("incorrect final persisted bucket value: got %d, want %d", finalValue, wantValue)
	}

	// The number of expected snapshot writes can vary based on machine
	// speed.
	//
	// Scenario A (Slower Machine or Longer Test): The worker's snapshot loop
	// will fire multiple times during the test, resulting in approx. 21
	// writes (1001 requests / 50 threshold = 20, plus one for the
	// remainder).
	//
	// Scenario B (Faster Machine - Common Result): The entire request loop
	// finishes before the worker's first 10ms tick. All 1001 requests are
	// buffered in memory. The single, final flush during worker.Stop() then
	// persists the whole drain in one batch. This results in only 1 write.
	//
	// Both scenarios are successful. Scenario B demonstrates maximum I/O
	// reduction.
	expectedMaxCommits := (totalRequests / int(snapshotThreshold)) + 1
	t.Logf("Total Requests: %d", totalRequests)
	t.Logf("Total Entries Committed: %d", totalCommits)
	t.Logf("Total Database Batch-Commit Calls: %d (Expected between 1 and %d)", commitCalls, expectedMaxCommits)

	if commitCalls == 0 {
		t.Fatal("FATAL: Expected at least one commit call, but got zero. The worker may not be running correctly.")
	}
	if commitCalls > expectedMaxCommits+1 { // Add a small buffer for timing variations
		t.Errorf("FAIL: Too many commit calls: got %d, expected approx. %d. The I/O reduction is not effective.", commitCalls, expectedMaxCommits)
	}

	t.Logf("SUCCESS: Proved that %d requests were correctly processed in only %d database commit calls.", totalRequests, commitCalls)
}
