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

// Package main provides the entry point for the HTB rate limiter service.
//
// This application is a concrete, runnable demonstration of the core HTB
// library (pkg/htb). Its primary goal is to solve the business problem of
// hierarchical API rate limiting — a per-tenant tree of named buckets,
// each with its own rate and burst capacity, sharing a common inflow —
// while keeping the hot admission path allocation-free and lock-light.
//
// This file is responsible for orchestrating the entire service:
//  1. Loading the bucket tree policy (from -policy_file, or a built-in
//     sample tree if none is given).
//  2. Initializing the core components (Store, Worker, Persister).
//  3. Starting the background worker: the tick loop that advances every
//     tenant's clock, the snapshot loop, and the eviction loop.
//  4. Starting the API server to handle live traffic.
//  5. Managing graceful shutdown so no pending snapshot is lost.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"htb/internal/ratelimiter/api"
	"htb/internal/ratelimiter/core"
	"htb/internal/ratelimiter/persistence"
	"htb/internal/ratelimiter/telemetry/admission"
	"htb/pkg/htb"
)

// policyEntry is the on-disk JSON shape for one bucket, named instead of
// index-addressed so operators don't have to hand-number buckets. Entries
// must appear in depth-first order, same as the underlying BucketCfg
// contract.
type policyEntry struct {
	Name     string `json:"name"`
	Parent   string `json:"parent"`
	RateNum  uint64 `json:"rate_num"`
	RatePer  string `json:"rate_per"`
	Capacity uint64 `json:"capacity"`
}

// loadPolicy reads a JSON array of policyEntry from path and compiles it
// via htb.Builder, returning the name->Label table alongside the
// compiled configs.
func loadPolicy(path string) ([]htb.BucketCfg, map[string]htb.Label, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open policy file: %w", err)
	}
	defer f.Close()

	var entries []policyEntry
	if err := json.NewDecoder(f).Decode(&entries); err != nil {
		return nil, nil, fmt.Errorf("decode policy file: %w", err)
	}

	b := htb.NewBuilder()
	for _, e := range entries {
		per, err := time.ParseDuration(e.RatePer)
		if err != nil {
			return nil, nil, fmt.Errorf("bucket %q: invalid rate_per %q: %w", e.Name, e.RatePer, err)
		}
		b.Add(e.Name, e.Parent, e.RateNum, per, e.Capacity)
	}

	labels := make(map[string]htb.Label, len(entries))
	for _, e := range entries {
		l, _ := b.Label(e.Name)
		labels[e.Name] = l
	}
	return b.Configs(), labels, nil
}

// samplePolicy builds the tree from the specification's own worked
// example: Long (root) -> Short -> {Hedge -> HedgeFut, Make}.
func samplePolicy() ([]htb.BucketCfg, map[string]htb.Label) {
	b := htb.NewBuilder()
	b.Add("Long", "", 100, 200*time.Millisecond, 1500)
	b.Add("Short", "Long", 250, time.Second, 250)
	b.Add("Hedge", "Short", 1000, time.Second, 10)
	b.Add("HedgeFut", "Hedge", 2000, 2*time.Second, 10)
	b.Add("Make", "Short", 1000, time.Second, 6)

	labels := make(map[string]htb.Label)
	for _, name := range []string{"Long", "Short", "Hedge", "HedgeFut", "Make"} {
		l, _ := b.Label(name)
		labels[name] = l
	}
	return b.Configs(), labels
}

func main() {
	// --- What this is ---
	// This demo runs a per-tenant hierarchical token bucket rate limiter.
	// Each tenant gets its own compiled tree (a deep copy of one shared
	// policy); every bucket in that tree fills from its parent at a
	// configured rate and caps at a configured burst capacity. Requests
	// name a bucket by label and are admitted or rejected in O(1)
	// (excluding the shared per-tick O(N) advance pass).
	//
	// A background worker advances every tenant's clock on a fixed tick
	// interval, and periodically snapshots tenants whose cumulative
	// drained token count has crossed a threshold, batching many
	// admission decisions into one persisted write.
	//
	// Try it:
	//   curl "http://localhost:8080/admit?tenant=alice&label=Hedge"
	//   curl "http://localhost:8080/peek?tenant=alice&label=Hedge&n=2"
	//   curl "http://localhost:8080/status?tenant=alice"
	policyFile := flag.String("policy_file", "", "Path to a JSON bucket policy; falls back to the built-in sample tree if empty")
	tickInterval := flag.Duration("tick_interval", 10*time.Millisecond, "How often the tick loop advances every tenant's clock")
	snapshotThreshold := flag.Uint64("snapshot_threshold", 50, "High watermark (tokens drained) for background snapshots; higher = fewer writes but older persisted state")
	snapshotLowWatermark := flag.Uint64("snapshot_low_watermark", 0, "Low watermark (hysteresis). After a snapshot we wait until drained tokens fall to or below this before re-arming. 0 disables.")
	snapshotInterval := flag.Duration("snapshot_interval", 100*time.Millisecond, "How often the background worker checks whether to snapshot")
	evictionAge := flag.Duration("eviction_age", time.Hour, "Evict tenants that haven't been touched for this long")
	evictionInterval := flag.Duration("eviction_interval", 10*time.Minute, "How often to scan for idle tenants to evict")
	httpAddr := flag.String("http_addr", ":8080", "HTTP listen address (e.g., :8080)")
	persistenceAdapter := flag.String("persistence_adapter", "mock", "Snapshot persistence adapter: mock, file, redis, kafka, or postgres")
	redisAddr := flag.String("redis_addr", "", "Redis address for the redis adapter (e.g., 127.0.0.1:6379); empty uses a logging stand-in")
	kafkaTopic := flag.String("kafka_topic", "htb-snapshots", "Kafka topic for the kafka adapter")
	snapshotFile := flag.String("snapshot_file", "", "Path to an append-only NDJSON snapshot log for the file adapter")
	admissionMetrics := flag.Bool("admission_metrics", false, "Enable in-process admission telemetry (opt-in)")
	metricsAddr := flag.String("metrics_addr", "", "If non-empty, expose Prometheus /metrics on this address (e.g., :9090)")
	admissionSample := flag.Float64("admission_sample", 1.0, "Deterministic per-tenant sampling rate for admission telemetry (0..1)")
	admissionLogInterval := flag.Duration("admission_log_interval", 15*time.Second, "If > 0, periodically log an admission summary. 0 disables.")
	admissionTopN := flag.Int("admission_top_n", 50, "Top N tenants by rejects to include in logs when admission_log_interval > 0")
	admissionKeyHashLen := flag.Int("admission_key_hash_len", 8, "Number of hex chars to log for anonymized tenant hashes")
	flag.Parse()

	var (
		cfgs   []htb.BucketCfg
		labels map[string]htb.Label
		err    error
	)
	if *policyFile != "" {
		cfgs, labels, err = loadPolicy(*policyFile)
		if err != nil {
			log.Fatalf("failed to load policy: %v", err)
		}
	} else {
		cfgs, labels = samplePolicy()
	}

	core.SetThreshold("policy_file", *policyFile)
	core.SetThresholdDuration("tick_interval", *tickInterval)
	core.SetThresholdInt64("snapshot_threshold", int64(*snapshotThreshold))
	core.SetThresholdInt64("snapshot_low_watermark", int64(*snapshotLowWatermark))
	core.SetThresholdDuration("snapshot_interval", *snapshotInterval)
	core.SetThresholdDuration("eviction_age", *evictionAge)
	core.SetThresholdDuration("eviction_interval", *evictionInterval)
	core.SetThreshold("http_addr", *httpAddr)
	core.SetThreshold("persistence_adapter", *persistenceAdapter)
	core.SetThreshold("snapshot_file", *snapshotFile)
	core.SetThresholdBool("admission_metrics", *admissionMetrics)
	core.SetThreshold("metrics_addr", *metricsAddr)
	core.SetThresholdFloat64("admission_sample", *admissionSample)
	core.SetThresholdDuration("admission_log_interval", *admissionLogInterval)
	core.SetThresholdInt64("admission_top_n", int64(*admissionTopN))
	core.SetThresholdInt64("admission_key_hash_len", int64(*admissionKeyHashLen))

	admission.Enable(admission.Config{
		Enabled:     *admissionMetrics,
		SampleRate:  *admissionSample,
		MetricsAddr: *metricsAddr,
		LogInterval: *admissionLogInterval,
		TopN:        *admissionTopN,
		KeyHashLen:  *admissionKeyHashLen,
	})

	persister, err := persistence.BuildPersister(*persistenceAdapter, persistence.DemoOptions{
		RedisAddr:  *redisAddr,
		KafkaTopic: *kafkaTopic,
		FilePath:   *snapshotFile,
	})
	if err != nil {
		log.Fatalf("failed to build persister: %v", err)
	}

	store, err := core.NewStore(cfgs)
	if err != nil {
		log.Fatalf("failed to compile tree policy: %v", err)
	}

	worker := core.NewWorker(
		store,
		persister,
		*tickInterval,
		*snapshotThreshold,
		*snapshotLowWatermark,
		*snapshotInterval,
		*evictionAge,
		*evictionInterval,
	)
	worker.Start()

	apiServer := api.NewServer(store, labels)
	mux := http.NewServeMux()
	apiServer.RegisterRoutes(mux)
	httpServer := &http.Server{
		Addr:    *httpAddr,
		Handler: mux,
	}

	go func() {
		fmt.Printf("HTB rate limiter API server listening on %s\n", *httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not listen on %s: %v\n", *httpAddr, err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	fmt.Println("\nShutting down server...")

	worker.Stop()
	persister.PrintFinalMetrics()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown failed: %v", err)
	}

	fmt.Println("Server gracefully stopped.")
}
