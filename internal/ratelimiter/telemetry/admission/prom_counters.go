// Package admission provides opt-in, low-overhead telemetry for admission
// decisions. It is designed to be safe to call from hot paths: when
// disabled, all public functions are no-ops.
package admission

import (
	"hash/fnv"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config controls the behavior of the admission module.
//
// Notes:
//   - SampleRate is deterministic per key using a fast FNV-1a 64-bit hash,
//     to avoid RNG cost.
//   - MetricsAddr, when non-empty, starts a dedicated HTTP server that
//     serves /metrics. If you already expose Prometheus elsewhere, leave it
//     empty and register promhttp yourself.
//   - LogInterval and TopN are used by the exporter (see exporter.go). If
//     LogInterval == 0, the exporter loop is disabled.
//   - KeyHashLen controls how many hex characters to log for anonymized
//     keys (2..16 typical).
type Config struct {
	Enabled     bool
	SampleRate  float64
	MetricsAddr string
	LogInterval time.Duration
	TopN        int
	KeyHashLen  int
}

var (
	modEnabled atomic.Bool

	// samplingThreshold is a fixed cut in the 64-bit hash space representing SampleRate.
	samplingThreshold atomic.Uint64

	// eventsInternal is the unsampled, global count of every admission
	// decision (admit or reject), used as the write-reduction denominator.
	eventsInternal atomic.Int64

	admitsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "admission_admits_total",
		Help: "Total number of admitted requests across all tenants",
	})
	rejectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "admission_rejects_total",
		Help: "Total number of rejected requests across all tenants",
	})
	snapshotWritesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "admission_snapshot_writes_total",
		Help: "Total number of tenant snapshots persisted across all batches",
	})
	snapshotBatchRows = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "admission_snapshot_batch_rows",
		Help:    "Distribution of tenants per snapshot batch",
		Buckets: []float64{1, 2, 4, 8, 16, 32, 64, 128, 256, 512, 1024},
	})
	snapshotReductionRatio = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "admission_snapshot_reduction_ratio",
		Help: "Estimated fraction of naive per-request writes avoided by batching (1 - snapshots/events)",
	})
	keysTracked = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "admission_keys_tracked",
		Help: "Number of tenant keys currently tracked in the in-process telemetry aggregator",
	})
	snapshotErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "admission_snapshot_errors_total",
		Help: "Total number of snapshot batch errors (failed persistence attempts)",
	})
)

func init() {
	prometheus.MustRegister(admitsTotal, rejectsTotal, snapshotWritesTotal, snapshotBatchRows, snapshotReductionRatio, keysTracked, snapshotErrorsTotal)
}

// Enable configures the module. Safe to call multiple times; subsequent
// calls replace config.
func Enable(cfg Config) {
	if cfg.SampleRate < 0 {
		cfg.SampleRate = 0
	}
	if cfg.SampleRate > 1 {
		cfg.SampleRate = 1
	}
	if cfg.TopN <= 0 {
		cfg.TopN = 50
	}
	if cfg.KeyHashLen <= 0 {
		cfg.KeyHashLen = 8
	}

	var thr uint64
	switch {
	case cfg.SampleRate <= 0:
		thr = 0
	case cfg.SampleRate >= 1:
		thr = ^uint64(0)
	default:
		max := ^uint64(0)
		f := cfg.SampleRate * (float64(max) + 1.0)
		if f < 1 {
			f = 1
		}
		thr = uint64(f) - 1
	}
	samplingThreshold.Store(thr)

	modEnabled.Store(cfg.Enabled)

	startOrUpdateExporter(cfg)

	if cfg.MetricsAddr != "" {
		startMetricsEndpoint(cfg.MetricsAddr)
	}
}

// Enabled reports whether the admission module is active.
func Enabled() bool { return modEnabled.Load() }

// ObserveAdmission records an admission outcome. Call on the hot path
// right after the store's Admit decision.
func ObserveAdmission(key string, admitted bool) {
	if !modEnabled.Load() {
		return
	}
	if admitted {
		admitsTotal.Inc()
	} else {
		rejectsTotal.Inc()
	}
	eventsInternal.Add(1)
	if key != "" && sampled(key) {
		exporterRecordOutcome(hashKey(key), admitted)
	}
}

// ObserveSnapshotBatch should be called once per successful snapshot batch
// with its row count.
func ObserveSnapshotBatch(size int) {
	if !modEnabled.Load() || size <= 0 {
		return
	}
	snapshotBatchRows.Observe(float64(size))
	snapshotWritesTotal.Add(float64(size))
	exporterObserveBatchInternal(size)
}

// ObserveSnapshotError increments the snapshot error counter when a batch fails.
func ObserveSnapshotError(n int) {
	if !modEnabled.Load() || n <= 0 {
		return
	}
	snapshotErrorsTotal.Add(float64(n))
}

func startMetricsEndpoint(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = server.ListenAndServe()
	}()
}

func sampled(key string) bool {
	thr := samplingThreshold.Load()
	if thr == 0 {
		return false
	}
	return hashKey(key) <= thr
}

func hashKey(key string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	return h.Sum64()
}
