package admission

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestEnableSamplingAndRequests verifies Enable config, sampling edge cases,
// and ObserveAdmission counters.
func TestEnableSamplingAndRequests(t *testing.T) {
	t.Cleanup(func() { Enable(Config{Enabled: false, LogInterval: 0}) })

	// Sample none
	Enable(Config{Enabled: true, SampleRate: 0, LogInterval: 0})
	if !Enabled() {
		t.Fatalf("module should be enabled")
	}
	if sampled("any") {
		t.Fatalf("expected sampled=false when SampleRate=0")
	}

	beforeAdmits := testutil.ToFloat64(admitsTotal)
	ObserveAdmission("k0", true)
	afterAdmits := testutil.ToFloat64(admitsTotal)
	if afterAdmits-beforeAdmits != 1 {
		t.Fatalf("admitsTotal delta = %v, want 1", afterAdmits-beforeAdmits)
	}

	beforeRejects := testutil.ToFloat64(rejectsTotal)
	ObserveAdmission("k0", false)
	afterRejects := testutil.ToFloat64(rejectsTotal)
	if afterRejects-beforeRejects != 1 {
		t.Fatalf("rejectsTotal delta = %v, want 1", afterRejects-beforeRejects)
	}

	// Sample all
	Enable(Config{Enabled: true, SampleRate: 1, LogInterval: 0})
	if !sampled("any") {
		t.Fatalf("expected sampled=true when SampleRate=1")
	}

	beforeWrites := testutil.ToFloat64(snapshotWritesTotal)
	ObserveSnapshotBatch(5)
	afterWrites := testutil.ToFloat64(snapshotWritesTotal)
	if afterWrites-beforeWrites != 5 {
		t.Fatalf("snapshotWritesTotal delta = %v, want 5", afterWrites-beforeWrites)
	}

	beforeErr := testutil.ToFloat64(snapshotErrorsTotal)
	ObserveSnapshotError(2)
	afterErr := testutil.ToFloat64(snapshotErrorsTotal)
	if int(afterErr-beforeErr) != 2 {
		t.Fatalf("snapshotErrorsTotal delta = %v, want 2", afterErr-beforeErr)
	}
}

// TestObserverGuards_ReturnFast executes the guard-return branches when the
// module is disabled or given non-positive sizes.
func TestObserverGuards_ReturnFast(t *testing.T) {
	Enable(Config{Enabled: false, LogInterval: 0})
	// All of these should be no-ops without panicking.
	ObserveAdmission("x", true)
	ObserveSnapshotBatch(5)
	ObserveSnapshotError(1)

	Enable(Config{Enabled: true, SampleRate: 1, LogInterval: 0})
	t.Cleanup(func() { Enable(Config{Enabled: false, LogInterval: 0}) })
	ObserveSnapshotBatch(0)
	ObserveSnapshotError(0)
}

// TestExporterSnapshot_TracksAndEvicts exercises publishSnapshot's top-N
// tracking and eviction-by-age behavior.
func TestExporterSnapshot_TracksAndEvicts(t *testing.T) {
	Enable(Config{Enabled: true, SampleRate: 1, LogInterval: 0, TopN: 5, KeyHashLen: 4})
	t.Cleanup(func() { Enable(Config{Enabled: false, LogInterval: 0}) })

	ObserveAdmission("snap-key", true)
	ObserveAdmission("snap-key", false)
	publishSnapshot()

	kh := hashKey("snap-key")
	if _, ok := agg.Load(kh); !ok {
		t.Fatalf("expected sampled key to be tracked after publishSnapshot")
	}

	// Force an old entry and confirm it gets evicted on the next snapshot.
	oldHash := uint64(0xdeadbeef)
	ka := &keyAgg{}
	ka.lastUpdate.Store(time.Now().Add(-20 * time.Minute).UnixNano())
	agg.Store(oldHash, ka)

	publishSnapshot()

	if _, ok := agg.Load(oldHash); ok {
		t.Fatalf("expected stale aggregator entry to be evicted during snapshot")
	}
}

// TestExporterLoop_StartStop starts the periodic exporter loop and then
// stops it via reconfiguration.
func TestExporterLoop_StartStop(t *testing.T) {
	Enable(Config{Enabled: true, SampleRate: 1, LogInterval: 5 * time.Millisecond, TopN: 2, KeyHashLen: 4})
	ObserveAdmission("loop-key", true)
	ObserveSnapshotBatch(1)

	time.Sleep(20 * time.Millisecond)
	Enable(Config{Enabled: false, LogInterval: 0})
}

// TestShortHash checks the hex-truncation helper used for anonymized keys.
func TestShortHash(t *testing.T) {
	if got := shortHash(0x1122334455667788, 4); len(got) != 4 {
		t.Fatalf("shortHash length mismatch: got %q", got)
	}
	if got := shortHash(0x1122334455667788, 20); len(got) != 16 {
		t.Fatalf("shortHash should clamp to the full 16 hex chars, got %q", got)
	}
}

// TestEnableStartsMetricsEndpoint goes through the Enable path that starts a
// standalone /metrics server.
func TestEnableStartsMetricsEndpoint(t *testing.T) {
	Enable(Config{Enabled: true, SampleRate: 1, LogInterval: 0, MetricsAddr: ":0"})
	time.Sleep(5 * time.Millisecond)
	Enable(Config{Enabled: false, LogInterval: 0})
}
