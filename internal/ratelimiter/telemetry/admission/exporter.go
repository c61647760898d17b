package admission

import (
	"encoding/hex"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// keyAgg holds per-key sampled admission counts for the periodic top-N log.
type keyAgg struct {
	admits     atomic.Int64
	rejects    atomic.Int64
	lastUpdate atomic.Int64 // unix nano
}

var (
	agg sync.Map // map[uint64]*keyAgg

	snapshotRowsInternal atomic.Int64 // global committed rows across batches

	exporterMu   sync.Mutex
	exporterStop chan struct{}
	exporterDone chan struct{}
	currCfg      atomic.Value // stores Config
)

func startOrUpdateExporter(cfg Config) {
	exporterMu.Lock()
	defer exporterMu.Unlock()

	currCfg.Store(cfg)

	if exporterStop != nil {
		close(exporterStop)
		<-exporterDone
		exporterStop, exporterDone = nil, nil
	}
	if !cfg.Enabled || cfg.LogInterval <= 0 {
		return
	}
	exporterStop = make(chan struct{})
	exporterDone = make(chan struct{})
	go exporterLoop(exporterStop, exporterDone)
}

func exporterLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	cfgAny := currCfg.Load()
	cfg, _ := cfgAny.(Config)
	ticker := time.NewTicker(cfg.LogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			publishSnapshot()
		case <-stop:
			return
		}
	}
}

func publishSnapshot() {
	cfgAny := currCfg.Load()
	cfg, _ := cfgAny.(Config)

	type row struct {
		keyHash          uint64
		admits, rejects  int64
	}
	rows := make([]row, 0, 1024)
	var tracked int
	cutoff := time.Now().Add(-10 * time.Minute).UnixNano()
	agg.Range(func(k, v any) bool {
		ka := v.(*keyAgg)
		last := ka.lastUpdate.Load()
		if last > 0 && last < cutoff {
			agg.Delete(k)
			return true
		}
		tracked++
		rows = append(rows, row{keyHash: k.(uint64), admits: ka.admits.Load(), rejects: ka.rejects.Load()})
		return true
	})
	keysTracked.Set(float64(tracked))

	if events := eventsInternal.Load(); events > 0 {
		writes := snapshotRowsInternal.Load()
		ratio := 1.0 - float64(writes)/float64(events)
		if ratio < 0 {
			ratio = 0
		}
		snapshotReductionRatio.Set(ratio)
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].rejects > rows[j].rejects })
	if len(rows) > cfg.TopN {
		rows = rows[:cfg.TopN]
	}

	var topLine string
	if len(rows) > 0 {
		first := rows[0]
		topLine = fmt.Sprintf("top key=%s admits=%d rejects=%d", shortHash(first.keyHash, cfg.KeyHashLen), first.admits, first.rejects)
	} else {
		topLine = "top key: (none yet)"
	}

	ts := time.Now().Format(time.RFC3339)
	fmt.Printf("[%s] admission summary: tracked=%d sample=%.2f topN=%d\n", ts, tracked, cfg.SampleRate, cfg.TopN)
	fmt.Printf("  - %s\n", topLine)
}

func shortHash(h uint64, n int) string {
	if n <= 0 {
		n = 8
	}
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[7-i] = byte(h & 0xff)
		h >>= 8
	}
	s := hex.EncodeToString(b)
	if n < len(s) {
		return s[:n]
	}
	return s
}

func exporterRecordOutcome(keyHash uint64, admitted bool) {
	ka := getAgg(keyHash)
	if admitted {
		ka.admits.Add(1)
	} else {
		ka.rejects.Add(1)
	}
	ka.lastUpdate.Store(time.Now().UnixNano())
}

func getAgg(keyHash uint64) *keyAgg {
	if v, ok := agg.Load(keyHash); ok {
		return v.(*keyAgg)
	}
	ka := &keyAgg{}
	actual, _ := agg.LoadOrStore(keyHash, ka)
	return actual.(*keyAgg)
}

func exporterObserveBatchInternal(size int) {
	if size > 0 {
		snapshotRowsInternal.Add(int64(size))
	}
}
