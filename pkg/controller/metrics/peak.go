package metrics

import "sync"

// peakRecord holds the best-ever-observed throughput/latency for one served
// model name across the process lifetime.
type peakRecord struct {
	tokensPerSecond  float64
	timeToFirstToken float64
	haveTTFT         bool
}

// PeakStore tracks, in memory, the highest observed tokens/second and
// lowest observed time-to-first-token per served model name, merged
// read-only into each metrics event. Supplemented feature per
// SPEC_FULL.md §12, grounded on original_source/controller/app.py's
// peak_store.get(model_id) merge and routes/monitoring.py's peak fields;
// unlike the Python original's SQLite-backed PeakMetricsStore, this one is
// explicitly in-memory only (spec.md's non-goals exclude the recipe/
// benchmark persistence layer this would otherwise ride on).
type PeakStore struct {
	mu      sync.Mutex
	records map[string]peakRecord
}

// NewPeakStore constructs an empty PeakStore.
func NewPeakStore() *PeakStore {
	return &PeakStore{records: map[string]peakRecord{}}
}

// Observe folds a new sample for modelID into its running best.
func (p *PeakStore) Observe(modelID string, tokensPerSecond, timeToFirstToken float64, haveTTFT bool) {
	if modelID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	rec := p.records[modelID]
	if tokensPerSecond > rec.tokensPerSecond {
		rec.tokensPerSecond = tokensPerSecond
	}
	if haveTTFT && (!rec.haveTTFT || timeToFirstToken < rec.timeToFirstToken) {
		rec.timeToFirstToken = timeToFirstToken
		rec.haveTTFT = true
	}
	p.records[modelID] = rec
}

// Get returns modelID's current peak record, if any.
func (p *PeakStore) Get(modelID string) (peakTokensPerSecond float64, bestTimeToFirstToken float64, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, found := p.records[modelID]
	if !found {
		return 0, 0, false
	}
	return rec.tokensPerSecond, rec.timeToFirstToken, rec.haveTTFT
}
