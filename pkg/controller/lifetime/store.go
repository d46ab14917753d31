// Package lifetime implements durable, monotonic counters (tokens, energy,
// uptime, requests), grounded on original_source/controller/store.py's
// SQLite upsert idiom (applied here to a small key->float table) and on
// routes/monitoring.py's /lifetime-metrics field set.
package lifetime

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/moby/sys/atomicwriter"
)

// Default key names, per spec.md §3.
const (
	KeyTokensTotal          = "tokens_total"
	KeyPromptTokensTotal    = "prompt_tokens_total"
	KeyCompletionTokensTotal = "completion_tokens_total"
	KeyEnergyWh             = "energy_wh"
	KeyUptimeSeconds        = "uptime_seconds"
	KeyRequestsTotal        = "requests_total"
	KeyFirstStartedAt       = "first_started_at"
)

var defaultKeys = []string{
	KeyTokensTotal, KeyPromptTokensTotal, KeyCompletionTokensTotal,
	KeyEnergyWh, KeyUptimeSeconds, KeyRequestsTotal, KeyFirstStartedAt,
}

// Store is a persistent key->float64 map with synchronous, atomic writes.
// Every write is flushed to disk before returning, satisfying spec.md
// §8.3's "lifetime counters never observed to decrease across restarts"
// property.
type Store struct {
	mu     sync.Mutex
	path   string
	values map[string]float64
}

// Open loads (or initializes) the counters file at path. On first start,
// every default key is populated with zero and first_started_at is stamped
// with the current wall clock, per spec.md §4.G.
func Open(path string) (*Store, error) {
	s := &Store{path: path, values: map[string]float64{}}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, &s.values); err != nil {
			return nil, err
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	dirty := false
	for _, key := range defaultKeys {
		if _, ok := s.values[key]; !ok {
			s.values[key] = 0
			dirty = true
		}
	}
	if s.values[KeyFirstStartedAt] == 0 {
		s.values[KeyFirstStartedAt] = float64(time.Now().Unix())
		dirty = true
	}

	if dirty {
		if err := s.flushLocked(); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Get returns the current value of key, or 0 if unset.
func (s *Store) Get(key string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key]
}

// Set writes key to value and flushes synchronously.
func (s *Store) Set(key string, value float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return s.flushLocked()
}

// Increment adds delta to key and flushes synchronously, returning the new
// value. Concurrent increments serialize on the store's mutex, per
// spec.md §5.
func (s *Store) Increment(key string, delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] += delta
	if err := s.flushLocked(); err != nil {
		return 0, err
	}
	return s.values[key], nil
}

// GetAll returns a snapshot of every counter, matching the original's
// lifetime_store.get_all() used by the /lifetime-metrics endpoint.
func (s *Store) GetAll() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.values))
	for k, v := range s.values {
		out[k] = v
	}
	return out
}

func (s *Store) flushLocked() error {
	data, err := json.Marshal(s.values)
	if err != nil {
		return err
	}
	return atomicwriter.WriteFile(s.path, data, 0o644)
}

// DerivedMetrics computes the read-only fields routes/monitoring.py's
// /lifetime-metrics derives from the raw counters.
type DerivedMetrics struct {
	TokensTotal         float64 `json:"tokens_total"`
	RequestsTotal       float64 `json:"requests_total"`
	EnergyKWh           float64 `json:"energy_kwh"`
	UptimeHours         float64 `json:"uptime_hours"`
	KWhPerMillionTokens float64 `json:"kwh_per_million_tokens"`
	CurrentPowerWatts   float64 `json:"current_power_watts"`
	FirstStartedAt      float64 `json:"first_started_at"`
}

// Derive computes DerivedMetrics from a counters snapshot and the most
// recently observed instantaneous power draw (watts), per spec.md §4.E
// step 7.
func Derive(counters map[string]float64, currentPowerWatts float64) DerivedMetrics {
	energyWh := counters[KeyEnergyWh]
	tokens := counters[KeyTokensTotal]

	d := DerivedMetrics{
		TokensTotal:       tokens,
		RequestsTotal:     counters[KeyRequestsTotal],
		EnergyKWh:         energyWh / 1000,
		UptimeHours:       counters[KeyUptimeSeconds] / 3600,
		CurrentPowerWatts: currentPowerWatts,
		FirstStartedAt:    counters[KeyFirstStartedAt],
	}
	if tokens > 0 {
		d.KWhPerMillionTokens = d.EnergyKWh / (tokens / 1e6)
	}
	return d
}
