// Package config loads the on-disk settings file (spec.md §4.5
// ReloadSettings) and exposes it through an atomic.Pointer so handlers
// always read a consistent snapshot without blocking a concurrent reload.
// Shaped after yanet2's yncp.LoadConfig: a plain YAML-tagged struct decoded
// with gopkg.in/yaml.v3.
package config

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"ringboard/internal/layout"
	"ringboard/internal/logging"
)

// Settings is the full reloadable configuration surface. Ring and bucket
// geometry are fixed at creation time (spec.md §2 "capacity is fixed at
// creation") and are deliberately absent here.
type Settings struct {
	Logging logging.Config `yaml:"logging"`

	// GC holds the thresholds GarbageCollect uses when a request omits an
	// explicit max_wasted_bytes (spec.md §4.6).
	GC GCSettings `yaml:"gc"`

	// Backpressure bounds the reactor's outstanding-connection watermark
	// (spec.md §4.3 "Backpressure").
	Backpressure BackpressureSettings `yaml:"backpressure"`
}

// GCSettings controls default garbage-collection behavior.
type GCSettings struct {
	// SoftThresholdBytes substitutes for a request's max_wasted_bytes when
	// the client passes the sentinel "use default" value.
	SoftThresholdBytes uint64 `yaml:"soft_threshold_bytes"`
	// Dedup enables cross-ring duplicate merging during maximal GC passes
	// (spec.md §4.6 "Deduplication").
	Dedup bool `yaml:"dedup"`
}

// BackpressureSettings bounds reactor admission control.
type BackpressureSettings struct {
	MaxInFlightConns int           `yaml:"max_in_flight_conns"`
	IngestDeadline   time.Duration `yaml:"ingest_deadline"`
}

// Default returns the settings used when no file is present yet.
func Default() Settings {
	return Settings{
		Logging: logging.Config{Level: zapcore.InfoLevel},
		GC: GCSettings{
			SoftThresholdBytes: 4 << 20,
			Dedup:              true,
		},
		Backpressure: BackpressureSettings{
			MaxInFlightConns: 256,
			IngestDeadline:   30 * time.Second,
		},
	}
}

// Load reads and parses the settings file, writing a default one if absent
// (spec.md §4.5 "settings are durable across restarts").
func Load(dir layout.Dir) (Settings, error) {
	path := dir.Settings()
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		s := Default()
		if werr := Save(dir, s); werr != nil {
			return Settings{}, werr
		}
		return s, nil
	}
	if err != nil {
		return Settings{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	s := Default()
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return Settings{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return s, nil
}

// Save writes s to dir's settings file.
func Save(dir layout.Dir, s Settings) error {
	raw, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("config: marshal settings: %w", err)
	}
	if err := os.WriteFile(dir.Settings(), raw, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", dir.Settings(), err)
	}
	return nil
}

// Store is the atomically-swappable holder handlers read from. ReloadSettings
// re-reads the file from disk and swaps the pointer; in-flight requests that
// already loaded the old snapshot run to completion against it (spec.md §4.5
// "ReloadSettings does not affect in-flight operations").
type Store struct {
	dir layout.Dir
	ptr atomic.Pointer[Settings]
}

// NewStore loads the initial settings and returns a Store.
func NewStore(dir layout.Dir) (*Store, error) {
	s, err := Load(dir)
	if err != nil {
		return nil, err
	}
	st := &Store{dir: dir}
	st.ptr.Store(&s)
	return st, nil
}

// Get returns the current settings snapshot.
func (s *Store) Get() Settings {
	return *s.ptr.Load()
}

// Reload re-reads the settings file from disk and atomically swaps it in.
func (s *Store) Reload() (Settings, error) {
	next, err := Load(s.dir)
	if err != nil {
		return Settings{}, err
	}
	s.ptr.Store(&next)
	return next, nil
}
