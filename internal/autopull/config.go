package autopull

import (
	"context"
	"fmt"
	"time"

	"github.com/palss/localsync/internal/store"
)

const configKey = "autopull.config"

// Defaults for the replication schedule.
const (
	DefaultEnabled     = true
	DefaultIntervalSec = 60
	MinIntervalSec     = 5
)

// Config is the persisted replication schedule. It lives in the local
// store so every process over the same cache agrees on it.
type Config struct {
	Enabled     bool `json:"enabled"`
	IntervalSec int  `json:"interval_sec"`
}

// Interval returns the polling interval as a duration.
func (c Config) Interval() time.Duration {
	return time.Duration(c.IntervalSec) * time.Second
}

// Settings persists the replication schedule in the local store.
type Settings struct {
	store *store.Store
}

// NewSettings wires schedule persistence over the local store.
func NewSettings(st *store.Store) *Settings {
	return &Settings{store: st}
}

// Load reads the schedule, falling back to defaults when unset.
func (s *Settings) Load(ctx context.Context) (Config, error) {
	cfg := Config{Enabled: DefaultEnabled, IntervalSec: DefaultIntervalSec}
	if _, err := s.store.GetKV(ctx, configKey, &cfg); err != nil {
		return Config{}, fmt.Errorf("load pull config: %w", err)
	}
	if cfg.IntervalSec < MinIntervalSec {
		cfg.IntervalSec = DefaultIntervalSec
	}
	return cfg, nil
}

// Save persists the schedule.
func (s *Settings) Save(ctx context.Context, cfg Config) error {
	if cfg.IntervalSec < MinIntervalSec {
		return fmt.Errorf("pull interval %ds below minimum %ds", cfg.IntervalSec, MinIntervalSec)
	}
	if err := s.store.SetKV(ctx, configKey, cfg); err != nil {
		return fmt.Errorf("save pull config: %w", err)
	}
	return nil
}

// SetEnabled flips replication on or off, keeping the interval.
func (s *Settings) SetEnabled(ctx context.Context, enabled bool) (Config, error) {
	cfg, err := s.Load(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg.Enabled = enabled
	if err := s.Save(ctx, cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// SetInterval changes the polling interval.
func (s *Settings) SetInterval(ctx context.Context, seconds int) (Config, error) {
	cfg, err := s.Load(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg.IntervalSec = seconds
	if err := s.Save(ctx, cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
