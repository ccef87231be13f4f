// Package settings owns the runtime-tunable monitoring configuration.
//
// The config is process-wide, hot-reloadable through partial updates,
// and broadcast to subscribers on every change. Persistence survives
// restarts; the scheduler, scoring engine, and session controller all
// read from here.
package settings

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Sensitivity selects how aggressively the engine samples and reacts.
type Sensitivity string

const (
	SensitivityLow    Sensitivity = "low"
	SensitivityMedium Sensitivity = "medium"
	SensitivityHigh   Sensitivity = "high"
)

func (s Sensitivity) valid() bool {
	switch s {
	case SensitivityLow, SensitivityMedium, SensitivityHigh:
		return true
	}
	return false
}

// Config is the full tunable surface.
type Config struct {
	Enabled                 bool          `json:"enabled"`
	Sensitivity             Sensitivity   `json:"sensitivity"`
	MonitoringInterval      time.Duration `json:"monitoringInterval"`
	AnomalyThreshold        float64       `json:"anomalyThreshold"`
	ReAuthThreshold         float64       `json:"reAuthThreshold"`
	SessionTimeoutOnAnomaly time.Duration `json:"sessionTimeoutOnAnomaly"`
	PrivacyMode             bool          `json:"privacyMode"`
	GDPRCompliant           bool          `json:"gdprCompliant"`
}

// Default returns the out-of-the-box configuration.
func Default() Config {
	return Config{
		Enabled:                 true,
		Sensitivity:             SensitivityMedium,
		MonitoringInterval:      5 * time.Second,
		AnomalyThreshold:        0.7,
		ReAuthThreshold:         0.8,
		SessionTimeoutOnAnomaly: 30 * time.Second,
		PrivacyMode:             true,
		GDPRCompliant:           true,
	}
}

// EffectiveInterval is the monitoring interval after the sensitivity
// tier is applied: high samples twice as often, low half as often.
func (c Config) EffectiveInterval() time.Duration {
	switch c.Sensitivity {
	case SensitivityHigh:
		iv := c.MonitoringInterval / 2
		if iv < time.Second {
			iv = time.Second
		}
		return iv
	case SensitivityLow:
		return c.MonitoringInterval * 2
	default:
		return c.MonitoringInterval
	}
}

// Patch is a partial config update; nil fields are left untouched.
type Patch struct {
	Enabled                 *bool          `json:"enabled,omitempty"`
	Sensitivity             *Sensitivity   `json:"sensitivity,omitempty"`
	MonitoringInterval      *time.Duration `json:"monitoringInterval,omitempty"`
	AnomalyThreshold        *float64       `json:"anomalyThreshold,omitempty"`
	ReAuthThreshold         *float64       `json:"reAuthThreshold,omitempty"`
	SessionTimeoutOnAnomaly *time.Duration `json:"sessionTimeoutOnAnomaly,omitempty"`
	PrivacyMode             *bool          `json:"privacyMode,omitempty"`
	GDPRCompliant           *bool          `json:"gdprCompliant,omitempty"`
}

// Store persists the single process-wide config record.
type Store interface {
	// Load returns the stored config, or ErrNotFound when none exists.
	Load(ctx context.Context) (Config, error)
	// Save writes the config, replacing any previous record.
	Save(ctx context.Context, cfg Config) error
}

// Settings serves the current config and applies hot updates.
type Settings struct {
	mu     sync.RWMutex
	cfg    Config
	store  Store
	logger *slog.Logger
	subs   map[int]func(Config)
	nextID int
}

// New loads persisted config (falling back to defaults on a missing or
// unreadable record) and returns the live settings handle.
func New(ctx context.Context, store Store, logger *slog.Logger) (*Settings, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Settings{
		store:  store,
		logger: logger,
		subs:   make(map[int]func(Config)),
	}

	cfg, err := store.Load(ctx)
	if err != nil {
		cfg = Default()
		if serr := store.Save(ctx, cfg); serr != nil {
			return nil, fmt.Errorf("failed to seed default config: %w", serr)
		}
		logger.Info("monitoring config initialized with defaults")
	}
	s.cfg = cfg
	return s, nil
}

// Current returns a snapshot of the active config.
func (s *Settings) Current() Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// Subscribe registers a callback invoked synchronously on every applied
// update. The returned function unsubscribes.
func (s *Settings) Subscribe(fn func(Config)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Update applies a partial config change. Each field validates
// independently: an invalid value is rejected (and reported in the
// returned slice) while the rest of the patch still applies. The merged
// config is persisted and broadcast to subscribers.
func (s *Settings) Update(ctx context.Context, p Patch) (Config, []string, error) {
	s.mu.Lock()

	cfg := s.cfg
	var rejected []string

	if p.Enabled != nil {
		cfg.Enabled = *p.Enabled
	}
	if p.Sensitivity != nil {
		if p.Sensitivity.valid() {
			cfg.Sensitivity = *p.Sensitivity
		} else {
			rejected = append(rejected, "sensitivity")
		}
	}
	if p.MonitoringInterval != nil {
		if *p.MonitoringInterval >= time.Second && *p.MonitoringInterval <= 5*time.Minute {
			cfg.MonitoringInterval = *p.MonitoringInterval
		} else {
			rejected = append(rejected, "monitoringInterval")
		}
	}
	if p.AnomalyThreshold != nil {
		if *p.AnomalyThreshold > 0 && *p.AnomalyThreshold <= 1 {
			cfg.AnomalyThreshold = *p.AnomalyThreshold
		} else {
			rejected = append(rejected, "anomalyThreshold")
		}
	}
	if p.ReAuthThreshold != nil {
		if *p.ReAuthThreshold > 0 && *p.ReAuthThreshold <= 1 {
			cfg.ReAuthThreshold = *p.ReAuthThreshold
		} else {
			rejected = append(rejected, "reAuthThreshold")
		}
	}
	if p.SessionTimeoutOnAnomaly != nil {
		if *p.SessionTimeoutOnAnomaly >= 5*time.Second && *p.SessionTimeoutOnAnomaly <= 10*time.Minute {
			cfg.SessionTimeoutOnAnomaly = *p.SessionTimeoutOnAnomaly
		} else {
			rejected = append(rejected, "sessionTimeoutOnAnomaly")
		}
	}
	if p.PrivacyMode != nil {
		cfg.PrivacyMode = *p.PrivacyMode
	}
	if p.GDPRCompliant != nil {
		cfg.GDPRCompliant = *p.GDPRCompliant
	}

	s.cfg = cfg
	subs := make([]func(Config), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	if err := s.store.Save(ctx, cfg); err != nil {
		// The in-memory config already changed; persistence catches up
		// on the next successful save.
		s.logger.Warn("failed to persist config update", "error", err)
	}
	if len(rejected) > 0 {
		s.logger.Warn("config update rejected invalid fields", "fields", rejected)
	}

	for _, fn := range subs {
		fn(cfg)
	}
	return cfg, rejected, nil
}
