package settings

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSettings(t *testing.T) *Settings {
	t.Helper()
	s, err := New(context.Background(), NewMemoryStore(), nil)
	require.NoError(t, err)
	return s
}

func ptr[T any](v T) *T { return &v }

func TestNewSeedsDefaults(t *testing.T) {
	store := NewMemoryStore()
	s, err := New(context.Background(), store, nil)
	require.NoError(t, err)

	cfg := s.Current()
	assert.True(t, cfg.Enabled)
	assert.Equal(t, SensitivityMedium, cfg.Sensitivity)
	assert.Equal(t, 5*time.Second, cfg.MonitoringInterval)
	assert.Equal(t, 0.7, cfg.AnomalyThreshold)
	assert.Equal(t, 0.8, cfg.ReAuthThreshold)
	assert.Equal(t, 30*time.Second, cfg.SessionTimeoutOnAnomaly)
	assert.True(t, cfg.PrivacyMode)
	assert.True(t, cfg.GDPRCompliant)

	// Defaults were persisted, not just held in memory.
	saved, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cfg, saved)
}

func TestNewLoadsPersistedConfig(t *testing.T) {
	store := NewMemoryStore()
	custom := Default()
	custom.Sensitivity = SensitivityHigh
	require.NoError(t, store.Save(context.Background(), custom))

	s, err := New(context.Background(), store, nil)
	require.NoError(t, err)
	assert.Equal(t, SensitivityHigh, s.Current().Sensitivity)
}

func TestUpdateAppliesPartialPatch(t *testing.T) {
	s := newSettings(t)

	cfg, rejected, err := s.Update(context.Background(), Patch{
		Sensitivity:        ptr(SensitivityHigh),
		MonitoringInterval: ptr(10 * time.Second),
	})
	require.NoError(t, err)
	assert.Empty(t, rejected)
	assert.Equal(t, SensitivityHigh, cfg.Sensitivity)
	assert.Equal(t, 10*time.Second, cfg.MonitoringInterval)
	assert.Equal(t, 0.7, cfg.AnomalyThreshold, "untouched field keeps its value")
}

func TestUpdateRejectsInvalidFieldKeepsRest(t *testing.T) {
	s := newSettings(t)

	cfg, rejected, err := s.Update(context.Background(), Patch{
		AnomalyThreshold: ptr(7.0),                  // invalid, must stay 0.7
		ReAuthThreshold:  ptr(0.9),                  // valid
		Sensitivity:      ptr(Sensitivity("turbo")), // invalid
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"anomalyThreshold", "sensitivity"}, rejected)
	assert.Equal(t, 0.7, cfg.AnomalyThreshold)
	assert.Equal(t, 0.9, cfg.ReAuthThreshold)
	assert.Equal(t, SensitivityMedium, cfg.Sensitivity)
}

func TestUpdateBroadcastsToSubscribers(t *testing.T) {
	s := newSettings(t)

	var got []Config
	cancel := s.Subscribe(func(c Config) { got = append(got, c) })

	_, _, err := s.Update(context.Background(), Patch{Enabled: ptr(false)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.False(t, got[0].Enabled)

	cancel()
	_, _, err = s.Update(context.Background(), Patch{Enabled: ptr(true)})
	require.NoError(t, err)
	assert.Len(t, got, 1, "unsubscribed callback not invoked")
}

func TestEffectiveInterval(t *testing.T) {
	cfg := Default()

	cfg.Sensitivity = SensitivityMedium
	assert.Equal(t, 5*time.Second, cfg.EffectiveInterval())

	cfg.Sensitivity = SensitivityHigh
	assert.Equal(t, 2500*time.Millisecond, cfg.EffectiveInterval())

	cfg.Sensitivity = SensitivityLow
	assert.Equal(t, 10*time.Second, cfg.EffectiveInterval())

	// High sensitivity never drives the interval below one second.
	cfg.Sensitivity = SensitivityHigh
	cfg.MonitoringInterval = time.Second
	assert.Equal(t, time.Second, cfg.EffectiveInterval())
}
