package monitor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bbca/internal/behavior"
	"github.com/mbd888/bbca/internal/risk"
	"github.com/mbd888/bbca/internal/settings"
)

func testSettings(t *testing.T, interval time.Duration) *settings.Settings {
	t.Helper()
	store := settings.NewMemoryStore()
	cfg := settings.Default()
	cfg.MonitoringInterval = interval
	require.NoError(t, store.Save(context.Background(), cfg))

	s, err := settings.New(context.Background(), store, nil)
	require.NoError(t, err)
	return s
}

func lowScore(ctx context.Context, userID string, _ *behavior.Sample) (*risk.Assessment, error) {
	return &risk.Assessment{UserID: userID, Level: risk.LevelLow}, nil
}

func TestSchedulerPublishesAssessments(t *testing.T) {
	st := testSettings(t, 10*time.Millisecond)
	out := make(chan *risk.Assessment, 64)

	s := NewScheduler("u", behavior.NewSimulatedCollector(1, behavior.SessionMeta{}),
		lowScore, func(a *risk.Assessment) { out <- a }, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	var got *risk.Assessment
	select {
	case got = <-out:
	case <-time.After(time.Second):
		t.Fatal("no assessment published")
	}
	assert.Equal(t, "u", got.UserID)
	s.Stop()
}

func TestSchedulerStopCancelsFutureTicks(t *testing.T) {
	st := testSettings(t, 10*time.Millisecond)
	var ticks atomic.Int64

	s := NewScheduler("u", behavior.NewSimulatedCollector(1, behavior.SessionMeta{}),
		lowScore, func(*risk.Assessment) { ticks.Add(1) }, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)

	require.Eventually(t, func() bool { return ticks.Load() > 0 },
		time.Second, time.Millisecond)
	s.Stop()
	require.Eventually(t, func() bool { return !s.Running() },
		time.Second, time.Millisecond)

	settled := ticks.Load()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, settled, ticks.Load(), "no ticks after stop")
}

func TestSchedulerPicksUpConfigChangeWithoutRestart(t *testing.T) {
	// Start with an interval far beyond the test horizon, then shrink it
	// through a live config update.
	st := testSettings(t, 5*time.Minute)
	var ticks atomic.Int64

	s := NewScheduler("u", behavior.NewSimulatedCollector(1, behavior.SessionMeta{}),
		lowScore, func(*risk.Assessment) { ticks.Add(1) }, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)
	defer s.Stop()

	require.Eventually(t, func() bool { return s.Running() },
		time.Second, time.Millisecond)
	assert.Zero(t, ticks.Load())

	iv := time.Second
	_, rejected, err := st.Update(context.Background(), settings.Patch{MonitoringInterval: &iv})
	require.NoError(t, err)
	require.Empty(t, rejected)

	require.Eventually(t, func() bool { return ticks.Load() > 0 },
		5*time.Second, 10*time.Millisecond)
}

func TestSchedulerSkipsCyclesWhenDisabled(t *testing.T) {
	st := testSettings(t, 10*time.Millisecond)
	enabled := false
	_, _, err := st.Update(context.Background(), settings.Patch{Enabled: &enabled})
	require.NoError(t, err)

	var ticks atomic.Int64
	s := NewScheduler("u", behavior.NewSimulatedCollector(1, behavior.SessionMeta{}),
		lowScore, func(*risk.Assessment) { ticks.Add(1) }, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Start(ctx)
	defer s.Stop()

	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, ticks.Load())
}

func TestCurrentIntervalAppliesSensitivityAndPower(t *testing.T) {
	st := testSettings(t, 10*time.Second)
	battery := NewBattery()

	s := NewScheduler("u", behavior.NewSimulatedCollector(1, behavior.SessionMeta{}),
		lowScore, func(*risk.Assessment) {}, st, WithPowerObserver(battery))

	assert.Equal(t, 10*time.Second, s.currentInterval())

	hi := settings.SensitivityHigh
	_, _, err := st.Update(context.Background(), settings.Patch{Sensitivity: &hi})
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, s.currentInterval())

	battery.SetLevel(0.1)
	assert.Equal(t, 10*time.Second, s.currentInterval(), "low battery doubles the interval")

	battery.SetLevel(0.9)
	assert.Equal(t, 5*time.Second, s.currentInterval())
}

func TestBatteryFactor(t *testing.T) {
	b := NewBattery()
	assert.Equal(t, 1, b.SlowdownFactor())

	var kicked atomic.Int64
	b.OnChange(func() { kicked.Add(1) })

	b.SetLevel(0.15)
	assert.Equal(t, 2, b.SlowdownFactor())
	assert.Equal(t, int64(1), kicked.Load())

	b.SetLevel(0.1)
	assert.Equal(t, int64(1), kicked.Load(), "no change in factor, no kick")

	b.SetLevel(0.8)
	assert.Equal(t, 1, b.SlowdownFactor())
	assert.Equal(t, int64(2), kicked.Load())
}
