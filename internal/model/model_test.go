package model

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bbca/internal/behavior"
)

func sampleWith(typing float64, pressures []float64) *behavior.Sample {
	return &behavior.Sample{
		TypingSpeed:     typing,
		TapPressure:     pressures,
		SessionDuration: 2 * time.Minute,
		Click:           behavior.ClickPattern{Duration: 100},
		Usage:           behavior.UsageTrail{ScreenTime: 2 * time.Minute},
	}
}

func TestNewFromSample(t *testing.T) {
	s := sampleWith(50, []float64{40, 45})
	m := NewFromSample("user-1", s)

	assert.Equal(t, "user-1", m.UserID)
	assert.Equal(t, 50.0, m.TypingSpeed)
	assert.Equal(t, []float64{40, 45}, m.TapPressure)
	assert.Equal(t, behavior.DefaultSwipeVelocity, m.SwipeVelocity, "no gestures observed")
	assert.Equal(t, 0.3, m.Confidence)
	assert.Equal(t, 1, m.SamplesLearned)
}

func TestLearnMovesBaselineByEMA(t *testing.T) {
	m := NewFromSample("u", sampleWith(50, []float64{40}))
	m.Learn(sampleWith(60, []float64{50}))

	// baseline*0.9 + observed*0.1
	assert.InDelta(t, 51.0, m.TypingSpeed, 1e-9)
	assert.InDelta(t, 41.0, m.TapPressure[0], 1e-9)
	assert.Equal(t, 2, m.SamplesLearned)
}

func TestLearnConvergesTowardStableBehavior(t *testing.T) {
	m := NewFromSample("u", sampleWith(40, nil))
	for i := 0; i < 200; i++ {
		m.Learn(sampleWith(60, nil))
	}
	assert.InDelta(t, 60.0, m.TypingSpeed, 0.01)
}

func TestConfidenceGrowsMonotonicallyAndCaps(t *testing.T) {
	m := NewFromSample("u", sampleWith(50, nil))
	prev := m.Confidence
	for i := 0; i < 30; i++ {
		m.Learn(sampleWith(50, nil))
		assert.GreaterOrEqual(t, m.Confidence, prev)
		assert.LessOrEqual(t, m.Confidence, 1.0)
		prev = m.Confidence
	}
	assert.Equal(t, 1.0, m.Confidence)
}

func TestLearnShorterPressureSeriesKeepsBaseline(t *testing.T) {
	m := NewFromSample("u", sampleWith(50, []float64{40, 50, 60}))
	m.Learn(sampleWith(50, []float64{44}))

	assert.InDelta(t, 40.4, m.TapPressure[0], 1e-9)
	assert.Equal(t, 50.0, m.TapPressure[1], "no observation, baseline kept")
	assert.Equal(t, 60.0, m.TapPressure[2])
}

func TestClickHistoryIsBounded(t *testing.T) {
	m := NewFromSample("u", sampleWith(50, nil))
	for i := 0; i < 50; i++ {
		s := sampleWith(50, nil)
		s.Click.Pressure = float64(i)
		m.Learn(s)
	}
	assert.Len(t, m.ClickHistory, clickHistoryCap)
	assert.Equal(t, 49.0, m.ClickHistory[len(m.ClickHistory)-1].Pressure)
}

func TestAvgClickPressure(t *testing.T) {
	m := &BehaviorModel{}
	assert.Zero(t, m.AvgClickPressure())

	m.ClickHistory = []behavior.ClickPattern{{Pressure: 30}, {Pressure: 50}}
	assert.Equal(t, 40.0, m.AvgClickPressure())
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	m := NewFromSample("user-1", sampleWith(50, []float64{40}))
	require.NoError(t, store.Put(ctx, m))

	got, err := store.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, m.TypingSpeed, got.TypingSpeed)

	// Stored model is isolated from caller mutation.
	got.TapPressure[0] = 999
	again, err := store.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 40.0, again.TapPressure[0])

	require.NoError(t, store.Delete(ctx, "user-1"))
	_, err = store.Get(ctx, "user-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is fine.
	assert.NoError(t, store.Delete(ctx, "user-1"))
}
