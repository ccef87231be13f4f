package risk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bbca/internal/behavior"
	"github.com/mbd888/bbca/internal/model"
)

var testThresholds = Thresholds{Anomaly: 0.7, ReAuth: 0.8}

// baselineModel is a settled profile: typing 45 wpm, pressure ~50,
// swipe 300 px/s, click pressure 50, ten-minute sessions.
func baselineModel(userID string) *model.BehaviorModel {
	return &model.BehaviorModel{
		UserID:          userID,
		TypingSpeed:     45,
		TapPressure:     []float64{50, 50},
		SwipeVelocity:   300,
		ScrollSpeed:     400,
		ClickHistory:    []behavior.ClickPattern{{Pressure: 50}},
		SessionDuration: 600,
		Confidence:      0.8,
		SamplesLearned:  11,
	}
}

// matchingSample reproduces the baseline exactly: zero deviation everywhere.
func matchingSample() *behavior.Sample {
	return &behavior.Sample{
		TypingSpeed:     45,
		TapPressure:     []float64{50, 50},
		SwipeGestures:   []behavior.SwipeGesture{{Velocity: 300}},
		Click:           behavior.ClickPattern{Pressure: 50},
		SessionDuration: 600 * time.Second,
	}
}

func TestScoreNewUserEstablishesBaseline(t *testing.T) {
	ctx := context.Background()
	store := model.NewMemoryStore()
	e := New(store)

	s := matchingSample()
	s.TypingSpeed = 45

	a, err := e.Score(ctx, "fresh", s, testThresholds)
	require.NoError(t, err)

	assert.Equal(t, LevelLow, a.Level)
	assert.Zero(t, a.Score)
	assert.False(t, a.AnomalyDetected)
	assert.False(t, a.RequiresAdditionalAuth)
	assert.Equal(t, []string{"New user - establishing baseline"}, a.Factors)
	assert.Equal(t, 0.5, a.Confidence)
	assert.Equal(t, 0.5, a.BehaviorScore)

	m, err := store.Get(ctx, "fresh")
	require.NoError(t, err)
	assert.InDelta(t, 45.0, m.TypingSpeed, 1e-9)
	assert.Equal(t, 0.3, m.Confidence)
}

func TestScoreTypingDeviationOnly(t *testing.T) {
	ctx := context.Background()
	store := model.NewMemoryStore()
	require.NoError(t, store.Put(ctx, baselineModel("u")))
	e := New(store)

	s := matchingSample()
	s.TypingSpeed = 10 // ~78% off baseline

	a, err := e.Score(ctx, "u", s, testThresholds)
	require.NoError(t, err)

	assert.Equal(t, 20.0, a.Score)
	assert.InDelta(t, 0.2, a.BehaviorScore, 1e-9)
	assert.Equal(t, LevelLow, a.Level)
	assert.Contains(t, a.Factors, "Unusual typing speed detected")
	assert.Contains(t, a.Recommendations, "Unusual typing pattern detected")
	assert.False(t, a.AnomalyDetected)
	assert.Empty(t, a.BlockedActions)
}

func TestScoreAllFeaturesDeviantIsCritical(t *testing.T) {
	ctx := context.Background()
	store := model.NewMemoryStore()
	require.NoError(t, store.Put(ctx, baselineModel("u")))

	// Orientation analyzer flags hard; the scroll analyzer stays silent.
	e := New(store, WithOrientationAnalyzer(AnalyzerFunc(
		func(*behavior.Sample, *model.BehaviorModel) float64 { return 0.9 },
	)))

	s := &behavior.Sample{
		TypingSpeed:     10,
		TapPressure:     []float64{90, 90},
		SwipeGestures:   []behavior.SwipeGesture{{Velocity: 600}},
		Click:           behavior.ClickPattern{Pressure: 90},
		SessionDuration: 60 * time.Second,
		Meta:            behavior.SessionMeta{Mobile: true},
	}

	a, err := e.Score(ctx, "u", s, testThresholds)
	require.NoError(t, err)

	assert.Equal(t, 105.0, a.Score)
	assert.InDelta(t, 1.05, a.BehaviorScore, 1e-9)
	assert.Equal(t, LevelCritical, a.Level)
	assert.True(t, a.AnomalyDetected)
	assert.True(t, a.RequiresAdditionalAuth)
	assert.ElementsMatch(t,
		[]string{ActionTransfer, ActionSettings, ActionAccountAccess},
		a.BlockedActions)
	assert.Contains(t, a.Recommendations, "Immediate re-authentication required")
}

func TestScoreOrientationIgnoredOffMobile(t *testing.T) {
	ctx := context.Background()
	store := model.NewMemoryStore()
	require.NoError(t, store.Put(ctx, baselineModel("u")))
	e := New(store, WithOrientationAnalyzer(AnalyzerFunc(
		func(*behavior.Sample, *model.BehaviorModel) float64 { return 0.9 },
	)))

	s := matchingSample()
	s.Meta.Mobile = false

	a, err := e.Score(ctx, "u", s, testThresholds)
	require.NoError(t, err)
	assert.Zero(t, a.Score)
	assert.Equal(t, LevelLow, a.Level)
}

func TestScoreMissingFeaturesContributeNothing(t *testing.T) {
	ctx := context.Background()
	store := model.NewMemoryStore()
	require.NoError(t, store.Put(ctx, baselineModel("u")))
	e := New(store)

	// An almost-empty sample: no swipes, no pressure series, zero typing
	// against a nonzero baseline does deviate, so zero that out too.
	s := &behavior.Sample{TypingSpeed: 45, Click: behavior.ClickPattern{Pressure: 50}}

	a, err := e.Score(ctx, "u", s, testThresholds)
	require.NoError(t, err)
	assert.Equal(t, LevelLow, a.Level)
	assert.NotContains(t, a.Factors, "Abnormal tap pressure pattern")
	assert.NotContains(t, a.Factors, "Unusual swipe patterns detected")
}

func TestScoreUpdatesBaselineAfterScoring(t *testing.T) {
	ctx := context.Background()
	store := model.NewMemoryStore()
	require.NoError(t, store.Put(ctx, baselineModel("u")))
	e := New(store)

	s := matchingSample()
	s.TypingSpeed = 10

	a, err := e.Score(ctx, "u", s, testThresholds)
	require.NoError(t, err)
	assert.Equal(t, 0.8, a.Confidence, "assessment reports pre-update confidence")

	m, err := store.Get(ctx, "u")
	require.NoError(t, err)
	assert.InDelta(t, 45*0.9+10*0.1, m.TypingSpeed, 1e-9, "model adapted even though flagged")
	assert.InDelta(t, 0.85, m.Confidence, 1e-9)
}

func TestReAuthImpliesAnomaly(t *testing.T) {
	ctx := context.Background()
	store := model.NewMemoryStore()
	require.NoError(t, store.Put(ctx, baselineModel("u")))
	e := New(store, WithOrientationAnalyzer(AnalyzerFunc(
		func(*behavior.Sample, *model.BehaviorModel) float64 { return 0.9 },
	)), WithScrollAnalyzer(AnalyzerFunc(
		func(*behavior.Sample, *model.BehaviorModel) float64 { return 0.9 },
	)))

	samples := []*behavior.Sample{
		matchingSample(),
		{TypingSpeed: 10, SessionDuration: 30 * time.Second},
		{
			TypingSpeed:     10,
			TapPressure:     []float64{95, 95},
			SwipeGestures:   []behavior.SwipeGesture{{Velocity: 700}},
			Click:           behavior.ClickPattern{Pressure: 95},
			SessionDuration: 30 * time.Second,
			Meta:            behavior.SessionMeta{Mobile: true},
		},
	}
	for _, s := range samples {
		a, err := e.Score(ctx, "u", s, testThresholds)
		require.NoError(t, err)
		if a.RequiresAdditionalAuth {
			assert.True(t, a.AnomalyDetected)
		}
		if a.Level == LevelCritical {
			assert.NotEmpty(t, a.BlockedActions)
		} else {
			assert.Empty(t, a.BlockedActions)
		}
	}
}

func TestLevelForMonotonic(t *testing.T) {
	scores := []float64{0, 10, 20, 35, 40, 55, 60, 90}
	behaviors := []float64{0, 0.2, 0.41, 0.5, 0.61, 0.7, 0.81, 1.0}

	for i, s := range scores {
		for j, b := range behaviors {
			l := levelFor(s, b)
			if i > 0 {
				assert.True(t, l.AtLeast(levelFor(scores[i-1], b)),
					"level must not decrease as score grows")
			}
			if j > 0 {
				assert.True(t, l.AtLeast(levelFor(s, behaviors[j-1])),
					"level must not decrease as behaviorScore grows")
			}
		}
	}

	assert.Equal(t, LevelCritical, levelFor(60, 0))
	assert.Equal(t, LevelCritical, levelFor(0, 0.81))
	assert.Equal(t, LevelHigh, levelFor(40, 0))
	assert.Equal(t, LevelMedium, levelFor(20, 0))
	assert.Equal(t, LevelLow, levelFor(19.9, 0.4))
}

func TestMaxLevel(t *testing.T) {
	assert.Equal(t, LevelCritical, MaxLevel(LevelLow, LevelCritical))
	assert.Equal(t, LevelHigh, MaxLevel(LevelHigh, LevelMedium))
	assert.Equal(t, LevelLow, MaxLevel(LevelLow, LevelLow))
}

func TestRatioZeroBaseline(t *testing.T) {
	assert.Zero(t, ratio(0, 100))
	assert.InDelta(t, 0.5, ratio(100, 50), 1e-9)
}
