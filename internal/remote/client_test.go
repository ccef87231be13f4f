package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bbca/internal/behavior"
	"github.com/mbd888/bbca/internal/circuitbreaker"
	"github.com/mbd888/bbca/internal/risk"
	"github.com/mbd888/bbca/internal/settings"
)

func localHigh(_ context.Context, userID string, _ *behavior.Sample) (*risk.Assessment, error) {
	return &risk.Assessment{
		UserID:                 userID,
		Level:                  risk.LevelCritical,
		Score:                  80,
		RequiresAdditionalAuth: true,
		AnomalyDetected:        true,
		BlockedActions:         risk.BlockedActionsCritical(),
	}, nil
}

func TestAnalyzeMapsBackendResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/bbca/analyze", r.URL.Path)
		var req map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "u", req["userId"])

		_ = json.NewEncoder(w).Encode(map[string]any{
			"riskAssessment": map[string]any{
				"anomaly_score": -0.45,
				"is_anomaly":    true,
				"confidence":    0.72,
				"risk_level":    "high",
			},
			"recommendations": []string{"Additional verification recommended"},
			"requiresReAuth":  true,
			"blockedActions":  []string{},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, localHigh)
	a, err := c.Analyze(context.Background(), "u", &behavior.Sample{})
	require.NoError(t, err)

	assert.Equal(t, risk.LevelHigh, a.Level)
	assert.InDelta(t, 0.45, a.BehaviorScore, 1e-9)
	assert.Equal(t, 0.72, a.Confidence)
	assert.True(t, a.RequiresAdditionalAuth)
	assert.True(t, a.AnomalyDetected, "re-auth demand implies anomaly")
	assert.False(t, a.Fallback)
}

func TestAnalyzeFallsBackAndCapsLevel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := New(srv.URL, localHigh)
	a, err := c.Analyze(context.Background(), "u", &behavior.Sample{})
	require.NoError(t, err)

	assert.True(t, a.Fallback)
	assert.Equal(t, risk.LevelMedium, a.Level, "fallback never exceeds medium")
	assert.False(t, a.RequiresAdditionalAuth)
	assert.Empty(t, a.BlockedActions)
}

func TestAnalyzeUnreachableBackend(t *testing.T) {
	c := New("http://127.0.0.1:1", localHigh, WithTimeout(200*time.Millisecond))
	a, err := c.Analyze(context.Background(), "u", &behavior.Sample{})
	require.NoError(t, err, "backend absence is never a hard error")
	assert.True(t, a.Fallback)
}

func TestAnalyzeCircuitOpensAfterFailures(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := New(srv.URL, localHigh, WithBreaker(circuitbreaker.New(2, time.Minute)))
	for i := 0; i < 5; i++ {
		a, err := c.Analyze(context.Background(), "u", &behavior.Sample{})
		require.NoError(t, err)
		assert.True(t, a.Fallback)
	}
	assert.Equal(t, int64(2), hits.Load(), "circuit open short-circuits to fallback")
}

func TestTrainRetriesTransientFailure(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/bbca/train", r.URL.Path)
		if hits.Add(1) < 3 {
			http.Error(w, "not yet", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "trained"})
	}))
	defer srv.Close()

	c := New(srv.URL, localHigh)
	require.NoError(t, c.Train(context.Background(), "u"))
	assert.Equal(t, int64(3), hits.Load())
}

func TestTrainGivesUpEventually(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := New(srv.URL, localHigh)
	err := c.Train(context.Background(), "u")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestSecurityEventsFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/bbca/security-events/u", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"events": []map[string]any{{
				"event_type":  "behavior_anomaly",
				"severity":    "medium",
				"description": "Anomaly score: -0.312",
				"timestamp":   time.Now().UTC(),
			}},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, localHigh)
	evs, err := c.SecurityEvents(context.Background(), "u")
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, "behavior_anomaly", evs[0].Type)
	assert.Equal(t, "u", evs[0].UserID)
	assert.NotEmpty(t, evs[0].ID)
}

func TestCapFallbackProperties(t *testing.T) {
	for _, level := range []risk.Level{risk.LevelLow, risk.LevelMedium, risk.LevelHigh, risk.LevelCritical} {
		a := &risk.Assessment{
			Level:                  level,
			RequiresAdditionalAuth: true,
			BlockedActions:         risk.BlockedActionsCritical(),
		}
		CapFallback(a)
		assert.False(t, a.Level.AtLeast(risk.LevelHigh), "level %s not capped", level)
		assert.False(t, a.RequiresAdditionalAuth)
		assert.Empty(t, a.BlockedActions)
		assert.True(t, a.Fallback)
	}
}

func TestFetchConfig(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/bbca/config", r.URL.Path)
		require.Equal(t, http.MethodGet, r.Method)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"enabled":                 true,
			"sensitivity":             "high",
			"monitoringInterval":      3000,
			"anomalyThreshold":        0.65,
			"reAuthThreshold":         0.85,
			"sessionTimeoutOnAnomaly": 20000,
			"privacyMode":             false,
			"gdprCompliant":           true,
		})
	}))
	defer srv.Close()

	c := New(srv.URL, localHigh)
	p, err := c.FetchConfig(context.Background())
	require.NoError(t, err)

	require.NotNil(t, p.MonitoringInterval)
	assert.Equal(t, 3*time.Second, *p.MonitoringInterval)
	require.NotNil(t, p.Sensitivity)
	assert.Equal(t, "high", string(*p.Sensitivity))
	require.NotNil(t, p.AnomalyThreshold)
	assert.InDelta(t, 0.65, *p.AnomalyThreshold, 1e-9)
	require.NotNil(t, p.SessionTimeoutOnAnomaly)
	assert.Equal(t, 20*time.Second, *p.SessionTimeoutOnAnomaly)
}

func TestPushConfig(t *testing.T) {
	var got remoteConfig
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/bbca/config", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(srv.URL, localHigh)
	cfg := settings.Default()
	require.NoError(t, c.PushConfig(context.Background(), cfg))

	assert.Equal(t, int64(5000), got.MonitoringInterval)
	assert.Equal(t, "medium", got.Sensitivity)
	assert.True(t, got.PrivacyMode)
}

func TestConfigUnavailable(t *testing.T) {
	c := New("http://127.0.0.1:1", localHigh, WithTimeout(100*time.Millisecond))

	_, err := c.FetchConfig(context.Background())
	assert.ErrorIs(t, err, ErrUnavailable)

	err = c.PushConfig(context.Background(), settings.Default())
	assert.ErrorIs(t, err, ErrUnavailable)
}
