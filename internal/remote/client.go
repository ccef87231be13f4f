// Package remote delegates scoring and training to a backend analysis
// service, with strict timeouts and a local fallback.
//
// Backend unavailability is an expected condition, not an error the
// caller sees: every failed analyze call degrades to the local engine,
// and the fallback result is low-risk by construction so an outage can
// never lock a user out.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mbd888/bbca/internal/behavior"
	"github.com/mbd888/bbca/internal/circuitbreaker"
	"github.com/mbd888/bbca/internal/events"
	"github.com/mbd888/bbca/internal/idgen"
	"github.com/mbd888/bbca/internal/retry"
	"github.com/mbd888/bbca/internal/risk"
	"github.com/mbd888/bbca/internal/settings"
)

// DefaultTimeout bounds every backend call.
const DefaultTimeout = 5 * time.Second

// Breaker keys, one circuit per endpoint.
const (
	keyAnalyze = "analyze"
	keyTrain   = "train"
	keyEvents  = "events"
	keyConfig  = "config"
)

// ErrUnavailable is returned by non-analyze calls when the backend
// cannot be reached (or its circuit is open).
var ErrUnavailable = errors.New("backend unavailable")

// ScoreFunc is the local scoring path used when the backend is down.
type ScoreFunc func(ctx context.Context, userID string, s *behavior.Sample) (*risk.Assessment, error)

// Client talks to the backend analysis service.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	breaker *circuitbreaker.Breaker
	local   ScoreFunc
	logger  *slog.Logger

	mu          sync.Mutex
	cancelPrior context.CancelFunc
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client (tests).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithTimeout overrides the per-call deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithBreaker replaces the per-endpoint circuit breaker.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(c *Client) { c.breaker = b }
}

// New creates a backend client. local is the fallback scoring path and
// must not be nil.
func New(baseURL string, local ScoreFunc, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{},
		timeout: DefaultTimeout,
		breaker: circuitbreaker.New(3, 30*time.Second),
		local:   local,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// analyzeResponse is the backend's analyze payload.
type analyzeResponse struct {
	RiskAssessment struct {
		AnomalyScore float64 `json:"anomaly_score"`
		IsAnomaly    bool    `json:"is_anomaly"`
		Confidence   float64 `json:"confidence"`
		RiskLevel    string  `json:"risk_level"`
	} `json:"riskAssessment"`
	Recommendations []string `json:"recommendations"`
	RequiresReAuth  bool     `json:"requiresReAuth"`
	BlockedActions  []string `json:"blockedActions"`
}

// Analyze sends one sample to the backend. A remote result supersedes
// local scoring; on any failure the local engine answers instead and
// the result is capped so it can never escalate beyond medium.
//
// A prior analyze still pending when the next call arrives is
// superseded: its context is cancelled rather than queued behind the
// new one, so at most one backend analyze is in flight per client.
func (c *Client) Analyze(ctx context.Context, userID string, s *behavior.Sample) (*risk.Assessment, error) {
	if !c.breaker.Allow(keyAnalyze) {
		return c.fallback(ctx, userID, s, errors.New("analyze circuit open"))
	}

	c.mu.Lock()
	if c.cancelPrior != nil {
		c.cancelPrior()
	}
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	c.cancelPrior = cancel
	c.mu.Unlock()
	defer cancel()

	body := map[string]any{"userId": userID, "behaviorData": s}
	var resp analyzeResponse
	if err := c.post(callCtx, "/api/bbca/analyze", body, &resp); err != nil {
		c.breaker.RecordFailure(keyAnalyze)
		return c.fallback(ctx, userID, s, err)
	}
	c.breaker.RecordSuccess(keyAnalyze)

	return c.toAssessment(userID, &resp), nil
}

// Train asks the backend to retrain the user's model. Transient
// failures retry with backoff; an open circuit fails fast.
func (c *Client) Train(ctx context.Context, userID string) error {
	if !c.breaker.Allow(keyTrain) {
		return fmt.Errorf("%w: train circuit open", ErrUnavailable)
	}

	err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		body := map[string]any{"userId": userID}
		if err := c.post(callCtx, "/api/bbca/train", body, nil); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		c.breaker.RecordFailure(keyTrain)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	c.breaker.RecordSuccess(keyTrain)
	return nil
}

// SecurityEvents fetches the backend's audit log for a user.
func (c *Client) SecurityEvents(ctx context.Context, userID string) ([]*events.SecurityEvent, error) {
	if !c.breaker.Allow(keyEvents) {
		return nil, fmt.Errorf("%w: events circuit open", ErrUnavailable)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var resp struct {
		Events []struct {
			EventType   string    `json:"event_type"`
			Severity    string    `json:"severity"`
			Description string    `json:"description"`
			Timestamp   time.Time `json:"timestamp"`
		} `json:"events"`
	}
	if err := c.get(callCtx, "/api/bbca/security-events/"+userID, &resp); err != nil {
		c.breaker.RecordFailure(keyEvents)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	c.breaker.RecordSuccess(keyEvents)

	result := make([]*events.SecurityEvent, 0, len(resp.Events))
	for _, e := range resp.Events {
		result = append(result, &events.SecurityEvent{
			ID:          idgen.WithPrefix("evt_"),
			UserID:      userID,
			Type:        e.EventType,
			Severity:    e.Severity,
			Description: e.Description,
			CreatedAt:   e.Timestamp,
		})
	}
	return result, nil
}

// remoteConfig is the backend's config wire form; durations are ms.
type remoteConfig struct {
	Enabled                 bool    `json:"enabled"`
	Sensitivity             string  `json:"sensitivity"`
	MonitoringInterval      int64   `json:"monitoringInterval"`
	AnomalyThreshold        float64 `json:"anomalyThreshold"`
	ReAuthThreshold         float64 `json:"reAuthThreshold"`
	SessionTimeoutOnAnomaly int64   `json:"sessionTimeoutOnAnomaly"`
	PrivacyMode             bool    `json:"privacyMode"`
	GDPRCompliant           bool    `json:"gdprCompliant"`
}

// FetchConfig pulls the backend's monitoring configuration as a patch
// ready for settings.Update.
func (c *Client) FetchConfig(ctx context.Context) (settings.Patch, error) {
	if !c.breaker.Allow(keyConfig) {
		return settings.Patch{}, fmt.Errorf("%w: config circuit open", ErrUnavailable)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var rc remoteConfig
	if err := c.get(callCtx, "/api/bbca/config", &rc); err != nil {
		c.breaker.RecordFailure(keyConfig)
		return settings.Patch{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	c.breaker.RecordSuccess(keyConfig)

	sens := settings.Sensitivity(rc.Sensitivity)
	interval := time.Duration(rc.MonitoringInterval) * time.Millisecond
	timeout := time.Duration(rc.SessionTimeoutOnAnomaly) * time.Millisecond
	return settings.Patch{
		Enabled:                 &rc.Enabled,
		Sensitivity:             &sens,
		MonitoringInterval:      &interval,
		AnomalyThreshold:        &rc.AnomalyThreshold,
		ReAuthThreshold:         &rc.ReAuthThreshold,
		SessionTimeoutOnAnomaly: &timeout,
		PrivacyMode:             &rc.PrivacyMode,
		GDPRCompliant:           &rc.GDPRCompliant,
	}, nil
}

// PushConfig uploads the local configuration to the backend.
func (c *Client) PushConfig(ctx context.Context, cfg settings.Config) error {
	if !c.breaker.Allow(keyConfig) {
		return fmt.Errorf("%w: config circuit open", ErrUnavailable)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body := remoteConfig{
		Enabled:                 cfg.Enabled,
		Sensitivity:             string(cfg.Sensitivity),
		MonitoringInterval:      cfg.MonitoringInterval.Milliseconds(),
		AnomalyThreshold:        cfg.AnomalyThreshold,
		ReAuthThreshold:         cfg.ReAuthThreshold,
		SessionTimeoutOnAnomaly: cfg.SessionTimeoutOnAnomaly.Milliseconds(),
		PrivacyMode:             cfg.PrivacyMode,
		GDPRCompliant:           cfg.GDPRCompliant,
	}
	if err := c.post(callCtx, "/api/bbca/config", body, nil); err != nil {
		c.breaker.RecordFailure(keyConfig)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	c.breaker.RecordSuccess(keyConfig)
	return nil
}

// fallback answers with the local engine, capped to be harmless:
// never above medium, never demanding re-auth, never blocking actions.
func (c *Client) fallback(ctx context.Context, userID string, s *behavior.Sample, cause error) (*risk.Assessment, error) {
	c.logger.Warn("backend analyze unavailable, falling back to local scoring",
		"user_id", userID, "error", cause)
	remoteFallbacks.Inc()

	a, err := c.local(ctx, userID, s)
	if err != nil {
		return nil, err
	}
	CapFallback(a)
	return a, nil
}

// CapFallback downgrades an assessment produced while the backend was
// unreachable. Backend unavailability alone must never escalate risk.
func CapFallback(a *risk.Assessment) {
	if a.Level.AtLeast(risk.LevelHigh) {
		a.Level = risk.LevelMedium
	}
	a.RequiresAdditionalAuth = false
	a.BlockedActions = nil
	a.Fallback = true
}

func (c *Client) toAssessment(userID string, resp *analyzeResponse) *risk.Assessment {
	behaviorScore := resp.RiskAssessment.AnomalyScore
	if behaviorScore < 0 {
		behaviorScore = -behaviorScore // isolation-forest scores go negative for outliers
	}
	if behaviorScore > 1 {
		behaviorScore = 1
	}

	a := &risk.Assessment{
		ID:                     idgen.WithPrefix("risk_"),
		UserID:                 userID,
		Level:                  risk.Level(resp.RiskAssessment.RiskLevel),
		BehaviorScore:          behaviorScore,
		Recommendations:        resp.Recommendations,
		RequiresAdditionalAuth: resp.RequiresReAuth,
		BlockedActions:         resp.BlockedActions,
		Confidence:             resp.RiskAssessment.Confidence,
		AnomalyDetected:        resp.RiskAssessment.IsAnomaly,
		EvaluatedAt:            time.Now(),
	}
	if a.Level.AtLeast(risk.LevelCritical) && len(a.BlockedActions) == 0 {
		a.BlockedActions = risk.BlockedActionsCritical()
	}
	if a.RequiresAdditionalAuth {
		a.AnomalyDetected = true
	}
	return a
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("backend returned %d: %s", resp.StatusCode, raw)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode backend response: %w", err)
	}
	return nil
}
