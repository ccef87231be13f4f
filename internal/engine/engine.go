// Package engine wires the behavioral authentication pipeline together:
// collectors feed the scheduler, assessments flow through the session
// state machine, the event log, and the realtime hub. It is the single
// entry point the HTTP layer talks to.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/bbca/internal/behavior"
	"github.com/mbd888/bbca/internal/events"
	"github.com/mbd888/bbca/internal/idgen"
	"github.com/mbd888/bbca/internal/metrics"
	"github.com/mbd888/bbca/internal/model"
	"github.com/mbd888/bbca/internal/monitor"
	"github.com/mbd888/bbca/internal/realtime"
	"github.com/mbd888/bbca/internal/remote"
	"github.com/mbd888/bbca/internal/risk"
	"github.com/mbd888/bbca/internal/session"
	"github.com/mbd888/bbca/internal/settings"
	"github.com/mbd888/bbca/internal/syncutil"
	"github.com/mbd888/bbca/internal/traces"
)

// ErrNotMonitored is returned for session actions on users without a
// live monitored session.
var ErrNotMonitored = errors.New("user is not being monitored")

// CollectorFactory builds the behavior source for a user's monitoring
// session. The default produces a seeded simulated collector; real
// deployments plug in a Tracker fed by client-side events.
type CollectorFactory func(userID string, meta behavior.SessionMeta) behavior.Collector

// Engine coordinates scoring, sessions, and monitoring for all users.
type Engine struct {
	models   model.Store
	events   events.Store
	scorer   *risk.Engine
	settings *settings.Settings
	hub      *realtime.Hub
	remote   *remote.Client // nil when no backend is configured
	logger   *slog.Logger

	collectorFor CollectorFactory
	power        monitor.PowerObserver

	mu       sync.Mutex
	monitors map[string]*monitored
	last     map[string]*risk.Assessment

	// Scoring and training are read-modify-write cycles on the model
	// store; serialize them per user.
	scoreMu syncutil.ShardedMutex
}

// monitored is the per-user session bundle: one scheduler, one state
// machine, one cancelable context.
type monitored struct {
	scheduler *monitor.Scheduler
	session   *session.Controller
	cancel    context.CancelFunc
}

// Option configures the engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithRemote plugs in the backend analysis client. Without it all
// scoring stays on-device.
func WithRemote(c *remote.Client) Option {
	return func(e *Engine) { e.remote = c }
}

// WithCollectorFactory overrides how per-user collectors are built.
func WithCollectorFactory(f CollectorFactory) Option {
	return func(e *Engine) { e.collectorFor = f }
}

// WithPowerObserver sets the resource observer handed to schedulers.
func WithPowerObserver(p monitor.PowerObserver) Option {
	return func(e *Engine) { e.power = p }
}

// New builds the engine. The risk scorer shares the model store so
// analysis and training see the same baselines.
func New(models model.Store, evs events.Store, st *settings.Settings, hub *realtime.Hub, opts ...Option) *Engine {
	e := &Engine{
		models:   models,
		events:   evs,
		settings: st,
		hub:      hub,
		logger:   slog.Default(),
		power:    monitor.AlwaysOn{},
		monitors: make(map[string]*monitored),
		last:     make(map[string]*risk.Assessment),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.collectorFor = defaultCollectorFactory(e.collectorFor)
	e.scorer = risk.New(models, risk.WithLogger(e.logger))
	return e
}

func defaultCollectorFactory(f CollectorFactory) CollectorFactory {
	if f != nil {
		return f
	}
	return func(userID string, meta behavior.SessionMeta) behavior.Collector {
		return behavior.NewSimulatedCollector(time.Now().UnixNano(), meta)
	}
}

// Score runs one sample through the scoring pipeline without side
// effects. Remote analysis is used when a backend is configured and
// privacy mode is off; everything else scores locally.
func (e *Engine) Score(ctx context.Context, userID string, s *behavior.Sample) (*risk.Assessment, error) {
	unlock := e.scoreMu.Lock(userID)
	defer unlock()

	cfg := e.settings.Current()
	th := risk.Thresholds{Anomaly: cfg.AnomalyThreshold, ReAuth: cfg.ReAuthThreshold}

	enrolling := false
	if _, err := e.models.Get(ctx, userID); errors.Is(err, model.ErrNotFound) {
		enrolling = true
	}

	var (
		a   *risk.Assessment
		err error
	)
	if e.remote != nil && !cfg.PrivacyMode {
		ctx, span := traces.StartSpan(ctx, "engine.score", traces.UserID(userID), traces.ScorePath("remote"))
		a, err = e.remote.Analyze(ctx, userID, s)
		span.End()
	} else {
		ctx, span := traces.StartSpan(ctx, "engine.score", traces.UserID(userID), traces.ScorePath("local"))
		a, err = e.scorer.Score(ctx, userID, s, th)
		span.End()
	}
	if err != nil {
		return nil, err
	}
	if enrolling {
		metrics.ModelsEnrolledTotal.Inc()
	}
	return a, nil
}

// Analyze scores a sample and pushes the result through the full
// pipeline: metrics, event log, session state machine, realtime hub.
func (e *Engine) Analyze(ctx context.Context, userID string, s *behavior.Sample) (*risk.Assessment, error) {
	a, err := e.Score(ctx, userID, s)
	if err != nil {
		return nil, err
	}
	e.Publish(ctx, a)
	return a, nil
}

// Publish routes an assessment to every downstream consumer. Also used
// for assessments arriving over the backend push channel.
func (e *Engine) Publish(ctx context.Context, a *risk.Assessment) {
	metrics.AssessmentsTotal.WithLabelValues(string(a.Level)).Inc()

	e.mu.Lock()
	e.last[a.UserID] = a
	m := e.monitors[a.UserID]
	e.mu.Unlock()

	e.hub.BroadcastAssessment(a)

	if a.AnomalyDetected {
		metrics.AnomaliesTotal.Inc()
		e.logAnomaly(ctx, a)
	}
	if a.RequiresAdditionalAuth {
		metrics.ReauthRequestsTotal.Inc()
	}

	if m != nil {
		m.session.HandleAssessment(a)
	}
}

func (e *Engine) logAnomaly(ctx context.Context, a *risk.Assessment) {
	desc := "Behavioral anomaly detected"
	if len(a.Factors) > 0 {
		desc = strings.Join(a.Factors, "; ")
	}
	snapshot, _ := json.Marshal(map[string]any{
		"score":         a.Score,
		"behaviorScore": a.BehaviorScore,
		"confidence":    a.Confidence,
	})
	ev := &events.SecurityEvent{
		ID:          idgen.WithPrefix("evt_"),
		UserID:      a.UserID,
		Type:        events.TypeBehaviorAnomaly,
		Severity:    string(a.Level),
		Description: desc,
		Snapshot:    snapshot,
		CreatedAt:   time.Now().UTC(),
	}
	if a.RequiresAdditionalAuth {
		ev.Type = events.TypeReauthRequired
	}
	if err := e.events.Append(ctx, ev); err != nil {
		e.logger.Warn("event log append failed", "user_id", a.UserID, "error", err)
	}
	e.hub.BroadcastSecurityAlert(ev)
}

// Login authenticates a user and starts behavioral monitoring for the
// session. Returns session.ErrAlreadyAuthenticated for a live session.
func (e *Engine) Login(ctx context.Context, userID string, meta behavior.SessionMeta) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.monitors[userID]; ok {
		return session.ErrAlreadyAuthenticated
	}

	ctrl := session.NewController(session.Callbacks{
		OnReAuthRequired: func(uid string) {
			e.logger.Info("re-authentication required", "user_id", uid)
		},
		OnSessionTimeout: func(uid string) {
			e.onSessionTimeout(uid)
		},
		OnStateChange: func(uid string, from, to session.State) {
			// Callbacks outlive the login request; never reuse its context.
			e.onStateChange(context.Background(), uid, from, to)
		},
	},
		session.WithLogger(e.logger),
		session.WithLockDelay(func() time.Duration {
			return e.settings.Current().SessionTimeoutOnAnomaly
		}),
	)
	if err := ctrl.Login(userID); err != nil {
		return err
	}

	collector := e.collectorFor(userID, meta)
	sched := monitor.NewScheduler(userID, collector, e.Score,
		func(a *risk.Assessment) { e.Publish(context.Background(), a) },
		e.settings,
		monitor.WithLogger(e.logger),
		monitor.WithPowerObserver(e.power),
	)

	runCtx, cancel := context.WithCancel(context.Background())
	e.monitors[userID] = &monitored{scheduler: sched, session: ctrl, cancel: cancel}
	go sched.Start(runCtx)
	metrics.ActiveMonitors.Inc()

	e.logger.Info("monitoring started", "user_id", userID, "mobile", meta.Mobile)
	return nil
}

// Logout ends the user's session and stops monitoring.
func (e *Engine) Logout(userID string) error {
	e.mu.Lock()
	m, ok := e.monitors[userID]
	if ok {
		delete(e.monitors, userID)
	}
	e.mu.Unlock()
	if !ok {
		return ErrNotMonitored
	}

	m.session.Logout()
	e.stopMonitor(m, userID)
	return nil
}

// onSessionTimeout fires when the state machine locks or idles out a
// session. Monitoring stops with it.
func (e *Engine) onSessionTimeout(userID string) {
	e.mu.Lock()
	m, ok := e.monitors[userID]
	if ok {
		delete(e.monitors, userID)
	}
	e.mu.Unlock()
	if ok {
		e.stopMonitor(m, userID)
	}
}

func (e *Engine) stopMonitor(m *monitored, userID string) {
	m.scheduler.Stop()
	m.cancel()
	metrics.ActiveMonitors.Dec()
	e.logger.Info("monitoring stopped", "user_id", userID)
}

func (e *Engine) onStateChange(ctx context.Context, userID string, from, to session.State) {
	e.hub.BroadcastSessionState(userID, string(from), string(to))
	if to != session.StateLocked {
		return
	}
	metrics.SessionLocksTotal.Inc()
	ev := &events.SecurityEvent{
		ID:          idgen.WithPrefix("evt_"),
		UserID:      userID,
		Type:        events.TypeSessionLocked,
		Severity:    string(risk.LevelCritical),
		Description: "Session locked after sustained critical risk",
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.events.Append(ctx, ev); err != nil {
		e.logger.Warn("event log append failed", "user_id", userID, "error", err)
	}
	e.hub.BroadcastSecurityAlert(ev)
}

// Reauthenticate clears a pending re-auth demand for the user.
func (e *Engine) Reauthenticate(userID string) error {
	ctrl, err := e.sessionFor(userID)
	if err != nil {
		return err
	}
	return ctrl.Reauthenticate()
}

// Dismiss acknowledges a non-critical anomaly alert.
func (e *Engine) Dismiss(userID string) error {
	ctrl, err := e.sessionFor(userID)
	if err != nil {
		return err
	}
	return ctrl.Dismiss()
}

// Touch records user activity, deferring the idle timeout.
func (e *Engine) Touch(userID string) error {
	ctrl, err := e.sessionFor(userID)
	if err != nil {
		return err
	}
	ctrl.Touch()
	return nil
}

// SessionState returns the user's current session state.
func (e *Engine) SessionState(userID string) (session.State, error) {
	ctrl, err := e.sessionFor(userID)
	if err != nil {
		return session.StateUnauthenticated, err
	}
	return ctrl.State(), nil
}

func (e *Engine) sessionFor(userID string) (*session.Controller, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.monitors[userID]
	if !ok {
		return nil, ErrNotMonitored
	}
	return m.session, nil
}

// LastAssessment returns the most recent assessment for a user.
func (e *Engine) LastAssessment(userID string) (*risk.Assessment, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	a, ok := e.last[userID]
	return a, ok
}

// Monitoring reports whether a user currently has a live session.
func (e *Engine) Monitoring(userID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.monitors[userID]
	return ok
}

// Train folds a sample into the user's baseline without scoring it.
// A first sample enrolls the user. The backend is trained best-effort
// when configured and privacy mode is off.
func (e *Engine) Train(ctx context.Context, userID string, s *behavior.Sample) error {
	unlock := e.scoreMu.Lock(userID)
	defer unlock()

	m, err := e.models.Get(ctx, userID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		m = model.NewFromSample(userID, s)
		metrics.ModelsEnrolledTotal.Inc()
	case err != nil:
		return err
	default:
		m.Learn(s)
	}
	if err := e.models.Put(ctx, m); err != nil {
		return err
	}

	cfg := e.settings.Current()
	if e.remote != nil && !cfg.PrivacyMode {
		if err := e.remote.Train(ctx, userID); err != nil {
			e.logger.Warn("backend training failed", "user_id", userID, "error", err)
		}
	}
	return nil
}

// SecurityEvents returns recent events for a user, newest first. The
// backend log is preferred when reachable; the local log is the
// fallback and the only source in privacy mode.
func (e *Engine) SecurityEvents(ctx context.Context, userID string, limit int) ([]*events.SecurityEvent, error) {
	cfg := e.settings.Current()
	if e.remote != nil && !cfg.PrivacyMode {
		evs, err := e.remote.SecurityEvents(ctx, userID)
		if err == nil {
			if len(evs) > limit {
				evs = evs[:limit]
			}
			return evs, nil
		}
		e.logger.Warn("backend event fetch failed, using local log", "user_id", userID, "error", err)
	}
	return e.events.ListByUser(ctx, userID, limit)
}

// Config returns the live monitoring configuration.
func (e *Engine) Config() settings.Config {
	return e.settings.Current()
}

// UpdateConfig applies a settings patch. Invalid fields are rejected
// individually; the change is logged and broadcast.
func (e *Engine) UpdateConfig(ctx context.Context, p settings.Patch) (settings.Config, []string, error) {
	cfg, rejected, err := e.settings.Update(ctx, p)
	if err != nil {
		return cfg, rejected, err
	}
	ev := &events.SecurityEvent{
		ID:          idgen.WithPrefix("evt_"),
		UserID:      "",
		Type:        events.TypeConfigChanged,
		Severity:    string(risk.LevelLow),
		Description: "Monitoring configuration updated",
		CreatedAt:   time.Now().UTC(),
	}
	if aerr := e.events.Append(ctx, ev); aerr != nil {
		e.logger.Warn("event log append failed", "error", aerr)
	}
	e.hub.BroadcastConfigChanged(cfg)

	if e.remote != nil && !cfg.PrivacyMode {
		if perr := e.remote.PushConfig(ctx, cfg); perr != nil {
			e.logger.Warn("config push to backend failed", "error", perr)
		}
	}
	return cfg, rejected, nil
}

// SyncConfig pulls the backend's monitoring configuration and applies
// it locally. A no-op without a backend or in privacy mode.
func (e *Engine) SyncConfig(ctx context.Context) error {
	if e.remote == nil || e.settings.Current().PrivacyMode {
		return nil
	}
	p, err := e.remote.FetchConfig(ctx)
	if err != nil {
		return err
	}
	_, rejected, err := e.settings.Update(ctx, p)
	if err != nil {
		return err
	}
	if len(rejected) > 0 {
		e.logger.Warn("backend config contained invalid fields", "fields", rejected)
	}
	return nil
}

// UserExport is the anonymized data snapshot served for GDPR access
// requests. Raw behavioral series are never exported.
type UserExport struct {
	UserID      string    `json:"userId"`
	LastUpdated time.Time `json:"lastUpdated"`
	Confidence  float64   `json:"confidence"`
}

// ExportUserData returns the anonymized model summary for a user, or
// model.ErrNotFound. Returns nil when GDPR compliance is disabled.
func (e *Engine) ExportUserData(ctx context.Context, userID string) (*UserExport, error) {
	if !e.settings.Current().GDPRCompliant {
		return nil, nil
	}
	m, err := e.models.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &UserExport{
		UserID:      m.UserID,
		LastUpdated: m.LastUpdated,
		Confidence:  m.Confidence,
	}, nil
}

// ClearUserData erases the user's baseline and event history, leaving
// a single audit record of the erasure.
func (e *Engine) ClearUserData(ctx context.Context, userID string) error {
	if err := e.models.Delete(ctx, userID); err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}
	if err := e.events.DeleteByUser(ctx, userID); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.last, userID)
	e.mu.Unlock()

	ev := &events.SecurityEvent{
		ID:          idgen.WithPrefix("evt_"),
		UserID:      userID,
		Type:        events.TypeModelCleared,
		Severity:    string(risk.LevelLow),
		Description: "Behavioral baseline and event history erased",
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.events.Append(ctx, ev); err != nil {
		e.logger.Warn("event log append failed", "user_id", userID, "error", err)
	}
	return nil
}

// Shutdown stops all monitoring sessions.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	monitors := e.monitors
	e.monitors = make(map[string]*monitored)
	e.mu.Unlock()

	for userID, m := range monitors {
		m.session.Logout()
		e.stopMonitor(m, userID)
	}
}
