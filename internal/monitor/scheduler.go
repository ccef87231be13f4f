// Package monitor drives the periodic sample-and-score loop for an
// authenticated session.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mbd888/bbca/internal/behavior"
	"github.com/mbd888/bbca/internal/risk"
	"github.com/mbd888/bbca/internal/settings"
)

var (
	schedTicks = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bbca",
		Subsystem: "scheduler",
		Name:      "ticks_total",
		Help:      "Completed monitoring cycles.",
	})
	schedCycleFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "bbca",
		Subsystem: "scheduler",
		Name:      "cycle_failures_total",
		Help:      "Monitoring cycles that failed to produce an assessment.",
	})
)

func init() {
	prometheus.MustRegister(schedTicks, schedCycleFailures)
}

// ScoreFunc evaluates one sample for a user. The scheduler does not
// care whether scoring runs locally or is delegated to a backend.
type ScoreFunc func(ctx context.Context, userID string, s *behavior.Sample) (*risk.Assessment, error)

// Scheduler is the single driver of scoring cycles for one session:
// at most one score computation per user is ever in flight. The
// interval follows live settings and the power observer; changes take
// effect by resetting the ticker without losing the session context.
type Scheduler struct {
	userID    string
	collector behavior.Collector
	score     ScoreFunc
	publish   func(*risk.Assessment)
	settings  *settings.Settings
	power     PowerObserver
	logger    *slog.Logger

	stop    chan struct{}
	reload  chan struct{}
	running atomic.Bool
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithPowerObserver plugs in a resource-state observer.
func WithPowerObserver(p PowerObserver) Option {
	return func(s *Scheduler) { s.power = p }
}

// NewScheduler creates a scheduler for one user's session. Assessments
// go to publish; scoring errors are logged and the loop carries on.
func NewScheduler(userID string, collector behavior.Collector, score ScoreFunc,
	publish func(*risk.Assessment), st *settings.Settings, opts ...Option) *Scheduler {
	s := &Scheduler{
		userID:    userID,
		collector: collector,
		score:     score,
		publish:   publish,
		settings:  st,
		power:     AlwaysOn{},
		logger:    slog.Default(),
		stop:      make(chan struct{}),
		reload:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	if b, ok := s.power.(*Battery); ok {
		b.OnChange(s.Kick)
	}
	return s
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Kick asks the loop to re-resolve its interval immediately.
func (s *Scheduler) Kick() {
	select {
	case s.reload <- struct{}{}:
	default:
	}
}

// Start runs the monitoring loop. Call in a goroutine; returns when the
// context is cancelled or Stop is called, with the ticker stopped on
// every exit path.
func (s *Scheduler) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	unsubscribe := s.settings.Subscribe(func(settings.Config) { s.Kick() })
	defer unsubscribe()

	interval := s.currentInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("monitoring started", "user_id", s.userID, "interval", interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-s.reload:
			if iv := s.currentInterval(); iv != interval {
				interval = iv
				ticker.Reset(interval)
				s.logger.Info("monitoring interval changed",
					"user_id", s.userID, "interval", interval)
			}
		case <-ticker.C:
			s.safeCycle(ctx)
			if iv := s.currentInterval(); iv != interval {
				interval = iv
				ticker.Reset(interval)
			}
		}
	}
}

// Stop signals the loop to stop.
func (s *Scheduler) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Scheduler) currentInterval() time.Duration {
	iv := s.settings.Current().EffectiveInterval()
	return iv * time.Duration(s.power.SlowdownFactor())
}

func (s *Scheduler) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in monitoring cycle", "panic", fmt.Sprint(r))
		}
	}()
	s.cycle(ctx)
}

func (s *Scheduler) cycle(ctx context.Context) {
	if !s.settings.Current().Enabled {
		return
	}

	sample, err := s.collector.Sample(ctx)
	if err != nil {
		schedCycleFailures.Inc()
		s.logger.Warn("behavior sampling failed", "user_id", s.userID, "error", err)
		return
	}

	a, err := s.score(ctx, s.userID, sample)
	if err != nil {
		schedCycleFailures.Inc()
		s.logger.Warn("scoring cycle failed", "user_id", s.userID, "error", err)
		return
	}

	schedTicks.Inc()
	s.publish(a)
}
