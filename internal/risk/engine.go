package risk

import (
	"context"
	"log/slog"
	"math"
	"time"

	"github.com/mbd888/bbca/internal/behavior"
	"github.com/mbd888/bbca/internal/idgen"
	"github.com/mbd888/bbca/internal/model"
)

// Per-feature deviation thresholds and score contributions. A feature
// whose deviation clears its threshold adds points to the score track
// and weight to the behavior track.
const (
	typingThreshold = 0.3
	typingPoints    = 20
	typingWeight    = 0.2

	pressureThreshold = 0.4
	pressurePoints    = 25
	pressureWeight    = 0.25

	swipeThreshold = 0.5
	swipePoints    = 15
	swipeWeight    = 0.15

	clickThreshold = 0.6
	clickPoints    = 20
	clickWeight    = 0.2

	sessionThreshold = 0.5
	sessionPoints    = 10
	sessionWeight    = 0.1

	orientationThreshold = 0.7
	orientationPoints    = 15
	orientationWeight    = 0.15

	scrollThreshold = 0.5
	scrollPoints    = 10
	scrollWeight    = 0.1
)

// Engine scores samples against stored baselines and keeps the
// baselines adapting. All baseline mutation funnels through Score, so a
// single scoring cycle per user is the concurrency contract.
type Engine struct {
	models      model.Store
	logger      *slog.Logger
	orientation SignalAnalyzer
	scroll      SignalAnalyzer
	now         func() time.Time
	newID       func() string
}

// Option configures the engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithOrientationAnalyzer replaces the device-orientation analyzer.
func WithOrientationAnalyzer(a SignalAnalyzer) Option {
	return func(e *Engine) { e.orientation = a }
}

// WithScrollAnalyzer replaces the scroll-pattern analyzer.
func WithScrollAnalyzer(a SignalAnalyzer) Option {
	return func(e *Engine) { e.scroll = a }
}

// WithClock overrides the time source (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates a scoring engine over the given model store.
func New(models model.Store, opts ...Option) *Engine {
	e := &Engine{
		models:      models,
		logger:      slog.Default(),
		orientation: ZeroAnalyzer{},
		scroll:      ZeroAnalyzer{},
		now:         time.Now,
		newID:       func() string { return idgen.WithPrefix("risk_") },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Score evaluates one sample for a user and folds the sample into the
// user's baseline afterwards, regardless of the outcome. The model keeps
// adapting even when flagged; a sustained impostor can slowly poison the
// baseline, but a genuine habit change never locks the user out forever.
//
// A user with no model (or an unreadable one) is enrolled on the spot
// and scored low: baselining is never anomalous. Score does not fail for
// malformed samples; missing features contribute zero deviation.
func (e *Engine) Score(ctx context.Context, userID string, s *behavior.Sample, th Thresholds) (*Assessment, error) {
	m, err := e.models.Get(ctx, userID)
	if err != nil {
		// Missing, corrupt, or unreadable all mean the same thing here:
		// start a fresh baseline.
		nm := model.NewFromSample(userID, s)
		if perr := e.models.Put(ctx, nm); perr != nil {
			e.logger.Warn("failed to persist new behavior model",
				"user_id", userID, "error", perr)
		}
		e.logger.Info("behavior baseline created", "user_id", userID)
		return e.newUserAssessment(userID), nil
	}

	var (
		score         float64
		behaviorScore float64
		factors       []string
		anomalies     []string
	)
	hit := func(points, weight float64, factor, key string) {
		score += points
		behaviorScore += weight
		factors = append(factors, factor)
		anomalies = append(anomalies, key)
	}

	if ratio(m.TypingSpeed, s.TypingSpeed) > typingThreshold {
		hit(typingPoints, typingWeight, "Unusual typing speed detected", "typing_speed")
	}
	if pressureDeviation(s.TapPressure, m.TapPressure) > pressureThreshold {
		hit(pressurePoints, pressureWeight, "Abnormal tap pressure pattern", "tap_pressure")
	}
	if swipeDeviation(s.SwipeGestures, m.SwipeVelocity) > swipeThreshold {
		hit(swipePoints, swipeWeight, "Unusual swipe patterns detected", "swipe_gestures")
	}
	if clickDeviation(s.Click, m) > clickThreshold {
		hit(clickPoints, clickWeight, "Abnormal click behavior", "click_pattern")
	}
	if ratio(m.SessionDuration, s.SessionDuration.Seconds()) > sessionThreshold {
		hit(sessionPoints, sessionWeight, "Unusual session duration", "session_duration")
	}
	if s.Meta.Mobile && e.orientation.Analyze(s, m) > orientationThreshold {
		hit(orientationPoints, orientationWeight, "Unusual device handling detected", "device_orientation")
	}
	if e.scroll.Analyze(s, m) > scrollThreshold {
		hit(scrollPoints, scrollWeight, "Abnormal scrolling behavior", "scroll_pattern")
	}

	// Adaptive update happens after scoring, on every cycle.
	confidence := m.Confidence
	m.Learn(s)
	if perr := e.models.Put(ctx, m); perr != nil {
		e.logger.Warn("failed to persist behavior model update",
			"user_id", userID, "error", perr)
	}

	level := levelFor(score, behaviorScore)
	a := &Assessment{
		ID:                     e.newID(),
		UserID:                 userID,
		Level:                  level,
		Score:                  score,
		BehaviorScore:          behaviorScore,
		Factors:                factors,
		Recommendations:        recommendations(level, anomalies),
		RequiresAdditionalAuth: behaviorScore > th.ReAuth,
		Confidence:             confidence,
		AnomalyDetected:        behaviorScore > th.Anomaly,
		EvaluatedAt:            e.now(),
	}
	if level == LevelCritical {
		a.BlockedActions = BlockedActionsCritical()
	}
	return a, nil
}

// newUserAssessment is the fixed baselining result for a first-ever sample.
func (e *Engine) newUserAssessment(userID string) *Assessment {
	return &Assessment{
		ID:              e.newID(),
		UserID:          userID,
		Level:           LevelLow,
		Score:           0,
		BehaviorScore:   0.5,
		Factors:         []string{"New user - establishing baseline"},
		Recommendations: []string{"Monitoring behavior patterns"},
		Confidence:      0.5,
		EvaluatedAt:     e.now(),
	}
}

// ratio is the relative deviation |observed - baseline| / baseline.
// A zero baseline yields zero deviation: no signal, no contribution.
func ratio(baseline, observed float64) float64 {
	if baseline == 0 {
		return 0
	}
	return math.Abs(observed-baseline) / baseline
}

func pressureDeviation(current, baseline []float64) float64 {
	if len(current) == 0 || len(baseline) == 0 {
		return 0
	}
	return ratio(mean(baseline), mean(current))
}

func swipeDeviation(gestures []behavior.SwipeGesture, baseline float64) float64 {
	if len(gestures) == 0 {
		return 0
	}
	var sum float64
	for _, g := range gestures {
		sum += g.Velocity
	}
	return ratio(baseline, sum/float64(len(gestures)))
}

func clickDeviation(click behavior.ClickPattern, m *model.BehaviorModel) float64 {
	if len(m.ClickHistory) == 0 {
		return 0
	}
	return ratio(m.AvgClickPressure(), click.Pressure)
}

func mean(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func recommendations(level Level, anomalies []string) []string {
	var recs []string
	switch level {
	case LevelCritical:
		recs = append(recs,
			"Immediate re-authentication required",
			"Session will be terminated",
			"Contact security team if unauthorized")
	case LevelHigh:
		recs = append(recs,
			"Additional verification recommended",
			"Monitor account activity closely")
	case LevelMedium:
		recs = append(recs,
			"Verify recent account activity",
			"Consider updating security settings")
	}
	for _, a := range anomalies {
		switch a {
		case "typing_speed":
			recs = append(recs, "Unusual typing pattern detected")
		case "tap_pressure":
			recs = append(recs, "Different touch pressure detected")
		case "device_orientation":
			recs = append(recs, "Unusual device handling detected")
		}
	}
	return recs
}
