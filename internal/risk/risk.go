// Package risk scores behavior samples against a user's learned baseline.
//
// Scoring runs two accumulators side by side: an integer point score and
// a 0–1 behavior score. Each triggered feature adds to both on its own
// scale, and the final level is the maximum the two tracks reach
// independently. Either track can escalate on its own.
package risk

import "time"

// Level is an ordered risk classification.
type Level string

const (
	LevelLow      Level = "low"
	LevelMedium   Level = "medium"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

// rank gives Level its total order.
func (l Level) rank() int {
	switch l {
	case LevelLow:
		return 0
	case LevelMedium:
		return 1
	case LevelHigh:
		return 2
	case LevelCritical:
		return 3
	default:
		return -1
	}
}

// AtLeast reports whether l is at or above other in the ordering.
func (l Level) AtLeast(other Level) bool {
	return l.rank() >= other.rank()
}

// MaxLevel returns the higher of two levels.
func MaxLevel(a, b Level) Level {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// Actions blocked while a session is at critical risk.
const (
	ActionTransfer      = "transfer"
	ActionSettings      = "settings"
	ActionAccountAccess = "account_access"
)

// BlockedActionsCritical is the action set withheld at critical level.
func BlockedActionsCritical() []string {
	return []string{ActionTransfer, ActionSettings, ActionAccountAccess}
}

// Assessment is the outcome of scoring one sample.
//
// Invariants: RequiresAdditionalAuth implies AnomalyDetected, and
// Level == critical implies BlockedActions is non-empty.
type Assessment struct {
	ID                     string    `json:"id"`
	UserID                 string    `json:"userId"`
	Level                  Level     `json:"level"`
	Score                  float64   `json:"score"`         // points track
	BehaviorScore          float64   `json:"behaviorScore"` // 0–1 track
	Factors                []string  `json:"factors"`
	Recommendations        []string  `json:"recommendations"`
	RequiresAdditionalAuth bool      `json:"requiresAdditionalAuth"`
	BlockedActions         []string  `json:"blockedActions"`
	Confidence             float64   `json:"confidence"`
	AnomalyDetected        bool      `json:"anomalyDetected"`
	Fallback               bool      `json:"fallback,omitempty"` // produced locally while remote was unreachable
	EvaluatedAt            time.Time `json:"evaluatedAt"`
}

// Thresholds are the config-driven cut lines applied after feature scoring.
type Thresholds struct {
	Anomaly float64 // behaviorScore above this flags an anomaly
	ReAuth  float64 // behaviorScore above this demands re-authentication
}

// levelFor maps the two accumulators to a level: the max across both
// independently-thresholded tracks.
func levelFor(score, behaviorScore float64) Level {
	byPoints := LevelLow
	switch {
	case score >= 60:
		byPoints = LevelCritical
	case score >= 40:
		byPoints = LevelHigh
	case score >= 20:
		byPoints = LevelMedium
	}

	byBehavior := LevelLow
	switch {
	case behaviorScore > 0.8:
		byBehavior = LevelCritical
	case behaviorScore > 0.6:
		byBehavior = LevelHigh
	case behaviorScore > 0.4:
		byBehavior = LevelMedium
	}

	return MaxLevel(byPoints, byBehavior)
}
