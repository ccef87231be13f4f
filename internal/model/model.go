// Package model maintains per-user behavioral baselines.
//
// A BehaviorModel is the learned profile a user's live samples are
// compared against. It adapts by exponential moving average so the
// baseline drifts with genuine habit changes without being yanked
// around by a single unusual session.
package model

import (
	"errors"
	"time"

	"github.com/mbd888/bbca/internal/behavior"
)

// ErrNotFound is returned when no model exists for a user. A corrupt
// stored record is reported the same way so the caller re-enrolls the
// user instead of crashing.
var ErrNotFound = errors.New("behavior model not found")

// EMA smoothing factor: 10% of each new observation folds into the
// baseline.
const alpha = 0.1

const (
	initialConfidence = 0.3
	confidenceStep    = 0.05
	clickHistoryCap   = 10
)

// BehaviorModel is a user's learned interaction baseline.
type BehaviorModel struct {
	UserID          string                  `json:"userId"`
	TypingSpeed     float64                 `json:"typingSpeed"`
	TapPressure     []float64               `json:"tapPressure"`
	SwipeVelocity   float64                 `json:"swipeVelocity"`
	ScrollSpeed     float64                 `json:"scrollSpeed"`
	ClickHistory    []behavior.ClickPattern `json:"clickHistory"`
	SessionDuration float64                 `json:"sessionDuration"` // seconds
	Confidence      float64                 `json:"confidence"`      // 0.3 → 1.0 as samples accumulate
	SamplesLearned  int                     `json:"samplesLearned"`
	CreatedAt       time.Time               `json:"createdAt"`
	LastUpdated     time.Time               `json:"lastUpdated"`
}

// NewFromSample enrolls a user: the first observed sample becomes the
// baseline, with low starting confidence.
func NewFromSample(userID string, s *behavior.Sample) *BehaviorModel {
	now := time.Now()
	return &BehaviorModel{
		UserID:          userID,
		TypingSpeed:     s.TypingSpeed,
		TapPressure:     append([]float64(nil), s.TapPressure...),
		SwipeVelocity:   s.AvgSwipeVelocity(),
		ScrollSpeed:     s.Scroll.Speed,
		ClickHistory:    []behavior.ClickPattern{s.Click},
		SessionDuration: s.SessionDuration.Seconds(),
		Confidence:      initialConfidence,
		SamplesLearned:  1,
		CreatedAt:       now,
		LastUpdated:     now,
	}
}

// Learn folds one sample into the baseline. Scalar features move by EMA;
// the tap-pressure series updates element-wise, keeping the baseline
// value where the observed series is shorter; clicks append to a bounded
// history. Confidence grows a fixed step per update, capped at 1.0.
func (m *BehaviorModel) Learn(s *behavior.Sample) {
	m.TypingSpeed = ema(m.TypingSpeed, s.TypingSpeed)
	m.SwipeVelocity = ema(m.SwipeVelocity, s.AvgSwipeVelocity())
	m.ScrollSpeed = ema(m.ScrollSpeed, s.Scroll.Speed)
	m.SessionDuration = ema(m.SessionDuration, s.SessionDuration.Seconds())

	for i := range m.TapPressure {
		if i < len(s.TapPressure) {
			m.TapPressure[i] = ema(m.TapPressure[i], s.TapPressure[i])
		}
	}

	m.ClickHistory = append(m.ClickHistory, s.Click)
	if len(m.ClickHistory) > clickHistoryCap {
		m.ClickHistory = m.ClickHistory[len(m.ClickHistory)-clickHistoryCap:]
	}

	m.Confidence += confidenceStep
	if m.Confidence > 1.0 {
		m.Confidence = 1.0
	}
	m.SamplesLearned++
	m.LastUpdated = time.Now()
}

// AvgTapPressure returns the mean of the pressure baseline, or 0 when empty.
func (m *BehaviorModel) AvgTapPressure() float64 {
	if len(m.TapPressure) == 0 {
		return 0
	}
	var sum float64
	for _, p := range m.TapPressure {
		sum += p
	}
	return sum / float64(len(m.TapPressure))
}

// AvgClickPressure returns the mean click pressure across the history,
// or 0 when no clicks have been learned.
func (m *BehaviorModel) AvgClickPressure() float64 {
	if len(m.ClickHistory) == 0 {
		return 0
	}
	var sum float64
	for _, c := range m.ClickHistory {
		sum += c.Pressure
	}
	return sum / float64(len(m.ClickHistory))
}

func ema(baseline, observed float64) float64 {
	return baseline*(1-alpha) + observed*alpha
}

// Clone returns a deep copy, so callers can hand models across goroutines.
func (m *BehaviorModel) Clone() *BehaviorModel {
	c := *m
	c.TapPressure = append([]float64(nil), m.TapPressure...)
	c.ClickHistory = append([]behavior.ClickPattern(nil), m.ClickHistory...)
	return &c
}
