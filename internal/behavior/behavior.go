// Package behavior defines the interaction signals sampled during an
// authenticated session and the collector that produces them.
//
// A Sample is an immutable snapshot of how the user is currently
// interacting with the app: typing cadence, touch pressure, gestures,
// scrolling, clicking, plus session metadata. Samples feed the risk
// engine; they are never stored.
package behavior

import (
	"time"
)

// Swipe directions.
const (
	DirectionUp    = "up"
	DirectionDown  = "down"
	DirectionLeft  = "left"
	DirectionRight = "right"
)

// DefaultSwipeVelocity is used when no gestures have been observed.
const DefaultSwipeVelocity = 300.0

// SwipeGesture is a single observed swipe.
type SwipeGesture struct {
	Direction string    `json:"direction"`
	Velocity  float64   `json:"velocity"` // px/s
	Distance  float64   `json:"distance"` // px
	Timestamp time.Time `json:"timestamp"`
}

// OrientationReading is a device-orientation sensor reading.
type OrientationReading struct {
	Alpha     float64   `json:"alpha"` // 0–360
	Beta      float64   `json:"beta"`  // -90–90
	Gamma     float64   `json:"gamma"` // -90–90
	Timestamp time.Time `json:"timestamp"`
}

// ScrollPattern aggregates recent scroll activity.
type ScrollPattern struct {
	Speed     float64   `json:"speed"` // px/s
	Direction string    `json:"direction"`
	Frequency float64   `json:"frequency"` // events per sampling window
	Timestamp time.Time `json:"timestamp"`
}

// ClickPattern is the most recent click/tap geometry.
type ClickPattern struct {
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	Pressure  float64   `json:"pressure"` // 0–100
	Duration  float64   `json:"duration"` // ms
	Timestamp time.Time `json:"timestamp"`
}

// UsageTrail records which parts of the app the session has touched.
type UsageTrail struct {
	ScreenTime           time.Duration `json:"screenTime"`
	FeaturesUsed         []string      `json:"featuresUsed"`
	NavigationPath       []string      `json:"navigationPath"`
	TransactionFrequency float64       `json:"transactionFrequency"`
}

// SessionMeta carries coarse environment data attached to every sample.
type SessionMeta struct {
	DeviceFingerprint string `json:"deviceFingerprint"`
	Location          string `json:"location"`
	UserAgent         string `json:"userAgent"`
	TimeZone          string `json:"timeZone"`
	ScreenResolution  string `json:"screenResolution"`
	Mobile            bool   `json:"mobile"`
}

// Sample is one snapshot of interaction behavior. Immutable once produced;
// owned by the scoring cycle that requested it.
type Sample struct {
	TypingSpeed     float64            `json:"typingSpeed"` // words/minute
	TapPressure     []float64          `json:"tapPressure"`
	SwipeGestures   []SwipeGesture     `json:"swipeGestures"`
	Orientation     OrientationReading `json:"deviceOrientation"`
	Scroll          ScrollPattern      `json:"scrollPattern"`
	Click           ClickPattern       `json:"clickPattern"`
	SessionDuration time.Duration      `json:"sessionDuration"`
	Usage           UsageTrail         `json:"appUsagePattern"`
	Meta            SessionMeta        `json:"meta"`
	CollectedAt     time.Time          `json:"collectedAt"`
}

// AvgSwipeVelocity returns the mean velocity across observed gestures,
// or DefaultSwipeVelocity when none were observed.
func (s *Sample) AvgSwipeVelocity() float64 {
	if len(s.SwipeGestures) == 0 {
		return DefaultSwipeVelocity
	}
	var sum float64
	for _, g := range s.SwipeGestures {
		sum += g.Velocity
	}
	return sum / float64(len(s.SwipeGestures))
}

// AvgTapPressure returns the mean of the pressure series, or 0 when empty.
func (s *Sample) AvgTapPressure() float64 {
	if len(s.TapPressure) == 0 {
		return 0
	}
	var sum float64
	for _, p := range s.TapPressure {
		sum += p
	}
	return sum / float64(len(s.TapPressure))
}
