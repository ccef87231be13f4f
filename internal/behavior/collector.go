package behavior

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Collector produces a behavior sample on demand. Implementations must
// return promptly; a scoring cycle blocks on this call.
type Collector interface {
	Sample(ctx context.Context) (*Sample, error)
}

// Raw event window bounds. When a series reaches trackerCap it is trimmed
// to the most recent trackerKeep entries so memory stays bounded no matter
// how long the session runs.
const (
	trackerCap  = 50
	trackerKeep = 30
)

// Tracker coalesces raw input events into aggregate samples. UI adapters
// push keystrokes, touches, swipes, scrolls and clicks as they happen;
// each call to Sample snapshots the current window.
//
// Safe for concurrent use.
type Tracker struct {
	mu          sync.Mutex
	keystrokes  []time.Time
	pressures   []float64
	swipes      []SwipeGesture
	scrolls     []ScrollPattern
	clicks      []ClickPattern
	orientation OrientationReading
	features    []string
	navigation  []string
	txCount     int
	startedAt   time.Time
	meta        SessionMeta

	now func() time.Time
}

// NewTracker returns a tracker for a session that starts now.
func NewTracker(meta SessionMeta) *Tracker {
	t := &Tracker{meta: meta, now: time.Now}
	t.startedAt = t.now()
	return t
}

// RecordKeystroke registers one key press at the current time.
func (t *Tracker) RecordKeystroke() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.keystrokes = append(t.keystrokes, t.now())
	t.keystrokes = trim(t.keystrokes)
}

// RecordTouch registers a touch with the given pressure (0–100).
func (t *Tracker) RecordTouch(pressure float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pressures = append(t.pressures, pressure)
	t.pressures = trim(t.pressures)
}

// RecordSwipe registers a completed swipe gesture.
func (t *Tracker) RecordSwipe(g SwipeGesture) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if g.Timestamp.IsZero() {
		g.Timestamp = t.now()
	}
	t.swipes = append(t.swipes, g)
	t.swipes = trim(t.swipes)
}

// RecordScroll registers scroll activity.
func (t *Tracker) RecordScroll(p ScrollPattern) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p.Timestamp.IsZero() {
		p.Timestamp = t.now()
	}
	t.scrolls = append(t.scrolls, p)
	t.scrolls = trim(t.scrolls)
}

// RecordClick registers a click or tap.
func (t *Tracker) RecordClick(c ClickPattern) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c.Timestamp.IsZero() {
		c.Timestamp = t.now()
	}
	t.clicks = append(t.clicks, c)
	t.clicks = trim(t.clicks)
}

// RecordOrientation stores the latest device-orientation reading.
func (t *Tracker) RecordOrientation(o OrientationReading) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if o.Timestamp.IsZero() {
		o.Timestamp = t.now()
	}
	t.orientation = o
}

// RecordFeature notes that a named app feature was used.
func (t *Tracker) RecordFeature(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.features = append(t.features, name)
	t.features = trim(t.features)
}

// RecordNavigation appends a screen to the navigation path.
func (t *Tracker) RecordNavigation(screen string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.navigation = append(t.navigation, screen)
	t.navigation = trim(t.navigation)
}

// RecordTransaction counts one initiated transaction.
func (t *Tracker) RecordTransaction() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.txCount++
}

// Sample snapshots the current event window into an aggregate sample.
// The tracker keeps accumulating afterwards; the snapshot is independent.
func (t *Tracker) Sample(_ context.Context) (*Sample, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	elapsed := now.Sub(t.startedAt)

	s := &Sample{
		TypingSpeed:     typingSpeed(t.keystrokes),
		TapPressure:     append([]float64(nil), t.pressures...),
		SwipeGestures:   append([]SwipeGesture(nil), t.swipes...),
		Orientation:     t.orientation,
		SessionDuration: elapsed,
		Meta:            t.meta,
		CollectedAt:     now,
	}
	if n := len(t.scrolls); n > 0 {
		s.Scroll = t.scrolls[n-1]
		s.Scroll.Frequency = float64(n)
	}
	if n := len(t.clicks); n > 0 {
		s.Click = t.clicks[n-1]
	}
	s.Usage = UsageTrail{
		ScreenTime:           elapsed,
		FeaturesUsed:         append([]string(nil), t.features...),
		NavigationPath:       append([]string(nil), t.navigation...),
		TransactionFrequency: perMinute(t.txCount, elapsed),
	}
	return s, nil
}

// typingSpeed derives words per minute from keystroke timestamps,
// assuming the conventional five characters per word.
func typingSpeed(keys []time.Time) float64 {
	if len(keys) < 2 {
		return 0
	}
	span := keys[len(keys)-1].Sub(keys[0])
	if span <= 0 {
		return 0
	}
	cps := float64(len(keys)-1) / span.Seconds()
	return cps * 60 / 5
}

func perMinute(count int, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(count) / elapsed.Minutes()
}

// trim keeps a series within the tracker window.
func trim[T any](s []T) []T {
	if len(s) < trackerCap {
		return s
	}
	kept := make([]T, trackerKeep)
	copy(kept, s[len(s)-trackerKeep:])
	return kept
}

// SimulatedCollector synthesizes samples around a fixed interaction
// profile. It stands in for a real sensor feed in demos and local
// development.
type SimulatedCollector struct {
	mu        sync.Mutex
	rng       *rand.Rand
	meta      SessionMeta
	startedAt time.Time
}

// NewSimulatedCollector returns a collector seeded for reproducible output.
func NewSimulatedCollector(seed int64, meta SessionMeta) *SimulatedCollector {
	return &SimulatedCollector{
		rng:       rand.New(rand.NewSource(seed)),
		meta:      meta,
		startedAt: time.Now(),
	}
}

// Sample returns a synthetic sample with mild jitter around typical values.
func (c *SimulatedCollector) Sample(_ context.Context) (*Sample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	jitter := func(base, spread float64) float64 {
		return base + (c.rng.Float64()-0.5)*spread
	}

	pressures := make([]float64, 5)
	for i := range pressures {
		pressures[i] = jitter(45, 10)
	}

	return &Sample{
		TypingSpeed: jitter(52, 8),
		TapPressure: pressures,
		SwipeGestures: []SwipeGesture{{
			Direction: DirectionUp,
			Velocity:  jitter(300, 60),
			Distance:  jitter(220, 40),
			Timestamp: now,
		}},
		Orientation: OrientationReading{
			Alpha:     jitter(180, 20),
			Beta:      jitter(30, 10),
			Gamma:     jitter(0, 10),
			Timestamp: now,
		},
		Scroll: ScrollPattern{
			Speed:     jitter(400, 80),
			Direction: DirectionDown,
			Frequency: jitter(6, 2),
			Timestamp: now,
		},
		Click: ClickPattern{
			X:         jitter(200, 100),
			Y:         jitter(400, 150),
			Pressure:  jitter(45, 10),
			Duration:  jitter(120, 30),
			Timestamp: now,
		},
		SessionDuration: now.Sub(c.startedAt),
		Usage: UsageTrail{
			ScreenTime:   now.Sub(c.startedAt),
			FeaturesUsed: []string{"dashboard"},
		},
		Meta:        c.meta,
		CollectedAt: now,
	}, nil
}
