package monitor

import "sync"

// PowerObserver lets the host environment slow sampling down when
// resources are scarce. The scheduler multiplies the configured
// interval by the reported factor.
type PowerObserver interface {
	SlowdownFactor() int
}

// AlwaysOn is the default observer: never slows sampling.
type AlwaysOn struct{}

func (AlwaysOn) SlowdownFactor() int { return 1 }

// Battery tracks a battery charge level and doubles the sampling
// interval once the level drops to 20% or below.
type Battery struct {
	mu       sync.Mutex
	level    float64
	onChange func()
}

// NewBattery starts at full charge.
func NewBattery() *Battery {
	return &Battery{level: 1.0}
}

// OnChange registers a callback fired when the slowdown factor changes.
func (b *Battery) OnChange(fn func()) {
	b.mu.Lock()
	b.onChange = fn
	b.mu.Unlock()
}

// SetLevel updates the charge level (0–1).
func (b *Battery) SetLevel(level float64) {
	if level < 0 {
		level = 0
	}
	if level > 1 {
		level = 1
	}

	b.mu.Lock()
	before := factorFor(b.level)
	b.level = level
	after := factorFor(level)
	fn := b.onChange
	b.mu.Unlock()

	if before != after && fn != nil {
		fn()
	}
}

func (b *Battery) SlowdownFactor() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return factorFor(b.level)
}

func factorFor(level float64) int {
	if level <= 0.2 {
		return 2
	}
	return 1
}
