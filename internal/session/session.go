// Package session runs the per-user session state machine.
//
// The controller consumes risk assessments and explicit auth actions,
// and emits side effects through callbacks; it never performs logout or
// credential UI itself. Monitoring is the steady state; Unauthenticated
// is both the initial and the terminal state.
package session

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/bbca/internal/risk"
)

// State is the session security state.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateMonitoring      State = "monitoring"
	StateAnomalyPending  State = "anomaly_pending"
	StateReauthRequired  State = "reauth_required"
	StateLocked          State = "locked"
)

var (
	// ErrNotAuthenticated is returned for actions that need a live session.
	ErrNotAuthenticated = errors.New("no authenticated session")
	// ErrAlreadyAuthenticated is returned when login hits a live session.
	ErrAlreadyAuthenticated = errors.New("session already authenticated")
	// ErrDismissDenied is returned when an alert cannot be dismissed.
	ErrDismissDenied = errors.New("alert cannot be dismissed")
	// ErrReauthNotRequested rejects a re-auth with nothing pending.
	ErrReauthNotRequested = errors.New("re-authentication not requested")
)

// Callbacks are the controller's only side-effect channel. They are
// invoked without the controller lock held; actual credential UI and
// logout mechanics belong to the auth layer that registers them.
type Callbacks struct {
	OnReAuthRequired func(userID string)
	OnSessionTimeout func(userID string)
	OnStateChange    func(userID string, from, to State)
}

// DefaultIdleTimeout logs a session out after this much inactivity,
// independent of behavioral scoring.
const DefaultIdleTimeout = 120 * time.Second

// Controller is the session state machine. Safe for concurrent use.
type Controller struct {
	mu        sync.Mutex
	state     State
	userID    string
	lastLevel risk.Level
	epoch     int // invalidates stale timer callbacks

	lockTimer *time.Timer
	idleTimer *time.Timer

	callbacks   Callbacks
	lockDelay   func() time.Duration
	idleTimeout time.Duration
	logger      *slog.Logger
}

// Option configures the controller.
type Option func(*Controller)

// WithLogger sets the controller logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithLockDelay sets the grace-delay source consulted when a critical
// assessment arrives (normally backed by live settings).
func WithLockDelay(fn func() time.Duration) Option {
	return func(c *Controller) { c.lockDelay = fn }
}

// WithIdleTimeout overrides the inactivity logout deadline. Zero
// disables the idle timer.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Controller) { c.idleTimeout = d }
}

// NewController creates a controller in the Unauthenticated state.
func NewController(cb Callbacks, opts ...Option) *Controller {
	c := &Controller{
		state:       StateUnauthenticated,
		callbacks:   cb,
		lockDelay:   func() time.Duration { return 30 * time.Second },
		idleTimeout: DefaultIdleTimeout,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// UserID returns the authenticated user, or "" when unauthenticated.
func (c *Controller) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// Login starts monitoring for a user.
func (c *Controller) Login(userID string) error {
	c.mu.Lock()
	if c.state != StateUnauthenticated {
		c.mu.Unlock()
		return ErrAlreadyAuthenticated
	}
	c.userID = userID
	c.lastLevel = risk.LevelLow
	from := c.setStateLocked(StateMonitoring)
	c.resetIdleLocked()
	c.mu.Unlock()

	c.notifyStateChange(userID, from, StateMonitoring)
	return nil
}

// Logout tears the session down from any state.
func (c *Controller) Logout() {
	c.mu.Lock()
	if c.state == StateUnauthenticated {
		c.mu.Unlock()
		return
	}
	userID := c.userID
	from := c.teardownLocked()
	c.mu.Unlock()

	c.notifyStateChange(userID, from, StateUnauthenticated)
}

// HandleAssessment feeds one risk assessment into the machine. The
// origin of the assessment (local tick, remote analyze, backend push)
// is irrelevant here.
func (c *Controller) HandleAssessment(a *risk.Assessment) {
	c.mu.Lock()
	switch c.state {
	case StateMonitoring, StateAnomalyPending, StateReauthRequired:
	default:
		c.mu.Unlock()
		return
	}

	userID := c.userID
	c.lastLevel = a.Level

	var (
		from, to    State
		changed     bool
		needsReauth bool
	)

	if a.RequiresAdditionalAuth && c.state != StateReauthRequired {
		from = c.setStateLocked(StateReauthRequired)
		to, changed, needsReauth = StateReauthRequired, true, true
	} else if a.AnomalyDetected && c.state == StateMonitoring {
		from = c.setStateLocked(StateAnomalyPending)
		to, changed = StateAnomalyPending, true
	}

	if a.Level == risk.LevelCritical {
		c.scheduleLockLocked()
	}
	c.mu.Unlock()

	if changed {
		c.notifyStateChange(userID, from, to)
	}
	if needsReauth && c.callbacks.OnReAuthRequired != nil {
		c.callbacks.OnReAuthRequired(userID)
	}
}

// Reauthenticate confirms a successful step-up authentication: back to
// steady-state monitoring, pending lock and anomaly flags cleared.
func (c *Controller) Reauthenticate() error {
	c.mu.Lock()
	if c.state != StateReauthRequired {
		c.mu.Unlock()
		return ErrReauthNotRequested
	}
	userID := c.userID
	c.cancelLockLocked()
	c.lastLevel = risk.LevelLow
	from := c.setStateLocked(StateMonitoring)
	c.resetIdleLocked()
	c.mu.Unlock()

	c.notifyStateChange(userID, from, StateMonitoring)
	return nil
}

// Dismiss acknowledges an alert without re-authenticating. Allowed only
// below critical.
func (c *Controller) Dismiss() error {
	c.mu.Lock()
	if c.state != StateAnomalyPending && c.state != StateReauthRequired {
		c.mu.Unlock()
		return ErrDismissDenied
	}
	if c.lastLevel == risk.LevelCritical {
		c.mu.Unlock()
		return ErrDismissDenied
	}
	userID := c.userID
	from := c.setStateLocked(StateMonitoring)
	c.resetIdleLocked()
	c.mu.Unlock()

	c.notifyStateChange(userID, from, StateMonitoring)
	return nil
}

// Touch registers user activity, pushing the idle deadline out.
func (c *Controller) Touch() {
	c.mu.Lock()
	if c.state != StateUnauthenticated && c.state != StateLocked {
		c.resetIdleLocked()
	}
	c.mu.Unlock()
}

// scheduleLockLocked arms the grace timer toward Locked. Re-arming while
// already armed keeps the earlier deadline.
func (c *Controller) scheduleLockLocked() {
	if c.lockTimer != nil {
		return
	}
	epoch := c.epoch
	delay := c.lockDelay()
	c.logger.Warn("critical risk, session lock scheduled",
		"user_id", c.userID, "grace", delay)
	c.lockTimer = time.AfterFunc(delay, func() { c.lockNow(epoch) })
}

// lockNow fires when the grace delay expires without a successful
// re-auth: the session locks and a forced logout is demanded.
func (c *Controller) lockNow(epoch int) {
	c.mu.Lock()
	if epoch != c.epoch || c.state == StateUnauthenticated || c.state == StateLocked {
		c.mu.Unlock()
		return
	}
	userID := c.userID
	from := c.setStateLocked(StateLocked)
	c.lockTimer = nil
	c.mu.Unlock()

	c.logger.Warn("session locked, forcing logout", "user_id", userID)
	c.notifyStateChange(userID, from, StateLocked)
	if c.callbacks.OnSessionTimeout != nil {
		c.callbacks.OnSessionTimeout(userID)
	}
}

// idleExpired fires on inactivity; it shares the forced-logout path.
func (c *Controller) idleExpired(epoch int) {
	c.mu.Lock()
	if epoch != c.epoch || c.state == StateUnauthenticated || c.state == StateLocked {
		c.mu.Unlock()
		return
	}
	userID := c.userID
	from := c.teardownLocked()
	c.mu.Unlock()

	c.logger.Info("session idle timeout", "user_id", userID)
	c.notifyStateChange(userID, from, StateUnauthenticated)
	if c.callbacks.OnSessionTimeout != nil {
		c.callbacks.OnSessionTimeout(userID)
	}
}

// teardownLocked cancels all timers and returns to Unauthenticated.
func (c *Controller) teardownLocked() (from State) {
	c.cancelLockLocked()
	if c.idleTimer != nil {
		c.idleTimer.Stop()
		c.idleTimer = nil
	}
	c.epoch++
	c.userID = ""
	c.lastLevel = risk.LevelLow
	return c.setStateLocked(StateUnauthenticated)
}

func (c *Controller) cancelLockLocked() {
	if c.lockTimer != nil {
		c.lockTimer.Stop()
		c.lockTimer = nil
		c.epoch++
	}
}

func (c *Controller) resetIdleLocked() {
	if c.idleTimeout <= 0 {
		return
	}
	if c.idleTimer != nil {
		c.idleTimer.Stop()
	}
	epoch := c.epoch
	c.idleTimer = time.AfterFunc(c.idleTimeout, func() { c.idleExpired(epoch) })
}

func (c *Controller) setStateLocked(to State) (from State) {
	from = c.state
	c.state = to
	return from
}

func (c *Controller) notifyStateChange(userID string, from, to State) {
	if from == to {
		return
	}
	c.logger.Debug("session state change",
		"user_id", userID, "from", string(from), "to", string(to))
	if c.callbacks.OnStateChange != nil {
		c.callbacks.OnStateChange(userID, from, to)
	}
}
