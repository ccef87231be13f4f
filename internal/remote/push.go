package remote

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/bbca/internal/idgen"
	"github.com/mbd888/bbca/internal/risk"
)

// PushListener subscribes to the backend's out-of-band alert channel.
// A received security_alert is turned into a regular assessment and
// handed to the same consumer the scheduler feeds; downstream nobody
// can tell a pushed alert from a locally scored one.
type PushListener struct {
	url     string
	dialer  *websocket.Dialer
	handler func(*risk.Assessment)
	logger  *slog.Logger
	running atomic.Bool
}

// pushMessage is the backend's alert frame.
type pushMessage struct {
	Type        string  `json:"type"`
	UserID      string  `json:"userId"`
	AlertType   string  `json:"alertType"`
	RiskLevel   string  `json:"riskLevel"`
	Description string  `json:"description"`
	Confidence  float64 `json:"confidence"`
}

// NewPushListener creates a listener for the given websocket URL.
func NewPushListener(url string, handler func(*risk.Assessment), logger *slog.Logger) *PushListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &PushListener{
		url:     url,
		dialer:  websocket.DefaultDialer,
		handler: handler,
		logger:  logger,
	}
}

// Running reports whether the listener loop is active.
func (p *PushListener) Running() bool {
	return p.running.Load()
}

// Run connects and consumes alerts until the context is cancelled,
// reconnecting with backoff after any failure. Call in a goroutine.
func (p *PushListener) Run(ctx context.Context) {
	p.running.Store(true)
	defer p.running.Store(false)

	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		if err := p.consume(ctx); err != nil && ctx.Err() == nil {
			p.logger.Warn("push channel disconnected", "error", err, "retry_in", backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (p *PushListener) consume(ctx context.Context) error {
	conn, _, err := p.dialer.DialContext(ctx, p.url, nil)
	if err != nil {
		return err
	}
	defer func() { _ = conn.Close() }()

	p.logger.Info("push channel connected", "url", p.url)

	// Unblock ReadMessage when the context ends.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var msg pushMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			p.logger.Warn("discarding malformed push message", "error", err)
			continue
		}
		if msg.Type != "security_alert" {
			continue
		}

		pushAlerts.Inc()
		p.handler(p.toAssessment(&msg))
	}
}

func (p *PushListener) toAssessment(msg *pushMessage) *risk.Assessment {
	level := risk.Level(msg.RiskLevel)
	a := &risk.Assessment{
		ID:              idgen.WithPrefix("risk_"),
		UserID:          msg.UserID,
		Level:           level,
		Factors:         []string{msg.Description},
		Confidence:      msg.Confidence,
		AnomalyDetected: true,
		EvaluatedAt:     time.Now(),
	}
	if level.AtLeast(risk.LevelHigh) {
		a.RequiresAdditionalAuth = true
	}
	if level == risk.LevelCritical {
		a.BlockedActions = risk.BlockedActionsCritical()
		a.BehaviorScore = 0.9
	}
	return a
}
