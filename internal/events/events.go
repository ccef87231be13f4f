// Package events keeps the bounded security audit log.
//
// Every noteworthy engine outcome (anomaly, forced lock, re-auth
// demand, config change) is appended here. The log is advisory: it
// never drives decisions, it records them.
package events

import (
	"context"
	"encoding/json"
	"time"
)

// Event types.
const (
	TypeBehaviorAnomaly = "behavior_anomaly"
	TypeReauthRequired  = "reauth_required"
	TypeSessionLocked   = "session_locked"
	TypeConfigChanged   = "config_changed"
	TypeModelCleared    = "model_cleared"
)

// RetainPerUser is how many events are kept per user before the oldest
// are dropped.
const RetainPerUser = 200

// SecurityEvent is one audit log entry.
type SecurityEvent struct {
	ID          string          `json:"id"`
	UserID      string          `json:"userId"`
	Type        string          `json:"type"`
	Severity    string          `json:"severity"` // mirrors the risk level that caused it
	Description string          `json:"description"`
	Snapshot    json.RawMessage `json:"snapshot,omitempty"` // optional behavior context
	CreatedAt   time.Time       `json:"createdAt"`
}

// Store is the append-only event log.
type Store interface {
	// Append records an event. Old events past the retention cap may be
	// dropped as a side effect.
	Append(ctx context.Context, ev *SecurityEvent) error
	// ListByUser returns up to limit events for a user, most recent first.
	ListByUser(ctx context.Context, userID string, limit int) ([]*SecurityEvent, error)
	// DeleteByUser removes all events for a user (GDPR erasure).
	DeleteByUser(ctx context.Context, userID string) error
}
