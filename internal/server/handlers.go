package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/bbca/internal/behavior"
	"github.com/mbd888/bbca/internal/engine"
	"github.com/mbd888/bbca/internal/model"
	"github.com/mbd888/bbca/internal/session"
	"github.com/mbd888/bbca/internal/settings"
	"github.com/mbd888/bbca/internal/validation"
)

// DefaultEventLimit bounds how many security events one request returns.
const DefaultEventLimit = 20

// -----------------------------------------------------------------------------
// Wire types
// -----------------------------------------------------------------------------

// HealthResponse is the /health payload
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// sampleRequest is the wire form of a behavior sample. Durations travel
// as milliseconds.
type sampleRequest struct {
	TypingSpeed       float64                      `json:"typingSpeed"`
	TapPressure       []float64                    `json:"tapPressure"`
	SwipeGestures     []behavior.SwipeGesture      `json:"swipeGestures"`
	DeviceOrientation *behavior.OrientationReading `json:"deviceOrientation,omitempty"`
	ScrollPattern     *behavior.ScrollPattern      `json:"scrollPattern,omitempty"`
	ClickPattern      *behavior.ClickPattern       `json:"clickPattern,omitempty"`
	SessionDurationMs int64                        `json:"sessionDurationMs"`
	Meta              behavior.SessionMeta         `json:"meta"`
}

func (r *sampleRequest) toSample() *behavior.Sample {
	s := &behavior.Sample{
		TypingSpeed:     r.TypingSpeed,
		TapPressure:     r.TapPressure,
		SwipeGestures:   r.SwipeGestures,
		SessionDuration: time.Duration(r.SessionDurationMs) * time.Millisecond,
		Meta:            r.Meta,
		CollectedAt:     time.Now().UTC(),
	}
	if r.DeviceOrientation != nil {
		s.Orientation = *r.DeviceOrientation
	}
	if r.ScrollPattern != nil {
		s.Scroll = *r.ScrollPattern
	}
	if r.ClickPattern != nil {
		s.Click = *r.ClickPattern
	}
	return s
}

type analyzeRequest struct {
	UserID string        `json:"userId" binding:"required"`
	Sample sampleRequest `json:"sample"`
}

// configResponse mirrors settings.Config with durations in milliseconds.
type configResponse struct {
	Enabled                   bool    `json:"enabled"`
	Sensitivity               string  `json:"sensitivity"`
	MonitoringIntervalMs      int64   `json:"monitoringIntervalMs"`
	AnomalyThreshold          float64 `json:"anomalyThreshold"`
	ReAuthThreshold           float64 `json:"reAuthThreshold"`
	SessionTimeoutOnAnomalyMs int64   `json:"sessionTimeoutOnAnomalyMs"`
	PrivacyMode               bool    `json:"privacyMode"`
	GDPRCompliant             bool    `json:"gdprCompliant"`
}

func toConfigResponse(cfg settings.Config) configResponse {
	return configResponse{
		Enabled:                   cfg.Enabled,
		Sensitivity:               string(cfg.Sensitivity),
		MonitoringIntervalMs:      cfg.MonitoringInterval.Milliseconds(),
		AnomalyThreshold:          cfg.AnomalyThreshold,
		ReAuthThreshold:           cfg.ReAuthThreshold,
		SessionTimeoutOnAnomalyMs: cfg.SessionTimeoutOnAnomaly.Milliseconds(),
		PrivacyMode:               cfg.PrivacyMode,
		GDPRCompliant:             cfg.GDPRCompliant,
	}
}

// configPatchRequest is a partial config update; absent fields are untouched.
type configPatchRequest struct {
	Enabled                   *bool    `json:"enabled"`
	Sensitivity               *string  `json:"sensitivity"`
	MonitoringIntervalMs      *int64   `json:"monitoringIntervalMs"`
	AnomalyThreshold          *float64 `json:"anomalyThreshold"`
	ReAuthThreshold           *float64 `json:"reAuthThreshold"`
	SessionTimeoutOnAnomalyMs *int64   `json:"sessionTimeoutOnAnomalyMs"`
	PrivacyMode               *bool    `json:"privacyMode"`
	GDPRCompliant             *bool    `json:"gdprCompliant"`
}

func (r *configPatchRequest) toPatch() settings.Patch {
	p := settings.Patch{
		Enabled:          r.Enabled,
		AnomalyThreshold: r.AnomalyThreshold,
		ReAuthThreshold:  r.ReAuthThreshold,
		PrivacyMode:      r.PrivacyMode,
		GDPRCompliant:    r.GDPRCompliant,
	}
	if r.Sensitivity != nil {
		sv := settings.Sensitivity(*r.Sensitivity)
		p.Sensitivity = &sv
	}
	if r.MonitoringIntervalMs != nil {
		d := time.Duration(*r.MonitoringIntervalMs) * time.Millisecond
		p.MonitoringInterval = &d
	}
	if r.SessionTimeoutOnAnomalyMs != nil {
		d := time.Duration(*r.SessionTimeoutOnAnomalyMs) * time.Millisecond
		p.SessionTimeoutOnAnomaly = &d
	}
	return p
}

type userRequest struct {
	UserID string               `json:"userId" binding:"required"`
	Meta   behavior.SessionMeta `json:"meta"`
}

// -----------------------------------------------------------------------------
// Scoring handlers
// -----------------------------------------------------------------------------

func (s *Server) analyzeHandler(c *gin.Context) {
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !validation.IsValidUserID(req.UserID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}

	a, err := s.engine.Analyze(c.Request.Context(), req.UserID, req.Sample.toSample())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "analysis_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) trainHandler(c *gin.Context) {
	var req analyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !validation.IsValidUserID(req.UserID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}

	if err := s.engine.Train(c.Request.Context(), req.UserID, req.Sample.toSample()); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "training_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "trained"})
}

func (s *Server) riskHandler(c *gin.Context) {
	userID := c.Param("userId")
	a, ok := s.engine.LastAssessment(userID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no assessment for user"})
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) securityEventsHandler(c *gin.Context) {
	userID := c.Param("userId")

	limit := DefaultEventLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 100 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": "limit must be 1-100"})
			return
		}
		limit = n
	}

	evs, err := s.engine.SecurityEvents(c.Request.Context(), userID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "event_fetch_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs})
}

// -----------------------------------------------------------------------------
// Config handlers
// -----------------------------------------------------------------------------

func (s *Server) getConfigHandler(c *gin.Context) {
	c.JSON(http.StatusOK, toConfigResponse(s.engine.Config()))
}

func (s *Server) updateConfigHandler(c *gin.Context) {
	var req configPatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	cfg, rejected, err := s.engine.UpdateConfig(c.Request.Context(), req.toPatch())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "config_update_failed", "message": err.Error()})
		return
	}

	resp := gin.H{"config": toConfigResponse(cfg)}
	if len(rejected) > 0 {
		resp["rejected"] = rejected
	}
	c.JSON(http.StatusOK, resp)
}

// -----------------------------------------------------------------------------
// Session handlers
// -----------------------------------------------------------------------------

func (s *Server) loginHandler(c *gin.Context) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	if !validation.IsValidUserID(req.UserID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_user_id"})
		return
	}

	if err := s.engine.Login(c.Request.Context(), req.UserID, req.Meta); err != nil {
		if errors.Is(err, session.ErrAlreadyAuthenticated) {
			c.JSON(http.StatusConflict, gin.H{"error": "already_authenticated"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "login_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "monitoring", "userId": req.UserID})
}

func (s *Server) logoutHandler(c *gin.Context) {
	s.sessionAction(c, s.engine.Logout, "logged_out")
}

func (s *Server) reauthHandler(c *gin.Context) {
	s.sessionAction(c, s.engine.Reauthenticate, "reauthenticated")
}

func (s *Server) dismissHandler(c *gin.Context) {
	s.sessionAction(c, s.engine.Dismiss, "dismissed")
}

func (s *Server) touchHandler(c *gin.Context) {
	s.sessionAction(c, s.engine.Touch, "touched")
}

// sessionAction binds {userId}, runs the action, and maps domain errors
// to HTTP statuses.
func (s *Server) sessionAction(c *gin.Context, action func(string) error, status string) {
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}

	if err := action(req.UserID); err != nil {
		switch {
		case errors.Is(err, engine.ErrNotMonitored), errors.Is(err, session.ErrNotAuthenticated):
			c.JSON(http.StatusNotFound, gin.H{"error": "no_session"})
		case errors.Is(err, session.ErrDismissDenied):
			c.JSON(http.StatusForbidden, gin.H{"error": "dismiss_denied", "message": "critical alerts cannot be dismissed"})
		case errors.Is(err, session.ErrReauthNotRequested):
			c.JSON(http.StatusConflict, gin.H{"error": "reauth_not_requested"})
		default:
			c.JSON(http.StatusInternalServerError, gin.H{"error": "session_action_failed", "message": err.Error()})
		}
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": status, "userId": req.UserID})
}

func (s *Server) sessionStateHandler(c *gin.Context) {
	userID := c.Param("userId")
	state, err := s.engine.SessionState(userID)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no_session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "state": state})
}

// -----------------------------------------------------------------------------
// GDPR handlers
// -----------------------------------------------------------------------------

func (s *Server) exportUserHandler(c *gin.Context) {
	userID := c.Param("userId")

	export, err := s.engine.ExportUserData(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "no model for user"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export_failed", "message": err.Error()})
		return
	}
	if export == nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "gdpr_disabled", "message": "data export requires GDPR compliance to be enabled"})
		return
	}
	c.JSON(http.StatusOK, export)
}

func (s *Server) deleteUserHandler(c *gin.Context) {
	userID := c.Param("userId")

	if err := s.engine.ClearUserData(c.Request.Context(), userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "erasure_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "erased", "userId": userID})
}

// -----------------------------------------------------------------------------
// Health & info handlers
// -----------------------------------------------------------------------------

func (s *Server) healthHandler(c *gin.Context) {
	healthy, statuses := s.healthReg.CheckAll(c.Request.Context())

	checks := make(map[string]string, len(statuses))
	for _, st := range statuses {
		if st.Healthy {
			checks[st.Name] = "healthy"
		} else {
			checks[st.Name] = "unhealthy"
		}
	}

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "bbca",
		"description": "Behavior-based continuous authentication engine",
		"version":     "0.1.0",
		"endpoints": gin.H{
			"analyze":  "POST /v1/analyze",
			"train":    "POST /v1/train",
			"risk":     "GET /v1/risk/:userId",
			"events":   "GET /v1/security-events/:userId",
			"config":   "GET|PUT /v1/config",
			"sessions": "POST /v1/sessions/{login,logout,reauth,dismiss,touch}",
			"ws":       "GET /ws",
		},
	})
}
