package rest

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/soilwatch/sentinel/internal/alerting"
	"github.com/soilwatch/sentinel/internal/server/storage"
)

const (
	maxBodyBytes = 64 * 1024
	maxPageSize  = 1000
)

// Server holds the dependencies of the REST handlers. A nil dependency
// leaves its routes unregistered.
type Server struct {
	alerts      Alerts
	sensors     Sensors
	trends      Trends
	controller  Controller
	deadLetters DeadLetters
	checks      []Check
	logger      *slog.Logger
	validate    *validator.Validate
}

// Deps groups the services behind the API.
type Deps struct {
	Alerts      Alerts
	Sensors     Sensors
	Trends      Trends
	Controller  Controller
	DeadLetters DeadLetters
	Checks      []Check
}

// NewServer creates a Server.
func NewServer(deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		alerts:      deps.Alerts,
		sensors:     deps.Sensors,
		trends:      deps.Trends,
		controller:  deps.Controller,
		deadLetters: deps.DeadLetters,
		checks:      deps.Checks,
		logger:      logger,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

// decodeJSON decodes a JSON request body into v. It writes the 400 response
// itself and returns false on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// decodeBody is decodeJSON followed by struct validation; v must point to a
// struct.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if !decodeJSON(w, r, v) {
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

// handleHealthz responds to GET /healthz. Every configured check runs with a
// short timeout; any failure turns the response into 503.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	checks := make(map[string]string, len(s.checks))
	for _, c := range s.checks {
		if err := c.Probe(ctx); err != nil {
			checks[c.Name] = err.Error()
			status = "degraded"
			code = http.StatusServiceUnavailable
			continue
		}
		checks[c.Name] = "ok"
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}

// handleListAlerts responds to GET /api/v1/alerts.
//
// Query parameters (all optional):
//
//	status    – active, acknowledged, resolved, false_alarm
//	severity  – info, low, medium, high, critical
//	sensor_id – exact sensor id
//	limit     – page size (default 100, max 1000)
//	offset    – pagination offset
func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	aq := storage.AlertQuery{SensorID: q.Get("sensor_id")}

	if v := q.Get("status"); v != "" {
		st := storage.AlertStatus(v)
		if !st.Valid() {
			writeJSONError(w, http.StatusBadRequest, "'status' must be one of active, acknowledged, resolved, false_alarm")
			return
		}
		aq.Status = &st
	}
	if v := q.Get("severity"); v != "" {
		sev := storage.Severity(v)
		if !sev.Valid() {
			writeJSONError(w, http.StatusBadRequest, "'severity' must be one of info, low, medium, high, critical")
			return
		}
		aq.Severity = &sev
	}
	limit, ok := intParam(w, q.Get("limit"), "limit", 1, 0)
	if !ok {
		return
	}
	aq.Limit = min(limit, maxPageSize)
	if aq.Offset, ok = intParam(w, q.Get("offset"), "offset", 0, 0); !ok {
		return
	}

	alerts, err := s.alerts.Query(r.Context(), aq)
	if err != nil {
		writeDomainError(w, s.logger, r, err)
		return
	}
	if alerts == nil {
		alerts = []storage.Alert{}
	}
	writeJSON(w, http.StatusOK, alerts)
}

// handleAlertStats responds to GET /api/v1/alerts/stats?days=30.
func (s *Server) handleAlertStats(w http.ResponseWriter, r *http.Request) {
	days, ok := intParam(w, r.URL.Query().Get("days"), "days", 1, 30)
	if !ok {
		return
	}
	stats, err := s.alerts.Stats(r.Context(), days)
	if err != nil {
		writeDomainError(w, s.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleGetAlert responds to GET /api/v1/alerts/{id}.
func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	a, err := s.alerts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, s.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type acknowledgeRequest struct {
	Actor string `json:"actor" validate:"required,max=128"`
	Notes string `json:"notes" validate:"max=2000"`
}

// handleAcknowledge responds to POST /api/v1/alerts/{id}/acknowledge.
func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	var req acknowledgeRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	a, err := s.alerts.Acknowledge(r.Context(), chi.URLParam(r, "id"), req.Actor, req.Notes)
	if err != nil {
		writeDomainError(w, s.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type resolveRequest struct {
	Actor      string `json:"actor" validate:"required,max=128"`
	Resolution string `json:"resolution" validate:"max=2000"`
	FalseAlarm bool   `json:"false_alarm"`
	Feedback   string `json:"feedback" validate:"max=2000"`
}

// handleResolve responds to POST /api/v1/alerts/{id}/resolve.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	a, err := s.alerts.Resolve(r.Context(), chi.URLParam(r, "id"), alerting.ResolveRequest{
		By:         req.Actor,
		Resolution: req.Resolution,
		FalseAlarm: req.FalseAlarm,
		Feedback:   req.Feedback,
	})
	if err != nil {
		writeDomainError(w, s.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type patchRequest struct {
	Actor       string               `json:"actor" validate:"required,max=128"`
	Severity    *storage.Severity    `json:"severity"`
	Status      *storage.AlertStatus `json:"status"`
	Priority    *int                 `json:"priority"`
	Title       *string              `json:"title" validate:"omitempty,max=200"`
	Description *string              `json:"description" validate:"omitempty,max=2000"`
	Actionable  *string              `json:"actionable" validate:"omitempty,max=2000"`
}

// handlePatchAlert responds to PATCH /api/v1/alerts/{id}. Enum and range
// checks happen in the alert manager and come back as 400.
func (s *Server) handlePatchAlert(w http.ResponseWriter, r *http.Request) {
	var req patchRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	a, err := s.alerts.Update(r.Context(), chi.URLParam(r, "id"), req.Actor, storage.AlertPatch{
		Severity:    req.Severity,
		Status:      req.Status,
		Priority:    req.Priority,
		Title:       req.Title,
		Description: req.Description,
		Actionable:  req.Actionable,
	})
	if err != nil {
		writeDomainError(w, s.logger, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// intParam parses an optional integer query parameter. An empty value yields
// def. Values below lo are rejected with 400.
func intParam(w http.ResponseWriter, raw, name string, lo, def int) (int, bool) {
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < lo {
		writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("'%s' must be an integer >= %d", name, lo))
		return 0, false
	}
	return v, true
}
