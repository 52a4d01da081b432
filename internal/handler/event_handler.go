package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"security-log-service/internal/correlation"
	"security-log-service/internal/model"
	"security-log-service/internal/seclog"
	"security-log-service/internal/util"
)

// EventHandler exposes the ingest API over HTTP. Every accepted event
// runs the full pipeline synchronously, so the response can carry the
// computed score and severity.
type EventHandler struct {
	security *seclog.Logger
	logger   *zap.Logger
}

func NewEventHandler(security *seclog.Logger, logger *zap.Logger) *EventHandler {
	return &EventHandler{
		security: security,
		logger:   logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// EventRequest is the wire form of a generic security event.
type EventRequest struct {
	Type      string         `json:"type"`
	Severity  string         `json:"severity,omitempty"`
	Message   string         `json:"message"`
	UserID    string         `json:"user_id,omitempty"`
	IP        string         `json:"ip_address,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Resource  string         `json:"resource,omitempty"`
	Action    string         `json:"action,omitempty"`
	Outcome   string         `json:"outcome,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// AuthEventRequest reports an authentication attempt.
type AuthEventRequest struct {
	UserID    string `json:"user_id"`
	IP        string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Outcome   string `json:"outcome"`
	Reason    string `json:"reason,omitempty"`
}

// DataAccessRequest reports an operation on sensitive data.
type DataAccessRequest struct {
	UserID      string         `json:"user_id"`
	DataType    string         `json:"data_type"`
	Operation   string         `json:"operation"`
	RecordCount int            `json:"record_count"`
	IP          string         `json:"ip_address,omitempty"`
	Endpoint    string         `json:"endpoint,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// AuditRequest is the wire form of a compliance audit record.
type AuditRequest struct {
	EventType string         `json:"event_type"`
	Actor     string         `json:"actor"`
	Resource  string         `json:"resource,omitempty"`
	Action    string         `json:"action,omitempty"`
	Outcome   string         `json:"outcome,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// RegisterRoutes registers all ingest routes
func (h *EventHandler) RegisterRoutes(router chi.Router) {
	router.Route("/events", func(r chi.Router) {
		r.Post("/", h.IngestEvent)
		r.Post("/auth", h.IngestAuthEvent)
		r.Post("/data-access", h.IngestDataAccess)
	})

	router.Post("/audit", h.IngestAuditEvent)
	router.Get("/statistics", h.GetStatistics)

	router.Group(func(r chi.Router) {
		r.Use(RequireAdmin)
		r.Post("/reset", h.ResetState)
	})
}

// IngestEvent accepts one security event and runs it through the
// pipeline.
func (h *EventHandler) IngestEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req EventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	eventType, err := model.ParseEventType(req.Type)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid event type")
		return
	}
	if req.Message == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("message is required"), "Message is required")
		return
	}

	outcome := model.OutcomeSuccess
	if req.Outcome != "" {
		if outcome, err = model.ParseOutcome(req.Outcome); err != nil {
			h.respondWithError(w, http.StatusBadRequest, err, "Invalid outcome")
			return
		}
	}

	// The caller's severity is advisory; scoring derives the final one.
	var severity model.Severity
	if req.Severity != "" {
		if severity, err = model.ParseSeverity(req.Severity); err != nil {
			h.respondWithError(w, http.StatusBadRequest, err, "Invalid severity")
			return
		}
	}

	ip := req.IP
	if ip == "" {
		ip = clientIP(r)
	}

	event := &model.SecurityEvent{
		Type:      eventType,
		Severity:  severity,
		Message:   req.Message,
		UserID:    req.UserID,
		IP:        ip,
		UserAgent: req.UserAgent,
		SessionID: req.SessionID,
		Resource:  req.Resource,
		Action:    req.Action,
		Outcome:   outcome,
		Details:   req.Details,
	}
	h.security.LogSecurityEvent(ctx, event)

	h.respondWithJSON(w, http.StatusAccepted, successResponse(map[string]any{
		"event_id":       event.ID,
		"correlation_id": event.CorrelationID,
		"severity":       event.Severity,
		"risk_score":     event.RiskScore,
	}, "Event accepted"))
	h.logger.Debug("Security event ingested via HTTP",
		util.String("event_type", string(event.Type)),
		util.String("severity", string(event.Severity)),
		util.Int("risk_score", event.RiskScore),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "IngestEvent"),
	)
}

// IngestAuthEvent accepts an authentication attempt report.
func (h *EventHandler) IngestAuthEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req AuthEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	ip := req.IP
	if ip == "" {
		ip = clientIP(r)
	}

	switch req.Outcome {
	case "success":
		h.security.LogAuthenticationSuccess(ctx, req.UserID, ip, req.UserAgent)
	case "failure":
		h.security.LogAuthenticationFailure(ctx, req.UserID, ip, req.UserAgent, req.Reason)
	default:
		h.respondWithError(w, http.StatusBadRequest,
			errors.New("outcome must be success or failure"), "Invalid outcome")
		return
	}

	h.respondWithJSON(w, http.StatusAccepted, successResponse(map[string]any{
		"correlation_id": correlation.FromContext(ctx),
	}, "Event accepted"))
	h.logger.Debug("Authentication event ingested via HTTP",
		util.String("outcome", req.Outcome),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "IngestAuthEvent"),
	)
}

// IngestDataAccess accepts a sensitive data operation report. It emits
// both a risk-scored security event and an audit record.
func (h *EventHandler) IngestDataAccess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req DataAccessRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if req.UserID == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("user_id is required"), "User ID is required")
		return
	}
	if req.DataType == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("data_type is required"), "Data type is required")
		return
	}
	operation, err := model.ParseOperation(req.Operation)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid operation")
		return
	}
	if req.RecordCount < 0 {
		h.respondWithError(w, http.StatusBadRequest, errors.New("record_count must not be negative"), "Invalid record count")
		return
	}

	ip := req.IP
	if ip == "" {
		ip = clientIP(r)
	}

	h.security.LogDataAccess(ctx, &model.DataAccessEvent{
		UserID:      req.UserID,
		DataType:    req.DataType,
		Operation:   operation,
		RecordCount: req.RecordCount,
		IP:          ip,
		Endpoint:    req.Endpoint,
		Metadata:    req.Metadata,
	})

	h.respondWithJSON(w, http.StatusAccepted, successResponse(map[string]any{
		"correlation_id": correlation.FromContext(ctx),
	}, "Event accepted"))
	h.logger.Debug("Data access event ingested via HTTP",
		util.String("data_type", req.DataType),
		util.String("operation", string(operation)),
		util.Int("record_count", req.RecordCount),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "IngestDataAccess"),
	)
}

// IngestAuditEvent accepts a compliance audit record.
func (h *EventHandler) IngestAuditEvent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req AuditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if req.EventType == "" {
		h.respondWithError(w, http.StatusBadRequest, errors.New("event_type is required"), "Event type is required")
		return
	}

	outcome := model.OutcomeSuccess
	if req.Outcome != "" {
		var err error
		if outcome, err = model.ParseOutcome(req.Outcome); err != nil {
			h.respondWithError(w, http.StatusBadRequest, err, "Invalid outcome")
			return
		}
	}

	audit := &model.AuditEvent{
		EventType: req.EventType,
		Actor:     req.Actor,
		Resource:  req.Resource,
		Action:    req.Action,
		Outcome:   outcome,
		Metadata:  req.Metadata,
	}
	h.security.LogAuditEvent(ctx, audit)

	h.respondWithJSON(w, http.StatusAccepted, successResponse(map[string]any{
		"audit_id":       audit.ID,
		"correlation_id": audit.CorrelationID,
	}, "Audit record accepted"))
	h.logger.Debug("Audit event ingested via HTTP",
		util.String("event_type", req.EventType),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "IngestAuditEvent"),
	)
}

// GetStatistics reports pipeline counters, cache sizes, alert and sink
// stats.
func (h *EventHandler) GetStatistics(w http.ResponseWriter, r *http.Request) {
	stats := h.security.GetStatistics()
	h.respondWithJSON(w, http.StatusOK, successResponse(stats, "Statistics retrieved successfully"))
}

// ResetState clears counters, caches and tallies. Admin only.
func (h *EventHandler) ResetState(w http.ResponseWriter, r *http.Request) {
	h.security.Reset()

	callerID := ""
	if c, ok := CallerFromContext(r.Context()); ok {
		callerID = c.ID
	}
	h.logger.Warn("Security pipeline state reset via HTTP",
		util.String("caller", callerID),
		util.String("method", "ResetState"),
	)

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Security pipeline state reset"))
}

// Helper Methods

// respondWithJSON sends a JSON response
func (h *EventHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response
func (h *EventHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}
