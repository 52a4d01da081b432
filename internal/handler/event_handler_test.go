package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"security-log-service/internal/bucketing"
	"security-log-service/internal/config"
	"security-log-service/internal/hashing"
	"security-log-service/internal/risk"
	"security-log-service/internal/scrub"
	"security-log-service/internal/seclog"
)

const (
	testIngestKey = "ingest-key"
	testAdminKey  = "admin-key"
)

func handlerConfig() *config.Config {
	cfg := &config.Config{Environment: "development"}
	cfg.Service.Name = "security-log-service"
	cfg.Security.Enabled = true
	cfg.Security.Level = "warn"
	cfg.Security.SensitiveDataMasking = true
	cfg.Security.PayloadMaxLen = 500
	cfg.Audit.RetentionDays = 2555
	cfg.Risk = config.RiskConfig{
		RepeatThreshold:  5,
		RepeatStep:       5,
		RepeatCap:        30,
		AttackThreshold:  10,
		CounterStaleness: time.Hour,
		CacheTTL:         5 * time.Minute,
	}
	// Cheap Argon2 so key hashing at construction stays fast.
	cfg.Hashing = config.HashingConfig{ArgonTime: 1, ArgonMemory: 8 * 1024, ArgonThreads: 1}
	cfg.RateLimit.APIKeys = []string{testIngestKey}
	cfg.RateLimit.AdminAPIKey = testAdminKey
	return cfg
}

// newTestServer wires the real pipeline behind the real router, minus
// the external backends: no sinks, no alerting, no Redis limiter.
func newTestServer(t *testing.T, ready ReadyChecker) (*httptest.Server, *seclog.Logger) {
	t.Helper()
	cfg := handlerConfig()
	op := zaptest.NewLogger(t)

	security := seclog.New(cfg, seclog.Options{
		Engine:   risk.NewEngine(cfg, bucketing.NewBucketingManager(cfg), op),
		Analyzer: risk.NewAnalyzer(cfg),
		Scrubber: scrub.NewScrubber(cfg),
	}, op)
	t.Cleanup(security.Close)

	auth, err := NewAuthenticator(cfg, hashing.NewHasher(cfg), security, op)
	require.NoError(t, err)

	router := NewRouter(cfg, NewEventHandler(security, op), auth, nil, ready, op)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, security
}

type apiResponse struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data"`
	Error   string         `json:"error"`
	Message string         `json:"message"`
}

// doJSON sends one request. A string body goes on the wire as-is, any
// other body is marshalled; apiKey may be empty for anonymous calls.
func doJSON(t *testing.T, srv *httptest.Server, method, path, apiKey string, body any, headers map[string]string) (*http.Response, apiResponse) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}

	req, err := http.NewRequest(method, srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var parsed apiResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&parsed))
	return resp, parsed
}

func TestNewAuthenticatorRequiresKeys(t *testing.T) {
	cfg := handlerConfig()
	cfg.RateLimit.APIKeys = nil
	cfg.RateLimit.AdminAPIKey = ""

	_, err := NewAuthenticator(cfg, hashing.NewHasher(cfg), nil, zaptest.NewLogger(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no API keys configured")
}

func TestAuthenticatorCallerIdentity(t *testing.T) {
	cfg := handlerConfig()
	auth, err := NewAuthenticator(cfg, hashing.NewHasher(cfg), nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	admin, ok := auth.authenticate(testAdminKey)
	require.True(t, ok)
	assert.Equal(t, Caller{ID: "admin", Admin: true}, admin)

	caller, ok := auth.authenticate(testIngestKey)
	require.True(t, ok)
	assert.False(t, caller.Admin)
	assert.Len(t, caller.ID, len("key-")+8)
	assert.Equal(t, "key-", caller.ID[:4])

	// Second lookup comes from the fingerprint cache and must agree.
	again, ok := auth.authenticate(testIngestKey)
	require.True(t, ok)
	assert.Equal(t, caller, again)

	_, ok = auth.authenticate("stolen-key")
	assert.False(t, ok)
}

func TestAPIRejectsUnauthenticatedRequests(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	tests := []struct {
		name    string
		headers map[string]string
	}{
		{"no credentials", nil},
		{"wrong header key", map[string]string{"X-API-Key": "stolen-key"}},
		{"wrong bearer token", map[string]string{"Authorization": "Bearer stolen-key"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, parsed := doJSON(t, srv, http.MethodGet, "/api/v1/statistics", "", nil, tt.headers)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
			assert.False(t, parsed.Success)
			assert.Equal(t, "unauthorized", parsed.Error)
		})
	}
}

func TestIngestEventAccepted(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, parsed := doJSON(t, srv, http.MethodPost, "/api/v1/events", testIngestKey, map[string]any{
		"type":       "authentication_failure",
		"message":    "User authentication failed",
		"user_id":    "user-123",
		"ip_address": "203.0.113.7",
		"outcome":    "failure",
	}, nil)

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.True(t, parsed.Success)
	assert.Equal(t, "Event accepted", parsed.Message)

	_, err := uuid.Parse(parsed.Data["event_id"].(string))
	assert.NoError(t, err)
	assert.NotEmpty(t, parsed.Data["correlation_id"])
	assert.Equal(t, "medium", parsed.Data["severity"])
	assert.Equal(t, float64(30), parsed.Data["risk_score"])
}

func TestIngestEventEchoesCorrelationID(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, parsed := doJSON(t, srv, http.MethodPost, "/api/v1/events", testIngestKey, map[string]any{
		"type":    "data_access",
		"message": "Profile viewed",
	}, map[string]string{"X-Correlation-ID": "corr-http-1"})

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "corr-http-1", resp.Header.Get("X-Correlation-ID"))
	assert.Equal(t, "corr-http-1", parsed.Data["correlation_id"])
}

// The caller's severity is advisory. The response carries what scoring
// derived, not what the client claimed.
func TestIngestEventSeverityIsDerived(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, parsed := doJSON(t, srv, http.MethodPost, "/api/v1/events", testIngestKey, map[string]any{
		"type":     "authentication_success",
		"severity": "critical",
		"message":  "User logged in",
		"outcome":  "success",
	}, nil)

	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "low", parsed.Data["severity"])
	assert.Equal(t, float64(10), parsed.Data["risk_score"])
}

func TestIngestEventValidation(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	tests := []struct {
		name    string
		body    any
		wantErr string
	}{
		{"malformed json", `{"type":`, "EOF"},
		{
			"unknown event type",
			map[string]any{"type": "coffee_break", "message": "m"},
			"unknown event type",
		},
		{
			"missing message",
			map[string]any{"type": "xss_attempt"},
			"message is required",
		},
		{
			"invalid outcome",
			map[string]any{"type": "xss_attempt", "message": "m", "outcome": "partial"},
			"unknown outcome",
		},
		{
			"invalid severity",
			map[string]any{"type": "xss_attempt", "message": "m", "severity": "catastrophic"},
			"unknown severity",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, parsed := doJSON(t, srv, http.MethodPost, "/api/v1/events", testIngestKey, tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.False(t, parsed.Success)
			assert.Contains(t, parsed.Error, tt.wantErr)
		})
	}
}

func TestIngestAuthEvent(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, parsed := doJSON(t, srv, http.MethodPost, "/api/v1/events/auth", testIngestKey, map[string]any{
		"user_id":    "user-9",
		"ip_address": "198.51.100.4",
		"outcome":    "success",
	}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, parsed.Data["correlation_id"])

	resp, _ = doJSON(t, srv, http.MethodPost, "/api/v1/events/auth", testIngestKey, map[string]any{
		"user_id":    "user-9",
		"ip_address": "198.51.100.4",
		"outcome":    "failure",
		"reason":     "bad password",
	}, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, parsed = doJSON(t, srv, http.MethodPost, "/api/v1/events/auth", testIngestKey, map[string]any{
		"user_id": "user-9",
		"outcome": "maybe",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, parsed.Error, "outcome must be success or failure")
}

func TestIngestDataAccess(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, parsed := doJSON(t, srv, http.MethodPost, "/api/v1/events/data-access", testIngestKey, map[string]any{
		"user_id":      "analyst-1",
		"data_type":    "customer_pii",
		"operation":    "delete",
		"record_count": 150,
		"ip_address":   "203.0.113.9",
		"endpoint":     "/api/users/purge",
	}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.NotEmpty(t, parsed.Data["correlation_id"])

	tests := []struct {
		name    string
		body    map[string]any
		wantErr string
	}{
		{
			"missing user id",
			map[string]any{"data_type": "pii", "operation": "read"},
			"user_id is required",
		},
		{
			"missing data type",
			map[string]any{"user_id": "u", "operation": "read"},
			"data_type is required",
		},
		{
			"unknown operation",
			map[string]any{"user_id": "u", "data_type": "pii", "operation": "peek"},
			"unknown operation",
		},
		{
			"negative record count",
			map[string]any{"user_id": "u", "data_type": "pii", "operation": "read", "record_count": -1},
			"record_count must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, parsed := doJSON(t, srv, http.MethodPost, "/api/v1/events/data-access", testIngestKey, tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Contains(t, parsed.Error, tt.wantErr)
		})
	}
}

func TestIngestAuditEvent(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, parsed := doJSON(t, srv, http.MethodPost, "/api/v1/audit", testIngestKey, map[string]any{
		"event_type": "permission_grant",
		"actor":      "admin@example.com",
		"resource":   "role:auditor",
		"action":     "grant",
		"outcome":    "success",
	}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "Audit record accepted", parsed.Message)

	_, err := uuid.Parse(parsed.Data["audit_id"].(string))
	assert.NoError(t, err)
	assert.NotEmpty(t, parsed.Data["correlation_id"])

	resp, parsed = doJSON(t, srv, http.MethodPost, "/api/v1/audit", testIngestKey, map[string]any{
		"actor": "admin@example.com",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, parsed.Error, "event_type is required")
}

func TestStatisticsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	_, _ = doJSON(t, srv, http.MethodPost, "/api/v1/events", testIngestKey, map[string]any{
		"type":       "authentication_failure",
		"message":    "failed login",
		"ip_address": "203.0.113.50",
		"outcome":    "failure",
	}, nil)
	_, _ = doJSON(t, srv, http.MethodPost, "/api/v1/audit", testIngestKey, map[string]any{
		"event_type": "config_change",
		"actor":      "ops",
	}, nil)

	resp, parsed := doJSON(t, srv, http.MethodGet, "/api/v1/statistics", testIngestKey, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.True(t, parsed.Success)

	assert.Equal(t, float64(1), parsed.Data["total_events"])
	assert.Equal(t, float64(1), parsed.Data["audit_events"])

	byType, ok := parsed.Data["events_by_type"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), byType["authentication_failure"])
}

// Without an explicit ip_address the ingest endpoint attributes the
// event to the connecting client.
func TestIngestEventFallsBackToClientIP(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, _ := doJSON(t, srv, http.MethodPost, "/api/v1/events", testIngestKey, map[string]any{
		"type":    "rate_limit_exceeded",
		"message": "too many requests",
	}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	_, parsed := doJSON(t, srv, http.MethodGet, "/api/v1/statistics", testIngestKey, nil, nil)
	counters, ok := parsed.Data["counters"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, counters, "ip-127.0.0.1")
}

func TestResetRequiresAdmin(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	_, _ = doJSON(t, srv, http.MethodPost, "/api/v1/events", testIngestKey, map[string]any{
		"type":    "xss_attempt",
		"message": "script tag in comment field",
	}, nil)

	resp, parsed := doJSON(t, srv, http.MethodPost, "/api/v1/reset", testIngestKey, nil, nil)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "admin access required", parsed.Error)

	// Denied resets must not touch state.
	_, parsed = doJSON(t, srv, http.MethodGet, "/api/v1/statistics", testIngestKey, nil, nil)
	assert.Equal(t, float64(1), parsed.Data["total_events"])

	resp, parsed = doJSON(t, srv, http.MethodPost, "/api/v1/reset", testAdminKey, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Security pipeline state reset", parsed.Message)

	_, parsed = doJSON(t, srv, http.MethodGet, "/api/v1/statistics", testIngestKey, nil, nil)
	assert.Equal(t, float64(0), parsed.Data["total_events"])
	assert.NotNil(t, parsed.Data["last_reset"])
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, err := srv.Client().Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, "security-log-service", health["service"])

	resp, err = srv.Client().Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

type staticReady map[string]error

func (s staticReady) HealthCheck(context.Context) map[string]error { return s }

func TestReadinessReportsDegradedBackends(t *testing.T) {
	srv, _ := newTestServer(t, staticReady{
		"redis":  errors.New("connection refused"),
		"scylla": nil,
	})

	resp, err := srv.Client().Get(srv.URL + "/health/ready")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var body struct {
		Status     string            `json:"status"`
		Components map[string]string `json:"components"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "ok", body.Components["scylla"])
	assert.Contains(t, body.Components["redis"], "connection refused")
}

func TestUnknownRouteAndMethod(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	resp, err := srv.Client().Get(srv.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, srv.URL+"/health", nil)
	require.NoError(t, err)
	resp, err = srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
