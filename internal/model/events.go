package model

import (
	"fmt"
	"time"
)

// -------------------- EVENT TYPES --------------------

// EventType is the closed set of recognized security event kinds. Unknown
// inbound strings are rejected at the API boundary, not here.
type EventType string

const (
	EventAuthenticationSuccess EventType = "authentication_success"
	EventAuthenticationFailure EventType = "authentication_failure"
	EventAuthorizationFailure  EventType = "authorization_failure"
	EventSuspiciousActivity    EventType = "suspicious_activity"
	EventSQLInjectionAttempt   EventType = "sql_injection_attempt"
	EventXSSAttempt            EventType = "xss_attempt"
	EventCSRFAttempt           EventType = "csrf_attempt"
	EventPrivilegeEscalation   EventType = "privilege_escalation"
	EventRateLimitExceeded     EventType = "rate_limit_exceeded"
	EventDataAccess            EventType = "data_access"
	EventSessionExpired        EventType = "session_expired"
	EventConfigurationChange   EventType = "configuration_change"
)

var eventTypes = map[EventType]struct{}{
	EventAuthenticationSuccess: {},
	EventAuthenticationFailure: {},
	EventAuthorizationFailure:  {},
	EventSuspiciousActivity:    {},
	EventSQLInjectionAttempt:   {},
	EventXSSAttempt:            {},
	EventCSRFAttempt:           {},
	EventPrivilegeEscalation:   {},
	EventRateLimitExceeded:     {},
	EventDataAccess:            {},
	EventSessionExpired:        {},
	EventConfigurationChange:   {},
}

// ParseEventType validates an inbound type string.
func ParseEventType(s string) (EventType, error) {
	t := EventType(s)
	if _, ok := eventTypes[t]; !ok {
		return "", fmt.Errorf("unknown event type %q", s)
	}
	return t, nil
}

// IsInjection reports whether the type is an injection-style attack
// attempt. These always alert regardless of computed severity.
func (t EventType) IsInjection() bool {
	switch t {
	case EventSQLInjectionAttempt, EventXSSAttempt, EventCSRFAttempt, EventPrivilegeEscalation:
		return true
	}
	return false
}

// -------------------- SEVERITY --------------------

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank gives severities a total order: low < medium < high < critical.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

func ParseSeverity(s string) (Severity, error) {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(s), nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// -------------------- OUTCOME --------------------

type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeBlocked Outcome = "blocked"
)

func ParseOutcome(s string) (Outcome, error) {
	switch Outcome(s) {
	case OutcomeSuccess, OutcomeFailure, OutcomeBlocked:
		return Outcome(s), nil
	}
	return "", fmt.Errorf("unknown outcome %q", s)
}

// -------------------- SECURITY EVENT --------------------

// SecurityEvent is one observed security-relevant occurrence. RiskScore and
// RiskFactors are attached by the risk scorer, never caller-supplied; the
// scorer's derived severity overwrites the caller's.
type SecurityEvent struct {
	ID            string         `json:"id"`
	Type          EventType      `json:"type"`
	Severity      Severity       `json:"severity"`
	Message       string         `json:"message"`
	UserID        string         `json:"user_id,omitempty"`
	IP            string         `json:"ip,omitempty"`
	UserAgent     string         `json:"user_agent,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	Resource      string         `json:"resource,omitempty"`
	Action        string         `json:"action,omitempty"`
	Outcome       Outcome        `json:"outcome"`
	Details       map[string]any `json:"details,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	RiskScore     int            `json:"risk_score"`
	RiskFactors   []string       `json:"risk_factors,omitempty"`

	// Synthetic marks events originated by the attack pattern analyzer.
	// They flow through the pipeline like organic events but are never
	// re-analyzed.
	Synthetic bool `json:"synthetic,omitempty"`
}

// -------------------- AUDIT EVENT --------------------

// AuditEvent is a compliance record of an action taken on a resource.
// Audit records are append-only: every store they reach treats them as
// write-once.
type AuditEvent struct {
	ID            string         `json:"id"`
	EventType     string         `json:"event_type"`
	Actor         string         `json:"actor"`
	Resource      string         `json:"resource"`
	Action        string         `json:"action"`
	Outcome       Outcome        `json:"outcome"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// -------------------- DATA ACCESS --------------------

type Operation string

const (
	OperationRead   Operation = "read"
	OperationWrite  Operation = "write"
	OperationDelete Operation = "delete"
	OperationExport Operation = "export"
)

func ParseOperation(s string) (Operation, error) {
	switch Operation(s) {
	case OperationRead, OperationWrite, OperationDelete, OperationExport:
		return Operation(s), nil
	}
	return "", fmt.Errorf("unknown operation %q", s)
}

// Destructive reports whether the operation removes or exfiltrates data.
func (o Operation) Destructive() bool {
	return o == OperationDelete || o == OperationExport
}

// DataAccessEvent describes an operation on sensitive or PII-tagged data.
// One call always yields both a SecurityEvent (risk scored) and an
// AuditEvent (compliance), regardless of computed severity.
type DataAccessEvent struct {
	UserID      string         `json:"user_id"`
	DataType    string         `json:"data_type"`
	Operation   Operation      `json:"operation"`
	RecordCount int            `json:"record_count"`
	IP          string         `json:"ip,omitempty"`
	Endpoint    string         `json:"endpoint,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}
