package models

import (
	"time"
)

// SecurityEventRow is the columnar archive shape for a scored event.
// Rows are insert-only; event_bucket spreads writes across partitions.
type SecurityEventRow struct {
	EventBucket   int       `db:"event_bucket"`
	EventDate     string    `db:"event_date"`
	EventTime     time.Time `db:"event_time"`
	EventID       string    `db:"event_id"`
	CorrelationID string    `db:"correlation_id"`
	EventType     string    `db:"event_type"`
	Severity      string    `db:"severity"`
	Message       string    `db:"message"`
	UserID        string    `db:"user_id"`
	IPAddress     string    `db:"ip_address"`
	UserAgent     string    `db:"user_agent"`
	SessionID     string    `db:"session_id"`
	Resource      string    `db:"resource"`
	Action        string    `db:"action"`
	Outcome       string    `db:"outcome"`
	RiskScore     uint8     `db:"risk_score"`
	RiskFactors   []string  `db:"risk_factors"`
	Synthetic     bool      `db:"synthetic"`
	Details       string    `db:"details"`
	Service       string    `db:"service"`
	Environment   string    `db:"environment"`
}
