package models

import (
	"time"
)

// AuditRecord is one link in the append-only audit chain. RecordHash
// covers PrevHash plus the record payload, so any retroactive edit to a
// stored record breaks verification of every later link in its
// partition.
type AuditRecord struct {
	Day           string    `db:"day"`
	Seq           string    `db:"seq"`
	RecordedAt    time.Time `db:"recorded_at"`
	CorrelationID string    `db:"correlation_id"`
	EventType     string    `db:"event_type"`
	Action        string    `db:"action"`
	Resource      string    `db:"resource"`
	UserID        string    `db:"user_id"`
	Outcome       string    `db:"outcome"`
	Payload       string    `db:"payload"`
	PrevHash      string    `db:"prev_hash"`
	RecordHash    string    `db:"record_hash"`
}
