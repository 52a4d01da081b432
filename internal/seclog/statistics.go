package seclog

import (
	"sync"
	"time"

	"security-log-service/internal/alert"
	"security-log-service/internal/model"
	"security-log-service/internal/risk"
	"security-log-service/internal/sink"
)

// Statistics is the point-in-time pipeline view served by the stats
// endpoint. Counters carries the live occurrence counters keyed
// "ip-<ip>", "user-<id>" and "type-<type>"; stale entries are already
// excluded.
type Statistics struct {
	TotalEvents      int64                   `json:"total_events"`
	EventsByType     map[string]int64        `json:"events_by_type"`
	EventsBySeverity map[string]int64        `json:"events_by_severity"`
	SyntheticEvents  int64                   `json:"synthetic_events"`
	AuditEvents      int64                   `json:"audit_events"`
	Counters         map[string]risk.Counter `json:"counters"`
	ActiveCounters   int                     `json:"active_counters"`
	CacheEntries     int                     `json:"cache_entries"`
	Alerts           alert.Stats             `json:"alerts"`
	Sinks            []sink.Stats            `json:"sinks,omitempty"`
	StartedAt        time.Time               `json:"started_at"`
	LastReset        *time.Time              `json:"last_reset,omitempty"`
}

// statsTracker accumulates event tallies under one mutex. Heavier state
// (counters, cache) stays with the risk engine and is merged in at
// snapshot time.
type statsTracker struct {
	mu         sync.Mutex
	total      int64
	byType     map[string]int64
	bySeverity map[string]int64
	synthetic  int64
	audit      int64
	startedAt  time.Time
	lastReset  *time.Time
}

func newStatsTracker() *statsTracker {
	return &statsTracker{
		byType:     make(map[string]int64),
		bySeverity: make(map[string]int64),
		startedAt:  time.Now().UTC(),
	}
}

func (s *statsTracker) recordEvent(event *model.SecurityEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.byType[string(event.Type)]++
	s.bySeverity[string(event.Severity)]++
	if event.Synthetic {
		s.synthetic++
	}
}

func (s *statsTracker) recordAudit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit++
}

func (s *statsTracker) fill(stats *Statistics) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats.TotalEvents = s.total
	stats.SyntheticEvents = s.synthetic
	stats.AuditEvents = s.audit
	stats.StartedAt = s.startedAt
	stats.LastReset = s.lastReset

	stats.EventsByType = make(map[string]int64, len(s.byType))
	for k, v := range s.byType {
		stats.EventsByType[k] = v
	}
	stats.EventsBySeverity = make(map[string]int64, len(s.bySeverity))
	for k, v := range s.bySeverity {
		stats.EventsBySeverity[k] = v
	}
}

func (s *statsTracker) reset(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total = 0
	s.synthetic = 0
	s.audit = 0
	s.byType = make(map[string]int64)
	s.bySeverity = make(map[string]int64)
	now = now.UTC()
	s.lastReset = &now
}
