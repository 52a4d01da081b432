package risk

import (
	"fmt"
	"sync"
	"time"

	"security-log-service/internal/config"
	"security-log-service/internal/model"
)

// Analyzer watches per-IP counts for sustained abuse. When one IP crosses
// the attack threshold inside the staleness window it escalates once: the
// pipeline feeds the synthetic event it builds back through itself like any
// organic event. Synthetic events are never analyzed again, which bounds
// the feedback loop.
type Analyzer struct {
	threshold int
	window    time.Duration

	mu          sync.Mutex
	escalatedAt map[string]time.Time
}

func NewAnalyzer(cfg *config.Config) *Analyzer {
	return &Analyzer{
		threshold:   cfg.Risk.AttackThreshold,
		window:      cfg.Risk.CounterStaleness,
		escalatedAt: make(map[string]time.Time),
	}
}

// ShouldEscalate reports whether event warrants a synthetic escalation,
// given the per-IP count observed when the event was scored. At most one
// escalation is produced per IP per window.
func (a *Analyzer) ShouldEscalate(event *model.SecurityEvent, ipCount int) bool {
	if event.Synthetic || event.IP == "" {
		return false
	}
	if ipCount <= a.threshold {
		return false
	}

	now := event.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if last, ok := a.escalatedAt[event.IP]; ok && now.Sub(last) < a.window {
		return false
	}
	a.escalatedAt[event.IP] = now
	return true
}

// Synthesize builds the critical suspicious-activity event for an abusive
// IP. The event carries the source IP so alert consumers can act on it; its
// severity is re-derived by the scorer like any other event's.
func (a *Analyzer) Synthesize(src *model.SecurityEvent, ipCount int) *model.SecurityEvent {
	now := src.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	return &model.SecurityEvent{
		Type:     model.EventSuspiciousActivity,
		Severity: model.SeverityCritical,
		Message: fmt.Sprintf("Sustained suspicious activity from IP %s: %d events within %s",
			src.IP, ipCount, a.window),
		IP:        src.IP,
		UserAgent: src.UserAgent,
		Outcome:   model.OutcomeFailure,
		Details: map[string]any{
			"source_ip":      src.IP,
			"observed_count": ipCount,
			"window":         a.window.String(),
			"trigger_type":   string(src.Type),
		},
		Timestamp:     now,
		CorrelationID: src.CorrelationID,
		Synthetic:     true,
	}
}

// Reset clears escalation bookkeeping, alongside counter/cache resets.
func (a *Analyzer) Reset() {
	a.mu.Lock()
	a.escalatedAt = make(map[string]time.Time)
	a.mu.Unlock()
}
