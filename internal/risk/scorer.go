package risk

import (
	"encoding/json"
	"net"
	"regexp"
	"strings"
	"time"

	"security-log-service/internal/bucketing"
	"security-log-service/internal/config"
	"security-log-service/internal/model"

	"go.uber.org/zap"
)

// Factor tags attached to assessments.
const (
	FactorRepeatedIP     = "repeated_ip"
	FactorFailureOutcome = "failure_outcome"
	FactorPrivilegedOp   = "privileged_operation"
	FactorBulkDataOp     = "bulk_data_operation"
	FactorInternalIP     = "internal_ip"
)

// Severity thresholds on the 0-100 score.
const (
	maxScore           = 100
	severityCriticalAt = 80
	severityHighAt     = 50
	severityMediumAt   = 20
)

// Modifier points. The repeat-IP step and cap come from configuration.
const (
	failureOutcomePoints = 10
	privilegedOpPoints   = 15
	bulkDataOpPoints     = 40
	internalIPDiscount   = 5
	defaultBasePoints    = 10

	bulkRecordThreshold = 100
)

var basePoints = map[model.EventType]int{
	model.EventSQLInjectionAttempt:   80,
	model.EventXSSAttempt:            80,
	model.EventSuspiciousActivity:    50,
	model.EventRateLimitExceeded:     30,
	model.EventAuthenticationFailure: 20,
	model.EventAuthorizationFailure:  15,
}

var privilegedActionPattern = regexp.MustCompile(`(?i)(admin|delete|export)`)

// Assessment is the scorer's verdict for one event. Deterministic given the
// event and the counter state at scoring time.
type Assessment struct {
	Score    int
	Factors  []string
	Severity model.Severity

	// IPCount is the per-IP occurrence count after this event, fed to the
	// attack pattern analyzer.
	IPCount int

	// Cached reports whether the assessment was served from the score
	// cache rather than computed.
	Cached bool
}

// Engine owns the event counters and the score cache. One engine belongs to
// exactly one pipeline instance.
type Engine struct {
	cfg      config.RiskConfig
	counters *CounterSet
	cache    *scoreCache
	trusted  []*net.IPNet
}

func NewEngine(cfg *config.Config, buckets *bucketing.BucketingManager, logger *zap.Logger) *Engine {
	e := &Engine{
		cfg:      cfg.Risk,
		counters: NewCounterSet(cfg.Risk.CounterStaleness, buckets),
		cache:    newScoreCache(cfg.Risk.CacheTTL),
	}

	for _, cidr := range cfg.Risk.TrustedCIDRs {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			logger.Warn("Skipping invalid trusted CIDR",
				zap.String("cidr", cidr), zap.Error(err))
			continue
		}
		e.trusted = append(e.trusted, ipnet)
	}

	return e
}

// Score updates the counters for event and returns its risk assessment.
// Counters are bumped before scoring for every event, cache hit or not, so
// the event's own occurrence is visible to its score and to pattern
// analysis.
func (e *Engine) Score(event *model.SecurityEvent) Assessment {
	now := event.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	var ipCount int
	if event.IP != "" {
		ipCount = e.counters.Increment(IPKey(event.IP), now)
	}
	if event.UserID != "" {
		e.counters.Increment(UserKey(event.UserID), now)
	}
	e.counters.Increment(TypeKey(string(event.Type)), now)

	bonus := e.repeatBonus(ipCount)

	key := cacheKey(event.Type, event.IP, event.UserID)
	if entry, ok := e.cache.get(key, bonus, now); ok {
		return Assessment{
			Score:    entry.score,
			Factors:  append([]string(nil), entry.factors...),
			Severity: entry.severity,
			IPCount:  ipCount,
			Cached:   true,
		}
	}

	score, factors := e.compute(event, bonus)
	severity := SeverityForScore(score)

	e.cache.put(key, &cacheEntry{
		score:       score,
		factors:     factors,
		severity:    severity,
		repeatBonus: bonus,
	}, now)

	return Assessment{
		Score:    score,
		Factors:  append([]string(nil), factors...),
		Severity: severity,
		IPCount:  ipCount,
	}
}

func (e *Engine) compute(event *model.SecurityEvent, repeatBonus int) (int, []string) {
	score := basePointsFor(event.Type)
	factors := make([]string, 0, 4)

	if repeatBonus > 0 {
		score += repeatBonus
		factors = append(factors, FactorRepeatedIP)
	}
	if event.Outcome == model.OutcomeFailure {
		score += failureOutcomePoints
		factors = append(factors, FactorFailureOutcome)
	}
	if event.Action != "" && privilegedActionPattern.MatchString(event.Action) {
		score += privilegedOpPoints
		factors = append(factors, FactorPrivilegedOp)
	}
	if event.Type == model.EventDataAccess && e.bulkDataOperation(event) {
		score += bulkDataOpPoints
		factors = append(factors, FactorBulkDataOp)
	}
	if e.isTrustedIP(event.IP) {
		score -= internalIPDiscount
		factors = append(factors, FactorInternalIP)
	}

	if score < 0 {
		score = 0
	}
	if score > maxScore {
		score = maxScore
	}

	return score, factors
}

func basePointsFor(t model.EventType) int {
	if pts, ok := basePoints[t]; ok {
		return pts
	}
	return defaultBasePoints
}

// SeverityForScore maps a 0-100 score onto the ordinal severity scale. The
// derived severity overwrites whatever the caller supplied.
func SeverityForScore(score int) model.Severity {
	switch {
	case score >= severityCriticalAt:
		return model.SeverityCritical
	case score >= severityHighAt:
		return model.SeverityHigh
	case score >= severityMediumAt:
		return model.SeverityMedium
	default:
		return model.SeverityLow
	}
}

func (e *Engine) repeatBonus(ipCount int) int {
	if ipCount <= e.cfg.RepeatThreshold {
		return 0
	}
	bonus := (ipCount - e.cfg.RepeatThreshold) * e.cfg.RepeatStep
	if bonus > e.cfg.RepeatCap {
		bonus = e.cfg.RepeatCap
	}
	return bonus
}

// bulkDataOperation reports whether a data-access event destroys or
// exfiltrates more than bulkRecordThreshold records.
func (e *Engine) bulkDataOperation(event *model.SecurityEvent) bool {
	count, ok := detailInt(event.Details, "record_count")
	if !ok || count <= bulkRecordThreshold {
		return false
	}

	op := event.Action
	if v, ok := event.Details["operation"].(string); ok && v != "" {
		op = v
	}
	return model.Operation(strings.ToLower(op)).Destructive()
}

func (e *Engine) isTrustedIP(ip string) bool {
	if ip == "" || len(e.trusted) == 0 {
		return false
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, ipnet := range e.trusted {
		if ipnet.Contains(parsed) {
			return true
		}
	}
	return false
}

// detailInt reads an integer detail that may arrive as any numeric type,
// including JSON-decoded float64 or json.Number.
func detailInt(details map[string]any, key string) (int, bool) {
	if details == nil {
		return 0, false
	}
	switch v := details[key].(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case uint:
		return int(v), true
	case uint64:
		return int(v), true
	case float32:
		return int(v), true
	case float64:
		return int(v), true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n), true
		}
	}
	return 0, false
}

// IPCount exposes the live per-IP count, used by pattern analysis tests and
// statistics.
func (e *Engine) IPCount(ip string, now time.Time) int {
	return e.counters.Get(IPKey(ip), now)
}

// CounterSnapshot copies live counters for the statistics API.
func (e *Engine) CounterSnapshot(now time.Time) map[string]Counter {
	return e.counters.Snapshot(now)
}

// CacheSize reports the number of cached assessments.
func (e *Engine) CacheSize() int {
	return e.cache.len()
}

// Reset clears all counters and cached assessments.
func (e *Engine) Reset() {
	e.counters.Reset()
	e.cache.reset()
}
