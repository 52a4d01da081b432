package seclog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"security-log-service/internal/alert"
	"security-log-service/internal/config"
	"security-log-service/internal/correlation"
	"security-log-service/internal/encryption"
	"security-log-service/internal/model"
	"security-log-service/internal/models"
	"security-log-service/internal/repository/scylla"
	"security-log-service/internal/risk"
	"security-log-service/internal/scrub"
	"security-log-service/internal/sink"
	"security-log-service/internal/util"
)

// Logger is the security event pipeline: scrub, score, analyze, write,
// fan out, alert. Every public method returns normally no matter what
// fails downstream; a logging call must never break the caller's
// request path.
type Logger struct {
	cfg        *config.Config
	channels   *channels
	scrubber   *scrub.Scrubber
	engine     *risk.Engine
	analyzer   *risk.Analyzer
	dispatcher *alert.Dispatcher
	transports []*sink.Transport
	auditStore *scylla.AuditStore
	encryptor  *encryption.EncryptionManager
	stats      *statsTracker
	log        *zap.Logger

	enabled    bool
	masking    bool
	compliance bool
	payloadMax int
}

// Options carries the pipeline collaborators. Engine, Analyzer and
// Scrubber are required; everything else degrades to disabled when nil.
type Options struct {
	Engine        *risk.Engine
	Analyzer      *risk.Analyzer
	Scrubber      *scrub.Scrubber
	Dispatcher    *alert.Dispatcher
	Transports    []*sink.Transport
	AuditStore    *scylla.AuditStore
	Encryption    *encryption.EncryptionManager
	LineEncryptor *encryption.LineEncryptor
}

func New(cfg *config.Config, opts Options, operational *zap.Logger) *Logger {
	if operational == nil {
		operational = util.Named("seclog")
	}

	payloadMax := cfg.Security.PayloadMaxLen
	if payloadMax <= 0 {
		payloadMax = 500
	}

	return &Logger{
		cfg:        cfg,
		channels:   buildChannels(cfg, opts.LineEncryptor),
		scrubber:   opts.Scrubber,
		engine:     opts.Engine,
		analyzer:   opts.Analyzer,
		dispatcher: opts.Dispatcher,
		transports: opts.Transports,
		auditStore: opts.AuditStore,
		encryptor:  opts.Encryption,
		stats:      newStatsTracker(),
		log:        operational,
		enabled:    cfg.Security.Enabled,
		masking:    cfg.Security.SensitiveDataMasking,
		compliance: cfg.Security.ComplianceMode,
		payloadMax: payloadMax,
	}
}

// LogSecurityEvent runs one event through the full pipeline. The event
// is mutated in place: identity, correlation, scrubbed fields, risk
// score and derived severity.
func (l *Logger) LogSecurityEvent(ctx context.Context, event *model.SecurityEvent) {
	if !l.enabled || event == nil {
		return
	}
	l.process(ctx, event)
}

func (l *Logger) process(ctx context.Context, event *model.SecurityEvent) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.CorrelationID == "" {
		_, event.CorrelationID = correlation.EnsureID(ctx)
	}

	if l.masking {
		event.Message = l.scrubber.ScrubText(event.Message)
		if event.Details != nil {
			event.Details = l.scrubber.ScrubMap(event.Details)
		}
	}

	assessment := l.engine.Score(event)
	event.RiskScore = assessment.Score
	event.RiskFactors = assessment.Factors
	event.Severity = assessment.Severity

	l.stats.recordEvent(event)
	l.emitSecurity(event)
	l.fanout(event)

	if l.dispatcher != nil && l.dispatcher.ShouldAlert(event) {
		l.dispatcher.DispatchAsync(event)
	}

	// One organic event can spawn at most one synthetic escalation, and
	// synthetic events are never re-analyzed, so this recursion is depth
	// one.
	if l.analyzer.ShouldEscalate(event, assessment.IPCount) {
		l.process(ctx, l.analyzer.Synthesize(event, assessment.IPCount))
	}
}

// -------------------- CONVENIENCE METHODS --------------------

// EventOption attaches optional attributes to an event built by one of
// the convenience methods.
type EventOption func(*model.SecurityEvent)

// WithUserID sets the acting user on the event.
func WithUserID(userID string) EventOption {
	return func(e *model.SecurityEvent) { e.UserID = userID }
}

// WithSessionID ties the event to a session.
func WithSessionID(sessionID string) EventOption {
	return func(e *model.SecurityEvent) { e.SessionID = sessionID }
}

// WithDetail adds one detail entry.
func WithDetail(key string, value any) EventOption {
	return func(e *model.SecurityEvent) {
		if e.Details == nil {
			e.Details = make(map[string]any)
		}
		e.Details[key] = value
	}
}

// WithDetails merges extra into the event's details.
func WithDetails(extra map[string]any) EventOption {
	return func(e *model.SecurityEvent) {
		if len(extra) == 0 {
			return
		}
		if e.Details == nil {
			e.Details = make(map[string]any, len(extra))
		}
		for k, v := range extra {
			e.Details[k] = v
		}
	}
}

func applyOptions(e *model.SecurityEvent, opts []EventOption) {
	for _, opt := range opts {
		opt(e)
	}
}

func (l *Logger) LogAuthenticationSuccess(ctx context.Context, userID, ip, userAgent string, opts ...EventOption) {
	if !l.enabled {
		return
	}
	event := &model.SecurityEvent{
		Type:      model.EventAuthenticationSuccess,
		Message:   "User authentication succeeded",
		UserID:    userID,
		IP:        ip,
		UserAgent: userAgent,
		Outcome:   model.OutcomeSuccess,
	}
	applyOptions(event, opts)
	l.process(ctx, event)
}

func (l *Logger) LogAuthenticationFailure(ctx context.Context, userID, ip, userAgent, reason string, opts ...EventOption) {
	if !l.enabled {
		return
	}
	event := &model.SecurityEvent{
		Type:      model.EventAuthenticationFailure,
		Message:   "User authentication failed",
		UserID:    userID,
		IP:        ip,
		UserAgent: userAgent,
		Outcome:   model.OutcomeFailure,
		Details:   map[string]any{"reason": reason},
	}
	applyOptions(event, opts)
	l.process(ctx, event)
}

func (l *Logger) LogAuthorizationFailure(ctx context.Context, userID, resource, action, ip string, opts ...EventOption) {
	if !l.enabled {
		return
	}
	event := &model.SecurityEvent{
		Type:     model.EventAuthorizationFailure,
		Message:  "Authorization denied",
		UserID:   userID,
		IP:       ip,
		Resource: resource,
		Action:   action,
		Outcome:  model.OutcomeFailure,
	}
	applyOptions(event, opts)
	l.process(ctx, event)
}

func (l *Logger) LogSuspiciousActivity(ctx context.Context, description, ip, userAgent string, opts ...EventOption) {
	if !l.enabled {
		return
	}
	event := &model.SecurityEvent{
		Type:      model.EventSuspiciousActivity,
		Message:   description,
		IP:        ip,
		UserAgent: userAgent,
		Outcome:   model.OutcomeFailure,
	}
	applyOptions(event, opts)
	l.process(ctx, event)
}

func (l *Logger) LogSQLInjectionAttempt(ctx context.Context, ip, userAgent, payload, endpoint string, opts ...EventOption) {
	if !l.enabled {
		return
	}
	event := &model.SecurityEvent{
		Type:      model.EventSQLInjectionAttempt,
		Message:   "SQL injection attempt detected",
		IP:        ip,
		UserAgent: userAgent,
		Resource:  endpoint,
		Outcome:   model.OutcomeBlocked,
		Details: map[string]any{
			"payload":  util.Truncate(payload, l.payloadMax),
			"endpoint": endpoint,
		},
	}
	applyOptions(event, opts)
	l.process(ctx, event)
}

func (l *Logger) LogXSSAttempt(ctx context.Context, ip, userAgent, payload, endpoint string, opts ...EventOption) {
	if !l.enabled {
		return
	}
	event := &model.SecurityEvent{
		Type:      model.EventXSSAttempt,
		Message:   "Cross-site scripting attempt detected",
		IP:        ip,
		UserAgent: userAgent,
		Resource:  endpoint,
		Outcome:   model.OutcomeBlocked,
		Details: map[string]any{
			"payload":  util.Truncate(payload, l.payloadMax),
			"endpoint": endpoint,
		},
	}
	applyOptions(event, opts)
	l.process(ctx, event)
}

func (l *Logger) LogRateLimitExceeded(ctx context.Context, ip, userAgent, endpoint string, requestCount int, timeWindow string, opts ...EventOption) {
	if !l.enabled {
		return
	}
	event := &model.SecurityEvent{
		Type:      model.EventRateLimitExceeded,
		Message:   "Rate limit exceeded",
		IP:        ip,
		UserAgent: userAgent,
		Resource:  endpoint,
		Outcome:   model.OutcomeBlocked,
		Details: map[string]any{
			"endpoint":      endpoint,
			"request_count": requestCount,
			"time_window":   timeWindow,
		},
	}
	applyOptions(event, opts)
	l.process(ctx, event)
}

// LogDataAccess is the dual-emit entry for sensitive data operations:
// one risk-scored security event plus one audit record, always both,
// regardless of the computed severity.
func (l *Logger) LogDataAccess(ctx context.Context, access *model.DataAccessEvent) {
	if !l.enabled || access == nil {
		return
	}

	details := map[string]any{
		"data_type":    access.DataType,
		"operation":    string(access.Operation),
		"record_count": access.RecordCount,
	}
	for k, v := range access.Metadata {
		details[k] = v
	}

	event := &model.SecurityEvent{
		Type:     model.EventDataAccess,
		Message:  fmt.Sprintf("Data access: %s %s", access.Operation, access.DataType),
		UserID:   access.UserID,
		IP:       access.IP,
		Resource: access.DataType,
		Action:   string(access.Operation),
		Outcome:  model.OutcomeSuccess,
		Details:  details,
	}
	l.process(ctx, event)

	l.LogAuditEvent(ctx, &model.AuditEvent{
		EventType:     "data_access",
		Actor:         access.UserID,
		Resource:      access.DataType,
		Action:        string(access.Operation),
		Outcome:       model.OutcomeSuccess,
		CorrelationID: event.CorrelationID,
		Metadata: map[string]any{
			"data_type":    access.DataType,
			"record_count": access.RecordCount,
			"ip":           access.IP,
			"endpoint":     access.Endpoint,
		},
	})
}

// LogAuditEvent writes one compliance record to the audit channel and,
// in compliance mode, appends it to the hash-chained archive.
func (l *Logger) LogAuditEvent(ctx context.Context, audit *model.AuditEvent) {
	if !l.enabled || audit == nil {
		return
	}

	if audit.ID == "" {
		audit.ID = uuid.NewString()
	}
	if audit.Timestamp.IsZero() {
		audit.Timestamp = time.Now().UTC()
	}
	if audit.CorrelationID == "" {
		_, audit.CorrelationID = correlation.EnsureID(ctx)
	}
	if l.masking && audit.Metadata != nil {
		audit.Metadata = l.scrubber.ScrubMap(audit.Metadata)
	}

	l.stats.recordAudit()

	l.channels.audit.Info(audit.EventType,
		zap.String("category", "audit"),
		zap.String("audit_id", audit.ID),
		zap.String("actor", audit.Actor),
		zap.String("resource", audit.Resource),
		zap.String("action", audit.Action),
		zap.String("outcome", string(audit.Outcome)),
		zap.String("correlation_id", audit.CorrelationID),
		zap.Time("event_time", audit.Timestamp),
		zap.Int("retention_days", l.cfg.Audit.RetentionDays),
		zap.Any("metadata", audit.Metadata),
	)

	if l.compliance && l.auditStore != nil {
		l.archiveAudit(ctx, audit)
	}
}

func (l *Logger) archiveAudit(ctx context.Context, audit *model.AuditEvent) {
	payload, err := json.Marshal(audit)
	if err != nil {
		l.log.Error("Failed to encode audit record for archive",
			zap.String("audit_id", audit.ID), zap.Error(err))
		return
	}

	body := string(payload)
	if l.cfg.Security.EncryptLogs && l.encryptor != nil {
		sealed, err := l.encryptor.EncryptField(ctx, body)
		if err != nil {
			l.log.Error("Failed to encrypt audit payload, archiving skipped",
				zap.String("audit_id", audit.ID), zap.Error(err))
			return
		}
		body = sealed.Envelope()
	}

	rec := models.AuditRecord{
		RecordedAt:    audit.Timestamp,
		CorrelationID: audit.CorrelationID,
		EventType:     audit.EventType,
		Action:        audit.Action,
		Resource:      audit.Resource,
		UserID:        audit.Actor,
		Outcome:       string(audit.Outcome),
		Payload:       body,
	}
	if err := l.auditStore.Append(ctx, rec); err != nil {
		l.log.Error("Failed to archive audit record",
			zap.String("audit_id", audit.ID), zap.Error(err))
	}
}

// -------------------- OUTPUTS --------------------

func (l *Logger) emitSecurity(event *model.SecurityEvent) {
	fields := []zap.Field{
		zap.String("category", "security"),
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
		zap.String("severity", string(event.Severity)),
		zap.String("correlation_id", event.CorrelationID),
		zap.Int("risk_score", event.RiskScore),
		zap.Strings("risk_factors", event.RiskFactors),
		zap.String("outcome", string(event.Outcome)),
		zap.Time("event_time", event.Timestamp),
	}
	if event.UserID != "" {
		fields = append(fields, zap.String("user_id", event.UserID))
	}
	if event.IP != "" {
		fields = append(fields, zap.String("ip_address", event.IP))
	}
	if event.UserAgent != "" {
		fields = append(fields, zap.String("user_agent", event.UserAgent))
	}
	if event.SessionID != "" {
		fields = append(fields, zap.String("session_id", event.SessionID))
	}
	if event.Resource != "" {
		fields = append(fields, zap.String("resource", event.Resource))
	}
	if event.Action != "" {
		fields = append(fields, zap.String("action", event.Action))
	}
	if event.Synthetic {
		fields = append(fields, zap.Bool("synthetic", true))
	}
	if len(event.Details) > 0 {
		fields = append(fields, zap.Any("details", event.Details))
	}

	l.channels.security.Log(severityLevel(event.Severity), event.Message, fields...)
}

func (l *Logger) fanout(event *model.SecurityEvent) {
	if len(l.transports) == 0 {
		return
	}

	rec := sink.Record{
		"timestamp":      event.Timestamp,
		"level":          severityLevel(event.Severity).String(),
		"message":        event.Message,
		"service":        l.cfg.Service.Name,
		"environment":    l.cfg.Environment,
		"category":       "security",
		"event_id":       event.ID,
		"correlation_id": event.CorrelationID,
		"event_type":     string(event.Type),
		"severity":       string(event.Severity),
		"outcome":        string(event.Outcome),
		"risk_score":     event.RiskScore,
		"risk_factors":   event.RiskFactors,
	}
	if event.UserID != "" {
		rec["user_id"] = event.UserID
	}
	if event.IP != "" {
		rec["ip_address"] = event.IP
	}
	if event.UserAgent != "" {
		rec["user_agent"] = event.UserAgent
	}
	if event.SessionID != "" {
		rec["session_id"] = event.SessionID
	}
	if event.Resource != "" {
		rec["resource"] = event.Resource
	}
	if event.Action != "" {
		rec["action"] = event.Action
	}
	if event.Synthetic {
		rec["synthetic"] = true
	}
	if len(event.Details) > 0 {
		rec["details"] = event.Details
	}

	for _, t := range l.transports {
		t.Enqueue(rec)
	}
}

// -------------------- LIFECYCLE --------------------

// GetStatistics merges the tally, counter, cache, alert and sink views
// into one snapshot.
func (l *Logger) GetStatistics() Statistics {
	now := time.Now()

	var stats Statistics
	l.stats.fill(&stats)

	stats.Counters = l.engine.CounterSnapshot(now)
	stats.ActiveCounters = len(stats.Counters)
	stats.CacheEntries = l.engine.CacheSize()

	if l.dispatcher != nil {
		stats.Alerts = l.dispatcher.Stats()
	}
	for _, t := range l.transports {
		stats.Sinks = append(stats.Sinks, t.Stats())
	}
	return stats
}

// Reset clears counters, score cache, escalation state and tallies.
// Buffered sink records are not dropped; they flush on their own
// schedule.
func (l *Logger) Reset() {
	l.engine.Reset()
	l.analyzer.Reset()
	l.stats.reset(time.Now())
	if l.dispatcher != nil {
		l.dispatcher.Reset()
	}
	l.log.Info("Security pipeline state reset")
}

// Flush forces every transport to deliver its buffer, bounded by ctx.
func (l *Logger) Flush(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, t := range l.transports {
		t := t
		g.Go(func() error {
			return t.Flush(ctx)
		})
	}
	return g.Wait()
}

// Close drains transports and alert deliveries, then closes the channel
// sinks. The logger is unusable afterwards.
func (l *Logger) Close() {
	for _, t := range l.transports {
		t.Close()
	}
	if l.dispatcher != nil {
		l.dispatcher.Close()
	}
	l.channels.close()
}
