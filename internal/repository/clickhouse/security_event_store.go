package clickhouse

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"security-log-service/internal/bucketing"
	"security-log-service/internal/client"
	"security-log-service/internal/models"
)

const storeSetupTimeout = 15 * time.Second

const createEventsTable = `
CREATE TABLE IF NOT EXISTS security_events (
    event_bucket   UInt32,
    event_date     Date,
    event_time     DateTime64(3),
    event_id       String,
    correlation_id String,
    event_type     LowCardinality(String),
    severity       LowCardinality(String),
    message        String,
    user_id        String,
    ip_address     String,
    user_agent     String,
    session_id     String,
    resource       String,
    action         LowCardinality(String),
    outcome        LowCardinality(String),
    risk_score     UInt8,
    risk_factors   Array(String),
    synthetic      UInt8,
    details        String,
    service        LowCardinality(String),
    environment    LowCardinality(String)
) ENGINE = MergeTree()
PARTITION BY toYYYYMM(event_date)
ORDER BY (event_bucket, event_type, event_time)
TTL event_date + INTERVAL 90 DAY`

const insertEventsQuery = `
INSERT INTO security_events (
    event_bucket, event_date, event_time, event_id, correlation_id,
    event_type, severity, message, user_id, ip_address, user_agent,
    session_id, resource, action, outcome, risk_score, risk_factors,
    synthetic, details, service, environment
)`

// SecurityEventStore archives scored events in the columnar store for
// long-range queries. The hot path never reads from here.
type SecurityEventStore struct {
	client  *client.ClickHouseClient
	buckets *bucketing.BucketingManager
	logger  *zap.Logger
}

func NewSecurityEventStore(chClient *client.ClickHouseClient, buckets *bucketing.BucketingManager, logger *zap.Logger) (*SecurityEventStore, error) {
	store := &SecurityEventStore{
		client:  chClient,
		buckets: buckets,
		logger:  logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeSetupTimeout)
	defer cancel()
	if err := chClient.Exec(ctx, createEventsTable); err != nil {
		return nil, fmt.Errorf("failed to create security_events table: %w", err)
	}

	logger.Info("ClickHouse security event store ready")
	return store, nil
}

// InsertBatch writes every row in one prepared batch. The bucket column
// is derived from the source IP so one attacker's traffic stays
// physically close.
func (s *SecurityEventStore) InsertBatch(ctx context.Context, rows []models.SecurityEventRow) error {
	if len(rows) == 0 {
		return nil
	}

	data := make([][]interface{}, 0, len(rows))
	for _, r := range rows {
		bucketKey := r.IPAddress
		if bucketKey == "" {
			bucketKey = r.EventID
		}
		synthetic := uint8(0)
		if r.Synthetic {
			synthetic = 1
		}
		data = append(data, []interface{}{
			uint32(s.buckets.EventBucket(bucketKey)),
			r.EventDate,
			r.EventTime,
			r.EventID,
			r.CorrelationID,
			r.EventType,
			r.Severity,
			r.Message,
			r.UserID,
			r.IPAddress,
			r.UserAgent,
			r.SessionID,
			r.Resource,
			r.Action,
			r.Outcome,
			r.RiskScore,
			r.RiskFactors,
			synthetic,
			r.Details,
			r.Service,
			r.Environment,
		})
	}

	if err := s.client.BatchInsert(ctx, insertEventsQuery, data); err != nil {
		return fmt.Errorf("failed to insert security event batch: %w", err)
	}

	s.logger.Debug("Archived security event batch",
		zap.Int("rows", len(data)),
	)
	return nil
}

func (s *SecurityEventStore) HealthCheck(ctx context.Context) error {
	return s.client.HealthCheck(ctx)
}
