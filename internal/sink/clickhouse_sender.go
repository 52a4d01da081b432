package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"security-log-service/internal/encryption"
	"security-log-service/internal/models"
	"security-log-service/internal/repository/clickhouse"
)

// ClickHouseSender maps generic records onto the typed archive rows and
// hands them to the columnar store in one batch. A non-nil encryptor
// seals each row's details blob before it leaves the process.
type ClickHouseSender struct {
	store *clickhouse.SecurityEventStore
	enc   *encryption.EncryptionManager
}

func NewClickHouseSender(store *clickhouse.SecurityEventStore, enc *encryption.EncryptionManager) *ClickHouseSender {
	return &ClickHouseSender{store: store, enc: enc}
}

func (s *ClickHouseSender) Name() string { return "clickhouse" }

func (s *ClickHouseSender) Send(ctx context.Context, records []Record) error {
	rows := make([]models.SecurityEventRow, 0, len(records))
	for _, rec := range records {
		row, err := s.row(ctx, rec)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	return s.store.InsertBatch(ctx, rows)
}

// row maps one record, sealing the details JSON when encryption is
// configured. A sealing failure fails the whole batch rather than
// letting plaintext slip into the archive; the transport requeues it.
func (s *ClickHouseSender) row(ctx context.Context, rec Record) (models.SecurityEventRow, error) {
	row := rowFromRecord(rec)
	if s.enc == nil || row.Details == "" {
		return row, nil
	}

	sealed, err := s.enc.EncryptField(ctx, row.Details)
	if err != nil {
		return models.SecurityEventRow{}, fmt.Errorf("failed to encrypt event details: %w", err)
	}
	row.Details = sealed.Envelope()
	return row, nil
}

func rowFromRecord(rec Record) models.SecurityEventRow {
	eventTime := recTime(rec, "timestamp")
	if eventTime.IsZero() {
		eventTime = time.Now()
	}

	score := recInt(rec, "risk_score")
	if score < 0 {
		score = 0
	} else if score > 100 {
		score = 100
	}

	details := ""
	if d, ok := rec["details"]; ok && d != nil {
		if raw, err := json.Marshal(d); err == nil {
			details = string(raw)
		}
	}

	return models.SecurityEventRow{
		EventDate:     eventTime.UTC().Format("2006-01-02"),
		EventTime:     eventTime,
		EventID:       recString(rec, "event_id"),
		CorrelationID: recString(rec, "correlation_id"),
		EventType:     recString(rec, "event_type"),
		Severity:      recString(rec, "severity"),
		Message:       recString(rec, "message"),
		UserID:        recString(rec, "user_id"),
		IPAddress:     recString(rec, "ip_address"),
		UserAgent:     recString(rec, "user_agent"),
		SessionID:     recString(rec, "session_id"),
		Resource:      recString(rec, "resource"),
		Action:        recString(rec, "action"),
		Outcome:       recString(rec, "outcome"),
		RiskScore:     uint8(score),
		RiskFactors:   recStrings(rec, "risk_factors"),
		Synthetic:     recBool(rec, "synthetic"),
		Details:       details,
		Service:       recString(rec, "service"),
		Environment:   recString(rec, "environment"),
	}
}
