package scylla

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"sync"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"security-log-service/internal/models"
)

// chainGenesis seeds each day's chain so the first record of a partition
// is verifiable without a predecessor.
const chainGenesis = "genesis"

// AuditStore appends compliance records to a per-day hash chain. Appends
// are serialized through one writer; running concurrent instances
// against the same keyspace forks the chain and verification will flag
// it.
type AuditStore struct {
	client *ScyllaClient
	logger *zap.Logger

	mu       sync.Mutex
	chainTip map[string]string
}

func NewAuditStore(client *ScyllaClient, logger *zap.Logger) *AuditStore {
	return &AuditStore{
		client:   client,
		logger:   logger,
		chainTip: make(map[string]string),
	}
}

// Append links rec to the current chain tip for its day and writes it.
// The stored record carries both its own hash and its predecessor's, so
// the chain can be walked forward during verification.
func (s *AuditStore) Append(ctx context.Context, rec models.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec.Day == "" {
		rec.Day = rec.RecordedAt.UTC().Format("2006-01-02")
	}

	prev, ok := s.chainTip[rec.Day]
	if !ok {
		head, err := s.loadChainHead(ctx, rec.Day)
		if err != nil {
			return fmt.Errorf("failed to load chain head for %s: %w", rec.Day, err)
		}
		prev = head
	}

	seq := gocql.TimeUUID()
	rec.Seq = seq.String()
	rec.PrevHash = prev
	rec.RecordHash = chainHash(rec)

	query := s.client.Prepared.InsertRecord.WithContext(ctx).Bind(
		rec.Day, seq, rec.RecordedAt, rec.CorrelationID, rec.EventType,
		rec.Action, rec.Resource, rec.UserID, rec.Outcome, rec.Payload,
		rec.PrevHash, rec.RecordHash,
	)
	if err := s.client.ExecuteWithRetry(query, 2); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}

	s.chainTip[rec.Day] = rec.RecordHash
	return nil
}

// VerifyChain walks one day's partition in order and recomputes every
// link. It returns the number of verified records, or an error naming
// the first broken link.
func (s *AuditStore) VerifyChain(ctx context.Context, day string) (int, error) {
	iter := s.client.Prepared.RecordsByDay.WithContext(ctx).Bind(day).Iter()

	var (
		seq      gocql.UUID
		rec      models.AuditRecord
		expected = chainGenesis
		verified int
	)
	for iter.Scan(&seq, &rec.RecordedAt, &rec.CorrelationID, &rec.EventType,
		&rec.Action, &rec.Resource, &rec.UserID, &rec.Outcome, &rec.Payload,
		&rec.PrevHash, &rec.RecordHash) {

		rec.Day = day
		rec.Seq = seq.String()

		if rec.PrevHash != expected {
			iter.Close()
			return verified, fmt.Errorf("audit chain broken at seq %s: prev_hash mismatch", rec.Seq)
		}
		if chainHash(rec) != rec.RecordHash {
			iter.Close()
			return verified, fmt.Errorf("audit chain broken at seq %s: record tampered", rec.Seq)
		}

		expected = rec.RecordHash
		verified++
	}
	if err := iter.Close(); err != nil {
		return verified, fmt.Errorf("failed to scan audit chain for %s: %w", day, err)
	}

	s.logger.Info("Audit chain verified",
		zap.String("day", day),
		zap.Int("records", verified),
	)
	return verified, nil
}

func (s *AuditStore) HealthCheck(ctx context.Context) error {
	return s.client.HealthCheck(ctx)
}

func (s *AuditStore) loadChainHead(ctx context.Context, day string) (string, error) {
	var head string
	err := s.client.Prepared.ChainHead.WithContext(ctx).Bind(day).Scan(&head)
	if err == gocql.ErrNotFound {
		return chainGenesis, nil
	}
	if err != nil {
		return "", err
	}
	return head, nil
}

// chainHash covers the predecessor hash and every stored field except
// the hash columns themselves. The timestamp is hashed at millisecond
// precision, which is all a CQL timestamp column retains, so a record
// read back for verification hashes the same as the one written.
func chainHash(rec models.AuditRecord) string {
	h := sha256.New()
	h.Write([]byte(rec.PrevHash))
	h.Write([]byte(rec.Seq))
	h.Write([]byte(strconv.FormatInt(rec.RecordedAt.UnixMilli(), 10)))
	h.Write([]byte(rec.CorrelationID))
	h.Write([]byte(rec.EventType))
	h.Write([]byte(rec.Action))
	h.Write([]byte(rec.Resource))
	h.Write([]byte(rec.UserID))
	h.Write([]byte(rec.Outcome))
	h.Write([]byte(rec.Payload))
	return hex.EncodeToString(h.Sum(nil))
}
