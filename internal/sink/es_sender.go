package sink

import (
	"context"
	"fmt"
	"time"

	"security-log-service/internal/client"
)

// ESSender indexes records into daily indices so retention can drop
// whole indices instead of running delete-by-query.
type ESSender struct {
	client      *client.ESClient
	indexPrefix string
}

func NewESSender(esClient *client.ESClient, indexPrefix string) *ESSender {
	if indexPrefix == "" {
		indexPrefix = "security-events"
	}
	return &ESSender{
		client:      esClient,
		indexPrefix: indexPrefix,
	}
}

func (s *ESSender) Name() string { return "elasticsearch" }

func (s *ESSender) Send(ctx context.Context, records []Record) error {
	byIndex := make(map[string][]map[string]interface{})
	for _, rec := range records {
		index := s.indexFor(recTime(rec, "timestamp"))
		byIndex[index] = append(byIndex[index], map[string]interface{}(rec))
	}

	for index, docs := range byIndex {
		if err := s.client.BulkIndex(ctx, index, docs); err != nil {
			return fmt.Errorf("bulk index %s: %w", index, err)
		}
	}
	return nil
}

func (s *ESSender) indexFor(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return fmt.Sprintf("%s-%s", s.indexPrefix, t.UTC().Format("2006.01.02"))
}
