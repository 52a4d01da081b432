package sink

import (
	"context"
	"encoding/json"
	"fmt"

	"security-log-service/internal/client"
)

// KafkaSender publishes each record of a batch as one message on the
// event stream. Messages are keyed by source IP so one attacker's
// events land on the same partition, in order.
type KafkaSender struct {
	producer *client.KafkaProducer
}

func NewKafkaSender(producer *client.KafkaProducer) *KafkaSender {
	return &KafkaSender{producer: producer}
}

func (s *KafkaSender) Name() string { return "kafka" }

func (s *KafkaSender) Send(ctx context.Context, records []Record) error {
	msgs := make([]client.KafkaMessage, 0, len(records))
	for _, rec := range records {
		value, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode record: %w", err)
		}

		key := recString(rec, "ip_address")
		if key == "" {
			key = recString(rec, "correlation_id")
		}

		msg := client.KafkaMessage{
			Value: value,
			Headers: map[string]string{
				"event_type": recString(rec, "event_type"),
				"severity":   recString(rec, "severity"),
			},
		}
		if key != "" {
			msg.Key = []byte(key)
		}
		msgs = append(msgs, msg)
	}

	return s.producer.Publish(ctx, msgs...)
}
