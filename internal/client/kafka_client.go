package client

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"security-log-service/internal/config"
)

// KafkaMessage is one record headed for the event stream.
type KafkaMessage struct {
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// KafkaProducer publishes scored events to the stream topic for
// downstream SIEM consumers.
type KafkaProducer struct {
	Writer *kafka.Writer
	config *config.KafkaConfig
	logger *zap.Logger
}

func NewKafkaProducer(cfg *config.Config, logger *zap.Logger) (*KafkaProducer, error) {
	kafkaConfig := cfg.Sinks.Kafka
	if len(kafkaConfig.Brokers) == 0 {
		return nil, fmt.Errorf("no Kafka brokers configured")
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(kafkaConfig.Brokers...),
		Topic:        kafkaConfig.Topic,
		Balancer:     &kafka.LeastBytes{},
		MaxAttempts:  3,
		BatchSize:    100,
		BatchBytes:   1048576, // 1MB
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Error("failed to write kafka messages",
					zap.Error(err),
					zap.Int("message_count", len(messages)),
				)
			}
		},
	}

	producer := &KafkaProducer{
		Writer: writer,
		config: &kafkaConfig,
		logger: logger,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := producer.HealthCheck(ctx); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to connect to Kafka brokers: %w", err)
	}

	logger.Info("Kafka producer initialized",
		zap.Strings("brokers", kafkaConfig.Brokers),
		zap.String("topic", kafkaConfig.Topic),
	)

	return producer, nil
}

// Publish writes the whole batch in one WriteMessages call. Partial
// writes are retried by the writer up to MaxAttempts.
func (p *KafkaProducer) Publish(ctx context.Context, msgs ...KafkaMessage) error {
	if len(msgs) == 0 {
		return nil
	}

	out := make([]kafka.Message, 0, len(msgs))
	for _, m := range msgs {
		km := kafka.Message{
			Key:   m.Key,
			Value: m.Value,
		}
		for k, v := range m.Headers {
			km.Headers = append(km.Headers, kafka.Header{
				Key:   k,
				Value: []byte(v),
			})
		}
		out = append(out, km)
	}

	if err := p.Writer.WriteMessages(ctx, out...); err != nil {
		return fmt.Errorf("failed to write kafka messages: %w", err)
	}

	p.logger.Debug("Produced kafka messages",
		zap.String("topic", p.config.Topic),
		zap.Int("count", len(out)),
	)

	return nil
}

func (p *KafkaProducer) HealthCheck(ctx context.Context) error {
	dialer := &kafka.Dialer{
		Timeout:   5 * time.Second,
		DualStack: true,
	}

	conn, err := dialer.DialContext(ctx, "tcp", p.config.Brokers[0])
	if err != nil {
		return fmt.Errorf("failed to connect to kafka broker: %w", err)
	}
	defer conn.Close()

	if _, err = conn.ReadPartitions(); err != nil {
		return fmt.Errorf("failed to read Kafka partitions: %w", err)
	}
	return nil
}

func (p *KafkaProducer) Close() error {
	if p.Writer != nil {
		if err := p.Writer.Close(); err != nil {
			p.logger.Error("failed to close Kafka producer", zap.Error(err))
			return err
		}
		p.logger.Info("Kafka producer closed")
	}
	return nil
}
