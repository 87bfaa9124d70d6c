// Package messaging publishes audit events to Kafka for downstream security tooling.
package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
	"github.com/poyrazK/cardgate/internal/core/domain"
	"github.com/poyrazK/cardgate/internal/core/ports"
)

// KafkaAuditSink writes each audit event as one JSON message. Messages are keyed by
// card id (or reader id for reader events) so a card's history stays on one partition.
type KafkaAuditSink struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger
}

// NewProducerConfig returns the producer settings used for audit delivery.
func NewProducerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.ClientID = "cardgate"
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 3
	return cfg
}

// NewKafkaAuditSink dials brokers and returns a sink publishing to topic.
func NewKafkaAuditSink(brokers []string, topic string, logger *slog.Logger) (*KafkaAuditSink, error) {
	producer, err := sarama.NewSyncProducer(brokers, NewProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewKafkaAuditSinkWithProducer(producer, topic, logger), nil
}

// NewKafkaAuditSinkWithProducer wraps an existing producer.
func NewKafkaAuditSinkWithProducer(producer sarama.SyncProducer, topic string, logger *slog.Logger) *KafkaAuditSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaAuditSink{producer: producer, topic: topic, logger: logger}
}

func (s *KafkaAuditSink) Record(ctx context.Context, event *domain.AuditEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}
	key := event.CardID
	if key == "" {
		key = event.ReaderID
	}
	msg := &sarama.ProducerMessage{
		Topic: s.topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event-type"), Value: []byte(event.Type)},
			{Key: []byte("event-category"), Value: []byte(event.Category)},
		},
	}
	// SendMessage takes no context, so a stalled broker is abandoned when ctx ends.
	// The send itself finishes in the background under sarama's own timeouts.
	done := make(chan sendResult, 1)
	go func() {
		var res sendResult
		res.partition, res.offset, res.err = s.producer.SendMessage(msg)
		done <- res
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return fmt.Errorf("failed to publish audit event: %w", res.err)
		}
		s.logger.Debug("audit event published", "event_id", event.ID, "partition", res.partition, "offset", res.offset)
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit event not acknowledged: %w", ctx.Err())
	}
}

type sendResult struct {
	partition int32
	offset    int64
	err       error
}

// Close flushes and closes the producer.
func (s *KafkaAuditSink) Close() error {
	return s.producer.Close()
}

var _ ports.AuditSink = (*KafkaAuditSink)(nil)
