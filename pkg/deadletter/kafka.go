package deadletter

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// messageWriter is the slice of kafka.Writer the sink needs (tests
// substitute a fake).
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes failures to a dead-letter topic.
type KafkaSink struct {
	writer messageWriter
}

// NewKafkaSink creates a sink publishing to the given broker and topic.
func NewKafkaSink(broker, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(broker),
			Topic:    topic,
			Balancer: &kafka.LeastBytes{},
		},
	}
}

// NewKafkaSinkWithWriter builds a sink over a custom writer (tests).
func NewKafkaSinkWithWriter(writer messageWriter) *KafkaSink {
	return &KafkaSink{writer: writer}
}

// Close shuts down the underlying writer.
func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// Record publishes the failure keyed by its date so per-date failures
// stay ordered within a partition.
func (s *KafkaSink) Record(ctx context.Context, failure Failure) error {
	payload, err := json.Marshal(failure)
	if err != nil {
		return fmt.Errorf("marshal dead letter: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(failure.Date),
		Value: payload,
		Time:  time.Now().UTC(),
	}

	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("publish dead letter: %w", err)
	}

	deadLettersTotal.WithLabelValues("kafka").Inc()
	return nil
}
