// v1
// internal/events/kafka.go
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/model"
)

// KafkaRecorder publishes events to a Kafka topic, keyed by
// intersection so per-intersection ordering is preserved.
type KafkaRecorder struct {
	lg     *slog.Logger
	writer *kafka.Writer
}

func NewKafkaRecorder(brokers []string, topic string, lg *slog.Logger) *KafkaRecorder {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	lg.Info("event publisher wired", "topic", topic, "brokers", brokers)
	return &KafkaRecorder{lg: lg, writer: w}
}

func (k *KafkaRecorder) Record(ctx context.Context, ev model.Event) error {
	ev = Stamp(ev)
	b, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{Key: []byte(ev.IntersectionID), Value: b, Time: time.Now()}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("event write: %w", err)
	}
	return nil
}

func (k *KafkaRecorder) Close() error { return k.writer.Close() }
