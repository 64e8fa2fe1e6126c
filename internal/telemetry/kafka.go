// v2
// internal/telemetry/kafka.go
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/model"
)

// KafkaSource consumes detection samples from one topic with a
// partition per direction, mirroring the camera-per-direction layout.
// Each partition gets its own reader goroutine so a stalled camera
// stream never blocks the others.
type KafkaSource struct {
	lg      *slog.Logger
	ingest  *Ingestor
	readers map[string]*kafka.Reader
}

func NewKafkaSource(brokers []string, topic string, directions []string, ingest *Ingestor, lg *slog.Logger) (*KafkaSource, error) {
	if len(directions) == 0 {
		return nil, errors.New("no directions configured")
	}
	s := &KafkaSource{lg: lg, ingest: ingest, readers: make(map[string]*kafka.Reader, len(directions))}
	for idx, d := range directions {
		s.readers[d] = kafka.NewReader(kafka.ReaderConfig{
			Brokers:   brokers,
			Topic:     topic,
			Partition: idx, // one partition per direction (camera -> controller)
			MinBytes:  1, MaxBytes: 10e6, MaxWait: 200 * time.Millisecond,
		})
		lg.Info("kafka telemetry wired", "direction", d, "topic", topic, "partition", idx)
	}
	return s, nil
}

// Run consumes all partitions until the context is cancelled.
func (s *KafkaSource) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for d, r := range s.readers {
		wg.Add(1)
		go func(direction string, r *kafka.Reader) {
			defer wg.Done()
			s.consume(ctx, direction, r)
		}(d, r)
	}
	wg.Wait()
}

func (s *KafkaSource) consume(ctx context.Context, direction string, r *kafka.Reader) {
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			s.lg.Error("telemetry fetch", "direction", direction, "error", err)
			continue
		}
		sample, err := decodeSample(msg.Value)
		if err != nil {
			s.lg.Error("bad telemetry json", "direction", direction, "error", err)
			continue
		}
		_ = s.ingest.Offer(sample)
	}
}

// Close shuts down all partition readers.
func (s *KafkaSource) Close() {
	for d, r := range s.readers {
		if err := r.Close(); err != nil {
			s.lg.Warn("reader close", "direction", d, "error", err)
		}
	}
}

func decodeSample(raw []byte) (model.DetectionSample, error) {
	var s model.DetectionSample
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("decode sample: %w", err)
	}
	return s, nil
}
