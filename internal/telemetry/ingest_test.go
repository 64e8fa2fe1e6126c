// v1
// internal/telemetry/ingest_test.go
package telemetry

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/model"
)

type captureSink struct {
	mu      sync.Mutex
	samples []model.DetectionSample
}

func (c *captureSink) Ingest(sample model.DetectionSample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.samples = append(c.samples, sample)
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.samples)
}

func testIngestor(sink Sink) *Ingestor {
	lg := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewIngestor([]string{"north", "south"}, sink, nil, lg)
}

func sample(direction string, ts time.Time) model.DetectionSample {
	return model.DetectionSample{
		Direction: direction,
		Counts:    map[string]int{"car": 3},
		Timestamp: ts,
	}
}

func TestOfferForwardsInOrder(t *testing.T) {
	sink := &captureSink{}
	ing := testIngestor(sink)
	now := time.Now()

	if err := ing.Offer(sample("north", now)); err != nil {
		t.Fatal(err)
	}
	if err := ing.Offer(sample("north", now.Add(time.Second))); err != nil {
		t.Fatal(err)
	}
	// Ordering is tracked per direction, not globally.
	if err := ing.Offer(sample("south", now.Add(-time.Hour))); err != nil {
		t.Fatal(err)
	}
	if sink.count() != 3 {
		t.Fatalf("forwarded %d samples, want 3", sink.count())
	}
}

func TestOfferRejectsOutOfOrderAndDuplicates(t *testing.T) {
	sink := &captureSink{}
	ing := testIngestor(sink)
	now := time.Now()

	if err := ing.Offer(sample("north", now)); err != nil {
		t.Fatal(err)
	}
	if err := ing.Offer(sample("north", now)); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate: err = %v", err)
	}
	if err := ing.Offer(sample("north", now.Add(-time.Second))); !errors.Is(err, ErrOutOfOrder) {
		t.Errorf("out of order: err = %v", err)
	}
	if sink.count() != 1 {
		t.Fatalf("forwarded %d samples, want 1", sink.count())
	}
}

func TestOfferRejectsUnknownDirection(t *testing.T) {
	sink := &captureSink{}
	ing := testIngestor(sink)

	if err := ing.Offer(sample("west", time.Now())); !errors.Is(err, ErrUnknownDirection) {
		t.Errorf("err = %v, want ErrUnknownDirection", err)
	}
	if sink.count() != 0 {
		t.Fatal("unknown-direction sample reached the sink")
	}
}

func TestOfferRejectsInvalid(t *testing.T) {
	sink := &captureSink{}
	ing := testIngestor(sink)

	bad := model.DetectionSample{Direction: "north"} // zero timestamp
	if err := ing.Offer(bad); err == nil {
		t.Fatal("expected validation error")
	}
	neg := sample("north", time.Now())
	neg.Counts = map[string]int{"car": -1}
	if err := ing.Offer(neg); err == nil {
		t.Fatal("expected validation error for negative count")
	}
}

func TestDecodeSample(t *testing.T) {
	raw := []byte(`{"directionId":"north","vehicleCounts":{"car":7,"truck":2},"emergencyPresent":true,"emergencyCategory":"ambulance","emergencyConfidence":0.91,"timestamp":"2026-08-23T10:00:00Z"}`)
	s, err := decodeSample(raw)
	if err != nil {
		t.Fatal(err)
	}
	if s.Direction != "north" || s.TotalVehicles() != 9 {
		t.Errorf("decoded %+v", s)
	}
	if !s.EmergencyPresent || s.EmergencyCategory != "ambulance" || s.EmergencyConfidence != 0.91 {
		t.Errorf("emergency fields: %+v", s)
	}
	if _, err := decodeSample([]byte("{not json")); err == nil {
		t.Error("expected decode error")
	}
}

func TestResetFollowsReconfiguration(t *testing.T) {
	sink := &captureSink{}
	ing := testIngestor(sink)
	now := time.Now()

	if err := ing.Offer(sample("north", now)); err != nil {
		t.Fatal(err)
	}
	ing.Reset([]string{"south", "east"})

	if err := ing.Offer(sample("north", now.Add(time.Second))); !errors.Is(err, ErrUnknownDirection) {
		t.Errorf("removed direction: err = %v", err)
	}
	if err := ing.Offer(sample("east", now)); err != nil {
		t.Errorf("new direction rejected: %v", err)
	}
}
