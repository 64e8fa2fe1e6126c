// v1
// internal/events/journal_test.go
package events

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/model"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestJournalAppendAndReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	j, err := NewJournal(path, discard())
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ev := model.Event{
			Kind:           model.EventPhaseChange,
			IntersectionID: "j1",
			Direction:      "north",
			Mode:           model.ModeNormal,
			Timestamp:      time.Now(),
		}
		if err := j.Record(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}
	if j.Count() != 3 {
		t.Fatalf("count = %d", j.Count())
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	// Reopen: existing records are counted, appends continue.
	j2, err := NewJournal(path, discard())
	if err != nil {
		t.Fatal(err)
	}
	defer j2.Close()
	if j2.Count() != 3 {
		t.Fatalf("count after reload = %d", j2.Count())
	}
	if err := j2.Record(ctx, model.Event{Kind: model.EventCongestion, IntersectionID: "j1", Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if j2.Count() != 4 {
		t.Fatalf("count after append = %d", j2.Count())
	}

	// Every line is valid JSON with a stamped id.
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	lines := 0
	for scanner.Scan() {
		lines++
		var ev model.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("line %d: %v", lines, err)
		}
		if ev.ID == "" {
			t.Errorf("line %d: missing id", lines)
		}
	}
	if lines != 4 {
		t.Fatalf("lines = %d", lines)
	}
}

func TestJournalRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	if err := os.WriteFile(path, []byte("{\"kind\":\"phase-change\"}\nnot json\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewJournal(path, discard()); err == nil {
		t.Fatal("expected error for corrupt journal")
	}
}

type failingSink struct{}

func (failingSink) Record(context.Context, model.Event) error {
	return errors.New("sink down")
}

type okSink struct{ seen int }

func (s *okSink) Record(context.Context, model.Event) error {
	s.seen++
	return nil
}

func TestMultiFansOutPastFailures(t *testing.T) {
	ok := &okSink{}
	m := NewMulti(discard(), failingSink{}, ok)
	err := m.Record(context.Background(), model.Event{Kind: model.EventPlanInstalled})
	if err == nil {
		t.Fatal("expected first sink error to surface")
	}
	if ok.seen != 1 {
		t.Fatalf("second sink saw %d events, want 1", ok.seen)
	}
}
