// v1
// internal/events/recorder.go
package events

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/model"
)

// Recorder is the single capability the core uses to persist and
// notify events. The scheduler does not depend on the storage
// technology behind it.
type Recorder interface {
	Record(ctx context.Context, ev model.Event) error
}

// Stamp fills the event id when the caller left it empty.
func Stamp(ev model.Event) model.Event {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	return ev
}

// Multi fans an event out to several recorders. Failures are logged
// and do not block the remaining sinks; the first error is returned.
type Multi struct {
	lg    *slog.Logger
	sinks []Recorder
}

func NewMulti(lg *slog.Logger, sinks ...Recorder) *Multi {
	return &Multi{lg: lg, sinks: sinks}
}

func (m *Multi) Record(ctx context.Context, ev model.Event) error {
	ev = Stamp(ev)
	var firstErr error
	for _, s := range m.sinks {
		if err := s.Record(ctx, ev); err != nil {
			m.lg.Error("event sink failed", "kind", ev.Kind, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
