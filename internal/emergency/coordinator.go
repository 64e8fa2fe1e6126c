// v3
// internal/emergency/coordinator.go
package emergency

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/model"
)

// State is the coordinator's lifecycle position. The set is closed:
// transitions happen only through Observe, Confirm, Tick, and
// VehicleCleared, which rules out impossible combinations.
type State string

const (
	StateIdle      State = "idle"
	StateTriggered State = "triggered"
	StateHolding   State = "holding"
	StateClearing  State = "clearing"
)

// Config holds the coordinator tunables.
type Config struct {
	// ConfidenceThreshold gates emergency flags from telemetry.
	ConfidenceThreshold float64
	// OverrideDuration is the green time granted to the emergency
	// direction.
	OverrideDuration time.Duration
	// ClearBuffer is the all-red interval after the override before
	// normal cycling resumes.
	ClearBuffer time.Duration
}

// Coordinator watches telemetry for emergency-vehicle flags and manages
// the override lifecycle: trigger, hold, clear, resume. It only ever
// proposes plans; the scheduler installs them. The coordinator is
// driven exclusively from the scheduler's goroutine, so it carries no
// locking of its own.
type Coordinator struct {
	cfg Config
	lg  *slog.Logger

	state   State
	active  *model.EmergencyEvent
	holdEnd time.Time
	bufEnd  time.Time
	// pending queues triggers for other directions, FIFO by trigger
	// timestamp. A later emergency never pre-empts an active one.
	pending []*model.EmergencyEvent
}

func NewCoordinator(cfg Config, lg *slog.Logger) *Coordinator {
	return &Coordinator{cfg: cfg, lg: lg, state: StateIdle}
}

// State returns the current lifecycle position.
func (c *Coordinator) State() State { return c.state }

// Active returns the event currently holding or clearing the override,
// or nil.
func (c *Coordinator) Active() *model.EmergencyEvent { return c.active }

// PendingCount reports how many triggers are queued behind the active
// override.
func (c *Coordinator) PendingCount() int { return len(c.pending) }

// Observe inspects one telemetry sample. When the sample carries a
// sufficiently confident emergency flag it either arms a new override
// (armed true, coordinator now in StateTriggered) or queues the trigger
// behind the active override (armed false). Either way the freshly
// created event is returned so the caller can record the trigger.
// Re-triggers for a direction already being served or already queued
// are idempotent and return nil.
func (c *Coordinator) Observe(sample model.DetectionSample, now time.Time) (*model.EmergencyEvent, bool) {
	if !sample.EmergencyPresent || sample.EmergencyConfidence < c.cfg.ConfidenceThreshold {
		return nil, false
	}
	switch c.state {
	case StateIdle:
		ev := c.newEvent(sample)
		c.active = ev
		c.state = StateTriggered
		c.lg.Warn("emergency trigger",
			"direction", ev.Direction, "category", ev.Category, "confidence", ev.Confidence, "event", ev.ID)
		return ev, true
	case StateTriggered, StateHolding, StateClearing:
		if c.active != nil && c.active.Direction == sample.Direction {
			return nil, false // same direction, idempotent
		}
		for _, p := range c.pending {
			if p.Direction == sample.Direction {
				return nil, false
			}
		}
		ev := c.newEvent(sample)
		c.pending = append(c.pending, ev)
		c.lg.Warn("emergency queued behind active override",
			"direction", ev.Direction, "queue_len", len(c.pending), "event", ev.ID)
		return ev, false
	}
	return nil, false
}

// OverridePlan builds the pre-emptive plan for the active trigger: the
// emergency direction green for the override duration, every
// conflicting direction red. Directions compatible with the emergency
// direction keep their current green remainder when they were already
// green; they are never newly scheduled during an override.
func (c *Coordinator) OverridePlan(ix model.Intersection, greenRemaining map[string]time.Duration, now time.Time) model.SignalPlan {
	plan := model.SignalPlan{
		Proposer:           model.ProposerEmergency,
		Allocations:        make(map[string]time.Duration, len(ix.Directions)),
		EmergencyDirection: c.active.Direction,
		CreatedAt:          now,
	}
	for _, d := range ix.Directions {
		switch {
		case d == c.active.Direction:
			plan.Allocations[d] = c.cfg.OverrideDuration
		case !ix.Conflicts(d, c.active.Direction):
			if rem, green := greenRemaining[d]; green && rem > 0 {
				plan.Allocations[d] = rem
			} else {
				plan.Allocations[d] = 0
			}
		default:
			plan.Allocations[d] = 0
		}
	}
	return plan
}

// Confirm marks the override green as live, moving Triggered to
// Holding and starting the hold deadline. The scheduler calls it when
// the green actually begins, after any all-red entry clearance, so the
// clearance is not charged against the override duration.
func (c *Coordinator) Confirm(now time.Time) time.Time {
	if c.state != StateTriggered {
		return c.holdEnd
	}
	c.state = StateHolding
	c.holdEnd = now.Add(c.cfg.OverrideDuration)
	return c.holdEnd
}

// VehicleCleared is the optional positive clearance signal from the
// perception pipeline: it ends the Holding interval early for the
// named direction. Expiry by duration remains the default.
func (c *Coordinator) VehicleCleared(direction string, now time.Time) bool {
	if c.state != StateHolding || c.active == nil || c.active.Direction != direction {
		return false
	}
	c.lg.Info("emergency vehicle cleared early", "direction", direction, "event", c.active.ID)
	c.startClearing(now)
	return true
}

// Tick advances time-based transitions and returns what the scheduler
// must act on. Closed describes an event that finished its lifecycle
// this tick (outcome already set); Promoted is a queued trigger that
// just took over (coordinator back in StateTriggered).
type Tick struct {
	StartedClearing bool
	Closed          *model.EmergencyEvent
	Promoted        *model.EmergencyEvent
	// Superseded lists queued triggers that timed out before being
	// served; their events are closed and must be recorded.
	Superseded []*model.EmergencyEvent
}

// Advance applies deadline transitions for the given instant.
func (c *Coordinator) Advance(now time.Time) Tick {
	var t Tick
	switch c.state {
	case StateHolding:
		if !now.Before(c.holdEnd) {
			c.startClearing(now)
			t.StartedClearing = true
		}
	case StateClearing:
		if !now.Before(c.bufEnd) {
			closed := c.active
			when := now
			closed.ClearedAt = &when
			closed.Outcome = model.OutcomeGranted
			c.active = nil
			c.state = StateIdle
			t.Closed = closed
			c.lg.Info("emergency cleared", "direction", closed.Direction, "event", closed.ID)
			t.Superseded = c.ExpirePending(now)
			if next := c.promote(now); next != nil {
				t.Promoted = next
			}
		}
	}
	return t
}

// Deadline returns the next instant the scheduler must call Advance
// for, or the zero time when no deadline is armed.
func (c *Coordinator) Deadline() time.Time {
	switch c.state {
	case StateHolding:
		return c.holdEnd
	case StateClearing:
		return c.bufEnd
	}
	return time.Time{}
}

// ExpirePending closes queued triggers that timed out before being
// served and returns them with outcome superseded.
func (c *Coordinator) ExpirePending(now time.Time) []*model.EmergencyEvent {
	var expired []*model.EmergencyEvent
	kept := c.pending[:0]
	for _, p := range c.pending {
		if now.Sub(p.TriggeredAt) > c.cfg.OverrideDuration {
			when := now
			p.ClearedAt = &when
			p.Outcome = model.OutcomeSuperseded
			expired = append(expired, p)
			c.lg.Warn("queued emergency superseded before service", "direction", p.Direction, "event", p.ID)
			continue
		}
		kept = append(kept, p)
	}
	c.pending = kept
	return expired
}

func (c *Coordinator) startClearing(now time.Time) {
	c.state = StateClearing
	c.bufEnd = now.Add(c.cfg.ClearBuffer)
}

// promote pops the oldest fresh trigger; ExpirePending has already
// removed anything stale.
func (c *Coordinator) promote(now time.Time) *model.EmergencyEvent {
	if len(c.pending) == 0 {
		return nil
	}
	next := c.pending[0]
	c.pending = c.pending[1:]
	c.active = next
	c.state = StateTriggered
	c.lg.Warn("queued emergency promoted", "direction", next.Direction, "event", next.ID, "queued_since", now.Sub(next.TriggeredAt).String())
	return next
}

func (c *Coordinator) newEvent(sample model.DetectionSample) *model.EmergencyEvent {
	return &model.EmergencyEvent{
		ID:           uuid.NewString(),
		Direction:    sample.Direction,
		Category:     sample.EmergencyCategory,
		Confidence:   sample.EmergencyConfidence,
		TriggeredAt:  sample.Timestamp,
		GrantedGreen: c.cfg.OverrideDuration,
	}
}
