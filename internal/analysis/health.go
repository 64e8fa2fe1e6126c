// v2
// internal/analysis/health.go
package analysis

import (
	"time"

	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/model"
)

// Condition is the decision-making view of one direction: its last
// valid traffic state plus the degradation flags derived from stale
// samples and sensor dropout.
type Condition struct {
	State model.TrafficState
	// Stale is set after StaleStrikes consecutive stale ticks; the
	// direction is then forced to a conservative minimum-green share.
	Stale bool
	// Unknown is set when the direction stopped producing samples for
	// longer than the dropout timeout. Unknown directions are excluded
	// from proportional allocation and receive only minimum green.
	Unknown bool
	// HasState reports whether any valid classification was ever seen.
	HasState bool
}

// Degraded reports whether the direction must be pinned to minimum
// green instead of participating in proportional allocation.
func (c Condition) Degraded() bool { return c.Stale || c.Unknown }

type directionHealth struct {
	last         model.TrafficState
	hasState     bool
	staleStrikes int
	lastSeen     time.Time
}

// Health tracks per-direction trust. It is owned by the scheduler loop
// and therefore needs no locking of its own.
type Health struct {
	dirs           map[string]*directionHealth
	staleStrikes   int
	dropoutTimeout time.Duration
}

func NewHealth(directions []string, staleStrikes int, dropoutTimeout time.Duration) *Health {
	h := &Health{dirs: make(map[string]*directionHealth, len(directions)), staleStrikes: staleStrikes, dropoutTimeout: dropoutTimeout}
	for _, d := range directions {
		h.dirs[d] = &directionHealth{}
	}
	return h
}

// ObserveValid records a successful classification, resetting the
// direction's stale counter.
func (h *Health) ObserveValid(direction string, state model.TrafficState, at time.Time) {
	d, ok := h.dirs[direction]
	if !ok {
		return
	}
	d.last = state
	d.hasState = true
	d.staleStrikes = 0
	d.lastSeen = at
}

// ObserveStale records a stale tick and returns the consecutive strike
// count afterwards.
func (h *Health) ObserveStale(direction string, at time.Time) int {
	d, ok := h.dirs[direction]
	if !ok {
		return 0
	}
	d.staleStrikes++
	d.lastSeen = at
	return d.staleStrikes
}

// Condition reports one direction's current decision-making view.
func (h *Health) Condition(direction string, now time.Time) Condition {
	d, ok := h.dirs[direction]
	if !ok {
		return Condition{Unknown: true}
	}
	c := Condition{State: d.last, HasState: d.hasState}
	if d.staleStrikes >= h.staleStrikes {
		c.Stale = true
	}
	if d.lastSeen.IsZero() || now.Sub(d.lastSeen) > h.dropoutTimeout {
		c.Unknown = true
	}
	return c
}

// Conditions reports all tracked directions at once.
func (h *Health) Conditions(now time.Time) map[string]Condition {
	out := make(map[string]Condition, len(h.dirs))
	for d := range h.dirs {
		out[d] = h.Condition(d, now)
	}
	return out
}

// Reset re-seeds the tracker for a new direction set, keeping history
// for directions that survive the reconfiguration.
func (h *Health) Reset(directions []string) {
	next := make(map[string]*directionHealth, len(directions))
	for _, d := range directions {
		if prev, ok := h.dirs[d]; ok {
			next[d] = prev
		} else {
			next[d] = &directionHealth{}
		}
	}
	h.dirs = next
}
