// v2
// internal/emergency/coordinator_test.go
package emergency

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/model"
)

func testCoord() *Coordinator {
	return NewCoordinator(Config{
		ConfidenceThreshold: 0.7,
		OverrideDuration:    60 * time.Second,
		ClearBuffer:         10 * time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func emergencySample(direction string, confidence float64, ts time.Time) model.DetectionSample {
	return model.DetectionSample{
		Direction:           direction,
		Counts:              map[string]int{"car": 5},
		EmergencyPresent:    true,
		EmergencyCategory:   model.EmergencyAmbulance,
		EmergencyConfidence: confidence,
		Timestamp:           ts,
	}
}

func crossIx() model.Intersection {
	return model.Intersection{
		ID:         "j1",
		Directions: []string{"north", "south", "east", "west"},
		Groups:     [][]string{{"north", "south"}, {"east", "west"}},
	}
}

func TestObserveConfidenceGate(t *testing.T) {
	c := testCoord()
	now := time.Now()

	ev, armed := c.Observe(emergencySample("north", 0.69, now), now)
	assert.Nil(t, ev)
	assert.False(t, armed)
	assert.Equal(t, StateIdle, c.State())

	ev, armed = c.Observe(emergencySample("north", 0.7, now), now)
	require.NotNil(t, ev)
	assert.True(t, armed)
	assert.Equal(t, StateTriggered, c.State())
	assert.Equal(t, "north", ev.Direction)
	assert.NotEmpty(t, ev.ID)
}

func TestObserveIdempotentForActiveDirection(t *testing.T) {
	c := testCoord()
	now := time.Now()
	_, armed := c.Observe(emergencySample("north", 0.9, now), now)
	require.True(t, armed)

	ev, armed := c.Observe(emergencySample("north", 0.95, now.Add(time.Second)), now.Add(time.Second))
	assert.Nil(t, ev)
	assert.False(t, armed)
	assert.Equal(t, 0, c.PendingCount())
}

func TestObserveQueuesFIFO(t *testing.T) {
	c := testCoord()
	now := time.Now()
	_, armed := c.Observe(emergencySample("north", 0.9, now), now)
	require.True(t, armed)

	ev, armed := c.Observe(emergencySample("east", 0.8, now.Add(time.Second)), now.Add(time.Second))
	require.NotNil(t, ev) // recorded even while queued
	assert.False(t, armed)
	_, armed = c.Observe(emergencySample("west", 0.8, now.Add(2*time.Second)), now.Add(2*time.Second))
	assert.False(t, armed)
	// Duplicate queue entries are rejected.
	dup, _ := c.Observe(emergencySample("east", 0.99, now.Add(3*time.Second)), now.Add(3*time.Second))
	assert.Nil(t, dup)
	assert.Equal(t, 2, c.PendingCount())
}

func TestOverridePlan(t *testing.T) {
	c := testCoord()
	now := time.Now()
	_, armed := c.Observe(emergencySample("north", 0.9, now), now)
	require.True(t, armed)

	plan := c.OverridePlan(crossIx(), map[string]time.Duration{
		"south": 12 * time.Second, // compatible, already green
	}, now)
	assert.Equal(t, model.ProposerEmergency, plan.Proposer)
	assert.Equal(t, "north", plan.EmergencyDirection)
	assert.Equal(t, 60*time.Second, plan.Allocations["north"])
	assert.Equal(t, 12*time.Second, plan.Allocations["south"])
	assert.Equal(t, time.Duration(0), plan.Allocations["east"])
	assert.Equal(t, time.Duration(0), plan.Allocations["west"])
}

func TestOverridePlanNeverSchedulesCompatibleAnew(t *testing.T) {
	c := testCoord()
	now := time.Now()
	c.Observe(emergencySample("north", 0.9, now), now)

	// South compatible but currently red: it stays red.
	plan := c.OverridePlan(crossIx(), nil, now)
	assert.Equal(t, time.Duration(0), plan.Allocations["south"])
}

func TestLifecycleExpiry(t *testing.T) {
	c := testCoord()
	now := time.Now()
	ev, _ := c.Observe(emergencySample("north", 0.9, now), now)
	require.NotNil(t, ev)

	holdEnd := c.Confirm(now)
	assert.Equal(t, StateHolding, c.State())
	assert.Equal(t, now.Add(60*time.Second), holdEnd)
	assert.Equal(t, holdEnd, c.Deadline())

	// Nothing happens before the hold expires.
	tick := c.Advance(now.Add(59 * time.Second))
	assert.False(t, tick.StartedClearing)
	assert.Equal(t, StateHolding, c.State())

	tick = c.Advance(holdEnd)
	assert.True(t, tick.StartedClearing)
	assert.Equal(t, StateClearing, c.State())

	tick = c.Advance(holdEnd.Add(10 * time.Second))
	require.NotNil(t, tick.Closed)
	assert.Equal(t, ev.ID, tick.Closed.ID)
	assert.Equal(t, model.OutcomeGranted, tick.Closed.Outcome)
	assert.NotNil(t, tick.Closed.ClearedAt)
	assert.Equal(t, StateIdle, c.State())
}

func TestEarlyClearance(t *testing.T) {
	c := testCoord()
	now := time.Now()
	c.Observe(emergencySample("north", 0.9, now), now)
	c.Confirm(now)

	// Wrong direction: ignored.
	assert.False(t, c.VehicleCleared("east", now.Add(5*time.Second)))
	assert.Equal(t, StateHolding, c.State())

	assert.True(t, c.VehicleCleared("north", now.Add(20*time.Second)))
	assert.Equal(t, StateClearing, c.State())
	assert.Equal(t, now.Add(30*time.Second), c.Deadline())
}

func TestPromotionAfterClearance(t *testing.T) {
	c := testCoord()
	now := time.Now()
	c.Observe(emergencySample("north", 0.9, now), now)
	c.Confirm(now)
	queued, _ := c.Observe(emergencySample("east", 0.8, now.Add(30*time.Second)), now.Add(30*time.Second))
	require.NotNil(t, queued)

	c.Advance(now.Add(60 * time.Second)) // clearing starts
	tick := c.Advance(now.Add(70 * time.Second))
	require.NotNil(t, tick.Closed)
	require.NotNil(t, tick.Promoted)
	assert.Equal(t, queued.ID, tick.Promoted.ID)
	assert.Equal(t, StateTriggered, c.State())
	assert.Equal(t, "east", c.Active().Direction)
}

func TestStaleQueueEntriesSuperseded(t *testing.T) {
	c := testCoord()
	now := time.Now()
	c.Observe(emergencySample("north", 0.9, now), now)
	c.Confirm(now)
	// Queued immediately: by the time the override plus buffer has run,
	// this trigger is older than the override duration and stale.
	stale, _ := c.Observe(emergencySample("east", 0.8, now.Add(time.Second)), now.Add(time.Second))
	require.NotNil(t, stale)

	c.Advance(now.Add(60 * time.Second))
	tick := c.Advance(now.Add(70 * time.Second))
	require.NotNil(t, tick.Closed)
	assert.Nil(t, tick.Promoted)
	require.Len(t, tick.Superseded, 1)
	assert.Equal(t, stale.ID, tick.Superseded[0].ID)
	assert.Equal(t, model.OutcomeSuperseded, tick.Superseded[0].Outcome)
	assert.Equal(t, StateIdle, c.State())
}
