// v1
// internal/analysis/health_test.go
package analysis

import (
	"testing"
	"time"

	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/model"
)

func TestHealthStaleStrikes(t *testing.T) {
	h := NewHealth([]string{"north"}, 3, 30*time.Second)
	now := time.Now()
	h.ObserveValid("north", model.TrafficState{Level: model.LevelModerate, Score: 40}, now)

	h.ObserveStale("north", now.Add(time.Second))
	h.ObserveStale("north", now.Add(2*time.Second))
	c := h.Condition("north", now.Add(2*time.Second))
	if c.Stale {
		t.Fatal("stale before strike threshold")
	}
	if c.State.Score != 40 {
		t.Fatalf("last valid state lost: %.1f", c.State.Score)
	}

	h.ObserveStale("north", now.Add(3*time.Second))
	c = h.Condition("north", now.Add(3*time.Second))
	if !c.Stale || !c.Degraded() {
		t.Fatal("expected degraded after third consecutive stale tick")
	}

	// A valid sample resets the counter.
	h.ObserveValid("north", model.TrafficState{Level: model.LevelLight, Score: 10}, now.Add(4*time.Second))
	c = h.Condition("north", now.Add(4*time.Second))
	if c.Stale || c.Degraded() {
		t.Fatal("valid sample should clear stale flag")
	}
}

func TestHealthDropout(t *testing.T) {
	h := NewHealth([]string{"north"}, 3, 30*time.Second)
	now := time.Now()

	// Never seen: unknown from the start.
	if c := h.Condition("north", now); !c.Unknown {
		t.Fatal("direction with no samples should be unknown")
	}

	h.ObserveValid("north", model.TrafficState{Score: 50}, now)
	if c := h.Condition("north", now.Add(30*time.Second)); c.Unknown {
		t.Fatal("unknown inside dropout timeout")
	}
	if c := h.Condition("north", now.Add(31*time.Second)); !c.Unknown {
		t.Fatal("expected unknown after dropout timeout")
	}
}

func TestHealthResetKeepsSurvivors(t *testing.T) {
	h := NewHealth([]string{"north", "south"}, 3, 30*time.Second)
	now := time.Now()
	h.ObserveValid("north", model.TrafficState{Score: 70}, now)

	h.Reset([]string{"north", "east"})
	if c := h.Condition("north", now); c.State.Score != 70 {
		t.Error("surviving direction lost its history")
	}
	if c := h.Condition("east", now); !c.Unknown || c.HasState {
		t.Error("new direction should start unknown")
	}
	if c := h.Condition("south", now); !c.Unknown {
		t.Error("removed direction should report unknown")
	}
}
