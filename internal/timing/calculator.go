// v3
// internal/timing/calculator.go
package timing

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/model"
)

// ErrInvalidPlan marks a proposed SignalPlan that violates the
// sum/bounds invariant. A correct calculator never produces one, so it
// is treated as a programming defect: logged as critical by the
// scheduler, which retains the previous valid plan.
var ErrInvalidPlan = errors.New("signal plan violates allocation invariants")

// sumTolerance absorbs float rounding when comparing duration sums.
const sumTolerance = time.Millisecond

// Demand is one direction's input to the allocator.
type Demand struct {
	// Score is the congestion score in [0,100].
	Score float64
	// Degraded pins the direction at minimum green and excludes it
	// from proportional allocation (stale data or sensor dropout).
	Degraded bool
}

// Calculator turns per-direction congestion into a green-time
// allocation for the next cycle. Propose is pure and side-effect-free
// apart from logging, so calls may run concurrently across
// intersections.
type Calculator struct {
	lg *slog.Logger
}

func NewCalculator(lg *slog.Logger) *Calculator { return &Calculator{lg: lg} }

// Propose allocates each phase group's budget proportionally by
// congestion score, clamps to [MinGreen,MaxGreen], and redistributes
// surplus or deficit among the still-adjustable directions until the
// group sums exactly to its budget or every direction is pinned at a
// bound (in which case the group total may legitimately differ from
// its nominal budget). Equal scores split equally; no randomness.
func (c *Calculator) Propose(ix model.Intersection, demand map[string]Demand, now time.Time) (model.SignalPlan, error) {
	plan := model.SignalPlan{
		Proposer:    model.ProposerAdaptive,
		Allocations: make(map[string]time.Duration, len(ix.Directions)),
		CreatedAt:   now,
	}
	for gi, group := range ix.Groups {
		budget := ix.GroupBudget(gi)
		allocateGroup(plan.Allocations, group, budget, ix.MinGreen, ix.MaxGreen, demand)
	}
	plan.Efficiency = Efficiency(demand, plan.Allocations)
	if err := Validate(plan, ix); err != nil {
		return model.SignalPlan{}, err
	}
	c.lg.Debug("plan proposed", "allocations", plan.Allocations, "efficiency", plan.Efficiency)
	return plan, nil
}

func allocateGroup(out map[string]time.Duration, group []string, budget, min, max time.Duration, demand map[string]Demand) {
	members := append([]string(nil), group...)
	sort.Strings(members)

	remaining := budget.Seconds()
	var active []string
	for _, d := range members {
		if demand[d].Degraded {
			out[d] = min
			remaining -= min.Seconds()
			continue
		}
		active = append(active, d)
	}
	if remaining < 0 {
		remaining = 0
	}

	minS, maxS := min.Seconds(), max.Seconds()
	raw := make(map[string]float64, len(active))
	for len(active) > 0 {
		var scoreSum float64
		for _, d := range active {
			scoreSum += demand[d].Score
		}
		shares := make(map[string]float64, len(active))
		for _, d := range active {
			if scoreSum <= 0 {
				shares[d] = remaining / float64(len(active))
			} else {
				shares[d] = remaining * demand[d].Score / scoreSum
			}
		}
		var over, under, rest []string
		for _, d := range active {
			switch {
			case shares[d] > maxS:
				over = append(over, d)
			case shares[d] < minS:
				under = append(under, d)
			default:
				rest = append(rest, d)
			}
		}
		// Over-max directions are pinned first: the time they free up may
		// lift an under-min direction back into bounds, while pinning the
		// under-min side early would strand budget.
		switch {
		case len(over) > 0:
			for _, d := range over {
				raw[d] = maxS
				remaining -= maxS
			}
			active = append(under, rest...)
			sort.Strings(active)
		case len(under) > 0:
			for _, d := range under {
				raw[d] = minS
				remaining -= minS
			}
			active = rest
		default:
			// Stable: hand out the computed shares, fixing float drift
			// on the last adjustable direction so the group sums exactly.
			var sum float64
			for i, d := range active {
				if i == len(active)-1 {
					last := remaining - sum
					if last < minS {
						last = minS
					} else if last > maxS {
						last = maxS
					}
					raw[d] = last
					break
				}
				raw[d] = shares[d]
				sum += shares[d]
			}
			active = nil
		}
		if remaining < 0 {
			remaining = 0
		}
	}
	for d, secs := range raw {
		out[d] = time.Duration(math.Round(secs*1000)) * time.Millisecond
	}
}

// Validate is the SignalPlan validity predicate: every allocation
// within [MinGreen,MaxGreen] and each group's allocations summing to
// its budget, modulo the documented all-pinned exception.
func Validate(plan model.SignalPlan, ix model.Intersection) error {
	for _, d := range ix.Directions {
		a, ok := plan.Allocations[d]
		if !ok {
			return fmt.Errorf("%w: direction %s has no allocation", ErrInvalidPlan, d)
		}
		if a < ix.MinGreen-sumTolerance || a > ix.MaxGreen+sumTolerance {
			return fmt.Errorf("%w: direction %s allocation %s outside [%s,%s]", ErrInvalidPlan, d, a, ix.MinGreen, ix.MaxGreen)
		}
	}
	for gi, group := range ix.Groups {
		var sum time.Duration
		allPinned := true
		for _, d := range group {
			a := plan.Allocations[d]
			sum += a
			if !atBound(a, ix.MinGreen) && !atBound(a, ix.MaxGreen) {
				allPinned = false
			}
		}
		budget := ix.GroupBudget(gi)
		if allPinned {
			continue
		}
		if diff := sum - budget; diff > sumTolerance || diff < -sumTolerance {
			return fmt.Errorf("%w: group %d sums to %s, budget %s", ErrInvalidPlan, gi, sum, budget)
		}
	}
	return nil
}

// ValidateManual applies the looser predicate for operator plans:
// bounds per direction, and each group's sum must not exceed its
// budget.
func ValidateManual(plan model.SignalPlan, ix model.Intersection) error {
	for _, d := range ix.Directions {
		a, ok := plan.Allocations[d]
		if !ok {
			return fmt.Errorf("%w: direction %s has no allocation", ErrInvalidPlan, d)
		}
		if a < ix.MinGreen || a > ix.MaxGreen {
			return fmt.Errorf("%w: direction %s allocation %s outside [%s,%s]", ErrInvalidPlan, d, a, ix.MinGreen, ix.MaxGreen)
		}
	}
	for gi, group := range ix.Groups {
		var sum time.Duration
		for _, d := range group {
			sum += plan.Allocations[d]
		}
		if budget := ix.GroupBudget(gi); sum > budget+sumTolerance {
			return fmt.Errorf("%w: group %d sums to %s, budget %s", ErrInvalidPlan, gi, sum, budget)
		}
	}
	return nil
}

func atBound(a, bound time.Duration) bool {
	diff := a - bound
	return diff <= sumTolerance && diff >= -sumTolerance
}

// Efficiency measures how closely green-time proportions match demand
// proportions, in [0,100]. 100 means the split mirrors demand exactly.
func Efficiency(demand map[string]Demand, alloc map[string]time.Duration) float64 {
	var scoreSum float64
	var timeSum time.Duration
	for d, a := range alloc {
		scoreSum += demand[d].Score
		timeSum += a
	}
	if scoreSum <= 0 || timeSum <= 0 {
		return 0
	}
	var acc float64
	n := 0
	for d, a := range alloc {
		trafficProp := demand[d].Score / scoreSum
		timeProp := a.Seconds() / timeSum.Seconds()
		acc += 1 - math.Abs(trafficProp-timeProp)
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Round(acc/float64(n)*10000) / 100
}
