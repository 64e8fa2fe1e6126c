// v2
// internal/analysis/analyzer.go
package analysis

import (
	"errors"
	"fmt"
	"time"

	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/model"
)

// ErrStaleSample is returned when a sample's age exceeds the configured
// staleness window. Callers fall back to the direction's last valid
// state and decrement its trust counter.
var ErrStaleSample = errors.New("sample exceeds staleness window")

// Analyzer converts raw vehicle counts into congestion scores and
// discrete traffic-state classifications. Classification is a pure
// function of the sample and the direction's calibrated capacity, so
// it is safe to run concurrently across directions.
type Analyzer struct {
	caps   *Capacities
	window time.Duration
}

// Classification boundaries are fixed contract values, not tunables,
// so the mapping stays deterministic and testable.
const (
	lightBelow    = 30.0
	moderateBelow = 60.0
	heavyBelow    = 80.0
)

func NewAnalyzer(caps *Capacities, stalenessWindow time.Duration) *Analyzer {
	return &Analyzer{caps: caps, window: stalenessWindow}
}

// Classify derives the traffic state for a sample. It fails with
// ErrStaleSample when now minus the sample timestamp exceeds the
// staleness window.
func (a *Analyzer) Classify(sample model.DetectionSample, now time.Time) (model.TrafficState, error) {
	if age := now.Sub(sample.Timestamp); age > a.window {
		return model.TrafficState{}, fmt.Errorf("%w: direction %s age %s", ErrStaleSample, sample.Direction, age)
	}
	capacity, ok := a.caps.Get(sample.Direction)
	if !ok || capacity <= 0 {
		return model.TrafficState{}, fmt.Errorf("no capacity calibrated for direction %s", sample.Direction)
	}
	score := 100 * float64(sample.TotalVehicles()) / float64(capacity)
	if score > 100 {
		score = 100
	}
	return model.TrafficState{Level: levelFor(score), Score: score, SampledAt: sample.Timestamp}, nil
}

func levelFor(score float64) model.TrafficLevel {
	switch {
	case score < lightBelow:
		return model.LevelLight
	case score < moderateBelow:
		return model.LevelModerate
	case score < heavyBelow:
		return model.LevelHeavy
	default:
		return model.LevelCongested
	}
}
