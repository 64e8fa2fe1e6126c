// v3
// internal/model/model.go
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Phase is the displayed aspect of one direction's signal head.
type Phase string

const (
	PhaseRed    Phase = "red"
	PhaseYellow Phase = "yellow"
	PhaseGreen  Phase = "green"
)

// Mode is the scheduler's top-level operating mode.
type Mode string

const (
	ModeNormal      Mode = "normal"
	ModeEmergency   Mode = "emergency"
	ModeClearBuffer Mode = "clear_buffer"
	ModeManual      Mode = "manual"
)

// Proposer identifies which component produced a SignalPlan.
type Proposer string

const (
	ProposerAdaptive  Proposer = "adaptive"
	ProposerManual    Proposer = "manual"
	ProposerEmergency Proposer = "emergency"
)

// TrafficLevel is the discrete classification of a direction's congestion.
type TrafficLevel string

const (
	LevelLight     TrafficLevel = "light"
	LevelModerate  TrafficLevel = "moderate"
	LevelHeavy     TrafficLevel = "heavy"
	LevelCongested TrafficLevel = "congested"
)

// Emergency vehicle categories as reported by the detection pipeline.
const (
	EmergencyAmbulance = "ambulance"
	EmergencyPolice    = "police"
	EmergencyFire      = "fire"
)

// DetectionSample is one per-direction telemetry record for a sampling
// tick. Samples are immutable once created; a newer sample for the same
// direction supersedes the older one.
type DetectionSample struct {
	Direction           string         `json:"directionId"`
	Counts              map[string]int `json:"vehicleCounts"`
	EmergencyPresent    bool           `json:"emergencyPresent"`
	EmergencyCategory   string         `json:"emergencyCategory,omitempty"`
	EmergencyConfidence float64        `json:"emergencyConfidence,omitempty"`
	Timestamp           time.Time      `json:"timestamp"`
}

// TotalVehicles sums the per-category counts.
func (s DetectionSample) TotalVehicles() int {
	total := 0
	for _, n := range s.Counts {
		total += n
	}
	return total
}

// Validate checks the structural invariants of a sample. Staleness and
// ordering are the ingest pipeline's concern, not Validate's.
func (s DetectionSample) Validate() error {
	if strings.TrimSpace(s.Direction) == "" {
		return errors.New("sample: direction id is empty")
	}
	if s.Timestamp.IsZero() {
		return errors.New("sample: timestamp is zero")
	}
	for cat, n := range s.Counts {
		if n < 0 {
			return fmt.Errorf("sample: negative count %d for category %q", n, cat)
		}
	}
	if s.EmergencyPresent {
		if s.EmergencyConfidence < 0 || s.EmergencyConfidence > 1 {
			return fmt.Errorf("sample: emergency confidence %.2f outside [0,1]", s.EmergencyConfidence)
		}
	}
	return nil
}

// TrafficState is derived from a DetectionSample against the direction's
// configured capacity. It is never stored independently of the sample
// that produced it.
type TrafficState struct {
	Level     TrafficLevel `json:"level"`
	Score     float64      `json:"score"` // 0..100
	SampledAt time.Time    `json:"sampledAt"`
}

// Intersection is the immutable operating configuration of one
// controlled junction. Groups lists the phase groups: directions inside
// a group may safely show green together, directions in different
// groups conflict and are mutually excluded by the scheduler.
type Intersection struct {
	ID          string
	Directions  []string
	Groups      [][]string
	CycleBudget time.Duration
	// GroupBudgets optionally overrides the even split of CycleBudget
	// across groups; keyed by group index.
	GroupBudgets map[int]time.Duration
	MinGreen     time.Duration
	MaxGreen     time.Duration
	YellowTime   time.Duration
	AllRedTime   time.Duration
}

// GroupBudget returns the cycle-budget share of the given group.
func (ix Intersection) GroupBudget(group int) time.Duration {
	if b, ok := ix.GroupBudgets[group]; ok {
		return b
	}
	if len(ix.Groups) == 0 {
		return ix.CycleBudget
	}
	return ix.CycleBudget / time.Duration(len(ix.Groups))
}

// GroupOf returns the index of the phase group containing the
// direction, or -1 if the direction is unknown.
func (ix Intersection) GroupOf(direction string) int {
	for gi, g := range ix.Groups {
		for _, d := range g {
			if d == direction {
				return gi
			}
		}
	}
	return -1
}

// Conflicts reports whether two directions may not be green at the same
// time. Directions in the same phase group are compatible.
func (ix Intersection) Conflicts(a, b string) bool {
	if a == b {
		return false
	}
	ga, gb := ix.GroupOf(a), ix.GroupOf(b)
	return ga == -1 || gb == -1 || ga != gb
}

// Validate checks the intersection layout: every direction belongs to
// exactly one group and the timing bounds are coherent.
func (ix Intersection) Validate() error {
	if strings.TrimSpace(ix.ID) == "" {
		return errors.New("intersection: id is empty")
	}
	if len(ix.Directions) == 0 {
		return errors.New("intersection: no directions configured")
	}
	if len(ix.Groups) == 0 {
		return errors.New("intersection: no phase groups configured")
	}
	seen := map[string]int{}
	for gi, g := range ix.Groups {
		if len(g) == 0 {
			return fmt.Errorf("intersection: group %d is empty", gi)
		}
		for _, d := range g {
			if prev, dup := seen[d]; dup {
				return fmt.Errorf("intersection: direction %q in groups %d and %d", d, prev, gi)
			}
			seen[d] = gi
		}
	}
	for _, d := range ix.Directions {
		if _, ok := seen[d]; !ok {
			return fmt.Errorf("intersection: direction %q not assigned to any group", d)
		}
	}
	if len(seen) != len(ix.Directions) {
		return errors.New("intersection: groups reference directions outside the direction list")
	}
	if ix.MinGreen <= 0 || ix.MaxGreen < ix.MinGreen {
		return fmt.Errorf("intersection: green bounds invalid (min=%s max=%s)", ix.MinGreen, ix.MaxGreen)
	}
	if ix.CycleBudget <= 0 {
		return errors.New("intersection: cycle budget must be positive")
	}
	return nil
}

// SignalPlan is a proposed mapping from direction to green duration for
// the next cycle. Plans are transient: validated, then either installed
// by the scheduler or discarded. Only the scheduler mutates signal
// state; proposers communicate exclusively through plans.
type SignalPlan struct {
	Proposer    Proposer                 `json:"proposer"`
	Allocations map[string]time.Duration `json:"allocations"`
	// EmergencyDirection is set when Proposer is ProposerEmergency and
	// names the direction holding the override green.
	EmergencyDirection string    `json:"emergencyDirection,omitempty"`
	Efficiency         float64   `json:"efficiency,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
}

// Clone returns a deep copy so the scheduler can hand plans out without
// sharing the allocation map.
func (p SignalPlan) Clone() SignalPlan {
	out := p
	out.Allocations = make(map[string]time.Duration, len(p.Allocations))
	for d, a := range p.Allocations {
		out.Allocations[d] = a
	}
	return out
}

// EmergencyOutcome records how an override ended.
type EmergencyOutcome string

const (
	OutcomeGranted    EmergencyOutcome = "granted"
	OutcomeSuperseded EmergencyOutcome = "superseded"
	OutcomeExpired    EmergencyOutcome = "expired"
)

// EmergencyEvent tracks one override's lifecycle from trigger to
// clearance. Append-only once closed.
type EmergencyEvent struct {
	ID           string
	Direction    string
	Category     string
	Confidence   float64
	TriggeredAt  time.Time
	GrantedGreen time.Duration
	ClearedAt    *time.Time
	Outcome      EmergencyOutcome
}

// emergencyEventJSON is the wire form; durations carry an Ms suffix and
// are serialized as whole milliseconds.
type emergencyEventJSON struct {
	ID             string           `json:"id"`
	Direction      string           `json:"direction"`
	Category       string           `json:"category"`
	Confidence     float64          `json:"confidence"`
	TriggeredAt    time.Time        `json:"triggeredAt"`
	GrantedGreenMs int64            `json:"grantedGreenMs"`
	ClearedAt      *time.Time       `json:"clearedAt,omitempty"`
	Outcome        EmergencyOutcome `json:"outcome,omitempty"`
}

func (e EmergencyEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(emergencyEventJSON{
		ID:             e.ID,
		Direction:      e.Direction,
		Category:       e.Category,
		Confidence:     e.Confidence,
		TriggeredAt:    e.TriggeredAt,
		GrantedGreenMs: e.GrantedGreen.Milliseconds(),
		ClearedAt:      e.ClearedAt,
		Outcome:        e.Outcome,
	})
}

func (e *EmergencyEvent) UnmarshalJSON(b []byte) error {
	var w emergencyEventJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*e = EmergencyEvent{
		ID:           w.ID,
		Direction:    w.Direction,
		Category:     w.Category,
		Confidence:   w.Confidence,
		TriggeredAt:  w.TriggeredAt,
		GrantedGreen: time.Duration(w.GrantedGreenMs) * time.Millisecond,
		ClearedAt:    w.ClearedAt,
		Outcome:      w.Outcome,
	}
	return nil
}

// DirectionStatus is the externally visible condition of one direction
// inside a snapshot.
type DirectionStatus struct {
	Phase      Phase
	Remaining  time.Duration
	Allocation time.Duration
	Level      TrafficLevel
	Score      float64
	Stale      bool
	Unknown    bool
}

// directionStatusJSON is the wire form; durations in milliseconds.
type directionStatusJSON struct {
	Phase        Phase        `json:"phase"`
	RemainingMs  int64        `json:"remainingMs"`
	AllocationMs int64        `json:"allocationMs"`
	Level        TrafficLevel `json:"level,omitempty"`
	Score        float64      `json:"score"`
	Stale        bool         `json:"stale,omitempty"`
	Unknown      bool         `json:"unknown,omitempty"`
}

func (s DirectionStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(directionStatusJSON{
		Phase:        s.Phase,
		RemainingMs:  s.Remaining.Milliseconds(),
		AllocationMs: s.Allocation.Milliseconds(),
		Level:        s.Level,
		Score:        s.Score,
		Stale:        s.Stale,
		Unknown:      s.Unknown,
	})
}

func (s *DirectionStatus) UnmarshalJSON(b []byte) error {
	var w directionStatusJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	*s = DirectionStatus{
		Phase:      w.Phase,
		Remaining:  time.Duration(w.RemainingMs) * time.Millisecond,
		Allocation: time.Duration(w.AllocationMs) * time.Millisecond,
		Level:      w.Level,
		Score:      w.Score,
		Stale:      w.Stale,
		Unknown:    w.Unknown,
	}
	return nil
}

// Snapshot is an immutable copy of the scheduler-owned signal state.
// Readers never see a live reference.
type Snapshot struct {
	IntersectionID    string                     `json:"intersectionId"`
	Mode              Mode                       `json:"mode"`
	Directions        map[string]DirectionStatus `json:"directions"`
	ActiveEmergencyID string                     `json:"activeEmergencyEventId,omitempty"`
	PlanProposer      Proposer                   `json:"planProposer,omitempty"`
	Efficiency        float64                    `json:"efficiency"`
	CycleCount        int64                      `json:"cycleCount"`
	TakenAt           time.Time                  `json:"takenAt"`
}

// Clone deep-copies the snapshot.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Directions = make(map[string]DirectionStatus, len(s.Directions))
	for d, st := range s.Directions {
		out.Directions[d] = st
	}
	return out
}

// EventKind classifies records sent to the persistence sink.
type EventKind string

const (
	EventPhaseChange      EventKind = "phase-change"
	EventPlanInstalled    EventKind = "plan-installed"
	EventEmergencyTrigger EventKind = "emergency-trigger"
	EventEmergencyClear   EventKind = "emergency-clear"
	EventManualEngaged    EventKind = "manual-engaged"
	EventManualReleased   EventKind = "manual-released"
	EventCongestion       EventKind = "congestion"
)

// Event is one append-only record for the event log / notifier
// boundary. The core calls a single record capability and stays
// agnostic of the storage technology behind it.
type Event struct {
	ID             string    `json:"id"`
	Kind           EventKind `json:"kind"`
	IntersectionID string    `json:"intersectionId"`
	Direction      string    `json:"direction,omitempty"`
	Mode           Mode      `json:"mode"`
	EmergencyID    string    `json:"emergencyEventId,omitempty"`
	Proposer       Proposer  `json:"proposer,omitempty"`
	Detail         string    `json:"detail,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}
