// v4
// internal/scheduler/scheduler.go
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/analysis"
	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/emergency"
	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/events"
	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/metrics"
	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/model"
	"github.com/Swayam7Garg/smart-traffic-monitoring-sub001/internal/timing"
)

// ErrBusy rejects a manual override requested while an emergency or its
// clear buffer is active.
var ErrBusy = errors.New("manual override unavailable while emergency handling is active")

// ErrNotManual rejects a release when no manual override is engaged.
var ErrNotManual = errors.New("no manual override engaged")

// stage tracks where the scheduler is inside its current mode.
type stage int

const (
	stageCycle stage = iota // normal/manual group cycling
	stageEmergencyEntry
	stageEmergencyHold
	stageClearBuffer
)

// queuedSample pairs a sample with its enqueue instant so the
// emergency response latency covers time spent waiting on the loop.
type queuedSample struct {
	sample model.DetectionSample
	at     time.Time
}

// dirPhase is the loop-owned signal head state for one direction.
// until is the next per-direction transition instant; zero means the
// direction stays in its phase until the scheduler says otherwise.
type dirPhase struct {
	phase model.Phase
	until time.Time
	alloc time.Duration
}

// Stats is the operational counter block exposed through /status.
type Stats struct {
	SamplesIn         int64      `json:"samplesIn"`
	SamplesStale      int64      `json:"samplesStale"`
	PlansInstalled    int64      `json:"plansInstalled"`
	PlanRejects       int64      `json:"planRejects"`
	CyclesCompleted   int64      `json:"cyclesCompleted"`
	EmergenciesServed int64      `json:"emergenciesServed"`
	PendingEmergency  int        `json:"pendingEmergencies"`
	Efficiency        float64    `json:"efficiency"`
	Mode              model.Mode `json:"mode"`
}

// Scheduler owns the authoritative signal state for one intersection.
// It is the single writer: the timing calculator and the emergency
// coordinator only propose plans, and every mutation happens on the
// run-loop goroutine. External readers get immutable snapshots.
type Scheduler struct {
	lg     *slog.Logger
	cal    *timing.Calculator
	coord  *emergency.Coordinator
	an     *analysis.Analyzer
	health *analysis.Health
	rec    events.Recorder
	met    *metrics.Metrics

	alertCooldown time.Duration
	tick          time.Duration

	samples  chan queuedSample
	requests chan func(now time.Time)

	// Everything below is owned by the run loop.
	ctx        context.Context
	ix         model.Intersection
	mode       model.Mode
	stg        stage
	stageEnd   time.Time
	groupIdx   int
	plan       model.SignalPlan
	manualPlan *model.SignalPlan
	emPlan     model.SignalPlan
	phases     map[string]*dirPhase
	cycleCount int64
	stats      Stats
	lastAlert  map[string]time.Time
	pendingIx  *model.Intersection
	onReconfig func(model.Intersection)

	mu        sync.RWMutex
	snap      model.Snapshot
	statsView Stats
}

// Options carries the scheduler's collaborators and tunables.
type Options struct {
	Intersection  model.Intersection
	Calculator    *timing.Calculator
	Coordinator   *emergency.Coordinator
	Analyzer      *analysis.Analyzer
	Health        *analysis.Health
	Recorder      events.Recorder
	Metrics       *metrics.Metrics
	AlertCooldown time.Duration
	// Tick caps how long the loop sleeps between deadlines so snapshots
	// and dropout flags stay fresh even with no phase boundary near.
	Tick time.Duration
	// OnReconfigure is invoked (from the run loop) after a queued
	// reconfiguration is installed, so ingest-side direction sets can
	// follow. May be nil.
	OnReconfigure func(model.Intersection)
}

func New(opts Options, lg *slog.Logger) *Scheduler {
	s := &Scheduler{
		lg:            lg,
		cal:           opts.Calculator,
		coord:         opts.Coordinator,
		an:            opts.Analyzer,
		health:        opts.Health,
		rec:           opts.Recorder,
		met:           opts.Metrics,
		alertCooldown: opts.AlertCooldown,
		tick:          opts.Tick,
		samples:       make(chan queuedSample, 256),
		requests:      make(chan func(now time.Time), 16),
		ix:            opts.Intersection,
		mode:          model.ModeNormal,
		phases:        map[string]*dirPhase{},
		lastAlert:     map[string]time.Time{},
		onReconfig:    opts.OnReconfigure,
	}
	for _, d := range s.ix.Directions {
		s.phases[d] = &dirPhase{phase: model.PhaseRed}
	}
	return s
}

// Ingest implements telemetry.Sink. It never blocks camera streams: if
// the scheduler is saturated the sample is dropped with a warning and
// the next tick's sample supersedes it anyway.
func (s *Scheduler) Ingest(sample model.DetectionSample) {
	select {
	case s.samples <- queuedSample{sample: sample, at: time.Now()}:
	default:
		s.met.SampleDropped("backpressure")
		s.lg.Warn("scheduler saturated, sample dropped", "direction", sample.Direction)
	}
}

// Run drives the scheduler until the context is cancelled. It is the
// only goroutine that mutates signal state.
func (s *Scheduler) Run(ctx context.Context) {
	s.ctx = ctx
	now := time.Now()
	s.lg.Info("scheduler start", "intersection", s.ix.ID, "directions", s.ix.Directions, "groups", len(s.ix.Groups))
	s.met.SetMode(s.mode)
	s.recomputePlan(now)
	s.startGroup(now)

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.wait(time.Now()))
		select {
		case <-ctx.Done():
			s.lg.Info("scheduler stop", "intersection", s.ix.ID)
			return
		case in := <-s.samples:
			s.handleSample(time.Now(), in.sample, in.at)
		case fn := <-s.requests:
			fn(time.Now())
		case <-timer.C:
			s.advance(time.Now())
		}
	}
}

// wait returns how long the loop may sleep before the next deadline.
func (s *Scheduler) wait(now time.Time) time.Duration {
	max := s.tick
	if max <= 0 {
		max = time.Hour
	}
	next := s.nextDeadline()
	if next.IsZero() {
		return max
	}
	d := next.Sub(now)
	if d < 0 {
		return 0
	}
	if d > max {
		return max
	}
	return d
}

func (s *Scheduler) nextDeadline() time.Time {
	var next time.Time
	earliest := func(t time.Time) {
		if t.IsZero() {
			return
		}
		if next.IsZero() || t.Before(next) {
			next = t
		}
	}
	earliest(s.stageEnd)
	for _, p := range s.phases {
		earliest(p.until)
	}
	earliest(s.coord.Deadline())
	return next
}

// Snapshot returns an immutable copy of the current signal state with
// remaining times evaluated at call time.
func (s *Scheduler) Snapshot() model.Snapshot {
	s.mu.RLock()
	snap := s.snap.Clone()
	s.mu.RUnlock()
	now := time.Now()
	for d, st := range snap.Directions {
		if st.Remaining > 0 {
			// Remaining was stored as an absolute deadline offset from
			// TakenAt; re-evaluate against the caller's clock.
			elapsed := now.Sub(snap.TakenAt)
			rem := st.Remaining - elapsed
			if rem < 0 {
				rem = 0
			}
			st.Remaining = rem
			snap.Directions[d] = st
		}
	}
	return snap
}

// Status returns the operational counters as of the last publish.
func (s *Scheduler) Status() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statsView
}

// RequestManualOverride installs an operator plan. It fails with
// ErrBusy while an emergency or its clear buffer is active and with
// ErrInvalidPlan when the plan violates bounds. Manual mode holds until
// an explicit release; there is no timeout by design.
func (s *Scheduler) RequestManualOverride(plan model.SignalPlan) error {
	return s.ask(func(now time.Time) error {
		if s.mode == model.ModeEmergency || s.mode == model.ModeClearBuffer {
			return ErrBusy
		}
		plan.Proposer = model.ProposerManual
		plan.CreatedAt = now
		if err := timing.ValidateManual(plan, s.ix); err != nil {
			return err
		}
		p := plan.Clone()
		s.manualPlan = &p
		s.setMode(now, model.ModeManual)
		s.record(now, model.Event{Kind: model.EventManualEngaged, Proposer: model.ProposerManual})
		s.installPlan(now, p)
		s.groupIdx = 0
		s.startGroup(now)
		return nil
	})
}

// ReleaseManualOverride returns control to the adaptive cycle. Any
// emergency that armed while the operator held the intersection is
// served immediately.
func (s *Scheduler) ReleaseManualOverride() error {
	return s.ask(func(now time.Time) error {
		if s.mode != model.ModeManual {
			return ErrNotManual
		}
		s.manualPlan = nil
		s.record(now, model.Event{Kind: model.EventManualReleased})
		if s.coord.State() == emergency.StateTriggered {
			s.enterEmergency(now, s.coord.Active(), now)
			return nil
		}
		s.resumeNormal(now)
		return nil
	})
}

// VehicleCleared forwards an early-clearance signal from the
// perception pipeline.
func (s *Scheduler) VehicleCleared(direction string) {
	select {
	case s.requests <- func(now time.Time) {
		if s.coord.VehicleCleared(direction, now) {
			s.enterClearBuffer(now)
		}
	}:
	case <-time.After(time.Second):
		s.lg.Warn("vehicle-cleared signal dropped, scheduler busy", "direction", direction)
	}
}

// Reconfigure queues a fresh intersection configuration; the scheduler
// installs it at the next cycle boundary, never mid-phase.
func (s *Scheduler) Reconfigure(ix model.Intersection) error {
	if err := ix.Validate(); err != nil {
		return err
	}
	return s.ask(func(now time.Time) error {
		cp := ix
		s.pendingIx = &cp
		s.lg.Info("reconfiguration queued", "intersection", ix.ID)
		return nil
	})
}

// ask runs fn on the loop goroutine and waits for its result.
func (s *Scheduler) ask(fn func(now time.Time) error) error {
	done := make(chan error, 1)
	s.requests <- func(now time.Time) { done <- fn(now) }
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		return fmt.Errorf("scheduler did not answer in time")
	}
}

// --- sample path ---

func (s *Scheduler) handleSample(now time.Time, sample model.DetectionSample, enqueuedAt time.Time) {
	s.stats.SamplesIn++
	state, err := s.an.Classify(sample, now)
	switch {
	case errors.Is(err, analysis.ErrStaleSample):
		s.stats.SamplesStale++
		strikes := s.health.ObserveStale(sample.Direction, now)
		s.lg.Warn("stale sample, using last valid state", "direction", sample.Direction, "strikes", strikes)
		s.publish(now)
		return
	case err != nil:
		s.lg.Warn("sample classification failed", "direction", sample.Direction, "error", err)
		return
	}
	s.health.ObserveValid(sample.Direction, state, now)
	s.maybeAlertCongestion(now, sample.Direction, state)

	if ev, armed := s.coord.Observe(sample, now); ev != nil {
		s.record(now, model.Event{
			Kind:        model.EventEmergencyTrigger,
			Direction:   ev.Direction,
			EmergencyID: ev.ID,
			Detail:      fmt.Sprintf("category=%s confidence=%.2f", ev.Category, ev.Confidence),
		})
		switch {
		case !armed:
			// Queued behind the active override; served FIFO later.
		case s.mode == model.ModeManual:
			// Operators hold authority: the trigger stays armed and is
			// served the moment the manual override is released.
			s.lg.Warn("emergency armed during manual hold", "direction", ev.Direction, "event", ev.ID)
		default:
			s.enterEmergency(now, ev, enqueuedAt)
		}
	}
	s.publish(now)
}

func (s *Scheduler) maybeAlertCongestion(now time.Time, direction string, state model.TrafficState) {
	if state.Level != model.LevelCongested {
		return
	}
	if last, ok := s.lastAlert[direction]; ok && now.Sub(last) < s.alertCooldown {
		return
	}
	s.lastAlert[direction] = now
	s.record(now, model.Event{
		Kind:      model.EventCongestion,
		Direction: direction,
		Detail:    fmt.Sprintf("score=%.1f", state.Score),
	})
}

// --- emergency path ---

func (s *Scheduler) enterEmergency(now time.Time, ev *model.EmergencyEvent, enqueuedAt time.Time) {
	greenRem := map[string]time.Duration{}
	conflictGreen := false
	for d, p := range s.phases {
		if p.phase != model.PhaseGreen {
			continue
		}
		if !p.until.IsZero() {
			greenRem[d] = p.until.Sub(now)
		}
		if s.ix.Conflicts(d, ev.Direction) {
			conflictGreen = true
		}
	}
	s.emPlan = s.coord.OverridePlan(s.ix, greenRem, now)
	s.setMode(now, model.ModeEmergency)
	s.installPlan(now, s.emPlan)
	s.met.OverrideGranted(now.Sub(enqueuedAt))
	s.stats.EmergenciesServed++

	if conflictGreen && s.ix.AllRedTime > 0 {
		// Safety clearance before the override green: conflicting
		// traffic was mid-intersection when the pre-emption landed.
		// The hold is confirmed only when the green begins, so the
		// clearance is not charged against the override duration.
		s.allRed(now)
		s.stg = stageEmergencyEntry
		s.stageEnd = now.Add(s.ix.AllRedTime)
	} else {
		s.applyEmergencyGreen(now)
	}
	s.publish(now)
}

func (s *Scheduler) applyEmergencyGreen(now time.Time) {
	holdEnd := s.coord.Confirm(now)
	for d := range s.phases {
		alloc := s.emPlan.Allocations[d]
		switch {
		case d == s.emPlan.EmergencyDirection:
			// Indefinite green: the clear buffer, not a per-direction
			// timer, ends the override hold.
			s.setPhase(now, d, model.PhaseGreen, time.Time{}, alloc)
		case alloc > 0:
			end := now.Add(alloc)
			if end.After(holdEnd) {
				end = holdEnd
			}
			s.setPhase(now, d, model.PhaseGreen, end, alloc)
		default:
			s.setPhase(now, d, model.PhaseRed, time.Time{}, 0)
		}
	}
	s.stg = stageEmergencyHold
	s.stageEnd = holdEnd
}

func (s *Scheduler) enterClearBuffer(now time.Time) {
	s.setMode(now, model.ModeClearBuffer)
	s.allRed(now)
	s.stg = stageClearBuffer
	s.stageEnd = s.coord.Deadline()
	s.publish(now)
}

// --- run-loop progression ---

func (s *Scheduler) advance(now time.Time) {
	// Per-direction transitions first: green runs out into yellow,
	// yellow into red.
	for d, p := range s.phases {
		for !p.until.IsZero() && !now.Before(p.until) {
			switch p.phase {
			case model.PhaseGreen:
				if s.ix.YellowTime > 0 {
					s.setPhase(p.until, d, model.PhaseYellow, p.until.Add(s.ix.YellowTime), p.alloc)
				} else {
					s.setPhase(p.until, d, model.PhaseRed, time.Time{}, 0)
				}
			case model.PhaseYellow:
				s.setPhase(p.until, d, model.PhaseRed, time.Time{}, 0)
			default:
				p.until = time.Time{}
			}
		}
	}

	switch s.stg {
	case stageCycle:
		if !s.stageEnd.IsZero() && !now.Before(s.stageEnd) {
			s.nextGroup(s.stageEnd)
		}
	case stageEmergencyEntry:
		if !now.Before(s.stageEnd) {
			s.applyEmergencyGreen(now)
		}
	case stageEmergencyHold, stageClearBuffer:
		t := s.coord.Advance(now)
		if t.StartedClearing {
			s.enterClearBuffer(now)
		}
		for _, sup := range t.Superseded {
			s.record(now, model.Event{
				Kind:        model.EventEmergencyClear,
				Direction:   sup.Direction,
				EmergencyID: sup.ID,
				Detail:      string(sup.Outcome),
			})
		}
		if t.Closed != nil {
			s.record(now, model.Event{
				Kind:        model.EventEmergencyClear,
				Direction:   t.Closed.Direction,
				EmergencyID: t.Closed.ID,
				Detail:      string(t.Closed.Outcome),
			})
			if t.Promoted != nil {
				s.record(now, model.Event{
					Kind:        model.EventEmergencyTrigger,
					Direction:   t.Promoted.Direction,
					EmergencyID: t.Promoted.ID,
					Detail:      "promoted from queue",
				})
				s.enterEmergency(now, t.Promoted, now)
			} else {
				s.resumeNormal(now)
			}
		}
	}
	s.publish(now)
}

// resumeNormal recomputes a fresh adaptive plan; traffic conditions
// have changed during the override, so the interrupted plan is not
// resumed.
func (s *Scheduler) resumeNormal(now time.Time) {
	s.setMode(now, model.ModeNormal)
	s.applyPendingReconfig(now)
	s.recomputePlan(now)
	s.groupIdx = 0
	s.startGroup(now)
}

func (s *Scheduler) nextGroup(now time.Time) {
	s.groupIdx++
	if s.groupIdx >= len(s.ix.Groups) {
		s.groupIdx = 0
		s.cycleCount++
		s.stats.CyclesCompleted++
		s.applyPendingReconfig(now)
		if s.mode == model.ModeNormal {
			s.recomputePlan(now)
		}
	}
	s.startGroup(now)
}

// startGroup begins the current group's green phase under the active
// plan. The group's stage ends after its longest green plus the yellow
// and all-red interphases; per-direction greens expire individually.
func (s *Scheduler) startGroup(now time.Time) {
	plan := s.activePlan()
	group := s.ix.Groups[s.groupIdx]
	inGroup := map[string]bool{}
	var longest time.Duration
	for _, d := range group {
		inGroup[d] = true
		if a := plan.Allocations[d]; a > longest {
			longest = a
		}
	}
	for d := range s.phases {
		if inGroup[d] {
			if a := plan.Allocations[d]; a > 0 {
				s.setPhase(now, d, model.PhaseGreen, now.Add(a), a)
				continue
			}
		}
		s.setPhase(now, d, model.PhaseRed, time.Time{}, 0)
	}
	s.stg = stageCycle
	s.stageEnd = now.Add(longest + s.ix.YellowTime + s.ix.AllRedTime)
	s.publish(now)
}

func (s *Scheduler) activePlan() model.SignalPlan {
	if s.mode == model.ModeManual && s.manualPlan != nil {
		return *s.manualPlan
	}
	return s.plan
}

// recomputePlan asks the timing calculator for the next cycle. An
// invalid plan is a programming defect: it is logged as critical and
// the previous valid plan is retained rather than installing a
// possibly-unsafe one.
func (s *Scheduler) recomputePlan(now time.Time) {
	conds := s.health.Conditions(now)
	demand := make(map[string]timing.Demand, len(conds))
	for d, c := range conds {
		demand[d] = timing.Demand{Score: c.State.Score, Degraded: c.Degraded()}
		s.met.SetDegraded(d, c.Degraded())
	}
	plan, err := s.cal.Propose(s.ix, demand, now)
	if err != nil {
		s.stats.PlanRejects++
		s.lg.Error("CRITICAL: proposed plan violates invariants, retaining previous plan", "error", err)
		return
	}
	s.installPlan(now, plan)
	s.plan = plan
	s.stats.Efficiency = plan.Efficiency
}

func (s *Scheduler) installPlan(now time.Time, plan model.SignalPlan) {
	s.stats.PlansInstalled++
	s.met.PlanInstalled(plan.Proposer)
	s.record(now, model.Event{
		Kind:     model.EventPlanInstalled,
		Proposer: plan.Proposer,
		Detail:   planDetail(plan),
	})
}

func planDetail(plan model.SignalPlan) string {
	return fmt.Sprintf("directions=%d efficiency=%.1f emergency=%s", len(plan.Allocations), plan.Efficiency, plan.EmergencyDirection)
}

// --- state mutation helpers (loop goroutine only) ---

func (s *Scheduler) setMode(now time.Time, mode model.Mode) {
	if s.mode == mode {
		return
	}
	s.lg.Info("mode transition", "from", s.mode, "to", mode)
	s.mode = mode
	s.met.SetMode(mode)
	s.stats.Mode = mode
}

func (s *Scheduler) setPhase(now time.Time, direction string, phase model.Phase, until time.Time, alloc time.Duration) {
	p := s.phases[direction]
	if p == nil {
		return
	}
	changed := p.phase != phase
	p.phase = phase
	p.until = until
	p.alloc = alloc
	if changed {
		s.record(now, model.Event{
			Kind:      model.EventPhaseChange,
			Direction: direction,
			Detail:    string(phase),
		})
	}
}

func (s *Scheduler) allRed(now time.Time) {
	for d := range s.phases {
		s.setPhase(now, d, model.PhaseRed, time.Time{}, 0)
	}
}

func (s *Scheduler) applyPendingReconfig(now time.Time) {
	if s.pendingIx == nil {
		return
	}
	s.ix = *s.pendingIx
	s.pendingIx = nil
	s.health.Reset(s.ix.Directions)
	phases := make(map[string]*dirPhase, len(s.ix.Directions))
	for _, d := range s.ix.Directions {
		if prev, ok := s.phases[d]; ok {
			phases[d] = prev
		} else {
			phases[d] = &dirPhase{phase: model.PhaseRed}
		}
	}
	s.phases = phases
	if s.groupIdx >= len(s.ix.Groups) {
		s.groupIdx = 0
	}
	s.lg.Info("reconfiguration installed", "intersection", s.ix.ID, "directions", s.ix.Directions)
	if s.onReconfig != nil {
		s.onReconfig(s.ix)
	}
}

func (s *Scheduler) record(now time.Time, ev model.Event) {
	ev.IntersectionID = s.ix.ID
	ev.Mode = s.mode
	ev.Timestamp = now
	ctx := s.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := s.rec.Record(ctx, ev); err != nil {
		s.lg.Error("event record failed", "kind", ev.Kind, "error", err)
	}
}

// publish refreshes the snapshot readers see. Remaining times are
// stored relative to TakenAt and re-evaluated on read.
func (s *Scheduler) publish(now time.Time) {
	conds := s.health.Conditions(now)
	snap := model.Snapshot{
		IntersectionID: s.ix.ID,
		Mode:           s.mode,
		Directions:     make(map[string]model.DirectionStatus, len(s.phases)),
		PlanProposer:   s.activeProposer(),
		Efficiency:     s.stats.Efficiency,
		CycleCount:     s.cycleCount,
		TakenAt:        now,
	}
	if ev := s.coord.Active(); ev != nil {
		snap.ActiveEmergencyID = ev.ID
	}
	for d, p := range s.phases {
		st := model.DirectionStatus{
			Phase:      p.phase,
			Allocation: p.alloc,
		}
		if !p.until.IsZero() {
			if rem := p.until.Sub(now); rem > 0 {
				st.Remaining = rem
			}
		}
		if c, ok := conds[d]; ok {
			st.Level = c.State.Level
			st.Score = c.State.Score
			st.Stale = c.Stale
			st.Unknown = c.Unknown
		}
		snap.Directions[d] = st
	}
	s.stats.PendingEmergency = s.coord.PendingCount()
	s.stats.Mode = s.mode
	s.mu.Lock()
	s.snap = snap
	s.statsView = s.stats
	s.mu.Unlock()
}

func (s *Scheduler) activeProposer() model.Proposer {
	switch s.mode {
	case model.ModeEmergency, model.ModeClearBuffer:
		return model.ProposerEmergency
	case model.ModeManual:
		return model.ProposerManual
	default:
		return model.ProposerAdaptive
	}
}
