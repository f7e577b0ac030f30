package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/talgya/weavelang/internal/agents"
	"github.com/talgya/weavelang/internal/swarm"
	"github.com/talgya/weavelang/internal/weave"
)

// MaxEvents is how many recent events the simulation keeps in memory.
const MaxEvents = 1000

// Event categories.
const (
	CategoryResolution  = "resolution"  // a drift candidate was committed
	CategoryRejection   = "rejection"   // a drift candidate was discarded
	CategorySafety      = "safety"      // the safety override replaced an action
	CategoryInstability = "instability" // a cycle or program reported an error
)

// Event is a notable occurrence in the run.
type Event struct {
	Tick        uint64 `json:"tick" db:"tick"`
	Agent       string `json:"agent,omitempty" db:"agent"`
	Category    string `json:"category" db:"category"`
	Description string `json:"description" db:"description"`
}

// SimStats tracks aggregate statistics over the whole run.
type SimStats struct {
	Resolutions   int     `json:"resolutions"`
	Rejections    int     `json:"rejections"`
	SafetyHalts   int     `json:"safety_halts"`
	Errors        int     `json:"errors"`
	AvgCoherence  float64 `json:"avg_coherence"`
	ResolvedCount int     `json:"resolved_agents"`
}

// AgentSnapshot is one agent's state plus whether it was halted last tick.
type AgentSnapshot struct {
	agents.State
	Halted bool `json:"halted"`
}

// Snapshot is a point-in-time copy of the run.
type Snapshot struct {
	Tick     uint64          `json:"tick"`
	Scenario string          `json:"scenario"`
	Agents   []AgentSnapshot `json:"agents"`
	Stats    SimStats        `json:"stats"`
}

// Simulation guards the swarm so the tick loop and API readers can share it.
type Simulation struct {
	Scenario  string
	DeltaTime float64 // Simulated seconds per tick
	// ReportEvery controls the periodic slog report; zero disables it.
	ReportEvery uint64

	mu       sync.RWMutex
	swarm    *swarm.Coordinator
	events   []Event
	pending  []Event // not yet persisted
	lastTick uint64
	halted   map[string]bool
	stats    SimStats
}

// NewSimulation wraps a coordinator.
func NewSimulation(scenario string, c *swarm.Coordinator, dt float64) *Simulation {
	return &Simulation{
		Scenario:  scenario,
		DeltaTime: dt,
		swarm:     c,
		lastTick:  c.Tick(),
		halted:    make(map[string]bool),
	}
}

// Step advances the swarm by one tick and records what happened. It matches
// Engine.OnTick; the engine's counter is only used for the periodic report.
func (s *Simulation) Step(engineTick uint64) {
	s.mu.Lock()
	tr := s.swarm.AdvanceOneTick(s.DeltaTime)
	s.record(tr)
	s.mu.Unlock()

	if s.ReportEvery > 0 && engineTick%s.ReportEvery == 0 {
		s.report()
	}
}

func (s *Simulation) record(tr swarm.TickReport) {
	s.lastTick = tr.Tick
	clear(s.halted)

	var evs []Event
	if tr.ProgramErr != nil {
		s.stats.Errors++
		evs = append(evs, Event{Tick: tr.Tick, Category: CategoryInstability, Description: fmt.Sprintf("program: %v", tr.ProgramErr)})
	}

	for _, rep := range tr.Reports {
		for _, o := range rep.Observations {
			if !o.Drifted {
				continue
			}
			if o.Committed {
				s.stats.Resolutions++
				evs = append(evs, Event{Tick: tr.Tick, Agent: rep.Agent, Category: CategoryResolution,
					Description: fmt.Sprintf("%s revised %s to %.4f (tension %.4f -> %.4f)", rep.Agent, o.Key, o.Candidate, o.Tension, o.NewTension)})
			} else {
				s.stats.Rejections++
				evs = append(evs, Event{Tick: tr.Tick, Agent: rep.Agent, Category: CategoryRejection,
					Description: fmt.Sprintf("%s kept %s at %.4f (candidate %.4f left tension %.4f)", rep.Agent, o.Key, o.Expected, o.Candidate, o.NewTension)})
			}
		}
		switch {
		case rep.Overridden && rep.Applied:
			s.halted[rep.Agent] = true
			s.stats.SafetyHalts++
			evs = append(evs, Event{Tick: tr.Tick, Agent: rep.Agent, Category: CategorySafety,
				Description: fmt.Sprintf("%s halted by %s", rep.Agent, rep.Action)})
		case rep.Overridden:
			evs = append(evs, Event{Tick: tr.Tick, Agent: rep.Agent, Category: CategorySafety,
				Description: fmt.Sprintf("%s not halted: %s is unbound", rep.Agent, rep.Action)})
		}
		if rep.Err != nil {
			s.stats.Errors++
			evs = append(evs, Event{Tick: tr.Tick, Agent: rep.Agent, Category: CategoryInstability, Description: rep.Err.Error()})
			if errors.Is(rep.Err, weave.ErrNonFiniteReading) {
				slog.Debug("non-finite reading", "tick", tr.Tick, "agent", rep.Agent)
			}
		}
	}

	s.events = append(s.events, evs...)
	if len(s.events) > MaxEvents {
		s.events = s.events[len(s.events)-MaxEvents:]
	}
	s.pending = append(s.pending, evs...)
	if len(s.pending) > MaxEvents {
		s.pending = s.pending[len(s.pending)-MaxEvents:]
	}
}

func (s *Simulation) report() {
	snap := s.Snapshot()
	slog.Info("simulation report",
		"tick", snap.Tick,
		"scenario", snap.Scenario,
		"agents", len(snap.Agents),
		"resolved", snap.Stats.ResolvedCount,
		"avg_coherence", fmt.Sprintf("%.3f", snap.Stats.AvgCoherence),
		"resolutions", snap.Stats.Resolutions,
		"rejections", snap.Stats.Rejections,
		"safety_halts", snap.Stats.SafetyHalts,
		"errors", snap.Stats.Errors,
	)
}

// Coordinator returns the wrapped swarm. Callers must not use it while the
// engine is running.
func (s *Simulation) Coordinator() *swarm.Coordinator { return s.swarm }

// CurrentTick returns the most recently processed tick.
func (s *Simulation) CurrentTick() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastTick
}

// Snapshot copies every agent's state.
func (s *Simulation) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{Tick: s.lastTick, Scenario: s.Scenario, Stats: s.stats}
	coh := 0.0
	for _, a := range s.swarm.Agents() {
		st := a.Snapshot()
		if st.Resolved {
			snap.Stats.ResolvedCount++
			coh += st.Coherence
		}
		snap.Agents = append(snap.Agents, AgentSnapshot{State: st, Halted: s.halted[st.ID]})
	}
	if snap.Stats.ResolvedCount > 0 {
		snap.Stats.AvgCoherence = coh / float64(snap.Stats.ResolvedCount)
	}
	return snap
}

// Agent returns one agent's snapshot.
func (s *Simulation) Agent(id string) (AgentSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, err := s.swarm.Agent(id)
	if err != nil {
		return AgentSnapshot{}, err
	}
	return AgentSnapshot{State: a.Snapshot(), Halted: s.halted[id]}, nil
}

// Coherence returns an agent's coherence.
func (s *Simulation) Coherence(id string) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.swarm.Coherence(id)
}

// RecentEvents returns up to n of the newest events, oldest first.
func (s *Simulation) RecentEvents(n int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n > len(s.events) {
		n = len(s.events)
	}
	return append([]Event(nil), s.events[len(s.events)-n:]...)
}

// DrainEvents returns and forgets the events not yet handed to storage.
func (s *Simulation) DrainEvents() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	evs := s.pending
	s.pending = nil
	return evs
}

// RunProgram executes a program once between ticks.
func (s *Simulation) RunProgram(src string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.swarm.RunProgram(src)
}

// SetProgram installs a program that runs at the start of every tick.
func (s *Simulation) SetProgram(src string) {
	s.mu.Lock()
	s.swarm.SetProgram(src)
	s.mu.Unlock()
}

// Restore overwrites agents' models, coherence and tension history from
// saved states and resumes the tick counter. States for unknown agents are
// skipped.
func (s *Simulation) Restore(tick uint64, states []agents.State) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	restored := 0
	for _, st := range states {
		a, err := s.swarm.Agent(st.ID)
		if err != nil {
			slog.Warn("skipping saved state", "agent", st.ID, "error", err)
			continue
		}
		m := weave.NewModel()
		for k, v := range st.Beliefs {
			m.SetScalar(k, v)
		}
		m.Position = st.Position
		for k, v := range st.ExtraVectors {
			m.SetVector(k, v)
		}
		a.Restore(m, weave.RestoreCoherence(st.Coherence, st.Resolved), st.History)
		restored++
	}
	s.swarm.SetTick(tick)
	s.lastTick = tick
	return restored
}
