// Package swarm drives a fixed, ordered set of agents through one cycle each
// per tick, with a safety sensor that can override any agent's action.
package swarm

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/talgya/weavelang/internal/agents"
	"github.com/talgya/weavelang/internal/capability"
	"github.com/talgya/weavelang/internal/script"
	"github.com/talgya/weavelang/internal/weave"
)

// ErrUnknownAgent is returned for an agent name the coordinator does not hold.
var ErrUnknownAgent = errors.New("unknown agent")

// Host is a world that needs to know when time passes.
type Host interface {
	Advance(dt float64)
}

// Options configures the safety override.
type Options struct {
	// SafetySensor is polled for every agent each tick. Empty disables the
	// override.
	SafetySensor string
	// RiskThreshold is the reading above which the agent is halted.
	RiskThreshold float64
	// HaltAction is invoked in place of the agent's normal action.
	HaltAction string
}

// DefaultOptions returns the lab's safety settings.
func DefaultOptions() Options {
	return Options{
		SafetySensor:  "safety_violation",
		RiskThreshold: weave.SafetyRiskThreshold,
		HaltAction:    "halt_experiment",
	}
}

// TickReport is the outcome of one tick.
type TickReport struct {
	Tick       uint64          `json:"tick"`
	DeltaTime  float64         `json:"delta_time"`
	Reports    []agents.Report `json:"reports"`
	Halted     []string        `json:"halted,omitempty"`
	ProgramErr error           `json:"-"`
}

// Coordinator owns the agent contexts and triggers their cycles. It never
// writes an agent's model itself except through a host program's extend.
type Coordinator struct {
	order []*agents.Agent
	index map[string]*agents.Agent
	store *weave.Store
	sched *agents.Scheduler
	opts  Options
	hosts []Host

	runner  script.Runner
	program string
	tick    uint64
}

// New creates a coordinator that updates agents in the given order.
func New(sched *agents.Scheduler, opts Options, members ...*agents.Agent) (*Coordinator, error) {
	c := &Coordinator{
		index:  make(map[string]*agents.Agent, len(members)),
		store:  weave.NewStore(),
		sched:  sched,
		opts:   opts,
		runner: script.Noop{},
	}
	for _, a := range members {
		if _, dup := c.index[a.ID()]; dup {
			return nil, fmt.Errorf("agent %q registered twice: %w", a.ID(), weave.ErrInvalidArgument)
		}
		c.order = append(c.order, a)
		c.index[a.ID()] = a
		c.store.Attach(a.ID(), a.Model())
	}
	return c, nil
}

// Attach registers a host world to be advanced at the start of every tick.
func (c *Coordinator) Attach(h Host) {
	c.hosts = append(c.hosts, h)
}

// SetRunner installs the program runner. Nil restores the no-op runner.
func (c *Coordinator) SetRunner(r script.Runner) {
	if r == nil {
		r = script.Noop{}
	}
	c.runner = r
}

// SetProgram installs a program run once at the start of every tick.
// An empty program disables it.
func (c *Coordinator) SetProgram(src string) {
	c.program = src
}

// RunProgram executes src once through the installed runner.
func (c *Coordinator) RunProgram(src string) error {
	return c.runner.Run(src, c)
}

// AdvanceOneTick advances hosts, runs the tick program, then cycles every
// agent exactly once in order. A failure in one agent's cycle is recorded
// in its report and never stops the others.
func (c *Coordinator) AdvanceOneTick(dt float64) TickReport {
	c.tick++
	for _, h := range c.hosts {
		h.Advance(dt)
	}

	tr := TickReport{Tick: c.tick, DeltaTime: dt, Reports: make([]agents.Report, 0, len(c.order))}

	if c.program != "" {
		if err := c.RunProgram(c.program); err != nil {
			tr.ProgramErr = err
			slog.Warn("tick program failed", "tick", c.tick, "error", err)
		}
	}

	for _, a := range c.order {
		rep := c.cycle(a, dt)
		switch {
		case rep.Overridden && rep.Applied:
			tr.Halted = append(tr.Halted, a.ID())
		case rep.Overridden:
			slog.Warn("halt action did not run", "tick", c.tick, "agent", a.ID(), "action", rep.Action)
		}
		if rep.Err != nil {
			slog.Warn("agent cycle error", "tick", c.tick, "agent", a.ID(), "error", rep.Err)
		}
		tr.Reports = append(tr.Reports, rep)
	}
	return tr
}

func (c *Coordinator) cycle(a *agents.Agent, dt float64) (rep agents.Report) {
	defer func() {
		if r := recover(); r != nil {
			rep = agents.Report{Agent: a.ID(), Err: fmt.Errorf("agent %s cycle panicked: %v", a.ID(), r)}
		}
	}()

	var override *agents.Override
	var safetyErr error
	if c.opts.SafetySensor != "" {
		risk := c.sched.Sensors.Read(c.opts.SafetySensor, a.ID()).Float()
		switch {
		case math.IsNaN(risk) || math.IsInf(risk, 0):
			// An unreadable risk halts the agent.
			safetyErr = fmt.Errorf("safety %s reading %v: %w", c.opts.SafetySensor, risk, weave.ErrNonFiniteReading)
			slog.Warn("safety reading not finite", "tick", c.tick, "agent", a.ID(), "risk", fmt.Sprint(risk))
			override = &agents.Override{Action: c.opts.HaltAction}
		case risk > c.opts.RiskThreshold:
			slog.Warn("safety violation detected", "tick", c.tick, "agent", a.ID(), "risk", risk)
			override = &agents.Override{Action: c.opts.HaltAction}
		}
	}
	rep = c.sched.Cycle(a, dt, override)
	rep.Err = errors.Join(safetyErr, rep.Err)
	return rep
}

// Tick returns the number of ticks advanced so far.
func (c *Coordinator) Tick() uint64 { return c.tick }

// SetTick resumes the tick counter, e.g. after restoring a saved run.
func (c *Coordinator) SetTick(t uint64) { c.tick = t }

// Agents returns the agents in update order.
func (c *Coordinator) Agents() []*agents.Agent {
	return append([]*agents.Agent(nil), c.order...)
}

// Agent returns the named agent.
func (c *Coordinator) Agent(id string) (*agents.Agent, error) {
	a, ok := c.index[id]
	if !ok {
		return nil, fmt.Errorf("agent %q: %w", id, ErrUnknownAgent)
	}
	return a, nil
}

// Coherence returns the agent's coherence as of its last committed
// resolution, or 0 if none has committed.
func (c *Coordinator) Coherence(id string) (float64, error) {
	a, err := c.Agent(id)
	if err != nil {
		return 0, err
	}
	v, _ := a.Coherence()
	return v, nil
}

// Position reads back "<agent>.position" for placement by the host.
func (c *Coordinator) Position(id string) (weave.Vec3, error) {
	if _, err := c.Agent(id); err != nil {
		return weave.Vec3{}, err
	}
	return c.store.Vector(weave.Key(id, weave.KeyPosition)), nil
}

// Sense reads a sensor for an agent, defaulting unbound sensors. The
// pseudo-sensor "coherence" reports the agent's coherence.
func (c *Coordinator) Sense(name, agentID string) weave.Value {
	if name == "coherence" && !c.sched.Sensors.Has(name) {
		v, _ := c.Coherence(agentID)
		return weave.Scalar(v)
	}
	return c.sched.Sensors.Read(name, agentID)
}

// Act invokes an action for an agent directly, outside its cycle.
// Unbound actions are a no-op.
func (c *Coordinator) Act(name, agentID string, v weave.Value) error {
	_, err := c.sched.Actuators.Apply(name, agentID, v)
	return err
}

// DesignExperiment asks the lab to design an experiment with a priority pair.
func (c *Coordinator) DesignExperiment(agentID string, p0, p1 float64) error {
	return c.Act("design_experiment", agentID, weave.Pair(p0, p1))
}

// HaltExperiment invokes the halt action for an agent.
func (c *Coordinator) HaltExperiment(agentID string) error {
	return c.Act(c.haltAction(), agentID, weave.Value{})
}

func (c *Coordinator) haltAction() string {
	if c.opts.HaltAction == "" {
		return "halt_experiment"
	}
	return c.opts.HaltAction
}

// Define makes alias dispatch to an existing action.
func (c *Coordinator) Define(alias, action string) error {
	return c.sched.Actuators.Alias(alias, action)
}

// Extend writes an extension belief into an agent's model when cond holds.
func (c *Coordinator) Extend(agentID, param string, v float64, cond bool) (bool, error) {
	a, err := c.Agent(agentID)
	if err != nil {
		return false, err
	}
	return a.Model().Extend(param, v, cond), nil
}

// Capabilities returns the registered sensor and action names.
func (c *Coordinator) Capabilities() (sensors, actions []string) {
	return c.sched.Sensors.Names(), c.sched.Actuators.Names()
}

var _ script.Host = (*Coordinator)(nil)

// Registries returns the scheduler's registries for host binding.
func (c *Coordinator) Registries() (*capability.Sensors, *capability.Actuators) {
	return c.sched.Sensors, c.sched.Actuators
}
