package swarm

import (
	"fmt"

	"github.com/talgya/weavelang/internal/agents"
	"github.com/talgya/weavelang/internal/capability"
	"github.com/talgya/weavelang/internal/weave"
	"github.com/talgya/weavelang/internal/world"
)

// Params are the shared agent settings used when building a scenario.
type Params struct {
	Threshold  float64
	Spread     float64
	StepGain   float64
	TimeScaled bool
	// Adaptive derives every belief's drift spread from recent tension.
	Adaptive bool
	// Safety overrides DefaultOptions for the lab swarm when set.
	Safety *Options
}

// NewLabSwarm builds the expert swarm over a fresh lab with the default
// safety override.
func NewLabSwarm(lab *world.Lab, src weave.RandSource, p Params) (*Coordinator, error) {
	s, a := capability.NewSensors(), capability.NewActuators()
	lab.Bind(s, a)
	sched := agents.NewScheduler(s, a, weave.NewDrifter(src))
	sched.TimeScaled = p.TimeScaled

	cfgs := lab.AgentConfigs(p.Threshold, p.Spread)
	members := make([]*agents.Agent, 0, len(cfgs))
	for _, cfg := range cfgs {
		cfg.StepGain = p.StepGain
		p.applyAdaptive(&cfg)
		ag, err := agents.New(cfg)
		if err != nil {
			return nil, fmt.Errorf("build expert %s: %w", cfg.ID, err)
		}
		members = append(members, ag)
	}

	opts := DefaultOptions()
	if p.Safety != nil {
		opts = *p.Safety
	}
	c, err := New(sched, opts, members...)
	if err != nil {
		return nil, err
	}
	c.Attach(lab)
	return c, nil
}

// NewLightSeeker builds a single-robot coordinator over a light world. There
// is no safety sensor in this world, so no override applies.
func NewLightSeeker(w *world.LightWorld, src weave.RandSource, expectedLight float64, p Params) (*Coordinator, error) {
	s, a := capability.NewSensors(), capability.NewActuators()
	w.Bind(s, a)
	sched := agents.NewScheduler(s, a, weave.NewDrifter(src))
	sched.TimeScaled = p.TimeScaled

	cfg := world.RobotConfig("robot", expectedLight, p.Threshold, p.Spread, w.Robot)
	cfg.StepGain = p.StepGain
	p.applyAdaptive(&cfg)
	robot, err := agents.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("build robot: %w", err)
	}

	c, err := New(sched, Options{}, robot)
	if err != nil {
		return nil, err
	}
	c.Attach(w)
	return c, nil
}

func (p Params) applyAdaptive(cfg *agents.Config) {
	if !p.Adaptive {
		return
	}
	for i := range cfg.Beliefs {
		cfg.Beliefs[i].Adaptive = true
	}
}
