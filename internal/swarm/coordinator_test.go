package swarm

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/weavelang/internal/agents"
	"github.com/talgya/weavelang/internal/capability"
	"github.com/talgya/weavelang/internal/entropy"
	"github.com/talgya/weavelang/internal/script"
	"github.com/talgya/weavelang/internal/weave"
	"github.com/talgya/weavelang/internal/world"
)

type countingHost struct{ elapsed float64 }

func (h *countingHost) Advance(dt float64) { h.elapsed += dt }

func labWithRisk(t *testing.T, risk map[string]float64) (*Coordinator, *world.Lab) {
	t.Helper()
	lab := world.NewLab(7)
	c, err := NewLabSwarm(lab, entropy.NewSeeded(7), Params{Threshold: weave.DefaultThreshold, Spread: weave.DefaultSpread})
	require.NoError(t, err)

	sensors, _ := c.Registries()
	sensors.Register("safety_violation", capability.SensorFunc(func(agent string) weave.Value {
		return weave.Scalar(risk[agent])
	}))
	return c, lab
}

func TestSafetyOverrideHaltsOnlyRiskyAgent(t *testing.T) {
	c, lab := labWithRisk(t, map[string]float64{"astrophysics_expert": 0.15, "generalist": 0.05})

	tr := c.AdvanceOneTick(1)
	assert.Equal(t, uint64(1), tr.Tick)
	assert.Equal(t, []string{"astrophysics_expert"}, tr.Halted)
	assert.True(t, lab.Halted("astrophysics_expert"))
	assert.False(t, lab.Halted("generalist"))

	for _, rep := range tr.Reports {
		if rep.Agent == "astrophysics_expert" {
			assert.True(t, rep.Overridden)
			assert.Equal(t, "halt_experiment", rep.Action)
			continue
		}
		assert.False(t, rep.Overridden, rep.Agent)
		assert.Equal(t, "move", rep.Action, rep.Agent)
	}

	// The halted agent stays where it was; others step toward their station.
	pos, err := c.Position("astrophysics_expert")
	require.NoError(t, err)
	assert.Equal(t, weave.Vec3{}, pos)

	pos, err = c.Position("quantum_expert")
	require.NoError(t, err)
	assert.InDelta(t, -1.0, pos.X, 1e-12)
}

func TestRiskAtThresholdDoesNotHalt(t *testing.T) {
	c, _ := labWithRisk(t, map[string]float64{"astrophysics_expert": weave.SafetyRiskThreshold})
	tr := c.AdvanceOneTick(1)
	assert.Empty(t, tr.Halted)
}

func TestNonFiniteRiskHaltsAndReportsError(t *testing.T) {
	for _, risk := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		c, lab := labWithRisk(t, map[string]float64{"astrophysics_expert": risk})
		tr := c.AdvanceOneTick(0.1)

		assert.Equal(t, []string{"astrophysics_expert"}, tr.Halted, risk)
		assert.True(t, lab.Halted("astrophysics_expert"), risk)
		for _, rep := range tr.Reports {
			if rep.Agent != "astrophysics_expert" {
				continue
			}
			assert.True(t, rep.Overridden)
			assert.Equal(t, "halt_experiment", rep.Action)
			assert.ErrorIs(t, rep.Err, weave.ErrNonFiniteReading)
		}
	}
}

func TestUnboundHaltIsNotListedAsHalted(t *testing.T) {
	lab := world.NewLab(7)
	c, err := NewLabSwarm(lab, entropy.NewSeeded(7), Params{
		Threshold: weave.DefaultThreshold,
		Spread:    weave.DefaultSpread,
		Safety:    &Options{SafetySensor: "safety_violation", RiskThreshold: 0.1, HaltAction: "evacuate"},
	})
	require.NoError(t, err)
	sensors, _ := c.Registries()
	sensors.Register("safety_violation", capability.SensorFunc(func(agent string) weave.Value {
		if agent == "astrophysics_expert" {
			return weave.Scalar(0.15)
		}
		return weave.Scalar(0)
	}))

	tr := c.AdvanceOneTick(1)
	assert.Empty(t, tr.Halted)
	assert.False(t, lab.Halted("astrophysics_expert"))
	rep := tr.Reports[len(tr.Reports)-1]
	require.Equal(t, "astrophysics_expert", rep.Agent)
	assert.True(t, rep.Overridden)
	assert.False(t, rep.Applied)
}

func TestAgentsRunInOrderOncePerTick(t *testing.T) {
	c, _ := labWithRisk(t, nil)
	for range 3 {
		tr := c.AdvanceOneTick(1)
		ids := make([]string, len(tr.Reports))
		for i, rep := range tr.Reports {
			ids[i] = rep.Agent
		}
		assert.Equal(t, world.ExpertIDs(), ids)
	}
	assert.Equal(t, uint64(3), c.Tick())
}

func TestCycleFailureIsIsolated(t *testing.T) {
	s, a := capability.NewSensors(), capability.NewActuators()
	s.Register("reading", capability.SensorFunc(func(agent string) weave.Value {
		if agent == "broken" {
			panic("sensor exploded")
		}
		return weave.Scalar(1)
	}))
	a.Register("move", capability.ActuatorFunc(func(agent string, _ weave.Value) error {
		if agent == "clumsy" {
			return errors.New("stuck")
		}
		return nil
	}))
	s.Register("goal", capability.SensorFunc(func(string) weave.Value { return weave.Vector(weave.Vec3{X: 1}) }))

	var members []*agents.Agent
	for _, id := range []string{"broken", "clumsy", "fine"} {
		ag, err := agents.New(agents.Config{ID: id, Goal: "goal", Beliefs: []agents.Belief{{Sensor: "reading", Key: "r", Seed: 1}}})
		require.NoError(t, err)
		members = append(members, ag)
	}
	c, err := New(agents.NewScheduler(s, a, weave.NewDrifter(entropy.NewSeeded(1))), Options{}, members...)
	require.NoError(t, err)

	tr := c.AdvanceOneTick(1)
	require.Len(t, tr.Reports, 3)
	assert.ErrorContains(t, tr.Reports[0].Err, "panicked")
	assert.ErrorContains(t, tr.Reports[1].Err, "stuck")
	assert.NoError(t, tr.Reports[2].Err)
	assert.True(t, tr.Reports[2].Applied)
}

func TestNewRejectsDuplicateAgents(t *testing.T) {
	a1, err := agents.New(agents.Config{ID: "x"})
	require.NoError(t, err)
	a2, err := agents.New(agents.Config{ID: "x"})
	require.NoError(t, err)

	sched := agents.NewScheduler(capability.NewSensors(), capability.NewActuators(), weave.NewDrifter(entropy.NewSeeded(1)))
	_, err = New(sched, Options{}, a1, a2)
	assert.ErrorIs(t, err, weave.ErrInvalidArgument)
}

func TestUnknownAgent(t *testing.T) {
	c, _ := labWithRisk(t, nil)

	_, err := c.Coherence("janitor")
	assert.ErrorIs(t, err, ErrUnknownAgent)
	_, err = c.Position("janitor")
	assert.ErrorIs(t, err, ErrUnknownAgent)
	_, err = c.Extend("janitor", "mood", 1, true)
	assert.ErrorIs(t, err, ErrUnknownAgent)

	v, err := c.Coherence("generalist")
	require.NoError(t, err)
	assert.Zero(t, v)
}

func TestHostsAdvanceEachTick(t *testing.T) {
	c, _ := labWithRisk(t, nil)
	h := &countingHost{}
	c.Attach(h)
	c.AdvanceOneTick(0.5)
	c.AdvanceOneTick(0.25)
	assert.Equal(t, 0.75, h.elapsed)
}

func TestDirectLabActions(t *testing.T) {
	c, lab := labWithRisk(t, nil)

	require.NoError(t, c.DesignExperiment("generalist", 0.7, 0.3))
	designs := lab.Designs()
	require.Len(t, designs, 1)
	assert.Equal(t, [2]float64{0.7, 0.3}, designs[0].Priority)

	require.NoError(t, c.HaltExperiment("chemistry_expert"))
	assert.True(t, lab.Halted("chemistry_expert"))

	// Unbound actions are a no-op.
	assert.NoError(t, c.Act("launch_rocket", "generalist", weave.Scalar(1)))
}

func TestTickProgramRunsBeforeAgents(t *testing.T) {
	c, lab := labWithRisk(t, nil)
	c.SetRunner(script.Starlark{})
	c.SetProgram(`
define("stop", "halt_experiment")
if tick() == 1:
    act("stop", "neuroscience_expert")
    act("design_experiment", "generalist", (0.7, 0.3))
extend("generalist", "created", 1.0, cond=coherence("generalist") == 0.0)
`)

	tr := c.AdvanceOneTick(1)
	require.NoError(t, tr.ProgramErr)
	assert.True(t, lab.Halted("neuroscience_expert"))
	assert.Len(t, lab.Designs(), 1)

	g, err := c.Agent("generalist")
	require.NoError(t, err)
	assert.Equal(t, 1.0, g.Model().Extra["created"])

	// Program errors are reported without stopping the tick.
	c.SetProgram(`act("move", "ghost", {})`)
	tr = c.AdvanceOneTick(1)
	assert.Error(t, tr.ProgramErr)
	assert.Len(t, tr.Reports, len(world.Experts))
}

func TestCoherenceSensorFallback(t *testing.T) {
	c, _ := labWithRisk(t, nil)
	assert.Equal(t, weave.Scalar(0), c.Sense("coherence", "generalist"))
}

func TestLightSeekerReachesLight(t *testing.T) {
	w := world.NewLightWorld(weave.Vec3{X: 10, Y: 10}, weave.Vec3{})
	c, err := NewLightSeeker(w, entropy.NewSeeded(3), 5.0, Params{Threshold: weave.DefaultThreshold, Spread: weave.DefaultSpread})
	require.NoError(t, err)

	for range 60 {
		tr := c.AdvanceOneTick(1.0 / 60)
		assert.Empty(t, tr.Halted)
	}
	pos, err := c.Position("robot")
	require.NoError(t, err)
	assert.Equal(t, w.Robot, pos)
	assert.Less(t, weave.Dist(pos, w.Light), 0.05)
}

type topDraw struct{}

func (topDraw) Float64() float64 { return 1 }

func TestAdaptiveParamsWidenDriftWithTension(t *testing.T) {
	tests := []struct {
		name      string
		adaptive  bool
		candidate float64
	}{
		// Observed light is 0 and the belief 40, so adaptive spread is 4.
		{"fixed", false, 40.5},
		{"adaptive", true, 44},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := world.NewLightWorld(weave.Vec3{X: 10, Y: 10}, weave.Vec3{})
			c, err := NewLightSeeker(w, topDraw{}, 40, Params{Threshold: weave.DefaultThreshold, Spread: weave.DefaultSpread, Adaptive: tt.adaptive})
			require.NoError(t, err)

			tr := c.AdvanceOneTick(1)
			obs := tr.Reports[0].Observations
			require.Len(t, obs, 1)
			assert.True(t, obs[0].Drifted)
			assert.InDelta(t, tt.candidate, obs[0].Candidate, 1e-12)
		})
	}

	lab := world.NewLab(7)
	c, err := NewLabSwarm(lab, topDraw{}, Params{Threshold: weave.DefaultThreshold, Spread: weave.DefaultSpread, Adaptive: true})
	require.NoError(t, err)
	for _, a := range c.Agents() {
		for _, b := range a.Beliefs() {
			assert.True(t, b.Adaptive, a.ID())
		}
	}
}
