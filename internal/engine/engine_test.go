package engine

import (
	"context"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/talgya/weavelang/internal/agents"
	"github.com/talgya/weavelang/internal/capability"
	"github.com/talgya/weavelang/internal/entropy"
	"github.com/talgya/weavelang/internal/swarm"
	"github.com/talgya/weavelang/internal/weave"
	"github.com/talgya/weavelang/internal/world"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestEngineStopsAtMaxTicks(t *testing.T) {
	e := NewEngine()
	e.Interval = 0
	e.MaxTicks = 25
	e.SnapshotEvery = 10

	var ticks, snaps []uint64
	e.OnTick = func(tick uint64) { ticks = append(ticks, tick) }
	e.OnSnapshot = func(tick uint64) { snaps = append(snaps, tick) }

	e.Run(context.Background())
	assert.Len(t, ticks, 25)
	assert.Equal(t, uint64(1), ticks[0])
	assert.Equal(t, []uint64{10, 20}, snaps)
	assert.Equal(t, uint64(25), e.Tick())
	assert.False(t, e.Running())
}

func TestEngineResumesFromTick(t *testing.T) {
	e := NewEngine()
	e.Interval = 0
	e.MaxTicks = 12
	e.SetTick(10)

	var first uint64
	e.OnTick = func(tick uint64) {
		if first == 0 {
			first = tick
		}
	}
	e.Run(context.Background())
	assert.Equal(t, uint64(11), first)
	assert.Equal(t, uint64(12), e.Tick())
}

func TestEngineStopsOnCancel(t *testing.T) {
	e := NewEngine()
	e.Interval = time.Millisecond

	var n atomic.Int64
	e.OnTick = func(uint64) { n.Add(1) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return n.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("engine did not stop after cancel")
	}
}

func TestEnginePauseAndStop(t *testing.T) {
	e := NewEngine()
	e.Interval = time.Millisecond
	e.SetSpeed(0)

	var n atomic.Int64
	e.OnTick = func(uint64) { n.Add(1) }

	done := make(chan struct{})
	go func() {
		e.Run(context.Background())
		close(done)
	}()

	require.Eventually(t, e.Running, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, n.Load(), "paused engine must not tick")

	e.SetSpeed(4)
	require.Eventually(t, func() bool { return n.Load() > 0 }, time.Second, time.Millisecond)

	e.Stop()
	e.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("engine did not stop")
	}
}

func TestSetSpeedClampsNegative(t *testing.T) {
	e := NewEngine()
	e.SetSpeed(-3)
	assert.Zero(t, e.Speed())
}

func newLabSim(t *testing.T) (*Simulation, *capability.Sensors) {
	t.Helper()
	c, err := swarm.NewLabSwarm(world.NewLab(11), entropy.NewSeeded(11), swarm.Params{Threshold: weave.DefaultThreshold, Spread: weave.DefaultSpread})
	require.NoError(t, err)
	sensors, _ := c.Registries()
	return NewSimulation("swarm", c, 1), sensors
}

func TestSimulationRecordsSafetyEvents(t *testing.T) {
	sim, sensors := newLabSim(t)
	sensors.Register("safety_violation", capability.SensorFunc(func(agent string) weave.Value {
		if agent == "astrophysics_expert" {
			return weave.Scalar(0.15)
		}
		return weave.Scalar(0)
	}))

	sim.Step(1)
	assert.Equal(t, uint64(1), sim.CurrentTick())

	var safety []Event
	for _, e := range sim.RecentEvents(0) {
		if e.Category == CategorySafety {
			safety = append(safety, e)
		}
	}
	require.Len(t, safety, 1)
	assert.Equal(t, "astrophysics_expert", safety[0].Agent)

	snap := sim.Snapshot()
	require.Len(t, snap.Agents, len(world.Experts))
	assert.Equal(t, 1, snap.Stats.SafetyHalts)
	for _, a := range snap.Agents {
		assert.Equal(t, a.ID == "astrophysics_expert", a.Halted, a.ID)
	}

	a, err := sim.Agent("astrophysics_expert")
	require.NoError(t, err)
	assert.True(t, a.Halted)

	_, err = sim.Agent("nobody")
	assert.ErrorIs(t, err, swarm.ErrUnknownAgent)
}

func TestSimulationNonFiniteRiskHaltsAndIsReported(t *testing.T) {
	sim, sensors := newLabSim(t)
	sensors.Register("safety_violation", capability.SensorFunc(func(agent string) weave.Value {
		if agent == "chemistry_expert" {
			return weave.Scalar(math.NaN())
		}
		return weave.Scalar(0)
	}))

	sim.Step(1)
	cats := map[string][]string{}
	for _, e := range sim.RecentEvents(0) {
		cats[e.Category] = append(cats[e.Category], e.Agent)
	}
	assert.Equal(t, []string{"chemistry_expert"}, cats[CategorySafety])
	assert.Contains(t, cats[CategoryInstability], "chemistry_expert")
	assert.Equal(t, 1, sim.Snapshot().Stats.SafetyHalts)
}

func TestSimulationUnboundHaltIsNotCounted(t *testing.T) {
	c, err := swarm.NewLabSwarm(world.NewLab(11), entropy.NewSeeded(11), swarm.Params{
		Threshold: weave.DefaultThreshold,
		Spread:    weave.DefaultSpread,
		Safety:    &swarm.Options{SafetySensor: "safety_violation", RiskThreshold: 0.1, HaltAction: "evacuate"},
	})
	require.NoError(t, err)
	sensors, _ := c.Registries()
	sensors.Register("safety_violation", capability.SensorFunc(func(agent string) weave.Value {
		if agent == "astrophysics_expert" {
			return weave.Scalar(0.15)
		}
		return weave.Scalar(0)
	}))
	sim := NewSimulation("swarm", c, 1)

	sim.Step(1)
	snap := sim.Snapshot()
	assert.Zero(t, snap.Stats.SafetyHalts)
	for _, a := range snap.Agents {
		assert.False(t, a.Halted, a.ID)
	}

	var safety []Event
	for _, e := range sim.RecentEvents(0) {
		if e.Category == CategorySafety {
			safety = append(safety, e)
		}
	}
	require.Len(t, safety, 1)
	assert.Contains(t, safety[0].Description, "evacuate is unbound")
}

func TestSimulationEventCategories(t *testing.T) {
	sim, sensors := newLabSim(t)
	// equipment_status far from every belief forces drift for the two
	// experts that watch it.
	sensors.Register("equipment_status", capability.SensorFunc(func(string) weave.Value { return weave.Scalar(50) }))
	sensors.Register("particle_collision", capability.SensorFunc(func(string) weave.Value { return weave.Scalar(world.CollisionEnergy) }))
	sensors.Register("safety_violation", capability.SensorFunc(func(string) weave.Value { return weave.Scalar(0) }))

	sim.Step(1)
	cats := map[string]int{}
	for _, e := range sim.RecentEvents(0) {
		cats[e.Category]++
	}
	assert.Equal(t, 2, cats[CategoryRejection])

	drained := sim.DrainEvents()
	assert.Len(t, drained, 2)
	assert.Empty(t, sim.DrainEvents())
	assert.Len(t, sim.RecentEvents(0), 2, "draining keeps the in-memory log")
}

func TestSimulationKeepsBoundedEvents(t *testing.T) {
	sim, sensors := newLabSim(t)
	sensors.Register("safety_violation", capability.SensorFunc(func(string) weave.Value { return weave.Scalar(1) }))

	ticks := MaxEvents/len(world.Experts) + 5
	for i := range ticks {
		sim.Step(uint64(i + 1))
	}
	assert.Len(t, sim.RecentEvents(0), MaxEvents)
	assert.Len(t, sim.RecentEvents(10), 10)
	assert.Equal(t, uint64(ticks), sim.RecentEvents(1)[0].Tick)
}

func TestSimulationRestore(t *testing.T) {
	sim, _ := newLabSim(t)
	states := []agents.State{
		{
			ID:        "generalist",
			Position:  weave.Vec3{X: 3},
			Beliefs:   map[string]float64{weave.KeySafetyMetric: 0.9, "created": 1},
			Coherence: 0.4,
			Resolved:  true,
			History:   []float64{1.5, 2.5},
		},
		{ID: "ghost"},
	}
	assert.Equal(t, 1, sim.Restore(40, states))
	assert.Equal(t, uint64(40), sim.CurrentTick())

	g, err := sim.Agent("generalist")
	require.NoError(t, err)
	assert.Equal(t, weave.Vec3{X: 3}, g.Position)
	assert.Equal(t, 0.9, g.Beliefs[weave.KeySafetyMetric])
	assert.Equal(t, 1.0, g.Beliefs["created"])
	assert.Equal(t, []float64{1.5, 2.5}, g.History)
	assert.Equal(t, 2.0, g.MeanTension)

	c, err := sim.Coherence("generalist")
	require.NoError(t, err)
	assert.Equal(t, 0.4, c)

	sim.Step(1)
	assert.Equal(t, uint64(41), sim.CurrentTick())
}

func TestSimulationProgram(t *testing.T) {
	sim, _ := newLabSim(t)
	// The default runner ignores programs.
	assert.NoError(t, sim.RunProgram("not starlark at all"))
	sim.SetProgram("")
	sim.Step(1)
}
