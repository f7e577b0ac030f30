package world

import (
	"log/slog"
	mrand "math/rand/v2"
	"slices"

	opensimplex "github.com/ojrac/opensimplex-go"

	"github.com/talgya/weavelang/internal/capability"
	"github.com/talgya/weavelang/internal/weave"
)

// Lab stations.
const (
	StationHub          = "hub"
	StationAccelerator  = "accelerator"
	StationChemistryLab = "chemistry_lab"
	StationObservatory  = "observatory"
	StationNeuroLab     = "neuroscience_lab"
)

// Physical constants held by the lab.
const (
	Gravity         = 9.81
	CollisionEnergy = 100.0
)

// Instrument describes one noisy lab sensor: center ± amplitude.
type Instrument struct {
	Name      string
	Center    float64
	Amplitude float64
}

// Lab instruments. safety_violation is handled separately: it reads in [0, 0.2).
var Instruments = []Instrument{
	{Name: "equipment_status", Center: 0.8, Amplitude: 0.2},
	{Name: "particle_collision", Center: CollisionEnergy, Amplitude: 5},
	{Name: "chemical_reaction", Center: 1.0, Amplitude: 0.3},
	{Name: "fmri_signal", Center: 0, Amplitude: 0.2},
	{Name: "telescope_data", Center: 0, Amplitude: 0.4},
	{Name: "gravity", Center: Gravity, Amplitude: 0.1},
}

// MaxSafetyRisk bounds the safety_violation reading.
const MaxSafetyRisk = 0.2

// noiseFrequency is how fast instrument noise wanders per unit of lab time.
const noiseFrequency = 0.35

// Design is one experiment design request.
type Design struct {
	Agent    string     `json:"agent"`
	Priority [2]float64 `json:"priority"`
	Time     float64    `json:"time"`
}

// Lab is the virtual laboratory shared by the expert swarm.
type Lab struct {
	Physics     map[string]float64
	Stations    map[string]weave.Vec3
	Assignments map[string]string // agent → station

	noise   opensimplex.Noise
	time    float64
	halted  map[string]bool
	designs []Design
	agents  []string
}

// NewLab creates a lab whose instrument noise is derived from seed.
// A zero seed picks a random noise field.
func NewLab(seed int64) *Lab {
	if seed == 0 {
		seed = mrand.Int64()
	}
	return &Lab{
		Physics: map[string]float64{
			"gravity":          Gravity,
			"collision_energy": CollisionEnergy,
		},
		Stations: map[string]weave.Vec3{
			StationHub:          {},
			StationAccelerator:  {X: -10},
			StationChemistryLab: {X: 10},
			StationObservatory:  {Z: 15},
			StationNeuroLab:     {Z: -10},
		},
		Assignments: make(map[string]string),
		noise:       opensimplex.NewNormalized(seed),
		halted:      make(map[string]bool),
	}
}

// Assign places agent at station.
func (l *Lab) Assign(agent, station string) {
	if _, ok := l.Assignments[agent]; !ok {
		l.agents = append(l.agents, agent)
	}
	l.Assignments[agent] = station
}

// Advance moves lab time forward and clears last tick's halts.
func (l *Lab) Advance(dt float64) {
	l.time += dt
	clear(l.halted)
}

// Time returns the lab clock in simulated seconds.
func (l *Lab) Time() float64 { return l.time }

// SetTime resumes the lab clock, e.g. after restoring a saved run.
func (l *Lab) SetTime(t float64) { l.time = t }

// Halted reports whether agent was halted this tick.
func (l *Lab) Halted(agent string) bool {
	return l.halted[agent]
}

// Designs returns every experiment design requested so far.
func (l *Lab) Designs() []Design {
	return slices.Clone(l.designs)
}

// Read samples instrument name for agent.
func (l *Lab) Read(name, agent string) float64 {
	for i, in := range Instruments {
		if in.Name != name {
			continue
		}
		center := in.Center
		switch name {
		case "particle_collision":
			if _, ok := l.Stations[StationAccelerator]; !ok {
				return 0
			}
			center = l.Physics["collision_energy"]
		case "gravity":
			center = l.Physics["gravity"]
		}
		return center + l.jitter(i, agent)*in.Amplitude
	}
	if name == "safety_violation" {
		return (l.jitter(len(Instruments), agent) + 1) / 2 * MaxSafetyRisk
	}
	return 0
}

// jitter returns smooth noise in [-1, 1) for an instrument channel and agent.
func (l *Lab) jitter(channel int, agent string) float64 {
	row := float64(channel)*7.3 + float64(l.agentIndex(agent))*1.9
	v := 2*l.noise.Eval2(l.time*noiseFrequency, row) - 1
	// Keep the half-open bound even if the field touches its extremes.
	return min(max(v, -1), 0.999999)
}

func (l *Lab) agentIndex(agent string) int {
	return slices.Index(l.agents, agent) + 1
}

// Bind registers every instrument, the safety sensor, the per-agent station
// goal and the lab actions (move, design_experiment, halt_experiment).
func (l *Lab) Bind(s *capability.Sensors, a *capability.Actuators) {
	for _, in := range Instruments {
		name := in.Name
		s.Register(name, capability.SensorFunc(func(agent string) weave.Value {
			return weave.Scalar(l.Read(name, agent))
		}))
	}
	s.Register("safety_violation", capability.SensorFunc(func(agent string) weave.Value {
		risk := l.Read("safety_violation", agent)
		if risk > weave.SafetyRiskThreshold {
			slog.Debug("safety risk elevated", "agent", agent, "risk", risk)
		}
		return weave.Scalar(risk)
	}))
	s.Register("station", capability.SensorFunc(func(agent string) weave.Value {
		return weave.Vector(l.Stations[l.Assignments[agent]])
	}))

	a.Register("move", capability.ActuatorFunc(func(string, weave.Value) error {
		// Robot placement is read back from each agent's model by the host.
		return nil
	}))
	a.Register("design_experiment", capability.ActuatorFunc(func(agent string, v weave.Value) error {
		p := v.Vec()
		l.designs = append(l.designs, Design{Agent: agent, Priority: [2]float64{p.X, p.Y}, Time: l.time})
		slog.Info("designing experiment", "agent", agent, "priority", []float64{p.X, p.Y})
		return nil
	}))
	a.Register("halt_experiment", capability.ActuatorFunc(func(agent string, _ weave.Value) error {
		l.halted[agent] = true
		slog.Warn("halting experiment due to safety violation", "agent", agent, "station", l.Assignments[agent])
		return nil
	}))
}
