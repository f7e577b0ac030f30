package world

import (
	"github.com/talgya/weavelang/internal/agents"
	"github.com/talgya/weavelang/internal/weave"
)

// Expert is one member of the lab swarm.
type Expert struct {
	ID      string
	Station string
	Beliefs []agents.Belief
}

// Experts is the fixed lab swarm in update order.
var Experts = []Expert{
	{ID: "generalist", Station: StationHub, Beliefs: []agents.Belief{
		{Sensor: "equipment_status", Key: weave.KeySafetyMetric, Seed: 1.0},
	}},
	{ID: "technical_expert", Station: StationAccelerator, Beliefs: []agents.Belief{
		{Sensor: "equipment_status", Key: "equipment_status", Seed: 0.8},
	}},
	{ID: "quantum_expert", Station: StationAccelerator, Beliefs: []agents.Belief{
		{Sensor: "particle_collision", Key: "collision_energy", Seed: CollisionEnergy},
	}},
	{ID: "chemistry_expert", Station: StationChemistryLab, Beliefs: []agents.Belief{
		{Sensor: "chemical_reaction", Key: "reaction_rate", Seed: 1.0},
	}},
	{ID: "neuroscience_expert", Station: StationNeuroLab, Beliefs: []agents.Belief{
		{Sensor: "fmri_signal", Key: "fmri_baseline", Seed: 0},
	}},
	{ID: "astrophysics_expert", Station: StationObservatory, Beliefs: []agents.Belief{
		{Sensor: "telescope_data", Key: "telescope_baseline", Seed: 0},
		{Sensor: "gravity", Key: "gravity", Seed: Gravity},
	}},
}

// ExpertIDs returns the swarm's agent names in update order.
func ExpertIDs() []string {
	ids := make([]string, len(Experts))
	for i, e := range Experts {
		ids[i] = e.ID
	}
	return ids
}

// AgentConfigs assigns every expert to its station and returns their agent
// configurations. Each expert moves toward its station.
func (l *Lab) AgentConfigs(threshold, spread float64) []agents.Config {
	cfgs := make([]agents.Config, 0, len(Experts))
	for _, e := range Experts {
		l.Assign(e.ID, e.Station)
		beliefs := make([]agents.Belief, len(e.Beliefs))
		for i, b := range e.Beliefs {
			b.Spread = spread
			beliefs[i] = b
		}
		cfgs = append(cfgs, agents.Config{
			ID:        e.ID,
			Threshold: threshold,
			Beliefs:   beliefs,
			Goal:      "station",
		})
	}
	return cfgs
}

// RobotConfig returns the light-seeking robot's configuration.
func RobotConfig(id string, expectedLight, threshold, spread float64, start weave.Vec3) agents.Config {
	return agents.Config{
		ID:        id,
		Threshold: threshold,
		Beliefs: []agents.Belief{
			{Sensor: "light", Key: weave.KeyExpectedLight, Seed: expectedLight, Spread: spread},
		},
		Goal:     "light_position",
		Position: start,
	}
}
