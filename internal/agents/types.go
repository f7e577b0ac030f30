// Package agents provides the agent record and the per-tick cycle that senses,
// scores tension, drifts, resolves and acts for one agent.
package agents

import (
	"fmt"
	"maps"

	"github.com/talgya/weavelang/internal/weave"
)

// Belief binds an observed sensor to the model key holding its expectation.
type Belief struct {
	Sensor   string  `yaml:"sensor" json:"sensor"`
	Key      string  `yaml:"key" json:"key"`
	Seed     float64 `yaml:"seed" json:"seed"`         // Initial expectation
	Spread   float64 `yaml:"spread" json:"spread"`     // Drift half-width
	Adaptive bool    `yaml:"adaptive" json:"adaptive"` // Derive spread from recent tension
}

// Config describes an agent at construction.
type Config struct {
	ID        string
	Threshold float64 // 0 selects weave.DefaultThreshold
	StepGain  float64 // 0 selects weave.StepGain
	Beliefs   []Belief

	// Goal names a vector sensor giving the movement target. Empty disables
	// movement.
	Goal       string
	MoveAction string // Defaults to "move"

	Position weave.Vec3
	Extra    map[string]float64 // Host-defined seeded beliefs
}

// Agent is one independently modeled entity. Its model and coherence are
// touched only by its own cycle.
type Agent struct {
	id         string
	threshold  float64
	stepGain   float64
	beliefs    []Belief
	goal       string
	moveAction string

	model     *weave.Model
	coherence weave.Coherence
	history   []float64
}

// New creates an agent with every belief seeded.
func New(cfg Config) (*Agent, error) {
	if cfg.ID == "" {
		return nil, fmt.Errorf("agent id is empty: %w", weave.ErrInvalidArgument)
	}
	if cfg.Threshold < 0 {
		return nil, fmt.Errorf("agent %s threshold %v: %w", cfg.ID, cfg.Threshold, weave.ErrInvalidArgument)
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = weave.DefaultThreshold
	}
	if cfg.StepGain == 0 {
		cfg.StepGain = weave.StepGain
	}
	if cfg.MoveAction == "" {
		cfg.MoveAction = "move"
	}
	for _, b := range cfg.Beliefs {
		if b.Key == "" || b.Sensor == "" {
			return nil, fmt.Errorf("agent %s belief %+v: %w", cfg.ID, b, weave.ErrInvalidArgument)
		}
		if b.Spread < 0 {
			return nil, fmt.Errorf("agent %s belief %s spread %v: %w", cfg.ID, b.Key, b.Spread, weave.ErrInvalidArgument)
		}
	}

	m := weave.NewModel()
	for k, v := range cfg.Extra {
		m.SetScalar(k, v)
	}
	for _, b := range cfg.Beliefs {
		m.SetScalar(b.Key, b.Seed)
	}
	m.Position = cfg.Position

	return &Agent{
		id:         cfg.ID,
		threshold:  cfg.Threshold,
		stepGain:   cfg.StepGain,
		beliefs:    append([]Belief(nil), cfg.Beliefs...),
		goal:       cfg.Goal,
		moveAction: cfg.MoveAction,
		model:      m,
	}, nil
}

// ID returns the agent's name.
func (a *Agent) ID() string { return a.id }

// Threshold returns the tension threshold fixed at construction.
func (a *Agent) Threshold() float64 { return a.threshold }

// Beliefs returns the agent's belief bindings.
func (a *Agent) Beliefs() []Belief { return append([]Belief(nil), a.beliefs...) }

// Model exposes the agent's model for read-back. Only the agent's own cycle
// writes to it.
func (a *Agent) Model() *weave.Model { return a.model }

// Position returns the believed position.
func (a *Agent) Position() weave.Vec3 { return a.model.Position }

// Coherence returns the coherence from the last committed resolution and
// whether any resolution has committed.
func (a *Agent) Coherence() (float64, bool) { return a.coherence.Value() }

// History returns the recent tension values, oldest first.
func (a *Agent) History() []float64 { return append([]float64(nil), a.history...) }

// MeanTension returns the mean of the recent tension values, or 0.
func (a *Agent) MeanTension() float64 {
	if len(a.history) == 0 {
		return 0
	}
	sum := 0.0
	for _, t := range a.history {
		sum += t
	}
	return sum / float64(len(a.history))
}

// Restore overwrites the agent's model, coherence and tension history with
// persisted state. The model is updated in place so existing store views
// stay valid.
func (a *Agent) Restore(m *weave.Model, c weave.Coherence, history []float64) {
	*a.model = *m.Clone()
	a.coherence = c
	a.history = nil
	for _, t := range history {
		a.recordTension(t)
	}
}

// State is a read-only copy of an agent's mutable state.
type State struct {
	ID           string                `json:"id"`
	Position     weave.Vec3            `json:"position"`
	Beliefs      map[string]float64    `json:"beliefs"`
	Coherence    float64               `json:"coherence"`
	Resolved     bool                  `json:"resolved"`
	Threshold    float64               `json:"threshold"`
	MeanTension  float64               `json:"mean_tension"`
	ExtraVectors map[string]weave.Vec3 `json:"extra_vectors,omitempty"`
	History      []float64             `json:"history,omitempty"`
}

// Snapshot copies the agent's current state.
func (a *Agent) Snapshot() State {
	c, ok := a.coherence.Value()
	return State{
		ID:           a.id,
		Position:     a.model.Position,
		Beliefs:      a.model.Scalars(),
		Coherence:    c,
		Resolved:     ok,
		Threshold:    a.threshold,
		MeanTension:  a.MeanTension(),
		ExtraVectors: maps.Clone(a.model.ExtraVectors),
		History:      a.History(),
	}
}

func (a *Agent) recordTension(t float64) {
	a.history = append(a.history, t)
	if len(a.history) > weave.HistoryLimit {
		a.history = a.history[len(a.history)-weave.HistoryLimit:]
	}
}

func (a *Agent) spreadFor(b Belief) float64 {
	if b.Adaptive && len(a.history) > 0 {
		return a.MeanTension() * weave.AdaptiveSpreadFactor
	}
	return b.Spread
}
