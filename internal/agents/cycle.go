package agents

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/talgya/weavelang/internal/capability"
	"github.com/talgya/weavelang/internal/weave"
)

// Phase is a tick-local cycle state. A cycle always runs Sensing,
// Evaluating and Acting to completion within one tick.
type Phase uint8

const (
	PhaseSensing Phase = iota
	PhaseEvaluating
	PhaseActing
)

func (p Phase) String() string {
	switch p {
	case PhaseSensing:
		return "sensing"
	case PhaseEvaluating:
		return "evaluating"
	case PhaseActing:
		return "acting"
	}
	return "unknown"
}

// Observation records one belief's pass through the cycle.
type Observation struct {
	Sensor     string  `json:"sensor"`
	Key        string  `json:"key"`
	Observed   float64 `json:"observed"`
	Expected   float64 `json:"expected"`
	Tension    float64 `json:"tension"`
	Drifted    bool    `json:"drifted"`
	Candidate  float64 `json:"candidate,omitempty"`
	NewTension float64 `json:"new_tension,omitempty"`
	Committed  bool    `json:"committed"`
}

// Override replaces the normal action for one tick.
type Override struct {
	Action string
	Value  weave.Value
}

// Report is what one cycle did for one agent.
type Report struct {
	Agent        string        `json:"agent"`
	Observations []Observation `json:"observations"`
	Action       string        `json:"action,omitempty"`
	Delta        weave.Vec3    `json:"delta"`
	Applied      bool          `json:"applied"`
	Overridden   bool          `json:"overridden"`
	Err          error         `json:"-"`
}

// Committed reports whether any belief was revised this cycle.
func (r Report) Committed() bool {
	for _, o := range r.Observations {
		if o.Committed {
			return true
		}
	}
	return false
}

// Scheduler runs the sense, tension, drift, resolve, act cycle against a
// pair of capability registries.
type Scheduler struct {
	Sensors   *capability.Sensors
	Actuators *capability.Actuators
	Drifter   *weave.Drifter

	// TimeScaled multiplies movement by the tick's elapsed time. Off by
	// default: movement uses the fixed per-tick gain.
	TimeScaled bool
}

// NewScheduler creates a scheduler over the given registries.
func NewScheduler(s *capability.Sensors, a *capability.Actuators, d *weave.Drifter) *Scheduler {
	return &Scheduler{Sensors: s, Actuators: a, Drifter: d}
}

// Cycle runs one full pass for a. A non-nil override replaces the normal
// movement in the acting phase. Failures are collected into the report;
// the cycle always completes.
func (s *Scheduler) Cycle(a *Agent, dt float64, override *Override) Report {
	rep := Report{Agent: a.id}

	readings := s.sense(a)
	rep.Observations, rep.Err = s.evaluate(a, readings)

	if err := s.act(a, dt, override, &rep); err != nil {
		rep.Err = errors.Join(rep.Err, fmt.Errorf("%s: %w", PhaseActing, err))
	}
	return rep
}

func (s *Scheduler) sense(a *Agent) []float64 {
	readings := make([]float64, len(a.beliefs))
	for i, b := range a.beliefs {
		readings[i] = s.Sensors.Read(b.Sensor, a.id).Float()
	}
	return readings
}

func (s *Scheduler) evaluate(a *Agent, readings []float64) ([]Observation, error) {
	var errs []error
	obs := make([]Observation, 0, len(a.beliefs))

	for i, b := range a.beliefs {
		o := Observation{
			Sensor:   b.Sensor,
			Key:      b.Key,
			Observed: readings[i],
			Expected: a.model.Scalar(b.Key),
		}
		o.Tension = weave.Tension(o.Observed, o.Expected)

		if math.IsNaN(o.Tension) || math.IsInf(o.Tension, 0) {
			errs = append(errs, fmt.Errorf("%s: %s observed %v expected %v: %w",
				PhaseEvaluating, b.Key, o.Observed, o.Expected, weave.ErrNonFiniteReading))
			obs = append(obs, o)
			continue
		}
		a.recordTension(o.Tension)

		if o.Tension > a.threshold {
			cand, err := s.Drifter.Drift(o.Expected, a.spreadFor(b))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %s: %w", PhaseEvaluating, b.Key, err))
				obs = append(obs, o)
				continue
			}
			o.Drifted = true
			o.Candidate = cand
			o.NewTension = weave.Tension(o.Observed, cand)
			res := weave.Resolve(a.model, &a.coherence, b.Key, o.NewTension, a.threshold, cand)
			o.Committed = res.Committed

			slog.Debug("drift",
				"agent", a.id,
				"key", b.Key,
				"observed", o.Observed,
				"expected", o.Expected,
				"candidate", cand,
				"new_tension", o.NewTension,
				"committed", res.Committed,
			)
		}
		obs = append(obs, o)
	}
	return obs, errors.Join(errs...)
}

func (s *Scheduler) act(a *Agent, dt float64, override *Override, rep *Report) error {
	if override != nil {
		rep.Action = override.Action
		rep.Overridden = true
		ran, err := s.Actuators.Apply(override.Action, a.id, override.Value)
		rep.Applied = ran && err == nil
		return err
	}

	if a.goal == "" {
		return nil
	}
	goal, err := s.Sensors.Sense(a.goal, a.id)
	if err != nil {
		// No target means no movement this tick.
		return nil
	}

	gain := a.stepGain
	if s.TimeScaled {
		gain *= dt
	}
	delta := goal.Vec().Sub(a.model.Position).Scale(gain)
	rep.Action = a.moveAction
	rep.Delta = delta
	if !delta.Finite() {
		return fmt.Errorf("movement %v: %w", delta, weave.ErrNonFiniteReading)
	}

	ran, err := s.Actuators.Apply(a.moveAction, a.id, weave.Vector(delta))
	if err != nil {
		return err
	}
	if ran {
		a.model.Position = a.model.Position.Add(delta)
		rep.Applied = true
	}
	return nil
}
