// Package capability maps sensor and action names to host-supplied providers.
// New sensors and actions are added by registration, never by editing dispatch.
package capability

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/talgya/weavelang/internal/weave"
)

// Sensor produces a reading for an agent.
type Sensor interface {
	Read(agentID string) weave.Value
}

// SensorFunc adapts a function to Sensor.
type SensorFunc func(agentID string) weave.Value

// Read calls f.
func (f SensorFunc) Read(agentID string) weave.Value { return f(agentID) }

// Actuator applies an effect on behalf of an agent.
type Actuator interface {
	Apply(agentID string, v weave.Value) error
}

// ActuatorFunc adapts a function to Actuator.
type ActuatorFunc func(agentID string, v weave.Value) error

// Apply calls f.
func (f ActuatorFunc) Apply(agentID string, v weave.Value) error { return f(agentID, v) }

// Sensors is the sensor registry.
type Sensors struct {
	byName map[string]Sensor
}

// NewSensors creates an empty sensor registry.
func NewSensors() *Sensors {
	return &Sensors{byName: make(map[string]Sensor)}
}

// Register binds name to s, replacing any previous binding.
func (r *Sensors) Register(name string, s Sensor) {
	r.byName[name] = s
}

// Alias binds alias to the sensor currently registered as target.
func (r *Sensors) Alias(alias, target string) error {
	if alias == "" {
		return fmt.Errorf("alias for sensor %q: %w", target, weave.ErrInvalidArgument)
	}
	s, ok := r.byName[target]
	if !ok {
		return fmt.Errorf("alias %q: sensor %q: %w", alias, target, weave.ErrMissingBinding)
	}
	r.byName[alias] = s
	return nil
}

// Has reports whether name is bound.
func (r *Sensors) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Names returns the bound sensor names, sorted.
func (r *Sensors) Names() []string {
	return slices.Sorted(maps.Keys(r.byName))
}

// Sense reads name for agentID, or fails with ErrMissingBinding.
func (r *Sensors) Sense(name, agentID string) (weave.Value, error) {
	s, ok := r.byName[name]
	if !ok {
		return weave.Scalar(0), fmt.Errorf("sensor %q: %w", name, weave.ErrMissingBinding)
	}
	return s.Read(agentID), nil
}

// Read is Sense with the missing-binding default applied: an unbound name
// reads as scalar 0.
func (r *Sensors) Read(name, agentID string) weave.Value {
	v, err := r.Sense(name, agentID)
	if err != nil {
		slog.Debug("sensor unbound, using default", "sensor", name, "agent", agentID)
	}
	return v
}

// Actuators is the actuator registry.
type Actuators struct {
	byName map[string]Actuator
}

// NewActuators creates an empty actuator registry.
func NewActuators() *Actuators {
	return &Actuators{byName: make(map[string]Actuator)}
}

// Register binds name to a, replacing any previous binding.
func (r *Actuators) Register(name string, a Actuator) {
	r.byName[name] = a
}

// Alias binds alias to the actuator currently registered as target.
func (r *Actuators) Alias(alias, target string) error {
	if alias == "" {
		return fmt.Errorf("alias for action %q: %w", target, weave.ErrInvalidArgument)
	}
	a, ok := r.byName[target]
	if !ok {
		return fmt.Errorf("alias %q: action %q: %w", alias, target, weave.ErrMissingBinding)
	}
	r.byName[alias] = a
	return nil
}

// Has reports whether name is bound.
func (r *Actuators) Has(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// Names returns the bound action names, sorted.
func (r *Actuators) Names() []string {
	return slices.Sorted(maps.Keys(r.byName))
}

// Invoke applies name for agentID, or fails with ErrMissingBinding.
func (r *Actuators) Invoke(name, agentID string, v weave.Value) error {
	a, ok := r.byName[name]
	if !ok {
		return fmt.Errorf("action %q: %w", name, weave.ErrMissingBinding)
	}
	if err := a.Apply(agentID, v); err != nil {
		return fmt.Errorf("action %q for %s: %w", name, agentID, err)
	}
	return nil
}

// Apply is Invoke with the missing-binding default applied: an unbound name
// is a no-op. It reports whether a provider actually ran.
func (r *Actuators) Apply(name, agentID string, v weave.Value) (bool, error) {
	if !r.Has(name) {
		slog.Debug("action unbound, skipping", "action", name, "agent", agentID)
		return false, nil
	}
	return true, r.Invoke(name, agentID, v)
}
