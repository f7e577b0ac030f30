// Package world provides host-side capability providers: a light-seeking
// robot world and a virtual laboratory with noisy instruments. The core
// only sees them through the capability registries.
package world

import (
	"math"

	"github.com/talgya/weavelang/internal/capability"
	"github.com/talgya/weavelang/internal/weave"
)

// LightFalloff is the intensity at the light source; intensity drops by one
// unit per unit of distance and never goes below zero.
const LightFalloff = 10.0

// LightWorld is a plane with one light source and one robot.
type LightWorld struct {
	Light weave.Vec3
	Robot weave.Vec3
}

// NewLightWorld places the light and the robot.
func NewLightWorld(light, robot weave.Vec3) *LightWorld {
	return &LightWorld{Light: light, Robot: robot}
}

// SenseLight returns the light intensity at the robot.
func (w *LightWorld) SenseLight() float64 {
	return math.Max(0, LightFalloff-weave.Dist(w.Light, w.Robot))
}

// Move displaces the robot and returns its new position.
func (w *LightWorld) Move(d weave.Vec3) weave.Vec3 {
	w.Robot = w.Robot.Add(d)
	return w.Robot
}

// Advance is a no-op: the light world has no time-dependent state.
func (w *LightWorld) Advance(float64) {}

// Bind registers the world's sensors and actions:
//
//	light           scalar intensity at the robot
//	light_position  vector position of the light
//	move            displaces the robot by a vector
func (w *LightWorld) Bind(s *capability.Sensors, a *capability.Actuators) {
	s.Register("light", capability.SensorFunc(func(string) weave.Value {
		return weave.Scalar(w.SenseLight())
	}))
	s.Register("light_position", capability.SensorFunc(func(string) weave.Value {
		return weave.Vector(w.Light)
	}))
	a.Register("move", capability.ActuatorFunc(func(_ string, v weave.Value) error {
		w.Move(v.Vec())
		return nil
	}))
}
