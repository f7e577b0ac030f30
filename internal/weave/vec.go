// Package weave provides the core adaptive loop primitives: beliefs held in a
// model, the tension between observation and expectation, stochastic drift of
// a belief, and the gate that resolves a drifted belief into the model.
package weave

import "math"

// Vec3 is a three-component position or direction.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Add returns v + o.
func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{X: v.X + o.X, Y: v.Y + o.Y, Z: v.Z + o.Z}
}

// Sub returns v - o.
func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{X: v.X - o.X, Y: v.Y - o.Y, Z: v.Z - o.Z}
}

// Scale returns v multiplied by k.
func (v Vec3) Scale(k float64) Vec3 {
	return Vec3{X: v.X * k, Y: v.Y * k, Z: v.Z * k}
}

// Len returns the Euclidean length of v.
func (v Vec3) Len() float64 {
	return math.Sqrt(v.X*v.X + v.Y*v.Y + v.Z*v.Z)
}

// Dist returns the Euclidean distance between a and b.
func Dist(a, b Vec3) float64 {
	return a.Sub(b).Len()
}

// Finite reports whether every component is finite.
func (v Vec3) Finite() bool {
	return isFinite(v.X) && isFinite(v.Y) && isFinite(v.Z)
}

// Slice returns the components as a slice, in x, y, z order.
func (v Vec3) Slice() []float64 {
	return []float64{v.X, v.Y, v.Z}
}

// VecFrom builds a Vec3 from up to three components. Missing components are zero.
func VecFrom(c []float64) Vec3 {
	var v Vec3
	if len(c) > 0 {
		v.X = c[0]
	}
	if len(c) > 1 {
		v.Y = c[1]
	}
	if len(c) > 2 {
		v.Z = c[2]
	}
	return v
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
