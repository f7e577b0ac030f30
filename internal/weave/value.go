package weave

import "fmt"

// Kind distinguishes scalar from vector values.
type Kind uint8

const (
	KindScalar Kind = iota
	KindVector
)

// Value is a sensor reading or an actuator input. Readings and action
// requests live only for the tick that produced them.
type Value struct {
	Kind   Kind    `json:"kind"`
	Scalar float64 `json:"scalar,omitempty"`
	Vector Vec3    `json:"vector,omitempty"`
}

// Scalar wraps a float as a Value.
func Scalar(f float64) Value {
	return Value{Kind: KindScalar, Scalar: f}
}

// Vector wraps a Vec3 as a Value.
func Vector(v Vec3) Value {
	return Value{Kind: KindVector, Vector: v}
}

// Pair wraps a two-component input such as an experiment priority.
func Pair(a, b float64) Value {
	return Vector(Vec3{X: a, Y: b})
}

// Float returns the scalar component. For vectors it returns the length.
func (v Value) Float() float64 {
	if v.Kind == KindVector {
		return v.Vector.Len()
	}
	return v.Scalar
}

// Vec returns the vector component. A scalar s is returned as (s, 0, 0).
func (v Value) Vec() Vec3 {
	if v.Kind == KindScalar {
		return Vec3{X: v.Scalar}
	}
	return v.Vector
}

// Finite reports whether the value holds no NaN or infinite component.
func (v Value) Finite() bool {
	if v.Kind == KindVector {
		return v.Vector.Finite()
	}
	return isFinite(v.Scalar)
}

func (v Value) String() string {
	if v.Kind == KindVector {
		return fmt.Sprintf("(%.3f, %.3f, %.3f)", v.Vector.X, v.Vector.Y, v.Vector.Z)
	}
	return fmt.Sprintf("%.3f", v.Scalar)
}
