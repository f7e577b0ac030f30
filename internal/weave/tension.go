package weave

import (
	"fmt"
	"math"
)

// Tension returns the mismatch between an observation and an expectation.
// Non-finite inputs propagate into the result unmasked.
func Tension(observed, expected float64) float64 {
	return math.Abs(observed - expected)
}

// RandSource yields uniform floats in [0, 1).
type RandSource interface {
	Float64() float64
}

// Drifter proposes candidate revisions of a belief by bounded uniform
// perturbation. Seed its source to make drift reproducible.
type Drifter struct {
	src RandSource
}

// NewDrifter creates a drifter drawing from src.
func NewDrifter(src RandSource) *Drifter {
	return &Drifter{src: src}
}

// Drift returns current + U(-spread, spread). A negative or NaN spread is
// rejected with ErrInvalidArgument.
func (d *Drifter) Drift(current, spread float64) (float64, error) {
	if spread < 0 || math.IsNaN(spread) {
		return current, fmt.Errorf("drift spread %v: %w", spread, ErrInvalidArgument)
	}
	u := d.src.Float64()
	return current + (2*u-1)*spread, nil
}

// Coherence is the confidence derived from the tension present at the last
// committed resolution. It is unset until the first commit.
type Coherence struct {
	value float64
	set   bool
}

// Value returns the coherence and whether any resolution has committed yet.
// Before the first commit the value is 0.
func (c Coherence) Value() (float64, bool) {
	return c.value, c.set
}

// CoherenceFor maps a tension value into (0, 1].
func CoherenceFor(tension float64) float64 {
	return 1 / (1 + tension)
}

// RestoreCoherence rebuilds a coherence read back from storage.
func RestoreCoherence(v float64, set bool) Coherence {
	return Coherence{value: v, set: set}
}

// Resolution is the outcome of one pass through the gate.
type Resolution struct {
	Committed bool
	Coherence float64
}

// Resolve commits candidate into m under param when tension is strictly
// below threshold, and then sets c to 1/(1+tension). Otherwise m and c are
// left untouched. A tension equal to the threshold is not committed.
func Resolve(m *Model, c *Coherence, param string, tension, threshold, candidate float64) Resolution {
	if tension < threshold {
		m.SetScalar(param, candidate)
		c.value = CoherenceFor(tension)
		c.set = true
		return Resolution{Committed: true, Coherence: c.value}
	}
	return Resolution{Committed: false, Coherence: c.value}
}
