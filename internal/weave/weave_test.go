package weave

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fixedSource returns the same draw every time.
type fixedSource float64

func (f fixedSource) Float64() float64 { return float64(f) }

func TestTensionSymmetricAndZero(t *testing.T) {
	pairs := [][2]float64{{0, 5}, {-3.5, 2}, {1e9, -1e9}, {0.1, 0.1}, {-7, -7}}
	for _, p := range pairs {
		assert.Equal(t, Tension(p[0], p[1]), Tension(p[1], p[0]))
		assert.Zero(t, Tension(p[0], p[0]))
	}
	assert.Equal(t, 5.0, Tension(0, 5))
}

func TestTensionPropagatesNonFinite(t *testing.T) {
	assert.True(t, math.IsNaN(Tension(math.NaN(), 1)))
	assert.True(t, math.IsInf(Tension(math.Inf(1), 1), 1))
}

func TestDriftReproducibleUnderSeed(t *testing.T) {
	a := NewDrifter(rand.New(rand.NewPCG(7, 11)))
	b := NewDrifter(rand.New(rand.NewPCG(7, 11)))
	for range 20 {
		va, err := a.Drift(5.0, 0.5)
		require.NoError(t, err)
		vb, err := b.Drift(5.0, 0.5)
		require.NoError(t, err)
		assert.Equal(t, va, vb)
		assert.GreaterOrEqual(t, va, 4.5)
		assert.Less(t, va, 5.5)
	}
}

func TestDriftBounds(t *testing.T) {
	tests := []struct {
		name   string
		draw   float64
		spread float64
		want   float64
	}{
		{"lowest draw", 0, 0.5, 4.5},
		{"midpoint", 0.5, 0.5, 5.0},
		{"zero spread", 0.9, 0, 5.0},
		{"wide spread", 0.75, 2, 6.0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewDrifter(fixedSource(tt.draw)).Drift(5.0, tt.spread)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-12)
		})
	}
}

func TestDriftRejectsNegativeSpread(t *testing.T) {
	_, err := NewDrifter(fixedSource(0.5)).Drift(5.0, -0.1)
	assert.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = NewDrifter(fixedSource(0.5)).Drift(5.0, math.NaN())
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestResolveStrictThreshold(t *testing.T) {
	m := NewModel()
	m.ExpectedLight = 5.0
	var c Coherence

	res := Resolve(m, &c, KeyExpectedLight, 2.0, 2.0, 4.0)
	assert.False(t, res.Committed)
	assert.Equal(t, 5.0, m.ExpectedLight)
	_, set := c.Value()
	assert.False(t, set)

	res = Resolve(m, &c, KeyExpectedLight, 2.5, 2.0, 4.0)
	assert.False(t, res.Committed)
	assert.Equal(t, 5.0, m.ExpectedLight)
}

func TestResolveCommitSetsCoherence(t *testing.T) {
	m := NewModel()
	var c Coherence

	res := Resolve(m, &c, KeyExpectedLight, 0.25, 2.0, 4.75)
	require.True(t, res.Committed)
	assert.Equal(t, 4.75, m.ExpectedLight)

	v, set := c.Value()
	assert.True(t, set)
	assert.Equal(t, 1/(1+0.25), v)
	assert.Equal(t, v, res.Coherence)

	// A later rejection holds the last committed coherence.
	res = Resolve(m, &c, KeyExpectedLight, 3, 2.0, 9)
	assert.False(t, res.Committed)
	assert.Equal(t, v, res.Coherence)
	assert.Equal(t, 4.75, m.ExpectedLight)
}

func TestModelDefaultsAndExtension(t *testing.T) {
	m := NewModel()
	assert.Zero(t, m.Scalar("never_set"))
	assert.Equal(t, Vec3{}, m.Vector("never_set"))
	assert.Equal(t, Vec3{}, m.Vector(KeyPosition))

	m.SetScalar(KeySafetyMetric, 1.0)
	m.SetScalar("gravity", 9.81)
	m.SetVector(KeyPosition, Vec3{X: 1, Y: 2})
	assert.Equal(t, 1.0, m.SafetyMetric)
	assert.Equal(t, 9.81, m.Extra["gravity"])
	assert.Equal(t, Vec3{X: 1, Y: 2}, m.Position)

	assert.False(t, m.Extend("created", 1, false))
	assert.Zero(t, m.Scalar("created"))
	assert.True(t, m.Extend("created", 1, true))
	assert.Equal(t, 1.0, m.Scalar("created"))

	c := m.Clone()
	c.SetScalar("gravity", 1)
	assert.Equal(t, 9.81, m.Scalar("gravity"))
}

func TestStoreNamespacedKeys(t *testing.T) {
	s := NewStore()
	m := NewModel()
	m.SafetyMetric = 1.0
	m.Position = Vec3{X: 3, Y: 4}
	s.Attach("generalist", m)

	assert.Equal(t, 1.0, s.Scalar("generalist.safety_metric"))
	assert.Equal(t, Vec3{X: 3, Y: 4}, s.Vector("generalist.position"))
	assert.Zero(t, s.Scalar("quantum_expert.safety_metric"))
	assert.Equal(t, Vec3{}, s.Vector("nobody.position"))
	assert.Equal(t, []string{"generalist"}, s.Agents())

	agent, field := SplitKey("a.b.c")
	assert.Equal(t, "a", agent)
	assert.Equal(t, "b.c", field)
	assert.Equal(t, "robot.position", Key("robot", KeyPosition))
}

func TestValueConversions(t *testing.T) {
	assert.Equal(t, 5.0, Vector(Vec3{X: 3, Y: 4}).Float())
	assert.Equal(t, Vec3{X: 2}, Scalar(2).Vec())
	assert.False(t, Scalar(math.Inf(-1)).Finite())
	assert.True(t, Pair(1, 2).Finite())
	assert.Equal(t, Vec3{X: 1, Y: 2, Z: 3}, VecFrom([]float64{1, 2, 3, 4}))
	assert.InDelta(t, math.Sqrt(200), Dist(Vec3{}, Vec3{X: 10, Y: 10}), 1e-12)
}
