package weave

import (
	"maps"
	"slices"
	"strings"
)

// Model is one agent's internal belief record. Known beliefs are typed
// fields; host-defined beliefs live in the extension maps. Every read falls
// back to a zero default, never to an error.
type Model struct {
	ExpectedLight float64 `json:"expected_light"`
	SafetyMetric  float64 `json:"safety_metric"`
	Position      Vec3    `json:"position"`

	Extra        map[string]float64 `json:"extra,omitempty"`
	ExtraVectors map[string]Vec3    `json:"extra_vectors,omitempty"`
}

// NewModel returns a model with every known belief at its zero default.
func NewModel() *Model {
	return &Model{
		Extra:        make(map[string]float64),
		ExtraVectors: make(map[string]Vec3),
	}
}

// Scalar returns the scalar belief for key, or 0 if none was established.
func (m *Model) Scalar(key string) float64 {
	switch key {
	case KeyExpectedLight:
		return m.ExpectedLight
	case KeySafetyMetric:
		return m.SafetyMetric
	}
	return m.Extra[key]
}

// SetScalar stores a scalar belief.
func (m *Model) SetScalar(key string, v float64) {
	switch key {
	case KeyExpectedLight:
		m.ExpectedLight = v
	case KeySafetyMetric:
		m.SafetyMetric = v
	default:
		if m.Extra == nil {
			m.Extra = make(map[string]float64)
		}
		m.Extra[key] = v
	}
}

// Vector returns the vector belief for key, or the zero vector.
func (m *Model) Vector(key string) Vec3 {
	if key == KeyPosition {
		return m.Position
	}
	return m.ExtraVectors[key]
}

// SetVector stores a vector belief.
func (m *Model) SetVector(key string, v Vec3) {
	if key == KeyPosition {
		m.Position = v
		return
	}
	if m.ExtraVectors == nil {
		m.ExtraVectors = make(map[string]Vec3)
	}
	m.ExtraVectors[key] = v
}

// Extend writes a scalar belief only when cond holds. It reports whether
// the write happened.
func (m *Model) Extend(key string, v float64, cond bool) bool {
	if !cond {
		return false
	}
	m.SetScalar(key, v)
	return true
}

// Scalars returns every scalar belief, known and extension, keyed by name.
func (m *Model) Scalars() map[string]float64 {
	out := make(map[string]float64, len(m.Extra)+2)
	maps.Copy(out, m.Extra)
	out[KeyExpectedLight] = m.ExpectedLight
	out[KeySafetyMetric] = m.SafetyMetric
	return out
}

// Clone returns a deep copy.
func (m *Model) Clone() *Model {
	c := *m
	c.Extra = maps.Clone(m.Extra)
	c.ExtraVectors = maps.Clone(m.ExtraVectors)
	if c.Extra == nil {
		c.Extra = make(map[string]float64)
	}
	if c.ExtraVectors == nil {
		c.ExtraVectors = make(map[string]Vec3)
	}
	return &c
}

// Store resolves agent-namespaced keys of the form "<agent>.<field>" against
// the models of several agents. It never owns the models it indexes.
type Store struct {
	models map[string]*Model
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{models: make(map[string]*Model)}
}

// Attach indexes an agent's model under its ID.
func (s *Store) Attach(agentID string, m *Model) {
	s.models[agentID] = m
}

// Model returns the model for agentID, or nil.
func (s *Store) Model(agentID string) *Model {
	return s.models[agentID]
}

// Agents returns the attached agent IDs in sorted order.
func (s *Store) Agents() []string {
	return slices.Sorted(maps.Keys(s.models))
}

// Scalar resolves a namespaced scalar key. Unknown agents yield 0.
func (s *Store) Scalar(key string) float64 {
	agent, field := SplitKey(key)
	m := s.models[agent]
	if m == nil {
		return 0
	}
	return m.Scalar(field)
}

// Vector resolves a namespaced vector key. Unknown agents yield the zero vector.
func (s *Store) Vector(key string) Vec3 {
	agent, field := SplitKey(key)
	m := s.models[agent]
	if m == nil {
		return Vec3{}
	}
	return m.Vector(field)
}

// Key joins an agent ID and a field into a namespaced key.
func Key(agentID, field string) string {
	return agentID + "." + field
}

// SplitKey separates a namespaced key at its first dot. A key without a dot
// is treated as a field of the anonymous agent "".
func SplitKey(key string) (agentID, field string) {
	agentID, field, ok := strings.Cut(key, ".")
	if !ok {
		return "", key
	}
	return agentID, field
}
