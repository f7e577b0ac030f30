// Package entropy provides the random sources behind drift and noisy sensors.
// A seeded source makes every cycle reproducible; the crypto source is used
// when no seed is configured.
package entropy

import (
	"crypto/rand"
	"encoding/binary"
	"hash/fnv"
	mrand "math/rand/v2"
	"sync"
)

// Source yields uniform floats in [0, 1).
type Source interface {
	Float64() float64
}

// Seeded is a deterministic PCG-backed source. Safe for concurrent use.
type Seeded struct {
	mu  sync.Mutex
	rng *mrand.Rand
}

// NewSeeded creates a deterministic source from seed.
func NewSeeded(seed int64) *Seeded {
	return &Seeded{rng: mrand.New(mrand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))}
}

// Float64 returns the next draw.
func (s *Seeded) Float64() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

// Crypto draws from crypto/rand. Not reproducible.
type Crypto struct{}

// Float64 returns a crypto-random float in [0, 1).
func (Crypto) Float64() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		// crypto/rand does not fail on supported platforms.
		return 0.5
	}
	// 53 bits give a uniform float64 in [0, 1).
	n := binary.LittleEndian.Uint64(buf[:]) >> 11
	return float64(n) / float64(1<<53)
}

// FromSeed returns a Seeded source for a non-zero seed and Crypto for 0.
func FromSeed(seed int64) Source {
	if seed == 0 {
		return Crypto{}
	}
	return NewSeeded(seed)
}

// Derive returns an independent deterministic source for a named stream.
// Streams with different names from the same seed do not share draws, so
// adding a sensor does not shift the drift sequence.
func Derive(seed int64, stream string) Source {
	if seed == 0 {
		return Crypto{}
	}
	h := fnv.New64a()
	h.Write([]byte(stream))
	return NewSeeded(seed ^ int64(h.Sum64()))
}
