// Package entropy is the single source of randomness for a simulation run.
package entropy

import (
	"errors"
	"math/rand"
	"sync"
)

// ErrConsumed is returned when reseeding a source that has already been read.
var ErrConsumed = errors.New("entropy source already consumed")

// Source is a deterministic pseudo random generator. Every draw is counted.
type Source interface {
	NextInt(bound int) int
	NextDouble() float64
	NextGaussian(mean, stddev float64) float64
	SetSeed(seed int64) error
	Draws() uint64
}

// Seeded is a Source backed by math/rand. It is safe for concurrent use.
type Seeded struct {
	mu    sync.Mutex
	seed  int64
	rng   *rand.Rand
	draws uint64
}

// New returns a source seeded with seed.
func New(seed int64) *Seeded {
	return &Seeded{
		seed: seed,
		rng:  rand.New(rand.NewSource(seed)),
	}
}

// Seed returns the seed the source was created or last reseeded with.
func (s *Seeded) Seed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seed
}

// NextInt returns a value in [0, bound). It panics if bound <= 0.
func (s *Seeded) NextInt(bound int) int {
	if bound <= 0 {
		panic("entropy: bound must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draws++
	return s.rng.Intn(bound)
}

// NextDouble returns a value in [0.0, 1.0).
func (s *Seeded) NextDouble() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draws++
	return s.rng.Float64()
}

// NextGaussian returns a normally distributed value.
func (s *Seeded) NextGaussian(mean, stddev float64) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.draws++
	return s.rng.NormFloat64()*stddev + mean
}

// SetSeed reseeds an unread source. Once a value has been drawn the
// sequence is observable and reseeding fails with ErrConsumed.
func (s *Seeded) SetSeed(seed int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.draws > 0 {
		return ErrConsumed
	}
	s.seed = seed
	s.rng = rand.New(rand.NewSource(seed))
	return nil
}

// Draws returns how many values have been read.
func (s *Seeded) Draws() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draws
}

// Pick returns a uniformly chosen element of items.
func Pick[T any](src Source, items []T) (T, bool) {
	var zero T
	if len(items) == 0 {
		return zero, false
	}
	return items[src.NextInt(len(items))], true
}

// ShouldIDoThis draws once and reports whether an action with the given
// probability fires. Probabilities >= 1 always fire and still consume a draw.
func ShouldIDoThis(src Source, probability float64) bool {
	return src.NextDouble() < probability
}
