// Package adaptive holds the latest server-pushed difficulty and stress
// values for one participant.
package adaptive

import (
	"sync"
	"time"
)

// Params is an immutable snapshot of the adaptive parameters.
type Params struct {
	DifficultyLevel int
	StressEstimate  float64
	UpdatedAt       time.Time
}

// Store keeps the latest Params. Writes are last-write-wins in the order the
// push channel delivers them.
type Store struct {
	mu     sync.RWMutex
	params Params
}

func NewStore(initial Params) *Store {
	return &Store{params: initial}
}

// Snapshot returns the current values. Callers sample it at trial boundaries.
func (s *Store) Snapshot() Params {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params
}

func (s *Store) SetDifficulty(level int) Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params.DifficultyLevel = level
	s.params.UpdatedAt = time.Now().UTC()
	return s.params
}

func (s *Store) SetStress(estimate float64) Params {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params.StressEstimate = estimate
	s.params.UpdatedAt = time.Now().UTC()
	return s.params
}
