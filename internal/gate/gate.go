// Package gate bounds concurrent leaf execution per group with counting
// semaphores.
package gate

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/denkhaus/pulse/internal/types"
)

// Set maps group ids to counting semaphores sized by the group's
// max_parallelism. Gates are created lazily the first time a group is
// encountered; unconfigured groups get the default cap.
type Set struct {
	mu       sync.Mutex
	gates    map[string]*semaphore.Weighted
	caps     map[string]int64
	fallback int64
}

// NewSet builds a gate set from the group configuration.
func NewSet(groups []types.GroupConfig) *Set {
	s := &Set{
		gates:    make(map[string]*semaphore.Weighted),
		caps:     make(map[string]int64),
		fallback: types.DefaultGroupParallelism,
	}
	for _, g := range groups {
		if g.MaxParallelism > 0 {
			s.caps[g.ID] = g.MaxParallelism
		}
	}
	if c, ok := s.caps[types.DefaultGroupID]; ok {
		s.fallback = c
	} else {
		s.caps[types.DefaultGroupID] = s.fallback
	}
	return s
}

func (s *Set) gate(groupID string) *semaphore.Weighted {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.gates[groupID]; ok {
		return g
	}
	capacity, ok := s.caps[groupID]
	if !ok {
		capacity = s.fallback
	}
	g := semaphore.NewWeighted(capacity)
	s.gates[groupID] = g
	return g
}

// Acquire blocks until the group has a free slot or ctx is done.
func (s *Set) Acquire(ctx context.Context, groupID string) error {
	return s.gate(groupID).Acquire(ctx, 1)
}

// Release frees one slot of the group.
func (s *Set) Release(groupID string) {
	s.gate(groupID).Release(1)
}

// Cap returns the configured parallelism of a group.
func (s *Set) Cap(groupID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.caps[groupID]; ok {
		return c
	}
	return s.fallback
}
