// Package memory holds in-process repositories.
//
// The allocator runs as a single writer per record (guarded by distributed locks and
// compare-and-set updates), so records are kept in maps behind a RWMutex.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"device-allocator/models"
)

type Allocations struct {
	mu     sync.RWMutex
	byID   map[string]*models.Allocation
	active map[string]string // key: resource id, value: allocation id
}

func NewAllocations() *Allocations {
	return &Allocations{
		byID:   make(map[string]*models.Allocation),
		active: make(map[string]string),
	}
}

func copyAllocation(a *models.Allocation) *models.Allocation {
	c := *a
	if a.Metadata != nil {
		c.Metadata = make(map[string]string, len(a.Metadata))
		for k, v := range a.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

func (s *Allocations) Create(_ context.Context, a *models.Allocation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[a.ID]; exists {
		return fmt.Errorf("allocation %s: %w", a.ID, models.ErrConflict)
	}
	if a.Active() {
		if holder, taken := s.active[a.ResourceID]; taken {
			return fmt.Errorf("resource %s already held by allocation %s: %w", a.ResourceID, holder, models.ErrConflict)
		}
		s.active[a.ResourceID] = a.ID
	}
	s.byID[a.ID] = copyAllocation(a)
	return nil
}

func (s *Allocations) Get(_ context.Context, id string) (*models.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("allocation %s: %w", id, models.ErrNotFound)
	}
	return copyAllocation(a), nil
}

func (s *Allocations) Update(_ context.Context, a *models.Allocation, expected models.AllocationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.byID[a.ID]
	if !ok {
		return fmt.Errorf("allocation %s: %w", a.ID, models.ErrNotFound)
	}
	if cur.Status != expected {
		return fmt.Errorf("allocation %s is %s, expected %s: %w", a.ID, cur.Status, expected, models.ErrConflict)
	}
	if cur.Active() && !a.Active() {
		delete(s.active, cur.ResourceID)
	}
	s.byID[a.ID] = copyAllocation(a)
	return nil
}

func (s *Allocations) FindActiveByResource(_ context.Context, resourceID string) (*models.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.active[resourceID]
	if !ok {
		return nil, fmt.Errorf("active allocation for resource %s: %w", resourceID, models.ErrNotFound)
	}
	return copyAllocation(s.byID[id]), nil
}

func (s *Allocations) ListActiveByUser(_ context.Context, userID string) ([]*models.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Allocation
	for _, id := range s.active {
		if a := s.byID[id]; a.UserID == userID {
			out = append(out, copyAllocation(a))
		}
	}
	sortByAllocatedAt(out)
	return out, nil
}

func (s *Allocations) ListActive(_ context.Context) ([]*models.Allocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Allocation, 0, len(s.active))
	for _, id := range s.active {
		out = append(out, copyAllocation(s.byID[id]))
	}
	sortByAllocatedAt(out)
	return out, nil
}

func (s *Allocations) CountByStatus(_ context.Context) (map[models.AllocationStatus]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[models.AllocationStatus]int)
	for _, a := range s.byID {
		counts[a.Status]++
	}
	return counts, nil
}

func (s *Allocations) DeleteFinishedBefore(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for id, a := range s.byID {
		if a.Active() || a.ReleasedAt == nil {
			continue
		}
		if a.ReleasedAt.Before(cutoff) {
			delete(s.byID, id)
			deleted++
		}
	}
	return deleted, nil
}

func sortByAllocatedAt(list []*models.Allocation) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].AllocatedAt.Equal(list[j].AllocatedAt) {
			return list[i].AllocatedAt.Before(list[j].AllocatedAt)
		}
		return list[i].ID < list[j].ID
	})
}
