package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"device-allocator/models"
)

type Reservations struct {
	mu    sync.RWMutex
	items map[string]*models.Reservation
}

func NewReservations() *Reservations {
	return &Reservations{items: make(map[string]*models.Reservation)}
}

func copyReservation(r *models.Reservation) *models.Reservation {
	c := *r
	return &c
}

func (s *Reservations) Create(_ context.Context, r *models.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[r.ID]; exists {
		return fmt.Errorf("reservation %s: %w", r.ID, models.ErrConflict)
	}
	r.Version = 1
	s.items[r.ID] = copyReservation(r)
	return nil
}

func (s *Reservations) Get(_ context.Context, id string) (*models.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("reservation %s: %w", id, models.ErrNotFound)
	}
	return copyReservation(r), nil
}

func (s *Reservations) Update(_ context.Context, r *models.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.items[r.ID]
	if !ok {
		return fmt.Errorf("reservation %s: %w", r.ID, models.ErrNotFound)
	}
	if cur.Version != r.Version {
		return fmt.Errorf("reservation %s is at version %d, have %d: %w", r.ID, cur.Version, r.Version, models.ErrConflict)
	}
	r.Version++
	s.items[r.ID] = copyReservation(r)
	return nil
}

func (s *Reservations) ListByUser(_ context.Context, userID string, statuses ...models.ReservationStatus) ([]*models.Reservation, error) {
	return s.list(func(r *models.Reservation) bool {
		return r.UserID == userID && hasStatus(r.Status, statuses)
	}), nil
}

func (s *Reservations) ListByStatus(_ context.Context, statuses ...models.ReservationStatus) ([]*models.Reservation, error) {
	return s.list(func(r *models.Reservation) bool {
		return hasStatus(r.Status, statuses)
	}), nil
}

func (s *Reservations) list(match func(*models.Reservation) bool) []*models.Reservation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*models.Reservation
	for _, r := range s.items {
		if match(r) {
			out = append(out, copyReservation(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReservedStartTime.Equal(out[j].ReservedStartTime) {
			return out[i].ReservedStartTime.Before(out[j].ReservedStartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// hasStatus treats an empty filter as "any status".
func hasStatus(s models.ReservationStatus, statuses []models.ReservationStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, want := range statuses {
		if s == want {
			return true
		}
	}
	return false
}
