package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"device-allocator/models"
)

// Queue stores queue entries; ranking is applied on read.
type Queue struct {
	mu      sync.RWMutex
	entries map[string]*models.QueueEntry
	byUser  map[string]string // key: user id, value: id of the user's WAITING/PROCESSING entry
}

func NewQueue() *Queue {
	return &Queue{
		entries: make(map[string]*models.QueueEntry),
		byUser:  make(map[string]string),
	}
}

func copyEntry(e *models.QueueEntry) *models.QueueEntry {
	c := *e
	return &c
}

func (q *Queue) Create(_ context.Context, e *models.QueueEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.entries[e.ID]; exists {
		return fmt.Errorf("queue entry %s: %w", e.ID, models.ErrConflict)
	}
	if e.Status.Active() {
		if other, ok := q.byUser[e.UserID]; ok {
			return fmt.Errorf("user %s already queued as %s: %w", e.UserID, other, models.ErrConflict)
		}
		q.byUser[e.UserID] = e.ID
	}
	e.Version = 1
	q.entries[e.ID] = copyEntry(e)
	return nil
}

func (q *Queue) Get(_ context.Context, id string) (*models.QueueEntry, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	e, ok := q.entries[id]
	if !ok {
		return nil, fmt.Errorf("queue entry %s: %w", id, models.ErrNotFound)
	}
	return copyEntry(e), nil
}

func (q *Queue) Update(_ context.Context, e *models.QueueEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur, ok := q.entries[e.ID]
	if !ok {
		return fmt.Errorf("queue entry %s: %w", e.ID, models.ErrNotFound)
	}
	if cur.Version != e.Version {
		return fmt.Errorf("queue entry %s is at version %d, have %d: %w", e.ID, cur.Version, e.Version, models.ErrConflict)
	}
	if cur.Status.Active() && !e.Status.Active() {
		delete(q.byUser, cur.UserID)
	}
	e.Version++
	q.entries[e.ID] = copyEntry(e)
	return nil
}

func (q *Queue) FindActiveByUser(_ context.Context, userID string) (*models.QueueEntry, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	id, ok := q.byUser[userID]
	if !ok {
		return nil, fmt.Errorf("active queue entry for user %s: %w", userID, models.ErrNotFound)
	}
	return copyEntry(q.entries[id]), nil
}

func (q *Queue) ListByStatus(_ context.Context, status models.QueueStatus) ([]*models.QueueEntry, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var out []*models.QueueEntry
	for _, e := range q.entries {
		if e.Status == status {
			out = append(out, copyEntry(e))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RanksBefore(out[j]) })
	return out, nil
}

func (q *Queue) CountByStatus(_ context.Context, status models.QueueStatus) (int, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	n := 0
	for _, e := range q.entries {
		if e.Status == status {
			n++
		}
	}
	return n, nil
}
