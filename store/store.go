// Package store declares the repositories the scheduling engine persists its records through.
//
// Implementations return copies: callers mutate the returned value and write it back with
// Update. Allocations are guarded by the status the caller read. Queue entries and
// reservations carry a Version: Update succeeds only when the stored version still equals the
// one read, then bumps it on both the stored record and the caller's copy. Any mismatch yields
// models.ErrConflict, and the caller re-reads and re-applies its change.
package store

import (
	"context"
	"time"

	"device-allocator/models"
)

type AllocationRepository interface {
	// Create rejects a second ALLOCATED allocation for the same resource with models.ErrConflict.
	Create(ctx context.Context, a *models.Allocation) error
	Get(ctx context.Context, id string) (*models.Allocation, error)
	Update(ctx context.Context, a *models.Allocation, expected models.AllocationStatus) error
	FindActiveByResource(ctx context.Context, resourceID string) (*models.Allocation, error)
	// ListActiveByUser returns the user's ALLOCATED allocations ordered by AllocatedAt ascending.
	ListActiveByUser(ctx context.Context, userID string) ([]*models.Allocation, error)
	ListActive(ctx context.Context) ([]*models.Allocation, error)
	CountByStatus(ctx context.Context) (map[models.AllocationStatus]int, error)
	// DeleteFinishedBefore hard-deletes RELEASED/EXPIRED allocations released before cutoff.
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error)
}

type QueueRepository interface {
	// Create rejects an entry for a user that already has a WAITING/PROCESSING entry with models.ErrConflict.
	Create(ctx context.Context, e *models.QueueEntry) error
	Get(ctx context.Context, id string) (*models.QueueEntry, error)
	Update(ctx context.Context, e *models.QueueEntry) error
	FindActiveByUser(ctx context.Context, userID string) (*models.QueueEntry, error)
	// ListByStatus returns entries ranked by priority descending then CreatedAt ascending.
	ListByStatus(ctx context.Context, status models.QueueStatus) ([]*models.QueueEntry, error)
	CountByStatus(ctx context.Context, status models.QueueStatus) (int, error)
}

type ReservationRepository interface {
	Create(ctx context.Context, r *models.Reservation) error
	Get(ctx context.Context, id string) (*models.Reservation, error)
	Update(ctx context.Context, r *models.Reservation) error
	// ListByUser returns the user's reservations in any of statuses ordered by start time.
	ListByUser(ctx context.Context, userID string, statuses ...models.ReservationStatus) ([]*models.Reservation, error)
	// ListByStatus returns reservations in any of statuses ordered by start time.
	ListByStatus(ctx context.Context, statuses ...models.ReservationStatus) ([]*models.Reservation, error)
}
