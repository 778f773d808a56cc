// Package reconcile runs the periodic sweeps that keep allocation, queue and reservation
// state consistent with the clock.
package reconcile

import (
	"context"
	"errors"
	"time"

	"device-allocator/allocator"
	"device-allocator/metrics"
	"device-allocator/models"

	"github.com/rs/zerolog/log"
)

const (
	// ExpiringSoonWindow is how far ahead users are warned about an ending allocation.
	ExpiringSoonWindow   = 10 * time.Minute
	DefaultRetentionDays = 30

	NotifyExpiringSoon = "allocation_expiring_soon"
)

// Allocations is the subset of allocator.Manager the sweeps use.
type Allocations interface {
	ListActive(ctx context.Context) ([]*models.Allocation, error)
	Expire(ctx context.Context, allocationID string) (*models.Allocation, error)
	Stats(ctx context.Context) (allocator.Stats, error)
	CleanupFinished(ctx context.Context, cutoff time.Time) (int, error)
}

type QueueCounter interface {
	WaitingCount(ctx context.Context) (int, error)
}

// SweepResult counts what one expiry sweep did.
type SweepResult struct {
	Notified int `json:"notified"`
	Expired  int `json:"expired"`
	Failed   int `json:"failed"`
}

type Loop struct {
	allocations   Allocations
	queue         QueueCounter
	events        allocator.Emitter
	retentionDays int
	now           func() time.Time
}

func NewLoop(allocations Allocations, queue QueueCounter, notifier allocator.Notifier, retentionDays int, now func() time.Time) *Loop {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	if now == nil {
		now = time.Now
	}
	return &Loop{
		allocations:   allocations,
		queue:         queue,
		events:        allocator.Emitter{Notifier: notifier},
		retentionDays: retentionDays,
		now:           now,
	}
}

// ExpireAllocations warns holders of allocations ending within ExpiringSoonWindow, then expires
// every allocation past its expiry. A failure on one allocation does not stop the sweep.
func (l *Loop) ExpireAllocations(ctx context.Context) (SweepResult, error) {
	active, err := l.allocations.ListActive(ctx)
	if err != nil {
		return SweepResult{}, err
	}
	now := l.now()
	var res SweepResult

	var overdue []*models.Allocation
	for _, a := range active {
		if a.ExpiresAt == nil {
			continue
		}
		if !now.Before(*a.ExpiresAt) {
			overdue = append(overdue, a)
			continue
		}
		left := a.ExpiresAt.Sub(now)
		if left <= ExpiringSoonWindow {
			l.events.Notify(ctx, a.UserID, NotifyExpiringSoon, map[string]any{
				"allocationId":     a.ID,
				"resourceId":       a.ResourceID,
				"expiresAt":        *a.ExpiresAt,
				"minutesRemaining": int(left / time.Minute),
			})
			res.Notified++
		}
	}

	for _, a := range overdue {
		if _, err := l.allocations.Expire(ctx, a.ID); err != nil {
			if errors.Is(err, models.ErrNotFound) {
				// released since it was listed
				continue
			}
			res.Failed++
			log.Error().Err(err).Str("allocationId", a.ID).Str("userId", a.UserID).Msg("reconcile: failed to expire allocation")
			continue
		}
		res.Expired++
	}

	if res.Notified+res.Expired+res.Failed > 0 {
		log.Info().Int("notified", res.Notified).Int("expired", res.Expired).Int("failed", res.Failed).Msg("reconcile: allocation expiry sweep")
	}
	return res, nil
}

// LogStats reports allocation and queue counts and refreshes the gauges.
func (l *Loop) LogStats(ctx context.Context) error {
	stats, err := l.allocations.Stats(ctx)
	if err != nil {
		return err
	}
	waiting := 0
	if l.queue != nil {
		if waiting, err = l.queue.WaitingCount(ctx); err != nil {
			return err
		}
	}
	metrics.ActiveAllocations.Set(float64(stats.Active))
	metrics.QueueDepth.Set(float64(waiting))
	log.Info().
		Int("total", stats.Total).
		Int("active", stats.Active).
		Int("released", stats.Released).
		Int("expired", stats.Expired).
		Int("queueWaiting", waiting).
		Str("strategy", stats.Strategy).
		Msg("reconcile: allocation statistics")
	return nil
}

// CleanupOldRecords deletes ended allocations released before the retention window.
func (l *Loop) CleanupOldRecords(ctx context.Context) (int, error) {
	cutoff := l.now().AddDate(0, 0, -l.retentionDays)
	n, err := l.allocations.CleanupFinished(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	log.Info().Int("deleted", n).Time("cutoff", cutoff).Msg("reconcile: removed old allocation records")
	return n, nil
}
