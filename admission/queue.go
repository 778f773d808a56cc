// Package admission holds requests that could not be served immediately in a priority
// queue (FIFO within a priority) and feeds them to the allocator as capacity frees up.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"device-allocator/allocator"
	"device-allocator/metrics"
	"device-allocator/models"
	"device-allocator/queues"
	"device-allocator/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// AverageUsageMinutes is the assumed hold time per device used for wait estimates.
	AverageUsageMinutes   = 30
	DefaultMaxWaitMinutes = 30
	MaxRetries            = 3
	// AutoProcessLimit caps how many entries one auto-process tick admits.
	AutoProcessLimit = 10

	ReasonMaxWaitExceeded = "Maximum wait time exceeded"
	ReasonEntryCancelled  = "queue entry cancelled"

	// maxWriteAttempts bounds how often a write is re-applied after losing to a concurrent one.
	maxWriteAttempts = 5
)

const (
	TierStandard   = "standard"
	TierVIP        = "vip"
	TierPremium    = "premium"
	TierEnterprise = "enterprise"
)

// Notification kinds sent by the queue.
const (
	NotifyJoined    = "queue_joined"
	NotifyFulfilled = "queue_fulfilled"
	NotifyExpired   = "queue_expired"
	NotifyCancelled = "queue_cancelled"
)

// PriorityFor maps a user tier to its priority; unknown tiers rank as standard.
func PriorityFor(tier string) int {
	switch strings.ToLower(tier) {
	case TierVIP:
		return 2
	case TierPremium:
		return 3
	case TierEnterprise:
		return 4
	}
	return 1
}

// Allocator is the subset of allocator.Manager the queue drives.
type Allocator interface {
	Allocate(ctx context.Context, req allocator.AllocateRequest) (*models.Allocation, error)
	ReleaseByAllocationID(ctx context.Context, allocationID, reason string, automatic bool) (*models.Allocation, error)
	ListAvailable(ctx context.Context) ([]models.Resource, error)
}

// errUnchanged tells modify that the re-read entry needs no write.
var errUnchanged = errors.New("queue entry unchanged")

type JoinRequest struct {
	TenantID        string
	Preferences     models.Preferences
	DurationMinutes int
	MaxWaitMinutes  int
}

// BatchResult counts the outcome of a batch run.
type BatchResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

type Queue struct {
	repo      store.QueueRepository
	allocator Allocator
	events    allocator.Emitter
	now       func() time.Time

	// positionsMu serializes full re-rankings so concurrent recalculations do not interleave.
	positionsMu sync.Mutex
}

func New(repo store.QueueRepository, alloc Allocator, publisher queues.Publisher, notifier allocator.Notifier, now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{
		repo:      repo,
		allocator: alloc,
		events:    allocator.Emitter{Publisher: publisher, Notifier: notifier},
		now:       now,
	}
}

// JoinQueue admits a user into the wait queue. A user may hold one WAITING/PROCESSING entry.
func (q *Queue) JoinQueue(ctx context.Context, userID, tier string, req JoinRequest) (*models.QueueEntry, error) {
	if existing, err := q.repo.FindActiveByUser(ctx, userID); err == nil {
		return nil, fmt.Errorf("user %s already queued as %s: %w", userID, existing.ID, models.ErrConflict)
	} else if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}

	maxWait := req.MaxWaitMinutes
	if maxWait <= 0 {
		maxWait = DefaultMaxWaitMinutes
	}
	now := q.now()
	entry := &models.QueueEntry{
		ID:              uuid.NewString(),
		UserID:          userID,
		TenantID:        req.TenantID,
		Status:          models.QueueWaiting,
		Priority:        PriorityFor(tier),
		UserTier:        strings.ToLower(tier),
		Preferences:     req.Preferences,
		DurationMinutes: req.DurationMinutes,
		MaxWaitMinutes:  maxWait,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if entry.UserTier == "" {
		entry.UserTier = TierStandard
	}

	waiting, err := q.repo.ListByStatus(ctx, models.QueueWaiting)
	if err != nil {
		return nil, err
	}
	ahead := 0
	for _, w := range waiting {
		if w.RanksBefore(entry) {
			ahead++
		}
	}
	entry.QueuePosition = ahead + 1
	entry.EstimatedWaitMinutes = entry.QueuePosition * AverageUsageMinutes

	if err := q.repo.Create(ctx, entry); err != nil {
		return nil, err
	}
	metrics.QueueOutcomesTotal.WithLabelValues("joined").Inc()
	log.Info().Str("queueId", entry.ID).Str("userId", userID).Str("tier", entry.UserTier).Int("position", entry.QueuePosition).Msg("queue: user joined")

	q.events.Publish(ctx, queues.TopicQueueJoined, entry)
	q.events.Notify(ctx, userID, NotifyJoined, map[string]any{
		"queueId":              entry.ID,
		"position":             entry.QueuePosition,
		"estimatedWaitMinutes": entry.EstimatedWaitMinutes,
	})

	// entries ranked behind the newcomer moved down one place
	if entry.QueuePosition <= len(waiting) {
		if err := q.RecalculateAllPositions(ctx); err != nil {
			log.Warn().Err(err).Msg("queue: position recalculation failed")
		}
	}
	return entry, nil
}

// ProcessNextQueueEntry tries to allocate for the highest ranked WAITING entry and reports
// whether an entry was processed.
func (q *Queue) ProcessNextQueueEntry(ctx context.Context) (bool, error) {
	return q.processNext(ctx, nil)
}

// processNext skips entries in tried, so a batch attempts each entry at most once.
func (q *Queue) processNext(ctx context.Context, tried map[string]struct{}) (bool, error) {
	waiting, err := q.repo.ListByStatus(ctx, models.QueueWaiting)
	if err != nil {
		return false, err
	}
	for _, w := range waiting {
		if _, seen := tried[w.ID]; seen {
			continue
		}
		if tried != nil {
			tried[w.ID] = struct{}{}
		}
		e, err := q.modify(ctx, w.ID, func(e *models.QueueEntry) error {
			if e.Status != models.QueueWaiting {
				return errUnchanged
			}
			e.Status = models.QueueProcessing
			e.UpdatedAt = q.now()
			return nil
		})
		switch {
		case errors.Is(err, errUnchanged), errors.Is(err, models.ErrNotFound), errors.Is(err, models.ErrConflict):
			// claimed, cancelled or expired concurrently
			continue
		case err != nil:
			return false, err
		}
		return true, q.admit(ctx, e)
	}
	return false, nil
}

// modify re-reads the entry, applies fn and writes it back, starting over when a concurrent
// write got in first. fn returning an error aborts without writing.
func (q *Queue) modify(ctx context.Context, id string, fn func(e *models.QueueEntry) error) (*models.QueueEntry, error) {
	var err error
	for range maxWriteAttempts {
		var e *models.QueueEntry
		if e, err = q.repo.Get(ctx, id); err != nil {
			return nil, err
		}
		if err := fn(e); err != nil {
			return nil, err
		}
		if err = q.repo.Update(ctx, e); err == nil {
			return e, nil
		}
		if !errors.Is(err, models.ErrConflict) {
			return nil, err
		}
	}
	return nil, err
}

// stillProcessing guards writes that finish an attempt.
func stillProcessing(e *models.QueueEntry) error {
	if e.Status != models.QueueProcessing {
		return fmt.Errorf("queue entry %s is %s: %w", e.ID, e.Status, models.ErrInvalidState)
	}
	return nil
}

func (q *Queue) admit(ctx context.Context, claimed *models.QueueEntry) error {
	alloc, allocErr := q.allocator.Allocate(ctx, allocator.AllocateRequest{
		UserID:          claimed.UserID,
		TenantID:        claimed.TenantID,
		DurationMinutes: claimed.DurationMinutes,
		Preferences:     claimed.Preferences,
		Metadata:        map[string]string{"queueEntryId": claimed.ID},
	})
	now := q.now()

	if allocErr == nil {
		e, err := q.modify(ctx, claimed.ID, func(e *models.QueueEntry) error {
			if err := stillProcessing(e); err != nil {
				return err
			}
			e.Status = models.QueueFulfilled
			e.AllocatedResourceID = alloc.ResourceID
			e.AllocationID = alloc.ID
			e.QueuePosition = 0
			e.EstimatedWaitMinutes = 0
			e.UpdatedAt = now
			return nil
		})
		if err != nil {
			q.releaseOrphan(ctx, claimed, alloc, err)
			return fmt.Errorf("store fulfilled entry %s: %w", claimed.ID, err)
		}
		metrics.QueueOutcomesTotal.WithLabelValues("fulfilled").Inc()
		log.Info().Str("queueId", e.ID).Str("userId", e.UserID).Str("allocationId", alloc.ID).Msg("queue: entry fulfilled")
		q.events.Publish(ctx, queues.TopicQueueFulfilled, e)
		q.events.Notify(ctx, e.UserID, NotifyFulfilled, map[string]any{"queueId": e.ID, "allocationId": alloc.ID, "resourceId": alloc.ResourceID})
		q.recalculateAfterRemoval(ctx)
		return nil
	}

	e, err := q.modify(ctx, claimed.ID, func(e *models.QueueEntry) error {
		if err := stillProcessing(e); err != nil {
			return err
		}
		e.RetryCount++
		e.LastRetryAt = &now
		e.UpdatedAt = now
		if e.RetryCount >= MaxRetries {
			e.Status = models.QueueExpired
			e.Reason = fmt.Sprintf("Allocation failed after %d attempts: %v", e.RetryCount, allocErr)
			e.QueuePosition = 0
			e.EstimatedWaitMinutes = 0
			return nil
		}
		e.Status = models.QueueWaiting
		return nil
	})
	if errors.Is(err, models.ErrInvalidState) {
		// cancelled while the attempt ran; nothing left to retry
		log.Info().Err(allocErr).Str("queueId", claimed.ID).Msg("queue: entry left processing before the attempt finished")
		return nil
	}
	if err != nil {
		return fmt.Errorf("store failed attempt for entry %s: %w", claimed.ID, err)
	}

	if e.Status == models.QueueExpired {
		metrics.QueueOutcomesTotal.WithLabelValues("expired").Inc()
		log.Warn().Err(allocErr).Str("queueId", e.ID).Str("userId", e.UserID).Int("retries", e.RetryCount).Msg("queue: giving up on entry")
		q.events.Publish(ctx, queues.TopicQueueExpired, e)
		q.events.Notify(ctx, e.UserID, NotifyExpired, map[string]any{"queueId": e.ID, "reason": e.Reason})
		q.recalculateAfterRemoval(ctx)
		return nil
	}
	metrics.QueueOutcomesTotal.WithLabelValues("retry").Inc()
	log.Info().Err(allocErr).Str("queueId", e.ID).Str("userId", e.UserID).Int("retries", e.RetryCount).Msg("queue: allocation failed; entry stays queued")
	return nil
}

// releaseOrphan gives back an allocation made for an entry that could not be marked fulfilled,
// typically because the entry was cancelled while the allocation was in flight.
func (q *Queue) releaseOrphan(ctx context.Context, e *models.QueueEntry, alloc *models.Allocation, cause error) {
	log.Warn().Err(cause).Str("queueId", e.ID).Str("allocationId", alloc.ID).Msg("queue: releasing allocation of an entry that is no longer processing")
	if _, err := q.allocator.ReleaseByAllocationID(ctx, alloc.ID, ReasonEntryCancelled, true); err != nil && !errors.Is(err, models.ErrNotFound) {
		log.Error().Err(err).Str("queueId", e.ID).Str("allocationId", alloc.ID).Msg("queue: failed to release orphaned allocation")
	}
}

// ProcessQueueBatch processes up to maxCount entries, stopping once the queue has nothing left
// to try. An error stops the batch unless continueOnError is set, in which case it is counted.
func (q *Queue) ProcessQueueBatch(ctx context.Context, maxCount int, continueOnError bool) (BatchResult, error) {
	var res BatchResult
	tried := make(map[string]struct{})
	for i := 0; i < maxCount; i++ {
		ok, err := q.processNext(ctx, tried)
		if err != nil {
			res.Failed++
			if !continueOnError {
				return res, err
			}
			log.Warn().Err(err).Msg("queue: batch item failed; continuing")
			continue
		}
		if !ok {
			break
		}
		res.Processed++
	}
	return res, nil
}

// CancelQueue withdraws a WAITING or PROCESSING entry. A PROCESSING entry's in-flight
// allocation is released by the attempt that made it.
func (q *Queue) CancelQueue(ctx context.Context, id, reason string) (*models.QueueEntry, error) {
	e, err := q.modify(ctx, id, func(e *models.QueueEntry) error {
		if !e.Status.Active() {
			return fmt.Errorf("queue entry %s is %s: %w", id, e.Status, models.ErrInvalidState)
		}
		e.Status = models.QueueCancelled
		e.Reason = reason
		e.QueuePosition = 0
		e.EstimatedWaitMinutes = 0
		e.UpdatedAt = q.now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.QueueOutcomesTotal.WithLabelValues("cancelled").Inc()
	log.Info().Str("queueId", id).Str("userId", e.UserID).Str("reason", reason).Msg("queue: entry cancelled")
	q.events.Publish(ctx, queues.TopicQueueCancelled, e)
	q.events.Notify(ctx, e.UserID, NotifyCancelled, map[string]any{"queueId": id, "reason": reason})
	q.recalculateAfterRemoval(ctx)
	return e, nil
}

// RecalculateAllPositions re-ranks every WAITING entry and refreshes its wait estimate.
func (q *Queue) RecalculateAllPositions(ctx context.Context) error {
	q.positionsMu.Lock()
	defer q.positionsMu.Unlock()

	waiting, err := q.repo.ListByStatus(ctx, models.QueueWaiting)
	if err != nil {
		return err
	}
	for i, w := range waiting {
		pos := i + 1
		if w.QueuePosition == pos && w.EstimatedWaitMinutes == pos*AverageUsageMinutes {
			continue
		}
		_, err := q.modify(ctx, w.ID, func(e *models.QueueEntry) error {
			if e.Status != models.QueueWaiting {
				return errUnchanged
			}
			e.QueuePosition = pos
			e.EstimatedWaitMinutes = pos * AverageUsageMinutes
			return nil
		})
		if err != nil && !errors.Is(err, errUnchanged) && !errors.Is(err, models.ErrNotFound) && !errors.Is(err, models.ErrConflict) {
			return err
		}
	}
	metrics.QueueDepth.Set(float64(len(waiting)))
	return nil
}

func (q *Queue) recalculateAfterRemoval(ctx context.Context) {
	if err := q.RecalculateAllPositions(ctx); err != nil {
		log.Warn().Err(err).Msg("queue: position recalculation failed")
	}
}

// MarkExpiredQueueEntries expires WAITING entries that waited longer than their limit. State
// changes are applied first; events and notifications follow once the batch is stored.
func (q *Queue) MarkExpiredQueueEntries(ctx context.Context) (int, error) {
	now := q.now()
	waiting, err := q.repo.ListByStatus(ctx, models.QueueWaiting)
	if err != nil {
		return 0, err
	}
	pastLimit := func(e *models.QueueEntry) bool {
		return now.Sub(e.CreatedAt) > time.Duration(e.MaxWaitMinutes)*time.Minute
	}
	var expired []*models.QueueEntry
	for _, w := range waiting {
		if !pastLimit(w) {
			continue
		}
		e, err := q.modify(ctx, w.ID, func(e *models.QueueEntry) error {
			if e.Status != models.QueueWaiting || !pastLimit(e) {
				return errUnchanged
			}
			e.Status = models.QueueExpired
			e.Reason = ReasonMaxWaitExceeded
			e.QueuePosition = 0
			e.EstimatedWaitMinutes = 0
			e.UpdatedAt = now
			return nil
		})
		if err != nil {
			if !errors.Is(err, errUnchanged) {
				log.Warn().Err(err).Str("queueId", w.ID).Msg("queue: could not expire entry")
			}
			continue
		}
		expired = append(expired, e)
	}
	if len(expired) == 0 {
		return 0, nil
	}
	metrics.QueueOutcomesTotal.WithLabelValues("expired").Add(float64(len(expired)))
	log.Info().Int("count", len(expired)).Msg("queue: expired entries past maximum wait")

	for _, e := range expired {
		q.events.Publish(ctx, queues.TopicQueueExpired, e)
		q.events.Notify(ctx, e.UserID, NotifyExpired, map[string]any{"queueId": e.ID, "reason": e.Reason})
	}
	q.recalculateAfterRemoval(ctx)
	return len(expired), nil
}

// AutoProcessQueue admits as many entries as there are free devices, at most AutoProcessLimit.
func (q *Queue) AutoProcessQueue(ctx context.Context) (BatchResult, error) {
	n, err := q.repo.CountByStatus(ctx, models.QueueWaiting)
	if err != nil {
		return BatchResult{}, err
	}
	if n == 0 {
		return BatchResult{}, nil
	}
	available, err := q.allocator.ListAvailable(ctx)
	if err != nil {
		return BatchResult{}, err
	}
	if len(available) == 0 {
		log.Debug().Int("waiting", n).Msg("queue: no free devices; skipping auto-process")
		return BatchResult{}, nil
	}
	batch := min(len(available), AutoProcessLimit)
	res, err := q.ProcessQueueBatch(ctx, batch, true)
	log.Info().Int("waiting", n).Int("available", len(available)).Int("processed", res.Processed).Int("failed", res.Failed).Msg("queue: auto-process tick")
	return res, err
}

func (q *Queue) GetEntry(ctx context.Context, id string) (*models.QueueEntry, error) {
	return q.repo.Get(ctx, id)
}

// GetUserEntry returns the user's WAITING/PROCESSING entry.
func (q *Queue) GetUserEntry(ctx context.Context, userID string) (*models.QueueEntry, error) {
	return q.repo.FindActiveByUser(ctx, userID)
}

func (q *Queue) WaitingCount(ctx context.Context) (int, error) {
	return q.repo.CountByStatus(ctx, models.QueueWaiting)
}
