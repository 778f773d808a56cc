// Package reservation books devices for future time windows and turns due bookings into
// allocations.
package reservation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"device-allocator/allocator"
	"device-allocator/coord"
	"device-allocator/metrics"
	"device-allocator/models"
	"device-allocator/queues"
	"device-allocator/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	// ExecuteGrace is how far behind schedule a reservation may still be executed.
	ExecuteGrace = time.Minute
	// ExpireAfter is how long past its start an unexecuted reservation is kept before expiring.
	ExpireAfter    = 5 * time.Minute
	DefaultLockTTL = 10 * time.Second

	ReasonStartPassed = "Reservation start time passed without execution"

	// maxWriteAttempts bounds how often a write is re-applied after losing to a concurrent one.
	maxWriteAttempts = 5
)

// errUnchanged tells modify that the re-read reservation needs no write.
var errUnchanged = errors.New("reservation unchanged")

// Notification kinds sent by the scheduler.
const (
	NotifyCreated   = "reservation_created"
	NotifyUpdated   = "reservation_updated"
	NotifyConfirmed = "reservation_confirmed"
	NotifyCancelled = "reservation_cancelled"
	NotifyExecuted  = "reservation_executed"
	NotifyFailed    = "reservation_failed"
	NotifyExpired   = "reservation_expired"
	NotifyReminder  = "reservation_reminder"
)

// Allocator is the subset of allocator.Manager reservations execute through.
type Allocator interface {
	Allocate(ctx context.Context, req allocator.AllocateRequest) (*models.Allocation, error)
}

type CreateRequest struct {
	TenantID            string
	StartTime           time.Time
	DurationMinutes     int
	Preferences         models.Preferences
	RemindBeforeMinutes int
}

// UpdateRequest changes the non-nil fields of a PENDING reservation.
type UpdateRequest struct {
	StartTime           *time.Time
	DurationMinutes     *int
	Preferences         *models.Preferences
	RemindBeforeMinutes *int
}

type ConflictResult struct {
	HasConflict bool                  `json:"hasConflict"`
	Conflicting []*models.Reservation `json:"conflicting,omitempty"`
}

type ExecuteResult struct {
	Executed int `json:"executed"`
	Failed   int `json:"failed"`
}

type Scheduler struct {
	repo      store.ReservationRepository
	allocator Allocator
	locker    coord.Locker
	events    allocator.Emitter
	lockTTL   time.Duration
	now       func() time.Time
}

func New(repo store.ReservationRepository, alloc Allocator, locker coord.Locker, publisher queues.Publisher, notifier allocator.Notifier, now func() time.Time) *Scheduler {
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		repo:      repo,
		allocator: alloc,
		locker:    locker,
		events:    allocator.Emitter{Publisher: publisher, Notifier: notifier},
		lockTTL:   DefaultLockTTL,
		now:       now,
	}
}

func userLockKey(userID string) string { return "reservation:user:" + userID }

// CreateReservation books [start, start+duration) for the user. The conflict check and the
// insert run under the user's lock.
func (s *Scheduler) CreateReservation(ctx context.Context, userID string, req CreateRequest) (*models.Reservation, error) {
	now := s.now()
	if !req.StartTime.After(now) {
		return nil, fmt.Errorf("start time %s is not in the future: %w", req.StartTime.Format(time.RFC3339), models.ErrInvalidRequest)
	}
	if req.DurationMinutes <= 0 {
		return nil, fmt.Errorf("duration must be positive, got %d: %w", req.DurationMinutes, models.ErrInvalidRequest)
	}
	r := &models.Reservation{
		ID:                  uuid.NewString(),
		UserID:              userID,
		TenantID:            req.TenantID,
		Status:              models.ReservationPending,
		ReservedStartTime:   req.StartTime,
		ReservedEndTime:     req.StartTime.Add(time.Duration(req.DurationMinutes) * time.Minute),
		DurationMinutes:     req.DurationMinutes,
		Preferences:         req.Preferences,
		RemindBeforeMinutes: req.RemindBeforeMinutes,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	err := s.locker.WithLock(ctx, userLockKey(userID), s.lockTTL, func(ctx context.Context) error {
		res, err := s.CheckConflict(ctx, userID, r.ReservedStartTime, r.ReservedEndTime, "")
		if err != nil {
			return err
		}
		if res.HasConflict {
			return fmt.Errorf("window overlaps reservation %s: %w", res.Conflicting[0].ID, models.ErrConflict)
		}
		return s.repo.Create(ctx, r)
	})
	if err != nil {
		return nil, err
	}
	metrics.ReservationOutcomesTotal.WithLabelValues("created").Inc()
	log.Info().Str("reservationId", r.ID).Str("userId", userID).Time("start", r.ReservedStartTime).Int("durationMinutes", r.DurationMinutes).Msg("reservation: created")
	s.events.Publish(ctx, queues.TopicReservationCreated, r)
	s.events.Notify(ctx, userID, NotifyCreated, reservationPayload(r))
	return r, nil
}

// CheckConflict reports the user's blocking reservations overlapping [start, end), ignoring excludeID.
func (s *Scheduler) CheckConflict(ctx context.Context, userID string, start, end time.Time, excludeID string) (ConflictResult, error) {
	existing, err := s.repo.ListByUser(ctx, userID, models.ReservationPending, models.ReservationConfirmed, models.ReservationExecuting)
	if err != nil {
		return ConflictResult{}, err
	}
	var res ConflictResult
	for _, r := range existing {
		if r.ID == excludeID {
			continue
		}
		if r.Overlaps(start, end) {
			res.Conflicting = append(res.Conflicting, r)
		}
	}
	res.HasConflict = len(res.Conflicting) > 0
	return res, nil
}

// UpdateReservation edits a PENDING reservation. A changed window is re-checked for conflicts.
func (s *Scheduler) UpdateReservation(ctx context.Context, id string, req UpdateRequest) (*models.Reservation, error) {
	r, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	err = s.locker.WithLock(ctx, userLockKey(r.UserID), s.lockTTL, func(ctx context.Context) error {
		r, err = s.modify(ctx, id, func(r *models.Reservation) error {
			if r.Status != models.ReservationPending {
				return fmt.Errorf("reservation %s is %s: %w", id, r.Status, models.ErrInvalidState)
			}
			windowChanged := false
			if req.StartTime != nil && !req.StartTime.Equal(r.ReservedStartTime) {
				if !req.StartTime.After(s.now()) {
					return fmt.Errorf("start time %s is not in the future: %w", req.StartTime.Format(time.RFC3339), models.ErrInvalidRequest)
				}
				r.ReservedStartTime = *req.StartTime
				windowChanged = true
			}
			if req.DurationMinutes != nil && *req.DurationMinutes != r.DurationMinutes {
				if *req.DurationMinutes <= 0 {
					return fmt.Errorf("duration must be positive, got %d: %w", *req.DurationMinutes, models.ErrInvalidRequest)
				}
				r.DurationMinutes = *req.DurationMinutes
				windowChanged = true
			}
			r.ReservedEndTime = r.ReservedStartTime.Add(time.Duration(r.DurationMinutes) * time.Minute)
			if windowChanged {
				res, err := s.CheckConflict(ctx, r.UserID, r.ReservedStartTime, r.ReservedEndTime, r.ID)
				if err != nil {
					return err
				}
				if res.HasConflict {
					return fmt.Errorf("window overlaps reservation %s: %w", res.Conflicting[0].ID, models.ErrConflict)
				}
				// a reminder for the old window does not cover the new one
				r.ReminderSent = false
			}
			if req.Preferences != nil {
				r.Preferences = *req.Preferences
			}
			if req.RemindBeforeMinutes != nil {
				r.RemindBeforeMinutes = *req.RemindBeforeMinutes
				r.ReminderSent = false
			}
			r.UpdatedAt = s.now()
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.ReservationOutcomesTotal.WithLabelValues("updated").Inc()
	log.Info().Str("reservationId", id).Str("userId", r.UserID).Time("start", r.ReservedStartTime).Msg("reservation: updated")
	s.events.Publish(ctx, queues.TopicReservationUpdated, r)
	s.events.Notify(ctx, r.UserID, NotifyUpdated, reservationPayload(r))
	return r, nil
}

// ConfirmReservation moves a PENDING reservation to CONFIRMED.
func (s *Scheduler) ConfirmReservation(ctx context.Context, id string) (*models.Reservation, error) {
	r, err := s.transition(ctx, id, func(r *models.Reservation, now time.Time) error {
		if r.Status != models.ReservationPending {
			return fmt.Errorf("reservation %s is %s: %w", id, r.Status, models.ErrInvalidState)
		}
		r.Status = models.ReservationConfirmed
		r.ConfirmedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.ReservationOutcomesTotal.WithLabelValues("confirmed").Inc()
	s.events.Publish(ctx, queues.TopicReservationConfirmed, r)
	s.events.Notify(ctx, r.UserID, NotifyConfirmed, reservationPayload(r))
	return r, nil
}

// CancelReservation withdraws a PENDING or CONFIRMED reservation.
func (s *Scheduler) CancelReservation(ctx context.Context, id, reason string) (*models.Reservation, error) {
	r, err := s.transition(ctx, id, func(r *models.Reservation, now time.Time) error {
		if !r.Status.Awaiting() {
			return fmt.Errorf("reservation %s is %s: %w", id, r.Status, models.ErrInvalidState)
		}
		r.Status = models.ReservationCancelled
		r.CancelledAt = &now
		r.CancelReason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	metrics.ReservationOutcomesTotal.WithLabelValues("cancelled").Inc()
	log.Info().Str("reservationId", id).Str("userId", r.UserID).Str("reason", reason).Msg("reservation: cancelled")
	s.events.Publish(ctx, queues.TopicReservationCancelled, r)
	s.events.Notify(ctx, r.UserID, NotifyCancelled, map[string]any{"reservationId": id, "reason": reason})
	return r, nil
}

// transition applies mutate to the current reservation and stores it.
func (s *Scheduler) transition(ctx context.Context, id string, mutate func(r *models.Reservation, now time.Time) error) (*models.Reservation, error) {
	return s.modify(ctx, id, func(r *models.Reservation) error {
		now := s.now()
		if err := mutate(r, now); err != nil {
			return err
		}
		r.UpdatedAt = now
		return nil
	})
}

// modify re-reads the reservation, applies fn and writes it back, starting over when a
// concurrent write got in first. fn returning an error aborts without writing.
func (s *Scheduler) modify(ctx context.Context, id string, fn func(r *models.Reservation) error) (*models.Reservation, error) {
	var err error
	for range maxWriteAttempts {
		var r *models.Reservation
		if r, err = s.repo.Get(ctx, id); err != nil {
			return nil, err
		}
		if err := fn(r); err != nil {
			return nil, err
		}
		if err = s.repo.Update(ctx, r); err == nil {
			return r, nil
		}
		if !errors.Is(err, models.ErrConflict) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("reservation %s kept changing concurrently: %w", id, err)
}

// ExecuteReservation claims a PENDING/CONFIRMED reservation and allocates for it once. When the
// allocation fails the reservation is FAILED and returned together with the cause.
func (s *Scheduler) ExecuteReservation(ctx context.Context, id string) (*models.Reservation, error) {
	r, err := s.transition(ctx, id, func(r *models.Reservation, now time.Time) error {
		if !r.Status.Awaiting() {
			return fmt.Errorf("reservation %s is %s: %w", id, r.Status, models.ErrInvalidState)
		}
		r.Status = models.ReservationExecuting
		r.ExecutedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}

	alloc, allocErr := s.allocator.Allocate(ctx, allocator.AllocateRequest{
		UserID:          r.UserID,
		TenantID:        r.TenantID,
		DurationMinutes: r.DurationMinutes,
		Preferences:     r.Preferences,
		Metadata:        map[string]string{"reservationId": r.ID},
	})
	finish := func(apply func(r *models.Reservation, now time.Time)) (*models.Reservation, error) {
		return s.transition(ctx, id, func(r *models.Reservation, now time.Time) error {
			if r.Status != models.ReservationExecuting {
				return fmt.Errorf("reservation %s is %s: %w", id, r.Status, models.ErrInvalidState)
			}
			apply(r, now)
			return nil
		})
	}

	if allocErr != nil {
		r, err = finish(func(r *models.Reservation, now time.Time) {
			r.Status = models.ReservationFailed
			r.FailedAt = &now
			r.FailureReason = allocErr.Error()
		})
		if err != nil {
			return nil, fmt.Errorf("store failed reservation %s: %w", id, err)
		}
		metrics.ReservationOutcomesTotal.WithLabelValues("failed").Inc()
		log.Warn().Err(allocErr).Str("reservationId", id).Str("userId", r.UserID).Msg("reservation: execution failed")
		s.events.Publish(ctx, queues.TopicReservationFailed, r)
		s.events.Notify(ctx, r.UserID, NotifyFailed, map[string]any{"reservationId": id, "reason": r.FailureReason})
		return r, fmt.Errorf("execute reservation %s: %w", id, allocErr)
	}

	r, err = finish(func(r *models.Reservation, _ time.Time) {
		r.Status = models.ReservationCompleted
		r.AllocatedResourceID = alloc.ResourceID
		r.AllocationID = alloc.ID
	})
	if err != nil {
		return nil, fmt.Errorf("store completed reservation %s: %w", id, err)
	}
	metrics.ReservationOutcomesTotal.WithLabelValues("executed").Inc()
	log.Info().Str("reservationId", id).Str("userId", r.UserID).Str("allocationId", alloc.ID).Str("resourceId", alloc.ResourceID).Msg("reservation: executed")
	s.events.Publish(ctx, queues.TopicReservationExecuted, r)
	s.events.Notify(ctx, r.UserID, NotifyExecuted, map[string]any{"reservationId": id, "allocationId": alloc.ID, "resourceId": alloc.ResourceID})
	return r, nil
}

// ExecutePendingReservations executes every awaiting reservation whose start lies within
// [now-ExecuteGrace, now]. Each reservation succeeds or fails on its own.
func (s *Scheduler) ExecutePendingReservations(ctx context.Context) (ExecuteResult, error) {
	now := s.now()
	due, err := s.repo.ListByStatus(ctx, models.ReservationPending, models.ReservationConfirmed)
	if err != nil {
		return ExecuteResult{}, err
	}
	var res ExecuteResult
	for _, r := range due {
		if r.ReservedStartTime.After(now) || r.ReservedStartTime.Before(now.Add(-ExecuteGrace)) {
			continue
		}
		if _, err := s.ExecuteReservation(ctx, r.ID); err != nil {
			res.Failed++
			continue
		}
		res.Executed++
	}
	if res.Executed+res.Failed > 0 {
		log.Info().Int("executed", res.Executed).Int("failed", res.Failed).Msg("reservation: executed due reservations")
	}
	return res, nil
}

// MarkExpiredReservations expires awaiting reservations whose start is more than ExpireAfter ago.
func (s *Scheduler) MarkExpiredReservations(ctx context.Context) (int, error) {
	now := s.now()
	awaiting, err := s.repo.ListByStatus(ctx, models.ReservationPending, models.ReservationConfirmed)
	if err != nil {
		return 0, err
	}
	missed := func(r *models.Reservation) bool {
		return r.Status.Awaiting() && r.ReservedStartTime.Before(now.Add(-ExpireAfter))
	}
	expired := 0
	for _, a := range awaiting {
		if !missed(a) {
			continue
		}
		r, err := s.modify(ctx, a.ID, func(r *models.Reservation) error {
			if !missed(r) {
				return errUnchanged
			}
			r.Status = models.ReservationExpired
			r.ExpireReason = ReasonStartPassed
			r.UpdatedAt = now
			return nil
		})
		if err != nil {
			if !errors.Is(err, errUnchanged) {
				log.Warn().Err(err).Str("reservationId", a.ID).Msg("reservation: could not expire")
			}
			continue
		}
		expired++
		metrics.ReservationOutcomesTotal.WithLabelValues("expired").Inc()
		s.events.Publish(ctx, queues.TopicReservationExpired, r)
		s.events.Notify(ctx, r.UserID, NotifyExpired, map[string]any{"reservationId": r.ID, "reason": r.ExpireReason})
	}
	if expired > 0 {
		log.Info().Int("count", expired).Msg("reservation: expired missed reservations")
	}
	return expired, nil
}

// SendReminders notifies users once when now enters [start-remindBefore, start).
func (s *Scheduler) SendReminders(ctx context.Context) (int, error) {
	now := s.now()
	awaiting, err := s.repo.ListByStatus(ctx, models.ReservationPending, models.ReservationConfirmed)
	if err != nil {
		return 0, err
	}
	due := func(r *models.Reservation) bool {
		if !r.Status.Awaiting() || r.ReminderSent || r.RemindBeforeMinutes <= 0 {
			return false
		}
		from := r.ReservedStartTime.Add(-time.Duration(r.RemindBeforeMinutes) * time.Minute)
		return !now.Before(from) && now.Before(r.ReservedStartTime)
	}
	sent := 0
	for _, a := range awaiting {
		if !due(a) {
			continue
		}
		// the flag is stored first so a concurrent sweep cannot send a second reminder
		r, err := s.modify(ctx, a.ID, func(r *models.Reservation) error {
			if !due(r) {
				return errUnchanged
			}
			r.ReminderSent = true
			r.UpdatedAt = now
			return nil
		})
		if err != nil {
			if !errors.Is(err, errUnchanged) {
				log.Warn().Err(err).Str("reservationId", a.ID).Msg("reservation: could not mark reminder")
			}
			continue
		}
		sent++
		metrics.ReservationOutcomesTotal.WithLabelValues("reminded").Inc()
		s.events.Notify(ctx, r.UserID, NotifyReminder, map[string]any{
			"reservationId":  r.ID,
			"startTime":      r.ReservedStartTime,
			"minutesToStart": int(r.ReservedStartTime.Sub(now) / time.Minute),
		})
	}
	return sent, nil
}

func (s *Scheduler) Get(ctx context.Context, id string) (*models.Reservation, error) {
	return s.repo.Get(ctx, id)
}

// ListUserReservations returns the user's reservations in the given statuses, or all when none given.
func (s *Scheduler) ListUserReservations(ctx context.Context, userID string, statuses ...models.ReservationStatus) ([]*models.Reservation, error) {
	return s.repo.ListByUser(ctx, userID, statuses...)
}

func reservationPayload(r *models.Reservation) map[string]any {
	return map[string]any{
		"reservationId": r.ID,
		"startTime":     r.ReservedStartTime,
		"endTime":       r.ReservedEndTime,
		"status":        r.Status,
	}
}
