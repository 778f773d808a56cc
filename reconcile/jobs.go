package reconcile

import (
	"context"
	"time"

	"device-allocator/admission"
	"device-allocator/reservation"
)

type QueueJobs interface {
	AutoProcessQueue(ctx context.Context) (admission.BatchResult, error)
	RecalculateAllPositions(ctx context.Context) error
	MarkExpiredQueueEntries(ctx context.Context) (int, error)
}

type ReservationJobs interface {
	ExecutePendingReservations(ctx context.Context) (reservation.ExecuteResult, error)
	MarkExpiredReservations(ctx context.Context) (int, error)
	SendReminders(ctx context.Context) (int, error)
}

// RegisterJobs adds the standard job set to s.
func RegisterJobs(s *Scheduler, loop *Loop, queue QueueJobs, reservations ReservationJobs) error {
	jobs := []Job{
		{Name: JobQueueAutoProcess, Every: time.Minute, Run: func(ctx context.Context) error {
			_, err := queue.AutoProcessQueue(ctx)
			return err
		}},
		{Name: JobQueuePositions, Every: time.Minute, Run: queue.RecalculateAllPositions},
		{Name: JobReservationExecute, Every: time.Minute, Run: func(ctx context.Context) error {
			_, err := reservations.ExecutePendingReservations(ctx)
			return err
		}},
		{Name: JobReservationReminders, Every: time.Minute, Run: func(ctx context.Context) error {
			_, err := reservations.SendReminders(ctx)
			return err
		}},
		{Name: JobQueueExpire, Every: 5 * time.Minute, Run: func(ctx context.Context) error {
			_, err := queue.MarkExpiredQueueEntries(ctx)
			return err
		}},
		{Name: JobReservationExpire, Every: 5 * time.Minute, Run: func(ctx context.Context) error {
			_, err := reservations.MarkExpiredReservations(ctx)
			return err
		}},
		{Name: JobAllocationExpire, Every: 5 * time.Minute, Run: func(ctx context.Context) error {
			_, err := loop.ExpireAllocations(ctx)
			return err
		}},
		{Name: JobStats, Every: time.Hour, Run: loop.LogStats},
		{Name: JobCleanup, Every: 24 * time.Hour, Run: func(ctx context.Context) error {
			_, err := loop.CleanupOldRecords(ctx)
			return err
		}},
	}
	for _, j := range jobs {
		if err := s.Add(j); err != nil {
			return err
		}
	}
	return nil
}
