package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"device-allocator/coord"
	"device-allocator/metrics"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// Job names.
const (
	JobQueueAutoProcess     = "queue-auto-process"
	JobQueuePositions       = "queue-positions"
	JobReservationExecute   = "reservation-execute"
	JobReservationReminders = "reservation-reminders"
	JobQueueExpire          = "queue-expire"
	JobReservationExpire    = "reservation-expire"
	JobAllocationExpire     = "allocation-expire"
	JobStats                = "stats"
	JobCleanup              = "cleanup"
)

const maxJobLockTTL = 10 * time.Minute

// Job is a named periodic task.
type Job struct {
	Name  string
	Every time.Duration
	Run   func(ctx context.Context) error
}

// Scheduler runs jobs on fixed intervals. Every run holds the distributed lock "job:<name>",
// so a tick is executed by at most one replica at a time; a run that finds its previous run
// still in progress in this process is skipped.
type Scheduler struct {
	cron   *cron.Cron
	locker coord.Locker

	mu   sync.RWMutex
	jobs map[string]Job
	ctx  context.Context
}

func NewScheduler(locker coord.Locker) *Scheduler {
	logger := cronLogger{}
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(logger),
			cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		),
		locker: locker,
		jobs:   make(map[string]Job),
		ctx:    context.Background(),
	}
}

// Add registers a job. Names must be unique.
func (s *Scheduler) Add(job Job) error {
	if job.Every <= 0 {
		return fmt.Errorf("job %s: interval must be positive", job.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("job %s already registered", job.Name)
	}
	if _, err := s.cron.AddFunc("@every "+job.Every.String(), func() {
		s.mu.RLock()
		ctx := s.ctx
		s.mu.RUnlock()
		_ = s.run(ctx, job)
	}); err != nil {
		return fmt.Errorf("job %s: %w", job.Name, err)
	}
	s.jobs[job.Name] = job
	log.Debug().Str("job", job.Name).Dur("every", job.Every).Msg("reconcile: job registered")
	return nil
}

// Start runs the registered jobs until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	s.cron.Start()
	log.Info().Strs("jobs", s.Names()).Msg("reconcile: scheduler started")
	go func() {
		<-ctx.Done()
		<-s.cron.Stop().Done()
		log.Info().Msg("reconcile: scheduler stopped")
	}()
}

// RunNow runs the named job once, under the same lock as scheduled runs.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.RLock()
	job, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return s.run(ctx, job)
}

func (s *Scheduler) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.jobs))
	for n := range s.jobs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (s *Scheduler) run(ctx context.Context, job Job) error {
	start := time.Now()
	err := s.locker.WithLock(ctx, "job:"+job.Name, min(job.Every, maxJobLockTTL), job.Run)
	switch {
	case errors.Is(err, coord.ErrLockNotAcquired):
		metrics.JobRunsTotal.WithLabelValues(job.Name, "skipped").Inc()
		log.Debug().Str("job", job.Name).Msg("reconcile: job running elsewhere; skipped")
	case err != nil:
		metrics.JobRunsTotal.WithLabelValues(job.Name, "failure").Inc()
		log.Error().Err(err).Str("job", job.Name).Dur("duration", time.Since(start)).Msg("reconcile: job failed")
	default:
		metrics.JobRunsTotal.WithLabelValues(job.Name, "success").Inc()
		log.Debug().Str("job", job.Name).Dur("duration", time.Since(start)).Msg("reconcile: job finished")
	}
	return err
}

// cronLogger routes cron's logr-style calls to zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg("cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg("cron: " + msg)
}
