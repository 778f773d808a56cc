package allocator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"device-allocator/coord"
	"device-allocator/metrics"
	"device-allocator/models"
	"device-allocator/queues"
	"device-allocator/store"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const (
	DefaultLockTTL         = 10 * time.Second
	DefaultCacheTTL        = 10 * time.Second
	DefaultDurationMinutes = 60

	// maxSelectAttempts bounds re-selection after losing a device to a concurrent allocation.
	maxSelectAttempts = 3
)

// Notification kinds sent by the manager.
const (
	NotifyAllocationSuccess = "allocation_success"
	NotifyAllocationFailed  = "allocation_failed"
	NotifyQuotaExceeded     = "quota_exceeded"
	NotifyReleased          = "allocation_released"
	NotifyExpired           = "allocation_expired"
)

type Deps struct {
	Repo      store.AllocationRepository
	Inventory Inventory
	Quota     Quota
	Billing   Billing
	Notifier  Notifier
	Publisher queues.Publisher
	Locker    coord.Locker
	Cache     coord.Cache
}

type Options struct {
	Strategy               string
	LockTTL                time.Duration
	CacheTTL               time.Duration
	DefaultDurationMinutes int
	// CacheNamespace prefixes the shared availability cache key. Instances that keep their own
	// allocation records must use distinct namespaces.
	CacheNamespace         string
	Now                    func() time.Time
}

// Manager owns every mutation of Allocation records.
type Manager struct {
	repo            store.AllocationRepository
	quota           Quota
	billing         Billing
	locker          coord.Locker
	events          Emitter
	availability    *availability
	strategy        Strategy
	lockTTL         time.Duration
	defaultDuration int
	now             func() time.Time
}

func NewManager(d Deps, opts Options) (*Manager, error) {
	strategy, err := StrategyByName(opts.Strategy)
	if err != nil {
		return nil, err
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = DefaultLockTTL
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.DefaultDurationMinutes <= 0 {
		opts.DefaultDurationMinutes = DefaultDurationMinutes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		repo:            d.Repo,
		quota:           d.Quota,
		billing:         d.Billing,
		locker:          d.Locker,
		events:          Emitter{Publisher: d.Publisher, Notifier: d.Notifier},
		availability:    &availability{key: availabilityKey(opts.CacheNamespace), cache: d.Cache, inventory: d.Inventory, repo: d.Repo, ttl: opts.CacheTTL},
		strategy:        strategy,
		lockTTL:         opts.LockTTL,
		defaultDuration: opts.DefaultDurationMinutes,
		now:             opts.Now,
	}, nil
}

func (m *Manager) StrategyName() string { return m.strategy.Name() }

// Allocate grants one device to the user, serialized per user.
func (m *Manager) Allocate(ctx context.Context, req AllocateRequest) (*models.Allocation, error) {
	start := time.Now()
	log.Info().Str("userId", req.UserID).Str("tenantId", req.TenantID).Int("durationMinutes", req.DurationMinutes).Msg("allocator: handling allocation request")

	var alloc *models.Allocation
	err := m.locker.WithLock(ctx, "allocate:user:"+req.UserID, m.lockTTL, func(ctx context.Context) error {
		var err error
		alloc, err = m.allocateLocked(ctx, req)
		return err
	})

	metrics.AllocationDuration.Observe(time.Since(start).Seconds())
	metrics.AllocationsTotal.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		log.Warn().Err(err).Str("userId", req.UserID).Dur("duration", time.Since(start)).Msg("allocator: allocation failed")
		return nil, err
	}
	log.Info().Str("userId", req.UserID).Str("allocationId", alloc.ID).Str("resourceId", alloc.ResourceID).Dur("duration", time.Since(start)).Msg("allocator: allocation successful")
	return alloc, nil
}

func (m *Manager) allocateLocked(ctx context.Context, req AllocateRequest) (*models.Allocation, error) {
	duration := req.DurationMinutes
	if duration <= 0 {
		duration = m.defaultDuration
	}
	lost := make(map[string]struct{})

	for attempt := 0; attempt < maxSelectAttempts; attempt++ {
		available, err := m.availability.list(ctx)
		if err != nil {
			return nil, err
		}
		candidates := make([]models.Resource, 0, len(available))
		for _, r := range available {
			if _, gone := lost[r.ID]; !gone {
				candidates = append(candidates, r)
			}
		}
		if len(candidates) == 0 {
			return nil, m.fail(ctx, req, models.ErrNoCapacity, "no devices available")
		}
		if req.Preferences.Type != "" {
			candidates = filterType(candidates, req.Preferences.Type)
			if len(candidates) == 0 {
				return nil, m.fail(ctx, req, models.ErrNoSuitableDevice, "no device of type "+req.Preferences.Type)
			}
		}
		res, ok := m.strategy.Select(candidates, req.Preferences)
		if !ok {
			return nil, m.fail(ctx, req, models.ErrNoSuitableDevice, "strategy "+m.strategy.Name()+" found no device")
		}

		decision, err := m.quota.Check(ctx, req.UserID, res.Specs())
		if err != nil {
			return nil, m.fail(ctx, req, err, "quota check failed")
		}
		if !decision.Allowed {
			m.events.Publish(ctx, queues.TopicAllocationQuotaExceeded, map[string]any{"userId": req.UserID, "tenantId": req.TenantID, "reason": decision.Reason})
			m.events.Notify(ctx, req.UserID, NotifyQuotaExceeded, map[string]any{"reason": decision.Reason})
			return nil, fmt.Errorf("user %s: %s: %w", req.UserID, decision.Reason, models.ErrQuotaExceeded)
		}

		now := m.now()
		expires := now.Add(time.Duration(duration) * time.Minute)
		alloc := &models.Allocation{
			ID:              uuid.NewString(),
			ResourceID:      res.ID,
			UserID:          req.UserID,
			TenantID:        req.TenantID,
			Status:          models.AllocationAllocated,
			Specs:           res.Specs(),
			AllocatedAt:     now,
			ExpiresAt:       &expires,
			DurationMinutes: duration,
			Metadata:        req.Metadata,
		}
		if err := m.repo.Create(ctx, alloc); err != nil {
			if errors.Is(err, models.ErrConflict) {
				log.Debug().Str("resourceId", res.ID).Int("attempt", attempt+1).Msg("allocator: device taken concurrently; reselecting")
				lost[res.ID] = struct{}{}
				m.availability.invalidate(ctx)
				continue
			}
			return nil, fmt.Errorf("store allocation: %w", err)
		}
		m.availability.invalidate(ctx)

		if err := m.quota.Report(ctx, req.UserID, 1); err != nil {
			log.Warn().Err(err).Str("userId", req.UserID).Msg("allocator: quota usage report failed")
		}
		m.events.Publish(ctx, queues.TopicAllocationAllocated, alloc)
		m.events.Notify(ctx, req.UserID, NotifyAllocationSuccess, map[string]any{
			"allocationId": alloc.ID,
			"resourceId":   alloc.ResourceID,
			"expiresAt":    expires,
		})
		return alloc, nil
	}
	return nil, m.fail(ctx, req, models.ErrNoCapacity, "devices taken concurrently")
}

// fail emits the failure event and notification and returns the wrapped cause.
func (m *Manager) fail(ctx context.Context, req AllocateRequest, cause error, reason string) error {
	m.events.Publish(ctx, queues.TopicAllocationFailed, map[string]any{"userId": req.UserID, "tenantId": req.TenantID, "reason": reason, "error": cause.Error()})
	m.events.Notify(ctx, req.UserID, NotifyAllocationFailed, map[string]any{"reason": reason})
	return fmt.Errorf("%s: %w", reason, cause)
}

func filterType(list []models.Resource, typ string) []models.Resource {
	out := list[:0:0]
	for _, r := range list {
		if r.Type == typ {
			out = append(out, r)
		}
	}
	return out
}

// Release ends the active allocation on resourceID. A non-empty userID must own it.
func (m *Manager) Release(ctx context.Context, resourceID, userID string) (*models.Allocation, error) {
	var out *models.Allocation
	err := m.locker.WithLock(ctx, "release:resource:"+resourceID, m.lockTTL, func(ctx context.Context) error {
		a, err := m.repo.FindActiveByResource(ctx, resourceID)
		if err != nil {
			return err
		}
		if userID != "" && a.UserID != userID {
			return fmt.Errorf("resource %s has no allocation for user %s: %w", resourceID, userID, models.ErrNotFound)
		}
		out, err = m.finish(ctx, a, models.AllocationReleased, "released by user", false)
		return err
	})
	return out, err
}

// ReleaseByAllocationID ends an allocation; automatic marks releases not requested by the user.
func (m *Manager) ReleaseByAllocationID(ctx context.Context, allocationID, reason string, automatic bool) (*models.Allocation, error) {
	return m.endByID(ctx, allocationID, models.AllocationReleased, reason, automatic)
}

// Expire ends an allocation whose time ran out.
func (m *Manager) Expire(ctx context.Context, allocationID string) (*models.Allocation, error) {
	return m.endByID(ctx, allocationID, models.AllocationExpired, "allocation expired", true)
}

func (m *Manager) endByID(ctx context.Context, allocationID string, status models.AllocationStatus, reason string, automatic bool) (*models.Allocation, error) {
	var out *models.Allocation
	err := m.locker.WithLock(ctx, "release:allocation:"+allocationID, m.lockTTL, func(ctx context.Context) error {
		a, err := m.repo.Get(ctx, allocationID)
		if err != nil {
			return err
		}
		if !a.Active() {
			return fmt.Errorf("allocation %s is %s: %w", allocationID, a.Status, models.ErrNotFound)
		}
		out, err = m.finish(ctx, a, status, reason, automatic)
		return err
	})
	return out, err
}

// finish is the shared release critical section. Side effects after the state change are best-effort.
func (m *Manager) finish(ctx context.Context, a *models.Allocation, status models.AllocationStatus, reason string, automatic bool) (*models.Allocation, error) {
	now := m.now()
	a.Status = status
	a.ReleasedAt = &now
	a.DurationSeconds = int64(now.Sub(a.AllocatedAt) / time.Second)
	a.ReleaseReason = reason
	a.Automatic = automatic
	if err := m.repo.Update(ctx, a, models.AllocationAllocated); err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil, fmt.Errorf("allocation %s already ended: %w", a.ID, models.ErrNotFound)
		}
		return nil, fmt.Errorf("store allocation: %w", err)
	}
	m.availability.invalidate(ctx)
	metrics.ReleasesTotal.WithLabelValues(string(status)).Inc()

	if err := m.quota.Report(ctx, a.UserID, -1); err != nil {
		log.Warn().Err(err).Str("userId", a.UserID).Msg("allocator: quota usage report failed")
	}
	usage := models.UsageRecord{
		AllocationID:    a.ID,
		UserID:          a.UserID,
		TenantID:        a.TenantID,
		ResourceID:      a.ResourceID,
		Specs:           a.Specs,
		StartTime:       a.AllocatedAt,
		EndTime:         now,
		DurationSeconds: a.DurationSeconds,
	}
	if err := m.billing.ReportUsage(ctx, usage); err != nil {
		// usage for this allocation is lost; the release stands
		log.Error().Err(err).Str("allocationId", a.ID).Str("userId", a.UserID).Int64("durationSeconds", a.DurationSeconds).Msg("allocator: billing usage report failed")
	}

	topic, kind := queues.TopicAllocationReleased, NotifyReleased
	if status == models.AllocationExpired {
		topic, kind = queues.TopicAllocationExpired, NotifyExpired
	}
	m.events.Publish(ctx, topic, a)
	m.events.Notify(ctx, a.UserID, kind, map[string]any{
		"allocationId":    a.ID,
		"resourceId":      a.ResourceID,
		"reason":          reason,
		"durationSeconds": a.DurationSeconds,
	})
	log.Info().Str("allocationId", a.ID).Str("resourceId", a.ResourceID).Str("status", string(status)).Str("reason", reason).Bool("automatic", automatic).Msg("allocator: allocation ended")
	return a, nil
}

// ListAvailable returns ready devices that are not allocated.
func (m *Manager) ListAvailable(ctx context.Context) ([]models.Resource, error) {
	return m.availability.list(ctx)
}

func (m *Manager) Get(ctx context.Context, allocationID string) (*models.Allocation, error) {
	return m.repo.Get(ctx, allocationID)
}

// ListActive returns every allocation holding a device, oldest first.
func (m *Manager) ListActive(ctx context.Context) ([]*models.Allocation, error) {
	return m.repo.ListActive(ctx)
}

// ListUserAllocations returns the user's active allocations, oldest first.
func (m *Manager) ListUserAllocations(ctx context.Context, userID string) ([]*models.Allocation, error) {
	return m.repo.ListActiveByUser(ctx, userID)
}

// ActiveForResource returns the allocation currently holding resourceID.
func (m *Manager) ActiveForResource(ctx context.Context, resourceID string) (*models.Allocation, error) {
	return m.repo.FindActiveByResource(ctx, resourceID)
}

func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	counts, err := m.repo.CountByStatus(ctx)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{
		Active:   counts[models.AllocationAllocated],
		Released: counts[models.AllocationReleased],
		Expired:  counts[models.AllocationExpired],
		Strategy: m.strategy.Name(),
	}
	for _, n := range counts {
		s.Total += n
	}
	return s, nil
}

// CleanupFinished hard-deletes ended allocations released before cutoff.
func (m *Manager) CleanupFinished(ctx context.Context, cutoff time.Time) (int, error) {
	return m.repo.DeleteFinishedBefore(ctx, cutoff)
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, models.ErrNoCapacity):
		return "no_capacity"
	case errors.Is(err, models.ErrNoSuitableDevice):
		return "no_suitable_device"
	case errors.Is(err, models.ErrQuotaExceeded):
		return "quota_exceeded"
	}
	return "error"
}
