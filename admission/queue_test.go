package admission_test

import (
	"context"
	"testing"
	"time"

	"device-allocator/admission"
	"device-allocator/allocator"
	"device-allocator/allocator/allocatortest"
	"device-allocator/models"
	"device-allocator/queues"
	"device-allocator/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	*allocatortest.Env
	queue *admission.Queue
	repo  *memory.Queue
}

func newFixture(t *testing.T, resources ...models.Resource) *fixture {
	env := allocatortest.New(t, allocator.StrategyRoundRobin, resources...)
	repo := memory.NewQueue()
	return &fixture{
		Env:   env,
		repo:  repo,
		queue: admission.New(repo, env.Manager, env.Publisher, env.Notifier, env.Clock.Now),
	}
}

func (f *fixture) join(t *testing.T, userID, tier string, req admission.JoinRequest) *models.QueueEntry {
	t.Helper()
	e, err := f.queue.JoinQueue(context.Background(), userID, tier, req)
	require.NoError(t, err)
	return e
}

func (f *fixture) entry(t *testing.T, id string) *models.QueueEntry {
	t.Helper()
	e, err := f.queue.GetEntry(context.Background(), id)
	require.NoError(t, err)
	return e
}

// requireRanked checks that WAITING positions follow priority desc then arrival.
func requireRanked(t *testing.T, repo *memory.Queue) {
	t.Helper()
	waiting, err := repo.ListByStatus(context.Background(), models.QueueWaiting)
	require.NoError(t, err)
	for i, e := range waiting {
		assert.Equal(t, i+1, e.QueuePosition, "entry %s", e.ID)
		assert.Equal(t, (i+1)*admission.AverageUsageMinutes, e.EstimatedWaitMinutes, "entry %s", e.ID)
	}
}

func TestPriorityFor(t *testing.T) {
	tests := []struct {
		tier string
		want int
	}{
		{"standard", 1},
		{"vip", 2},
		{"premium", 3},
		{"enterprise", 4},
		{"ENTERPRISE", 4},
		{"", 1},
		{"platinum", 1},
	}
	for _, tt := range tests {
		t.Run(tt.tier, func(t *testing.T) {
			if got := admission.PriorityFor(tt.tier); got != tt.want {
				t.Errorf("PriorityFor(%q) got=%#v want=%#v", tt.tier, got, tt.want)
			}
		})
	}
}

func TestQueue_JoinAssignsPositions(t *testing.T) {
	f := newFixture(t)

	e1 := f.join(t, "u1", admission.TierStandard, admission.JoinRequest{})
	assert.Equal(t, 1, e1.QueuePosition)
	assert.Equal(t, admission.AverageUsageMinutes, e1.EstimatedWaitMinutes)
	assert.Equal(t, admission.DefaultMaxWaitMinutes, e1.MaxWaitMinutes)
	assert.Equal(t, models.QueueWaiting, e1.Status)

	f.Clock.Advance(time.Minute)
	e2 := f.join(t, "u2", admission.TierEnterprise, admission.JoinRequest{})
	assert.Equal(t, 1, e2.QueuePosition)

	f.Clock.Advance(time.Minute)
	e3 := f.join(t, "u3", admission.TierVIP, admission.JoinRequest{})
	assert.Equal(t, 2, e3.QueuePosition)

	assert.Equal(t, 3, f.entry(t, e1.ID).QueuePosition)
	requireRanked(t, f.repo)
	assert.Equal(t, 3, f.Publisher.Count(queues.TopicQueueJoined))
	assert.Equal(t, []string{admission.NotifyJoined}, f.Notifier.Kinds("u2"))
}

func TestQueue_JoinRejectsSecondActiveEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e := f.join(t, "u1", admission.TierStandard, admission.JoinRequest{})
	_, err := f.queue.JoinQueue(ctx, "u1", admission.TierVIP, admission.JoinRequest{})
	require.ErrorIs(t, err, models.ErrConflict)

	_, err = f.queue.CancelQueue(ctx, e.ID, "changed my mind")
	require.NoError(t, err)
	_, err = f.queue.JoinQueue(ctx, "u1", admission.TierVIP, admission.JoinRequest{})
	assert.NoError(t, err)
}

// Enterprise joins after standard but is served first.
func TestQueue_ProcessNextHonoursPriority(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	e1 := f.join(t, "u1", admission.TierStandard, admission.JoinRequest{DurationMinutes: 45})
	f.Clock.Advance(time.Minute)
	e2 := f.join(t, "u2", admission.TierEnterprise, admission.JoinRequest{})

	f.Inventory.Set(allocatortest.Device("dev-1", 0, 0), allocatortest.Device("dev-2", 0, 0))

	ok, err := f.queue.ProcessNextQueueEntry(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	got2 := f.entry(t, e2.ID)
	assert.Equal(t, models.QueueFulfilled, got2.Status)
	assert.Equal(t, "dev-1", got2.AllocatedResourceID)
	require.NotEmpty(t, got2.AllocationID)
	assert.Equal(t, models.QueueWaiting, f.entry(t, e1.ID).Status)
	assert.Equal(t, 1, f.entry(t, e1.ID).QueuePosition)

	alloc, err := f.Manager.Get(ctx, got2.AllocationID)
	require.NoError(t, err)
	assert.Equal(t, "u2", alloc.UserID)
	assert.Equal(t, e2.ID, alloc.Metadata["queueEntryId"])

	ok, err = f.queue.ProcessNextQueueEntry(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	got1 := f.entry(t, e1.ID)
	assert.Equal(t, models.QueueFulfilled, got1.Status)
	assert.Equal(t, "dev-2", got1.AllocatedResourceID)
	alloc, err = f.Manager.Get(ctx, got1.AllocationID)
	require.NoError(t, err)
	assert.Equal(t, 45, alloc.DurationMinutes)

	ok, err = f.queue.ProcessNextQueueEntry(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, f.Publisher.Count(queues.TopicQueueFulfilled))
}

func TestQueue_ExpiresAfterThreeFailedAttempts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e := f.join(t, "u1", admission.TierStandard, admission.JoinRequest{})

	for i := 1; i < admission.MaxRetries; i++ {
		ok, err := f.queue.ProcessNextQueueEntry(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		got := f.entry(t, e.ID)
		assert.Equal(t, models.QueueWaiting, got.Status)
		assert.Equal(t, i, got.RetryCount)
		require.NotNil(t, got.LastRetryAt)
	}

	ok, err := f.queue.ProcessNextQueueEntry(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	got := f.entry(t, e.ID)
	assert.Equal(t, models.QueueExpired, got.Status)
	assert.Equal(t, admission.MaxRetries, got.RetryCount)
	assert.Contains(t, got.Reason, "after 3 attempts")
	assert.Equal(t, 1, f.Publisher.Count(queues.TopicQueueExpired))
	assert.Equal(t, 1, f.Notifier.Count(admission.NotifyExpired))

	// terminal: nothing left to process even once capacity appears
	f.Inventory.Set(allocatortest.Device("dev-1", 0, 0))
	f.Redis.FastForward(time.Minute)
	ok, err = f.queue.ProcessNextQueueEntry(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, models.QueueExpired, f.entry(t, e.ID).Status)
}

func TestQueue_ProcessBatchTriesEachEntryOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e1 := f.join(t, "u1", admission.TierStandard, admission.JoinRequest{})
	f.Clock.Advance(time.Second)
	e2 := f.join(t, "u2", admission.TierStandard, admission.JoinRequest{})

	res, err := f.queue.ProcessQueueBatch(ctx, 10, false)
	require.NoError(t, err)
	assert.Equal(t, admission.BatchResult{Processed: 2}, res)
	assert.Equal(t, 1, f.entry(t, e1.ID).RetryCount)
	assert.Equal(t, 1, f.entry(t, e2.ID).RetryCount)

	f.Inventory.Set(allocatortest.Device("dev-1", 0, 0))
	f.Redis.FastForward(time.Minute)
	res, err = f.queue.ProcessQueueBatch(ctx, 1, false)
	require.NoError(t, err)
	assert.Equal(t, admission.BatchResult{Processed: 1}, res)
	assert.Equal(t, models.QueueFulfilled, f.entry(t, e1.ID).Status)
	got2 := f.entry(t, e2.ID)
	assert.Equal(t, models.QueueWaiting, got2.Status)
	assert.Equal(t, 1, got2.QueuePosition)
}

type failingQueueRepo struct {
	*memory.Queue
}

func (failingQueueRepo) ListByStatus(context.Context, models.QueueStatus) ([]*models.QueueEntry, error) {
	return nil, allocatortest.ErrBoom
}

func TestQueue_ProcessBatchErrors(t *testing.T) {
	tests := []struct {
		name            string
		continueOnError bool
		want            admission.BatchResult
		wantErr         bool
	}{
		{"stops on first error", false, admission.BatchResult{Failed: 1}, true},
		{"continues and counts", true, admission.BatchResult{Failed: 3}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := allocatortest.New(t, "")
			q := admission.New(failingQueueRepo{memory.NewQueue()}, env.Manager, env.Publisher, env.Notifier, env.Clock.Now)
			res, err := q.ProcessQueueBatch(context.Background(), 3, tt.continueOnError)
			if tt.wantErr {
				assert.ErrorIs(t, err, allocatortest.ErrBoom)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, res)
		})
	}
}

func TestQueue_Cancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	e1 := f.join(t, "u1", admission.TierStandard, admission.JoinRequest{})
	f.Clock.Advance(time.Second)
	e2 := f.join(t, "u2", admission.TierStandard, admission.JoinRequest{})
	assert.Equal(t, 2, e2.QueuePosition)

	got, err := f.queue.CancelQueue(ctx, e1.ID, "no longer needed")
	require.NoError(t, err)
	assert.Equal(t, models.QueueCancelled, got.Status)
	assert.Equal(t, "no longer needed", got.Reason)
	assert.Equal(t, 1, f.entry(t, e2.ID).QueuePosition)
	assert.Equal(t, 1, f.Publisher.Count(queues.TopicQueueCancelled))

	_, err = f.queue.CancelQueue(ctx, e1.ID, "again")
	assert.ErrorIs(t, err, models.ErrInvalidState)
	_, err = f.queue.CancelQueue(ctx, "missing", "")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestQueue_MarkExpiredEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	old := f.join(t, "u1", admission.TierEnterprise, admission.JoinRequest{MaxWaitMinutes: 30})
	f.Clock.Advance(20 * time.Minute)
	fresh := f.join(t, "u2", admission.TierStandard, admission.JoinRequest{MaxWaitMinutes: 30})
	assert.Equal(t, 2, fresh.QueuePosition)

	// exactly at the limit is not past it
	f.Clock.Set(allocatortest.Start.Add(30 * time.Minute))
	n, err := f.queue.MarkExpiredQueueEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.Clock.Set(allocatortest.Start.Add(31 * time.Minute))
	n, err = f.queue.MarkExpiredQueueEntries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := f.entry(t, old.ID)
	assert.Equal(t, models.QueueExpired, got.Status)
	assert.Equal(t, admission.ReasonMaxWaitExceeded, got.Reason)
	assert.Equal(t, 0, got.QueuePosition)
	assert.Equal(t, models.QueueWaiting, f.entry(t, fresh.ID).Status)
	assert.Equal(t, 1, f.entry(t, fresh.ID).QueuePosition)
	assert.Equal(t, []string{admission.NotifyJoined, admission.NotifyExpired}, f.Notifier.Kinds("u1"))
	requireRanked(t, f.repo)
}

func TestQueue_AutoProcess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.queue.AutoProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, admission.BatchResult{}, res)

	var ids []string
	for _, u := range []string{"u1", "u2", "u3"} {
		ids = append(ids, f.join(t, u, admission.TierStandard, admission.JoinRequest{}).ID)
		f.Clock.Advance(time.Second)
	}

	// waiting entries but no capacity: nothing is attempted
	res, err = f.queue.AutoProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, admission.BatchResult{}, res)
	assert.Equal(t, 0, f.entry(t, ids[0]).RetryCount)

	f.Inventory.Set(allocatortest.Device("dev-1", 0, 0), allocatortest.Device("dev-2", 0, 0))
	f.Redis.FastForward(time.Minute)
	res, err = f.queue.AutoProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, admission.BatchResult{Processed: 2}, res)
	assert.Equal(t, models.QueueFulfilled, f.entry(t, ids[0]).Status)
	assert.Equal(t, models.QueueFulfilled, f.entry(t, ids[1]).Status)
	third := f.entry(t, ids[2])
	assert.Equal(t, models.QueueWaiting, third.Status)
	assert.Equal(t, 0, third.RetryCount)
	assert.Equal(t, 1, third.QueuePosition)

	n, err := f.queue.WaitingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	mine, err := f.queue.GetUserEntry(ctx, "u3")
	require.NoError(t, err)
	assert.Equal(t, ids[2], mine.ID)
}

// interleavingQueueRepo runs between once, right after the next ListByStatus read.
type interleavingQueueRepo struct {
	*memory.Queue
	between func()
}

func (r *interleavingQueueRepo) ListByStatus(ctx context.Context, status models.QueueStatus) ([]*models.QueueEntry, error) {
	out, err := r.Queue.ListByStatus(ctx, status)
	if fn := r.between; fn != nil {
		r.between = nil
		fn()
	}
	return out, err
}

// A failed attempt recorded after the re-ranking read its snapshot must survive the re-ranking.
func TestQueue_RecalculateKeepsConcurrentRetry(t *testing.T) {
	env := allocatortest.New(t, allocator.StrategyRoundRobin)
	repo := &interleavingQueueRepo{Queue: memory.NewQueue()}
	q := admission.New(repo, env.Manager, env.Publisher, env.Notifier, env.Clock.Now)
	ctx := context.Background()

	first, err := q.JoinQueue(ctx, "u1", admission.TierStandard, admission.JoinRequest{})
	require.NoError(t, err)
	env.Clock.Advance(time.Second)
	second, err := q.JoinQueue(ctx, "u2", admission.TierStandard, admission.JoinRequest{})
	require.NoError(t, err)
	require.Equal(t, 2, second.QueuePosition)

	// withdraw the head directly so the second entry is left at a stale position
	head, err := repo.Get(ctx, first.ID)
	require.NoError(t, err)
	head.Status = models.QueueCancelled
	require.NoError(t, repo.Update(ctx, head))

	repo.between = func() {
		ok, err := q.ProcessNextQueueEntry(ctx)
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.NoError(t, q.RecalculateAllPositions(ctx))

	got, err := q.GetEntry(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueWaiting, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.NotNil(t, got.LastRetryAt)
	assert.Equal(t, 1, got.QueuePosition)
}

// cancellingAllocator withdraws the user's queue entry while the allocation is in flight.
type cancellingAllocator struct {
	*allocator.Manager
	cancel func(userID string)
	made   *models.Allocation
}

func (a *cancellingAllocator) Allocate(ctx context.Context, req allocator.AllocateRequest) (*models.Allocation, error) {
	alloc, err := a.Manager.Allocate(ctx, req)
	a.made = alloc
	a.cancel(req.UserID)
	return alloc, err
}

func TestQueue_CancelDuringAllocationReleasesDevice(t *testing.T) {
	env := allocatortest.New(t, allocator.StrategyRoundRobin, allocatortest.Device("dev-1", 0, 0))
	ctx := context.Background()
	var q *admission.Queue
	alloc := &cancellingAllocator{Manager: env.Manager, cancel: func(userID string) {
		e, err := q.GetUserEntry(ctx, userID)
		require.NoError(t, err)
		require.Equal(t, models.QueueProcessing, e.Status)
		_, err = q.CancelQueue(ctx, e.ID, "user left")
		require.NoError(t, err)
	}}
	q = admission.New(memory.NewQueue(), alloc, env.Publisher, env.Notifier, env.Clock.Now)

	e, err := q.JoinQueue(ctx, "u1", admission.TierStandard, admission.JoinRequest{})
	require.NoError(t, err)

	ok, err := q.ProcessNextQueueEntry(ctx)
	assert.True(t, ok)
	assert.ErrorIs(t, err, models.ErrInvalidState)

	got, err := q.GetEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.QueueCancelled, got.Status)
	assert.Empty(t, got.AllocationID)

	require.NotNil(t, alloc.made)
	released, err := env.Manager.Get(ctx, alloc.made.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AllocationReleased, released.Status)
	assert.Equal(t, admission.ReasonEntryCancelled, released.ReleaseReason)
	active, err := env.Manager.ListUserAllocations(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, active)
	assert.Equal(t, 0, env.Publisher.Count(queues.TopicQueueFulfilled))
}
