package collab

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"device-allocator/models"
	"device-allocator/queues"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu     sync.Mutex
	fails  int
	calls  int
	events map[string][]*queues.Event
}

func (p *recordingPublisher) Publish(ctx context.Context, topic string, ev *queues.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.fails {
		return errors.New("unavailable")
	}
	if p.events == nil {
		p.events = make(map[string][]*queues.Event)
	}
	p.events[topic] = append(p.events[topic], ev)
	return nil
}

func fastPolicy(attempts int) CallPolicy {
	return CallPolicy{Timeout: time.Second, Attempts: attempts, Backoff: time.Millisecond}
}

func TestCallPolicy_Retries(t *testing.T) {
	tests := []struct {
		name      string
		attempts  int
		failures  int
		wantErr   bool
		wantCalls int
	}{
		{"first try", 3, 0, false, 1},
		{"recovers on third", 3, 2, false, 3},
		{"gives up", 3, 5, true, 3},
		{"zero attempts means one", 0, 1, true, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := fastPolicy(tt.attempts).do(context.Background(), "op", func(ctx context.Context) error {
				calls++
				if _, ok := ctx.Deadline(); !ok {
					t.Errorf("call context has no deadline")
				}
				if calls <= tt.failures {
					return errors.New("boom")
				}
				return nil
			})
			assert.Equal(t, tt.wantErr, err != nil, "err=%v", err)
			if err != nil {
				assert.True(t, errors.Is(err, models.ErrCollaborator))
			}
			assert.Equal(t, tt.wantCalls, calls)
		})
	}
}

func TestRedisQuota(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	q := NewRedisQuota(client, 2, fastPolicy(1))
	ctx := context.Background()

	d, err := q.Check(ctx, "u1", models.Specs{})
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	require.NoError(t, q.Report(ctx, "u1", 1))
	require.NoError(t, q.Report(ctx, "u1", 1))
	d, err = q.Check(ctx, "u1", models.Specs{})
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "2/2")

	// explicit per-user limit written by the quota service
	require.NoError(t, mr.Set(quotaLimitPrefix+"u1", "5"))
	d, _ = q.Check(ctx, "u1", models.Specs{})
	assert.True(t, d.Allowed)

	require.NoError(t, q.Report(ctx, "u2", -1))
	got, _ := mr.Get(quotaUsedPrefix + "u2")
	assert.Equal(t, "0", got)
}

func TestRedisQuota_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	q := NewRedisQuota(client, 2, fastPolicy(2))
	mr.Close()

	_, err := q.Check(context.Background(), "u1", models.Specs{})
	assert.True(t, errors.Is(err, models.ErrCollaborator), "err=%v", err)
}

// lostReplyHook lets the first INCRBY reach the server and then fails it, as a dropped
// connection after the write would.
type lostReplyHook struct {
	mu      sync.Mutex
	incrbys int
}

func (h *lostReplyHook) DialHook(next redis.DialHook) redis.DialHook { return next }

func (h *lostReplyHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if cmd.Name() != "incrby" {
			return err
		}
		h.mu.Lock()
		defer h.mu.Unlock()
		h.incrbys++
		if h.incrbys == 1 {
			return errors.New("connection reset by peer")
		}
		return err
	}
}

func (h *lostReplyHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return next
}

func TestRedisQuota_ReportIsNotRetried(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	hook := &lostReplyHook{}
	client.AddHook(hook)
	q := NewRedisQuota(client, 2, fastPolicy(3))

	err := q.Report(context.Background(), "u1", 1)
	assert.True(t, errors.Is(err, models.ErrCollaborator), "err=%v", err)
	assert.Equal(t, 1, hook.incrbys)
	got, _ := mr.Get(quotaUsedPrefix + "u1")
	assert.Equal(t, "1", got)

	// reads still get the full policy
	mr.Close()
	_, err = q.Check(context.Background(), "u1", models.Specs{})
	assert.Error(t, err)
}

func TestPubsubNotifier_SingleAttempt(t *testing.T) {
	p := &recordingPublisher{fails: 1}
	n := NewPubsubNotifier(p, "notifications", fastPolicy(3))

	err := n.Notify(context.Background(), "u1", "allocation_success", map[string]any{"resourceId": "d1"})
	assert.Error(t, err)
	assert.Equal(t, 1, p.calls)

	require.NoError(t, n.Notify(context.Background(), "u1", "allocation_success", map[string]any{"resourceId": "d1"}))
	require.Len(t, p.events["notifications"], 1)
	ev := p.events["notifications"][0]
	assert.Equal(t, "notification.allocation_success", ev.Type)
	b, _ := json.Marshal(ev.Data)
	assert.JSONEq(t, `{"userId":"u1","kind":"allocation_success","payload":{"resourceId":"d1"}}`, string(b))
}

func TestPubsubBilling_Retries(t *testing.T) {
	p := &recordingPublisher{fails: 2}
	b := NewPubsubBilling(p, "billing", fastPolicy(3))
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	err := b.ReportUsage(context.Background(), models.UsageRecord{AllocationID: "a1", UserID: "u1", StartTime: start, EndTime: start.Add(time.Hour), DurationSeconds: 3600})
	require.NoError(t, err)
	assert.Equal(t, 3, p.calls)
	require.Len(t, p.events["billing"], 1)
	rec, ok := p.events["billing"][0].Data.(models.UsageRecord)
	require.True(t, ok)
	assert.Equal(t, int64(3600), rec.DurationSeconds)
}
