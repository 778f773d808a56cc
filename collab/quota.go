package collab

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"device-allocator/models"

	"github.com/redis/go-redis/v9"
)

const (
	quotaLimitPrefix = "quota:limit:"
	quotaUsedPrefix  = "quota:used:"
)

// RedisQuota reads per-user concurrent device limits written by the quota service and keeps
// the usage counter the allocator reports into. Users without a limit key get defaultLimit.
// Reads retry under policy; usage reports are increments and get a single attempt.
type RedisQuota struct {
	client       redis.UniversalClient
	defaultLimit int
	policy       CallPolicy
	report       CallPolicy
}

func NewRedisQuota(client redis.UniversalClient, defaultLimit int, policy CallPolicy) *RedisQuota {
	report := policy
	report.Attempts = 1
	return &RedisQuota{client: client, defaultLimit: defaultLimit, policy: policy, report: report}
}

func (q *RedisQuota) Check(ctx context.Context, userID string, specs models.Specs) (models.QuotaDecision, error) {
	var limit, used int
	err := q.policy.do(ctx, "quota check", func(ctx context.Context) error {
		var err error
		if limit, err = q.readInt(ctx, quotaLimitPrefix+userID, q.defaultLimit); err != nil {
			return err
		}
		used, err = q.readInt(ctx, quotaUsedPrefix+userID, 0)
		return err
	})
	if err != nil {
		return models.QuotaDecision{}, err
	}
	if used >= limit {
		return models.QuotaDecision{Allowed: false, Reason: fmt.Sprintf("device limit reached (%d/%d)", used, limit)}, nil
	}
	return models.QuotaDecision{Allowed: true}, nil
}

// Report adjusts the user's usage counter by delta, never letting it go below zero.
func (q *RedisQuota) Report(ctx context.Context, userID string, delta int) error {
	key := quotaUsedPrefix + userID
	return q.report.do(ctx, "quota report", func(ctx context.Context) error {
		n, err := q.client.IncrBy(ctx, key, int64(delta)).Result()
		if err != nil {
			return err
		}
		if n < 0 {
			return q.client.Set(ctx, key, 0, 0).Err()
		}
		return nil
	})
}

func (q *RedisQuota) readInt(ctx context.Context, key string, def int) (int, error) {
	v, err := q.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return def, nil
	}
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, nil
	}
	return n, nil
}
