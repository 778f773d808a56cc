// Package collab adapts the external collaborators (quota, billing, notification) the
// scheduling engine talks to. Every call is bounded by a timeout and retried a few times
// with backoff here, at the boundary, so the scheduling logic never retries on its own.
package collab

import (
	"context"
	"fmt"
	"time"

	"device-allocator/models"

	"github.com/rs/zerolog/log"
	"k8s.io/apimachinery/pkg/util/wait"
)

const (
	DefaultTimeout  = 5 * time.Second
	DefaultAttempts = 3
)

// CallPolicy bounds one logical collaborator call.
type CallPolicy struct {
	Timeout  time.Duration
	Attempts int
	Backoff  time.Duration
}

func DefaultPolicy() CallPolicy {
	return CallPolicy{Timeout: DefaultTimeout, Attempts: DefaultAttempts, Backoff: 100 * time.Millisecond}
}

func (p CallPolicy) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	var lastErr error
	try := 0
	backoff := wait.Backoff{Duration: p.Backoff, Factor: 2, Jitter: 0.1, Steps: attempts}
	err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
		try++
		cctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if lastErr = fn(cctx); lastErr != nil {
			log.Debug().Err(lastErr).Str("op", op).Int("attempt", try).Msg("collab: call failed")
			return false, nil
		}
		return true, nil
	})
	if err == nil {
		return nil
	}
	if lastErr == nil {
		lastErr = err
	}
	return fmt.Errorf("%s after %d attempt(s): %w: %v", op, try, models.ErrCollaborator, lastErr)
}
