package executor

import (
	"context"
	"math/rand"
	"time"

	"yqhp/task-scheduler/pkg/logger"
	"yqhp/task-scheduler/pkg/types"
)

// Backoff computes the delay before retry attempt n (0-based) as
// base * 2^n with up to 25% jitter, capped at max.
func Backoff(base time.Duration, attempt int, max time.Duration) time.Duration {
	d := base << uint(attempt)
	if d > max || d <= 0 {
		d = max
	}
	jitter := time.Duration(rand.Int63n(int64(d)/4 + 1))
	return d + jitter
}

const maxSubmitBackoff = 30 * time.Second

// SubmitWithRetry submits a payload, retrying transient refusals up to
// retries times with exponential backoff. Permanent errors and context
// cancellation return immediately.
func SubmitWithRetry(ctx context.Context, exec Executor, p *Payload, retries int, base time.Duration) (types.AssignmentHandle, error) {
	var lastErr error

	for attempt := 0; attempt <= retries; attempt++ {
		handle, err := exec.Submit(ctx, p)
		if err == nil {
			return handle, nil
		}
		if !IsTransient(err) {
			return "", err
		}
		lastErr = err

		if attempt == retries {
			break
		}
		delay := Backoff(base, attempt, maxSubmitBackoff)
		logger.Debug("submit of %s to %s refused, retrying in %v: %v", p.Key, exec.Name(), delay, err)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "", lastErr
}
