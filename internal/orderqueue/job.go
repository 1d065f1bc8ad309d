// Package orderqueue implements a disk-backed, at-least-once job queue for
// order execution, with exponential-backoff retries, bounded retention of
// completed jobs and a dead-letter record for jobs that exhaust their
// attempts.
package orderqueue

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dexroute/swapd/pkg/models"
)

// Job wraps a full order snapshot taken at enqueue time plus the retry
// bookkeeping. The queue owns the job until a worker claims it; ownership
// returns to the queue when the attempt completes or fails.
type Job struct {
	ID          string        `json:"id"`
	Order       models.Order  `json:"order"`
	Attempt     int           `json:"attempt"` // attempts already made
	MaxAttempts int           `json:"max_attempts"`
	BackoffBase time.Duration `json:"backoff_base"`
	LastError   string        `json:"last_error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	ReadyAt     time.Time     `json:"ready_at"`
}

// NewJob snapshots the order into a fresh job. The job name is distinct
// from the order identifier.
func NewJob(order models.Order, maxAttempts int, backoffBase time.Duration) Job {
	now := time.Now().UTC()
	return Job{
		ID:          fmt.Sprintf("job_%s", uuid.New().String()),
		Order:       order,
		MaxAttempts: maxAttempts,
		BackoffBase: backoffBase,
		CreatedAt:   now,
		ReadyAt:     now,
	}
}

// nextBackoff returns the delay before the given attempt number retries:
// base * 2^(attempt-1), capped at maxBackoff.
func nextBackoff(base time.Duration, attempt int, maxBackoff time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		return maxBackoff
	}
	d := base * time.Duration(1<<(attempt-1))
	if maxBackoff > 0 && d > maxBackoff {
		return maxBackoff
	}
	return d
}
