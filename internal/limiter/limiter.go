// Package limiter serializes jobs that share an owner.
//
// Each owner key has a FIFO queue of tickets ordered by enqueue time. Only
// the first `limit` tickets may run; the rest get ErrBusy and are expected
// to be retried later by the caller. A ticket stays in the queue until it
// is released or its holder goes a full ticket TTL without calling Acquire.
// For a running holder that is the TTL since it was admitted, regardless of
// how long it waited before.
package limiter

import (
	"context"
	"errors"
	"time"
)

// ErrBusy is returned when a holder is not at the head of its owner queue
var ErrBusy = errors.New("owner has an active job")

// Limiter gates work per owner key
type Limiter interface {
	// Acquire registers holder in the queue for key (idempotent) and
	// returns nil when it may run. enqueuedAt orders the queue.
	Acquire(ctx context.Context, key, holder string, enqueuedAt time.Time) error

	// Release removes holder from the queue for key. Releasing an unknown
	// holder is a no-op.
	Release(ctx context.Context, key, holder string) error
}
