// Package concurrency holds the goroutine pools and channel helpers shared by
// the registry fan-out and the per-query loops.
package concurrency

import (
	"context"

	"github.com/sourcegraph/conc/pool"
)

// NewFanOutPool returns a pool that runs every task to completion, even when
// some of them fail. Wait() returns all errors joined.
func NewFanOutPool(ctx context.Context, maxGoroutines int) *pool.ContextPool {
	return pool.New().
		WithContext(ctx).
		WithMaxGoroutines(maxGoroutines)
}

// TrySendThroughChannel attempts to send an object through a channel.
// If the context is canceled, it will not send the object.
func TrySendThroughChannel[T any](ctx context.Context, msg T, channel chan<- T) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case channel <- msg:
		return true
	}
}

// TrySendWithoutBlocking sends msg only if the channel has room right now.
func TrySendWithoutBlocking[T any](msg T, channel chan<- T) bool {
	select {
	case channel <- msg:
		return true
	default:
		return false
	}
}
