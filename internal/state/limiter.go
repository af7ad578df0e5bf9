package state

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// DBLimiter bounds concurrent database operations run through Do, so a
// burst cannot starve the pool. The daemon does not construct one:
// internal/db issues its queries directly on its pgx pool.
type DBLimiter struct {
	sem *semaphore.Weighted
}

// NewDBLimiter builds a limiter with the given capacity (default:
// 5 connections + 5 overflow, i.e. capacity 10).
func NewDBLimiter(capacity int64) *DBLimiter {
	return &DBLimiter{sem: semaphore.NewWeighted(capacity)}
}

// Do acquires a slot, runs fn, and releases the slot, respecting ctx
// cancellation while waiting for a slot.
func (l *DBLimiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)
	return fn(ctx)
}
