package search

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Limiter bounds concurrent search calls. Excess callers wait in FIFO order;
// a caller only leaves the queue early when its own context ends.
type Limiter struct {
	sem      *semaphore.Weighted
	max      int
	inFlight atomic.Int64
	waiting  atomic.Int64
}

// NewLimiter allows at most max concurrent calls (minimum 1).
func NewLimiter(max int) *Limiter {
	if max < 1 {
		max = 1
	}
	return &Limiter{sem: semaphore.NewWeighted(int64(max)), max: max}
}

// Do runs fn once a slot is free.
func (l *Limiter) Do(ctx context.Context, fn func(context.Context) error) error {
	l.waiting.Add(1)
	err := l.sem.Acquire(ctx, 1)
	l.waiting.Add(-1)
	if err != nil {
		return err
	}
	l.inFlight.Add(1)
	defer func() {
		l.inFlight.Add(-1)
		l.sem.Release(1)
	}()
	return fn(ctx)
}

func (l *Limiter) Max() int        { return l.max }
func (l *Limiter) InFlight() int64 { return l.inFlight.Load() }
func (l *Limiter) Waiting() int64  { return l.waiting.Load() }
