package limiter

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// Semaphore is an in-process Limiter. Waiters are admitted in FIFO order,
// so nobody starves while slots keep freeing up.
type Semaphore struct {
	name     string
	capacity int64
	sem      *semaphore.Weighted
	logger   zerolog.Logger

	inUse atomic.Int64
	peak  atomic.Int64
}

var _ Limiter = (*Semaphore)(nil)

// NewSemaphore creates a limiter with the given number of slots.
// A capacity below 1 falls back to DefaultCapacity.
func NewSemaphore(name string, capacity int, logger zerolog.Logger) *Semaphore {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Semaphore{
		name:     name,
		capacity: int64(capacity),
		sem:      semaphore.NewWeighted(int64(capacity)),
		logger:   logger,
	}
}

// Acquire blocks until a slot is free or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	start := time.Now()
	if err := s.sem.Acquire(ctx, 1); err != nil {
		s.logger.Debug().
			Str("limiter", s.name).
			Dur("waited", time.Since(start)).
			Msg("Slot wait abandoned")
		return fmt.Errorf("acquire slot: %w", err)
	}
	limiterWaitSeconds.WithLabelValues(s.name).Observe(time.Since(start).Seconds())

	n := s.inUse.Add(1)
	for {
		peak := s.peak.Load()
		if n <= peak || s.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	limiterInUse.WithLabelValues(s.name).Inc()
	return nil
}

// Release returns a slot. Releasing more slots than were acquired panics.
func (s *Semaphore) Release() {
	s.inUse.Add(-1)
	limiterInUse.WithLabelValues(s.name).Dec()
	s.sem.Release(1)
}

// Capacity returns the fixed number of slots.
func (s *Semaphore) Capacity() int {
	return int(s.capacity)
}

// InUse returns the number of slots currently held.
func (s *Semaphore) InUse() int {
	return int(s.inUse.Load())
}

// Peak returns the highest number of slots held at once since creation.
func (s *Semaphore) Peak() int {
	return int(s.peak.Load())
}
