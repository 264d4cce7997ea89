package limiter

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func quietLogger() zerolog.Logger {
	return zerolog.New(os.Stderr).Level(zerolog.Disabled)
}

func TestNewSemaphore_Capacity(t *testing.T) {
	tests := []struct {
		name     string
		capacity int
		expected int
	}{
		{name: "explicit capacity", capacity: 5, expected: 5},
		{name: "one slot", capacity: 1, expected: 1},
		{name: "zero falls back to default", capacity: 0, expected: DefaultCapacity},
		{name: "negative falls back to default", capacity: -3, expected: DefaultCapacity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSemaphore("test-capacity", tt.capacity, quietLogger())
			if s.Capacity() != tt.expected {
				t.Errorf("Capacity() = %d, want %d", s.Capacity(), tt.expected)
			}
		})
	}
}

func TestSemaphore_PeakNeverExceedsCapacity(t *testing.T) {
	for _, capacity := range []int{1, 2, 7, 32} {
		s := NewSemaphore("test-peak", capacity, quietLogger())
		var holders, maxHolders atomic.Int64

		var wg sync.WaitGroup
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := s.Acquire(context.Background()); err != nil {
					t.Errorf("Acquire() error = %v", err)
					return
				}
				n := holders.Add(1)
				for {
					m := maxHolders.Load()
					if n <= m || maxHolders.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				holders.Add(-1)
				s.Release()
			}()
		}
		wg.Wait()

		if got := maxHolders.Load(); got > int64(capacity) {
			t.Errorf("capacity %d: observed %d concurrent holders", capacity, got)
		}
		if s.Peak() > capacity {
			t.Errorf("capacity %d: Peak() = %d", capacity, s.Peak())
		}
		if s.InUse() != 0 {
			t.Errorf("capacity %d: InUse() = %d after all releases, want 0", capacity, s.InUse())
		}
	}
}

func TestSemaphore_AcquireCancelled(t *testing.T) {
	s := NewSemaphore("test-cancel", 1, quietLogger())
	if err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	defer s.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := s.Acquire(ctx)
	elapsed := time.Since(start)

	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Acquire() error = %v, want context.DeadlineExceeded", err)
	}
	if elapsed > time.Second {
		t.Errorf("Acquire() returned after %v, want close to 50ms", elapsed)
	}
	if s.InUse() != 1 {
		t.Errorf("InUse() = %d, want 1", s.InUse())
	}
}

func TestSemaphore_WaiterAdmittedOnRelease(t *testing.T) {
	s := NewSemaphore("test-waiter", 1, quietLogger())
	s.Acquire(context.Background())

	admitted := make(chan struct{})
	go func() {
		if err := s.Acquire(context.Background()); err == nil {
			close(admitted)
		}
	}()

	select {
	case <-admitted:
		t.Fatal("waiter admitted while slot was held")
	case <-time.After(20 * time.Millisecond):
	}

	s.Release()

	select {
	case <-admitted:
	case <-time.After(time.Second):
		t.Fatal("waiter not admitted after release")
	}
	s.Release()
}

func TestSemaphore_InUseGauge(t *testing.T) {
	s := NewSemaphore("test-gauge", 3, quietLogger())
	gauge := limiterInUse.WithLabelValues("test-gauge")

	s.Acquire(context.Background())
	s.Acquire(context.Background())
	if got := testutil.ToFloat64(gauge); got != 2 {
		t.Errorf("in-use gauge = %v, want 2", got)
	}

	s.Release()
	s.Release()
	if got := testutil.ToFloat64(gauge); got != 0 {
		t.Errorf("in-use gauge = %v, want 0", got)
	}
}
