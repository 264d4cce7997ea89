package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/Sternrassler/batchfetch/pkg/collector"
	"github.com/Sternrassler/batchfetch/pkg/fetch"
	"github.com/Sternrassler/batchfetch/pkg/ledger"
	"github.com/Sternrassler/batchfetch/pkg/limiter"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrAbandoned is returned by Task.Run when the batch was cancelled before
	// the task obtained a limiter slot.
	ErrAbandoned = errors.New("task abandoned before start")

	// ErrDiscarded is returned by Task.Run when the task finished after its
	// batch had already been closed.
	ErrDiscarded = errors.New("task result discarded")

	// ErrFetchPanic wraps a panic raised by a Fetcher.
	ErrFetchPanic = errors.New("fetcher panicked")
)

// Task fetches one work item: it holds a limiter slot for the duration of
// the fetch only, then records timing and outcome.
type Task struct {
	Item WorkItem

	fetcher   Fetcher
	limiter   limiter.Limiter
	ledger    *ledger.Ledger
	collector *collector.Collector
	commit    func(func()) bool
	logger    zerolog.Logger
}

// NewTask creates a standalone task writing into l and c.
func NewTask(item WorkItem, fetcher Fetcher, lim limiter.Limiter, l *ledger.Ledger, c *collector.Collector, logger zerolog.Logger) *Task {
	return &Task{
		Item:      item,
		fetcher:   fetcher,
		limiter:   lim,
		ledger:    l,
		collector: c,
		commit: func(fn func()) bool {
			fn()
			return true
		},
		logger: logger,
	}
}

// Run acquires a slot, times the fetch and commits the result. It returns the
// fetch error for a failed fetch, ErrAbandoned if the task never started, and
// ErrDiscarded if the result arrived too late to be committed.
func (t *Task) Run(ctx context.Context) error {
	id := t.Item.Identifier

	if err := t.limiter.Acquire(ctx); err != nil {
		if ctx.Err() != nil {
			tasksTotal.WithLabelValues("abandoned").Inc()
			t.logger.Debug().Str("identifier", id).Msg("Task abandoned while waiting for a slot")
			return fmt.Errorf("%w: %v", ErrAbandoned, err)
		}

		// The limiter itself failed. Nothing ran, so the timing entry is a
		// zero-length mark at the failure instant.
		t.logger.Warn().Err(err).Str("identifier", id).Msg("Limiter failed")
		now := time.Now()
		failed := t.commit(func() {
			t.record(id, now, now)
			t.fail(id, err)
		})
		if !failed {
			tasksTotal.WithLabelValues("discarded").Inc()
			return ErrDiscarded
		}
		tasksTotal.WithLabelValues("failure").Inc()
		return err
	}

	start, stop, size, fetchErr := t.call(ctx)

	// A result produced after cancellation belongs to an abandoned task.
	committed := ctx.Err() == nil && t.commit(func() {
		t.record(id, start, stop)
		if fetchErr != nil {
			t.fail(id, fetchErr)
			return
		}
		if err := t.collector.Add(collector.Outcome{Identifier: id, Size: size}); err != nil {
			t.logger.Warn().Err(err).Str("identifier", id).Msg("Outcome rejected")
		}
	})

	if !committed {
		tasksTotal.WithLabelValues("discarded").Inc()
		t.logger.Debug().
			Str("identifier", id).
			Dur("duration", stop.Sub(start)).
			Msg("Discarding result of abandoned task")
		return ErrDiscarded
	}

	if fetchErr != nil {
		tasksTotal.WithLabelValues("failure").Inc()
		t.logger.Warn().
			Err(fetchErr).
			Str("identifier", id).
			Str("error_class", string(fetch.ClassOf(fetchErr))).
			Dur("duration", stop.Sub(start)).
			Msg("Fetch failed")
		return fetchErr
	}

	tasksTotal.WithLabelValues("success").Inc()
	t.logger.Debug().
		Str("identifier", id).
		Int64("size", size).
		Dur("duration", stop.Sub(start)).
		Msg("Fetch complete")
	return nil
}

func (t *Task) record(id string, start, stop time.Time) {
	if err := t.ledger.Record(id, start, stop); err != nil {
		t.logger.Warn().Err(err).Str("identifier", id).Msg("Timing entry rejected")
	}
}

func (t *Task) fail(id string, cause error) {
	if err := t.collector.Fail(id, cause); err != nil {
		t.logger.Warn().Err(err).Str("identifier", id).Msg("Failure rejected")
	}
}

// call runs the fetcher while holding the slot. The slot is released on every
// path, including a panicking fetcher, after stop has been taken.
func (t *Task) call(ctx context.Context) (start, stop time.Time, size int64, err error) {
	defer t.limiter.Release()
	defer func() {
		if r := recover(); r != nil {
			correlationID := uuid.NewString()
			t.logger.Error().
				Str("correlation_id", correlationID).
				Str("identifier", t.Item.Identifier).
				Str("panic", fmt.Sprintf("%v", r)).
				Str("stack", string(debug.Stack())).
				Msg("Fetcher panic")
			size = 0
			err = fmt.Errorf("%w (correlation_id: %s): %v", ErrFetchPanic, correlationID, r)
		}
		stop = time.Now()
	}()

	start = time.Now()
	size, err = t.fetcher.Fetch(ctx, t.Item.Identifier)
	return start, stop, size, err
}
