package batch

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/batchfetch/pkg/collector"
	"github.com/Sternrassler/batchfetch/pkg/ledger"
	"github.com/Sternrassler/batchfetch/pkg/limiter"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State is the lifecycle state of a Batch.
type State string

const (
	// StateIdle is a batch that has not been run yet.
	StateIdle State = "idle"

	// StateRunning is a batch whose tasks are in flight.
	StateRunning State = "running"

	// StateCompleted is a batch whose every task finished before the deadline.
	StateCompleted State = "completed"

	// StateTimedOut is a batch that returned at its deadline with tasks still pending.
	StateTimedOut State = "timed_out"
)

// progressEvery is how many settled tasks pass between progress log lines.
const progressEvery = 50

// Batch is one run over a fixed item list. It owns the timing ledger and the
// result collector that its tasks write into.
type Batch struct {
	id        string
	items     []WorkItem
	config    Config
	fetcher   Fetcher
	limiter   limiter.Limiter
	ledger    *ledger.Ledger
	collector *collector.Collector
	logger    zerolog.Logger

	state   atomic.Value // State
	settled atomic.Int64

	// commitMu orders task commits against closing the batch.
	commitMu sync.RWMutex
	closed   bool

	once   sync.Once
	report *Report

	// done is closed once every task goroutine has returned.
	done chan struct{}
}

func newBatch(items []WorkItem, fetcher Fetcher, lim limiter.Limiter, config Config, logger zerolog.Logger) *Batch {
	id := uuid.NewString()
	b := &Batch{
		id:        id,
		items:     append([]WorkItem(nil), items...),
		config:    config,
		fetcher:   fetcher,
		limiter:   lim,
		ledger:    ledger.New(),
		collector: collector.New(),
		logger:    logger.With().Str("batch_id", id).Logger(),
		done:      make(chan struct{}),
	}
	b.state.Store(StateIdle)
	return b
}

// ID returns the batch identifier.
func (b *Batch) ID() string {
	return b.id
}

// State returns the current lifecycle state.
func (b *Batch) State() State {
	return b.state.Load().(State)
}

// Run executes the batch once. Later calls return the same report.
func (b *Batch) Run(ctx context.Context) *Report {
	b.once.Do(func() {
		b.report = b.execute(ctx)
	})
	return b.report
}

func (b *Batch) execute(ctx context.Context) *Report {
	startedAt := time.Now()
	b.state.Store(StateRunning)

	b.logger.Info().
		Int("items", len(b.items)).
		Int("capacity", b.config.Capacity).
		Dur("deadline", b.config.Deadline).
		Msg("Starting batch")

	batchCtx, cancel := context.WithTimeout(ctx, b.config.Deadline)
	defer cancel()

	var wg sync.WaitGroup
	for _, item := range b.items {
		wg.Add(1)
		go func(item WorkItem) {
			defer wg.Done()
			b.newTask(item).Run(batchCtx)
		}(item)
	}

	done := b.done
	go func() {
		wg.Wait()
		close(done)
	}()

	state := StateCompleted
	select {
	case <-done:
	case <-batchCtx.Done():
		// Tasks may have finished at the same instant the deadline fired.
		select {
		case <-done:
		default:
			state = StateTimedOut
		}
	}

	// Abandoned tasks see the cancellation at their next suspension point,
	// and any result they still produce is rejected by close.
	cancel()
	b.close()

	report := b.buildReport(state, startedAt, time.Now())
	state = report.State
	b.state.Store(state)

	batchesTotal.WithLabelValues(string(state)).Inc()
	batchDuration.Observe(report.FinishedAt.Sub(startedAt).Seconds())

	event := b.logger.Info()
	if state == StateTimedOut {
		event = b.logger.Warn()
	}
	event.
		Str("state", string(state)).
		Int("outcomes", len(report.Outcomes)).
		Int("failures", len(report.Failures)).
		Int("incomplete", len(report.Incomplete)).
		Dur("span", report.Span).
		Dur("duration", report.FinishedAt.Sub(startedAt)).
		Msg("Batch finished")

	return report
}

// Wait blocks until every task goroutine of a run batch has returned, which
// is when tasks abandoned at the deadline have released their limiter slots.
// It returns early with ctx's error. A batch that never ran has nothing to
// wait for.
func (b *Batch) Wait(ctx context.Context) error {
	if b.State() == StateIdle {
		return nil
	}
	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for abandoned tasks: %w", ctx.Err())
	}
}

// commit runs fn unless the batch is closed. Reports whether fn ran.
func (b *Batch) commit(fn func()) bool {
	b.commitMu.RLock()
	defer b.commitMu.RUnlock()

	if b.closed {
		return false
	}
	fn()

	if n := b.settled.Add(1); n%progressEvery == 0 {
		b.logger.Info().
			Int64("settled", n).
			Int("total", len(b.items)).
			Float64("progress_pct", float64(n)/float64(len(b.items))*100).
			Msg("Batch progress")
	}
	return true
}

// close rejects every later commit and seals the ledger and collector.
func (b *Batch) close() {
	b.commitMu.Lock()
	b.closed = true
	b.commitMu.Unlock()

	b.ledger.Seal()
	b.collector.Seal()
}

func (b *Batch) newTask(item WorkItem) *Task {
	return &Task{
		Item:      item,
		fetcher:   b.fetcher,
		limiter:   b.limiter,
		ledger:    b.ledger,
		collector: b.collector,
		commit:    b.commit,
		logger:    b.logger,
	}
}
