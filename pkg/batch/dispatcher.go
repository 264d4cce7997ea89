package batch

import (
	"context"
	"time"

	"github.com/Sternrassler/batchfetch/pkg/limiter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for batch runs.
var (
	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchfetch_batches_total",
		Help: "Total finished batches by terminal state",
	}, []string{"state"})

	tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchfetch_tasks_total",
		Help: "Total tasks by result (success, failure, abandoned, discarded)",
	}, []string{"result"})

	batchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "batchfetch_batch_duration_seconds",
		Help:    "Wall-clock duration of a batch run in seconds",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 180, 600},
	})
)

// Config holds batch configuration.
type Config struct {
	// Capacity is the maximum number of tasks fetching at the same time.
	Capacity int

	// Deadline bounds the whole batch, measured from the start of Run.
	Deadline time.Duration
}

// DefaultConfig returns the default batch configuration.
func DefaultConfig() Config {
	return Config{
		Capacity: limiter.DefaultCapacity,
		Deadline: 180 * time.Second,
	}
}

// WorkItem is one fetchable target.
type WorkItem struct {
	Identifier string `json:"identifier"`
}

// Items wraps identifiers into work items, preserving order.
func Items(identifiers ...string) []WorkItem {
	items := make([]WorkItem, len(identifiers))
	for i, id := range identifiers {
		items[i] = WorkItem{Identifier: id}
	}
	return items
}

// Fetcher retrieves one resource and returns its size.
type Fetcher interface {
	Fetch(ctx context.Context, identifier string) (int64, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, identifier string) (int64, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, identifier string) (int64, error) {
	return f(ctx, identifier)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLimiter shares lim across every batch of the dispatcher instead of
// creating a fresh Semaphore of Config.Capacity slots per batch.
func WithLimiter(lim limiter.Limiter) Option {
	return func(d *Dispatcher) {
		d.limiter = lim
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// Dispatcher creates and runs batches.
type Dispatcher struct {
	fetcher Fetcher
	config  Config
	limiter limiter.Limiter
	logger  zerolog.Logger
}

// NewDispatcher creates a new dispatcher. Non-positive config values fall back
// to DefaultConfig.
func NewDispatcher(fetcher Fetcher, config Config, opts ...Option) *Dispatcher {
	defaults := DefaultConfig()
	if config.Capacity < 1 {
		config.Capacity = defaults.Capacity
	}
	if config.Deadline <= 0 {
		config.Deadline = defaults.Deadline
	}

	d := &Dispatcher{
		fetcher: fetcher,
		config:  config,
		logger:  log.With().Str("component", "batch").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Config returns the effective configuration.
func (d *Dispatcher) Config() Config {
	return d.config
}

// NewBatch prepares an idle batch over items.
func (d *Dispatcher) NewBatch(items []WorkItem) *Batch {
	lim := d.limiter
	if lim == nil {
		lim = limiter.NewSemaphore("batch", d.config.Capacity, d.logger)
	}
	return newBatch(items, d.fetcher, lim, d.config, d.logger)
}

// Run executes one batch over items and returns its report. It returns no
// later than the configured deadline, even if some fetches never finish.
func (d *Dispatcher) Run(ctx context.Context, items []WorkItem) *Report {
	return d.NewBatch(items).Run(ctx)
}
