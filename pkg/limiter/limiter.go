// Package limiter bounds the number of tasks that may run at the same time.
//
// Two implementations share the Limiter contract: Semaphore keeps its slots in
// process memory, RedisLimiter keeps a slot counter in Redis so several
// processes hitting the same origin share one capacity.
package limiter

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultCapacity is used when a non-positive capacity is configured.
const DefaultCapacity = 100

// Prometheus metrics for slot admission.
var (
	limiterInUse = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "batchfetch_limiter_in_use",
		Help: "Number of slots currently held, by limiter",
	}, []string{"limiter"})

	limiterWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "batchfetch_limiter_wait_seconds",
		Help:    "Time spent waiting for a slot, by limiter",
		Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30},
	}, []string{"limiter"})
)

// Limiter is an admission gate with a fixed number of slots.
type Limiter interface {
	// Acquire blocks until a slot is granted. The only way it gives up is
	// through ctx, in which case no slot is held.
	Acquire(ctx context.Context) error

	// Release returns a slot obtained from Acquire.
	Release()
}
