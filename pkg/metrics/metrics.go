// Package metrics exposes the Prometheus metrics of batchfetch.
// Metrics are defined with promauto in the packages that update them
// (batch, fetch, limiter); this package serves them over HTTP.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry is the registerer all batchfetch metrics are added to.
var Registry = prometheus.DefaultRegisterer

// Path is where Serve exposes metrics.
const Path = "/metrics"

const shutdownTimeout = 5 * time.Second

// Handler returns the HTTP handler for the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve listens on addr and serves Handler at Path until ctx is cancelled.
// It returns once the listener is bound, with the address actually used,
// which matters when addr asks for port 0.
func Serve(ctx context.Context, addr string, logger zerolog.Logger) (net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind metrics listener %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle(Path, Handler())

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server error")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Metrics server shutdown error")
		}
	}()

	logger.Info().Str("addr", ln.Addr().String()).Str("path", Path).Msg("Serving metrics")
	return ln.Addr(), nil
}

// Metrics Documentation
//
// Batch Metrics (pkg/batch):
//   - batchfetch_batches_total{state} (Counter): Finished batches by final state (completed, timed_out)
//   - batchfetch_tasks_total{result} (Counter): Tasks by result (success, failure, abandoned, discarded)
//   - batchfetch_batch_duration_seconds (Histogram): Wall time from start to report
//
// Fetch Metrics (pkg/fetch):
//   - batchfetch_fetch_requests_total{status} (Counter): Requests by HTTP status
//   - batchfetch_fetch_duration_seconds (Histogram): Request duration including body read
//   - batchfetch_fetch_errors_total{class} (Counter): Errors by class (client, server, network, cancelled)
//
// Limiter Metrics (pkg/limiter):
//   - batchfetch_limiter_in_use{limiter} (Gauge): Slots currently held
//   - batchfetch_limiter_wait_seconds{limiter} (Histogram): Time spent waiting for a slot
//
// Example Prometheus Queries:
//
//   # Timeout ratio
//   sum(rate(batchfetch_batches_total{state="timed_out"}[1h])) /
//   sum(rate(batchfetch_batches_total[1h]))
//
//   # Saturation: P95 slot wait
//   histogram_quantile(0.95, rate(batchfetch_limiter_wait_seconds_bucket[5m]))
//
//   # Server error rate
//   rate(batchfetch_fetch_errors_total{class="server"}[5m])
