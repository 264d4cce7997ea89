// Package fetch retrieves a single resource over HTTP and reports its size.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for fetch operations.
var (
	fetchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchfetch_fetch_requests_total",
		Help: "Total fetch requests by HTTP status",
	}, []string{"status"})

	fetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "batchfetch_fetch_duration_seconds",
		Help:    "Fetch duration in seconds",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})

	fetchErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchfetch_fetch_errors_total",
		Help: "Total fetch errors by class",
	}, []string{"class"})
)

// Config holds the fetcher configuration.
type Config struct {
	// User-Agent header sent with every request
	UserAgent string

	// Timeout for a single request, including reading the body
	Timeout time.Duration
}

// DefaultConfig returns a default configuration.
func DefaultConfig(userAgent string) Config {
	return Config{
		UserAgent: userAgent,
		Timeout:   30 * time.Second,
	}
}

// HTTPFetcher performs GET requests and measures response body size.
type HTTPFetcher struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// New creates a new HTTP fetcher.
func New(cfg Config) (*HTTPFetcher, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive (got %s)", cfg.Timeout)
	}

	return &HTTPFetcher{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		config: cfg,
		logger: log.With().Str("component", "fetch").Logger(),
	}, nil
}

// Fetch retrieves url and returns the number of body bytes read.
// Non-2xx statuses and transport errors are returned as *Error.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (int64, error) {
	startTime := time.Now()
	defer func() {
		fetchDuration.Observe(time.Since(startTime).Seconds())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.config.UserAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return 0, f.fail(ctx, url, 0, err)
	}
	defer resp.Body.Close()

	if class := classifyStatus(resp.StatusCode); class != "" {
		// Drain so the connection can be reused
		io.Copy(io.Discard, resp.Body)
		fetchRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
		fetchErrorsTotal.WithLabelValues(string(class)).Inc()

		f.logger.Warn().
			Str("url", url).
			Int("status", resp.StatusCode).
			Str("error_class", string(class)).
			Msg("Fetch returned error status")

		return 0, &Error{
			Identifier: url,
			StatusCode: resp.StatusCode,
			Class:      class,
			Err:        errors.New(resp.Status),
		}
	}

	size, err := io.Copy(io.Discard, resp.Body)
	if err != nil {
		return 0, f.fail(ctx, url, resp.StatusCode, err)
	}

	fetchRequestsTotal.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
	f.logger.Debug().
		Str("url", url).
		Int("status", resp.StatusCode).
		Int64("size", size).
		Dur("duration", time.Since(startTime)).
		Msg("Fetch complete")

	return size, nil
}

// fail classifies a transport or body read error.
func (f *HTTPFetcher) fail(ctx context.Context, url string, statusCode int, err error) error {
	class := ErrorClassNetwork
	if ctx.Err() != nil {
		class = ErrorClassCancelled
	}
	fetchErrorsTotal.WithLabelValues(string(class)).Inc()
	fetchRequestsTotal.WithLabelValues(string(class)).Inc()

	f.logger.Debug().
		Err(err).
		Str("url", url).
		Str("error_class", string(class)).
		Msg("Fetch failed")

	return &Error{
		Identifier: url,
		StatusCode: statusCode,
		Class:      class,
		Err:        err,
	}
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (f *HTTPFetcher) SetHTTPClient(client *http.Client) {
	f.httpClient = client
}
