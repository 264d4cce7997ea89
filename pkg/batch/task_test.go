package batch

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Sternrassler/batchfetch/pkg/collector"
	"github.com/Sternrassler/batchfetch/pkg/ledger"
	"github.com/Sternrassler/batchfetch/pkg/limiter"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

// failingLimiter refuses every acquire without waiting.
type failingLimiter struct{ err error }

func (l failingLimiter) Acquire(ctx context.Context) error { return l.err }
func (l failingLimiter) Release()                          {}

func TestTask_Run(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name         string
		fetcher      FetcherFunc
		wantErr      error
		wantEntries  int
		wantOutcomes int
		wantFailures int
		wantResult   string
	}{
		{
			name:         "success",
			fetcher:      func(ctx context.Context, id string) (int64, error) { return 7, nil },
			wantEntries:  1,
			wantOutcomes: 1,
			wantResult:   "success",
		},
		{
			name:         "fetch failure keeps timing",
			fetcher:      func(ctx context.Context, id string) (int64, error) { return 0, boom },
			wantErr:      boom,
			wantEntries:  1,
			wantFailures: 1,
			wantResult:   "failure",
		},
		{
			name:         "panic becomes failure",
			fetcher:      func(ctx context.Context, id string) (int64, error) { panic("nil map") },
			wantErr:      ErrFetchPanic,
			wantEntries:  1,
			wantFailures: 1,
			wantResult:   "failure",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sem := limiter.NewSemaphore("test-task", 1, quietLogger())
			l := ledger.New()
			c := collector.New()
			counter := tasksTotal.WithLabelValues(tt.wantResult)
			before := testutil.ToFloat64(counter)

			task := NewTask(WorkItem{Identifier: "item"}, tt.fetcher, sem, l, c, quietLogger())
			err := task.Run(context.Background())

			if tt.wantErr == nil && err != nil {
				t.Errorf("Run() error = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Run() error = %v, want %v", err, tt.wantErr)
			}
			if l.Len() != tt.wantEntries {
				t.Errorf("ledger Len() = %d, want %d", l.Len(), tt.wantEntries)
			}
			if n := len(c.Outcomes()); n != tt.wantOutcomes {
				t.Errorf("outcomes = %d, want %d", n, tt.wantOutcomes)
			}
			if n := len(c.Failures()); n != tt.wantFailures {
				t.Errorf("failures = %d, want %d", n, tt.wantFailures)
			}
			if sem.InUse() != 0 {
				t.Errorf("InUse() = %d after Run, want 0", sem.InUse())
			}
			if got := testutil.ToFloat64(counter) - before; got != 1 {
				t.Errorf("tasks_total{result=%q} delta = %v, want 1", tt.wantResult, got)
			}

			for _, e := range l.Entries() {
				if e.Label != "item" {
					t.Errorf("entry label = %q, want %q", e.Label, "item")
				}
				if e.Stop.Before(e.Start) {
					t.Errorf("entry stops before it starts: %+v", e)
				}
			}
		})
	}
}

func TestTask_AbandonedWhileWaiting(t *testing.T) {
	sem := limiter.NewSemaphore("test-task-abandon", 1, quietLogger())
	sem.Acquire(context.Background())
	defer sem.Release()

	l := ledger.New()
	c := collector.New()
	called := false
	fetcher := FetcherFunc(func(ctx context.Context, id string) (int64, error) {
		called = true
		return 1, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := NewTask(WorkItem{Identifier: "waiting"}, fetcher, sem, l, c, quietLogger()).Run(ctx)
	if !errors.Is(err, ErrAbandoned) {
		t.Errorf("Run() error = %v, want ErrAbandoned", err)
	}
	if called {
		t.Error("fetcher called for an abandoned task")
	}
	if l.Len() != 0 || c.Settled("waiting") != 0 {
		t.Error("abandoned task left a timing entry or result")
	}
}

func TestTask_LimiterFailure(t *testing.T) {
	redisDown := errors.New("redis: connection refused")
	l := ledger.New()
	c := collector.New()
	fetcher := FetcherFunc(func(ctx context.Context, id string) (int64, error) {
		t.Error("fetcher must not run without a slot")
		return 0, nil
	})

	err := NewTask(WorkItem{Identifier: "x"}, fetcher, failingLimiter{err: redisDown}, l, c, quietLogger()).Run(context.Background())
	if !errors.Is(err, redisDown) {
		t.Errorf("Run() error = %v, want %v", err, redisDown)
	}
	if len(c.Failures()) != 1 {
		t.Errorf("failures = %d, want 1", len(c.Failures()))
	}

	// The item still gets exactly one timing entry, of zero length.
	entries := l.Entries()
	if len(entries) != 1 {
		t.Fatalf("ledger Len() = %d, want 1", len(entries))
	}
	if entries[0].Label != "x" || entries[0].Duration() != 0 {
		t.Errorf("entry = %+v, want zero-length entry for x", entries[0])
	}
}

func TestTask_LogsRejectedResults(t *testing.T) {
	sem := limiter.NewSemaphore("test-task-rejected", 1, quietLogger())
	l := ledger.New()
	c := collector.New()
	c.Seal()

	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.WarnLevel)

	tests := []struct {
		name    string
		fetcher FetcherFunc
		message string
	}{
		{"outcome", sleepFetcher(0, 5), "Outcome rejected"},
		{"failure", func(ctx context.Context, id string) (int64, error) { return 0, errors.New("boom") }, "Failure rejected"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			NewTask(WorkItem{Identifier: tt.name}, tt.fetcher, sem, l, c, logger).Run(context.Background())
			if !strings.Contains(buf.String(), tt.message) {
				t.Errorf("log output %q does not contain %q", buf.String(), tt.message)
			}
		})
	}
}

func TestTask_SealedLedgerDiscards(t *testing.T) {
	sem := limiter.NewSemaphore("test-task-sealed", 1, quietLogger())
	l := ledger.New()
	c := collector.New()
	l.Seal()
	c.Seal()

	task := NewTask(WorkItem{Identifier: "late"}, sleepFetcher(0, 5), sem, l, c, quietLogger())
	task.Run(context.Background())

	if l.Len() != 0 || len(c.Outcomes()) != 0 {
		t.Error("sealed ledger or collector accepted a result")
	}
	if sem.InUse() != 0 {
		t.Errorf("InUse() = %d, want 0", sem.InUse())
	}
}
