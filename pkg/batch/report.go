package batch

import (
	"errors"
	"fmt"
	"time"

	"github.com/Sternrassler/batchfetch/pkg/collector"
	"github.com/Sternrassler/batchfetch/pkg/ledger"
)

// ErrBatchTimeout is returned by Report.Err when the deadline elapsed before
// every task finished.
var ErrBatchTimeout = errors.New("batch deadline exceeded")

// Report is the read-only result of a finished batch.
type Report struct {
	ID       string        `json:"id"`
	State    State         `json:"state"`
	Capacity int           `json:"capacity"`
	Deadline time.Duration `json:"deadline"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// Total is the number of work items in the batch.
	Total int `json:"total"`

	// Outcomes holds one entry per successful fetch, in completion order.
	Outcomes []collector.Outcome `json:"outcomes"`

	// Failures holds one entry per fetch that ran and failed.
	Failures []collector.Failure `json:"failures"`

	// Incomplete lists items with neither outcome nor failure. Only a timed
	// out batch has any.
	Incomplete []WorkItem `json:"incomplete"`

	// Timings is the ledger summary: entries by start time plus a trailing
	// ledger.TotalLabel entry. Nil when no task ever started.
	Timings []ledger.Entry `json:"timings"`

	// Span is the distance between the earliest start and the latest stop.
	Span time.Duration `json:"span"`
}

// Err returns nil for a completed batch and ErrBatchTimeout otherwise.
// Fetch failures are not batch errors; they are listed in Failures.
func (r *Report) Err() error {
	if r.State != StateTimedOut {
		return nil
	}
	return fmt.Errorf("%w: %d of %d items incomplete", ErrBatchTimeout, len(r.Incomplete), r.Total)
}

// TimedOut reports whether the batch hit its deadline.
func (r *Report) TimedOut() bool {
	return r.State == StateTimedOut
}

func (b *Batch) buildReport(state State, startedAt, finishedAt time.Time) *Report {
	report := &Report{
		ID:         b.id,
		State:      state,
		Capacity:   b.config.Capacity,
		Deadline:   b.config.Deadline,
		StartedAt:  startedAt,
		FinishedAt: finishedAt,
		Total:      len(b.items),
		Outcomes:   b.collector.Outcomes(),
		Failures:   b.collector.Failures(),
	}

	if b.ledger.Len() > 0 {
		// Len > 0 and the ledger is sealed, so neither call can fail.
		report.Timings, _ = b.ledger.Summary()
		report.Span, _ = b.ledger.Span()
	}

	report.Incomplete = incomplete(b.items, report.Outcomes, report.Failures)

	// The deadline can fire after the last commit but before the tasks'
	// goroutines have all returned. Nothing is missing then.
	if state == StateTimedOut && len(report.Incomplete) == 0 {
		report.State = StateCompleted
	}
	return report
}

// incomplete returns the items not accounted for by an outcome or failure.
// Identifiers may repeat, so settled results are matched by count.
func incomplete(items []WorkItem, outcomes []collector.Outcome, failures []collector.Failure) []WorkItem {
	remaining := make(map[string]int, len(outcomes)+len(failures))
	for _, o := range outcomes {
		remaining[o.Identifier]++
	}
	for _, f := range failures {
		remaining[f.Identifier]++
	}

	var missing []WorkItem
	for _, item := range items {
		if remaining[item.Identifier] > 0 {
			remaining[item.Identifier]--
			continue
		}
		missing = append(missing, item)
	}
	return missing
}
