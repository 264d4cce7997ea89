// Package ledger records per-task start/stop timestamps for a batch run and
// produces the timeline summary used by the report renderers.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// TotalLabel is the label of the synthetic entry appended by Summary.
const TotalLabel = "total"

var (
	// ErrEmptyLedger is returned when a summary is requested before anything was recorded.
	ErrEmptyLedger = errors.New("ledger is empty")

	// ErrSealed is returned by Record once the ledger has been sealed.
	ErrSealed = errors.New("ledger is sealed")

	// ErrInvalidEntry is returned when stop is before start.
	ErrInvalidEntry = errors.New("invalid timing entry")
)

// Entry is one recorded (label, start, stop) triple.
type Entry struct {
	Label string    `json:"label"`
	Start time.Time `json:"start"`
	Stop  time.Time `json:"stop"`
}

// Duration returns Stop - Start.
func (e Entry) Duration() time.Duration {
	return e.Stop.Sub(e.Start)
}

// Ledger is an append-only, concurrency-safe timing log.
// The zero value is ready to use.
type Ledger struct {
	// All further fields are protected by mu
	mu      sync.Mutex
	entries []Entry
	sealed  bool
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{}
}

// Record appends one entry.
func (l *Ledger) Record(label string, start, stop time.Time) error {
	if stop.Before(start) {
		return fmt.Errorf("%w: %q stops %v before it starts", ErrInvalidEntry, label, start.Sub(stop))
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sealed {
		return ErrSealed
	}
	l.entries = append(l.entries, Entry{Label: label, Start: start, Stop: stop})
	return nil
}

// Seal rejects every later Record call. Sealing twice is a no-op.
func (l *Ledger) Seal() {
	l.mu.Lock()
	l.sealed = true
	l.mu.Unlock()
}

// Sealed reports whether Seal has been called.
func (l *Ledger) Sealed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sealed
}

// Len returns the number of recorded entries.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Entries returns a copy of the entries in record order.
func (l *Ledger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Summary returns the entries ordered by start time, followed by a synthetic
// TotalLabel entry spanning the earliest and latest recorded timestamps.
func (l *Ledger) Summary() ([]Entry, error) {
	entries := l.Entries()
	if len(entries) == 0 {
		return nil, ErrEmptyLedger
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Start.Before(entries[j].Start)
	})

	lo, hi := bounds(entries)
	return append(entries, Entry{Label: TotalLabel, Start: lo, Stop: hi}), nil
}

// Span returns the distance between the earliest and the latest timestamp
// across every recorded start and stop value.
func (l *Ledger) Span() (time.Duration, error) {
	entries := l.Entries()
	if len(entries) == 0 {
		return 0, ErrEmptyLedger
	}
	lo, hi := bounds(entries)
	return hi.Sub(lo), nil
}

// Min returns the earliest recorded timestamp.
func (l *Ledger) Min() (time.Time, error) {
	entries := l.Entries()
	if len(entries) == 0 {
		return time.Time{}, ErrEmptyLedger
	}
	lo, _ := bounds(entries)
	return lo, nil
}

// Max returns the latest recorded timestamp.
func (l *Ledger) Max() (time.Time, error) {
	entries := l.Entries()
	if len(entries) == 0 {
		return time.Time{}, ErrEmptyLedger
	}
	_, hi := bounds(entries)
	return hi, nil
}

// bounds scans start and stop of every entry. entries must be non-empty.
func bounds(entries []Entry) (lo, hi time.Time) {
	lo, hi = entries[0].Start, entries[0].Stop
	for _, e := range entries {
		for _, ts := range [2]time.Time{e.Start, e.Stop} {
			if ts.Before(lo) {
				lo = ts
			}
			if ts.After(hi) {
				hi = ts
			}
		}
	}
	return lo, hi
}
