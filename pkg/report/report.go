// Package report renders a finished batch as text or JSON.
//
// The timeline format emits one JavaScript array literal per ledger entry,
// ready to paste into a chart library's timeline data table:
//
//	[ 'http://example.com/0', new Date(2024, 2, 1, 12, 0, 0, 12.5), new Date(2024, 2, 1, 12, 0, 0, 80) ]
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/batchfetch/pkg/batch"
	"github.com/Sternrassler/batchfetch/pkg/ledger"
)

// JSDate formats t as a JavaScript Date constructor call. Months are
// zero-based as in JavaScript; milliseconds keep their fractional part.
func JSDate(t time.Time) string {
	ms := float64(t.Nanosecond()) / float64(time.Millisecond)
	return fmt.Sprintf("new Date(%d, %d, %d, %d, %d, %d, %s)",
		t.Year(), int(t.Month())-1, t.Day(), t.Hour(), t.Minute(), t.Second(),
		strconv.FormatFloat(ms, 'f', -1, 64))
}

// TimelineRow formats one entry as a JavaScript array literal.
func TimelineRow(e ledger.Entry) string {
	label := strings.ReplaceAll(e.Label, `'`, `\'`)
	return fmt.Sprintf("[ '%s', %s, %s ]", label, JSDate(e.Start), JSDate(e.Stop))
}

// Timeline writes entries as comma separated timeline rows on one line.
func Timeline(w io.Writer, entries []ledger.Entry) error {
	rows := make([]string, len(entries))
	for i, e := range entries {
		rows[i] = TimelineRow(e)
	}
	_, err := fmt.Fprintln(w, strings.Join(rows, ", "))
	return err
}

// Summary writes the human readable report: completed jobs with their sizes,
// the total span, failed and abandoned items, and the timeline.
func Summary(w io.Writer, r *batch.Report) error {
	var b strings.Builder

	done := make([]string, len(r.Outcomes))
	for i, o := range r.Outcomes {
		done[i] = fmt.Sprintf("%s (%d bytes)", o.Identifier, o.Size)
	}
	fmt.Fprintf(&b, "%d jobs done [%s]\n", len(r.Outcomes), strings.Join(done, ", "))
	fmt.Fprintf(&b, "total time: %s\n", r.Span)

	if len(r.Failures) > 0 {
		fmt.Fprintf(&b, "%d failed:\n", len(r.Failures))
		for _, f := range r.Failures {
			fmt.Fprintf(&b, "  %s: %v\n", f.Identifier, f.Err)
		}
	}

	if r.TimedOut() {
		fmt.Fprintf(&b, "timed out after %s, %d abandoned:\n", r.Deadline, len(r.Incomplete))
		for _, item := range r.Incomplete {
			fmt.Fprintf(&b, "  %s\n", item.Identifier)
		}
	}

	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	if len(r.Timings) == 0 {
		return nil
	}
	return Timeline(w, r.Timings)
}

// JSON writes the report as indented JSON.
func JSON(w io.Writer, r *batch.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}
