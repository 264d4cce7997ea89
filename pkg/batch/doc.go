// Package batch fetches a fixed set of resources concurrently under a capacity
// limit and a single deadline that covers the whole batch.
//
// Every item gets its own goroutine. A goroutine first waits for a limiter slot,
// then times the fetch, releases the slot and commits the timing entry plus the
// outcome (or failure) to the batch. When the deadline fires the dispatcher stops
// waiting, cancels the batch context and closes the batch to further commits, so
// a task that is still in flight cannot change a report that was already returned.
//
// Example usage:
//
//	fetcher, _ := fetch.New(fetch.DefaultConfig("batchfetch/1.0"))
//	d := batch.NewDispatcher(fetcher, batch.Config{Capacity: 100, Deadline: 3 * time.Minute})
//	report := d.Run(ctx, batch.Items(urls...))
//	if err := report.Err(); err != nil {
//		// timed out; report.Incomplete lists the abandoned items
//	}
//
// State machine of a Batch:
//
//	Idle -> Running -> Completed
//	                -> TimedOut
//
// Both terminal states produce a Report.
package batch
