// Package collector gathers per-item outcomes of a batch run.
package collector

import (
	"encoding/json"
	"errors"
	"sync"
)

// ErrSealed is returned by Add and Fail once the collector has been sealed.
var ErrSealed = errors.New("collector is sealed")

// Outcome is the result of one successful fetch.
type Outcome struct {
	Identifier string `json:"identifier"`
	Size       int64  `json:"size"`
}

// Failure is a fetch that ran but did not produce an Outcome.
type Failure struct {
	Identifier string `json:"identifier"`
	Err        error  `json:"-"`
}

// MarshalJSON renders Err as its message.
func (f Failure) MarshalJSON() ([]byte, error) {
	msg := ""
	if f.Err != nil {
		msg = f.Err.Error()
	}
	return json.Marshal(struct {
		Identifier string `json:"identifier"`
		Error      string `json:"error"`
	}{f.Identifier, msg})
}

// Collector is a concurrency-safe sink for outcomes and failures.
type Collector struct {
	// All further fields are protected by mu
	mu       sync.Mutex
	outcomes []Outcome
	failures []Failure
	settled  map[string]int
	sealed   bool
}

// New creates an empty collector.
func New() *Collector {
	return &Collector{settled: make(map[string]int)}
}

// Add stores a successful outcome.
func (c *Collector) Add(o Outcome) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sealed {
		return ErrSealed
	}
	c.outcomes = append(c.outcomes, o)
	c.settled[o.Identifier]++
	return nil
}

// Fail stores a failed attempt for identifier.
func (c *Collector) Fail(identifier string, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sealed {
		return ErrSealed
	}
	c.failures = append(c.failures, Failure{Identifier: identifier, Err: err})
	c.settled[identifier]++
	return nil
}

// Seal rejects every later Add or Fail.
func (c *Collector) Seal() {
	c.mu.Lock()
	c.sealed = true
	c.mu.Unlock()
}

// Outcomes returns a copy of the stored outcomes in arrival order.
func (c *Collector) Outcomes() []Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Outcome(nil), c.outcomes...)
}

// Failures returns a copy of the stored failures in arrival order.
func (c *Collector) Failures() []Failure {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Failure(nil), c.failures...)
}

// Settled returns how many outcomes and failures were stored for identifier.
func (c *Collector) Settled(identifier string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settled[identifier]
}
