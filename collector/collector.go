// Package collector aggregates test results for a single reporting session.
package collector

import (
	"fmt"
	"sync"
	"time"

	"github.com/qastudio-dev/qastudio-reporter/types"
)

// Counters tracks the outcome counts of a run.
type Counters struct {
	Total   int
	Passed  int
	Failed  int
	Skipped int
}

// RunAggregator collects the results of one session in completion order.
// Every record is appended together with its counter update, so a snapshot
// never observes one without the other.
type RunAggregator struct {
	mu        sync.Mutex
	records   []types.ResultRecord
	counters  Counters
	startedAt time.Time
}

// NewRunAggregator creates an aggregator for a session starting at startedAt.
func NewRunAggregator(startedAt time.Time) *RunAggregator {
	return &RunAggregator{startedAt: startedAt}
}

// Record appends a result and updates the counters.
func (a *RunAggregator) Record(record types.ResultRecord) error {
	if !record.Status.IsValid() {
		return fmt.Errorf("invalid status %q for test %s", record.Status, record.DisplayName())
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.records = append(a.records, record)
	a.counters.Total++
	switch record.Status {
	case types.TestStatusPassed:
		a.counters.Passed++
	case types.TestStatusFailed:
		a.counters.Failed++
	case types.TestStatusSkipped:
		a.counters.Skipped++
	}
	return nil
}

// Snapshot returns a copy of the records collected so far and the matching
// counters. It does not reset any state.
func (a *RunAggregator) Snapshot() ([]types.ResultRecord, Counters) {
	a.mu.Lock()
	defer a.mu.Unlock()

	records := make([]types.ResultRecord, len(a.records))
	copy(records, a.records)
	return records, a.counters
}

// Summary computes the run summary as of finishedAt.
func (a *RunAggregator) Summary(finishedAt time.Time) types.TestRunSummary {
	a.mu.Lock()
	defer a.mu.Unlock()

	if finishedAt.Before(a.startedAt) {
		finishedAt = a.startedAt
	}
	return types.TestRunSummary{
		Total:      a.counters.Total,
		Passed:     a.counters.Passed,
		Failed:     a.counters.Failed,
		Skipped:    a.counters.Skipped,
		StartedAt:  a.startedAt,
		FinishedAt: finishedAt,
	}
}

// StartedAt returns the session start time.
func (a *RunAggregator) StartedAt() time.Time {
	return a.startedAt
}
