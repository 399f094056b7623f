package gotest

import (
	"encoding/json"
	"time"
)

// Go test2json action constants for JSON test output
const (
	ActionStart     = "start"
	ActionRun       = "run"
	ActionPause     = "pause"
	ActionCont      = "cont"
	ActionPass      = "pass"
	ActionFail      = "fail"
	ActionSkip      = "skip"
	ActionBench     = "bench"
	ActionOutput    = "output"
	ActionBuildFail = "build-fail"
)

// TestEvent represents a single event from the go test JSON output
type TestEvent struct {
	Time       time.Time // Time when the event occurred
	Action     string    // The action taken (run, pause, cont, pass, fail, skip, output)
	Package    string    // The package being tested
	ImportPath string    // Set on build events
	Test       string    // The test name
	Elapsed    float64   // Elapsed time in seconds
	Output     string    // Output text
}

func parseTestEvent(line []byte) (TestEvent, error) {
	var event TestEvent
	if err := json.Unmarshal(line, &event); err != nil {
		return event, err
	}
	return event, nil
}

func (e TestEvent) terminal() bool {
	return e.Action == ActionPass || e.Action == ActionFail || e.Action == ActionSkip
}
