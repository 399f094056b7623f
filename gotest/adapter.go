// Package gotest feeds the output of `go test -json` into the reporter.
//
// Every finished top level test becomes one outcome. Subtests are folded
// into their parent unless IncludeSubtests is set. Tests that print a line
//
//	qastudio-attachment: /abs/path/to/file.png
//
// attach that file to their result.
package gotest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"

	"github.com/qastudio-dev/qastudio-reporter/testlist"
	"github.com/qastudio-dev/qastudio-reporter/types"
)

const (
	// AttachmentMarker introduces an attachment path in test output.
	AttachmentMarker = "qastudio-attachment:"

	incompleteMessage = "test did not complete"
	maxLineSize       = 4 << 20
	maxOutputSize     = 64 << 10
)

// Recorder receives finished tests.
type Recorder interface {
	RecordOutcome(outcome types.Outcome) error
}

// Options configures an Adapter.
type Options struct {
	IncludeSubtests bool
	Passthrough     io.Writer       // receives every raw input line when set
	Docs            *testlist.Index // source doc comments and directives
	Log             log.Logger
}

// Stats counts the tests the adapter reported.
type Stats struct {
	Total         int
	Passed        int
	Failed        int
	Skipped       int
	BuildFailures []string // packages that did not build
}

// Failures returns the number of failed tests plus packages that did not build.
func (s Stats) Failures() int {
	return s.Failed + len(s.BuildFailures)
}

func (s Stats) String() string {
	return fmt.Sprintf("Total: %d, Passed: %d, Failed: %d, Skipped: %d, Build failures: %d",
		s.Total, s.Passed, s.Failed, s.Skipped, len(s.BuildFailures))
}

type testKey struct {
	pkg  string
	name string
}

type testState struct {
	key         testKey
	start       time.Time
	output      strings.Builder
	truncated   bool
	attachments []string
	done        bool
}

func (s *testState) write(line string) {
	if s.output.Len()+len(line) > maxOutputSize {
		s.truncated = true
		return
	}
	s.output.WriteString(line)
}

// Adapter translates test2json events into outcomes.
type Adapter struct {
	rec  Recorder
	opts Options
	log  log.Logger

	running   map[testKey]*testState
	order     []*testState
	pkgOutput map[string]*strings.Builder
	stats     Stats
}

// NewAdapter creates an Adapter reporting to rec.
func NewAdapter(rec Recorder, opts Options) *Adapter {
	logger := opts.Log
	if logger == nil {
		logger = log.New()
	}
	return &Adapter{
		rec:       rec,
		opts:      opts,
		log:       logger.New("component", "gotest"),
		running:   make(map[testKey]*testState),
		pkgOutput: make(map[string]*strings.Builder),
	}
}

// Consume reads events from r until EOF. Tests still running at EOF are
// reported as failed.
func (a *Adapter) Consume(ctx context.Context, r io.Reader) (Stats, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return a.stats, err
		}
		line := scanner.Bytes()
		if a.opts.Passthrough != nil {
			if _, err := fmt.Fprintf(a.opts.Passthrough, "%s\n", line); err != nil {
				return a.stats, fmt.Errorf("failed to write passthrough output: %w", err)
			}
		}

		event, err := parseTestEvent(line)
		if err != nil {
			a.log.Debug("Skipping non JSON line", "line", string(line))
			continue
		}
		if err := a.handle(event); err != nil {
			return a.stats, err
		}
	}
	if err := scanner.Err(); err != nil {
		return a.stats, fmt.Errorf("failed to read test output: %w", err)
	}

	if err := a.finishIncomplete(""); err != nil {
		return a.stats, err
	}
	return a.stats, nil
}

func (a *Adapter) handle(event TestEvent) error {
	if event.Action == ActionBuildFail {
		a.buildFailed(event.ImportPath)
		return nil
	}
	if event.Test == "" {
		return a.handlePackage(event)
	}

	key := testKey{pkg: event.Package, name: event.Test}
	state := a.running[key]
	if state == nil || (state.done && event.Action == ActionRun) {
		state = &testState{key: key, start: event.Time}
		a.running[key] = state
		a.order = append(a.order, state)
	}

	switch {
	case event.Action == ActionOutput:
		a.output(state, event.Output)
	case event.terminal():
		if state.done {
			return nil
		}
		state.done = true
		if !a.reported(event.Test) {
			return nil
		}
		return a.report(state, statusOf(event.Action), a.duration(state, event), "")
	}
	return nil
}

// output adds a line to the test and to all its parents, so folded subtests
// still contribute their failure messages. Attachments move up to the parent
// only when subtests are folded; a reported subtest keeps its own files.
func (a *Adapter) output(state *testState, line string) {
	targets := []*testState{state}
	name := state.key.name
	for {
		i := strings.LastIndex(name, "/")
		if i < 0 {
			break
		}
		name = name[:i]
		if parent := a.running[testKey{pkg: state.key.pkg, name: name}]; parent != nil {
			targets = append(targets, parent)
		}
	}

	path := attachmentPath(line)
	for i, t := range targets {
		t.write(line)
		if path != "" && (i == 0 || !a.opts.IncludeSubtests) {
			t.attachments = append(t.attachments, path)
		}
	}
}

func (a *Adapter) handlePackage(event TestEvent) error {
	switch event.Action {
	case ActionOutput:
		out := a.pkgOutput[event.Package]
		if out == nil {
			out = &strings.Builder{}
			a.pkgOutput[event.Package] = out
		}
		if out.Len() < maxOutputSize {
			out.WriteString(event.Output)
		}
	case ActionFail:
		if out := a.pkgOutput[event.Package]; out != nil && isBuildFailure(out.String()) {
			a.buildFailed(event.Package)
		}
		return a.finishIncomplete(event.Package)
	case ActionPass, ActionSkip:
		return a.finishIncomplete(event.Package)
	}
	return nil
}

func (a *Adapter) buildFailed(pkg string) {
	// build events name the test variant, e.g. "example.com/foo [example.com/foo.test]"
	pkg, _, _ = strings.Cut(pkg, " ")
	for _, p := range a.stats.BuildFailures {
		if p == pkg {
			return
		}
	}
	a.stats.BuildFailures = append(a.stats.BuildFailures, pkg)
	a.log.Error(types.MessagePrefix+" Package failed to build, its tests are not reported", "package", pkg)
}

// finishIncomplete reports the tests of pkg (or of every package when pkg is
// empty) that started but never finished.
func (a *Adapter) finishIncomplete(pkg string) error {
	for _, state := range a.order {
		if state.done || (pkg != "" && state.key.pkg != pkg) {
			continue
		}
		state.done = true
		if !a.reported(state.key.name) {
			continue
		}
		a.log.Warn("Test did not complete", "package", state.key.pkg, "test", state.key.name)
		if err := a.report(state, types.TestStatusFailed, 0, incompleteMessage); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) reported(name string) bool {
	return a.opts.IncludeSubtests || !strings.Contains(name, "/")
}

func (a *Adapter) report(state *testState, status types.TestStatus, duration time.Duration, errText string) error {
	output := state.output.String()
	if state.truncated {
		output += "\n[output truncated]\n"
	}

	outcome := types.Outcome{
		Name:        state.key.name,
		FullName:    state.key.pkg + "." + state.key.name,
		Status:      status,
		Duration:    duration,
		Output:      output,
		Attachments: state.attachments,
	}
	if status == types.TestStatusFailed {
		if errText == "" {
			errText = failureMessage(output)
		}
		outcome.ErrorText = errText
	}
	if !strings.Contains(state.key.name, "/") {
		if doc, ok := a.opts.Docs.Lookup(state.key.pkg, state.key.name); ok {
			outcome.Marker = doc.ID
			outcome.Doc = doc.Doc
			outcome.Priority = doc.Priority
			outcome.Tags = doc.Tags
		}
	}

	a.stats.Total++
	switch status {
	case types.TestStatusPassed:
		a.stats.Passed++
	case types.TestStatusFailed:
		a.stats.Failed++
	case types.TestStatusSkipped:
		a.stats.Skipped++
	}
	return a.rec.RecordOutcome(outcome)
}

func (a *Adapter) duration(state *testState, event TestEvent) time.Duration {
	if event.Elapsed > 0 {
		return time.Duration(event.Elapsed * float64(time.Second))
	}
	if state.start.IsZero() || event.Time.IsZero() || event.Time.Before(state.start) {
		return 0
	}
	return event.Time.Sub(state.start)
}

func statusOf(action string) types.TestStatus {
	switch action {
	case ActionPass:
		return types.TestStatusPassed
	case ActionFail:
		return types.TestStatusFailed
	default:
		return types.TestStatusSkipped
	}
}

// failureMessage keeps the lines a test wrote itself, dropping the framing
// lines of the test runner.
func failureMessage(output string) string {
	var lines []string
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || isFraming(trimmed) {
			continue
		}
		lines = append(lines, strings.TrimRight(line, " \t\r"))
	}
	if len(lines) == 0 {
		return "test failed"
	}
	return strings.Join(lines, "\n")
}

func isFraming(line string) bool {
	for _, prefix := range []string{"=== RUN", "=== PAUSE", "=== CONT", "=== NAME", "--- PASS", "--- FAIL", "--- SKIP"} {
		if strings.HasPrefix(line, prefix) {
			return true
		}
	}
	return false
}

func attachmentPath(line string) string {
	i := strings.Index(line, AttachmentMarker)
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(line[i+len(AttachmentMarker):])
}

func isBuildFailure(output string) bool {
	return strings.Contains(output, "[build failed]") || strings.Contains(output, "[setup failed]")
}
