package gotest

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qastudio-dev/qastudio-reporter/testlist"
	"github.com/qastudio-dev/qastudio-reporter/types"
)

type fakeRecorder struct {
	outcomes []types.Outcome
	err      error
}

func (f *fakeRecorder) RecordOutcome(outcome types.Outcome) error {
	if f.err != nil {
		return f.err
	}
	f.outcomes = append(f.outcomes, outcome)
	return nil
}

func (f *fakeRecorder) byName(name string) (types.Outcome, bool) {
	for _, o := range f.outcomes {
		if o.Name == name {
			return o, true
		}
	}
	return types.Outcome{}, false
}

func testLogger() log.Logger {
	return log.NewLogger(log.DiscardHandler())
}

func consume(t *testing.T, opts Options, input string) (*fakeRecorder, Stats) {
	t.Helper()
	rec := &fakeRecorder{}
	if opts.Log == nil {
		opts.Log = testLogger()
	}
	stats, err := NewAdapter(rec, opts).Consume(context.Background(), strings.NewReader(input))
	require.NoError(t, err)
	return rec, stats
}

const basicRun = `{"Time":"2026-01-02T10:00:00Z","Action":"start","Package":"example.com/m/pkg"}
{"Time":"2026-01-02T10:00:00Z","Action":"run","Package":"example.com/m/pkg","Test":"TestPass"}
{"Time":"2026-01-02T10:00:00Z","Action":"output","Package":"example.com/m/pkg","Test":"TestPass","Output":"=== RUN   TestPass\n"}
{"Time":"2026-01-02T10:00:00Z","Action":"output","Package":"example.com/m/pkg","Test":"TestPass","Output":"--- PASS: TestPass (0.25s)\n"}
{"Time":"2026-01-02T10:00:00Z","Action":"pass","Package":"example.com/m/pkg","Test":"TestPass","Elapsed":0.25}
{"Time":"2026-01-02T10:00:01Z","Action":"run","Package":"example.com/m/pkg","Test":"TestFail"}
{"Time":"2026-01-02T10:00:01Z","Action":"output","Package":"example.com/m/pkg","Test":"TestFail","Output":"=== RUN   TestFail\n"}
{"Time":"2026-01-02T10:00:01Z","Action":"output","Package":"example.com/m/pkg","Test":"TestFail","Output":"    pkg_test.go:12: expected 1, got 2\n"}
{"Time":"2026-01-02T10:00:01Z","Action":"output","Package":"example.com/m/pkg","Test":"TestFail","Output":"--- FAIL: TestFail (0.10s)\n"}
{"Time":"2026-01-02T10:00:01Z","Action":"fail","Package":"example.com/m/pkg","Test":"TestFail","Elapsed":0.1}
{"Time":"2026-01-02T10:00:02Z","Action":"run","Package":"example.com/m/pkg","Test":"TestSkip"}
{"Time":"2026-01-02T10:00:02Z","Action":"output","Package":"example.com/m/pkg","Test":"TestSkip","Output":"    pkg_test.go:20: not on this platform\n"}
{"Time":"2026-01-02T10:00:02Z","Action":"skip","Package":"example.com/m/pkg","Test":"TestSkip","Elapsed":0}
{"Time":"2026-01-02T10:00:02Z","Action":"output","Package":"example.com/m/pkg","Output":"FAIL\n"}
{"Time":"2026-01-02T10:00:02Z","Action":"fail","Package":"example.com/m/pkg","Elapsed":0.4}
`

func TestConsumeStatuses(t *testing.T) {
	rec, stats := consume(t, Options{}, basicRun)

	require.Len(t, rec.outcomes, 3)
	assert.Equal(t, Stats{Total: 3, Passed: 1, Failed: 1, Skipped: 1}, stats)
	assert.Equal(t, 1, stats.Failures())

	pass, ok := rec.byName("TestPass")
	require.True(t, ok)
	assert.Equal(t, types.TestStatusPassed, pass.Status)
	assert.Equal(t, "example.com/m/pkg.TestPass", pass.FullName)
	assert.Equal(t, 250*time.Millisecond, pass.Duration)
	assert.Empty(t, pass.ErrorText)

	fail, ok := rec.byName("TestFail")
	require.True(t, ok)
	assert.Equal(t, types.TestStatusFailed, fail.Status)
	assert.Equal(t, "    pkg_test.go:12: expected 1, got 2", fail.ErrorText)
	assert.Contains(t, fail.Output, "--- FAIL: TestFail")

	skip, ok := rec.byName("TestSkip")
	require.True(t, ok)
	assert.Equal(t, types.TestStatusSkipped, skip.Status)
	assert.Empty(t, skip.ErrorText)
}

func TestDurationFallsBackToTimestamps(t *testing.T) {
	input := `{"Time":"2026-01-02T10:00:00Z","Action":"run","Package":"p","Test":"TestSlow"}
{"Time":"2026-01-02T10:00:03Z","Action":"pass","Package":"p","Test":"TestSlow"}
`
	rec, _ := consume(t, Options{}, input)
	require.Len(t, rec.outcomes, 1)
	assert.Equal(t, 3*time.Second, rec.outcomes[0].Duration)
}

func TestFailureWithoutOutput(t *testing.T) {
	input := `{"Action":"run","Package":"p","Test":"TestQuiet"}
{"Action":"output","Package":"p","Test":"TestQuiet","Output":"--- FAIL: TestQuiet (0.00s)\n"}
{"Action":"fail","Package":"p","Test":"TestQuiet"}
`
	rec, _ := consume(t, Options{}, input)
	require.Len(t, rec.outcomes, 1)
	assert.Equal(t, "test failed", rec.outcomes[0].ErrorText)
}

const subtestRun = `{"Action":"run","Package":"p","Test":"TestParent"}
{"Action":"run","Package":"p","Test":"TestParent/ok"}
{"Action":"pass","Package":"p","Test":"TestParent/ok","Elapsed":0.01}
{"Action":"run","Package":"p","Test":"TestParent/broken"}
{"Action":"output","Package":"p","Test":"TestParent/broken","Output":"    parent_test.go:30: broken subtest\n"}
{"Action":"output","Package":"p","Test":"TestParent/broken","Output":"    qastudio-attachment: /tmp/shot.png\n"}
{"Action":"fail","Package":"p","Test":"TestParent/broken","Elapsed":0.02}
{"Action":"fail","Package":"p","Test":"TestParent","Elapsed":0.03}
`

func TestSubtestsFoldedIntoParent(t *testing.T) {
	rec, stats := consume(t, Options{}, subtestRun)

	require.Len(t, rec.outcomes, 1)
	assert.Equal(t, 1, stats.Failed)
	parent := rec.outcomes[0]
	assert.Equal(t, "TestParent", parent.Name)
	assert.Equal(t, types.TestStatusFailed, parent.Status)
	assert.Contains(t, parent.ErrorText, "broken subtest")
	assert.Equal(t, []string{"/tmp/shot.png"}, parent.Attachments)
}

func TestSubtestsIncluded(t *testing.T) {
	rec, stats := consume(t, Options{IncludeSubtests: true}, subtestRun)

	require.Len(t, rec.outcomes, 3)
	assert.Equal(t, Stats{Total: 3, Passed: 1, Failed: 2}, stats)

	names := make([]string, 0, len(rec.outcomes))
	for _, o := range rec.outcomes {
		names = append(names, o.Name)
	}
	assert.Equal(t, []string{"TestParent/ok", "TestParent/broken", "TestParent"}, names)

	broken, _ := rec.byName("TestParent/broken")
	assert.Equal(t, "p.TestParent/broken", broken.FullName)
	assert.Equal(t, []string{"/tmp/shot.png"}, broken.Attachments)

	parent, _ := rec.byName("TestParent")
	assert.Empty(t, parent.Attachments, "a reported subtest keeps its attachment")
	assert.Contains(t, parent.Output, "broken subtest")
}

func TestIncompleteTests(t *testing.T) {
	t.Run("at end of input", func(t *testing.T) {
		input := `{"Action":"run","Package":"p","Test":"TestHang"}
{"Action":"output","Package":"p","Test":"TestHang","Output":"=== RUN   TestHang\n"}
`
		rec, stats := consume(t, Options{}, input)
		require.Len(t, rec.outcomes, 1)
		assert.Equal(t, types.TestStatusFailed, rec.outcomes[0].Status)
		assert.Equal(t, "test did not complete", rec.outcomes[0].ErrorText)
		assert.Equal(t, 1, stats.Failed)
	})

	t.Run("at end of package", func(t *testing.T) {
		input := `{"Action":"run","Package":"p","Test":"TestPanic"}
{"Action":"run","Package":"q","Test":"TestOther"}
{"Action":"output","Package":"p","Output":"panic: boom\n"}
{"Action":"fail","Package":"p","Elapsed":0.5}
{"Action":"pass","Package":"q","Test":"TestOther"}
`
		rec, stats := consume(t, Options{}, input)
		require.Len(t, rec.outcomes, 2)
		assert.Equal(t, "TestPanic", rec.outcomes[0].Name)
		assert.Equal(t, "test did not complete", rec.outcomes[0].ErrorText)
		assert.Equal(t, types.TestStatusPassed, rec.outcomes[1].Status)
		assert.Equal(t, Stats{Total: 2, Passed: 1, Failed: 1}, stats)
	})
}

func TestRepeatedRuns(t *testing.T) {
	input := `{"Action":"run","Package":"p","Test":"TestFlaky"}
{"Action":"pass","Package":"p","Test":"TestFlaky"}
{"Action":"run","Package":"p","Test":"TestFlaky"}
{"Action":"fail","Package":"p","Test":"TestFlaky"}
`
	rec, stats := consume(t, Options{}, input)
	require.Len(t, rec.outcomes, 2)
	assert.Equal(t, types.TestStatusPassed, rec.outcomes[0].Status)
	assert.Equal(t, types.TestStatusFailed, rec.outcomes[1].Status)
	assert.Equal(t, 2, stats.Total)
}

func TestBuildFailures(t *testing.T) {
	input := `{"ImportPath":"example.com/broken [example.com/broken.test]","Action":"build-output","Output":"broken.go:3:1: syntax error\n"}
{"ImportPath":"example.com/broken [example.com/broken.test]","Action":"build-fail"}
{"Action":"start","Package":"example.com/broken"}
{"Action":"output","Package":"example.com/broken","Output":"FAIL\texample.com/broken [build failed]\n"}
{"Action":"fail","Package":"example.com/broken","Elapsed":0}
{"Action":"output","Package":"example.com/setup","Output":"FAIL\texample.com/setup [setup failed]\n"}
{"Action":"fail","Package":"example.com/setup","Elapsed":0}
`
	rec, stats := consume(t, Options{}, input)
	assert.Empty(t, rec.outcomes)
	assert.Equal(t, []string{"example.com/broken", "example.com/setup"}, stats.BuildFailures)
	assert.Equal(t, 2, stats.Failures())
	assert.Contains(t, stats.String(), "Build failures: 2")
}

func TestNonJSONLinesAreSkipped(t *testing.T) {
	input := "go: downloading example.com/dep v1.0.0\n" +
		`{"Action":"run","Package":"p","Test":"TestA"}` + "\n" +
		"not json at all\n" +
		`{"Action":"pass","Package":"p","Test":"TestA"}` + "\n"
	rec, stats := consume(t, Options{}, input)
	require.Len(t, rec.outcomes, 1)
	assert.Equal(t, 1, stats.Passed)
}

func TestPassthrough(t *testing.T) {
	var out bytes.Buffer
	_, _ = consume(t, Options{Passthrough: &out}, basicRun)
	assert.Equal(t, basicRun, out.String())
}

func TestOutputIsCapped(t *testing.T) {
	var b strings.Builder
	b.WriteString(`{"Action":"run","Package":"p","Test":"TestNoisy"}` + "\n")
	line := strings.Repeat("x", 1000)
	for i := 0; i < 100; i++ {
		b.WriteString(`{"Action":"output","Package":"p","Test":"TestNoisy","Output":"` + line + `\n"}` + "\n")
	}
	b.WriteString(`{"Action":"pass","Package":"p","Test":"TestNoisy"}` + "\n")

	rec, _ := consume(t, Options{}, b.String())
	require.Len(t, rec.outcomes, 1)
	assert.LessOrEqual(t, len(rec.outcomes[0].Output), maxOutputSize+len("\n[output truncated]\n"))
	assert.True(t, strings.HasSuffix(rec.outcomes[0].Output, "[output truncated]\n"))
}

func TestDocsFromSource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module example.com/m\n\ngo 1.22\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pkg"), 0o755))
	src := `package pkg

import "testing"

// TestLogin signs in with a valid account.
//
//qastudio:id QA-7
//qastudio:priority critical
//qastudio:tags auth
func TestLogin(t *testing.T) {
	t.Run("remember me", func(t *testing.T) {})
}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pkg", "login_test.go"), []byte(src), 0o644))

	input := `{"Action":"run","Package":"example.com/m/pkg","Test":"TestLogin"}
{"Action":"run","Package":"example.com/m/pkg","Test":"TestLogin/remember_me"}
{"Action":"pass","Package":"example.com/m/pkg","Test":"TestLogin/remember_me"}
{"Action":"pass","Package":"example.com/m/pkg","Test":"TestLogin"}
`
	rec, _ := consume(t, Options{
		IncludeSubtests: true,
		Docs:            testlist.NewIndex(dir, testLogger()),
	}, input)
	require.Len(t, rec.outcomes, 2)

	sub, _ := rec.byName("TestLogin/remember_me")
	assert.Empty(t, sub.Marker, "subtests do not inherit the parent marker")

	login, _ := rec.byName("TestLogin")
	assert.Equal(t, "QA-7", login.Marker)
	assert.Equal(t, "TestLogin signs in with a valid account.", login.Doc)
	assert.Equal(t, "critical", login.Priority)
	assert.Equal(t, []string{"auth"}, login.Tags)
}

func TestRecorderErrorStopsConsume(t *testing.T) {
	rec := &fakeRecorder{err: errors.New("recorder closed")}
	a := NewAdapter(rec, Options{Log: testLogger()})
	_, err := a.Consume(context.Background(), strings.NewReader(basicRun))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recorder closed")
}

func TestConsumeCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	a := NewAdapter(&fakeRecorder{}, Options{Log: testLogger()})
	_, err := a.Consume(ctx, strings.NewReader(basicRun))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAttachmentPath(t *testing.T) {
	tests := []struct {
		line string
		want string
	}{
		{line: "qastudio-attachment: /tmp/a.png\n", want: "/tmp/a.png"},
		{line: "    login_test.go:40: qastudio-attachment: /tmp/v.webm\n", want: "/tmp/v.webm"},
		{line: "no attachment here\n", want: ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, attachmentPath(tt.line))
	}
}
