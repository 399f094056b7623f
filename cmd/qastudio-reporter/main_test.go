package main

import (
	"bytes"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	reporter "github.com/qastudio-dev/qastudio-reporter"
	"github.com/qastudio-dev/qastudio-reporter/exitcodes"
	"github.com/qastudio-dev/qastudio-reporter/qastudiotest"
)

const apiKey = "cmd-secret"

const passingOutput = `{"Action":"run","Package":"example.com/m/pkg","Test":"TestLogin"}
{"Action":"output","Package":"example.com/m/pkg","Test":"TestLogin","Output":"    login_test.go:9: QAStudio ID: QA-10\n"}
{"Action":"pass","Package":"example.com/m/pkg","Test":"TestLogin","Elapsed":0.1}
{"Action":"run","Package":"example.com/m/pkg","Test":"TestLogout"}
{"Action":"pass","Package":"example.com/m/pkg","Test":"TestLogout","Elapsed":0.2}
{"Action":"pass","Package":"example.com/m/pkg","Elapsed":0.3}
`

const failingOutput = `{"Action":"run","Package":"example.com/m/pkg","Test":"TestLogin"}
{"Action":"output","Package":"example.com/m/pkg","Test":"TestLogin","Output":"    login_test.go:12: wrong password accepted\n"}
{"Action":"fail","Package":"example.com/m/pkg","Test":"TestLogin","Elapsed":0.1}
{"Action":"fail","Package":"example.com/m/pkg","Elapsed":0.1}
`

type runResult struct {
	err    error
	stdout string
	stderr string
}

func runApp(t *testing.T, input string, args ...string) runResult {
	t.Helper()
	var stdout, stderr bytes.Buffer
	app := newApp()
	app.Reader = strings.NewReader(input)
	app.Writer = &stdout
	app.ErrWriter = &stderr
	app.ExitErrHandler = func(*cli.Context, error) {}

	err := app.Run(append([]string{"qastudio-reporter", "--workdir", t.TempDir()}, args...))
	return runResult{err: err, stdout: stdout.String(), stderr: stderr.String()}
}

func serverArgs(srv *qastudiotest.Server, extra ...string) []string {
	return append([]string{
		"--qastudio-api-url", srv.URL(),
		"--qastudio-api-key", apiKey,
		"--qastudio-project-id", "proj",
		"--qastudio-max-retries", "0",
	}, extra...)
}

func TestRunReportsPassingTests(t *testing.T) {
	srv := qastudiotest.NewServer(apiKey)
	defer srv.Close()

	res := runApp(t, passingOutput, serverArgs(srv, "--passthrough")...)
	require.NoError(t, res.err)
	assert.Equal(t, exitcodes.Success, exitCode(res.err))

	assert.Len(t, srv.Results("run-1"), 2)
	assert.NotEmpty(t, srv.Summary("run-1"))
	assert.Equal(t, passingOutput, res.stdout)
	assert.Contains(t, strings.ToLower(res.stderr), "completed")
}

func TestRunWithFailingTests(t *testing.T) {
	srv := qastudiotest.NewServer(apiKey)
	defer srv.Close()

	res := runApp(t, failingOutput, serverArgs(srv)...)
	require.Error(t, res.err)
	assert.True(t, reporter.IsTestFailureError(res.err))
	assert.Equal(t, exitcodes.TestFailure, exitCode(res.err))
	assert.Len(t, srv.Results("run-1"), 1)
	assert.Empty(t, res.stdout, "passthrough is off by default")
}

func TestRunWithoutAPIKey(t *testing.T) {
	srv := qastudiotest.NewServer(apiKey)
	defer srv.Close()

	res := runApp(t, passingOutput, "--qastudio-api-url", srv.URL())
	require.NoError(t, res.err)
	assert.Empty(t, srv.Requests(""))
}

func TestRunFromInputFile(t *testing.T) {
	srv := qastudiotest.NewServer(apiKey)
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "results.json")
	require.NoError(t, os.WriteFile(path, []byte(failingOutput), 0o644))

	res := runApp(t, "", serverArgs(srv, "--input", path)...)
	assert.True(t, reporter.IsTestFailureError(res.err))
	assert.Len(t, srv.Results("run-1"), 1)

	res = runApp(t, "", serverArgs(srv, "--input", filepath.Join(t.TempDir(), "missing.json"))...)
	assert.Equal(t, exitcodes.RuntimeErr, exitCode(res.err))
}

func TestRunConfigErrors(t *testing.T) {
	srv := qastudiotest.NewServer(apiKey)
	defer srv.Close()

	res := runApp(t, passingOutput, serverArgs(srv, "--qastudio-batch-size", "0")...)
	require.Error(t, res.err)
	assert.Equal(t, exitcodes.RuntimeErr, exitCode(res.err))
	assert.Contains(t, res.err.Error(), "qastudio_batch_size")
	assert.Empty(t, srv.Requests(""))

	res = runApp(t, passingOutput, serverArgs(srv, "--qastudio-timeout", "later")...)
	assert.Equal(t, exitcodes.RuntimeErr, exitCode(res.err))
}

func TestRunSilentAndStrictFailures(t *testing.T) {
	srv := qastudiotest.NewServer(apiKey)
	defer srv.Close()
	srv.FailAlways(qastudiotest.RouteSubmitResults, http.StatusServiceUnavailable)

	res := runApp(t, passingOutput, serverArgs(srv)...)
	assert.NoError(t, res.err, "silent mode hides backend failures")

	res = runApp(t, passingOutput, serverArgs(srv, "--qastudio-silent=false")...)
	require.Error(t, res.err)
	assert.Equal(t, exitcodes.RuntimeErr, exitCode(res.err))
	assert.True(t, reporter.IsReportingError(res.err))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, exitcodes.Success, exitCode(nil))
	assert.Equal(t, exitcodes.RuntimeErr, exitCode(reporter.NewRuntimeError(errors.New("boom"))))
	assert.Equal(t, exitcodes.TestFailure, exitCode(reporter.NewTestFailureError(2)))
	assert.Equal(t, exitcodes.TestFailure, exitCode(errors.New("other")))
}
