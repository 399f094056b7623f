// Package reporter links Go test results to test cases on QAStudio.dev.
//
// A Reporter follows one test session: StartRun opens (or reuses) a remote
// test run, RecordOutcome collects each finished test and FinishRun submits
// the results in batches and completes the run. With silent mode on, backend
// failures are logged and never returned, so reporting problems cannot fail
// the observed test run.
package reporter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/acarl005/stripansi"
	"github.com/ethereum/go-ethereum/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/qastudio-dev/qastudio-reporter/batch"
	"github.com/qastudio-dev/qastudio-reporter/client"
	"github.com/qastudio-dev/qastudio-reporter/collector"
	"github.com/qastudio-dev/qastudio-reporter/identifier"
	"github.com/qastudio-dev/qastudio-reporter/metrics"
	"github.com/qastudio-dev/qastudio-reporter/types"
)

// APIClient is the subset of the QAStudio API used by the Reporter.
type APIClient interface {
	CreateRun(ctx context.Context, req client.CreateRunRequest) (*client.Run, error)
	SubmitResults(ctx context.Context, runID string, records []types.ResultRecord) (*client.Ack, error)
	UploadAttachment(ctx context.Context, runID, testCaseID string, attachment types.Attachment) (*client.Ack, error)
	CompleteRun(ctx context.Context, runID string, summary types.TestRunSummary) (*client.Ack, error)
}

// State is the lifecycle state of a Reporter.
type State int

const (
	StateIdle State = iota
	StateActive
	StateFinalizing
	StateDone
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateActive:
		return "active"
	case StateFinalizing:
		return "finalizing"
	case StateDone:
		return "done"
	case StateDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// BatchResult is the outcome of submitting one batch.
type BatchResult struct {
	Index    int // 1-based
	Size     int
	Attempts int
	Err      error
}

// RunReport describes what FinishRun sent to the backend. Failures that silent
// mode swallowed are still visible here.
type RunReport struct {
	RunID         string
	Summary       types.TestRunSummary
	Batches       []BatchResult
	SkippedBatch  int // batches never sent after a non-silent failure
	Uploads       int
	FailedUploads int
	Completed     bool
}

// FailedBatches returns the number of batches that could not be submitted.
func (r *RunReport) FailedBatches() int {
	n := 0
	for _, b := range r.Batches {
		if b.Err != nil {
			n++
		}
	}
	return n
}

// Option configures a Reporter.
type Option func(*Reporter)

// WithClient replaces the HTTP API client.
func WithClient(c APIClient) Option {
	return func(r *Reporter) {
		r.client = c
	}
}

// WithClock replaces the wall clock used for run timestamps.
func WithClock(now func() time.Time) Option {
	return func(r *Reporter) {
		r.now = now
	}
}

// WithVersion sets the version reported in the User-Agent header.
func WithVersion(version string) Option {
	return func(r *Reporter) {
		r.version = version
	}
}

// Reporter drives one reporting session.
type Reporter struct {
	cfg     *Config
	client  APIClient
	log     log.Logger
	tracer  trace.Tracer
	now     func() time.Time
	version string

	mu       sync.Mutex
	state    State
	starting bool // a run is being created
	runID    string
	agg      *collector.RunAggregator
}

// New creates a Reporter. Without an API key the Reporter is disabled and
// every operation is a no-op.
func New(cfg *Config, opts ...Option) *Reporter {
	logger := cfg.Log
	if logger == nil {
		logger = log.New()
	}
	r := &Reporter{
		cfg:     cfg,
		log:     logger.New("component", "qastudio"),
		tracer:  otel.Tracer("qastudio reporter"),
		now:     time.Now,
		version: "dev",
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(r)
	}
	if !cfg.Enabled() {
		r.state = StateDisabled
		r.log.Info("QAStudio reporting disabled, no API key configured")
	}
	return r
}

// State returns the current lifecycle state.
func (r *Reporter) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// RunID returns the remote test run, empty when none is known.
func (r *Reporter) RunID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runID
}

// StartRun validates the configuration and opens the remote test run.
// Configuration errors are returned even in silent mode. The lock is not held
// while the run is being created, so State and RunID stay responsive during
// retries; the Reporter remains Idle until creation finishes.
func (r *Reporter) StartRun(ctx context.Context) error {
	r.mu.Lock()
	switch r.state {
	case StateDisabled:
		r.mu.Unlock()
		return nil
	case StateIdle:
		if r.starting {
			r.mu.Unlock()
			return ErrAlreadyStarted
		}
	case StateActive:
		r.mu.Unlock()
		return ErrAlreadyStarted
	default:
		r.mu.Unlock()
		return ErrRunFinished
	}

	if err := r.cfg.Validate(); err != nil {
		r.mu.Unlock()
		metrics.RecordErrorDetails("config", err)
		return err
	}
	if r.client == nil {
		c, err := client.New(client.Config{
			BaseURL:    r.cfg.APIURL,
			APIKey:     r.cfg.APIKey,
			Timeout:    r.cfg.Timeout,
			MaxRetries: r.cfg.MaxRetries,
			UserAgent:  "qastudio-go-reporter/" + r.version,
			Log:        r.log,
		})
		if err != nil {
			r.mu.Unlock()
			return err
		}
		r.client = c
	}
	r.starting = true
	api := r.client
	r.mu.Unlock()

	ctx, span := r.tracer.Start(ctx, "start_run")
	defer span.End()

	startedAt := r.now()
	runID, err := r.openRun(ctx, api, startedAt)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.starting = false
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	r.runID = runID
	r.agg = collector.NewRunAggregator(startedAt)
	r.state = StateActive
	span.SetAttributes(attribute.String("qastudio.run_id", runID))
	return nil
}

// openRun returns the run to report to. It is empty when no run could be
// created in silent mode or when run creation is disabled.
func (r *Reporter) openRun(ctx context.Context, api APIClient, startedAt time.Time) (string, error) {
	switch {
	case r.cfg.TestRunID != "":
		r.log.Debug("Using existing test run", "run", r.cfg.TestRunID)
		return r.cfg.TestRunID, nil
	case r.cfg.CreateTestRun:
		name := r.cfg.TestRunName
		if name == "" {
			name = "Go Test Run - " + startedAt.Format("2006-01-02 15:04:05")
		}
		run, err := api.CreateRun(ctx, client.CreateRunRequest{
			ProjectID:   r.cfg.ProjectID,
			Name:        name,
			Environment: r.cfg.Environment,
			Description: r.cfg.TestRunDescription,
		})
		if err != nil {
			if !r.cfg.Silent {
				return "", &ReportingError{Op: "create test run", Err: err}
			}
			r.log.Error(types.MessagePrefix+" Failed to create test run, results will not be submitted", "err", err)
			return "", nil
		}
		r.log.Info("Created QAStudio test run", "run", run.ID, "name", name)
		return run.ID, nil
	default:
		r.log.Warn("No test run ID configured and run creation is disabled, results will not be submitted")
		return "", nil
	}
}

// RecordOutcome records one finished test. It never touches the network.
func (r *Reporter) RecordOutcome(outcome types.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case StateDisabled:
		return nil
	case StateIdle:
		return ErrNotStarted
	case StateActive:
	default:
		return ErrRunFinished
	}

	record := r.newRecord(outcome)
	if err := r.agg.Record(record); err != nil {
		// not an error of the observed test, never fail it for this
		r.log.Error(types.MessagePrefix+" Dropping test result", "test", outcome.Name, "err", err)
		metrics.RecordErrorDetails("record", err)
		return nil
	}
	metrics.RecordResult(record.Status, record.Linked())
	r.log.Debug("Recorded test result", "test", record.DisplayName(), "status", record.Status, "test_case", record.TestCaseID)
	return nil
}

func (r *Reporter) newRecord(o types.Outcome) types.ResultRecord {
	record := types.ResultRecord{
		TestCaseID:   identifier.Extract(o.Marker, o.Name, o.Doc),
		Name:         o.Name,
		FullName:     o.FullName,
		Status:       o.Status,
		Duration:     max(o.Duration, 0),
		ErrorMessage: stripansi.Strip(o.ErrorText),
		Priority:     o.Priority,
		Tags:         o.Tags,
	}
	if r.cfg.IncludeConsoleOutput {
		record.Output = stripansi.Strip(o.Output)
	}
	for _, path := range o.Attachments {
		record.Attachments = append(record.Attachments, types.NewAttachment(path))
	}
	return record
}

// FinishRun submits the collected results and completes the run. In silent
// mode backend failures are logged and the returned error is nil; otherwise
// the first failed batch aborts the remaining ones and is returned.
func (r *Reporter) FinishRun(ctx context.Context) (*RunReport, error) {
	r.mu.Lock()
	switch r.state {
	case StateDisabled:
		r.mu.Unlock()
		return &RunReport{}, nil
	case StateIdle:
		r.mu.Unlock()
		return nil, ErrNotStarted
	case StateActive:
	default:
		r.mu.Unlock()
		return nil, ErrRunFinished
	}
	r.state = StateFinalizing
	runID := r.runID
	records, _ := r.agg.Snapshot()
	summary := r.agg.Summary(r.now())
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.state = StateDone
		r.mu.Unlock()
	}()

	ctx, span := r.tracer.Start(ctx, "finish_run")
	defer span.End()
	span.SetAttributes(
		attribute.String("qastudio.run_id", runID),
		attribute.Int("qastudio.results", len(records)),
	)

	r.log.Info("Test session finished",
		"total", summary.Total,
		"passed", summary.Passed,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"duration", summary.Duration(),
	)
	metrics.RecordRun(r.cfg.Environment, summary)

	report := &RunReport{RunID: runID, Summary: summary}
	if runID == "" {
		r.log.Warn("No QAStudio test run, skipping result submission", "results", len(records))
		return report, nil
	}

	if err := r.submit(ctx, runID, records, report); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return report, err
	}

	if _, err := r.client.CompleteRun(ctx, runID, summary); err != nil {
		if !r.cfg.Silent {
			span.SetStatus(codes.Error, err.Error())
			return report, &ReportingError{Op: "complete test run", Err: err}
		}
		r.log.Error(types.MessagePrefix+" Failed to complete test run", "run", runID, "err", err)
		return report, nil
	}
	report.Completed = true
	r.log.Info("Completed QAStudio test run", "run", runID, "batches", len(report.Batches), "failed_batches", report.FailedBatches())
	return report, nil
}

// submit sends the batches strictly in order.
func (r *Reporter) submit(ctx context.Context, runID string, records []types.ResultRecord, report *RunReport) error {
	batches, err := batch.Batches(records, r.cfg.BatchSize)
	if err != nil {
		return err
	}
	total := batch.Count(len(records), r.cfg.BatchSize)

	index := 0
	for chunk := range batches {
		index++
		ack, err := r.client.SubmitResults(ctx, runID, chunk)
		result := BatchResult{Index: index, Size: len(chunk), Attempts: attempts(ack, err), Err: err}
		report.Batches = append(report.Batches, result)

		if err != nil {
			metrics.RecordBatch(metrics.BatchFailed)
			if !r.cfg.Silent {
				report.SkippedBatch = total - index
				for range report.SkippedBatch {
					metrics.RecordBatch(metrics.BatchSkipped)
				}
				return &ReportingError{Op: fmt.Sprintf("submit results batch %d of %d", index, total), Err: err}
			}
			r.log.Error(types.MessagePrefix+" Failed to submit results batch", "batch", index, "of", total, "size", len(chunk), "err", err)
			continue
		}

		metrics.RecordBatch(metrics.BatchSubmitted)
		r.log.Debug("Submitted results batch", "batch", index, "of", total, "size", len(chunk), "attempts", result.Attempts)
		r.uploadAttachments(ctx, runID, chunk, report)
	}
	return nil
}

// uploadAttachments uploads the files of linked records. Upload failures are
// never returned.
func (r *Reporter) uploadAttachments(ctx context.Context, runID string, records []types.ResultRecord, report *RunReport) {
	for _, record := range records {
		if !record.Linked() {
			continue
		}
		for _, attachment := range record.Attachments {
			if !r.shouldUpload(attachment.Kind) {
				metrics.RecordAttachment(attachment.Kind, "skipped")
				continue
			}
			if _, err := r.client.UploadAttachment(ctx, runID, record.TestCaseID, attachment); err != nil {
				report.FailedUploads++
				metrics.RecordAttachment(attachment.Kind, "failed")
				r.log.Error(types.MessagePrefix+" Failed to upload attachment", "path", attachment.Path, "test_case", record.TestCaseID, "err", err)
				continue
			}
			report.Uploads++
			metrics.RecordAttachment(attachment.Kind, "uploaded")
		}
	}
}

func (r *Reporter) shouldUpload(kind types.AttachmentKind) bool {
	switch kind {
	case types.AttachmentScreenshot:
		return r.cfg.UploadScreenshots
	case types.AttachmentVideo:
		return r.cfg.UploadVideos
	default:
		return true
	}
}

func attempts(ack *client.Ack, err error) int {
	if ack != nil {
		return ack.Attempts
	}
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Attempts
	}
	return 0
}
