// Package client implements the QAStudio.dev HTTP API used to report test
// runs. Every operation is synchronous, sends JSON (or multipart for file
// uploads) with a bearer credential, and is retried with exponential backoff
// on transport failures, HTTP 5xx and HTTP 429.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/qastudio-dev/qastudio-reporter/types"
)

const (
	DefaultUserAgent = "qastudio-go-reporter/dev"
	DefaultTimeout   = 30 * time.Second

	EndpointCreateRun        = "create_run"
	EndpointSubmitResults    = "submit_results"
	EndpointUploadAttachment = "upload_attachment"
	EndpointCompleteRun      = "complete_run"
)

// Config configures a Client.
type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration // bound on each individual attempt
	MaxRetries int           // additional attempts after the first one
	UserAgent  string
	HTTPClient *http.Client
	// NewBackOff creates the delay policy for one operation. Defaults to a
	// jitter-free exponential policy (1s, 2s, 4s, ... capped at 30s).
	NewBackOff func() backoff.BackOff
	Log        log.Logger
}

// Client talks to the QAStudio.dev API.
type Client struct {
	baseURL    string
	apiKey     string
	userAgent  string
	timeout    time.Duration
	maxRetries int
	httpClient *http.Client
	newBackOff func() backoff.BackOff
	sleep      func(context.Context, time.Duration)
	log        log.Logger
	tracer     trace.Tracer
}

// New validates cfg and creates a Client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	u, err := url.Parse(base)
	if err != nil || base == "" {
		return nil, types.NewConfigError("api_url", fmt.Sprintf("invalid URL %q", cfg.BaseURL))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, types.NewConfigError("api_url", fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, types.NewConfigError("api_key", "is required")
	}
	if cfg.MaxRetries < 0 {
		return nil, types.NewConfigError("max_retries", "must not be negative")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	newBackOff := cfg.NewBackOff
	if newBackOff == nil {
		newBackOff = defaultBackOff
	}
	logger := cfg.Log
	if logger == nil {
		logger = log.New()
	}

	return &Client{
		baseURL:    base,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		userAgent:  userAgent,
		timeout:    timeout,
		maxRetries: cfg.MaxRetries,
		httpClient: httpClient,
		newBackOff: newBackOff,
		sleep:      sleepContext,
		log:        logger,
		tracer:     otel.Tracer("qastudio client"),
	}, nil
}

// CreateRunRequest is the payload of CreateRun.
type CreateRunRequest struct {
	ProjectID   string `json:"projectId"`
	Name        string `json:"name"`
	Environment string `json:"environment"`
	Description string `json:"description,omitempty"`
}

// Run is a test run created on the remote service.
type Run struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Attempts int    `json:"-"`
}

// Ack acknowledges a successful operation.
type Ack struct {
	StatusCode int
	Attempts   int
	Body       json.RawMessage
}

// CreateRun creates a new test run and returns its identifier.
func (c *Client) CreateRun(ctx context.Context, req CreateRunRequest) (*Run, error) {
	c.log.Debug("Creating test run", "name", req.Name, "environment", req.Environment)

	res, err := c.do(ctx, operation{
		endpoint: EndpointCreateRun,
		method:   http.MethodPost,
		path:     "/test-runs",
		body:     jsonBody(req),
	})
	if err != nil {
		return nil, err
	}

	var run Run
	if err := json.Unmarshal(res.body, &run); err != nil || run.ID == "" {
		return nil, malformed("/test-runs", res, "response does not contain a test run id")
	}
	run.Attempts = res.attempts
	c.log.Debug("Created test run", "id", run.ID)
	return &run, nil
}

// SubmitResults submits one batch of results to a run.
func (c *Client) SubmitResults(ctx context.Context, runID string, records []types.ResultRecord) (*Ack, error) {
	c.log.Debug("Submitting test results", "count", len(records), "run", runID)

	payload := struct {
		TestRunID string               `json:"testRunId"`
		Results   []types.ResultRecord `json:"results"`
	}{runID, records}
	if payload.Results == nil {
		payload.Results = []types.ResultRecord{}
	}

	path := runPath(runID, "results")
	return c.ack(ctx, operation{
		endpoint: EndpointSubmitResults,
		method:   http.MethodPost,
		path:     path,
		body:     jsonBody(payload),
	})
}

// UploadAttachment uploads a file produced by the test linked to testCaseID.
// Every attempt carries the same external id so the server can discard
// duplicates of a retried upload.
func (c *Client) UploadAttachment(ctx context.Context, runID, testCaseID string, attachment types.Attachment) (*Ack, error) {
	externalID := uuid.New().String()
	c.log.Debug("Uploading attachment", "path", attachment.Path, "type", attachment.Kind, "test_case", testCaseID, "external_id", externalID)

	return c.ack(ctx, operation{
		endpoint: EndpointUploadAttachment,
		method:   http.MethodPost,
		path:     runPath(runID, "attachments"),
		body:     multipartBody(testCaseID, externalID, attachment),
	})
}

// CompleteRun marks a run as complete with its final summary.
func (c *Client) CompleteRun(ctx context.Context, runID string, summary types.TestRunSummary) (*Ack, error) {
	c.log.Debug("Completing test run", "run", runID)

	payload := struct {
		TestRunID string               `json:"testRunId"`
		Summary   types.TestRunSummary `json:"summary"`
	}{runID, summary}

	return c.ack(ctx, operation{
		endpoint: EndpointCompleteRun,
		method:   http.MethodPost,
		path:     runPath(runID, "complete"),
		body:     jsonBody(payload),
	})
}

// Close releases idle connections.
func (c *Client) Close() {
	c.httpClient.CloseIdleConnections()
}

func (c *Client) ack(ctx context.Context, op operation) (*Ack, error) {
	res, err := c.do(ctx, op)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(res.body)) > 0 && !json.Valid(res.body) {
		return nil, malformed(op.path, res, "response is not valid JSON")
	}
	return &Ack{StatusCode: res.status, Attempts: res.attempts, Body: res.body}, nil
}

func malformed(path string, res *response, msg string) *APIError {
	return &APIError{
		StatusCode: res.status,
		Endpoint:   path,
		Attempts:   res.attempts,
		Message:    "malformed response: " + msg,
	}
}

func runPath(runID, action string) string {
	return "/test-runs/" + url.PathEscape(runID) + "/" + action
}

func jsonBody(v any) func() (io.Reader, string, error) {
	data, err := json.Marshal(v)
	return func() (io.Reader, string, error) {
		if err != nil {
			return nil, "", fmt.Errorf("failed to encode request: %w", err)
		}
		return bytes.NewReader(data), "application/json", nil
	}
}

// multipartBody streams the attachment file so large videos are never held
// in memory. The file is reopened on every attempt.
func multipartBody(testCaseID, externalID string, attachment types.Attachment) func() (io.Reader, string, error) {
	return func() (io.Reader, string, error) {
		f, err := os.Open(attachment.Path)
		if err != nil {
			return nil, "", fmt.Errorf("failed to open attachment: %w", err)
		}

		pr, pw := io.Pipe()
		mw := multipart.NewWriter(pw)
		go func() {
			defer f.Close()
			err := writeAttachment(mw, testCaseID, externalID, attachment, f)
			if err == nil {
				err = mw.Close()
			}
			pw.CloseWithError(err)
		}()
		return pr, mw.FormDataContentType(), nil
	}
}

func writeAttachment(mw *multipart.Writer, testCaseID, externalID string, attachment types.Attachment, f io.Reader) error {
	fields := [][2]string{
		{"testCaseId", testCaseID},
		{"type", string(attachment.Kind)},
		{"externalId", externalID},
	}
	for _, field := range fields {
		if err := mw.WriteField(field[0], field[1]); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("file", filepath.Base(attachment.Path))
	if err != nil {
		return err
	}
	_, err = io.Copy(part, f)
	return err
}
