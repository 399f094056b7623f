// Package types contains shared types used across the QAStudio reporter
package types

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// MessagePrefix tags every message the reporter surfaces to operators.
const MessagePrefix = "[QAStudio]"

// TestStatus represents the possible states of a test execution
type TestStatus string

const (
	TestStatusPassed  TestStatus = "passed"
	TestStatusFailed  TestStatus = "failed"
	TestStatusSkipped TestStatus = "skipped"
)

// IsValid reports whether s is one of the statuses the remote service accepts.
func (s TestStatus) IsValid() bool {
	switch s {
	case TestStatusPassed, TestStatusFailed, TestStatusSkipped:
		return true
	}
	return false
}

// String implements the Stringer interface for TestStatus
func (s TestStatus) String() string {
	return string(s)
}

// AttachmentKind classifies an attachment for upload filtering.
type AttachmentKind string

const (
	AttachmentScreenshot AttachmentKind = "screenshot"
	AttachmentVideo      AttachmentKind = "video"
	AttachmentTrace      AttachmentKind = "trace"
	AttachmentFile       AttachmentKind = "file"
)

// KindFromPath derives the attachment kind from the file extension.
func KindFromPath(path string) AttachmentKind {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png", ".jpg", ".jpeg", ".gif", ".webp":
		return AttachmentScreenshot
	case ".webm", ".mp4", ".mov", ".avi":
		return AttachmentVideo
	case ".zip":
		return AttachmentTrace
	default:
		return AttachmentFile
	}
}

// Attachment is a file produced by a test.
type Attachment struct {
	Path string         `json:"path"`
	Kind AttachmentKind `json:"type"`
}

// NewAttachment builds an Attachment, classifying it by extension.
func NewAttachment(path string) Attachment {
	return Attachment{Path: path, Kind: KindFromPath(path)}
}

// Outcome is the raw per-test record a host runner integration hands to the
// reporter once a test has finished executing.
type Outcome struct {
	Name        string // test name as known to the runner
	FullName    string // fully qualified name (package and parent tests)
	Marker      string // explicit case identifier, empty if none was declared
	Doc         string // free-form documentation attached to the test
	Status      TestStatus
	Duration    time.Duration
	ErrorText   string
	Output      string
	Attachments []string
	Priority    string
	Tags        []string
}

// ResultRecord is the normalized representation of one test outcome. It is
// created once per test and never mutated afterwards.
type ResultRecord struct {
	TestCaseID   string       // empty when no identifier was found
	Name         string
	FullName     string
	Status       TestStatus
	Duration     time.Duration
	ErrorMessage string
	Output       string
	Priority     string
	Tags         []string
	Attachments  []Attachment
}

// Linked reports whether the record carries a case identifier.
func (r ResultRecord) Linked() bool {
	return r.TestCaseID != ""
}

// DisplayName returns the most descriptive name available for the record.
func (r ResultRecord) DisplayName() string {
	if r.FullName != "" {
		return r.FullName
	}
	return r.Name
}

type resultRecordJSON struct {
	TestCaseID  string       `json:"testCaseId,omitempty"`
	Title       string       `json:"title"`
	FullTitle   string       `json:"fullTitle,omitempty"`
	Status      TestStatus   `json:"status"`
	Duration    float64      `json:"duration"`
	Error       string       `json:"error,omitempty"`
	Output      string       `json:"output,omitempty"`
	Priority    string       `json:"priority,omitempty"`
	Tags        []string     `json:"tags,omitempty"`
	Attachments []Attachment `json:"attachments"`
}

// MarshalJSON encodes the record in the wire format of the results endpoint.
// Durations are sent as fractional seconds.
func (r ResultRecord) MarshalJSON() ([]byte, error) {
	attachments := r.Attachments
	if attachments == nil {
		attachments = []Attachment{}
	}
	return json.Marshal(resultRecordJSON{
		TestCaseID:  r.TestCaseID,
		Title:       r.Name,
		FullTitle:   r.FullName,
		Status:      r.Status,
		Duration:    r.Duration.Seconds(),
		Error:       r.ErrorMessage,
		Output:      r.Output,
		Priority:    r.Priority,
		Tags:        r.Tags,
		Attachments: attachments,
	})
}

// TestRunSummary holds the final counters of a run. It is computed once at
// session end and never mutated afterwards.
type TestRunSummary struct {
	Total      int
	Passed     int
	Failed     int
	Skipped    int
	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration returns the wall clock time of the run.
func (s TestRunSummary) Duration() time.Duration {
	if s.FinishedAt.Before(s.StartedAt) {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// Validate checks the counter invariants of the summary.
func (s TestRunSummary) Validate() error {
	if s.Passed < 0 || s.Failed < 0 || s.Skipped < 0 {
		return fmt.Errorf("negative counter in summary %+v", s)
	}
	if s.Total != s.Passed+s.Failed+s.Skipped {
		return fmt.Errorf("total %d does not match passed+failed+skipped (%d)", s.Total, s.Passed+s.Failed+s.Skipped)
	}
	if s.FinishedAt.Before(s.StartedAt) {
		return fmt.Errorf("run finished at %s before it started at %s", s.FinishedAt, s.StartedAt)
	}
	return nil
}

// String returns a one-line human readable summary.
func (s TestRunSummary) String() string {
	return fmt.Sprintf("Total: %d, Passed: %d, Failed: %d, Skipped: %d",
		s.Total, s.Passed, s.Failed, s.Skipped)
}

type summaryJSON struct {
	Total      int       `json:"total"`
	Passed     int       `json:"passed"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Duration   float64   `json:"duration"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
}

// MarshalJSON encodes the summary in the wire format of the complete endpoint.
func (s TestRunSummary) MarshalJSON() ([]byte, error) {
	return json.Marshal(summaryJSON{
		Total:      s.Total,
		Passed:     s.Passed,
		Failed:     s.Failed,
		Skipped:    s.Skipped,
		Duration:   s.Duration().Seconds(),
		StartedAt:  s.StartedAt.UTC(),
		FinishedAt: s.FinishedAt.UTC(),
	})
}
