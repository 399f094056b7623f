// Package qastudiotest provides an in-process fake of the QAStudio.dev API
// for tests.
package qastudiotest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/gorilla/mux"
)

// Route names, matching the client's endpoint labels.
const (
	RouteCreateRun        = "create_run"
	RouteSubmitResults    = "submit_results"
	RouteUploadAttachment = "upload_attachment"
	RouteCompleteRun      = "complete_run"
)

const maxUploadMemory = 32 << 20

// Request is a request captured by the server.
type Request struct {
	Route  string
	Method string
	Path   string
	RunID  string
	Header http.Header
	Body   []byte
}

// Attachment is an uploaded file captured by the server.
type Attachment struct {
	RunID      string
	TestCaseID string
	Type       string
	ExternalID string
	Filename   string
	Content    []byte
}

// failure scripts a non-2xx response.
type failure struct {
	status     int
	retryAfter string
	remaining  int // negative means forever
}

// Server is a fake QAStudio API backed by httptest.
type Server struct {
	APIKey string

	srv *httptest.Server

	mu          sync.Mutex
	requests    []Request
	failures    map[string]*failure
	handlers    map[string]http.Handler
	nextRunID   int
	results     map[string][]json.RawMessage
	summaries   map[string]json.RawMessage
	attachments []Attachment
}

// NewServer starts a fake API that accepts apiKey as bearer credential.
func NewServer(apiKey string) *Server {
	s := &Server{
		APIKey:    apiKey,
		failures:  make(map[string]*failure),
		handlers:  make(map[string]http.Handler),
		results:   make(map[string][]json.RawMessage),
		summaries: make(map[string]json.RawMessage),
	}

	r := mux.NewRouter()
	r.HandleFunc("/test-runs", s.wrap(RouteCreateRun, s.createRun)).Methods(http.MethodPost)
	r.HandleFunc("/test-runs/{id}/results", s.wrap(RouteSubmitResults, s.submitResults)).Methods(http.MethodPost)
	r.HandleFunc("/test-runs/{id}/attachments", s.wrap(RouteUploadAttachment, s.uploadAttachment)).Methods(http.MethodPost)
	r.HandleFunc("/test-runs/{id}/complete", s.wrap(RouteCompleteRun, s.completeRun)).Methods(http.MethodPost)

	s.srv = httptest.NewServer(r)
	return s
}

// URL returns the base URL of the fake API.
func (s *Server) URL() string {
	return s.srv.URL
}

// Close shuts the server down.
func (s *Server) Close() {
	s.srv.Close()
}

// FailNext makes the next n requests to route answer with status.
func (s *Server) FailNext(route string, n int, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = &failure{status: status, remaining: n}
}

// FailAlways makes every request to route answer with status.
func (s *Server) FailAlways(route string, status int) {
	s.FailNext(route, -1, status)
}

// RateLimitNext makes the next n requests to route answer 429 with the given
// Retry-After header value.
func (s *Server) RateLimitNext(route string, n int, retryAfter string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = &failure{status: http.StatusTooManyRequests, retryAfter: retryAfter, remaining: n}
}

// SetHandler replaces the behaviour of route entirely.
func (s *Server) SetHandler(route string, h http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[route] = h
}

// Reset forgets captured state and scripted behaviour.
func (s *Server) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
	s.failures = make(map[string]*failure)
	s.handlers = make(map[string]http.Handler)
	s.results = make(map[string][]json.RawMessage)
	s.summaries = make(map[string]json.RawMessage)
	s.attachments = nil
}

// Requests returns the captured requests for route, or all when route is "".
func (s *Server) Requests(route string) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Request
	for _, req := range s.requests {
		if route == "" || req.Route == route {
			out = append(out, req)
		}
	}
	return out
}

// Results returns the result objects accepted for runID, in arrival order.
func (s *Server) Results(runID string) []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.results[runID]...)
}

// Summary returns the summary a run was completed with, or nil.
func (s *Server) Summary(runID string) json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.summaries[runID]
}

// Attachments returns the accepted uploads.
func (s *Server) Attachments() []Attachment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Attachment(nil), s.attachments...)
}

func (s *Server) wrap(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		r.Body = io.NopCloser(bytes.NewReader(body))

		s.mu.Lock()
		s.requests = append(s.requests, Request{
			Route:  route,
			Method: r.Method,
			Path:   r.URL.Path,
			RunID:  mux.Vars(r)["id"],
			Header: r.Header.Clone(),
			Body:   body,
		})
		handler := s.handlers[route]
		f := s.failures[route]
		var fail *failure
		if f != nil && f.remaining != 0 {
			if f.remaining > 0 {
				f.remaining--
			}
			copied := *f
			fail = &copied
		}
		s.mu.Unlock()

		if handler != nil {
			handler.ServeHTTP(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer "+s.APIKey {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
			return
		}
		if fail != nil {
			if fail.retryAfter != "" {
				w.Header().Set("Retry-After", fail.retryAfter)
			}
			writeJSON(w, fail.status, map[string]string{"error": http.StatusText(fail.status)})
			return
		}
		next(w, r)
	}
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ProjectID   string `json:"projectId"`
		Name        string `json:"name"`
		Environment string `json:"environment"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ProjectID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "projectId is required"})
		return
	}

	s.mu.Lock()
	s.nextRunID++
	id := fmt.Sprintf("run-%d", s.nextRunID)
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]string{"id": id, "name": req.Name, "environment": req.Environment})
}

func (s *Server) submitResults(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TestRunID string            `json:"testRunId"`
		Results   []json.RawMessage `json:"results"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	runID := mux.Vars(r)["id"]

	s.mu.Lock()
	s.results[runID] = append(s.results[runID], req.Results...)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]int{"accepted": len(req.Results)})
}

func (s *Server) uploadAttachment(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(maxUploadMemory); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	defer file.Close()
	content, err := io.ReadAll(file)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	s.mu.Lock()
	s.attachments = append(s.attachments, Attachment{
		RunID:      mux.Vars(r)["id"],
		TestCaseID: r.FormValue("testCaseId"),
		Type:       r.FormValue("type"),
		ExternalID: r.FormValue("externalId"),
		Filename:   header.Filename,
		Content:    content,
	})
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, map[string]string{"status": "uploaded"})
}

func (s *Server) completeRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Summary json.RawMessage `json:"summary"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	s.mu.Lock()
	s.summaries[mux.Vars(r)["id"]] = req.Summary
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
