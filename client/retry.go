package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/qastudio-dev/qastudio-reporter/metrics"
)

const (
	DefaultBaseDelay = time.Second
	DefaultMaxDelay  = 30 * time.Second

	// MaxRetryAfter bounds the delay a server may request through Retry-After.
	MaxRetryAfter = 60 * time.Second

	maxResponseSize = 1 << 20
	maxMessageSize  = 512
)

// NewExponentialBackOff returns a jitter-free backoff that starts at base and
// doubles on every call, never exceeding max.
func NewExponentialBackOff(base, max time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func defaultBackOff() backoff.BackOff {
	return NewExponentialBackOff(DefaultBaseDelay, DefaultMaxDelay)
}

// operation describes one logical API call. body is invoked once per attempt
// so that every retry sends a fresh request body.
type operation struct {
	endpoint string // metrics and span label
	method   string
	path     string
	body     func() (io.Reader, string, error)
}

// response is the successful outcome of an operation.
type response struct {
	status   int
	body     []byte
	attempts int
}

// attemptError is the failure of a single attempt.
type attemptError struct {
	status        int
	retryable     bool
	retryAfter    time.Duration
	hasRetryAfter bool
	message       string
	err           error
}

// do runs op with the retry policy: retryable failures (transport errors,
// 5xx and 429) are retried up to maxRetries additional times, everything else
// fails immediately.
func (c *Client) do(ctx context.Context, op operation) (*response, error) {
	ctx, span := c.tracer.Start(ctx, op.endpoint)
	defer span.End()
	span.SetAttributes(
		attribute.String("http.method", op.method),
		attribute.String("qastudio.endpoint", op.path),
	)

	requestID := uuid.New().String()
	bo := c.newBackOff()
	bo.Reset()

	for attempt := 1; ; attempt++ {
		c.log.Debug("Making request", "method", op.method, "path", op.path, "attempt", attempt, "request_id", requestID)
		status, body, aerr := c.attempt(ctx, op, requestID)
		if aerr == nil {
			span.SetAttributes(attribute.Int("qastudio.attempts", attempt), attribute.Int("http.status_code", status))
			return &response{status: status, body: body, attempts: attempt}, nil
		}

		exhausted := attempt > c.maxRetries
		if !aerr.retryable || exhausted || ctx.Err() != nil {
			apiErr := &APIError{
				StatusCode: aerr.status,
				Endpoint:   op.path,
				Attempts:   attempt,
				Message:    aerr.message,
				Retryable:  aerr.retryable,
				Err:        aerr.err,
			}
			span.RecordError(apiErr)
			span.SetStatus(codes.Error, apiErr.Message)
			span.SetAttributes(attribute.Int("qastudio.attempts", attempt))
			metrics.RecordAPIError(op.endpoint, apiErr.StatusCode)
			return nil, apiErr
		}

		delay := bo.NextBackOff()
		if aerr.hasRetryAfter {
			delay = min(aerr.retryAfter, MaxRetryAfter)
		}
		if delay == backoff.Stop {
			delay = DefaultMaxDelay
		}

		c.log.Warn("API request failed, trying again",
			"endpoint", op.path,
			"status", aerr.status,
			"err", aerr.message,
			"attempt_count", attempt,
			"max_attempts", c.maxRetries+1,
			"delay", delay,
		)
		metrics.RecordRetry(op.endpoint)
		c.sleep(ctx, delay)
	}
}

// attempt performs a single HTTP request bounded by the client timeout.
func (c *Client) attempt(ctx context.Context, op operation, requestID string) (int, []byte, *attemptError) {
	body, contentType, err := op.body()
	if err != nil {
		return 0, nil, &attemptError{message: err.Error(), err: err}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := c.baseURL + op.path
	req, err := http.NewRequestWithContext(attemptCtx, op.method, url, body)
	if err != nil {
		closeBody(body)
		return 0, nil, &attemptError{message: fmt.Sprintf("failed to build request: %v", err), err: err}
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("X-Request-ID", requestID)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	res, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordRequest(op.endpoint, 0, time.Since(start).Seconds())
		terr := &TransportError{Method: op.method, URL: url, Err: err}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return 0, nil, &attemptError{retryable: true, message: fmt.Sprintf("request timeout after %s", c.timeout), err: terr}
		}
		return 0, nil, &attemptError{retryable: ctx.Err() == nil, message: fmt.Sprintf("connection error: %v", err), err: terr}
	}
	defer res.Body.Close()

	data, readErr := io.ReadAll(io.LimitReader(res.Body, maxResponseSize))
	metrics.RecordRequest(op.endpoint, res.StatusCode, time.Since(start).Seconds())

	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		if readErr != nil {
			terr := &TransportError{Method: op.method, URL: url, Err: readErr}
			return res.StatusCode, nil, &attemptError{status: res.StatusCode, retryable: true, message: fmt.Sprintf("error reading response body: %v", readErr), err: terr}
		}
		return res.StatusCode, data, nil
	case res.StatusCode == http.StatusTooManyRequests:
		retryAfter, ok := parseRetryAfter(res.Header.Get("Retry-After"), time.Now())
		return res.StatusCode, nil, &attemptError{
			status:        res.StatusCode,
			retryable:     true,
			retryAfter:    retryAfter,
			hasRetryAfter: ok,
			message:       responseMessage(res, data),
		}
	case res.StatusCode >= 500:
		return res.StatusCode, nil, &attemptError{status: res.StatusCode, retryable: true, message: responseMessage(res, data)}
	default:
		return res.StatusCode, nil, &attemptError{status: res.StatusCode, message: responseMessage(res, data)}
	}
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func responseMessage(res *http.Response, data []byte) string {
	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = http.StatusText(res.StatusCode)
	}
	if len(msg) > maxMessageSize {
		msg = msg[:maxMessageSize] + "..."
	}
	return msg
}

func closeBody(body io.Reader) {
	if closer, ok := body.(io.Closer); ok {
		_ = closer.Close()
	}
}

func sleepContext(ctx context.Context, duration time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(duration):
	}
}
