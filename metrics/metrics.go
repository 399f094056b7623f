package metrics

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/qastudio-dev/qastudio-reporter/types"
)

const (
	MetricsNamespace = "qastudio"
)

// Batch outcomes
const (
	BatchSubmitted = "submitted"
	BatchFailed    = "failed"
	BatchSkipped   = "skipped"
)

var (
	Debug                bool = false
	validResults              = []types.TestStatus{types.TestStatusPassed, types.TestStatusFailed, types.TestStatusSkipped}
	nonAlphanumericRegex      = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	apiRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "api_requests_total",
		Help:      "Count of API request attempts by endpoint and HTTP status (0 for transport failures)",
	}, []string{
		"endpoint",
		"status",
	})

	apiRetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "api_retries_total",
		Help:      "Count of API request retries",
	}, []string{
		"endpoint",
	})

	apiRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: MetricsNamespace,
		Name:      "api_request_duration_seconds",
		Help:      "Duration of individual API request attempts",
		Buckets:   prometheus.DefBuckets,
	}, []string{
		"endpoint",
	})

	batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "batches_total",
		Help:      "Count of result batches by outcome",
	}, []string{
		"result",
	})

	resultsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "results_total",
		Help:      "Count of recorded test results by status and whether they are linked to a case",
	}, []string{
		"status",
		"linked",
	})

	attachmentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "attachments_total",
		Help:      "Count of attachment uploads by kind and outcome",
	}, []string{
		"kind",
		"result",
	})

	runSummary = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_tests",
		Help:      "Test counts of the last completed run",
	}, []string{
		"environment",
		"result",
	})
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.TrimSpace(errClean)
	errClean = strings.ReplaceAll(errClean, " ", "_")
	for strings.Contains(errClean, "__") {
		errClean = strings.ReplaceAll(errClean, "__", "_")
	}
	return errClean
}

func RecordError(error string) {
	if Debug {
		log.Debug("metric inc",
			"m", "errors_total",
			"error", error,
		)
	}
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	label = fmt.Sprintf("%s.%s", label, errToLabel(err))
	RecordError(label)
}

// RecordAPIError counts a failed API operation by endpoint and final HTTP
// status. Transport failures have status 0.
func RecordAPIError(endpoint string, status int) {
	label := "transport"
	if status > 0 {
		label = "status_" + strconv.Itoa(status)
	}
	RecordError(endpoint + "." + label)
}

// RecordRequest records one API request attempt.
func RecordRequest(endpoint string, status int, seconds float64) {
	apiRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
	apiRequestDuration.WithLabelValues(endpoint).Observe(seconds)
}

func RecordRetry(endpoint string) {
	if Debug {
		log.Debug("metric inc",
			"m", "api_retries_total",
			"endpoint", endpoint,
		)
	}
	apiRetriesTotal.WithLabelValues(endpoint).Inc()
}

func RecordBatch(result string) {
	batchesTotal.WithLabelValues(result).Inc()
}

func RecordResult(status types.TestStatus, linked bool) {
	if !isValidResult(status) {
		log.Error("RecordResult - invalid status", "status", status)
		return
	}
	resultsTotal.WithLabelValues(string(status), strconv.FormatBool(linked)).Inc()
}

func RecordAttachment(kind types.AttachmentKind, result string) {
	attachmentsTotal.WithLabelValues(string(kind), result).Inc()
}

// RecordRun publishes the final counters of a run.
func RecordRun(environment string, summary types.TestRunSummary) {
	runSummary.WithLabelValues(environment, "total").Set(float64(summary.Total))
	runSummary.WithLabelValues(environment, string(types.TestStatusPassed)).Set(float64(summary.Passed))
	runSummary.WithLabelValues(environment, string(types.TestStatusFailed)).Set(float64(summary.Failed))
	runSummary.WithLabelValues(environment, string(types.TestStatusSkipped)).Set(float64(summary.Skipped))
}

func isValidResult(result types.TestStatus) bool {
	return slices.Contains(validResults, result)
}
