package reporter

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
)

// ReportFormatter is responsible for displaying a RunReport.
type ReportFormatter interface {
	FormatReport(report *RunReport) error
}

// ConsoleReportFormatter renders a RunReport as a table.
type ConsoleReportFormatter struct {
	logger log.Logger
	out    io.Writer
}

// NewConsoleReportFormatter creates a ConsoleReportFormatter writing to out,
// or to standard error when out is nil.
func NewConsoleReportFormatter(logger log.Logger, out io.Writer) *ConsoleReportFormatter {
	if out == nil {
		out = os.Stderr
	}
	return &ConsoleReportFormatter{
		logger: logger,
		out:    out,
	}
}

// FormatReport writes the summary table of report.
func (f *ConsoleReportFormatter) FormatReport(report *RunReport) error {
	if report == nil {
		return nil
	}
	f.logger.Debug("Printing QAStudio report...")

	t := table.NewWriter()
	t.SetOutputMirror(f.out)
	runID := report.RunID
	if runID == "" {
		runID = "not created"
	}
	t.SetTitle(fmt.Sprintf("QAStudio Reporting (run %s, %s)", runID, formatDuration(report.Summary.Duration())))

	t.AppendHeader(table.Row{"Batch", "Results", "Attempts", "Status", "Error"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Batch", Align: text.AlignRight},
		{Name: "Results", Align: text.AlignRight},
		{Name: "Attempts", Align: text.AlignRight},
		{Name: "Error", WidthMax: 60, WidthMaxEnforcer: text.WrapSoft},
	})

	for _, b := range report.Batches {
		status, errText := "submitted", ""
		if b.Err != nil {
			status, errText = "failed", b.Err.Error()
		}
		t.AppendRow(table.Row{b.Index, b.Size, b.Attempts, status, errText})
	}
	if report.SkippedBatch > 0 {
		t.AppendRow(table.Row{"-", "-", "-", fmt.Sprintf("%d skipped", report.SkippedBatch), ""})
	}
	t.AppendSeparator()
	t.AppendRow(table.Row{"Uploads", report.Uploads, "", "", failedUploads(report.FailedUploads)})

	completion := "completed"
	switch {
	case report.RunID == "":
		completion = "not reported"
	case !report.Completed:
		completion = "incomplete"
	}

	switch {
	case report.RunID == "" || report.FailedBatches() > 0 || !report.Completed:
		t.SetStyle(table.StyleColoredBlackOnRedWhite)
	case report.FailedUploads > 0:
		t.SetStyle(table.StyleColoredBlackOnYellowWhite)
	default:
		t.SetStyle(table.StyleColoredBlackOnGreenWhite)
	}

	t.AppendFooter(table.Row{"TOTAL", report.Summary.Total, "", completion, report.Summary.String()})
	t.Render()
	return nil
}

func failedUploads(n int) string {
	if n == 0 {
		return ""
	}
	return fmt.Sprintf("%d failed", n)
}

// Helper function to format duration to seconds with 1 decimal place
func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.1fs", d.Seconds())
}
