package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/honeycombio/otel-config-go/otelconfig"
	"github.com/urfave/cli/v2"

	reporter "github.com/qastudio-dev/qastudio-reporter"
	"github.com/qastudio-dev/qastudio-reporter/exitcodes"
	"github.com/qastudio-dev/qastudio-reporter/flags"
	"github.com/qastudio-dev/qastudio-reporter/gotest"
	"github.com/qastudio-dev/qastudio-reporter/service"
	"github.com/qastudio-dev/qastudio-reporter/testlist"
)

var (
	Version   = "v0.1.0"
	GitCommit = ""
	GitDate   = ""
)

const pushTimeout = 10 * time.Second

func main() {
	app := newApp()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Telemetry is opt-in through the standard OTLP environment.
	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		shutdown, err := otelconfig.ConfigureOpenTelemetry(
			otelconfig.WithServiceName(app.Name),
			otelconfig.WithServiceVersion(app.Version),
		)
		if err != nil {
			log.Crit("Failed to setup open telemetry", "message", err)
		}
		defer shutdown()
	}

	if err := app.RunContext(ctx, os.Args); err != nil {
		log.Error("Application failed", "message", err)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-%s", Version, GitCommit, GitDate)
	app.Name = "qastudio-reporter"
	app.Usage = "Report Go test results to QAStudio.dev"
	app.Description = "qastudio-reporter reads `go test -json` output and links the results to QAStudio test cases"
	app.Flags = flags.Flags
	app.Action = run
	app.ExitErrHandler = func(c *cli.Context, err error) {
		var exitErr cli.ExitCoder
		if errors.As(err, &exitErr) {
			cli.HandleExitCoder(exitErr)
		} else if err != nil {
			cli.HandleExitCoder(cli.Exit(err.Error(), exitCode(err)))
		}
	}
	return app
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitcodes.Success
	case reporter.IsRuntimeError(err):
		return exitcodes.RuntimeErr
	case reporter.IsTestFailureError(err):
		return exitcodes.TestFailure
	default:
		return exitcodes.TestFailure
	}
}

func run(ctx *cli.Context) error {
	level, err := flags.ParseLevel(ctx.String(flags.LogLevel.Name))
	if err != nil {
		return reporter.NewRuntimeError(err)
	}
	format := ctx.String(flags.LogFormat.Name)
	logger := newLogger(ctx.App.ErrWriter, level, format)

	cfg, err := reporter.NewConfig(ctx, logger)
	if err != nil {
		return reporter.NewRuntimeError(fmt.Errorf("failed to create config: %w", err))
	}
	if cfg.Verbose && level > log.LevelDebug {
		logger = newLogger(ctx.App.ErrWriter, log.LevelDebug, format)
		cfg.Log = logger
	}
	log.SetDefault(logger)
	cfg.Log.Debug("Config", "api_url", cfg.APIURL, "project", cfg.ProjectID, "environment", cfg.Environment,
		"batch_size", cfg.BatchSize, "silent", cfg.Silent, "max_retries", cfg.MaxRetries, "timeout", cfg.Timeout)

	if ctx.Bool(flags.MetricsEnabled.Name) {
		svc := service.New(service.Config{
			Host: ctx.String(flags.MetricsAddr.Name),
			Port: ctx.Int(flags.MetricsPort.Name),
		}, logger)
		if err := svc.Start(ctx.Context); err != nil {
			return reporter.NewRuntimeError(err)
		}
		defer func() {
			if err := svc.Shutdown(); err != nil {
				logger.Warn("Failed to stop metrics server", "err", err)
			}
		}()
	}

	in, closeInput, err := openInput(ctx)
	if err != nil {
		return reporter.NewRuntimeError(err)
	}
	defer closeInput()

	rep := reporter.New(cfg, reporter.WithVersion(Version))
	if err := rep.StartRun(ctx.Context); err != nil {
		return reporter.NewRuntimeError(err)
	}

	opts := gotest.Options{
		IncludeSubtests: ctx.Bool(flags.IncludeSubtests.Name),
		Docs:            testlist.NewIndex(ctx.String(flags.WorkDir.Name), logger),
		Log:             logger,
	}
	if ctx.Bool(flags.Passthrough.Name) {
		opts.Passthrough = ctx.App.Writer
	}
	stats, consumeErr := gotest.NewAdapter(rep, opts).Consume(ctx.Context, in)
	logger.Info("Test results", "stats", stats.String())

	// Results collected before an interrupt are still submitted.
	report, finishErr := rep.FinishRun(context.WithoutCancel(ctx.Context))
	if cfg.Enabled() && report != nil {
		if err := reporter.NewConsoleReportFormatter(logger, ctx.App.ErrWriter).FormatReport(report); err != nil {
			logger.Warn("Failed to print report", "err", err)
		}
	}

	if gateway := ctx.String(flags.MetricsPushgateway.Name); gateway != "" {
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx.Context), pushTimeout)
		if err := service.Push(pushCtx, gateway, cfg.Environment); err != nil {
			logger.Warn("Failed to push metrics", "err", err)
		}
		cancel()
	}

	switch {
	case consumeErr != nil:
		return reporter.NewRuntimeError(consumeErr)
	case finishErr != nil:
		return reporter.NewRuntimeError(finishErr)
	case stats.Failures() > 0:
		return reporter.NewTestFailureError(stats.Failures())
	}
	return nil
}

func openInput(ctx *cli.Context) (io.Reader, func(), error) {
	path := ctx.String(flags.Input.Name)
	if path == "" || path == "-" {
		return ctx.App.Reader, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open test output: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}

func newLogger(w io.Writer, level slog.Level, format string) log.Logger {
	var h slog.Handler
	switch format {
	case "json":
		h = log.JSONHandlerWithLevel(w, level)
	case "terminal":
		h = log.NewTerminalHandlerWithLevel(w, level, true)
	default:
		h = log.NewTerminalHandlerWithLevel(w, level, false)
	}
	return log.NewLogger(h)
}
