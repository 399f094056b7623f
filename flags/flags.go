package flags

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
)

// EnvVarPrefix prefixes the environment variables of the operational flags.
// The qastudio_* settings are read from their own QASTUDIO_* variables by the
// config layer so that a config file can sit between the two.
const EnvVarPrefix = "QASTUDIO_REPORTER"

// Setting binds a reporter setting to its three sources.
type Setting struct {
	Flag    cli.Flag
	FileKey string
	EnvVar  string
}

// Name returns the command line name of the setting.
func (s Setting) Name() string {
	return s.Flag.Names()[0]
}

var (
	APIURL = &cli.StringFlag{
		Name:  "qastudio-api-url",
		Value: "https://qastudio.dev/api",
		Usage: "QAStudio.dev API base URL",
	}
	APIKey = &cli.StringFlag{
		Name:  "qastudio-api-key",
		Usage: "QAStudio.dev API key. Reporting is disabled when empty",
	}
	ProjectID = &cli.StringFlag{
		Name:  "qastudio-project-id",
		Usage: "QAStudio.dev project ID, required when a test run is created",
	}
	Environment = &cli.StringFlag{
		Name:  "qastudio-environment",
		Value: "default",
		Usage: "Environment name reported with the test run",
	}
	Verbose = &cli.BoolFlag{
		Name:  "qastudio-verbose",
		Usage: "Log every reporter step",
	}
	TestRunID = &cli.StringFlag{
		Name:  "qastudio-test-run-id",
		Usage: "Report into an existing test run instead of creating one",
	}
	TestRunName = &cli.StringFlag{
		Name:  "qastudio-test-run-name",
		Usage: "Name of the created test run (default 'Go Test Run - <timestamp>')",
	}
	TestRunDescription = &cli.StringFlag{
		Name:  "qastudio-test-run-description",
		Usage: "Description of the created test run",
	}
	CreateTestRun = &cli.BoolFlag{
		Name:  "qastudio-create-test-run",
		Value: true,
		Usage: "Create a new test run when no test run ID is given",
	}
	BatchSize = &cli.IntFlag{
		Name:  "qastudio-batch-size",
		Value: 10,
		Usage: "Number of results submitted per request",
	}
	Silent = &cli.BoolFlag{
		Name:  "qastudio-silent",
		Value: true,
		Usage: "Log API failures instead of failing the run",
	}
	MaxRetries = &cli.IntFlag{
		Name:  "qastudio-max-retries",
		Value: 3,
		Usage: "Retries of a failed API request",
	}
	Timeout = &cli.StringFlag{
		Name:  "qastudio-timeout",
		Value: "30s",
		Usage: "Timeout of a single API request (e.g. '30s' or '30')",
	}
	UploadScreenshots = &cli.BoolFlag{
		Name:  "qastudio-upload-screenshots",
		Value: true,
		Usage: "Upload screenshot attachments",
	}
	UploadVideos = &cli.BoolFlag{
		Name:  "qastudio-upload-videos",
		Value: true,
		Usage: "Upload video attachments",
	}
	IncludeConsoleOutput = &cli.BoolFlag{
		Name:  "qastudio-include-console-output",
		Usage: "Include captured test output in reported results",
	}
)

var (
	ConfigFile = &cli.StringFlag{
		Name:    "config",
		EnvVars: PrefixEnvVar(EnvVarPrefix, "CONFIG"),
		Usage:   "Path to a YAML or TOML file with qastudio_* settings",
	}
	Input = &cli.StringFlag{
		Name:    "input",
		Value:   "-",
		EnvVars: PrefixEnvVar(EnvVarPrefix, "INPUT"),
		Usage:   "File with 'go test -json' output, '-' reads standard input",
	}
	WorkDir = &cli.StringFlag{
		Name:    "workdir",
		Value:   ".",
		EnvVars: PrefixEnvVar(EnvVarPrefix, "WORKDIR"),
		Usage:   "Module directory scanned for test doc comments and qastudio directives",
	}
	IncludeSubtests = &cli.BoolFlag{
		Name:    "include-subtests",
		EnvVars: PrefixEnvVar(EnvVarPrefix, "INCLUDE_SUBTESTS"),
		Usage:   "Report subtests as individual results",
	}
	Passthrough = &cli.BoolFlag{
		Name:    "passthrough",
		EnvVars: PrefixEnvVar(EnvVarPrefix, "PASSTHROUGH"),
		Usage:   "Copy the raw test output to standard output",
	}
	LogLevel = &cli.StringFlag{
		Name:    "log.level",
		Value:   "info",
		EnvVars: PrefixEnvVar(EnvVarPrefix, "LOG_LEVEL"),
		Usage:   "The lowest log level that will be output (trace, debug, info, warn, error, crit)",
		Action: func(_ *cli.Context, v string) error {
			_, err := ParseLevel(v)
			return err
		},
	}
	LogFormat = &cli.StringFlag{
		Name:    "log.format",
		Value:   "text",
		EnvVars: PrefixEnvVar(EnvVarPrefix, "LOG_FORMAT"),
		Usage:   "Format the log output (text, terminal, json)",
		Action: func(_ *cli.Context, v string) error {
			return validateLogFormat(v)
		},
	}
	MetricsEnabled = &cli.BoolFlag{
		Name:    "metrics.enabled",
		EnvVars: PrefixEnvVar(EnvVarPrefix, "METRICS_ENABLED"),
		Usage:   "Serve Prometheus metrics while reporting",
	}
	MetricsAddr = &cli.StringFlag{
		Name:    "metrics.addr",
		Value:   "0.0.0.0",
		EnvVars: PrefixEnvVar(EnvVarPrefix, "METRICS_ADDR"),
		Usage:   "Metrics listening address",
	}
	MetricsPort = &cli.IntFlag{
		Name:    "metrics.port",
		Value:   7300,
		EnvVars: PrefixEnvVar(EnvVarPrefix, "METRICS_PORT"),
		Usage:   "Metrics listening port",
	}
	MetricsPushgateway = &cli.StringFlag{
		Name:    "metrics.pushgateway",
		EnvVars: PrefixEnvVar(EnvVarPrefix, "METRICS_PUSHGATEWAY"),
		Usage:   "Prometheus Pushgateway URL metrics are pushed to when reporting ends",
	}
)

// Settings lists the reporter settings in the order they are documented.
var Settings = []Setting{
	newSetting(APIURL),
	newSetting(APIKey),
	newSetting(ProjectID),
	newSetting(Environment),
	newSetting(Verbose),
	newSetting(TestRunID),
	newSetting(TestRunName),
	newSetting(TestRunDescription),
	newSetting(CreateTestRun),
	newSetting(BatchSize),
	newSetting(Silent),
	newSetting(MaxRetries),
	newSetting(Timeout),
	newSetting(UploadScreenshots),
	newSetting(UploadVideos),
	newSetting(IncludeConsoleOutput),
}

var optionalFlags = []cli.Flag{
	ConfigFile,
	Input,
	WorkDir,
	IncludeSubtests,
	Passthrough,
	LogLevel,
	LogFormat,
	MetricsEnabled,
	MetricsAddr,
	MetricsPort,
	MetricsPushgateway,
}

var Flags []cli.Flag

func init() {
	for _, s := range Settings {
		Flags = append(Flags, s.Flag)
	}
	Flags = append(Flags, optionalFlags...)
}

// LookupSetting finds a setting by its file key.
func LookupSetting(fileKey string) (Setting, bool) {
	for _, s := range Settings {
		if s.FileKey == fileKey {
			return s, true
		}
	}
	return Setting{}, false
}

func newSetting(f cli.Flag) Setting {
	key := strings.ReplaceAll(f.Names()[0], "-", "_")
	return Setting{
		Flag:    f,
		FileKey: key,
		EnvVar:  strings.ToUpper(key),
	}
}

// PrefixEnvVar returns the environment variable names of a flag.
func PrefixEnvVar(prefix, suffix string) []string {
	return []string{prefix + "_" + suffix}
}

// FlagNameToEnvVarName converts a flag name to its environment variable name.
func FlagNameToEnvVarName(name, prefix string) string {
	name = strings.ReplaceAll(name, ".", "_")
	name = strings.ReplaceAll(name, "-", "_")
	return prefix + "_" + strings.ToUpper(name)
}

// ParseLevel parses a log level name.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return log.LevelTrace, nil
	case "debug":
		return log.LevelDebug, nil
	case "info":
		return log.LevelInfo, nil
	case "warn", "warning":
		return log.LevelWarn, nil
	case "error":
		return log.LevelError, nil
	case "crit", "critical":
		return log.LevelCrit, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

func validateLogFormat(v string) error {
	switch strings.ToLower(v) {
	case "text", "terminal", "json":
		return nil
	default:
		return fmt.Errorf("log format must be one of text, terminal, json, got %q", v)
	}
}
