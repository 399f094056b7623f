package reporter

import (
	"fmt"
	"math"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"

	"github.com/qastudio-dev/qastudio-reporter/flags"
	"github.com/qastudio-dev/qastudio-reporter/types"
)

const (
	DefaultAPIURL      = "https://qastudio.dev/api"
	DefaultEnvironment = "default"
	DefaultBatchSize   = 10
	DefaultMaxRetries  = 3
	DefaultTimeout     = 30 * time.Second
)

// Config holds the resolved reporter configuration. It is built once and not
// mutated afterwards.
type Config struct {
	APIURL               string
	APIKey               string
	ProjectID            string
	Environment          string
	Verbose              bool
	TestRunID            string // report into an existing run, skipping creation
	TestRunName          string
	TestRunDescription   string
	CreateTestRun        bool
	BatchSize            int
	Silent               bool // log backend failures instead of returning them
	MaxRetries           int
	Timeout              time.Duration // bound on a single HTTP attempt
	UploadScreenshots    bool
	UploadVideos         bool
	IncludeConsoleOutput bool
	Log                  log.Logger
}

// DefaultConfig returns a Config with every default applied.
func DefaultConfig() *Config {
	return &Config{
		APIURL:            DefaultAPIURL,
		Environment:       DefaultEnvironment,
		CreateTestRun:     true,
		BatchSize:         DefaultBatchSize,
		Silent:            true,
		MaxRetries:        DefaultMaxRetries,
		Timeout:           DefaultTimeout,
		UploadScreenshots: true,
		UploadVideos:      true,
	}
}

// Enabled reports whether reporting is active at all.
func (c *Config) Enabled() bool {
	return c.APIKey != ""
}

// NeedsRun reports whether a new test run must be created.
func (c *Config) NeedsRun() bool {
	return c.CreateTestRun && c.TestRunID == ""
}

// Validate checks the configuration of an enabled reporter.
func (c *Config) Validate() error {
	if c.APIURL == "" {
		return types.NewConfigError("qastudio_api_url", "is required")
	}
	if u, err := url.Parse(c.APIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return types.NewConfigError("qastudio_api_url", fmt.Sprintf("invalid URL %q", c.APIURL))
	}
	if c.NeedsRun() && c.ProjectID == "" {
		return types.NewConfigError("qastudio_project_id", "is required to create a test run")
	}
	if c.Environment == "" {
		return types.NewConfigError("qastudio_environment", "must not be empty")
	}
	if c.BatchSize < 1 {
		return types.NewConfigError("qastudio_batch_size", fmt.Sprintf("must be at least 1, got %d", c.BatchSize))
	}
	if c.MaxRetries < 0 {
		return types.NewConfigError("qastudio_max_retries", fmt.Sprintf("must not be negative, got %d", c.MaxRetries))
	}
	if c.Timeout <= 0 {
		return types.NewConfigError("qastudio_timeout", fmt.Sprintf("must be positive, got %s", c.Timeout))
	}
	return nil
}

// NewConfig resolves the configuration from the command line, the config file
// named by --config and the QASTUDIO_* environment, in that priority order.
func NewConfig(ctx *cli.Context, logger log.Logger) (*Config, error) {
	overrides := make(map[string]any)
	for _, s := range flags.Settings {
		if ctx.IsSet(s.Name()) {
			overrides[s.FileKey] = ctx.Value(s.Name())
		}
	}
	return ResolveConfig(os.LookupEnv, ctx.String(flags.ConfigFile.Name), overrides, logger)
}

// ResolveConfig layers defaults, environment, config file and overrides (in
// increasing priority). Keys are qastudio_* setting names.
func ResolveConfig(lookupEnv func(string) (string, bool), configFile string, overrides map[string]any, logger log.Logger) (*Config, error) {
	cfg := DefaultConfig()
	if logger == nil {
		logger = log.New()
	}
	cfg.Log = logger

	for _, s := range flags.Settings {
		if v, ok := lookupEnv(s.EnvVar); ok {
			if err := cfg.set(s.FileKey, v); err != nil {
				return nil, err
			}
		}
	}

	if configFile != "" {
		doc, err := LoadConfigFile(configFile)
		if err != nil {
			return nil, err
		}
		for key, v := range doc {
			if err := cfg.set(key, v); err != nil {
				return nil, err
			}
		}
		logger.Debug("Loaded config file", "path", configFile, "keys", len(doc))
	}

	for key, v := range overrides {
		if err := cfg.set(key, v); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

func (c *Config) set(key string, v any) error {
	var err error
	switch key {
	case "qastudio_api_url":
		c.APIURL, err = asString(v)
		c.APIURL = strings.TrimRight(c.APIURL, "/")
	case "qastudio_api_key":
		c.APIKey, err = asString(v)
	case "qastudio_project_id":
		c.ProjectID, err = asString(v)
	case "qastudio_environment":
		c.Environment, err = asString(v)
	case "qastudio_verbose":
		c.Verbose, err = asBool(v)
	case "qastudio_test_run_id":
		c.TestRunID, err = asString(v)
	case "qastudio_test_run_name":
		c.TestRunName, err = asString(v)
	case "qastudio_test_run_description":
		c.TestRunDescription, err = asString(v)
	case "qastudio_create_test_run":
		c.CreateTestRun, err = asBool(v)
	case "qastudio_batch_size":
		c.BatchSize, err = asInt(v)
	case "qastudio_silent":
		c.Silent, err = asBool(v)
	case "qastudio_max_retries":
		c.MaxRetries, err = asInt(v)
	case "qastudio_timeout":
		c.Timeout, err = asTimeout(v)
	case "qastudio_upload_screenshots":
		c.UploadScreenshots, err = asBool(v)
	case "qastudio_upload_videos":
		c.UploadVideos, err = asBool(v)
	case "qastudio_include_console_output":
		c.IncludeConsoleOutput, err = asBool(v)
	default:
		return types.NewConfigError(key, "unknown setting")
	}
	if err != nil {
		return types.NewConfigError(key, err.Error())
	}
	return nil
}

func asString(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("expected a string, got %T", v)
	}
	return strings.TrimSpace(s), nil
}

func asBool(v any) (bool, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		if err != nil {
			return false, fmt.Errorf("invalid boolean %q", b)
		}
		return parsed, nil
	default:
		return false, fmt.Errorf("expected a boolean, got %T", v)
	}
}

func asInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("expected an integer, got %v", n)
		}
		return int(n), nil
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil {
			return 0, fmt.Errorf("invalid integer %q", n)
		}
		return parsed, nil
	default:
		return 0, fmt.Errorf("expected an integer, got %T", v)
	}
}

// asTimeout accepts Go durations ("30s") and bare seconds (30 or "30").
func asTimeout(v any) (time.Duration, error) {
	switch t := v.(type) {
	case time.Duration:
		return t, nil
	case int:
		return time.Duration(t) * time.Second, nil
	case int64:
		return time.Duration(t) * time.Second, nil
	case float64:
		return time.Duration(t * float64(time.Second)), nil
	case string:
		return ParseTimeout(t)
	default:
		return 0, fmt.Errorf("expected a duration, got %T", v)
	}
}

// ParseTimeout parses "30s" style durations as well as bare seconds.
func ParseTimeout(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}
