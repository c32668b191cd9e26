// Package config resolves runtime configuration from environment variables
// and flags. Validation happens once at startup; a bad required value stops
// the process before any loop starts, a bad optional value logs a warning
// and falls back to its default.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// ErrFatal marks configuration errors that must abort startup.
var ErrFatal = errors.New("fatal configuration error")

// SafetyMode gates what tools are allowed to do.
type SafetyMode string

const (
	// SafetyObserve rejects all mutating tool requests.
	SafetyObserve SafetyMode = "observe"
	// SafetyExecute allows tool requests to run.
	SafetyExecute SafetyMode = "execute"
)

// Environment variable names recognised by every process.
const (
	EnvDBPath       = "OPERATOR_DB_PATH"
	EnvSafetyMode   = "OPERATOR_SAFETY_MODE"
	EnvApprovalMode = "OPERATOR_APPROVAL_MODE"
	EnvLogLevel     = "OPERATOR_LOG_LEVEL"
	EnvLogFile      = "OPERATOR_LOG_FILE"
	EnvLogFormat    = "LOG_FORMAT"
	EnvAPIKey       = "ANTHROPIC_API_KEY"
	EnvModel        = "OPERATOR_MODEL"
	EnvSummaryModel = "OPERATOR_SUMMARY_MODEL"
)

// Defaults.
const (
	DefaultMonitorInterval = 10 * time.Second
	DefaultPollInterval    = 5 * time.Second
	DefaultObserveTimeout  = 10 * time.Second
	DefaultMaxTurns        = 16
	DefaultModel           = "claude-sonnet-4-20250514"
	DefaultSummaryModel    = "claude-3-5-haiku-20241022"
)

// MinMaxTurns is the floor for the conversation turn cap.
const MinMaxTurns = 12

// Config is the resolved runtime configuration shared by the daemons.
type Config struct {
	DBPath string

	SafetyMode   SafetyMode
	ApprovalMode bool

	MonitorInterval time.Duration
	PollInterval    time.Duration
	ObserveTimeout  time.Duration
	MaxTurns        int

	APIKey       string
	Model        string
	SummaryModel string

	LogLevel  slog.Level
	LogFormat string
	LogFile   string
}

// DefaultDBPath returns ~/.operator/operator.db, falling back to a relative
// path when the home directory cannot be resolved.
func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".operator", "operator.db")
	}
	return filepath.Join(home, ".operator", "operator.db")
}

// FromEnv builds a Config from the environment. dbFlag overrides
// OPERATOR_DB_PATH which overrides the default location.
func FromEnv(dbFlag string) (*Config, error) {
	cfg := &Config{
		DBPath:          DefaultDBPath(),
		SafetyMode:      SafetyObserve,
		MonitorInterval: DefaultMonitorInterval,
		PollInterval:    DefaultPollInterval,
		ObserveTimeout:  DefaultObserveTimeout,
		MaxTurns:        DefaultMaxTurns,
		Model:           DefaultModel,
		SummaryModel:    DefaultSummaryModel,
		LogLevel:        slog.LevelInfo,
		LogFormat:       "text",
	}

	if v := os.Getenv(EnvDBPath); v != "" {
		cfg.DBPath = v
	}
	if dbFlag != "" {
		cfg.DBPath = dbFlag
	}

	switch v := os.Getenv(EnvSafetyMode); v {
	case "", string(SafetyObserve):
		cfg.SafetyMode = SafetyObserve
	case string(SafetyExecute):
		cfg.SafetyMode = SafetyExecute
	default:
		return nil, fmt.Errorf("%w: %s must be observe or execute, got %q", ErrFatal, EnvSafetyMode, v)
	}

	if v := os.Getenv(EnvApprovalMode); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s must be true or false, got %q", ErrFatal, EnvApprovalMode, v)
		}
		cfg.ApprovalMode = b
	}

	cfg.MaxTurns = resolveInt("OPERATOR_MAX_TURNS", cfg.MaxTurns)
	if cfg.MaxTurns < MinMaxTurns {
		slog.Warn("Turn cap below minimum, raising", "requested", cfg.MaxTurns, "minimum", MinMaxTurns)
		cfg.MaxTurns = MinMaxTurns
	}

	cfg.MonitorInterval = resolveDuration("OPERATOR_MONITOR_INTERVAL", cfg.MonitorInterval)
	cfg.PollInterval = resolveDuration("OPERATOR_POLL_INTERVAL", cfg.PollInterval)
	cfg.ObserveTimeout = resolveDuration("OPERATOR_OBSERVE_TIMEOUT", cfg.ObserveTimeout)

	cfg.APIKey = os.Getenv(EnvAPIKey)
	if v := os.Getenv(EnvModel); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv(EnvSummaryModel); v != "" {
		cfg.SummaryModel = v
	}

	if v := os.Getenv(EnvLogLevel); v != "" {
		level, err := parseLevel(v)
		if err != nil {
			slog.Warn("Invalid log level, using info", "value", v)
		} else {
			cfg.LogLevel = level
		}
	}
	if os.Getenv(EnvLogFormat) == "json" {
		cfg.LogFormat = "json"
	}
	cfg.LogFile = os.Getenv(EnvLogFile)

	return cfg, nil
}

// RequireAPIKey validates that the Anthropic key is present. Called by
// commands that talk to the model before their loop starts.
func (c *Config) RequireAPIKey() error {
	if c.APIKey == "" {
		return fmt.Errorf("%w: %s is required", ErrFatal, EnvAPIKey)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown level %q", s)
}

// resolveInt reads an optional integer env var, warning and keeping the
// default on parse failure.
func resolveInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Invalid integer env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

// resolveDuration reads an optional duration env var (bare seconds or Go
// duration syntax), warning and keeping the default on parse failure.
func resolveDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("Invalid duration env var, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}
