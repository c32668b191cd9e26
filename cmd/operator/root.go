// Operator CLI: monitor and agent daemons, ticket and audit inspection,
// approval actions, and the evaluation harness. All state lives in the
// SQLite database; every subcommand shares --db and --json.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/opsloop/operator/pkg/config"
	"github.com/opsloop/operator/pkg/store"
	"github.com/opsloop/operator/pkg/subjects"
	"github.com/opsloop/operator/pkg/version"
)

var (
	dbFlag     string
	jsonOutput bool

	// Subject selection for the daemon commands.
	subjectName   string
	subjectParams []string

	cfg *config.Config

	// lastSignal records the most recent termination signal so in-flight
	// sessions can name what interrupted them.
	lastSignal atomic.Value
)

var rootCmd = &cobra.Command{
	Use:           "operator",
	Short:         "Autonomous remediation: monitor invariants, dispatch an agent, evaluate it under chaos",
	Version:       version.Full(),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A missing .env is the normal case outside dev checkouts.
		if err := godotenv.Load(); err == nil {
			slog.Debug("Loaded .env")
		}

		viper.SetEnvPrefix("OPERATOR")
		viper.AutomaticEnv()
		_ = viper.BindPFlag("db_path", cmd.Root().PersistentFlags().Lookup("db"))
		_ = viper.BindEnv("db_path", config.EnvDBPath)

		var err error
		cfg, err = config.FromEnv(viper.GetString("db_path"))
		if err != nil {
			return err
		}
		setupLogging(cfg)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dbFlag, "db", "",
		"path to the operator database (default ~/.operator/operator.db)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"emit machine-readable JSON instead of tables")

	rootCmd.AddCommand(monitorCmd, agentCmd, ticketsCmd, auditCmd, actionsCmd, evalCmd, versionCmd)
}

// setupLogging installs the process-wide slog default: text or JSON on
// stderr, teed into a size-rotated file when OPERATOR_LOG_FILE is set.
func setupLogging(cfg *config.Config) {
	var w io.Writer = os.Stderr
	if cfg.LogFile != "" {
		w = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		})
	}

	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// signalContext returns a context cancelled on SIGINT/SIGTERM. The first
// signal triggers graceful shutdown; a second one exits immediately.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		lastSignal.Store(sigName(sig))
		slog.Info("Shutdown signal received", "signal", sigName(sig))
		cancel()

		sig = <-sigCh
		slog.Error("Second signal, exiting immediately", "signal", sigName(sig))
		os.Exit(1)
	}()
	return ctx, cancel
}

func sigName(sig os.Signal) string {
	if s, ok := sig.(syscall.Signal); ok {
		switch s {
		case syscall.SIGINT:
			return "SIGINT"
		case syscall.SIGTERM:
			return "SIGTERM"
		}
	}
	return sig.String()
}

// interruptReason names the signal that ended the process, for session
// escalation summaries.
func interruptReason() string {
	if name, ok := lastSignal.Load().(string); ok {
		return name
	}
	return "shutdown"
}

func openStore() (*store.Store, error) {
	return store.Open(cfg.DBPath)
}

func registerSubjectFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&subjectName, "subject", "tikv",
		fmt.Sprintf("subject adapter to run against (known: %v)", subjects.Names()))
	cmd.Flags().StringArrayVar(&subjectParams, "subject-param", nil,
		"subject parameter as key=value, repeatable (e.g. --subject-param pd_endpoint=http://pd0:2379)")
}

// parseSubjectParams turns repeated key=value flags into the loosely typed
// parameter map subject builders accept. Integers, booleans, and
// comma-separated lists are coerced; everything else stays a string.
func parseSubjectParams(raw []string) (map[string]any, error) {
	params := make(map[string]any, len(raw))
	for _, kv := range raw {
		key, value, found := strings.Cut(kv, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("%w: subject-param %q is not key=value", config.ErrFatal, kv)
		}
		params[key] = coerceParam(value)
	}
	return params, nil
}

func coerceParam(value string) any {
	if n, err := strconv.Atoi(value); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}
	if strings.Contains(value, ",") {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	}
	return value
}
