package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/opsloop/operator/pkg/config"
	"github.com/opsloop/operator/pkg/monitor"
	"github.com/opsloop/operator/pkg/subjects"
	"github.com/opsloop/operator/pkg/version"
)

var monitorInterval int

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Invariant monitor daemon",
}

var monitorStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the monitor loop until interrupted",
	Args:  cobra.NoArgs,
	RunE:  runMonitor,
}

func init() {
	monitorStartCmd.Flags().IntVar(&monitorInterval, "interval", 0,
		"seconds between observation cycles (default from OPERATOR_MONITOR_INTERVAL or 10)")
	registerSubjectFlags(monitorStartCmd)
	monitorCmd.AddCommand(monitorStartCmd)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	if monitorInterval > 0 {
		cfg.MonitorInterval = time.Duration(monitorInterval) * time.Second
	}

	params, err := parseSubjectParams(subjectParams)
	if err != nil {
		return err
	}
	subj, err := subjects.Build(subjectName, params)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrFatal, err)
	}
	registry, err := subjects.InvariantRegistry(subj)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrFatal, err)
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	// One monitor per database. Two reconcilers racing the same ticket
	// table would fight over open/auto-close decisions.
	lock := flock.New(st.Path() + ".monitor.lock")
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire monitor lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w: another monitor is already running against %s", config.ErrFatal, st.Path())
	}
	defer lock.Unlock()

	slog.Info("Starting monitor",
		"version", version.Full(), "db", st.Path(), "subject", subj.Name(),
		"interval", cfg.MonitorInterval)

	ctx, cancel := signalContext()
	defer cancel()

	m := monitor.New(st, subj, registry, monitor.Options{
		Interval:       cfg.MonitorInterval,
		ObserveTimeout: cfg.ObserveTimeout,
	})
	return m.Run(ctx)
}
