package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/opsloop/operator/pkg/agent"
	"github.com/opsloop/operator/pkg/config"
	"github.com/opsloop/operator/pkg/llm"
	"github.com/opsloop/operator/pkg/subjects"
	"github.com/opsloop/operator/pkg/tools"
	"github.com/opsloop/operator/pkg/version"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Remediation agent daemon",
}

var agentStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the agent loop until interrupted",
	Long: `Polls for open tickets and handles each one in an LLM-driven tool
conversation. OPERATOR_SAFETY_MODE gates mutation (observe|execute, default
observe); OPERATOR_APPROVAL_MODE=true routes mutating actions through
proposals.`,
	Args: cobra.NoArgs,
	RunE: runAgent,
}

func init() {
	registerSubjectFlags(agentStartCmd)
	agentCmd.AddCommand(agentStartCmd)
}

func runAgent(cmd *cobra.Command, args []string) error {
	if err := cfg.RequireAPIKey(); err != nil {
		return err
	}

	params, err := parseSubjectParams(subjectParams)
	if err != nil {
		return err
	}
	subj, err := subjects.Build(subjectName, params)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrFatal, err)
	}

	driver, err := llm.NewAnthropicDriver(cfg.APIKey, cfg.Model, cfg.SummaryModel)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrFatal, err)
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	slog.Info("Starting agent",
		"version", version.Full(), "db", st.Path(), "subject", subj.Name(),
		"model", cfg.Model, "safety_mode", cfg.SafetyMode, "approval_mode", cfg.ApprovalMode)

	ctx, cancel := signalContext()
	defer cancel()

	loop := agent.New(agent.Options{
		Store:           st,
		Driver:          driver,
		Summarizer:      driver,
		Registry:        tools.DefaultRegistry(cfg.SafetyMode),
		Subject:         subj,
		Config:          cfg,
		InterruptReason: interruptReason,
	})
	return loop.Run(ctx)
}
