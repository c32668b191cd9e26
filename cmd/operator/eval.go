package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/opsloop/operator/pkg/api"
	"github.com/opsloop/operator/pkg/config"
	"github.com/opsloop/operator/pkg/eval"
	"github.com/opsloop/operator/pkg/llm"
	"github.com/opsloop/operator/pkg/models"
	"github.com/opsloop/operator/pkg/store"
	"github.com/opsloop/operator/pkg/subject"
	"github.com/opsloop/operator/pkg/subjects"
	"github.com/opsloop/operator/pkg/tools"
)

var (
	evalNoLLM        bool
	evalLimitFlag    int
	evalBaselineFlag int64
	viewerHost       string
	viewerPort       int
)

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Chaos campaigns: run, score, and compare",
}

var evalRunCmd = &cobra.Command{
	Use:   "run <config.yaml>",
	Short: "Run a campaign from a YAML config",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvalRun,
}

var evalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns, newest first",
	Args:  cobra.NoArgs,
	RunE:  runEvalList,
}

var evalShowCmd = &cobra.Command{
	Use:   "show <campaign_id|trial_id>",
	Short: "Show a campaign with its trials, or a single trial",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvalShow,
}

var evalAnalyzeCmd = &cobra.Command{
	Use:   "analyze <campaign_id>",
	Short: "Score a campaign's trials",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvalAnalyze,
}

var evalCompareCmd = &cobra.Command{
	Use:   "compare <campaign_a> <campaign_b>",
	Short: "Compare two campaigns head to head",
	Args:  cobra.ExactArgs(2),
	RunE:  runEvalCompare,
}

var evalCompareBaselineCmd = &cobra.Command{
	Use:   "compare-baseline <campaign_id>",
	Short: "Compare a campaign against a baseline (latest matching one by default)",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvalCompareBaseline,
}

var evalViewerCmd = &cobra.Command{
	Use:   "viewer",
	Short: "Serve the read-only web viewer",
	Args:  cobra.NoArgs,
	RunE:  runEvalViewer,
}

func init() {
	evalListCmd.Flags().IntVar(&evalLimitFlag, "limit", 50, "maximum rows")
	evalCompareBaselineCmd.Flags().Int64Var(&evalBaselineFlag, "baseline", 0,
		"baseline campaign id (default: most recent matching baseline)")
	evalViewerCmd.Flags().StringVar(&viewerHost, "host", "127.0.0.1", "listen host")
	evalViewerCmd.Flags().IntVar(&viewerPort, "port", 8420, "listen port")
	registerSubjectFlags(evalViewerCmd)

	for _, c := range []*cobra.Command{evalAnalyzeCmd, evalCompareCmd, evalCompareBaselineCmd, evalViewerCmd} {
		c.Flags().BoolVar(&evalNoLLM, "no-llm", false,
			"classify commands with deterministic rules instead of the model")
	}

	evalCmd.AddCommand(evalRunCmd, evalListCmd, evalShowCmd, evalAnalyzeCmd,
		evalCompareCmd, evalCompareBaselineCmd, evalViewerCmd)
}

func runEvalRun(cmd *cobra.Command, args []string) error {
	campaign, err := eval.LoadConfig(args[0])
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrFatal, err)
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	opts := eval.Options{
		Store:          st,
		Campaign:       campaign,
		OperatorConfig: cfg,
		BuildSubject: func(params map[string]any) (subject.Subject, error) {
			return subjects.Build(campaign.Subject, params)
		},
		BuildInvariants: subjects.InvariantRegistry,
	}
	if !campaign.Baseline {
		if err := cfg.RequireAPIKey(); err != nil {
			return err
		}
		driver, err := llm.NewAnthropicDriver(cfg.APIKey, cfg.Model, cfg.SummaryModel)
		if err != nil {
			return fmt.Errorf("%w: %v", config.ErrFatal, err)
		}
		opts.Driver = driver
		opts.Summarizer = driver
		opts.ToolRegistry = tools.DefaultRegistry(cfg.SafetyMode)
	}

	harness, err := eval.NewHarness(opts)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrFatal, err)
	}

	ctx, cancel := signalContext()
	defer cancel()

	campaignID, err := harness.Run(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(map[string]any{"campaign_id": campaignID})
	}
	fmt.Printf("campaign %d finished; run `operator eval analyze %d` to score it\n",
		campaignID, campaignID)
	return nil
}

func runEvalList(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	campaigns, err := st.ListCampaigns(cmd.Context(), evalLimitFlag)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(map[string]any{"campaigns": campaigns})
	}

	rows := make([][]string, 0, len(campaigns))
	for _, c := range campaigns {
		kind := "agent"
		if c.IsBaseline {
			kind = "baseline"
		}
		rows = append(rows, []string{
			formatID(c.ID), c.Name, c.SubjectName, c.ChaosType,
			orDash(c.Variant), kind, formatTimestamp(c.CreatedAt),
		})
	}
	printTable([]string{"ID", "NAME", "SUBJECT", "CHAOS", "VARIANT", "KIND", "CREATED"}, rows)
	return nil
}

// runEvalShow resolves the id as a campaign first and falls back to a
// trial, so both `eval show 3` forms work without a type flag.
func runEvalShow(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	campaign, err := st.GetCampaign(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		trial, terr := st.GetTrial(ctx, id)
		if terr != nil {
			return fmt.Errorf("no campaign or trial with id %d", id)
		}
		return showTrial(trial)
	}
	if err != nil {
		return err
	}

	trials, err := st.ListTrials(ctx, id)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(map[string]any{"campaign": campaign, "trials": trials})
	}

	printKV([][2]string{
		{"Campaign", formatID(campaign.ID)},
		{"Name", campaign.Name},
		{"Subject", campaign.SubjectName},
		{"Chaos", campaign.ChaosType},
		{"Variant", orDash(campaign.Variant)},
		{"Baseline", strconv.FormatBool(campaign.IsBaseline)},
		{"Created", formatTimestamp(campaign.CreatedAt)},
	})
	fmt.Println()

	rows := make([][]string, 0, len(trials))
	for _, t := range trials {
		rows = append(rows, []string{
			formatID(t.ID),
			statusCell(string(t.Outcome)),
			formatTimestamp(t.ChaosInjectedAt),
			formatOptTime(t.TicketCreatedAt),
			formatOptTime(t.ResolvedAt),
			strconv.Itoa(len(t.Commands)),
		})
	}
	printTable([]string{"TRIAL", "OUTCOME", "INJECTED", "DETECTED", "RESOLVED", "COMMANDS"}, rows)
	return nil
}

func showTrial(t *models.Trial) error {
	if jsonOutput {
		return printJSON(t)
	}
	printKV([][2]string{
		{"Trial", formatID(t.ID)},
		{"Campaign", formatID(t.CampaignID)},
		{"Outcome", statusCell(string(t.Outcome))},
		{"Started", formatTimestamp(t.StartedAt)},
		{"Injected", formatTimestamp(t.ChaosInjectedAt)},
		{"Detected", formatOptTime(t.TicketCreatedAt)},
		{"Resolved", formatOptTime(t.ResolvedAt)},
		{"Ended", formatTimestamp(t.EndedAt)},
		{"Chaos", formatDetails(t.ChaosMetadata)},
		{"Initial state", formatDetails(t.InitialState)},
		{"Final state", formatDetails(t.FinalState)},
	})
	if len(t.Commands) > 0 {
		fmt.Println()
		rows := make([][]string, 0, len(t.Commands))
		for _, c := range t.Commands {
			rows = append(rows, []string{
				formatTimestamp(c.Timestamp), c.Tool, truncateCell(c.CommandLine(), 72),
			})
		}
		printTable([]string{"TIME", "TOOL", "COMMAND"}, rows)
	}
	return nil
}

func runEvalAnalyze(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	analyzer, err := analyzerForCampaign(ctx, st, id)
	if err != nil {
		return err
	}
	summary, err := analyzer.Analyze(ctx, id)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(summary)
	}
	renderSummary(summary)
	return nil
}

func runEvalCompare(cmd *cobra.Command, args []string) error {
	aID, err := parseID(args[0])
	if err != nil {
		return err
	}
	bID, err := parseID(args[1])
	if err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	analyzer, err := analyzerForCampaign(ctx, st, aID)
	if err != nil {
		return err
	}
	comparison, err := analyzer.Compare(ctx, aID, bID)
	if err != nil {
		return err
	}
	return renderComparison(comparison)
}

func runEvalCompareBaseline(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}

	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := cmd.Context()
	analyzer, err := analyzerForCampaign(ctx, st, id)
	if err != nil {
		return err
	}
	comparison, err := analyzer.CompareBaseline(ctx, id, evalBaselineFlag)
	if err != nil {
		return err
	}
	return renderComparison(comparison)
}

func runEvalViewer(cmd *cobra.Command, args []string) error {
	st, err := openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	// The viewer's analysis endpoint needs one health predicate, so it is
	// bound to a single subject adapter per process.
	params, err := parseSubjectParams(subjectParams)
	if err != nil {
		return err
	}
	subj, err := subjects.Build(subjectName, params)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrFatal, err)
	}
	healthy := func(state map[string]any) bool {
		return subj.IsHealthy(models.Observation(state))
	}
	analyzer := eval.NewAnalyzer(st, classifier(), healthy)

	ctx, cancel := signalContext()
	defer cancel()

	addr := net.JoinHostPort(viewerHost, strconv.Itoa(viewerPort))
	err = api.NewServer(st, analyzer).Run(ctx, addr)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// analyzerForCampaign builds an analyzer whose health predicate matches the
// campaign's subject.
func analyzerForCampaign(ctx context.Context, st *store.Store, campaignID int64) (*eval.Analyzer, error) {
	campaign, err := st.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	healthy, err := subjectHealthy(campaign.SubjectName)
	if err != nil {
		return nil, err
	}
	return eval.NewAnalyzer(st, classifier(), healthy), nil
}

// subjectHealthy wraps a subject adapter's IsHealthy over raw state maps.
// The adapter is built with default parameters; health predicates only read
// the observation, never the live system.
func subjectHealthy(name string) (eval.HealthyFunc, error) {
	subj, err := subjects.Build(name, nil)
	if err != nil {
		return nil, err
	}
	return func(state map[string]any) bool {
		return subj.IsHealthy(models.Observation(state))
	}, nil
}

// classifier picks the command classifier: the model at temperature 0, or
// the deterministic rule table with --no-llm or no API key.
func classifier() llm.Classifier {
	if evalNoLLM {
		return llm.RuleClassifier{}
	}
	if cfg.APIKey == "" {
		slog.Warn("No API key, classifying commands by rules")
		return llm.RuleClassifier{}
	}
	driver, err := llm.NewAnthropicDriver(cfg.APIKey, cfg.Model, cfg.SummaryModel)
	if err != nil {
		slog.Warn("Failed to build model classifier, classifying by rules", "error", err)
		return llm.RuleClassifier{}
	}
	return driver
}

func renderSummary(s *eval.CampaignSummary) {
	kind := "agent"
	if s.IsBaseline {
		kind = "baseline"
	}
	printKV([][2]string{
		{"Campaign", fmt.Sprintf("%d (%s, %s)", s.CampaignID, s.Name, kind)},
		{"Subject / chaos", s.SubjectName + " / " + s.ChaosType},
		{"Trials", strconv.Itoa(s.Trials)},
		{"Outcomes", fmt.Sprintf("%d resolved, %d escalated, %d timeout, %d error",
			s.ResolvedCount, s.EscalatedCount, s.TimeoutCount, s.ErrorCount)},
		{"Win rate", formatRate(s.WinRate)},
		{"Mean detect", formatSeconds(s.MeanTimeToDetectSeconds)},
		{"Mean resolve", formatSeconds(s.MeanTimeToResolveSeconds)},
	})
	fmt.Println()

	rows := make([][]string, 0, len(s.TrialScores))
	for _, score := range s.TrialScores {
		win := badStyle.Render("no")
		if score.Resolved {
			win = goodStyle.Render("yes")
		}
		thrash := "-"
		if score.ThrashingDetected {
			thrash = warnStyle.Render("yes")
		}
		rows = append(rows, []string{
			formatID(score.TrialID),
			string(score.Outcome),
			win,
			formatSeconds(score.TimeToDetectSeconds),
			formatSeconds(score.TimeToResolveSeconds),
			strconv.Itoa(score.CommandCount),
			strconv.Itoa(score.UniqueCommandCount),
			strconv.Itoa(score.DestructiveCount),
			thrash,
		})
	}
	printTable([]string{"TRIAL", "OUTCOME", "WIN", "DETECT", "RESOLVE", "CMDS", "UNIQUE", "DESTRUCTIVE", "THRASH"}, rows)
}

func renderComparison(c *eval.Comparison) error {
	if jsonOutput {
		return printJSON(c)
	}

	printTable(
		[]string{"", "A: " + c.A.Name, "B: " + c.B.Name},
		[][]string{
			{"Campaign", formatID(c.A.CampaignID), formatID(c.B.CampaignID)},
			{"Trials", strconv.Itoa(c.A.Trials), strconv.Itoa(c.B.Trials)},
			{"Win rate", formatRate(c.A.WinRate), formatRate(c.B.WinRate)},
			{"Mean detect", formatSeconds(c.A.MeanTimeToDetectSeconds), formatSeconds(c.B.MeanTimeToDetectSeconds)},
			{"Mean resolve", formatSeconds(c.A.MeanTimeToResolveSeconds), formatSeconds(c.B.MeanTimeToResolveSeconds)},
		})

	verdict := "tie"
	switch c.Winner {
	case eval.WinnerA:
		verdict = c.A.Name
	case eval.WinnerB:
		verdict = c.B.Name
	}
	fmt.Printf("\nwinner: %s (win rate delta %+.2f)\n", verdict, c.WinRateDelta)
	return nil
}

func formatRate(r float64) string {
	return fmt.Sprintf("%.0f%%", r*100)
}

func formatSeconds(s *float64) string {
	if s == nil {
		return "-"
	}
	return fmt.Sprintf("%.1fs", *s)
}
