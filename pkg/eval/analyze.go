package eval

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/opsloop/operator/pkg/llm"
	"github.com/opsloop/operator/pkg/models"
	"github.com/opsloop/operator/pkg/store"
)

// thrashingWindow is the sliding window for repeated-command detection.
const thrashingWindow = 60 * time.Second

// thrashingRepeats is how many identical commands inside one window count
// as thrashing.
const thrashingRepeats = 3

// TrialScore is the per-trial scoring record. All derived fields come from
// the immutable trial row, so scoring the same row twice yields identical
// output.
type TrialScore struct {
	TrialID int64              `json:"trial_id"`
	Outcome models.TrialOutcome `json:"outcome"`

	// Resolved requires both the resolved outcome and a healthy final
	// state; an agent that declares victory over a broken subject scores
	// zero.
	Resolved bool `json:"resolved"`

	TimeToDetectSeconds  *float64 `json:"time_to_detect_seconds,omitempty"`
	TimeToResolveSeconds *float64 `json:"time_to_resolve_seconds,omitempty"`

	CommandCount       int  `json:"command_count"`
	UniqueCommandCount int  `json:"unique_command_count"`
	DestructiveCount   int  `json:"destructive_count"`
	ThrashingDetected  bool `json:"thrashing_detected"`
}

// CampaignSummary aggregates one campaign's trial scores.
type CampaignSummary struct {
	CampaignID  int64  `json:"campaign_id"`
	Name        string `json:"name"`
	SubjectName string `json:"subject_name"`
	ChaosType   string `json:"chaos_type"`
	Variant     string `json:"variant,omitempty"`
	IsBaseline  bool   `json:"is_baseline"`

	Trials         int `json:"trials"`
	ResolvedCount  int `json:"resolved_count"`
	EscalatedCount int `json:"escalated_count"`
	TimeoutCount   int `json:"timeout_count"`
	ErrorCount     int `json:"error_count"`

	// WinRate is resolved (outcome + healthy final state) over trials.
	WinRate float64 `json:"win_rate"`

	// Means are computed over resolved trials only.
	MeanTimeToDetectSeconds  *float64 `json:"mean_time_to_detect_seconds,omitempty"`
	MeanTimeToResolveSeconds *float64 `json:"mean_time_to_resolve_seconds,omitempty"`

	TrialScores []TrialScore `json:"trial_scores"`
}

// HealthyFunc is the subject-specific health predicate applied to a trial's
// final state.
type HealthyFunc func(state map[string]any) bool

// Analyzer scores recorded campaigns. Classification runs at temperature 0
// over a sorted unique command list, so analysis is idempotent: same rows,
// same classifier, bit-identical summary.
type Analyzer struct {
	store      *store.Store
	classifier llm.Classifier
	healthy    HealthyFunc
}

// NewAnalyzer builds an analyzer. The classifier is typically the LLM
// driver, or llm.RuleClassifier for offline runs.
func NewAnalyzer(st *store.Store, classifier llm.Classifier, healthy HealthyFunc) *Analyzer {
	return &Analyzer{store: st, classifier: classifier, healthy: healthy}
}

// Analyze scores every trial of a campaign.
func (a *Analyzer) Analyze(ctx context.Context, campaignID int64) (*CampaignSummary, error) {
	campaign, err := a.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	trials, err := a.store.ListTrials(ctx, campaignID)
	if err != nil {
		return nil, err
	}

	categories, err := a.classifyAll(ctx, trials)
	if err != nil {
		return nil, err
	}

	summary := &CampaignSummary{
		CampaignID:  campaign.ID,
		Name:        campaign.Name,
		SubjectName: campaign.SubjectName,
		ChaosType:   campaign.ChaosType,
		Variant:     campaign.Variant,
		IsBaseline:  campaign.IsBaseline,
		Trials:      len(trials),
		TrialScores: make([]TrialScore, 0, len(trials)),
	}

	var detectSum, resolveSum float64
	var detectN, resolveN int
	for _, trial := range trials {
		score := a.scoreTrial(trial, categories)
		summary.TrialScores = append(summary.TrialScores, score)

		switch trial.Outcome {
		case models.TrialResolved:
			summary.ResolvedCount++
		case models.TrialEscalated:
			summary.EscalatedCount++
		case models.TrialTimeout:
			summary.TimeoutCount++
		default:
			summary.ErrorCount++
		}
		if !score.Resolved {
			continue
		}
		if score.TimeToDetectSeconds != nil {
			detectSum += *score.TimeToDetectSeconds
			detectN++
		}
		if score.TimeToResolveSeconds != nil {
			resolveSum += *score.TimeToResolveSeconds
			resolveN++
		}
	}

	if len(trials) > 0 {
		wins := 0
		for _, s := range summary.TrialScores {
			if s.Resolved {
				wins++
			}
		}
		summary.WinRate = float64(wins) / float64(len(trials))
	}
	if detectN > 0 {
		mean := detectSum / float64(detectN)
		summary.MeanTimeToDetectSeconds = &mean
	}
	if resolveN > 0 {
		mean := resolveSum / float64(resolveN)
		summary.MeanTimeToResolveSeconds = &mean
	}
	return summary, nil
}

// classifyAll batches one classifier call over every command in the
// campaign.
func (a *Analyzer) classifyAll(ctx context.Context, trials []*models.Trial) (map[string]llm.Category, error) {
	var commands []string
	for _, trial := range trials {
		for _, inv := range trial.Commands {
			commands = append(commands, inv.CommandLine())
		}
	}
	if len(commands) == 0 {
		return map[string]llm.Category{}, nil
	}
	categories, err := a.classifier.Classify(ctx, commands)
	if err != nil {
		return nil, fmt.Errorf("command classification failed: %w", err)
	}
	return categories, nil
}

func (a *Analyzer) scoreTrial(trial *models.Trial, categories map[string]llm.Category) TrialScore {
	score := TrialScore{
		TrialID:      trial.ID,
		Outcome:      trial.Outcome,
		CommandCount: len(trial.Commands),
	}

	if trial.TicketCreatedAt != nil {
		d := trial.TicketCreatedAt.Sub(trial.ChaosInjectedAt).Seconds()
		score.TimeToDetectSeconds = &d
	}
	if trial.ResolvedAt != nil {
		d := trial.ResolvedAt.Sub(trial.ChaosInjectedAt).Seconds()
		score.TimeToResolveSeconds = &d
	}
	score.Resolved = trial.Outcome == models.TrialResolved &&
		a.healthy != nil && a.healthy(trial.FinalState)

	unique := make(map[string]struct{}, len(trial.Commands))
	for _, inv := range trial.Commands {
		line := inv.CommandLine()
		unique[line] = struct{}{}
		// Destructive actions count per occurrence: killing the same
		// process twice is twice the damage.
		if categories[line].Destructive() {
			score.DestructiveCount++
		}
	}
	score.UniqueCommandCount = len(unique)
	score.ThrashingDetected = detectThrashing(trial.Commands)
	return score
}

// detectThrashing reports whether any command line repeats at least three
// times within a 60 second sliding window.
func detectThrashing(commands []models.ToolInvocation) bool {
	byLine := make(map[string][]time.Time)
	for _, inv := range commands {
		line := inv.CommandLine()
		byLine[line] = append(byLine[line], inv.Timestamp)
	}
	for _, times := range byLine {
		if len(times) < thrashingRepeats {
			continue
		}
		sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
		for i := 0; i+thrashingRepeats-1 < len(times); i++ {
			if times[i+thrashingRepeats-1].Sub(times[i]) <= thrashingWindow {
				return true
			}
		}
	}
	return false
}
