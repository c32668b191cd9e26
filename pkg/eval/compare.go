package eval

import (
	"context"
	"fmt"

	"github.com/opsloop/operator/pkg/store"
)

// Winner flags for comparisons.
const (
	WinnerA   = "a"
	WinnerB   = "b"
	WinnerTie = "tie"
)

// Comparison is the result of scoring two campaigns against each other.
// Deltas are A minus B.
type Comparison struct {
	A *CampaignSummary `json:"a"`
	B *CampaignSummary `json:"b"`

	Winner       string  `json:"winner"`
	WinRateDelta float64 `json:"win_rate_delta"`

	MeanDetectDeltaSeconds  *float64 `json:"mean_detect_delta_seconds,omitempty"`
	MeanResolveDeltaSeconds *float64 `json:"mean_resolve_delta_seconds,omitempty"`
}

// Compare scores two campaigns head to head. Both must target the same
// subject and chaos type; anything else is apples to oranges.
func (a *Analyzer) Compare(ctx context.Context, aID, bID int64) (*Comparison, error) {
	summaryA, err := a.Analyze(ctx, aID)
	if err != nil {
		return nil, err
	}
	summaryB, err := a.Analyze(ctx, bID)
	if err != nil {
		return nil, err
	}

	if summaryA.SubjectName != summaryB.SubjectName || summaryA.ChaosType != summaryB.ChaosType {
		return nil, store.NewValidationError("campaigns",
			fmt.Sprintf("cannot compare %s/%s against %s/%s",
				summaryA.SubjectName, summaryA.ChaosType,
				summaryB.SubjectName, summaryB.ChaosType))
	}
	return buildComparison(summaryA, summaryB), nil
}

// CompareBaseline compares a campaign against a baseline campaign. With
// baselineID zero, the most recent baseline for the same subject and chaos
// type is used.
func (a *Analyzer) CompareBaseline(ctx context.Context, id, baselineID int64) (*Comparison, error) {
	summary, err := a.Analyze(ctx, id)
	if err != nil {
		return nil, err
	}

	if baselineID == 0 {
		baselineID, err = a.findBaseline(ctx, summary)
		if err != nil {
			return nil, err
		}
	}
	baseline, err := a.Analyze(ctx, baselineID)
	if err != nil {
		return nil, err
	}
	if !baseline.IsBaseline {
		return nil, store.NewValidationError("baseline",
			fmt.Sprintf("campaign %d is not a baseline campaign", baselineID))
	}
	if summary.SubjectName != baseline.SubjectName || summary.ChaosType != baseline.ChaosType {
		return nil, store.NewValidationError("baseline",
			fmt.Sprintf("baseline %d targets %s/%s, campaign %d targets %s/%s",
				baselineID, baseline.SubjectName, baseline.ChaosType,
				id, summary.SubjectName, summary.ChaosType))
	}
	return buildComparison(summary, baseline), nil
}

func (a *Analyzer) findBaseline(ctx context.Context, summary *CampaignSummary) (int64, error) {
	campaigns, err := a.store.ListCampaigns(ctx, 0)
	if err != nil {
		return 0, err
	}
	for _, c := range campaigns {
		if c.IsBaseline && c.SubjectName == summary.SubjectName && c.ChaosType == summary.ChaosType {
			return c.ID, nil
		}
	}
	return 0, fmt.Errorf("no baseline campaign found for %s/%s: %w",
		summary.SubjectName, summary.ChaosType, store.ErrNotFound)
}

// buildComparison picks a winner: higher win rate, ties broken by lower
// mean resolve time over resolved trials.
func buildComparison(a, b *CampaignSummary) *Comparison {
	cmp := &Comparison{
		A:            a,
		B:            b,
		WinRateDelta: a.WinRate - b.WinRate,
	}
	cmp.MeanDetectDeltaSeconds = deltaPtr(a.MeanTimeToDetectSeconds, b.MeanTimeToDetectSeconds)
	cmp.MeanResolveDeltaSeconds = deltaPtr(a.MeanTimeToResolveSeconds, b.MeanTimeToResolveSeconds)

	switch {
	case a.WinRate > b.WinRate:
		cmp.Winner = WinnerA
	case b.WinRate > a.WinRate:
		cmp.Winner = WinnerB
	default:
		cmp.Winner = resolveTie(a.MeanTimeToResolveSeconds, b.MeanTimeToResolveSeconds)
	}
	return cmp
}

func resolveTie(a, b *float64) string {
	switch {
	case a != nil && b != nil && *a < *b:
		return WinnerA
	case a != nil && b != nil && *b < *a:
		return WinnerB
	case a != nil && b == nil:
		return WinnerA
	case b != nil && a == nil:
		return WinnerB
	default:
		return WinnerTie
	}
}

func deltaPtr(a, b *float64) *float64 {
	if a == nil || b == nil {
		return nil
	}
	d := *a - *b
	return &d
}
