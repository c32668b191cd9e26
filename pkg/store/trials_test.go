package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/operator/pkg/models"
)

func TestCampaignAndTrialRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	campaignID, err := s.CreateCampaign(ctx, &models.Campaign{
		Name:        "tikv-node-kill-v1",
		SubjectName: "tikv",
		ChaosType:   "node_kill",
		Variant:     "sonnet-default",
	})
	require.NoError(t, err)

	started := time.Now().Add(-5 * time.Minute)
	injected := started.Add(10 * time.Second)
	detected := injected.Add(4 * time.Second)
	resolved := injected.Add(42 * time.Second)
	ended := resolved.Add(5 * time.Second)

	trialID, err := s.RecordTrial(ctx, &models.Trial{
		CampaignID:      campaignID,
		StartedAt:       started,
		ChaosInjectedAt: injected,
		ChaosMetadata:   map[string]any{"target": "tikv0"},
		TicketCreatedAt: &detected,
		ResolvedAt:      &resolved,
		EndedAt:         ended,
		Outcome:         models.TrialResolved,
		InitialState:    map[string]any{"stores_up": float64(3)},
		FinalState:      map[string]any{"stores_up": float64(3)},
		Commands: []models.ToolInvocation{
			{Timestamp: injected.Add(20 * time.Second), Tool: "shell",
				Params: map[string]any{"command": "docker start tikv0"}},
		},
	})
	require.NoError(t, err)

	trial, err := s.GetTrial(ctx, trialID)
	require.NoError(t, err)
	assert.Equal(t, campaignID, trial.CampaignID)
	assert.Equal(t, models.TrialResolved, trial.Outcome)
	assert.Equal(t, "tikv0", trial.ChaosMetadata["target"])
	require.NotNil(t, trial.TicketCreatedAt)
	assert.WithinDuration(t, detected, *trial.TicketCreatedAt, time.Second)
	require.Len(t, trial.Commands, 1)
	assert.Equal(t, "docker start tikv0", trial.Commands[0].Params["command"])

	trials, err := s.ListTrials(ctx, campaignID)
	require.NoError(t, err)
	assert.Len(t, trials, 1)
}

func TestFirstTicketAfter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	before := time.Now().Add(-1 * time.Minute)

	_, err := s.FirstTicketAfter(ctx, before, "tikv")
	assert.ErrorIs(t, err, ErrNotFound)

	id, _, err := s.OpenTicket(ctx, "stores-up", "tikv", "store-0", models.SeverityCritical, nil)
	require.NoError(t, err)

	// Subject filter applies.
	_, err = s.FirstTicketAfter(ctx, before, "ratelimiter")
	assert.ErrorIs(t, err, ErrNotFound)

	ticket, err := s.FirstTicketAfter(ctx, before, "tikv")
	require.NoError(t, err)
	assert.Equal(t, id, ticket.ID)

	// Tickets opened before the window are invisible.
	_, err = s.FirstTicketAfter(ctx, time.Now().Add(1*time.Hour), "tikv")
	assert.ErrorIs(t, err, ErrNotFound)
}
