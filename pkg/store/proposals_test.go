package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/operator/pkg/models"
)

func TestProposalLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ticketID, _, err := s.OpenTicket(ctx, "a", "tikv", "k", models.SeverityInfo, nil)
	require.NoError(t, err)

	id, err := s.CreateProposal(ctx, ticketID, "restart_node", map[string]any{"target": "tikv0"})
	require.NoError(t, err)

	p, err := s.GetProposal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalValidated, p.Status)
	require.NotNil(t, p.ValidatedAt)
	assert.False(t, p.IsApproved())

	require.NoError(t, s.ApproveProposal(ctx, id, "alice"))
	p, err = s.GetProposal(ctx, id)
	require.NoError(t, err)
	assert.True(t, p.IsApproved())
	assert.Equal(t, "alice", p.ApprovedBy)
}

func TestProposalReject(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ticketID, _, err := s.OpenTicket(ctx, "a", "tikv", "k", models.SeverityInfo, nil)
	require.NoError(t, err)
	id, err := s.CreateProposal(ctx, ticketID, "restart_node", nil)
	require.NoError(t, err)

	// Reason is mandatory.
	var ve *ValidationError
	assert.ErrorAs(t, s.RejectProposal(ctx, id, "bob", ""), &ve)

	require.NoError(t, s.RejectProposal(ctx, id, "bob", "too risky"))
	p, err := s.GetProposal(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.ProposalCancelled, p.Status)
	assert.Equal(t, "too risky", p.RejectionReason)

	// Cancelled proposals cannot be approved or rejected again.
	assert.ErrorIs(t, s.ApproveProposal(ctx, id, "alice"), ErrStateConflict)
	assert.ErrorIs(t, s.RejectProposal(ctx, id, "bob", "still risky"), ErrStateConflict)
}

func TestProposalNotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.GetProposal(ctx, 42)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.ApproveProposal(ctx, 42, "alice"), ErrNotFound)
}
