package e2e

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/operator/pkg/config"
	"github.com/opsloop/operator/pkg/models"
	"github.com/opsloop/operator/pkg/tools"
)

const flowTimeout = 10 * time.Second

func TestDetectAndResolve(t *testing.T) {
	app := NewTestApp(t)
	app.Driver.Script(
		CallTool("restart_node", map[string]any{"node": "node-b"}),
		Say("Node is back and the cluster is healthy.\nresolved"),
	)

	app.Cluster.KillNode("node-b")

	ticket := app.WaitTicket(flowTimeout, statusIs(models.TicketResolved))
	assert.Equal(t, "nodes_up", ticket.InvariantName)
	assert.Equal(t, "node-b", ticket.ViolationKey)
	assert.Equal(t, "scripted summary", ticket.Diagnosis)

	session := app.WaitSession(flowTimeout, sessionTerminal)
	assert.Equal(t, models.SessionCompleted, session.Status)
	assert.Equal(t, ticket.AssignedSessionID, session.SessionID)

	obs, err := app.Cluster.Observe(context.Background())
	require.NoError(t, err)
	assert.True(t, app.Cluster.IsHealthy(obs), "remediation brought the node back")

	// Audit trail: gap-free seq from 0, and every tool_call immediately
	// followed by its tool_result.
	entries, err := app.Store.GetSessionEntries(context.Background(), session.SessionID)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	for i, entry := range entries {
		assert.Equal(t, i, entry.Seq)
		if entry.EntryType == models.EntryToolCall {
			require.Less(t, i+1, len(entries), "tool_call must not be the last entry")
			assert.Equal(t, models.EntryToolResult, entries[i+1].EntryType)
			assert.Equal(t, entry.ToolName, entries[i+1].ToolName)
		}
	}

	// The cluster is healthy again, so exactly one ticket exists.
	tickets, err := app.Store.ListTickets(context.Background(), models.TicketFilter{})
	require.NoError(t, err)
	assert.Len(t, tickets, 1)
}

func TestObserveModeBlocksMutation(t *testing.T) {
	app := NewTestApp(t, WithSafetyMode(config.SafetyObserve))
	app.Driver.Script(
		CallTool("restart_node", map[string]any{"node": "node-a"}),
		Say("The restart was refused, I cannot remediate in observe mode."),
	)

	app.Cluster.KillNode("node-a")

	ticket := app.WaitTicket(flowTimeout, statusIs(models.TicketEscalated))
	assert.Equal(t, "node-a", ticket.ViolationKey)

	obs, err := app.Cluster.Observe(context.Background())
	require.NoError(t, err)
	assert.False(t, app.Cluster.IsHealthy(obs), "observe mode must not mutate the subject")
}

func TestApprovalModeCreatesProposal(t *testing.T) {
	app := NewTestApp(t, WithApprovalMode())
	app.Driver.Script(
		CallTool("restart_node", map[string]any{"node": "node-c"}),
	)

	app.Cluster.KillNode("node-c")

	ticket := app.WaitTicket(flowTimeout, statusIs(models.TicketEscalated))
	assert.Contains(t, ticket.Diagnosis, "approval required")

	proposals, err := app.Store.ListProposals(context.Background(), models.ProposalValidated, 0)
	require.NoError(t, err)
	require.NotEmpty(t, proposals)

	proposal := proposals[len(proposals)-1]
	assert.Equal(t, "restart_node", proposal.ActionName)
	assert.Equal(t, "node-c", proposal.Params["node"])

	// The proposal is actionable out-of-band.
	require.NoError(t, app.Store.ApproveProposal(context.Background(), proposal.ID, "sre-on-call"))
	approved, err := app.Store.GetProposal(context.Background(), proposal.ID)
	require.NoError(t, err)
	assert.NotNil(t, approved.ApprovedAt)
	assert.Equal(t, "sre-on-call", approved.ApprovedBy)
}

func TestInterruptEscalatesInFlightSession(t *testing.T) {
	hang := &tools.Tool{
		Name:        "collect_diagnostics",
		Description: "Gather cluster diagnostics.",
		Execute: func(ctx context.Context, _ map[string]any) (*tools.Result, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	app := NewTestApp(t, WithTool(hang))
	app.Driver.Script(
		CallTool("collect_diagnostics", nil),
		Say("never reached\nresolved"),
	)

	app.Cluster.KillNode("node-a")

	app.WaitSession(flowTimeout, func(s *models.AgentSession) bool {
		return s.Status == models.SessionRunning
	})

	app.Interrupt("SIGTERM")

	// The in-flight session must finalise as escalated promptly after the
	// signal, naming what interrupted it.
	deadline := time.Now().Add(2 * time.Second)
	session := app.WaitSession(time.Until(deadline), sessionTerminal)
	assert.Equal(t, models.SessionEscalated, session.Status)
	assert.Contains(t, session.OutcomeSummary, "interrupted by SIGTERM")

	ticket, err := app.Store.GetTicket(context.Background(), session.TicketID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketEscalated, ticket.Status)
}

func TestMonitorAutoClosesClearedViolation(t *testing.T) {
	app := NewTestApp(t, WithoutAgent())

	app.Cluster.KillNode("node-b")
	ticket := app.WaitTicket(flowTimeout, statusIs(models.TicketOpen))
	assert.Equal(t, "node-b", ticket.ViolationKey)

	app.Cluster.ReviveNode("node-b")
	closed := app.WaitTicket(flowTimeout, statusIs(models.TicketResolved))
	assert.Equal(t, ticket.ID, closed.ID)
	assert.Equal(t, "invariant cleared", closed.Diagnosis)

	sessions, err := app.Store.ListSessions(context.Background(), models.SessionFilter{})
	require.NoError(t, err)
	assert.Empty(t, sessions, "no agent ran")
}

func TestRepeatedEscalationOpensFreshTicket(t *testing.T) {
	// An escalated ticket is terminal; while the violation persists the
	// monitor opens a new one, keeping at most one live ticket per key.
	app := NewTestApp(t, WithSafetyMode(config.SafetyObserve))
	app.Driver.Script(
		Say("Nothing I can do."),
	)

	app.Cluster.KillNode("node-a")
	first := app.WaitTicket(flowTimeout, statusIs(models.TicketEscalated))

	app.WaitTicket(flowTimeout, func(tk *models.Ticket) bool {
		return tk.ID != first.ID && tk.ViolationKey == "node-a"
	})

	tickets, err := app.Store.ListTickets(context.Background(), models.TicketFilter{})
	require.NoError(t, err)
	live := 0
	for _, tk := range tickets {
		if !tk.Status.Terminal() {
			live++
		}
		if strings.HasPrefix(tk.ViolationKey, "node-") {
			assert.Equal(t, "node-a", tk.ViolationKey)
		}
	}
	assert.LessOrEqual(t, live, 1, "at most one live ticket per violation key")
}
