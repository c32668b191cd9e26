package eval

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/operator/pkg/config"
	"github.com/opsloop/operator/pkg/invariant"
	"github.com/opsloop/operator/pkg/llm"
	"github.com/opsloop/operator/pkg/models"
	"github.com/opsloop/operator/pkg/store"
	"github.com/opsloop/operator/pkg/subject"
	"github.com/opsloop/operator/pkg/tools"
)

// chaosSubject is an in-memory subject whose single invariant is a healthy
// flag. Chaos flips it down; the fix tool (or self-healing, for baseline
// runs) flips it back.
type chaosSubject struct {
	mu         sync.Mutex
	healthy    bool
	selfHealIn int // observations until self-heal; 0 disables
}

func (s *chaosSubject) Name() string        { return "chaos-stub" }
func (s *chaosSubject) Description() string { return "in-memory chaos test subject" }

func (s *chaosSubject) Observe(context.Context) (models.Observation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.healthy && s.selfHealIn > 0 {
		s.selfHealIn--
		if s.selfHealIn == 0 {
			s.healthy = true
		}
	}
	return models.Observation{"healthy": s.healthy}, nil
}

func (s *chaosSubject) IsHealthy(obs models.Observation) bool {
	healthy, _ := obs["healthy"].(bool)
	return healthy
}

func (s *chaosSubject) Reset(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = true
	return nil
}

func (s *chaosSubject) Inject(_ context.Context, chaosType string, _ map[string]any) (map[string]any, error) {
	if chaosType != "flip_down" {
		return nil, fmt.Errorf("unknown chaos type %q", chaosType)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = false
	return map[string]any{"chaos_type": chaosType}, nil
}

func (s *chaosSubject) Recover(context.Context, map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = true
	return nil
}

func (s *chaosSubject) fix() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthy = true
}

func stubInvariants(subj subject.Subject) (*invariant.Registry, error) {
	reg := invariant.NewRegistry()
	reg.MustRegister(invariant.Invariant{
		Name:        "healthy_flag",
		SubjectName: subj.Name(),
		Severity:    models.SeverityCritical,
		Evaluate: func(obs models.Observation) []invariant.Violation {
			if healthy, _ := obs["healthy"].(bool); healthy {
				return nil
			}
			return []invariant.Violation{{
				Key:     "state",
				Details: map[string]any{"healthy": false},
			}}
		},
	})
	return reg, nil
}

// replayDriver hands each new conversation a fresh copy of the same script.
type replayDriver struct {
	script func() []scriptedHarnessReply
}

type scriptedHarnessReply struct {
	reply *llm.Reply
	err   error
}

type replayConversation struct {
	replies []scriptedHarnessReply
	i       int
}

func (d *replayDriver) NewConversation(string, []llm.ToolDef) llm.Conversation {
	return &replayConversation{replies: d.script()}
}

func (c *replayConversation) next(ctx context.Context) (*llm.Reply, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if c.i >= len(c.replies) {
		return nil, fmt.Errorf("script exhausted")
	}
	r := c.replies[c.i]
	c.i++
	return r.reply, r.err
}

func (c *replayConversation) Send(ctx context.Context, _ string) (*llm.Reply, error) {
	return c.next(ctx)
}

func (c *replayConversation) SendToolResults(ctx context.Context, _ []llm.ToolResult) (*llm.Reply, error) {
	return c.next(ctx)
}

type fixedSummarizer string

func (s fixedSummarizer) Summarize(context.Context, string) (string, error) {
	return string(s), nil
}

func harnessCampaign(baseline bool, trials int) *CampaignConfig {
	return &CampaignConfig{
		Name:                  "stub-flip-down",
		Subject:               "chaos-stub",
		ChaosType:             "flip_down",
		Baseline:              baseline,
		Trials:                trials,
		Parallelism:           1,
		DetectTimeoutSeconds:  10,
		ResolveTimeoutSeconds: 20,
	}
}

func runHarness(t *testing.T, subj *chaosSubject, campaign *CampaignConfig, driver llm.Driver) (*store.Store, int64) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "harness.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	registry := tools.NewRegistry(config.SafetyExecute)
	registry.MustAdd(&tools.Tool{
		Name:        "fix",
		Description: "repairs the subject",
		Execute: func(context.Context, map[string]any) (*tools.Result, error) {
			subj.fix()
			return &tools.Result{ExitCode: 0, Output: "fixed"}, nil
		},
	})

	h, err := NewHarness(Options{
		Store:          st,
		Campaign:       campaign,
		OperatorConfig: &config.Config{SafetyMode: config.SafetyExecute, MaxTurns: 16},
		BuildSubject: func(map[string]any) (subject.Subject, error) {
			return subj, nil
		},
		BuildInvariants: stubInvariants,
		Driver:          driver,
		Summarizer:      fixedSummarizer("flipped the flag back"),
		ToolRegistry:    registry,

		MonitorInterval: 50 * time.Millisecond,
		AgentPoll:       20 * time.Millisecond,
		DetectPoll:      20 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	campaignID, err := h.Run(ctx)
	require.NoError(t, err)
	return st, campaignID
}

func TestHarnessAgentResolvesTrials(t *testing.T) {
	subj := &chaosSubject{healthy: true}
	driver := &replayDriver{script: func() []scriptedHarnessReply {
		return []scriptedHarnessReply{
			{reply: &llm.Reply{
				Text:      "Flag is down, fixing it.",
				ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "fix", Params: map[string]any{}}},
			}},
			{reply: &llm.Reply{Text: "Flag is healthy again.\nresolved"}},
		}
	}}

	st, campaignID := runHarness(t, subj, harnessCampaign(false, 2), driver)
	ctx := context.Background()

	trials, err := st.ListTrials(ctx, campaignID)
	require.NoError(t, err)
	require.Len(t, trials, 2)

	for _, trial := range trials {
		assert.Equal(t, models.TrialResolved, trial.Outcome)
		require.NotNil(t, trial.TicketCreatedAt)
		require.NotNil(t, trial.ResolvedAt)
		assert.True(t, subj.IsHealthy(trial.FinalState))
		assert.True(t, subj.IsHealthy(trial.InitialState))

		var toolNames []string
		for _, cmd := range trial.Commands {
			toolNames = append(toolNames, cmd.Tool)
		}
		assert.Contains(t, toolNames, "fix")
	}

	// Every trial left a resolved ticket and a completed session behind.
	tickets, err := st.ListTickets(ctx, models.TicketFilter{})
	require.NoError(t, err)
	require.Len(t, tickets, 2)
	for _, ticket := range tickets {
		assert.Equal(t, models.TicketResolved, ticket.Status)
	}
}

func TestHarnessBaselineSelfHeal(t *testing.T) {
	// Baseline trials run without the agent: the subject self-heals after a
	// few observations and the monitor auto-closes the ticket.
	subj := &chaosSubject{healthy: true}
	subj.selfHealIn = 4

	st, campaignID := runHarness(t, subj, harnessCampaign(true, 1), nil)
	ctx := context.Background()

	campaign, err := st.GetCampaign(ctx, campaignID)
	require.NoError(t, err)
	assert.True(t, campaign.IsBaseline)

	trials, err := st.ListTrials(ctx, campaignID)
	require.NoError(t, err)
	require.Len(t, trials, 1)
	assert.Equal(t, models.TrialResolved, trials[0].Outcome)
	assert.Empty(t, trials[0].Commands, "no agent ran")

	sessions, err := st.ListSessions(ctx, models.SessionFilter{})
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestHarnessBaselineTimeout(t *testing.T) {
	// No self-healing and no agent: detection succeeds, resolution never
	// happens, the trial times out.
	subj := &chaosSubject{healthy: true}
	campaign := harnessCampaign(true, 1)
	campaign.ResolveTimeoutSeconds = 1

	st, campaignID := runHarness(t, subj, campaign, nil)

	trials, err := st.ListTrials(context.Background(), campaignID)
	require.NoError(t, err)
	require.Len(t, trials, 1)
	assert.Equal(t, models.TrialTimeout, trials[0].Outcome)
	require.NotNil(t, trials[0].TicketCreatedAt)
	assert.Nil(t, trials[0].ResolvedAt)
}
