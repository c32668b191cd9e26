package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/operator/pkg/config"
	"github.com/opsloop/operator/pkg/llm"
	"github.com/opsloop/operator/pkg/models"
	"github.com/opsloop/operator/pkg/store"
	"github.com/opsloop/operator/pkg/tools"
)

// scriptedDriver replays a fixed sequence of replies, one per model call,
// regardless of what was sent.
type scriptedDriver struct {
	replies []scriptedReply
	calls   int
}

type scriptedReply struct {
	reply *llm.Reply
	err   error
}

func (d *scriptedDriver) NewConversation(_ string, _ []llm.ToolDef) llm.Conversation {
	return (*scriptedConversation)(d)
}

type scriptedConversation scriptedDriver

func (c *scriptedConversation) next(ctx context.Context) (*llm.Reply, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if c.calls >= len(c.replies) {
		return nil, fmt.Errorf("scripted driver exhausted after %d calls", c.calls)
	}
	r := c.replies[c.calls]
	c.calls++
	return r.reply, r.err
}

func (c *scriptedConversation) Send(ctx context.Context, _ string) (*llm.Reply, error) {
	return c.next(ctx)
}

func (c *scriptedConversation) SendToolResults(ctx context.Context, _ []llm.ToolResult) (*llm.Reply, error) {
	return c.next(ctx)
}

type stubSummarizer struct {
	summary string
	err     error
}

func (s stubSummarizer) Summarize(context.Context, string) (string, error) {
	return s.summary, s.err
}

type stubSubject struct{ name string }

func (s stubSubject) Name() string                                   { return s.name }
func (s stubSubject) Description() string                            { return "stub subject for loop tests" }
func (s stubSubject) Observe(context.Context) (models.Observation, error) { return models.Observation{}, nil }
func (s stubSubject) IsHealthy(models.Observation) bool              { return true }

// probeTool returns scripted exit codes per invocation and records commands.
func probeTool(exitCodes []int, commands *[]string) *tools.Tool {
	i := 0
	return &tools.Tool{
		Name:        "probe",
		Description: "test probe",
		Params: []tools.ParamSpec{
			{Name: "command", Type: "string", Required: true},
		},
		Mutating:         true,
		RequiresApproval: true,
		Execute: func(_ context.Context, params map[string]any) (*tools.Result, error) {
			if commands != nil {
				*commands = append(*commands, params["command"].(string))
			}
			code := 0
			if i < len(exitCodes) {
				code = exitCodes[i]
			}
			i++
			return &tools.Result{ExitCode: code, Output: fmt.Sprintf("exit %d", code)}, nil
		},
	}
}

type loopFixture struct {
	store    *store.Store
	ticketID int64
}

func newLoopFixture(t *testing.T) *loopFixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	id, created, err := st.OpenTicket(context.Background(),
		"stores_up", "stub", "store-1", models.SeverityCritical,
		map[string]any{"store": "store-1", "state": "Down"})
	require.NoError(t, err)
	require.True(t, created)
	return &loopFixture{store: st, ticketID: id}
}

func (f *loopFixture) loop(t *testing.T, driver llm.Driver, registry *tools.Registry, cfgMut ...func(*config.Config)) *Loop {
	t.Helper()
	cfg := &config.Config{
		SafetyMode:   config.SafetyExecute,
		MaxTurns:     16,
		PollInterval: 0,
	}
	for _, mut := range cfgMut {
		mut(cfg)
	}
	if registry == nil {
		registry = tools.NewRegistry(cfg.SafetyMode)
		registry.MustAdd(probeTool(nil, nil))
	}
	return New(Options{
		Store:      f.store,
		Driver:     driver,
		Summarizer: stubSummarizer{summary: "restarted store-1; cluster healthy"},
		Registry:   registry,
		Subject:    stubSubject{name: "stub"},
		Config:     cfg,
	})
}

func toolCallReply(text, id, command string) scriptedReply {
	return scriptedReply{reply: &llm.Reply{
		Text: text,
		ToolCalls: []llm.ToolCall{
			{ID: id, Name: "probe", Params: map[string]any{"command": command}},
		},
	}}
}

func textReply(text string) scriptedReply {
	return scriptedReply{reply: &llm.Reply{Text: text}}
}

func TestLoopResolvesTicket(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()

	var commands []string
	registry := tools.NewRegistry(config.SafetyExecute)
	registry.MustAdd(probeTool([]int{0}, &commands))

	driver := &scriptedDriver{replies: []scriptedReply{
		toolCallReply("Store-1 is down, restarting it.", "call_1", "docker start store-1"),
		textReply("Store-1 is back up and serving.\nresolved"),
	}}

	loop := f.loop(t, driver, registry)
	require.NoError(t, loop.RunOnce(ctx))

	ticket, err := f.store.GetTicket(ctx, f.ticketID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketResolved, ticket.Status)
	assert.Equal(t, "restarted store-1; cluster healthy", ticket.Diagnosis)
	assert.Equal(t, []string{"docker start store-1"}, commands)

	sessions, err := f.store.ListSessions(ctx, models.SessionFilter{})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, models.SessionCompleted, sessions[0].Status)
	assert.Equal(t, ticket.AssignedSessionID, sessions[0].SessionID)
	assert.NotNil(t, sessions[0].EndedAt)
}

func TestLoopAuditTrail(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()

	registry := tools.NewRegistry(config.SafetyExecute)
	registry.MustAdd(probeTool([]int{0}, nil))

	driver := &scriptedDriver{replies: []scriptedReply{
		toolCallReply("Checking the store.", "call_1", "docker ps"),
		textReply("All good.\nresolved"),
	}}
	require.NoError(t, f.loop(t, driver, registry).RunOnce(ctx))

	sessions, err := f.store.ListSessions(ctx, models.SessionFilter{})
	require.NoError(t, err)
	require.Len(t, sessions, 1)

	entries, err := f.store.GetSessionEntries(ctx, sessions[0].SessionID)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	types := make([]models.EntryType, len(entries))
	for i, e := range entries {
		assert.Equal(t, i, e.Seq)
		types[i] = e.EntryType
	}
	assert.Equal(t, []models.EntryType{
		models.EntryReasoning, models.EntryToolCall, models.EntryToolResult, models.EntryReasoning,
	}, types)

	assert.Equal(t, "docker ps", entries[1].Content)
	assert.Equal(t, "probe", entries[1].ToolName)
	require.NotNil(t, entries[2].ExitCode)
	assert.Equal(t, 0, *entries[2].ExitCode)
}

func TestLoopTurnLimit(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()

	var replies []scriptedReply
	for i := 0; i < 20; i++ {
		// Alternate commands so the consecutive-failure guard stays quiet.
		replies = append(replies, toolCallReply("Retrying.", fmt.Sprintf("call_%d", i),
			fmt.Sprintf("docker ps --filter n=%d", i)))
	}

	driver := &scriptedDriver{replies: replies}
	loop := f.loop(t, driver, nil, func(cfg *config.Config) { cfg.MaxTurns = 4 })
	require.NoError(t, loop.RunOnce(ctx))

	ticket, err := f.store.GetTicket(ctx, f.ticketID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketEscalated, ticket.Status)

	sessions, err := f.store.ListSessions(ctx, models.SessionFilter{})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, models.SessionEscalated, sessions[0].Status)
	// 4 turns, each with one call and one result, plus reasoning per turn
	// and the final truncated reasoning.
	assert.Equal(t, 5, driver.calls)
}

func TestLoopConsecutiveFailuresEscalate(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()

	var commands []string
	registry := tools.NewRegistry(config.SafetyExecute)
	registry.MustAdd(probeTool([]int{1, 1, 1, 1, 1}, &commands))

	var replies []scriptedReply
	for i := 0; i < 10; i++ {
		replies = append(replies, toolCallReply("Trying again.", fmt.Sprintf("call_%d", i),
			"docker start store-1"))
	}

	driver := &scriptedDriver{
		replies: replies,
	}
	loop := f.loop(t, driver, registry, func(cfg *config.Config) {
		cfg.SafetyMode = config.SafetyExecute
	})
	loop.summarizer = stubSummarizer{err: errors.New("summarizer offline")}
	require.NoError(t, loop.RunOnce(ctx))

	ticket, err := f.store.GetTicket(ctx, f.ticketID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketEscalated, ticket.Status)
	assert.Contains(t, ticket.Diagnosis, "3 times in a row")
	assert.Len(t, commands, 3)
}

func TestLoopFailureCounterResetsOnSuccess(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()

	// fail, fail, success, fail, fail, then resolve: never three in a row.
	registry := tools.NewRegistry(config.SafetyExecute)
	registry.MustAdd(probeTool([]int{1, 1, 0, 1, 1}, nil))

	var replies []scriptedReply
	for i := 0; i < 5; i++ {
		replies = append(replies, toolCallReply("Working.", fmt.Sprintf("call_%d", i),
			"docker start store-1"))
	}
	replies = append(replies, textReply("Done.\nresolved"))

	driver := &scriptedDriver{replies: replies}
	require.NoError(t, f.loop(t, driver, registry).RunOnce(ctx))

	ticket, err := f.store.GetTicket(ctx, f.ticketID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketResolved, ticket.Status)
}

func TestLoopApprovalModeProposesAndEscalates(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()

	driver := &scriptedDriver{replies: []scriptedReply{
		toolCallReply("Restarting the store.", "call_1", "docker start store-1"),
	}}
	loop := f.loop(t, driver, nil, func(cfg *config.Config) { cfg.ApprovalMode = true })
	require.NoError(t, loop.RunOnce(ctx))

	ticket, err := f.store.GetTicket(ctx, f.ticketID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketEscalated, ticket.Status)

	proposals, err := f.store.ListProposals(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, proposals, 1)
	assert.Equal(t, "probe", proposals[0].ActionName)
	assert.Equal(t, f.ticketID, proposals[0].TicketID)
	assert.Equal(t, models.ProposalValidated, proposals[0].Status)

	sessions, err := f.store.ListSessions(ctx, models.SessionFilter{})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, models.SessionEscalated, sessions[0].Status)
}

func TestLoopProtocolErrorRetriesOnce(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()

	driver := &scriptedDriver{replies: []scriptedReply{
		{err: fmt.Errorf("%w: empty content", llm.ErrProtocol)},
		textReply("Nothing was actually wrong.\nresolved"),
	}}
	require.NoError(t, f.loop(t, driver, nil).RunOnce(ctx))

	ticket, err := f.store.GetTicket(ctx, f.ticketID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketResolved, ticket.Status)
}

func TestLoopProtocolErrorTwiceEscalates(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()

	driver := &scriptedDriver{replies: []scriptedReply{
		{err: fmt.Errorf("%w: empty content", llm.ErrProtocol)},
		{err: fmt.Errorf("%w: still empty", llm.ErrProtocol)},
	}}
	loop := f.loop(t, driver, nil)
	loop.summarizer = stubSummarizer{err: errors.New("offline")}
	require.NoError(t, loop.RunOnce(ctx))

	ticket, err := f.store.GetTicket(ctx, f.ticketID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketEscalated, ticket.Status)
	assert.Contains(t, ticket.Diagnosis, "unparseable")
}

func TestLoopNonSentinelFinalReplyEscalates(t *testing.T) {
	f := newLoopFixture(t)
	ctx := context.Background()

	driver := &scriptedDriver{replies: []scriptedReply{
		textReply("I cannot fix this with the tools available."),
	}}
	loop := f.loop(t, driver, nil)
	loop.summarizer = stubSummarizer{err: errors.New("offline")}
	require.NoError(t, loop.RunOnce(ctx))

	ticket, err := f.store.GetTicket(ctx, f.ticketID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketEscalated, ticket.Status)
	assert.Equal(t, "agent stopped without resolving", ticket.Diagnosis)
}

func TestLoopNoOpenTickets(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "agent.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	f := &loopFixture{store: st}
	loop := f.loop(t, &scriptedDriver{}, nil)
	assert.ErrorIs(t, loop.RunOnce(context.Background()), store.ErrNoOpenTickets)
}

func TestLoopShutdownEscalatesWithSignal(t *testing.T) {
	f := newLoopFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	registry := tools.NewRegistry(config.SafetyExecute)
	i := 0
	registry.MustAdd(&tools.Tool{
		Name:        "probe",
		Description: "test probe",
		Params:      []tools.ParamSpec{{Name: "command", Type: "string", Required: true}},
		Execute: func(context.Context, map[string]any) (*tools.Result, error) {
			i++
			if i == 1 {
				cancel() // shutdown arrives mid-conversation
			}
			return &tools.Result{ExitCode: 0, Output: "ok"}, nil
		},
	})

	driver := &scriptedDriver{replies: []scriptedReply{
		toolCallReply("Inspecting.", "call_1", "docker ps"),
		toolCallReply("Inspecting more.", "call_2", "docker logs store-1"),
	}}

	loop := f.loop(t, driver, registry)
	loop.interruptReason = func() string { return "SIGTERM" }
	require.NoError(t, loop.RunOnce(ctx))

	bg := context.Background()
	ticket, err := f.store.GetTicket(bg, f.ticketID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketEscalated, ticket.Status)
	assert.Equal(t, "interrupted by SIGTERM", ticket.Diagnosis)

	sessions, err := f.store.ListSessions(bg, models.SessionFilter{})
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, models.SessionEscalated, sessions[0].Status)
	assert.Equal(t, "interrupted by SIGTERM", sessions[0].OutcomeSummary)
}

func TestIsResolvedReply(t *testing.T) {
	assert.True(t, isResolvedReply("resolved"))
	assert.True(t, isResolvedReply("The store is back.\nResolved."))
	assert.True(t, isResolvedReply("Everything checks out: resolved"))
	assert.False(t, isResolvedReply("the issue is unresolved"))
	assert.False(t, isResolvedReply("resolved the easy part\nbut one store is still down"))
	assert.False(t, isResolvedReply(""))
}

func TestCallSignature(t *testing.T) {
	a := callSignature(llm.ToolCall{Name: "shell", Params: map[string]any{"command": "ls", "timeout_sec": 5}})
	b := callSignature(llm.ToolCall{Name: "shell", Params: map[string]any{"timeout_sec": 5, "command": "ls"}})
	c := callSignature(llm.ToolCall{Name: "shell", Params: map[string]any{"command": "ls -l"}})
	assert.Equal(t, a, b, "key order must not matter")
	assert.NotEqual(t, a, c)
}
