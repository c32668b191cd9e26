// Package e2e boots a complete operator instance against an in-memory
// subject: real store, real monitor and agent loops, scripted model.
package e2e

import (
	"context"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opsloop/operator/pkg/agent"
	"github.com/opsloop/operator/pkg/config"
	"github.com/opsloop/operator/pkg/invariant"
	"github.com/opsloop/operator/pkg/models"
	"github.com/opsloop/operator/pkg/monitor"
	"github.com/opsloop/operator/pkg/store"
	"github.com/opsloop/operator/pkg/tools"
)

// FakeCluster is the test subject: a set of named nodes that chaos marks
// down and the restart_node tool brings back.
type FakeCluster struct {
	mu    sync.Mutex
	nodes map[string]bool
}

// NewFakeCluster creates a cluster with all nodes up.
func NewFakeCluster(names ...string) *FakeCluster {
	nodes := make(map[string]bool, len(names))
	for _, name := range names {
		nodes[name] = true
	}
	return &FakeCluster{nodes: nodes}
}

func (c *FakeCluster) Name() string        { return "fake-cluster" }
func (c *FakeCluster) Description() string { return "in-memory node cluster for end-to-end tests" }

func (c *FakeCluster) Observe(context.Context) (models.Observation, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	up := 0
	var down []string
	for name, alive := range c.nodes {
		if alive {
			up++
		} else {
			down = append(down, name)
		}
	}
	sort.Strings(down)
	return models.Observation{
		"nodes_total": len(c.nodes),
		"nodes_up":    up,
		"nodes_down":  down,
	}, nil
}

func (c *FakeCluster) IsHealthy(obs models.Observation) bool {
	total, _ := obs["nodes_total"].(int)
	up, _ := obs["nodes_up"].(int)
	return total > 0 && up == total
}

// KillNode marks a node down, as chaos would.
func (c *FakeCluster) KillNode(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[name] = false
}

// ReviveNode brings a node back, as remediation would.
func (c *FakeCluster) ReviveNode(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nodes[name] = true
}

// Invariants declares one node-up invariant with a violation per down node.
func (c *FakeCluster) Invariants() []invariant.Invariant {
	return []invariant.Invariant{{
		Name:        "nodes_up",
		SubjectName: c.Name(),
		Severity:    models.SeverityCritical,
		Evaluate: func(obs models.Observation) []invariant.Violation {
			down, _ := obs["nodes_down"].([]string)
			violations := make([]invariant.Violation, 0, len(down))
			for _, name := range down {
				violations = append(violations, invariant.Violation{
					Key:     name,
					Details: map[string]any{"node": name, "state": "down"},
				})
			}
			return violations
		},
	}}
}

// restartTool builds the remediation tool the scripted agent calls.
func restartTool(cluster *FakeCluster) *tools.Tool {
	return &tools.Tool{
		Name:        "restart_node",
		Description: "Restart a cluster node by name.",
		Params: []tools.ParamSpec{
			{Name: "node", Type: "string", Description: "node name", Required: true},
		},
		Mutating:         true,
		RequiresApproval: true,
		Execute: func(_ context.Context, params map[string]any) (*tools.Result, error) {
			node, _ := params["node"].(string)
			cluster.ReviveNode(node)
			return &tools.Result{ExitCode: 0, Output: "restarted " + node}, nil
		},
	}
}

// TestApp runs one operator instance end to end.
type TestApp struct {
	Config  *config.Config
	Store   *store.Store
	Cluster *FakeCluster
	Driver  *ScriptedDriver

	cancel context.CancelFunc
	done   sync.WaitGroup

	mu         sync.Mutex
	signalName string

	t *testing.T
}

type testAppConfig struct {
	safetyMode   config.SafetyMode
	approvalMode bool
	agentEnabled bool
	nodes        []string
	extraTools   []*tools.Tool
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithSafetyMode sets the tool safety mode (default execute).
func WithSafetyMode(mode config.SafetyMode) TestAppOption {
	return func(c *testAppConfig) { c.safetyMode = mode }
}

// WithApprovalMode routes mutating tools through proposals.
func WithApprovalMode() TestAppOption {
	return func(c *testAppConfig) { c.approvalMode = true }
}

// WithoutAgent runs the monitor alone, for auto-close scenarios.
func WithoutAgent() TestAppOption {
	return func(c *testAppConfig) { c.agentEnabled = false }
}

// WithNodes sets the cluster's node names (default node-a, node-b, node-c).
func WithNodes(names ...string) TestAppOption {
	return func(c *testAppConfig) { c.nodes = names }
}

// WithTool adds a tool beyond restart_node.
func WithTool(t *tools.Tool) TestAppOption {
	return func(c *testAppConfig) { c.extraTools = append(c.extraTools, t) }
}

// NewTestApp boots the full stack. Shutdown is registered via t.Cleanup.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{
		safetyMode:   config.SafetyExecute,
		agentEnabled: true,
		nodes:        []string{"node-a", "node-b", "node-c"},
	}
	for _, opt := range opts {
		opt(tc)
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "e2e.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	cluster := NewFakeCluster(tc.nodes...)
	driver := NewScriptedDriver()

	cfg := &config.Config{
		SafetyMode:      tc.safetyMode,
		ApprovalMode:    tc.approvalMode,
		MonitorInterval: 50 * time.Millisecond,
		PollInterval:    20 * time.Millisecond,
		ObserveTimeout:  time.Second,
		MaxTurns:        config.MinMaxTurns,
	}

	registry := tools.NewRegistry(tc.safetyMode)
	registry.MustAdd(restartTool(cluster))
	for _, tool := range tc.extraTools {
		registry.MustAdd(tool)
	}

	invariants := invariant.NewRegistry()
	for _, inv := range cluster.Invariants() {
		invariants.MustRegister(inv)
	}

	ctx, cancel := context.WithCancel(context.Background())
	app := &TestApp{
		Config:     cfg,
		Store:      st,
		Cluster:    cluster,
		Driver:     driver,
		cancel:     cancel,
		signalName: "shutdown",
		t:          t,
	}

	mon := monitor.New(st, cluster, invariants, monitor.Options{
		Interval:       cfg.MonitorInterval,
		ObserveTimeout: cfg.ObserveTimeout,
	})
	app.done.Add(1)
	go func() {
		defer app.done.Done()
		_ = mon.Run(ctx)
	}()

	if tc.agentEnabled {
		loop := agent.New(agent.Options{
			Store:           st,
			Driver:          driver,
			Summarizer:      driver,
			Registry:        registry,
			Subject:         cluster,
			Config:          cfg,
			InterruptReason: app.interruptReason,
		})
		app.done.Add(1)
		go func() {
			defer app.done.Done()
			_ = loop.Run(ctx)
		}()
	}

	t.Cleanup(app.Stop)
	return app
}

// Interrupt simulates a termination signal: records the name, cancels the
// loops, and waits for them to finish.
func (a *TestApp) Interrupt(signalName string) {
	a.mu.Lock()
	a.signalName = signalName
	a.mu.Unlock()
	a.Stop()
}

// Stop cancels the loops and waits for them. Idempotent.
func (a *TestApp) Stop() {
	a.cancel()
	a.done.Wait()
}

func (a *TestApp) interruptReason() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.signalName
}

// WaitTicket polls until a ticket satisfying pred exists, or fails the test.
func (a *TestApp) WaitTicket(timeout time.Duration, pred func(*models.Ticket) bool) *models.Ticket {
	a.t.Helper()
	var found *models.Ticket
	require.Eventually(a.t, func() bool {
		tickets, err := a.Store.ListTickets(context.Background(), models.TicketFilter{})
		if err != nil {
			return false
		}
		for _, ticket := range tickets {
			if pred(ticket) {
				found = ticket
				return true
			}
		}
		return false
	}, timeout, 10*time.Millisecond, "no ticket matched within %s", timeout)
	return found
}

// WaitSession polls until a session satisfying pred exists, or fails the
// test.
func (a *TestApp) WaitSession(timeout time.Duration, pred func(*models.AgentSession) bool) *models.AgentSession {
	a.t.Helper()
	var found *models.AgentSession
	require.Eventually(a.t, func() bool {
		sessions, err := a.Store.ListSessions(context.Background(), models.SessionFilter{})
		if err != nil {
			return false
		}
		for _, session := range sessions {
			if pred(session) {
				found = session
				return true
			}
		}
		return false
	}, timeout, 10*time.Millisecond, "no session matched within %s", timeout)
	return found
}

// statusIs builds a ticket predicate on status.
func statusIs(status models.TicketStatus) func(*models.Ticket) bool {
	return func(t *models.Ticket) bool { return t.Status == status }
}

// sessionTerminal matches any finished session.
func sessionTerminal(s *models.AgentSession) bool {
	return s.Status.Terminal()
}
