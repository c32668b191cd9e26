package monitor

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsloop/operator/pkg/invariant"
	"github.com/opsloop/operator/pkg/models"
	"github.com/opsloop/operator/pkg/store"
)

// fakeSubject returns a scripted sequence of observations.
type fakeSubject struct {
	observations []models.Observation
	errs         []error
	calls        int
}

func (f *fakeSubject) Name() string        { return "fake" }
func (f *fakeSubject) Description() string { return "scripted test subject" }

func (f *fakeSubject) Observe(context.Context) (models.Observation, error) {
	i := f.calls
	f.calls++
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i >= len(f.observations) {
		i = len(f.observations) - 1
	}
	return f.observations[i], nil
}

func (f *fakeSubject) IsHealthy(obs models.Observation) bool {
	down, _ := obs["down"].([]string)
	return len(down) == 0
}

// downStoresInvariant flags every store listed under "down".
func downStoresInvariant(grace time.Duration) invariant.Invariant {
	return invariant.Invariant{
		Name:        "stores-up",
		SubjectName: "fake",
		Severity:    models.SeverityCritical,
		GracePeriod: grace,
		Evaluate: func(obs models.Observation) []invariant.Violation {
			down, _ := obs["down"].([]string)
			var violations []invariant.Violation
			for _, id := range down {
				violations = append(violations, invariant.Violation{
					Key:     id,
					Details: map[string]any{"store_id": id},
				})
			}
			return violations
		},
	}
}

func newTestMonitor(t *testing.T, subj *fakeSubject, invs ...invariant.Invariant) (*Monitor, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "operator.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	registry := invariant.NewRegistry()
	registry.MustRegister(invs...)

	return New(st, subj, registry, Options{Interval: 2 * time.Second}), st
}

func TestDedupUnderViolationPersistence(t *testing.T) {
	// The same violation across 5 consecutive ticks yields exactly one
	// ticket.
	subj := &fakeSubject{observations: []models.Observation{
		{"down": []string{"store-2"}},
	}}
	m, st := newTestMonitor(t, subj, downStoresInvariant(0))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Tick(ctx))
	}

	tickets, err := st.ListTickets(ctx, models.TicketFilter{})
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	assert.Equal(t, models.TicketOpen, tickets[0].Status)
	assert.Equal(t, "store-2", tickets[0].ViolationKey)
}

func TestGracePeriod(t *testing.T) {
	// grace 6s at 2s interval: ticket opens on the 3rd consecutive tick,
	// auto-closes on the 4th when the violation clears.
	subj := &fakeSubject{observations: []models.Observation{
		{"down": []string{"store-2"}},
		{"down": []string{"store-2"}},
		{"down": []string{"store-2"}},
		{"down": []string{}},
	}}
	m, st := newTestMonitor(t, subj, downStoresInvariant(6*time.Second))
	ctx := context.Background()

	require.NoError(t, m.Tick(ctx))
	require.NoError(t, m.Tick(ctx))
	tickets, err := st.ListTickets(ctx, models.TicketFilter{})
	require.NoError(t, err)
	assert.Empty(t, tickets, "no ticket before grace satisfied")

	require.NoError(t, m.Tick(ctx))
	tickets, err = st.ListTickets(ctx, models.TicketFilter{})
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	assert.Equal(t, models.TicketOpen, tickets[0].Status)

	require.NoError(t, m.Tick(ctx))
	ticket, err := st.GetTicket(ctx, tickets[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketResolved, ticket.Status)
	assert.Equal(t, "invariant cleared", ticket.Diagnosis)
}

func TestGraceWindowRestartsAfterClear(t *testing.T) {
	subj := &fakeSubject{observations: []models.Observation{
		{"down": []string{"store-2"}},
		{"down": []string{}},
		{"down": []string{"store-2"}},
		{"down": []string{"store-2"}},
	}}
	m, st := newTestMonitor(t, subj, downStoresInvariant(4*time.Second))
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, m.Tick(ctx))
	}
	// Tick 1 counts 1/2, tick 2 clears, ticks 3-4 count 1/2 then 2/2.
	tickets, err := st.ListTickets(ctx, models.TicketFilter{})
	require.NoError(t, err)
	require.Len(t, tickets, 1)
}

func TestNoAutoCloseInProgress(t *testing.T) {
	subj := &fakeSubject{observations: []models.Observation{
		{"down": []string{"store-2"}},
		{"down": []string{}},
	}}
	m, st := newTestMonitor(t, subj, downStoresInvariant(0))
	ctx := context.Background()

	require.NoError(t, m.Tick(ctx))
	claimed, err := st.ClaimOpenTicket(ctx, "sess-1")
	require.NoError(t, err)

	// Violation clears while the agent holds the ticket.
	require.NoError(t, m.Tick(ctx))

	ticket, err := st.GetTicket(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TicketInProgress, ticket.Status,
		"monitor must never auto-close a claimed ticket")
}

func TestObserveFailureSkipsCycle(t *testing.T) {
	// A failed observation must not auto-close the existing ticket.
	subj := &fakeSubject{
		observations: []models.Observation{
			{"down": []string{"store-2"}},
			nil,
			{"down": []string{"store-2"}},
		},
		errs: []error{nil, errors.New("pd unreachable"), nil},
	}
	m, st := newTestMonitor(t, subj, downStoresInvariant(0))
	ctx := context.Background()

	require.NoError(t, m.Tick(ctx))
	require.NoError(t, m.Tick(ctx)) // observe fails, cycle skipped
	assert.Equal(t, 1, m.ObserveFailures())

	tickets, err := st.ListTickets(ctx, models.TicketFilter{Status: models.TicketOpen})
	require.NoError(t, err)
	assert.Len(t, tickets, 1)

	require.NoError(t, m.Tick(ctx))
	assert.Equal(t, 0, m.ObserveFailures())
}

func TestEvaluatePanicIsolated(t *testing.T) {
	panicky := invariant.Invariant{
		Name:        "panicky",
		SubjectName: "fake",
		Severity:    models.SeverityInfo,
		Evaluate: func(models.Observation) []invariant.Violation {
			panic("boom")
		},
	}
	subj := &fakeSubject{observations: []models.Observation{
		{"down": []string{"store-2"}},
	}}
	m, st := newTestMonitor(t, subj, panicky, downStoresInvariant(0))
	ctx := context.Background()

	// The panicking invariant must not stop the healthy one.
	require.NoError(t, m.Tick(ctx))
	tickets, err := st.ListTickets(ctx, models.TicketFilter{})
	require.NoError(t, err)
	require.Len(t, tickets, 1)
	assert.Equal(t, "stores-up", tickets[0].InvariantName)
}

func TestRunStopsOnCancel(t *testing.T) {
	subj := &fakeSubject{observations: []models.Observation{{"down": []string{}}}}
	m, _ := newTestMonitor(t, subj, downStoresInvariant(0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop within shutdown budget")
	}
}
