// Package monitor drives the observe/check/reconcile cycle: poll the
// subject, evaluate registered invariants, open tickets for persisting
// violations, and auto-close tickets whose violation cleared before any
// agent claimed them.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opsloop/operator/pkg/invariant"
	"github.com/opsloop/operator/pkg/models"
	"github.com/opsloop/operator/pkg/store"
	"github.com/opsloop/operator/pkg/subject"
)

// Options configure a Monitor.
type Options struct {
	// Interval between ticks.
	Interval time.Duration
	// ObserveTimeout bounds each Subject.Observe call.
	ObserveTimeout time.Duration
}

// Monitor is the single-threaded control loop for one subject.
type Monitor struct {
	store    *store.Store
	subject  subject.Subject
	registry *invariant.Registry
	opts     Options
	grace    *graceTracker
	log      *slog.Logger

	observeFailures int
}

// New creates a monitor. All invariants in the registry must target the
// given subject.
func New(st *store.Store, subj subject.Subject, registry *invariant.Registry, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	if opts.ObserveTimeout <= 0 {
		opts.ObserveTimeout = 10 * time.Second
	}
	return &Monitor{
		store:    st,
		subject:  subj,
		registry: registry,
		opts:     opts,
		grace:    newGraceTracker(opts.Interval),
		log:      slog.With("component", "monitor", "subject", subj.Name()),
	}
}

// Run executes ticks at the configured interval until ctx is cancelled. The
// in-flight tick completes before Run returns; the interval wait itself is
// interruptible.
func (m *Monitor) Run(ctx context.Context) error {
	m.log.Info("Monitor started", "interval", m.opts.Interval)
	for _, inv := range m.registry.All() {
		m.log.Info("Invariant registered",
			"invariant", inv.Name, "severity", inv.Severity, "grace_period", inv.GracePeriod)
	}

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		if err := m.Tick(ctx); err != nil {
			m.log.Error("Tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			m.log.Info("Monitor shutting down")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one observe/check/reconcile cycle. Exposed for the evaluation
// harness and tests, which drive cycles explicitly.
func (m *Monitor) Tick(ctx context.Context) error {
	obs, err := m.observe(ctx)
	if err != nil {
		// The monitor does not open tickets for its own outages: log,
		// count, and skip reconciliation entirely so a flapping subject
		// endpoint cannot auto-close live tickets.
		m.observeFailures++
		m.log.Warn("Observation failed, skipping cycle",
			"error", err, "consecutive_failures", m.observeFailures)
		return nil
	}
	m.observeFailures = 0

	observed := m.evaluate(obs)
	return m.reconcile(ctx, observed)
}

// ObserveFailures reports consecutive failed observations, for health
// surfaces.
func (m *Monitor) ObserveFailures() int {
	return m.observeFailures
}

func (m *Monitor) observe(ctx context.Context) (models.Observation, error) {
	obsCtx, cancel := context.WithTimeout(ctx, m.opts.ObserveTimeout)
	defer cancel()
	return m.subject.Observe(obsCtx)
}

type observedViolation struct {
	invariant invariant.Invariant
	violation invariant.Violation
}

// evaluate runs every invariant over the observation. A panic in one
// invariant is fatal to that invariant for this tick only.
func (m *Monitor) evaluate(obs models.Observation) map[violationKey]observedViolation {
	observed := make(map[violationKey]observedViolation)
	for _, inv := range m.registry.All() {
		violations := m.evaluateOne(inv, obs)
		for _, v := range violations {
			observed[violationKey{invariant: inv.Name, key: v.Key}] = observedViolation{
				invariant: inv,
				violation: v,
			}
		}
	}
	return observed
}

func (m *Monitor) evaluateOne(inv invariant.Invariant, obs models.Observation) (violations []invariant.Violation) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("Invariant evaluation panicked",
				"invariant", inv.Name, "panic", fmt.Sprint(r))
			violations = nil
		}
	}()
	return inv.Evaluate(obs)
}

// reconcile opens tickets for persisting observed violations and auto-closes
// open tickets whose violation cleared. Both decisions see the same observed
// set, so open-then-close within one tick cannot happen.
func (m *Monitor) reconcile(ctx context.Context, observed map[violationKey]observedViolation) error {
	live, err := m.store.LiveTicketKeys(ctx, m.subject.Name())
	if err != nil {
		return fmt.Errorf("failed to load live tickets: %w", err)
	}
	tracked := make(map[violationKey]*models.Ticket, len(live))
	for _, t := range live {
		tracked[violationKey{invariant: t.InvariantName, key: t.ViolationKey}] = t
	}

	// Open: observed but untracked, once the grace window is satisfied.
	seen := make(map[violationKey]struct{}, len(observed))
	for key, ov := range observed {
		seen[key] = struct{}{}
		if _, exists := tracked[key]; exists {
			// Grace state keeps accumulating so a restart mid-violation
			// does not matter, but no new ticket opens.
			m.grace.observe(key, ov.invariant.GracePeriod)
			continue
		}
		if !m.grace.observe(key, ov.invariant.GracePeriod) {
			m.log.Debug("Violation within grace period",
				"invariant", key.invariant, "key", key.key)
			continue
		}
		id, created, err := m.store.OpenTicket(ctx, ov.invariant.Name, m.subject.Name(),
			ov.violation.Key, ov.invariant.Severity, ov.violation.Details)
		if err != nil {
			m.log.Error("Failed to open ticket",
				"invariant", key.invariant, "key", key.key, "error", err)
			continue
		}
		if created {
			m.log.Info("Ticket opened",
				"ticket_id", id, "invariant", key.invariant, "key", key.key,
				"severity", ov.invariant.Severity)
		}
	}
	m.grace.prune(seen)

	// Auto-close: tracked but no longer observed. Only never-claimed
	// tickets close; once an agent started working the trace belongs to
	// the session and the agent owns resolution.
	for key, ticket := range tracked {
		if _, stillObserved := observed[key]; stillObserved {
			continue
		}
		if ticket.Status != models.TicketOpen {
			continue
		}
		acted, err := m.store.ResolveTicketIfOpen(ctx, ticket.ID, "invariant cleared")
		if err != nil {
			m.log.Error("Failed to auto-close ticket", "ticket_id", ticket.ID, "error", err)
			continue
		}
		if acted {
			m.log.Info("Ticket auto-closed",
				"ticket_id", ticket.ID, "invariant", key.invariant, "key", key.key)
		}
	}

	return nil
}
