// Package agent claims tickets and drives LLM tool-calling conversations to
// remediate them. One Loop handles one ticket at a time; concurrency comes
// from running multiple loops against the same store.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/opsloop/operator/pkg/config"
	"github.com/opsloop/operator/pkg/llm"
	"github.com/opsloop/operator/pkg/models"
	"github.com/opsloop/operator/pkg/store"
	"github.com/opsloop/operator/pkg/subject"
	"github.com/opsloop/operator/pkg/tools"
)

// Loop polls the store for open tickets, claims them, and runs one
// conversation per ticket to a terminal session status.
type Loop struct {
	store      *store.Store
	driver     llm.Driver
	summarizer llm.Summarizer
	registry   *tools.Registry
	subject    subject.Subject
	cfg        *config.Config
	log        *slog.Logger

	// interruptReason names what ended the process, e.g. "SIGTERM". Set by
	// the signal handler before cancelling the loop's context.
	interruptReason func() string

	ticketsHandled int
}

// Options configures a Loop. Driver, Summarizer, Registry, Subject, Store,
// and Config are required; InterruptReason may be nil.
type Options struct {
	Store      *store.Store
	Driver     llm.Driver
	Summarizer llm.Summarizer
	Registry   *tools.Registry
	Subject    subject.Subject
	Config     *config.Config

	InterruptReason func() string
}

// New builds an agent loop.
func New(opts Options) *Loop {
	reason := opts.InterruptReason
	if reason == nil {
		reason = func() string { return "shutdown" }
	}
	return &Loop{
		store:           opts.Store,
		driver:          opts.Driver,
		summarizer:      opts.Summarizer,
		registry:        opts.Registry,
		subject:         opts.Subject,
		cfg:             opts.Config,
		log:             slog.With("component", "agent", "subject", opts.Subject.Name()),
		interruptReason: reason,
	}
}

// Run polls until ctx is cancelled. Each iteration claims at most one ticket
// and handles it to completion before polling again.
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("Agent loop started",
		"poll_interval", l.cfg.PollInterval,
		"safety_mode", l.cfg.SafetyMode,
		"approval_mode", l.cfg.ApprovalMode)

	for {
		if ctx.Err() != nil {
			l.log.Info("Agent loop shutting down", "tickets_handled", l.ticketsHandled)
			return nil
		}

		err := l.RunOnce(ctx)
		switch {
		case errors.Is(err, store.ErrNoOpenTickets):
			l.sleep(ctx, l.jitteredPoll())
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			// Shutdown mid-session; the finalizer already wrote terminal
			// state. Loop around and exit via the ctx check.
		case err != nil:
			l.log.Error("Ticket handling failed", "error", err)
			l.sleep(ctx, time.Second)
		default:
			l.ticketsHandled++
		}
	}
}

// RunOnce claims and handles a single ticket. Returns store.ErrNoOpenTickets
// when there is nothing to claim. Exported so the evaluation harness and
// tests can drive the loop deterministically.
func (l *Loop) RunOnce(ctx context.Context) error {
	sessionID := models.NewSessionID(time.Now())

	ticket, err := l.store.ClaimOpenTicket(ctx, sessionID)
	if err != nil {
		return err
	}

	log := l.log.With("ticket_id", ticket.ID, "session_id", sessionID)
	log.Info("Ticket claimed",
		"invariant", ticket.InvariantName, "violation_key", ticket.ViolationKey)

	if err := l.store.CreateSession(ctx, sessionID, ticket.ID); err != nil {
		// The ticket is claimed but the session row failed; escalate so the
		// ticket does not sit in_progress forever.
		l.finalizeTicket(ticket.ID, models.SessionEscalated,
			"failed to create session: "+err.Error(), log)
		return fmt.Errorf("failed to create session for ticket %d: %w", ticket.ID, err)
	}

	conv := &conversation{
		loop:      l,
		ticket:    ticket,
		sessionID: sessionID,
		log:       log,
	}
	outcome, err := conv.run(ctx)
	if err != nil {
		outcome = l.failureOutcome(ctx, err)
	}

	// Terminal writes use a fresh context: the session ctx is typically
	// already cancelled when we get here on shutdown.
	l.finalizeSession(sessionID, ticket.ID, outcome, log)
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// failureOutcome classifies a conversation error into a terminal status. A
// cancelled context means the operator is shutting down; the ticket
// escalates with the interrupt reason so a human can pick it up.
func (l *Loop) failureOutcome(ctx context.Context, err error) *Outcome {
	if ctx.Err() != nil {
		return &Outcome{
			Status:  models.SessionEscalated,
			Summary: "interrupted by " + l.interruptReason(),
		}
	}
	return &Outcome{
		Status:  models.SessionFailed,
		Summary: "session failed: " + err.Error(),
	}
}

func (l *Loop) finalizeSession(sessionID string, ticketID int64, outcome *Outcome, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := l.store.FinishSession(ctx, sessionID, outcome.Status, outcome.Summary); err != nil {
		log.Error("Failed to finish session", "error", err)
	}
	l.finalizeTicket(ticketID, outcome.Status, outcome.Summary, log)
	log.Info("Session finished", "status", outcome.Status, "summary", outcome.Summary)
}

// finalizeTicket maps the session outcome onto the ticket: completed
// resolves, everything else escalates.
func (l *Loop) finalizeTicket(ticketID int64, status models.SessionStatus, summary string, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var err error
	if status == models.SessionCompleted {
		err = l.store.ResolveTicket(ctx, ticketID, summary)
	} else {
		err = l.store.EscalateTicket(ctx, ticketID, summary)
	}
	if err != nil {
		log.Error("Failed to finalize ticket", "status", status, "error", err)
	}
}

// jitteredPoll spreads concurrent agents across the poll window so they do
// not all hit the store at once.
func (l *Loop) jitteredPoll() time.Duration {
	base := l.cfg.PollInterval
	if base <= 0 {
		base = time.Second
	}
	return base + rand.N(base/4+1)
}

func (l *Loop) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
