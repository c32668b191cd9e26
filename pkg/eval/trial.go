package eval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opsloop/operator/pkg/models"
	"github.com/opsloop/operator/pkg/store"
	"github.com/opsloop/operator/pkg/subject"
)

// trialRunner executes one trial's phase sequence against one worker's
// subject. The monitor and agent daemons run outside, owned by the worker;
// the runner only observes their effects through the store.
type trialRunner struct {
	store    *store.Store
	subject  subject.Subject
	injector subject.ChaosInjector
	campaign *CampaignConfig

	// detectPoll is the store polling cadence inside DETECT_WAIT and
	// RESOLVE_WAIT.
	detectPoll time.Duration

	log *slog.Logger
}

// run drives SETUP through DONE and returns the trial row to record. The
// row is always returned, with outcome error when a phase failed outright.
func (r *trialRunner) run(ctx context.Context) *models.Trial {
	trial := &models.Trial{StartedAt: time.Now().UTC()}

	outcome, err := r.phases(ctx, trial)
	if err != nil {
		r.log.Error("Trial phase failed", "error", err)
		outcome = models.TrialError
	}
	trial.Outcome = outcome

	// SNAPSHOT runs even on the timeout and error branches; the final state
	// is what makes a timeout diagnosable afterwards.
	r.snapshot(ctx, trial)
	trial.EndedAt = time.Now().UTC()
	r.collectCommands(trial)
	r.recoverChaos(trial)
	return trial
}

func (r *trialRunner) phases(ctx context.Context, trial *models.Trial) (models.TrialOutcome, error) {
	// SETUP
	if resetter, ok := r.subject.(subject.Resetter); ok {
		if err := resetter.Reset(ctx); err != nil {
			return models.TrialError, fmt.Errorf("reset failed: %w", err)
		}
	}
	initial, err := r.subject.Observe(ctx)
	if err != nil {
		return models.TrialError, fmt.Errorf("initial observation failed: %w", err)
	}
	trial.InitialState = initial

	// BASELINE_WAIT
	if err := sleepCtx(ctx, r.campaign.BaselineWait()); err != nil {
		return models.TrialError, err
	}

	// INJECT
	trial.ChaosInjectedAt = time.Now().UTC()
	metadata, err := r.injector.Inject(ctx, r.campaign.ChaosType, r.campaign.ChaosParams)
	if err != nil {
		return models.TrialError, fmt.Errorf("chaos injection failed: %w", err)
	}
	trial.ChaosMetadata = metadata
	r.log.Info("Chaos injected", "chaos_type", r.campaign.ChaosType, "metadata", metadata)

	// DETECT_WAIT
	ticket, err := r.waitForTicket(ctx, trial.ChaosInjectedAt)
	if err != nil {
		return models.TrialError, err
	}
	if ticket == nil {
		r.log.Warn("No ticket within detect window")
		return models.TrialTimeout, nil
	}
	openedAt := ticket.OpenedAt
	trial.TicketCreatedAt = &openedAt
	r.log.Info("Violation detected", "ticket_id", ticket.ID,
		"time_to_detect", openedAt.Sub(trial.ChaosInjectedAt))

	// RESOLVE_WAIT
	final, err := r.waitForTerminal(ctx, ticket.ID)
	if err != nil {
		return models.TrialError, err
	}
	if final == nil {
		r.log.Warn("Ticket not terminal within resolve window", "ticket_id", ticket.ID)
		return models.TrialTimeout, nil
	}
	switch final.Status {
	case models.TicketResolved:
		trial.ResolvedAt = final.ResolvedAt
		return models.TrialResolved, nil
	case models.TicketEscalated:
		return models.TrialEscalated, nil
	default:
		return models.TrialError, fmt.Errorf("ticket %d reached unexpected status %s", final.ID, final.Status)
	}
}

// waitForTicket polls for the first ticket opened at or after the injection
// time. A nil ticket with nil error means the detect window elapsed.
func (r *trialRunner) waitForTicket(ctx context.Context, since time.Time) (*models.Ticket, error) {
	deadline := time.Now().Add(r.campaign.DetectTimeout())
	for time.Now().Before(deadline) {
		ticket, err := r.store.FirstTicketAfter(ctx, since, r.subject.Name())
		switch {
		case err == nil:
			return ticket, nil
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("detect poll failed: %w", err)
		}
		if err := sleepCtx(ctx, r.detectPoll); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// waitForTerminal polls one ticket until it leaves the live states. A nil
// ticket with nil error means the resolve window elapsed.
func (r *trialRunner) waitForTerminal(ctx context.Context, ticketID int64) (*models.Ticket, error) {
	deadline := time.Now().Add(r.campaign.ResolveTimeout())
	for time.Now().Before(deadline) {
		ticket, err := r.store.GetTicket(ctx, ticketID)
		if err != nil {
			return nil, fmt.Errorf("resolve poll failed: %w", err)
		}
		if ticket.Status.Terminal() {
			return ticket, nil
		}
		if err := sleepCtx(ctx, r.detectPoll); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// snapshot captures the final state with a bounded fresh context; the trial
// context may already be cancelled on the error branch.
func (r *trialRunner) snapshot(ctx context.Context, trial *models.Trial) {
	obsCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		obsCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}
	final, err := r.subject.Observe(obsCtx)
	if err != nil {
		r.log.Warn("Final observation failed", "error", err)
		return
	}
	trial.FinalState = final
}

// collectCommands extracts the tool calls issued inside the trial window
// from the audit log.
func (r *trialRunner) collectCommands(trial *models.Trial) {
	if trial.ChaosInjectedAt.IsZero() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	entries, err := r.store.QueryEntriesByTimeRange(ctx, trial.ChaosInjectedAt, trial.EndedAt)
	if err != nil {
		r.log.Warn("Failed to collect trial commands", "error", err)
		return
	}
	for _, entry := range entries {
		if entry.EntryType != models.EntryToolCall {
			continue
		}
		trial.Commands = append(trial.Commands, models.ToolInvocation{
			Timestamp: entry.Timestamp,
			Tool:      entry.ToolName,
			Params:    entry.ToolParams,
		})
	}
}

// recoverChaos best-effort undoes the injected fault so cooldown and the
// next trial's reset start from a recoverable state.
func (r *trialRunner) recoverChaos(trial *models.Trial) {
	if trial.ChaosMetadata == nil || trial.Outcome == models.TrialResolved {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.injector.Recover(ctx, trial.ChaosMetadata); err != nil {
		r.log.Warn("Chaos recovery failed", "error", err)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
