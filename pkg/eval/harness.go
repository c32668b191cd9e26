package eval

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/opsloop/operator/pkg/agent"
	"github.com/opsloop/operator/pkg/config"
	"github.com/opsloop/operator/pkg/invariant"
	"github.com/opsloop/operator/pkg/llm"
	"github.com/opsloop/operator/pkg/models"
	"github.com/opsloop/operator/pkg/monitor"
	"github.com/opsloop/operator/pkg/store"
	"github.com/opsloop/operator/pkg/subject"
	"github.com/opsloop/operator/pkg/tools"
)

// Options wires a Harness. Store, Campaign, OperatorConfig, BuildSubject,
// and BuildInvariants are required; Driver and Summarizer are required
// unless the campaign is a baseline.
type Options struct {
	Store          *store.Store
	Campaign       *CampaignConfig
	OperatorConfig *config.Config

	// BuildSubject constructs one isolated subject per worker.
	BuildSubject func(params map[string]any) (subject.Subject, error)
	// BuildInvariants resolves the invariant set the per-worker monitor
	// runs (normally subjects.InvariantRegistry).
	BuildInvariants func(subject.Subject) (*invariant.Registry, error)

	Driver       llm.Driver
	Summarizer   llm.Summarizer
	ToolRegistry *tools.Registry

	// MonitorInterval overrides the monitor cadence inside trials; eval
	// wants tighter detection than production defaults.
	MonitorInterval time.Duration
	// AgentPoll overrides the agent claim-poll cadence inside trials.
	AgentPoll time.Duration
	// DetectPoll is the harness's own store polling cadence.
	DetectPoll time.Duration
}

// Harness runs one campaign: a worker pool of daemon pairs executing trials.
type Harness struct {
	opts Options
	log  *slog.Logger
}

// NewHarness validates options and applies eval-speed defaults.
func NewHarness(opts Options) (*Harness, error) {
	switch {
	case opts.Store == nil:
		return nil, fmt.Errorf("harness: store is required")
	case opts.Campaign == nil:
		return nil, fmt.Errorf("harness: campaign config is required")
	case opts.OperatorConfig == nil:
		return nil, fmt.Errorf("harness: operator config is required")
	case opts.BuildSubject == nil:
		return nil, fmt.Errorf("harness: subject builder is required")
	case opts.BuildInvariants == nil:
		return nil, fmt.Errorf("harness: invariant builder is required")
	}
	if !opts.Campaign.Baseline {
		if opts.Driver == nil || opts.Summarizer == nil {
			return nil, fmt.Errorf("harness: non-baseline campaigns need an LLM driver and summarizer")
		}
		if opts.ToolRegistry == nil {
			return nil, fmt.Errorf("harness: non-baseline campaigns need a tool registry")
		}
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = 2 * time.Second
	}
	if opts.AgentPoll <= 0 {
		opts.AgentPoll = time.Second
	}
	if opts.DetectPoll <= 0 {
		opts.DetectPoll = 500 * time.Millisecond
	}
	return &Harness{
		opts: opts,
		log:  slog.With("component", "eval", "campaign", opts.Campaign.Name),
	}, nil
}

// Run executes the campaign and returns its id. A cancelled context stops
// scheduling new trials; in-flight trials record what they have.
func (h *Harness) Run(ctx context.Context) (int64, error) {
	c := h.opts.Campaign
	campaignID, err := h.opts.Store.CreateCampaign(ctx, &models.Campaign{
		Name:        c.Name,
		SubjectName: c.Subject,
		ChaosType:   c.ChaosType,
		Variant:     c.Variant,
		IsBaseline:  c.Baseline,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to create campaign: %w", err)
	}
	h.log.Info("Campaign started", "campaign_id", campaignID,
		"trials", c.Trials, "parallelism", c.Parallelism, "baseline", c.Baseline)

	trials := make(chan int)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(trials)
		for i := 0; i < c.Trials; i++ {
			select {
			case trials <- i:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	for w := 0; w < c.Parallelism; w++ {
		worker := w
		g.Go(func() error {
			return h.runWorker(gctx, worker, campaignID, trials)
		})
	}

	err = g.Wait()
	h.log.Info("Campaign finished", "campaign_id", campaignID)
	return campaignID, err
}

// runWorker owns one isolated subject and runs its share of trials
// sequentially, with cooldown between them.
func (h *Harness) runWorker(ctx context.Context, worker int, campaignID int64, trials <-chan int) error {
	c := h.opts.Campaign
	subj, err := h.opts.BuildSubject(c.WorkerSubjectParams(worker))
	if err != nil {
		return fmt.Errorf("worker %d: failed to build subject: %w", worker, err)
	}
	defer closeSubject(subj)

	injector, ok := subj.(subject.ChaosInjector)
	if !ok {
		return fmt.Errorf("worker %d: subject %s cannot inject chaos", worker, subj.Name())
	}
	invariants, err := h.opts.BuildInvariants(subj)
	if err != nil {
		return fmt.Errorf("worker %d: %w", worker, err)
	}

	log := h.log.With("worker", worker)
	first := true
	for idx := range trials {
		if !first {
			if err := sleepCtx(ctx, c.Cooldown()); err != nil {
				return nil
			}
		}
		first = false

		trial := h.runTrial(ctx, subj, injector, invariants, log.With("trial", idx))
		trial.CampaignID = campaignID

		recordCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		trialID, err := h.opts.Store.RecordTrial(recordCtx, trial)
		cancel()
		if err != nil {
			log.Error("Failed to record trial", "error", err)
			continue
		}
		log.Info("Trial recorded", "trial_id", trialID, "outcome", trial.Outcome)
	}
	return nil
}

// runTrial starts the daemon pair for one trial, drives the phase sequence,
// and tears the daemons down before returning.
func (h *Harness) runTrial(ctx context.Context, subj subject.Subject, injector subject.ChaosInjector, invariants *invariant.Registry, log *slog.Logger) *models.Trial {
	trialCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	mon := monitor.New(h.opts.Store, subj, invariants, monitor.Options{
		Interval:       h.opts.MonitorInterval,
		ObserveTimeout: h.opts.OperatorConfig.ObserveTimeout,
	})

	var daemons sync.WaitGroup
	daemons.Add(1)
	go func() {
		defer daemons.Done()
		_ = mon.Run(trialCtx)
	}()

	if !h.opts.Campaign.Baseline {
		agentCfg := *h.opts.OperatorConfig
		agentCfg.PollInterval = h.opts.AgentPoll
		loop := agent.New(agent.Options{
			Store:      h.opts.Store,
			Driver:     h.opts.Driver,
			Summarizer: h.opts.Summarizer,
			Registry:   h.opts.ToolRegistry,
			Subject:    subj,
			Config:     &agentCfg,
		})
		daemons.Add(1)
		go func() {
			defer daemons.Done()
			_ = loop.Run(trialCtx)
		}()
	}

	runner := &trialRunner{
		store:      h.opts.Store,
		subject:    subj,
		injector:   injector,
		campaign:   h.opts.Campaign,
		detectPoll: h.opts.DetectPoll,
		log:        log,
	}
	trial := runner.run(trialCtx)

	cancel()
	daemons.Wait()
	return trial
}

func closeSubject(subj subject.Subject) {
	if closer, ok := subj.(io.Closer); ok {
		_ = closer.Close()
	}
}
