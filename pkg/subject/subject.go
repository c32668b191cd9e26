// Package subject defines the contracts between the operator core and the
// systems it monitors. The core never imports anything subject-specific;
// adapters under pkg/subjects implement these interfaces and are linked at
// registration time.
package subject

import (
	"context"

	"github.com/opsloop/operator/pkg/models"
)

// Subject is one monitored distributed system.
type Subject interface {
	// Name identifies the subject in tickets and trials.
	Name() string
	// Description is a short human-readable summary fed into the agent's
	// system prompt.
	Description() string
	// Observe returns a JSON-serialisable snapshot of current state.
	// Implementations must bound the call with the context deadline.
	Observe(ctx context.Context) (models.Observation, error)
	// IsHealthy reports whether an observation represents a fully healthy
	// subject. Used by trial scoring to confirm a resolved outcome.
	IsHealthy(obs models.Observation) bool
}

// Resetter is implemented by subjects that can restore a known clean state.
// The evaluation harness requires it for trial SETUP.
type Resetter interface {
	Reset(ctx context.Context) error
}

// ChaosInjector injects and recovers faults against a subject. Chaos types
// are declared per subject; the core treats them as opaque strings.
type ChaosInjector interface {
	// Inject applies the fault and returns metadata describing what was
	// done (target, parameters), recorded on the trial.
	Inject(ctx context.Context, chaosType string, params map[string]any) (map[string]any, error)
	// Recover undoes a previously injected fault using its metadata.
	Recover(ctx context.Context, metadata map[string]any) error
}

// ActionSpec describes one approvable action a subject exposes for
// approval-mode workflows.
type ActionSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Params      map[string]any `json:"params,omitempty"`
}

// ActionProvider is implemented by subjects that publish approvable actions.
type ActionProvider interface {
	ActionDefinitions() []ActionSpec
}
