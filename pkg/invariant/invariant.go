// Package invariant defines the declarative invariant framework. An
// invariant is a pure, deterministic predicate over a subject observation;
// evaluation performs no I/O. Subject packages supply concrete invariants
// and register them at process start.
package invariant

import (
	"fmt"
	"time"

	"github.com/opsloop/operator/pkg/models"
)

// Violation is one condition an invariant found broken. Key is a stable
// fingerprint of the condition (e.g. the affected store id) used for ticket
// deduplication; Details is the JSON-serialisable payload recorded on the
// ticket.
type Violation struct {
	Key     string
	Details map[string]any
}

// Invariant declares one named check over a subject.
type Invariant struct {
	Name        string
	SubjectName string
	Severity    models.Severity
	// GracePeriod is how long a violation must persist across consecutive
	// monitor cycles before a ticket opens. Zero opens immediately.
	GracePeriod time.Duration
	// Evaluate inspects one observation and returns all current
	// violations. Must be deterministic and side-effect free.
	Evaluate func(obs models.Observation) []Violation
}

// Registry holds the ordered list of invariants a monitor runs each tick.
type Registry struct {
	invariants []Invariant
	names      map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]struct{})}
}

// Register adds an invariant. Duplicate names and missing evaluate
// functions are rejected; registration happens once at startup, so failures
// are configuration errors.
func (r *Registry) Register(inv Invariant) error {
	if inv.Name == "" {
		return fmt.Errorf("invariant name must not be empty")
	}
	if inv.Evaluate == nil {
		return fmt.Errorf("invariant %s has no evaluate function", inv.Name)
	}
	if !inv.Severity.Valid() {
		return fmt.Errorf("invariant %s has unknown severity %q", inv.Name, inv.Severity)
	}
	if _, dup := r.names[inv.Name]; dup {
		return fmt.Errorf("invariant %s registered twice", inv.Name)
	}
	r.names[inv.Name] = struct{}{}
	r.invariants = append(r.invariants, inv)
	return nil
}

// MustRegister registers a list of invariants, panicking on error. Intended
// for subject packages wiring their fixed invariant set at startup.
func (r *Registry) MustRegister(invs ...Invariant) {
	for _, inv := range invs {
		if err := r.Register(inv); err != nil {
			panic(err)
		}
	}
}

// All returns the registered invariants in registration order.
func (r *Registry) All() []Invariant {
	return r.invariants
}
