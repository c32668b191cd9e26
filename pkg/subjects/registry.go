// Package subjects wires the concrete subject adapters into a name-keyed
// registry. The CLI and the evaluation harness resolve subjects here; the
// operator core only ever sees the subject package interfaces.
package subjects

import (
	"fmt"
	"sort"

	"github.com/opsloop/operator/pkg/invariant"
	"github.com/opsloop/operator/pkg/subject"
	"github.com/opsloop/operator/pkg/subjects/ratelimiter"
	"github.com/opsloop/operator/pkg/subjects/tikv"
)

// Builder constructs a subject from CLI or campaign parameters.
type Builder func(params map[string]any) (subject.Subject, error)

var builders = map[string]Builder{
	"tikv": func(params map[string]any) (subject.Subject, error) {
		return tikv.New(params)
	},
	"ratelimiter": func(params map[string]any) (subject.Subject, error) {
		return ratelimiter.New(params)
	},
}

// Build resolves a registered subject by name.
func Build(name string, params map[string]any) (subject.Subject, error) {
	b, ok := builders[name]
	if !ok {
		return nil, fmt.Errorf("unknown subject %q (known: %v)", name, Names())
	}
	return b(params)
}

// Names lists registered subject names, sorted.
func Names() []string {
	names := make([]string, 0, len(builders))
	for name := range builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// InvariantProvider is implemented by subjects that ship a fixed invariant
// set alongside their observation logic.
type InvariantProvider interface {
	Invariants() []invariant.Invariant
}

// InvariantRegistry collects a subject's declared invariants into a registry
// the monitor can run.
func InvariantRegistry(subj subject.Subject) (*invariant.Registry, error) {
	provider, ok := subj.(InvariantProvider)
	if !ok {
		return nil, fmt.Errorf("subject %s does not declare invariants", subj.Name())
	}
	reg := invariant.NewRegistry()
	for _, inv := range provider.Invariants() {
		if err := reg.Register(inv); err != nil {
			return nil, fmt.Errorf("subject %s: %w", subj.Name(), err)
		}
	}
	return reg, nil
}
