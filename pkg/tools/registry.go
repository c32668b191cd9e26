package tools

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opsloop/operator/pkg/config"
)

// Registry is the agent's tool surface, resolved once at startup with the
// process safety mode. Execution is synchronous: the conversation awaits one
// tool at a time.
type Registry struct {
	mode  config.SafetyMode
	tools map[string]*Tool
	order []string
}

// NewRegistry creates a registry bound to a safety mode.
func NewRegistry(mode config.SafetyMode) *Registry {
	return &Registry{mode: mode, tools: make(map[string]*Tool)}
}

// DefaultRegistry builds the standard tool surface: shell and http.
func DefaultRegistry(mode config.SafetyMode) *Registry {
	r := NewRegistry(mode)
	r.MustAdd(NewShellTool())
	r.MustAdd(NewHTTPTool(mode))
	return r
}

// Add registers a tool, rejecting duplicate names.
func (r *Registry) Add(t *Tool) error {
	if t.Name == "" {
		return fmt.Errorf("tool name must not be empty")
	}
	if t.Execute == nil {
		return fmt.Errorf("tool %s has no executor", t.Name)
	}
	if _, dup := r.tools[t.Name]; dup {
		return fmt.Errorf("tool %s registered twice", t.Name)
	}
	r.tools[t.Name] = t
	r.order = append(r.order, t.Name)
	return nil
}

// MustAdd registers a tool, panicking on error. Wiring happens at startup.
func (r *Registry) MustAdd(t *Tool) {
	if err := r.Add(t); err != nil {
		panic(err)
	}
}

// Get returns the named tool.
func (r *Registry) Get(name string) (*Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// List returns all tools in registration order.
func (r *Registry) List() []*Tool {
	out := make([]*Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Mode returns the registry's safety mode.
func (r *Registry) Mode() config.SafetyMode {
	return r.mode
}

// Execute validates and runs one tool call. Refusals and timeouts come back
// as synthetic results, never as errors: the model receives them as
// tool_result content and can react. An error return means the call itself
// could not be dispatched (unknown tool, invalid params).
func (r *Registry) Execute(ctx context.Context, name string, params map[string]any) (*Result, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("unknown tool %q", name)
	}
	if err := t.ValidateParams(params); err != nil {
		return nil, err
	}
	if err := checkSafetyMode(r.mode, t, params); err != nil {
		return refused(err.Error()), nil
	}

	res, err := t.Execute(ctx, params)
	if err != nil {
		if errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return &Result{ExitCode: ExitTimeout, Output: "timed out"}, nil
		}
		return nil, fmt.Errorf("tool %s failed: %w", name, err)
	}
	return res, nil
}

// executionTimeout resolves the wall-clock budget for one call: the
// requested timeout_sec capped at max, or the default.
func executionTimeout(params map[string]any, def, max time.Duration) time.Duration {
	sec := intParam(params, "timeout_sec", 0)
	if sec <= 0 {
		return def
	}
	d := time.Duration(sec) * time.Second
	if d > max {
		return max
	}
	return d
}
