// Package tools implements the sandboxed tool surface the agent exposes to
// the model: a machine-readable schema per tool plus a synchronous executor.
// Every call is validated against its schema before execution and audited by
// the caller as a tool_call/tool_result entry pair.
package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/opsloop/operator/pkg/config"
)

// ErrTimeout marks a tool that exceeded its wall-clock budget. The caller
// synthesises exit code 124 and the output "timed out".
var ErrTimeout = errors.New("tool timed out")

// Exit codes synthesised by the runtime.
const (
	// ExitTimeout mirrors the shell convention for a timed-out command.
	ExitTimeout = 124
	// ExitRefused marks a call rejected by the safety mode.
	ExitRefused = 126
)

// maxOutputBytes caps the output fed back to the model. The audit log keeps
// the full output.
const maxOutputBytes = 8 * 1024

// ParamSpec describes one tool parameter.
type ParamSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type"` // "string" | "int" | "bool"
	Description string `json:"description"`
	Required    bool   `json:"required"`
}

// Tool pairs a schema with an executor.
type Tool struct {
	Name        string
	Description string
	Params      []ParamSpec
	// Mutating tools can change subject state; in observe safety mode
	// they are refused outright (the shell tool additionally applies its
	// read-only whitelist).
	Mutating bool
	// RequiresApproval routes the call through an ActionProposal when
	// approval mode is on.
	RequiresApproval bool
	// ObservePermits, when set on a mutating tool, decides per call
	// whether the request is read-only and may run in observe mode
	// (e.g. the shell whitelist). Nil means the tool is refused
	// wholesale in observe mode.
	ObservePermits func(params map[string]any) error
	Execute        func(ctx context.Context, params map[string]any) (*Result, error)
}

// Result is the outcome of one tool execution. Output holds the full
// captured output; Truncated() is what the model sees.
type Result struct {
	ExitCode int
	Output   string
}

// Truncated returns the output capped for the model, with a marker when the
// cap applied.
func (r *Result) Truncated() string {
	if len(r.Output) <= maxOutputBytes {
		return r.Output
	}
	return r.Output[:maxOutputBytes] + "\n... [output truncated]"
}

// InputSchema renders the params as a JSON-Schema object for the model's
// tool manifest.
func (t *Tool) InputSchema() map[string]any {
	properties := make(map[string]any, len(t.Params))
	var required []string
	for _, p := range t.Params {
		jsType := p.Type
		switch p.Type {
		case "int":
			jsType = "integer"
		case "bool":
			jsType = "boolean"
		}
		properties[p.Name] = map[string]any{
			"type":        jsType,
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// ValidateParams checks params against the schema: unknown names, missing
// required parameters, and type mismatches are all errors.
func (t *Tool) ValidateParams(params map[string]any) error {
	specs := make(map[string]ParamSpec, len(t.Params))
	for _, p := range t.Params {
		specs[p.Name] = p
	}

	for name := range params {
		if _, known := specs[name]; !known {
			return fmt.Errorf("unknown parameter %q for tool %s", name, t.Name)
		}
	}
	for _, p := range t.Params {
		v, present := params[p.Name]
		if !present {
			if p.Required {
				return fmt.Errorf("missing required parameter %q for tool %s", p.Name, t.Name)
			}
			continue
		}
		if err := checkType(p, v); err != nil {
			return err
		}
	}
	return nil
}

func checkType(p ParamSpec, v any) error {
	switch p.Type {
	case "string":
		if _, ok := v.(string); !ok {
			return fmt.Errorf("parameter %q must be a string", p.Name)
		}
	case "int":
		// JSON numbers decode as float64; accept both.
		switch n := v.(type) {
		case int:
		case int64:
		case float64:
			if n != float64(int64(n)) {
				return fmt.Errorf("parameter %q must be an integer", p.Name)
			}
		default:
			return fmt.Errorf("parameter %q must be an integer", p.Name)
		}
	case "bool":
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("parameter %q must be a boolean", p.Name)
		}
	default:
		return fmt.Errorf("parameter %q has unknown type %q", p.Name, p.Type)
	}
	return nil
}

// intParam extracts an integer parameter that may have decoded as float64.
func intParam(params map[string]any, name string, def int) int {
	v, ok := params[name]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return def
}

// refused builds the synthetic result for a safety-mode rejection.
func refused(reason string) *Result {
	return &Result{ExitCode: ExitRefused, Output: "refused: " + reason}
}

// checkSafetyMode decides whether a validated call may run under the given
// safety mode. A non-nil error carries the refusal reason.
func checkSafetyMode(mode config.SafetyMode, t *Tool, params map[string]any) error {
	if mode == config.SafetyExecute || !t.Mutating {
		return nil
	}
	if t.ObservePermits == nil {
		return fmt.Errorf("tool %s mutates subject state and safety mode is observe", t.Name)
	}
	return t.ObservePermits(params)
}
