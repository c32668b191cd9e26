package ratelimiter

import (
	"github.com/opsloop/operator/pkg/invariant"
	"github.com/opsloop/operator/pkg/models"
)

// Invariants declares the limiter checks: semantic drift between node and
// Redis counts, and the p99 latency budget.
func (s *Subject) Invariants() []invariant.Invariant {
	return []invariant.Invariant{
		{
			Name:        "counter_drift",
			SubjectName: s.Name(),
			Severity:    models.SeverityCritical,
			GracePeriod: s.gracePeriod,
			Evaluate:    evaluateDrift,
		},
		{
			Name:        "latency_threshold",
			SubjectName: s.Name(),
			Severity:    models.SeverityWarning,
			GracePeriod: s.gracePeriod,
			Evaluate:    s.evaluateLatency,
		},
	}
}

// evaluateDrift emits one violation per drifted key so tickets deduplicate
// on the bucket key.
func evaluateDrift(obs models.Observation) []invariant.Violation {
	drifted, _ := obs["drifted_keys"].([]any)
	counts, _ := obs["keys"].(map[string]any)

	var violations []invariant.Violation
	for _, raw := range drifted {
		key, ok := raw.(string)
		if !ok {
			continue
		}
		details := map[string]any{"key": key}
		if pair, ok := counts[key].(map[string]any); ok {
			details["node_count"] = pair["node"]
			details["redis_count"] = pair["redis"]
		}
		violations = append(violations, invariant.Violation{Key: key, Details: details})
	}
	return violations
}

func (s *Subject) evaluateLatency(obs models.Observation) []invariant.Violation {
	p99 := obsFloat(obs, "p99_ms")
	if p99 <= s.latencyThresholdMs {
		return nil
	}
	return []invariant.Violation{{
		Key: "p99_latency",
		Details: map[string]any{
			"p99_ms":       p99,
			"threshold_ms": s.latencyThresholdMs,
		},
	}}
}
