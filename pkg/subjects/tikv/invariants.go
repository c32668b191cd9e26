package tikv

import (
	"fmt"

	"github.com/opsloop/operator/pkg/invariant"
	"github.com/opsloop/operator/pkg/models"
)

// Invariants declares the cluster checks the monitor runs each tick. Both
// are pure functions over the observation produced by Observe.
func (s *Subject) Invariants() []invariant.Invariant {
	return []invariant.Invariant{
		{
			Name:        "stores_up",
			SubjectName: s.Name(),
			Severity:    models.SeverityCritical,
			GracePeriod: s.gracePeriod,
			Evaluate:    s.evaluateStoresUp,
		},
		{
			Name:        "region_health",
			SubjectName: s.Name(),
			Severity:    models.SeverityWarning,
			GracePeriod: s.gracePeriod,
			Evaluate:    s.evaluateRegionHealth,
		},
	}
}

// evaluateStoresUp fires when the Up count drops below quorum, with one
// violation per non-Up store so tickets deduplicate per store.
func (s *Subject) evaluateStoresUp(obs models.Observation) []invariant.Violation {
	total := obsInt(obs, "stores_total")
	up := obsInt(obs, "stores_up")

	if total == 0 {
		return []invariant.Violation{{
			Key: "cluster",
			Details: map[string]any{
				"reason": "PD reports no stores",
			},
		}}
	}
	if up >= s.quorum {
		return nil
	}

	var violations []invariant.Violation
	stores, _ := obs["stores"].([]any)
	for _, raw := range stores {
		store, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		state, _ := store["state"].(string)
		if state == "Up" {
			continue
		}
		address, _ := store["address"].(string)
		violations = append(violations, invariant.Violation{
			Key: address,
			Details: map[string]any{
				"store_id":     store["id"],
				"address":      address,
				"state":        state,
				"stores_up":    up,
				"stores_total": total,
				"quorum":       s.quorum,
			},
		})
	}
	if len(violations) == 0 {
		// Up count below quorum but no store reported non-Up; surface the
		// inconsistency rather than staying silent.
		violations = append(violations, invariant.Violation{
			Key: "cluster",
			Details: map[string]any{
				"reason":    fmt.Sprintf("up count %d below quorum %d", up, s.quorum),
				"stores_up": up,
				"quorum":    s.quorum,
			},
		})
	}
	return violations
}

// evaluateRegionHealth fires on miss-peer regions above the tolerated
// threshold. A failed region check (-1) produces no violation; the monitor
// must not ticket its own blind spots.
func (s *Subject) evaluateRegionHealth(obs models.Observation) []invariant.Violation {
	missPeer := obsInt(obs, "miss_peer_regions")
	if missPeer <= s.missPeerThreshold {
		return nil
	}
	return []invariant.Violation{{
		Key: "miss-peer",
		Details: map[string]any{
			"miss_peer_regions": missPeer,
			"threshold":         s.missPeerThreshold,
		},
	}}
}
