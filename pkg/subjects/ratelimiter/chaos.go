package ratelimiter

import (
	"context"
	"fmt"
	"strconv"
)

// Chaos types the evaluation harness may request.
const (
	// ChaosClientPause stalls all Redis clients via CLIENT PAUSE, starving
	// the limiter nodes of counter updates.
	ChaosClientPause = "client_pause"
	// ChaosCounterCorrupt bumps one shared counter away from the
	// node-reported value, manufacturing drift.
	ChaosCounterCorrupt = "counter_corrupt"
)

// Inject applies a fault. Metadata carries everything Recover needs,
// including the pre-corruption counter value.
func (s *Subject) Inject(ctx context.Context, chaosType string, params map[string]any) (map[string]any, error) {
	switch chaosType {
	case ChaosClientPause:
		pauseMs := intParam(params, "pause_ms", 5000)
		if err := s.client.Do(ctx, "client", "pause", strconv.Itoa(pauseMs)).Err(); err != nil {
			return nil, fmt.Errorf("ratelimiter: CLIENT PAUSE failed: %w", err)
		}
		return map[string]any{
			"chaos_type": chaosType,
			"pause_ms":   pauseMs,
		}, nil

	case ChaosCounterCorrupt:
		key := stringParam(params, "key", "")
		if key == "" {
			return nil, fmt.Errorf("ratelimiter: chaos %s requires a key", chaosType)
		}
		original, err := s.counter(ctx, key)
		if err != nil {
			return nil, err
		}
		delta := intParam(params, "delta", 1000)
		if err := s.client.IncrBy(ctx, counterPrefix+key, int64(delta)).Err(); err != nil {
			return nil, fmt.Errorf("ratelimiter: failed to corrupt counter %q: %w", key, err)
		}
		return map[string]any{
			"chaos_type": chaosType,
			"key":        key,
			"delta":      delta,
			"original":   original,
		}, nil

	default:
		return nil, fmt.Errorf("ratelimiter: unknown chaos type %q", chaosType)
	}
}

// Recover undoes a previously injected fault.
func (s *Subject) Recover(ctx context.Context, metadata map[string]any) error {
	switch chaosType := stringParam(metadata, "chaos_type", ""); chaosType {
	case ChaosClientPause:
		if err := s.client.Do(ctx, "client", "unpause").Err(); err != nil {
			return fmt.Errorf("ratelimiter: CLIENT UNPAUSE failed: %w", err)
		}
		return nil
	case ChaosCounterCorrupt:
		key := stringParam(metadata, "key", "")
		if key == "" {
			return fmt.Errorf("ratelimiter: recover metadata has no key")
		}
		original := int64(intParam(metadata, "original", 0))
		if err := s.client.Set(ctx, counterPrefix+key, original, 0).Err(); err != nil {
			return fmt.Errorf("ratelimiter: failed to restore counter %q: %w", key, err)
		}
		return nil
	default:
		return fmt.Errorf("ratelimiter: cannot recover unknown chaos type %q", chaosType)
	}
}

// Reset restores a drift-free state: every shared counter is set to its
// node-reported value and any client pause is lifted.
func (s *Subject) Reset(ctx context.Context) error {
	_ = s.client.Do(ctx, "client", "unpause").Err()

	nodes, err := s.client.HGetAll(ctx, nodesHashKey).Result()
	if err != nil {
		return fmt.Errorf("ratelimiter: failed to read node counts: %w", err)
	}
	for key, count := range nodes {
		if err := s.client.Set(ctx, counterPrefix+key, count, 0).Err(); err != nil {
			return fmt.Errorf("ratelimiter: failed to reset counter %q: %w", key, err)
		}
	}
	return nil
}
