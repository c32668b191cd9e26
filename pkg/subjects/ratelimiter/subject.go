// Package ratelimiter adapts a Redis-backed distributed rate limiter to the
// operator subject contracts. Limiter nodes report their local bucket counts
// into a Redis hash; the shared counters live under per-key counter keys.
// Drift between the two is the limiter's core failure mode.
package ratelimiter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opsloop/operator/pkg/models"
)

const (
	// nodesHashKey maps bucket key -> count as reported by limiter nodes.
	nodesHashKey = "ratelimit:nodes"
	// counterPrefix prefixes the shared Redis counters.
	counterPrefix = "ratelimit:count:"
	// latencyGaugeKey holds the limiter's self-reported p99 latency in ms,
	// derived on the limiter side from INFO latencystats.
	latencyGaugeKey = "ratelimit:stats:p99_ms"

	defaultLatencyThresholdMs = 250
)

// Subject observes the rate limiter through its Redis backend.
type Subject struct {
	client             *redis.Client
	addr               string
	latencyThresholdMs float64
	gracePeriod        time.Duration
}

// New builds the subject from campaign parameters:
//
//	redis_addr            Redis address (default 127.0.0.1:6379)
//	redis_db              database index (default 0)
//	latency_threshold_ms  p99 budget for the latency invariant (default 250)
//	grace_period          violation persistence before ticketing, e.g. "10s"
func New(params map[string]any) (*Subject, error) {
	addr := stringParam(params, "redis_addr", "127.0.0.1:6379")
	s := &Subject{
		client: redis.NewClient(&redis.Options{
			Addr: addr,
			DB:   intParam(params, "redis_db", 0),
		}),
		addr:               addr,
		latencyThresholdMs: float64(intParam(params, "latency_threshold_ms", defaultLatencyThresholdMs)),
	}
	grace, err := durationParam(params, "grace_period", 0)
	if err != nil {
		return nil, fmt.Errorf("ratelimiter: %w", err)
	}
	s.gracePeriod = grace
	return s, nil
}

func (s *Subject) Name() string { return "ratelimiter" }

func (s *Subject) Description() string {
	return fmt.Sprintf("Distributed rate limiter backed by Redis at %s; node-reported bucket counts must match the shared counters.", s.addr)
}

// Close releases the Redis connection pool.
func (s *Subject) Close() error {
	return s.client.Close()
}

// Observe reads node-reported counts, the shared counters, and the latency
// gauge, and precomputes per-key drift.
func (s *Subject) Observe(ctx context.Context) (models.Observation, error) {
	nodes, err := s.client.HGetAll(ctx, nodesHashKey).Result()
	if err != nil {
		return nil, fmt.Errorf("ratelimiter: failed to read node counts: %w", err)
	}

	keys := make([]string, 0, len(nodes))
	for k := range nodes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	counts := make(map[string]any, len(keys))
	var drifted []any
	for _, k := range keys {
		nodeCount, convErr := strconv.ParseInt(nodes[k], 10, 64)
		if convErr != nil {
			return nil, fmt.Errorf("ratelimiter: node count for %q is not an integer: %w", k, convErr)
		}
		redisCount, getErr := s.counter(ctx, k)
		if getErr != nil {
			return nil, getErr
		}
		counts[k] = map[string]any{
			"node":  nodeCount,
			"redis": redisCount,
		}
		if nodeCount != redisCount {
			drifted = append(drifted, k)
		}
	}

	p99, err := s.p99Latency(ctx)
	if err != nil {
		return nil, err
	}

	return models.Observation{
		"keys":         counts,
		"drifted_keys": drifted,
		"drift_count":  len(drifted),
		"p99_ms":       p99,
	}, nil
}

// IsHealthy requires zero drift and latency within budget.
func (s *Subject) IsHealthy(obs models.Observation) bool {
	drift := obsInt(obs, "drift_count")
	p99 := obsFloat(obs, "p99_ms")
	return drift == 0 && p99 <= s.latencyThresholdMs
}

func (s *Subject) counter(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Get(ctx, counterPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ratelimiter: failed to read counter %q: %w", key, err)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("ratelimiter: counter %q is not an integer: %w", key, err)
	}
	return n, nil
}

// p99Latency reads the limiter's gauge. A missing gauge reads as 0; the
// limiter only publishes it once it has traffic.
func (s *Subject) p99Latency(ctx context.Context) (float64, error) {
	v, err := s.client.Get(ctx, latencyGaugeKey).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ratelimiter: failed to read latency gauge: %w", err)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("ratelimiter: latency gauge is not a number: %w", err)
	}
	return f, nil
}

func obsInt(obs models.Observation, key string) int {
	switch v := obs[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func obsFloat(obs models.Observation, key string) float64 {
	switch v := obs[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return 0
}

func stringParam(params map[string]any, name, def string) string {
	if v, ok := params[name].(string); ok && v != "" {
		return v
	}
	return def
}

func intParam(params map[string]any, name string, def int) int {
	switch v := params[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

func durationParam(params map[string]any, name string, def time.Duration) (time.Duration, error) {
	v, ok := params[name]
	if !ok {
		return def, nil
	}
	str, ok := v.(string)
	if !ok {
		return 0, fmt.Errorf("parameter %s must be a duration string", name)
	}
	d, err := time.ParseDuration(str)
	if err != nil {
		return 0, fmt.Errorf("parameter %s: %w", name, err)
	}
	return d, nil
}
