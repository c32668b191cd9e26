package ratelimiter

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSubject(t *testing.T) (*Subject, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := New(map[string]any{"redis_addr": mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func seed(t *testing.T, mr *miniredis.Miniredis, counts map[string]string) {
	t.Helper()
	for key, count := range counts {
		mr.HSet(nodesHashKey, key, count)
		require.NoError(t, mr.Set(counterPrefix+key, count))
	}
}

func TestObserveNoDrift(t *testing.T) {
	s, mr := newTestSubject(t)
	seed(t, mr, map[string]string{"user:alice": "42", "user:bob": "7"})

	obs, err := s.Observe(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 0, obs["drift_count"])
	assert.True(t, s.IsHealthy(obs))
	assert.Empty(t, evaluateDrift(obs))
}

func TestObserveDrift(t *testing.T) {
	s, mr := newTestSubject(t)
	seed(t, mr, map[string]string{"user:alice": "42", "user:bob": "7"})
	require.NoError(t, mr.Set(counterPrefix+"user:bob", "9000"))

	obs, err := s.Observe(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, obs["drift_count"])
	assert.False(t, s.IsHealthy(obs))

	violations := evaluateDrift(obs)
	require.Len(t, violations, 1)
	assert.Equal(t, "user:bob", violations[0].Key)
	assert.Equal(t, int64(7), violations[0].Details["node_count"])
	assert.Equal(t, int64(9000), violations[0].Details["redis_count"])
}

func TestMissingCounterCountsAsDrift(t *testing.T) {
	s, mr := newTestSubject(t)
	mr.HSet(nodesHashKey, "user:carol", "3")

	obs, err := s.Observe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, obs["drift_count"])
}

func TestLatencyInvariant(t *testing.T) {
	s, mr := newTestSubject(t)
	require.NoError(t, mr.Set(latencyGaugeKey, "312.5"))

	obs, err := s.Observe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 312.5, obs["p99_ms"])
	assert.False(t, s.IsHealthy(obs))

	violations := s.evaluateLatency(obs)
	require.Len(t, violations, 1)
	assert.Equal(t, "p99_latency", violations[0].Key)

	require.NoError(t, mr.Set(latencyGaugeKey, "80"))
	obs, err = s.Observe(context.Background())
	require.NoError(t, err)
	assert.Empty(t, s.evaluateLatency(obs))
	assert.True(t, s.IsHealthy(obs))
}

func TestCounterCorruptInjectAndRecover(t *testing.T) {
	s, mr := newTestSubject(t)
	seed(t, mr, map[string]string{"user:alice": "42"})
	ctx := context.Background()

	metadata, err := s.Inject(ctx, ChaosCounterCorrupt, map[string]any{
		"key": "user:alice", "delta": 500,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), metadata["original"])

	obs, err := s.Observe(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, obs["drift_count"])

	require.NoError(t, s.Recover(ctx, metadata))
	obs, err = s.Observe(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, obs["drift_count"])
}

func TestResetClearsDrift(t *testing.T) {
	s, mr := newTestSubject(t)
	seed(t, mr, map[string]string{"user:alice": "42", "user:bob": "7"})
	require.NoError(t, mr.Set(counterPrefix+"user:alice", "12345"))

	require.NoError(t, s.Reset(context.Background()))

	obs, err := s.Observe(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, obs["drift_count"])
	assert.True(t, s.IsHealthy(obs))
}

func TestInjectValidation(t *testing.T) {
	s, _ := newTestSubject(t)
	ctx := context.Background()

	_, err := s.Inject(ctx, ChaosCounterCorrupt, map[string]any{})
	assert.ErrorContains(t, err, "requires a key")

	_, err = s.Inject(ctx, "power_outage", nil)
	assert.ErrorContains(t, err, "unknown chaos type")

	err = s.Recover(ctx, map[string]any{"chaos_type": ChaosCounterCorrupt})
	assert.ErrorContains(t, err, "no key")
}
