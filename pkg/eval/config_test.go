package eval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
name: tikv-node-kill-v1
subject: tikv
chaos_type: node_kill
`))
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Trials)
	assert.Equal(t, 1, cfg.Parallelism)
	assert.Equal(t, 15, cfg.CooldownSeconds)
	assert.Equal(t, 5, cfg.BaselineWaitSeconds)
	assert.Equal(t, 60, cfg.DetectTimeoutSeconds)
	assert.Equal(t, 180, cfg.ResolveTimeoutSeconds)
	assert.False(t, cfg.Baseline)
}

func TestParseConfigFull(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
name: tikv-node-kill-v1
subject: tikv
chaos_type: node_kill
variant: sonnet-default
baseline: true
trials: 5
parallelism: 2
cooldown_seconds: 30
chaos_params: {target: tikv0}
subject_params: {quorum: 2}
workers:
  - subject_params: {pd_endpoint: "http://pd0:2379"}
  - subject_params: {pd_endpoint: "http://pd1:2379"}
`))
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.Trials)
	assert.Equal(t, 2, cfg.Parallelism)
	assert.True(t, cfg.Baseline)
	assert.Equal(t, "tikv0", cfg.ChaosParams["target"])

	w0 := cfg.WorkerSubjectParams(0)
	assert.Equal(t, "http://pd0:2379", w0["pd_endpoint"])
	assert.Equal(t, 2, w0["quorum"], "campaign-level params survive the overlay")
	w1 := cfg.WorkerSubjectParams(1)
	assert.Equal(t, "http://pd1:2379", w1["pd_endpoint"])
}

func TestParseConfigEnvExpansion(t *testing.T) {
	t.Setenv("PD_ENDPOINT", "http://pd-test:2379")
	cfg, err := ParseConfig([]byte(`
name: env-test
subject: tikv
chaos_type: node_kill
subject_params: {pd_endpoint: "{{.PD_ENDPOINT}}"}
`))
	require.NoError(t, err)
	assert.Equal(t, "http://pd-test:2379", cfg.SubjectParams["pd_endpoint"])
}

func TestParseConfigMissingEnv(t *testing.T) {
	_, err := ParseConfig([]byte(`
name: env-test
subject: tikv
chaos_type: node_kill
subject_params: {pd_endpoint: "{{.DEFINITELY_NOT_SET_ANYWHERE}}"}
`))
	assert.ErrorContains(t, err, "environment")
}

func TestParseConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"missing name", "subject: tikv\nchaos_type: node_kill\n", "name is required"},
		{"missing subject", "name: x\nchaos_type: node_kill\n", "subject is required"},
		{"missing chaos", "name: x\nsubject: tikv\n", "chaos_type is required"},
		{
			"workers below parallelism",
			"name: x\nsubject: tikv\nchaos_type: node_kill\nparallelism: 3\nworkers:\n  - subject_params: {a: 1}\n",
			"workers configured",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tc.yaml))
			assert.ErrorContains(t, err, tc.want)
		})
	}
}
