// Package eval runs chaos campaigns: batches of scripted trials that inject
// a fault, let the production monitor and agent react, and score the result.
package eval

import (
	"fmt"
	"os"
	"strings"
	"text/template"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// WorkerConfig overrides subject construction for one parallel worker.
// Parallel trials need isolated subject instances; the overrides point each
// worker at its own deployment.
type WorkerConfig struct {
	SubjectParams map[string]any `yaml:"subject_params"`
}

// CampaignConfig is the YAML document `eval run` consumes. Values of the
// form {{.NAME}} expand from the environment before parsing.
type CampaignConfig struct {
	Name      string `yaml:"name"`
	Subject   string `yaml:"subject"`
	ChaosType string `yaml:"chaos_type"`
	Variant   string `yaml:"variant"`
	Baseline  bool   `yaml:"baseline"`

	Trials      int `yaml:"trials"`
	Parallelism int `yaml:"parallelism"`

	CooldownSeconds       int `yaml:"cooldown_seconds"`
	BaselineWaitSeconds   int `yaml:"baseline_wait_seconds"`
	DetectTimeoutSeconds  int `yaml:"detect_timeout_seconds"`
	ResolveTimeoutSeconds int `yaml:"resolve_timeout_seconds"`

	ChaosParams   map[string]any `yaml:"chaos_params"`
	SubjectParams map[string]any `yaml:"subject_params"`

	Workers []WorkerConfig `yaml:"workers"`
}

var defaultCampaignConfig = CampaignConfig{
	Trials:                1,
	Parallelism:           1,
	CooldownSeconds:       15,
	BaselineWaitSeconds:   5,
	DetectTimeoutSeconds:  60,
	ResolveTimeoutSeconds: 180,
}

// LoadConfig reads, expands, parses, defaults, and validates a campaign
// config file.
func LoadConfig(path string) (*CampaignConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read campaign config: %w", err)
	}
	return ParseConfig(raw)
}

// ParseConfig parses campaign YAML from memory. Exposed for tests.
func ParseConfig(raw []byte) (*CampaignConfig, error) {
	expanded, err := expandEnv(string(raw))
	if err != nil {
		return nil, err
	}

	var cfg CampaignConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse campaign config: %w", err)
	}
	if err := mergo.Merge(&cfg, defaultCampaignConfig); err != nil {
		return nil, fmt.Errorf("failed to apply config defaults: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *CampaignConfig) validate() error {
	switch {
	case c.Name == "":
		return fmt.Errorf("campaign config: name is required")
	case c.Subject == "":
		return fmt.Errorf("campaign config: subject is required")
	case c.ChaosType == "":
		return fmt.Errorf("campaign config: chaos_type is required")
	case c.Trials < 1:
		return fmt.Errorf("campaign config: trials must be at least 1, got %d", c.Trials)
	case c.Parallelism < 1:
		return fmt.Errorf("campaign config: parallelism must be at least 1, got %d", c.Parallelism)
	}
	if len(c.Workers) > 0 && len(c.Workers) < c.Parallelism {
		return fmt.Errorf("campaign config: %d workers configured but parallelism is %d",
			len(c.Workers), c.Parallelism)
	}
	return nil
}

// WorkerSubjectParams resolves the subject parameters for one worker: the
// campaign-level params overlaid with the worker's overrides.
func (c *CampaignConfig) WorkerSubjectParams(worker int) map[string]any {
	merged := make(map[string]any, len(c.SubjectParams))
	for k, v := range c.SubjectParams {
		merged[k] = v
	}
	if worker < len(c.Workers) {
		for k, v := range c.Workers[worker].SubjectParams {
			merged[k] = v
		}
	}
	return merged
}

func (c *CampaignConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

func (c *CampaignConfig) BaselineWait() time.Duration {
	return time.Duration(c.BaselineWaitSeconds) * time.Second
}

func (c *CampaignConfig) DetectTimeout() time.Duration {
	return time.Duration(c.DetectTimeoutSeconds) * time.Second
}

func (c *CampaignConfig) ResolveTimeout() time.Duration {
	return time.Duration(c.ResolveTimeoutSeconds) * time.Second
}

// expandEnv substitutes {{.NAME}} references with environment values. An
// unset variable is an error; a silently empty endpoint is worse than a
// failed run.
func expandEnv(raw string) (string, error) {
	tmpl, err := template.New("campaign").Option("missingkey=error").Parse(raw)
	if err != nil {
		return "", fmt.Errorf("failed to parse config template: %w", err)
	}

	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, env); err != nil {
		return "", fmt.Errorf("failed to expand config environment references: %w", err)
	}
	return sb.String(), nil
}
