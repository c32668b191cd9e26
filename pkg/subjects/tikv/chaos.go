package tikv

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Chaos types the evaluation harness may request.
const (
	ChaosNodeKill  = "node_kill"
	ChaosNodePause = "node_pause"
)

// Inject applies a fault to one store container. The returned metadata is
// recorded on the trial and is sufficient for Recover.
func (s *Subject) Inject(ctx context.Context, chaosType string, params map[string]any) (map[string]any, error) {
	target := stringParam(params, "target", "")
	if target == "" {
		return nil, fmt.Errorf("tikv: chaos %s requires a target container", chaosType)
	}

	var args []string
	switch chaosType {
	case ChaosNodeKill:
		args = []string{"kill", target}
	case ChaosNodePause:
		args = []string{"pause", target}
	default:
		return nil, fmt.Errorf("tikv: unknown chaos type %q", chaosType)
	}

	if err := s.docker(ctx, args...); err != nil {
		return nil, err
	}
	return map[string]any{
		"chaos_type": chaosType,
		"target":     target,
	}, nil
}

// Recover undoes a previously injected fault.
func (s *Subject) Recover(ctx context.Context, metadata map[string]any) error {
	chaosType := stringParam(metadata, "chaos_type", "")
	target := stringParam(metadata, "target", "")
	if target == "" {
		return fmt.Errorf("tikv: recover metadata has no target")
	}

	switch chaosType {
	case ChaosNodeKill:
		return s.docker(ctx, "start", target)
	case ChaosNodePause:
		return s.docker(ctx, "unpause", target)
	default:
		return fmt.Errorf("tikv: cannot recover unknown chaos type %q", chaosType)
	}
}

// Reset restores every configured container to running. Unpause failures on
// containers that were never paused are expected and ignored.
func (s *Subject) Reset(ctx context.Context) error {
	for _, container := range s.containers {
		_ = s.docker(ctx, "unpause", container)
		if err := s.docker(ctx, "start", container); err != nil {
			return fmt.Errorf("tikv: failed to start %s: %w", container, err)
		}
	}
	return nil
}

func (s *Subject) docker(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, "docker", args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker %s: %w: %s", strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
