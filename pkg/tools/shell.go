package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	shellDefaultTimeout = 30 * time.Second
	shellMaxTimeout     = 60 * time.Second
)

// readOnlyPrefixes whitelists commands the shell tool accepts in observe
// mode. Matching is a prefix check on the trimmed command, so flags and
// arguments after the prefix are allowed.
var readOnlyPrefixes = []string{
	"cat ",
	"ls",
	"ps",
	"df",
	"free",
	"uptime",
	"head ",
	"tail ",
	"grep ",
	"wc ",
	"echo ",
	"date",
	"curl -s",
	"docker ps",
	"docker inspect",
	"docker logs",
	"docker stats --no-stream",
	"redis-cli get",
	"redis-cli info",
	"redis-cli ping",
	"redis-cli keys",
	"tiup ctl",
}

// NewShellTool builds the mandatory shell tool: runs a command with /bin/sh,
// captures combined stdout/stderr, and enforces a wall-clock timeout. In
// observe mode only whitelisted read-only commands run.
func NewShellTool() *Tool {
	return &Tool{
		Name:        "shell",
		Description: "Run a shell command on the operator host and return its combined output. Use for diagnostics (docker ps, logs, curl) and remediation (docker start/restart).",
		Params: []ParamSpec{
			{Name: "command", Type: "string", Description: "Command line executed with /bin/sh -c", Required: true},
			{Name: "timeout_sec", Type: "int", Description: "Wall-clock timeout in seconds (max 60, default 30)"},
		},
		Mutating:         true,
		RequiresApproval: true,
		ObservePermits:   shellObservePermits,
		Execute:          executeShell,
	}
}

func shellObservePermits(params map[string]any) error {
	command, _ := params["command"].(string)
	trimmed := strings.TrimSpace(command)
	for _, prefix := range readOnlyPrefixes {
		if trimmed == strings.TrimSpace(prefix) || strings.HasPrefix(trimmed, prefix) {
			return nil
		}
	}
	return fmt.Errorf("command %q is not read-only and safety mode is observe", firstWord(trimmed))
}

func executeShell(ctx context.Context, params map[string]any) (*Result, error) {
	command, _ := params["command"].(string)
	if strings.TrimSpace(command) == "" {
		return nil, fmt.Errorf("command must not be empty")
	}

	timeout := executionTimeout(params, shellDefaultTimeout, shellMaxTimeout)
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "/bin/sh", "-c", command)
	output, err := cmd.CombinedOutput()

	if cmdCtx.Err() == context.DeadlineExceeded {
		return nil, ErrTimeout
	}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return &Result{ExitCode: exitErr.ExitCode(), Output: string(output)}, nil
		}
		return nil, fmt.Errorf("failed to run command: %w", err)
	}
	return &Result{ExitCode: 0, Output: string(output)}, nil
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i > 0 {
		return s[:i]
	}
	return s
}
