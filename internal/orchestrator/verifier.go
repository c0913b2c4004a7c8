package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/oompalabs/oompa/internal/exec"
)

// Verifier re-runs tests against a rebased tree before the coordinator
// is allowed to merge it. The policy selects between a fast smoke
// command and the full suite.
type Verifier struct {
	runner exec.CommandRunner
	// mode is "smoke" or "full".
	mode         string
	smokeCommand string
	fullCommand  string
	timeout      time.Duration
}

// NewVerifier creates a verifier with the given policy.
func NewVerifier(runner exec.CommandRunner, mode, smokeCommand, fullCommand string, timeout time.Duration) *Verifier {
	return &Verifier{
		runner:       runner,
		mode:         mode,
		smokeCommand: smokeCommand,
		fullCommand:  fullCommand,
		timeout:      timeout,
	}
}

// Verify runs the policy-selected command in dir. An empty command
// passes trivially; a repository without a test harness should not
// block every merge.
func (v *Verifier) Verify(ctx context.Context, dir string) error {
	command := v.smokeCommand
	if v.mode == "full" {
		command = v.fullCommand
	}
	if command == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	out, err := v.runner.RunShell(ctx, dir, command)
	if err != nil {
		return fmt.Errorf("verification %q failed: %w: %s", command, err, truncateOutput(string(out), 600))
	}
	return nil
}

// truncateOutput trims long command output for error messages and events.
func truncateOutput(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
