// Package exec provides command execution for verification and backends.
package exec

import "context"

// CommandRunner defines the interface for running external commands.
// It exists so verification and backend invocations can be mocked in tests.
type CommandRunner interface {
	// Run executes a command in workDir and returns combined stdout/stderr.
	Run(ctx context.Context, workDir string, name string, args ...string) ([]byte, error)
	// RunShell executes a shell command through "sh -c".
	RunShell(ctx context.Context, workDir string, command string) ([]byte, error)
}
