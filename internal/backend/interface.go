// Package backend is the boundary to the natural-language agent
// processes that propose and critique code. The core treats a backend
// as a black box: it sees only success/failure, emitted text, and
// duration, never model internals.
package backend

import (
	"context"
	"time"
)

// Role names the structural position of an invocation. Proposer and
// reviewer are deliberately distinct invocations with separate
// processes and contexts, so a proposer's blind spots cannot blind its
// own review.
type Role string

const (
	// RoleProposer generates code changes.
	RoleProposer Role = "proposer"
	// RoleReviewer critiques a proposed change.
	RoleReviewer Role = "reviewer"
	// RoleResolver attempts automated rebase-conflict resolution.
	RoleResolver Role = "resolver"
)

// Result is what the core learns from one backend invocation.
type Result struct {
	// Output is the text the backend emitted.
	Output string
	// Success is false on process failure or timeout.
	Success bool
	// Duration is how long the invocation ran.
	Duration time.Duration
}

// Invoker runs one backend invocation. Implementations must honor the
// timeout: an expired invocation returns Success=false rather than
// hanging the caller.
type Invoker interface {
	Invoke(ctx context.Context, role Role, prompt, workDir string, timeout time.Duration) (*Result, error)
}
