// Package sandbox manages the pool of isolated worktree/branch pairs
// workers iterate in. Pool bookkeeping is the one shared mutable
// structure in the swarm; the sandboxes themselves are exclusive to
// their holder while busy.
package sandbox

import "time"

// Status describes a sandbox's lifecycle state.
type Status string

const (
	// StatusAvailable means the sandbox is reset and claimable.
	StatusAvailable Status = "available"
	// StatusBusy means the sandbox is exclusively held by one worker-iteration.
	StatusBusy Status = "busy"
	// StatusDirty means the sandbox was released but not yet reset.
	StatusDirty Status = "dirty"
	// StatusStale means the sandbox failed to reset and awaits destruction.
	StatusStale Status = "stale"
)

// Sandbox is an isolated working tree bound to a branch. It is owned by
// the pool except while busy, when the holding worker has exclusive use
// of its filesystem state.
type Sandbox struct {
	// ID identifies the sandbox within the pool.
	ID string
	// Path is the absolute worktree directory.
	Path string
	// Branch is the branch currently checked out in the worktree.
	Branch string
	// TaskID is the task the current holder is working on, if busy.
	TaskID string
	// Status is the lifecycle state.
	Status Status
	// CreatedAt is when the worktree was created.
	CreatedAt time.Time
}
