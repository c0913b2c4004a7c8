// Package git provides an interface for the version-control primitives the
// swarm depends on. Each operation is atomic at single-command granularity:
// a failed rebase or merge is aborted, never left half-applied.
package git

// BranchOperations defines the interface for branch manipulation.
type BranchOperations interface {
	// CurrentBranch returns the name of the current branch.
	CurrentBranch() (string, error)
	// CheckoutBranch switches to the specified branch.
	CheckoutBranch(name string) error
	// CheckoutBranchForce creates or resets a branch at startRef and
	// switches to it (git checkout -B).
	CheckoutBranchForce(name, startRef string) error
	// BranchExists returns true if the branch exists.
	BranchExists(name string) (bool, error)
	// DeleteBranch deletes the specified branch (force delete).
	DeleteBranch(name string) error
	// RevParse resolves a ref to a commit hash.
	RevParse(ref string) (string, error)
}

// CommitOperations defines the interface for staging and committing.
type CommitOperations interface {
	// AddAll stages every change in the working tree.
	AddAll() error
	// Commit creates a new commit with the given message.
	Commit(message string) error
	// HasChanges returns true if there are uncommitted changes.
	HasChanges() (bool, error)
	// ResetHard resets the working tree and branch to the given ref.
	ResetHard(ref string) error
	// CleanUntracked removes untracked files and directories.
	CleanUntracked() error
}

// MergeOperations defines the interface for integrating branches.
type MergeOperations interface {
	// MergeFFOnly merges a branch, failing unless it fast-forwards.
	MergeFFOnly(branch string) error
	// MergeNoFFMessage merges a branch with an explicit merge commit.
	MergeNoFFMessage(branch, message string) error
	// MergeSquash squashes a branch into the index and commits it.
	MergeSquash(branch, message string) error
	// MergeAbort aborts an in-progress merge.
	MergeAbort() error
	// Rebase rebases the current branch onto the specified base.
	Rebase(base string) error
	// RebaseAbort aborts an in-progress rebase.
	RebaseAbort() error
	// RebaseContinue resumes a rebase after conflicts were resolved.
	RebaseContinue() error
	// ConflictedFiles returns a list of files with unmerged changes.
	ConflictedFiles() ([]string, error)
}

// WorktreeOperations defines the interface for worktree management.
type WorktreeOperations interface {
	// WorktreeAddNewBranch creates a worktree with a new branch at a ref.
	WorktreeAddNewBranch(path, branch, startRef string) error
	// WorktreeRemove removes the worktree at the given path (force).
	WorktreeRemove(path string) error
	// WorktreeListPorcelain returns raw porcelain output for parsing.
	WorktreeListPorcelain() (string, error)
	// WorktreePruneExpireNow prunes stale worktrees with --expire now.
	WorktreePruneExpireNow() error
}

// DiffOperations defines the interface for inspecting changes.
type DiffOperations interface {
	// Diff returns the diff between the working state and the given base.
	Diff(base string) (string, error)
	// ChangedFilesRelative returns files changed on a branch relative to
	// another, using the triple-dot diff (relativeTo...branch).
	ChangedFilesRelative(branch, relativeTo string) ([]string, error)
}

// Runner defines the complete interface for git operations.
// Consumers should prefer the focused interfaces when possible.
type Runner interface {
	BranchOperations
	CommitOperations
	MergeOperations
	WorktreeOperations
	DiffOperations
	// Dir returns the directory the runner is bound to.
	Dir() string
	// At returns a Runner bound to a different directory, sharing nothing
	// but the git binary. Used to operate inside worktrees.
	At(dir string) Runner
}
