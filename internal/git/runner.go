package git

import (
	"fmt"
	"os/exec"
	"strings"
)

// ExecRunner implements Runner by shelling out to the git binary.
type ExecRunner struct {
	dir string
}

// NewRunner creates a git runner bound to the repository or worktree at dir.
func NewRunner(dir string) *ExecRunner {
	return &ExecRunner{dir: dir}
}

// run executes a git command and returns its trimmed output.
func (r *ExecRunner) run(args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = r.dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, string(out))
	}
	return strings.TrimSpace(string(out)), nil
}

// runSilent executes a git command and discards output.
func (r *ExecRunner) runSilent(args ...string) error {
	cmd := exec.Command("git", args...)
	cmd.Dir = r.dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, string(out))
	}
	return nil
}

// Dir returns the directory the runner is bound to.
func (r *ExecRunner) Dir() string {
	return r.dir
}

// At returns a Runner bound to a different directory.
func (r *ExecRunner) At(dir string) Runner {
	return &ExecRunner{dir: dir}
}

// CurrentBranch returns the name of the current branch.
func (r *ExecRunner) CurrentBranch() (string, error) {
	return r.run("rev-parse", "--abbrev-ref", "HEAD")
}

// CheckoutBranch switches to the specified branch.
func (r *ExecRunner) CheckoutBranch(name string) error {
	return r.runSilent("checkout", name)
}

// CheckoutBranchForce creates or resets a branch at startRef and switches to it.
func (r *ExecRunner) CheckoutBranchForce(name, startRef string) error {
	return r.runSilent("checkout", "-B", name, startRef)
}

// BranchExists returns true if the branch exists.
func (r *ExecRunner) BranchExists(name string) (bool, error) {
	cmd := exec.Command("git", "show-ref", "--verify", "--quiet", "refs/heads/"+name)
	cmd.Dir = r.dir
	err := cmd.Run()
	if err != nil {
		// Exit code 1 means branch doesn't exist (not an error)
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return false, nil
		}
		return false, fmt.Errorf("check branch exists: %w", err)
	}
	return true, nil
}

// DeleteBranch deletes the specified branch.
func (r *ExecRunner) DeleteBranch(name string) error {
	return r.runSilent("branch", "-D", name)
}

// RevParse resolves a ref to a commit hash.
func (r *ExecRunner) RevParse(ref string) (string, error) {
	return r.run("rev-parse", ref)
}

// AddAll stages every change in the working tree.
func (r *ExecRunner) AddAll() error {
	return r.runSilent("add", "-A")
}

// Commit creates a new commit with the given message.
func (r *ExecRunner) Commit(message string) error {
	return r.runSilent("commit", "-m", message)
}

// HasChanges returns true if there are uncommitted changes.
func (r *ExecRunner) HasChanges() (bool, error) {
	status, err := r.run("status", "--porcelain")
	if err != nil {
		return false, err
	}
	return len(status) > 0, nil
}

// ResetHard resets the working tree and branch to the given ref.
func (r *ExecRunner) ResetHard(ref string) error {
	return r.runSilent("reset", "--hard", ref)
}

// CleanUntracked removes untracked files and directories.
func (r *ExecRunner) CleanUntracked() error {
	return r.runSilent("clean", "-fd")
}

// MergeFFOnly merges a branch, failing unless it fast-forwards.
func (r *ExecRunner) MergeFFOnly(branch string) error {
	return r.runSilent("merge", "--ff-only", branch)
}

// MergeNoFFMessage merges a branch with an explicit merge commit.
func (r *ExecRunner) MergeNoFFMessage(branch, message string) error {
	return r.runSilent("merge", "--no-ff", "-m", message, branch)
}

// MergeSquash squashes a branch into the index and commits it.
func (r *ExecRunner) MergeSquash(branch, message string) error {
	if err := r.runSilent("merge", "--squash", branch); err != nil {
		return err
	}
	return r.runSilent("commit", "-m", message)
}

// MergeAbort aborts an in-progress merge.
func (r *ExecRunner) MergeAbort() error {
	return r.runSilent("merge", "--abort")
}

// Rebase rebases the current branch onto the specified base.
func (r *ExecRunner) Rebase(base string) error {
	return r.runSilent("rebase", base)
}

// RebaseAbort aborts an in-progress rebase.
func (r *ExecRunner) RebaseAbort() error {
	return r.runSilent("rebase", "--abort")
}

// RebaseContinue resumes a rebase after conflicts were resolved.
func (r *ExecRunner) RebaseContinue() error {
	return r.runSilent("-c", "core.editor=true", "rebase", "--continue")
}

// ConflictedFiles returns a list of files with unmerged changes.
func (r *ExecRunner) ConflictedFiles() ([]string, error) {
	out, err := r.run("diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return nil, nil
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// WorktreeAddNewBranch creates a worktree with a new branch at a ref.
func (r *ExecRunner) WorktreeAddNewBranch(path, branch, startRef string) error {
	return r.runSilent("worktree", "add", "-b", branch, path, startRef)
}

// WorktreeRemove removes the worktree at the given path.
func (r *ExecRunner) WorktreeRemove(path string) error {
	return r.runSilent("worktree", "remove", "--force", path)
}

// WorktreeListPorcelain returns raw porcelain output for parsing.
func (r *ExecRunner) WorktreeListPorcelain() (string, error) {
	return r.run("worktree", "list", "--porcelain")
}

// WorktreePruneExpireNow prunes stale worktrees with --expire now.
func (r *ExecRunner) WorktreePruneExpireNow() error {
	return r.runSilent("worktree", "prune", "--expire", "now")
}

// Diff returns the diff between the working state and the given base.
func (r *ExecRunner) Diff(base string) (string, error) {
	return r.run("diff", base)
}

// ChangedFilesRelative returns files changed on a branch relative to another.
func (r *ExecRunner) ChangedFilesRelative(branch, relativeTo string) ([]string, error) {
	out, err := r.run("diff", "--name-only", relativeTo+"..."+branch)
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// Verify ExecRunner implements Runner at compile time.
var _ Runner = (*ExecRunner)(nil)
