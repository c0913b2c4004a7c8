package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/oompalabs/oompa/internal/git"
)

var (
	cleanupForce   bool
	cleanupVerbose bool
	cleanupDryRun  bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove orphaned sandbox worktrees",
	Long: `Clean up sandbox worktrees and branches left behind by a crash.

A cleanly stopped swarm tears its sandboxes down itself. A killed one
cannot, so its worktrees and oompa/* branches linger. This command:
  - Lists every worktree on an oompa/* branch
  - Removes the worktrees and deletes their branches
  - Runs git worktree prune

Use this after 'oompa status' reports a crashed run.

Examples:
  oompa cleanup              # Interactive cleanup with confirmation
  oompa cleanup --force      # Skip confirmation prompt
  oompa cleanup --dry-run    # Show what would be removed`,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().BoolVarP(&cleanupForce, "force", "f", false, "Skip confirmation prompt")
	cleanupCmd.Flags().BoolVarP(&cleanupVerbose, "verbose", "v", false, "Show each worktree as it's removed")
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Show what would be removed without removing")
}

// orphanedSandbox is one worktree/branch pair from a dead run.
type orphanedSandbox struct {
	path   string
	branch string
}

func runCleanup(cmd *cobra.Command, args []string) error {
	repoPath, err := repoFromCwd()
	if err != nil {
		return err
	}
	g := git.NewRunner(repoPath)

	orphans, err := findOrphans(g, repoPath)
	if err != nil {
		return err
	}
	if len(orphans) == 0 {
		fmt.Println("No orphaned sandboxes found.")
		return nil
	}

	fmt.Printf("Found %d orphaned sandbox(es):\n", len(orphans))
	for _, o := range orphans {
		fmt.Printf("  %s  (%s)\n", o.path, o.branch)
	}

	if cleanupDryRun {
		fmt.Println("\nDry run; nothing removed.")
		return nil
	}

	if !cleanupForce {
		fmt.Print("\nRemove these worktrees and branches? [y/N] ")
		reader := bufio.NewReader(os.Stdin)
		answer, _ := reader.ReadString('\n')
		if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	removed := 0
	for _, o := range orphans {
		if cleanupVerbose {
			fmt.Printf("Removing %s...\n", o.path)
		}
		if err := g.WorktreeRemove(o.path); err != nil {
			fmt.Fprintf(os.Stderr, "warning: remove worktree %s: %v\n", o.path, err)
			continue
		}
		if o.branch != "" {
			if err := g.DeleteBranch(o.branch); err != nil {
				fmt.Fprintf(os.Stderr, "warning: delete branch %s: %v\n", o.branch, err)
			}
		}
		removed++
	}

	if err := g.WorktreePruneExpireNow(); err != nil {
		return fmt.Errorf("prune worktrees: %w", err)
	}
	fmt.Printf("Removed %d sandbox(es).\n", removed)
	return nil
}

// findOrphans parses worktree porcelain output for sandboxes on
// oompa/* branches. The main worktree never matches: it is on trunk.
func findOrphans(g git.Runner, repoPath string) ([]orphanedSandbox, error) {
	porcelain, err := g.WorktreeListPorcelain()
	if err != nil {
		return nil, fmt.Errorf("list worktrees: %w", err)
	}

	var orphans []orphanedSandbox
	var current orphanedSandbox
	flush := func() {
		if current.path != "" && current.path != repoPath &&
			strings.HasPrefix(current.branch, "oompa/") {
			orphans = append(orphans, current)
		}
		current = orphanedSandbox{}
	}

	for _, line := range strings.Split(porcelain, "\n") {
		switch {
		case strings.HasPrefix(line, "worktree "):
			flush()
			current.path = strings.TrimPrefix(line, "worktree ")
		case strings.HasPrefix(line, "branch refs/heads/"):
			current.branch = strings.TrimPrefix(line, "branch refs/heads/")
		}
	}
	flush()
	return orphans, nil
}
