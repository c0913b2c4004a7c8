package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "oompa",
	Short: "Swarm orchestrator for parallel coding agents",
	Long: `Oompa coordinates a swarm of autonomous coding agents against one
shared git repository.

Each worker claims tasks from a shared queue, writes code in an
isolated git worktree, passes a propose/review loop, and submits its
branch to a single merge coordinator that rebases, re-verifies, and
lands it on trunk. Workers never touch trunk and never see each
other's sandboxes.

Typical flow:
  oompa task add auth-01 "Add login endpoint"   # seed the queue
  oompa run                                     # launch the swarm
  oompa status                                  # watch progress`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// findGitRoot finds the root of the git repository starting from the given directory.
func findGitRoot(startDir string) (string, error) {
	dir := startDir
	for {
		gitDir := filepath.Join(dir, ".git")
		if info, err := os.Stat(gitDir); err == nil && info.IsDir() {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not in a git repository")
		}
		dir = parent
	}
}

// repoFromCwd resolves the repository the command operates on.
func repoFromCwd() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	return findGitRoot(cwd)
}
