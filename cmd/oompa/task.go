package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/oompalabs/oompa/internal/config"
	"github.com/oompalabs/oompa/internal/orchestrator"
	"github.com/oompalabs/oompa/internal/store"
	"github.com/oompalabs/oompa/pkg/models"
)

var (
	taskGlobs      []string
	taskDepends    []string
	taskAcceptance string
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage the task queue",
	Long: `Manage the shared task queue workers claim from.

Tasks move pending -> current -> complete. A task that fails review or
hits an infrastructure error is recycled back to pending, never lost.

Examples:
  oompa task add auth-01 "Add login endpoint" --glob 'internal/auth/**'
  oompa task add auth-02 "Add logout endpoint" --depends auth-01
  oompa task list`,
}

var taskAddCmd = &cobra.Command{
	Use:   "add <id> <summary>",
	Short: "Add a task to the pending queue",
	Args:  cobra.ExactArgs(2),
	RunE:  runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks by state",
	Args:  cobra.NoArgs,
	RunE:  runTaskList,
}

func init() {
	taskAddCmd.Flags().StringSliceVar(&taskGlobs, "glob", nil, "File globs the task is expected to touch (repeatable)")
	taskAddCmd.Flags().StringSliceVar(&taskDepends, "depends", nil, "Task ids this task depends on (repeatable)")
	taskAddCmd.Flags().StringVar(&taskAcceptance, "acceptance", "", "Acceptance criteria shown to the proposer and reviewer")
	taskCmd.AddCommand(taskAddCmd)
	taskCmd.AddCommand(taskListCmd)
}

// openQueue opens the configured store for the current repository.
func openQueue() (store.Store, error) {
	repoPath, err := repoFromCwd()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return orchestrator.OpenStore(cfg, repoPath)
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	st, err := openQueue()
	if err != nil {
		return err
	}
	defer st.Close()

	task := &models.Task{
		ID:         args[0],
		Summary:    args[1],
		Globs:      taskGlobs,
		Depends:    taskDepends,
		Acceptance: taskAcceptance,
		CreatedAt:  time.Now(),
	}
	if err := st.Add(task); err != nil {
		return fmt.Errorf("add task %s: %w", task.ID, err)
	}
	fmt.Printf("Added %s to pending.\n", task.ID)
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	st, err := openQueue()
	if err != nil {
		return err
	}
	defer st.Close()

	sections := []struct {
		name  string
		list  func() ([]*models.Task, error)
		color *color.Color
	}{
		{"Pending", st.Pending, color.New(color.FgYellow, color.Bold)},
		{"In progress", st.Current, color.New(color.FgGreen, color.Bold)},
		{"Completed", st.Completed, color.New(color.FgCyan, color.Bold)},
	}

	empty := true
	for _, sec := range sections {
		tasks, err := sec.list()
		if err != nil {
			return err
		}
		if len(tasks) == 0 {
			continue
		}
		empty = false
		sec.color.Printf("%s (%d):\n", sec.name, len(tasks))
		for _, t := range tasks {
			fmt.Printf("  %-16s %s", t.ID, t.Summary)
			if len(t.Depends) > 0 {
				fmt.Printf("  (depends: %s)", joinMax(t.Depends, 3))
			}
			if t.Completion != nil {
				fmt.Printf("  [merged %s by %s]", shortRef(t.Completion.MergedRef), t.Completion.CompletedBy)
			}
			fmt.Println()
		}
		fmt.Println()
	}
	if empty {
		fmt.Println("Queue is empty. Add tasks with 'oompa task add'.")
	}
	return nil
}

// shortRef abbreviates a commit hash for display.
func shortRef(ref string) string {
	if len(ref) > 8 {
		return ref[:8]
	}
	return ref
}
