package main

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/oompalabs/oompa/internal/eventlog"
	"github.com/oompalabs/oompa/internal/orchestrator"
	"github.com/oompalabs/oompa/pkg/models"
)

var (
	statusRun string
	statusAll bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show swarm run status",
	Long: `Display the status of swarm runs in the current repository.

Everything shown here is computed from the append-only run records at
the moment you ask; there is no status file that can go stale. A run
whose process died without a clean shutdown shows as crashed.

Examples:
  oompa status                      # latest run
  oompa status --all                # every recorded run
  oompa status --run 20260830-...   # one specific run`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusRun, "run", "", "Show a specific run by id")
	statusCmd.Flags().BoolVar(&statusAll, "all", false, "List all recorded runs")
}

func runStatus(cmd *cobra.Command, args []string) error {
	repoPath, err := repoFromCwd()
	if err != nil {
		return err
	}
	runsDir := orchestrator.RunsDir(repoPath)

	runs, err := eventlog.ListRuns(runsDir)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No recorded runs. Start one with 'oompa run'.")
		return nil
	}

	if statusAll {
		for _, id := range runs {
			if err := displayRunLine(runsDir, id); err != nil {
				return err
			}
		}
		return nil
	}

	id := statusRun
	if id == "" {
		id = runs[len(runs)-1]
	}
	return displayRun(runsDir, id)
}

// stateColor picks the display color for a run state.
func stateColor(state eventlog.RunState) *color.Color {
	switch state {
	case eventlog.RunStateRunning:
		return color.New(color.FgGreen, color.Bold)
	case eventlog.RunStateCrashed, eventlog.RunStateError:
		return color.New(color.FgRed, color.Bold)
	case eventlog.RunStateInterrupted:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgCyan)
	}
}

// displayRunLine prints a one-line summary for the --all listing.
func displayRunLine(runsDir, id string) error {
	reader := eventlog.NewReader(filepath.Join(runsDir, id))
	state, err := reader.State()
	if err != nil {
		fmt.Printf("  %s  %s\n", id, color.RedString("unreadable: %v", err))
		return nil
	}
	dur, _ := reader.Duration()
	fmt.Printf("  %s  %s  %s\n", id, stateColor(state).Sprintf("%-11s", state), dur.Round(1e9))
	return nil
}

// displayRun prints the full view of one run.
func displayRun(runsDir, id string) error {
	reader := eventlog.NewReader(filepath.Join(runsDir, id))

	started, err := reader.Started()
	if err != nil {
		return fmt.Errorf("read run %s: %w", id, err)
	}
	state, err := reader.State()
	if err != nil {
		return err
	}
	dur, err := reader.Duration()
	if err != nil {
		return err
	}

	bold := color.New(color.Bold)
	bold.Printf("Run %s\n", id)
	fmt.Printf("  State:    %s\n", stateColor(state).Sprint(state))
	fmt.Printf("  Started:  %s (pid %d)\n", started.StartedAt.Format("2006-01-02 15:04:05"), started.PID)
	fmt.Printf("  Duration: %s\n", dur.Round(1e9))

	if state == eventlog.RunStateCrashed {
		color.Red("  The orchestrator process is gone without a clean shutdown.")
		color.Red("  Run 'oompa cleanup' to recover orphaned worktrees.")
	}

	counts, err := reader.Counts()
	if err != nil {
		return err
	}
	if len(counts) > 0 {
		bold.Println("\nIteration outcomes:")
		outcomes := make([]string, 0, len(counts))
		for o := range counts {
			outcomes = append(outcomes, string(o))
		}
		sort.Strings(outcomes)
		for _, o := range outcomes {
			n := counts[models.IterationOutcome(o)]
			switch models.IterationOutcome(o) {
			case models.OutcomeMerged:
				fmt.Printf("  %s %d\n", color.GreenString("%-14s", o), n)
			case models.OutcomeError, models.OutcomeRejected:
				fmt.Printf("  %s %d\n", color.RedString("%-14s", o), n)
			default:
				fmt.Printf("  %-14s %d\n", o, n)
			}
		}
	}

	if err := displayWorkers(reader); err != nil {
		return err
	}
	return nil
}

// displayWorkers prints the latest outcome per worker.
func displayWorkers(reader *eventlog.Reader) error {
	events, err := reader.Iterations()
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	latest := make(map[string]*models.IterationEvent)
	for _, ev := range events {
		latest[ev.WorkerID] = ev
	}
	ids := make([]string, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	color.New(color.Bold).Println("\nWorkers:")
	for _, id := range ids {
		ev := latest[id]
		line := fmt.Sprintf("  %-10s iter %-3d %s", id, ev.Iteration, ev.Outcome)
		if len(ev.ClaimedTasks) > 0 {
			line += fmt.Sprintf("  [%s]", joinMax(ev.ClaimedTasks, 3))
		}
		switch ev.Outcome {
		case models.OutcomeWorking:
			color.Green(line)
		case models.OutcomeError:
			color.Red(line)
		default:
			fmt.Println(line)
		}
	}
	return nil
}

// joinMax joins up to n items, eliding the rest.
func joinMax(items []string, n int) string {
	if len(items) <= n {
		out := ""
		for i, s := range items {
			if i > 0 {
				out += ", "
			}
			out += s
		}
		return out
	}
	return fmt.Sprintf("%s, +%d more", joinMax(items[:n], n), len(items)-n)
}
