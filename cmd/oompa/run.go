package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oompalabs/oompa/internal/config"
	"github.com/oompalabs/oompa/internal/orchestrator"
)

var (
	runWorkers int
	runTrunk   string
	runBackend string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Launch the swarm against the current repository",
	Long: `Launch N workers against the task queue of the current repository.

The swarm runs until the queue drains (every worker reports DONE) or
until interrupted with Ctrl-C. Interruption is graceful: in-flight
merges complete, sandboxes are torn down, and the run record is closed.

A run that is killed outright (SIGKILL, power loss) leaves no stopped
record; 'oompa status' detects this as a crash via the recorded pid.

Examples:
  oompa run                     # defaults from config
  oompa run --workers 5         # override worker count
  oompa run --trunk develop     # integrate onto a different branch`,
	RunE: runSwarm,
}

func init() {
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "Number of workers (overrides config)")
	runCmd.Flags().StringVar(&runTrunk, "trunk", "", "Integration branch (overrides config)")
	runCmd.Flags().StringVar(&runBackend, "backend", "", "Backend mode: cli or api (overrides config)")
}

func runSwarm(cmd *cobra.Command, args []string) error {
	repoPath, err := repoFromCwd()
	if err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if runWorkers > 0 {
		cfg.Workers = runWorkers
	}
	if runTrunk != "" {
		cfg.Trunk = runTrunk
	}
	if runBackend != "" {
		cfg.Backend.Mode = runBackend
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	swarm, err := orchestrator.NewSwarm(cfg, repoPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nInterrupted; finishing in-flight merges...")
		cancel()
	}()

	fmt.Printf("Starting swarm %s with %d workers on %s\n", swarm.ID, cfg.Workers, repoPath)
	if err := swarm.Run(ctx); err != nil {
		return fmt.Errorf("swarm %s: %w", swarm.ID, err)
	}
	fmt.Printf("Swarm %s finished. Run 'oompa status' for details.\n", swarm.ID)
	return nil
}
