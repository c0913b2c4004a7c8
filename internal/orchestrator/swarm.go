package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oompalabs/oompa/internal/backend"
	"github.com/oompalabs/oompa/internal/config"
	"github.com/oompalabs/oompa/internal/eventlog"
	"github.com/oompalabs/oompa/internal/exec"
	"github.com/oompalabs/oompa/internal/git"
	"github.com/oompalabs/oompa/internal/sandbox"
	"github.com/oompalabs/oompa/internal/store"
	"github.com/oompalabs/oompa/pkg/models"
)

// Swarm wires the store, sandbox pool, backend, workers, and merge
// coordinator into one run against one repository.
type Swarm struct {
	ID string

	cfg      *config.Config
	repoPath string

	git     git.Runner
	store   store.Store
	events  *eventlog.Log
	pool    *sandbox.Pool
	invoker backend.Invoker
	merges  *MergeQueue
	watcher *QueueWatcher
	logger  *DebugLogger
}

// OompaDir returns the swarm state directory for a repository.
func OompaDir(repoPath string) string {
	return filepath.Join(repoPath, ".oompa")
}

// RunsDir returns the run-record root for a repository.
func RunsDir(repoPath string) string {
	return filepath.Join(OompaDir(repoPath), "runs")
}

// OpenStore opens the configured task store for a repository. Shared by
// the swarm and the task management commands so both see one queue.
func OpenStore(cfg *config.Config, repoPath string) (store.Store, error) {
	switch cfg.Store.Backend {
	case "sqlite":
		return store.NewSQLiteStore(filepath.Join(OompaDir(repoPath), "tasks.db"))
	default:
		return store.NewFSStore(filepath.Join(OompaDir(repoPath), "tasks"))
	}
}

// NewSwarm builds a swarm from configuration. Nothing runs until Run.
func NewSwarm(cfg *config.Config, repoPath string, opts ...Option) (*Swarm, error) {
	var o swarmOptions
	for _, opt := range opts {
		opt(&o)
	}

	id := eventlog.NewSwarmID()

	events, err := eventlog.New(RunsDir(repoPath), id)
	if err != nil {
		return nil, err
	}

	logger, err := NewDebugLogger(filepath.Join(events.Dir(), "debug.log"))
	if err != nil {
		return nil, err
	}
	setPackageLogger(logger)

	st := o.store
	if st == nil {
		st, err = OpenStore(cfg, repoPath)
		if err != nil {
			logger.Close()
			return nil, fmt.Errorf("open task store: %w", err)
		}
	}

	g := o.git
	if g == nil {
		g = git.NewRunner(repoPath)
	}
	if _, err := g.RevParse(cfg.Trunk); err != nil {
		st.Close()
		logger.Close()
		return nil, fmt.Errorf("trunk branch %q not found: %w", cfg.Trunk, err)
	}

	invoker := o.invoker
	if invoker == nil {
		invoker, err = newInvoker(cfg)
		if err != nil {
			st.Close()
			logger.Close()
			return nil, err
		}
	}

	capacity := cfg.Pool.Capacity
	if capacity == 0 {
		capacity = cfg.Workers
	}
	pool, err := sandbox.NewPool(sandbox.PoolConfig{
		RepoPath:       repoPath,
		BaseDir:        cfg.Pool.BaseDir,
		Trunk:          cfg.Trunk,
		Capacity:       capacity,
		Policy:         sandbox.Policy(cfg.Pool.Policy),
		AcquireTimeout: cfg.Pool.AcquireTimeout,
	}, g)
	if err != nil {
		st.Close()
		logger.Close()
		return nil, fmt.Errorf("create sandbox pool: %w", err)
	}

	verifier := NewVerifier(exec.NewRunner(), cfg.Merge.Verification,
		cfg.Merge.SmokeCommand, cfg.Merge.FullCommand, cfg.Merge.VerifyTimeout)
	merges := NewMergeQueue(g, st, verifier, invoker, MergeQueueConfig{
		Trunk:          cfg.Trunk,
		Strategy:       cfg.Merge.Strategy,
		ResolveTimeout: cfg.Backend.Timeout,
	})

	var watchDir string
	if fs, ok := st.(*store.FSStore); ok {
		watchDir = fs.PendingDir()
	}

	return &Swarm{
		ID:       id,
		cfg:      cfg,
		repoPath: repoPath,
		git:      g,
		store:    st,
		events:   events,
		pool:     pool,
		invoker:  invoker,
		merges:   merges,
		watcher:  NewQueueWatcher(watchDir, 30*time.Second),
		logger:   logger,
	}, nil
}

// newInvoker builds the configured backend.
func newInvoker(cfg *config.Config) (backend.Invoker, error) {
	switch cfg.Backend.Mode {
	case "api":
		return backend.NewAPIInvoker(backend.APIConfig{
			Model:      cfg.Backend.Model,
			APIKey:     cfg.Backend.APIKey,
			UseBedrock: cfg.Backend.UseBedrock,
			AWSRegion:  cfg.Backend.AWSRegion,
			AWSProfile: cfg.Backend.AWSProfile,
		})
	default:
		inv := backend.NewCLIInvoker(cfg.Backend.Binary)
		if err := inv.CheckBinary(); err != nil {
			return nil, err
		}
		inv.Debug = debugLog
		return inv, nil
	}
}

// Run launches the swarm and blocks until the queue drains, the context
// is cancelled, or a swarm-level failure. The stopped record is written
// on every exit path; only a crash leaves it missing.
func (s *Swarm) Run(ctx context.Context) error {
	snapshot, err := s.cfg.Snapshot()
	if err != nil {
		return err
	}
	if err := s.events.RecordStarted(&models.StartedEvent{
		SwarmID:   s.ID,
		StartedAt: time.Now(),
		PID:       os.Getpid(),
		Config:    snapshot,
	}); err != nil {
		return fmt.Errorf("record start: %w", err)
	}

	debugLog("[swarm %s] starting %d workers on %s", s.ID, s.cfg.Workers, s.repoPath)

	watchCtx, stopWatch := context.WithCancel(context.Background())
	go s.watcher.Run(watchCtx)
	s.merges.Start(ctx)

	var wg sync.WaitGroup
	for i := 1; i <= s.cfg.Workers; i++ {
		loop := NewReviewLoop(s.invoker, s.git, s.events, ReviewLoopConfig{
			MaxAttempts:   s.cfg.Review.MaxAttempts,
			InvokeTimeout: s.cfg.Backend.Timeout,
			Trunk:         s.cfg.Trunk,
		})
		w := NewWorker(fmt.Sprintf("worker-%d", i), s.store, s.pool, s.invoker,
			loop, s.merges, s.events, s.watcher.Wakeup(), WorkerConfig{
				SelectTimeout: s.cfg.Backend.Timeout,
			})
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}
	wg.Wait()

	// Workers are gone; nothing can submit to the queue anymore.
	s.merges.Stop()
	stopWatch()

	reason := models.StopCompleted
	if ctx.Err() != nil {
		reason = models.StopInterrupted
	}

	var firstErr error
	if err := s.pool.Teardown(); err != nil {
		firstErr = fmt.Errorf("tear down sandboxes: %w", err)
		reason = models.StopError
	}

	if err := s.events.RecordStopped(&models.StoppedEvent{
		StoppedAt: time.Now(),
		Reason:    reason,
	}); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("record stop: %w", err)
	}

	if err := s.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	s.logger.Close()

	stats := s.merges.Stats()
	debugLog("[swarm %s] stopped (%s): %d merged, %d rebase failures, %d verify failures",
		s.ID, reason, stats.Merged, stats.RebaseFailed, stats.VerifyFailed)
	return firstErr
}
