package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oompalabs/oompa/internal/backend"
	"github.com/oompalabs/oompa/internal/eventlog"
	"github.com/oompalabs/oompa/internal/sandbox"
	"github.com/oompalabs/oompa/internal/store"
	"github.com/oompalabs/oompa/pkg/models"
)

// WorkerConfig configures one worker goroutine.
type WorkerConfig struct {
	// SelectTimeout bounds the task-selection invocation.
	SelectTimeout time.Duration
	// IdleWait is how long the worker sleeps when the queue is empty
	// and no wakeup arrives.
	IdleWait time.Duration
	// MaxIterations stops a runaway worker; zero means unlimited.
	MaxIterations int
}

// Worker is one autonomous executor. It repeatedly asks the backend to
// pick tasks from pending, claims them through the store's atomic
// protocol, drives the propose/review loop in a sandbox, and submits
// approved branches to the merge coordinator. Workers never write to
// trunk and never see each other's sandboxes.
type Worker struct {
	id      string
	store   store.Store
	pool    *sandbox.Pool
	invoker backend.Invoker
	loop    *ReviewLoop
	merges  *MergeQueue
	events  *eventlog.Log
	cfg     WorkerConfig

	// wakeup is signalled by the pending-queue watcher so idle workers
	// notice new tasks without polling aggressively.
	wakeup <-chan struct{}
}

// NewWorker creates a worker.
func NewWorker(id string, s store.Store, pool *sandbox.Pool, invoker backend.Invoker, loop *ReviewLoop, merges *MergeQueue, events *eventlog.Log, wakeup <-chan struct{}, cfg WorkerConfig) *Worker {
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = 15 * time.Second
	}
	return &Worker{
		id:      id,
		store:   s,
		pool:    pool,
		invoker: invoker,
		loop:    loop,
		merges:  merges,
		events:  events,
		cfg:     cfg,
		wakeup:  wakeup,
	}
}

// Run executes iterations until the context is cancelled, the backend
// signals DONE, or the iteration cap is reached. The final record on a
// clean exit is always executor-done.
func (w *Worker) Run(ctx context.Context) {
	defer w.record(&models.IterationEvent{
		WorkerID:  w.id,
		Outcome:   models.OutcomeExecutorDone,
		Timestamp: time.Now(),
	})

	for iteration := 1; ; iteration++ {
		if ctx.Err() != nil {
			return
		}
		if w.cfg.MaxIterations > 0 && iteration > w.cfg.MaxIterations {
			debugLog("[worker %s] iteration cap %d reached", w.id, w.cfg.MaxIterations)
			return
		}

		done, err := w.iterate(ctx, iteration)
		if err != nil {
			debugLog("[worker %s] iteration %d error: %v", w.id, iteration, err)
		}
		if done {
			return
		}
	}
}

// iterate runs one full iteration: select, claim, execute, report.
// Returns done=true when the worker should exit.
func (w *Worker) iterate(ctx context.Context, iteration int) (bool, error) {
	start := time.Now()

	w.record(&models.IterationEvent{
		WorkerID:  w.id,
		Iteration: iteration,
		Outcome:   models.OutcomeWorking,
		Timestamp: start,
	})

	pending, err := w.store.Pending()
	if err != nil {
		w.recordTerminal(iteration, start, models.OutcomeError, nil, nil, 0, err)
		return false, fmt.Errorf("list pending: %w", err)
	}
	if len(pending) == 0 {
		current, err := w.store.Current()
		if err == nil && len(current) == 0 {
			// Queue fully drained: nothing pending, nothing in flight.
			w.recordTerminal(iteration, start, models.OutcomeDone, nil, nil, 0, nil)
			return true, nil
		}
		// Other workers still hold tasks; their failures may recycle
		// work back to pending, so wait for a wakeup instead of exiting.
		w.idle(ctx)
		w.recordTerminal(iteration, start, models.OutcomeNoChanges, nil, nil, 0, nil)
		return false, nil
	}

	sig, err := w.selectTasks(ctx, pending)
	if err != nil {
		w.recordTerminal(iteration, start, models.OutcomeError, nil, nil, 0, err)
		return false, err
	}
	if sig.Done {
		w.recordTerminal(iteration, start, models.OutcomeDone, nil, nil, 0, nil)
		return true, nil
	}
	if len(sig.ClaimIDs) == 0 {
		w.idle(ctx)
		w.recordTerminal(iteration, start, models.OutcomeNoChanges, nil, nil, 0, nil)
		return false, nil
	}

	claim, err := w.store.Claim(sig.ClaimIDs)
	if err != nil {
		w.recordTerminal(iteration, start, models.OutcomeError, nil, nil, 0, err)
		return false, fmt.Errorf("claim tasks: %w", err)
	}
	debugLog("[worker %s] %s", w.id, strings.ReplaceAll(
		backend.RenderClaimResponse(claim.Claimed, claim.AlreadyTaken, claim.NotFound), "\n", " "))

	if len(claim.Claimed) == 0 {
		// Every requested id was raced away or gone. Not an error:
		// losing a claim race is the protocol working.
		w.recordTerminal(iteration, start, models.OutcomeClaimed, nil, nil, 0, nil)
		return false, nil
	}

	tasks := indexTasks(pending)
	outcome := models.OutcomeMerged
	var recycled []string
	rounds := 0
	var firstErr error

	for _, id := range claim.Claimed {
		task := tasks[id]
		if task == nil {
			// Claimed between our Pending() snapshot and now; reread.
			task, err = findCurrent(w.store, id)
			if err != nil {
				w.recycle(id, &recycled)
				continue
			}
		}

		res := w.runTask(ctx, iteration, task)
		rounds += res.rounds
		if !res.merged {
			w.recycle(id, &recycled)
			if res.err != nil && firstErr == nil {
				firstErr = res.err
			}
			if res.outcome != "" {
				outcome = res.outcome
			}
		}
	}
	if firstErr != nil {
		outcome = models.OutcomeError
	} else if len(recycled) == len(claim.Claimed) && outcome == models.OutcomeMerged {
		outcome = models.OutcomeRejected
	}

	w.recordTerminal(iteration, start, outcome, claim.Claimed, recycled, rounds, firstErr)
	return false, firstErr
}

// taskResult summarizes one task execution within an iteration.
type taskResult struct {
	merged  bool
	rounds  int
	outcome models.IterationOutcome
	err     error
}

// runTask drives one claimed task through sandbox, review loop, and
// merge submission.
func (w *Worker) runTask(ctx context.Context, iteration int, task *models.Task) taskResult {
	sb, err := w.pool.Acquire(ctx, task.ID)
	if err != nil {
		return taskResult{outcome: models.OutcomeError, err: fmt.Errorf("acquire sandbox: %w", err)}
	}
	defer w.pool.Release(task.ID)

	res := w.loop.Run(ctx, w.id, iteration, task, sb)

	// Proposals are staged regardless of the loop outcome; they only
	// become claimable if this change merges.
	var stagedIDs []string
	for _, p := range res.Proposals {
		if err := w.store.Stage(p); err != nil {
			debugLog("[worker %s] stage proposal %s failed: %v", w.id, p.ID, err)
			continue
		}
		stagedIDs = append(stagedIDs, p.ID)
	}

	switch res.Status {
	case LoopApproved:
		// Fall through to merge submission.
	case LoopNoChanges:
		return taskResult{rounds: res.Rounds, outcome: models.OutcomeNoChanges}
	case LoopAborted, LoopExhausted:
		return taskResult{rounds: res.Rounds, outcome: models.OutcomeRejected}
	default:
		return taskResult{rounds: res.Rounds, outcome: models.OutcomeError, err: res.Err}
	}

	resultCh := make(chan MergeOutcome, 1)
	w.merges.Submit(&MergeRequest{
		TaskID:      task.ID,
		WorkerID:    w.id,
		Branch:      sb.Branch,
		SandboxPath: sb.Path,
		StagedIDs:   stagedIDs,
		ResultCh:    resultCh,
		Ctx:         ctx,
	})

	select {
	case out := <-resultCh:
		if !out.Merged {
			debugLog("[worker %s] merge of %s failed at %s: %v", w.id, task.ID, out.Stage, out.Err)
			return taskResult{rounds: res.Rounds, outcome: models.OutcomeError, err: out.Err}
		}
		return taskResult{merged: true, rounds: res.Rounds}
	case <-ctx.Done():
		return taskResult{rounds: res.Rounds, outcome: models.OutcomeError, err: ctx.Err()}
	}
}

// selectTasks asks the backend which pending tasks to take.
func (w *Worker) selectTasks(ctx context.Context, pending []*models.Task) (*backend.Signals, error) {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are worker %s in a swarm. Pick tasks from the pending queue.\n\n", w.id)
	sb.WriteString("Pending tasks:\n")
	for _, t := range pending {
		fmt.Fprintf(&sb, "  %s: %s", t.ID, t.Summary)
		if len(t.Depends) > 0 {
			fmt.Fprintf(&sb, " (depends on %s)", strings.Join(t.Depends, ", "))
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\nEmit exactly one line:\n")
	sb.WriteString("  CLAIM: <id> [<id> ...]   to claim tasks you will complete now\n")
	sb.WriteString("  DONE                     if nothing remaining is workable\n")
	sb.WriteString("Do not claim a task whose dependencies are still pending.\n")

	res, err := w.invoker.Invoke(ctx, backend.RoleProposer, sb.String(), "", w.cfg.SelectTimeout)
	if err != nil {
		return nil, fmt.Errorf("selection invocation: %w", err)
	}
	if !res.Success {
		return nil, fmt.Errorf("selection failed: %s", truncateOutput(res.Output, 300))
	}
	return backend.ParseSignals(res.Output, w.id), nil
}

// recycle returns a task to pending and tracks it for the iteration
// record. Tasks are never dropped on failure.
func (w *Worker) recycle(id string, recycled *[]string) {
	if err := w.store.Recycle(id); err != nil {
		debugLog("[worker %s] recycle %s failed: %v", w.id, id, err)
		return
	}
	*recycled = append(*recycled, id)
}

// idle waits for a queue wakeup, the idle timeout, or cancellation.
func (w *Worker) idle(ctx context.Context) {
	timer := time.NewTimer(w.cfg.IdleWait)
	defer timer.Stop()
	if w.wakeup == nil {
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
		return
	}
	select {
	case <-w.wakeup:
	case <-timer.C:
	case <-ctx.Done():
	}
}

func (w *Worker) record(ev *models.IterationEvent) {
	if err := w.events.RecordIteration(ev); err != nil {
		debugLog("[worker %s] record iteration failed: %v", w.id, err)
	}
}

func (w *Worker) recordTerminal(iteration int, start time.Time, outcome models.IterationOutcome, claimed, recycled []string, rounds int, cause error) {
	ev := &models.IterationEvent{
		WorkerID:      w.id,
		Iteration:     iteration,
		Outcome:       outcome,
		Timestamp:     time.Now(),
		Duration:      time.Since(start),
		ClaimedTasks:  claimed,
		RecycledTasks: recycled,
		ReviewRounds:  rounds,
	}
	if cause != nil {
		ev.ErrorSnippet = truncateOutput(cause.Error(), 300)
	}
	w.record(ev)
}

func indexTasks(tasks []*models.Task) map[string]*models.Task {
	m := make(map[string]*models.Task, len(tasks))
	for _, t := range tasks {
		m[t.ID] = t
	}
	return m
}

func findCurrent(s store.Store, id string) (*models.Task, error) {
	current, err := s.Current()
	if err != nil {
		return nil, err
	}
	for _, t := range current {
		if t.ID == id {
			return t, nil
		}
	}
	return nil, store.ErrNotFound
}
