package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oompalabs/oompa/internal/backend"
	"github.com/oompalabs/oompa/internal/git"
	"github.com/oompalabs/oompa/internal/store"
	"github.com/oompalabs/oompa/pkg/models"
)

// MergeRequest asks the coordinator to integrate one approved branch.
type MergeRequest struct {
	// TaskID is the task this branch implements.
	TaskID string
	// WorkerID is the submitting worker, for logging.
	WorkerID string
	// Branch is the sandbox branch holding the approved commits.
	Branch string
	// SandboxPath is the worktree where the branch is checked out.
	// Rebase and verification run there.
	SandboxPath string
	// StagedIDs are proposal tasks to admit to pending once this
	// branch merges. They ride the request so a rejected merge never
	// admits its proposals.
	StagedIDs []string
	// ResultCh receives exactly one MergeOutcome.
	ResultCh chan MergeOutcome
	// Ctx is the submitting worker's context; a dead worker's request
	// is skipped instead of merged.
	Ctx context.Context
}

// MergeOutcome is the coordinator's verdict on one request.
type MergeOutcome struct {
	// Merged is true when the branch landed on trunk.
	Merged bool
	// MergedRef is the trunk commit after a successful merge.
	MergedRef string
	// Stage names where a failed request stopped: rebase, verify, merge.
	Stage string
	// Err is the failure, nil on success.
	Err error
}

// MergeQueueConfig configures the coordinator.
type MergeQueueConfig struct {
	// Trunk is the integration branch.
	Trunk string
	// Strategy is one of ff-only, merge-commit, squash, rebase-ff.
	Strategy string
	// ResolveTimeout bounds the single conflict-resolution invocation.
	ResolveTimeout time.Duration
	// QueueDepth is the channel capacity; submitters block when full.
	QueueDepth int
}

// MergeStats counts coordinator outcomes.
type MergeStats struct {
	Merged        int
	RebaseFailed  int
	VerifyFailed  int
	MergeFailed   int
	ConflictsSelf int // conflicts resolved by the resolver invocation
}

// MergeQueue serializes every write to trunk through a single goroutine.
// Requests are processed strictly in arrival order; there is no
// priority, no preemption, and no concurrent merging. Each request is
// rebased onto the current trunk head, re-verified, and only then
// merged, so trunk can never receive a commit that was not tested
// against the exact state it lands on.
type MergeQueue struct {
	git      git.Runner
	store    store.Store
	verifier *Verifier
	invoker  backend.Invoker
	cfg      MergeQueueConfig

	requests chan *MergeRequest
	wg       sync.WaitGroup

	mu      sync.Mutex
	stats   MergeStats
	started bool
}

// NewMergeQueue creates a merge coordinator. Call Start to begin
// processing and Stop to drain and shut down.
func NewMergeQueue(g git.Runner, s store.Store, verifier *Verifier, invoker backend.Invoker, cfg MergeQueueConfig) *MergeQueue {
	depth := cfg.QueueDepth
	if depth <= 0 {
		depth = 16
	}
	return &MergeQueue{
		git:      g,
		store:    s,
		verifier: verifier,
		invoker:  invoker,
		cfg:      cfg,
		requests: make(chan *MergeRequest, depth),
	}
}

// Start launches the single coordinator goroutine.
func (mq *MergeQueue) Start(ctx context.Context) {
	mq.mu.Lock()
	if mq.started {
		mq.mu.Unlock()
		return
	}
	mq.started = true
	mq.mu.Unlock()

	mq.wg.Add(1)
	go func() {
		defer mq.wg.Done()
		for req := range mq.requests {
			if req.Ctx != nil && req.Ctx.Err() != nil {
				req.ResultCh <- MergeOutcome{Stage: "queue", Err: req.Ctx.Err()}
				continue
			}
			req.ResultCh <- mq.process(ctx, req)
		}
	}()
}

// Submit enqueues a request. The caller reads the outcome from
// req.ResultCh; the channel must have capacity 1 so the coordinator
// never blocks on a slow submitter.
func (mq *MergeQueue) Submit(req *MergeRequest) {
	mq.requests <- req
}

// Stop closes the queue and waits for in-flight requests to finish.
func (mq *MergeQueue) Stop() {
	mq.mu.Lock()
	if !mq.started {
		mq.mu.Unlock()
		return
	}
	mq.started = false
	mq.mu.Unlock()

	close(mq.requests)
	mq.wg.Wait()
}

// Stats returns a copy of the outcome counters.
func (mq *MergeQueue) Stats() MergeStats {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	return mq.stats
}

// process runs the rebase -> verify -> merge pipeline for one request.
func (mq *MergeQueue) process(ctx context.Context, req *MergeRequest) MergeOutcome {
	debugLog("[merge] processing %s from %s (branch %s)", req.TaskID, req.WorkerID, req.Branch)

	wt := mq.git.At(req.SandboxPath)

	if err := mq.rebase(ctx, req, wt); err != nil {
		mq.count(func(s *MergeStats) { s.RebaseFailed++ })
		return MergeOutcome{Stage: "rebase", Err: err}
	}

	if err := mq.verifier.Verify(ctx, req.SandboxPath); err != nil {
		mq.count(func(s *MergeStats) { s.VerifyFailed++ })
		return MergeOutcome{Stage: "verify", Err: err}
	}

	if err := mq.git.CheckoutBranch(mq.cfg.Trunk); err != nil {
		mq.count(func(s *MergeStats) { s.MergeFailed++ })
		return MergeOutcome{Stage: "merge", Err: fmt.Errorf("checkout %s: %w", mq.cfg.Trunk, err)}
	}
	if err := mq.merge(req); err != nil {
		mq.count(func(s *MergeStats) { s.MergeFailed++ })
		return MergeOutcome{Stage: "merge", Err: err}
	}

	ref, err := mq.git.RevParse("HEAD")
	if err != nil {
		ref = ""
	}

	if err := mq.store.Complete(req.TaskID, &models.Completion{
		MergedRef:   ref,
		CompletedBy: req.WorkerID,
		CompletedAt: time.Now(),
	}); err != nil {
		debugLog("[merge] complete %s in store failed: %v", req.TaskID, err)
	}
	if len(req.StagedIDs) > 0 {
		if err := mq.store.AdmitStaged(req.StagedIDs); err != nil {
			debugLog("[merge] admit staged proposals for %s failed: %v", req.TaskID, err)
		}
	}

	mq.count(func(s *MergeStats) { s.Merged++ })
	debugLog("[merge] merged %s at %s", req.TaskID, ref)
	return MergeOutcome{Merged: true, MergedRef: ref}
}

// rebase replays the branch onto the current trunk head inside the
// sandbox worktree. On conflict it makes exactly one resolution attempt
// with a backend invocation; a second conflict aborts the rebase and
// bounces the request back to the worker untouched.
func (mq *MergeQueue) rebase(ctx context.Context, req *MergeRequest, wt git.Runner) error {
	err := wt.Rebase(mq.cfg.Trunk)
	if err == nil {
		return nil
	}

	conflicted, cfErr := wt.ConflictedFiles()
	if cfErr != nil || len(conflicted) == 0 {
		if abortErr := wt.RebaseAbort(); abortErr != nil {
			debugLog("[merge] rebase abort for %s failed: %v", req.TaskID, abortErr)
		}
		return fmt.Errorf("rebase onto %s: %w", mq.cfg.Trunk, err)
	}

	debugLog("[merge] %s conflicts on %s, attempting resolution", req.TaskID, strings.Join(conflicted, ", "))

	prompt := fmt.Sprintf(
		"A rebase of branch %s onto %s stopped on conflicts in:\n  %s\n\n"+
			"Resolve every conflict in the working tree at %s. Keep both sides' intent "+
			"where possible. Do not run git commands; just edit the files so no "+
			"conflict markers remain.",
		req.Branch, mq.cfg.Trunk, strings.Join(conflicted, "\n  "), req.SandboxPath)

	res, invErr := mq.invoker.Invoke(ctx, backend.RoleResolver, prompt, req.SandboxPath, mq.cfg.ResolveTimeout)
	if invErr != nil || !res.Success {
		if abortErr := wt.RebaseAbort(); abortErr != nil {
			debugLog("[merge] rebase abort for %s failed: %v", req.TaskID, abortErr)
		}
		if invErr != nil {
			return fmt.Errorf("conflict resolution: %w", invErr)
		}
		return fmt.Errorf("conflict resolution failed: %s", truncateOutput(res.Output, 300))
	}

	if err := wt.AddAll(); err != nil {
		wt.RebaseAbort()
		return fmt.Errorf("stage resolved files: %w", err)
	}
	if err := wt.RebaseContinue(); err != nil {
		// One attempt only. Anything still conflicted goes back to the
		// worker with the rebase fully unwound.
		if abortErr := wt.RebaseAbort(); abortErr != nil {
			debugLog("[merge] rebase abort for %s failed: %v", req.TaskID, abortErr)
		}
		return fmt.Errorf("rebase continue after resolution: %w", err)
	}

	mq.count(func(s *MergeStats) { s.ConflictsSelf++ })
	return nil
}

// merge integrates the rebased branch into trunk per the configured
// strategy. Runs in the main repository with trunk checked out.
func (mq *MergeQueue) merge(req *MergeRequest) error {
	message := fmt.Sprintf("Merge %s (%s)", req.TaskID, req.Branch)
	var err error
	switch mq.cfg.Strategy {
	case "merge-commit":
		err = mq.git.MergeNoFFMessage(req.Branch, message)
	case "squash":
		err = mq.git.MergeSquash(req.Branch, message)
	case "ff-only", "rebase-ff":
		// The branch was just rebased onto trunk head, so a
		// fast-forward is always possible unless trunk moved, which it
		// cannot: this goroutine is the only trunk writer.
		err = mq.git.MergeFFOnly(req.Branch)
	default:
		return fmt.Errorf("unknown merge strategy %q", mq.cfg.Strategy)
	}
	if err != nil {
		if abortErr := mq.git.MergeAbort(); abortErr != nil {
			debugLog("[merge] merge abort failed: %v", abortErr)
		}
		return fmt.Errorf("merge %s into %s: %w", req.Branch, mq.cfg.Trunk, err)
	}
	return nil
}

func (mq *MergeQueue) count(f func(*MergeStats)) {
	mq.mu.Lock()
	defer mq.mu.Unlock()
	f(&mq.stats)
}
