package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/oompalabs/oompa/internal/backend"
	"github.com/oompalabs/oompa/internal/eventlog"
	"github.com/oompalabs/oompa/internal/git"
	"github.com/oompalabs/oompa/internal/sandbox"
	"github.com/oompalabs/oompa/pkg/models"
)

// LoopStatus is the terminal state of one propose/review cycle.
type LoopStatus string

const (
	// LoopApproved means the reviewer approved and the branch may be
	// submitted for merge.
	LoopApproved LoopStatus = "approved"
	// LoopExhausted means the attempt cap was reached without approval.
	LoopExhausted LoopStatus = "exhausted"
	// LoopAborted means the reviewer explicitly rejected the work.
	LoopAborted LoopStatus = "aborted"
	// LoopError means a backend invocation failed or timed out.
	LoopError LoopStatus = "error"
	// LoopNoChanges means the proposer produced no diff.
	LoopNoChanges LoopStatus = "no-changes"
)

// LoopResult summarizes one task-iteration of the propose/review loop.
type LoopResult struct {
	// Status is the terminal state.
	Status LoopStatus
	// Rounds is the number of review rounds that ran.
	Rounds int
	// ChangedFiles lists files the approved change touches.
	ChangedFiles []string
	// Proposals are follow-on tasks the proposer suggested.
	Proposals []*models.Task
	// Err holds the failure for LoopError.
	Err error
}

// ReviewLoopConfig bounds the propose/review cycle.
type ReviewLoopConfig struct {
	// MaxAttempts caps propose/review rounds per iteration.
	MaxAttempts int
	// InvokeTimeout bounds a single proposer or reviewer invocation.
	InvokeTimeout time.Duration
	// Trunk is the branch diffs are taken against.
	Trunk string
}

// ReviewLoop runs the bounded propose -> commit -> review cycle for one
// claimed task inside one sandbox. The proposer and reviewer are
// separate invocations of the backend; the structural separation, not
// configuration, is what keeps a proposer from reviewing itself.
type ReviewLoop struct {
	invoker backend.Invoker
	git     git.Runner
	events  *eventlog.Log
	cfg     ReviewLoopConfig
}

// NewReviewLoop creates a review loop.
func NewReviewLoop(invoker backend.Invoker, g git.Runner, events *eventlog.Log, cfg ReviewLoopConfig) *ReviewLoop {
	return &ReviewLoop{invoker: invoker, git: g, events: events, cfg: cfg}
}

// Run executes the loop for task in sb. Review rounds are appended to
// the event log as they happen; the Review Attempt itself is ephemeral
// and never persisted as mutable state.
func (rl *ReviewLoop) Run(ctx context.Context, workerID string, iteration int, task *models.Task, sb *sandbox.Sandbox) *LoopResult {
	result := &LoopResult{}
	wt := rl.git.At(sb.Path)
	var feedback []string

	for attempt := 1; attempt <= rl.cfg.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			result.Status = LoopError
			result.Err = ctx.Err()
			return result
		}

		prompt := rl.proposerPrompt(task, sb, feedback)
		proposed, err := rl.invoker.Invoke(ctx, backend.RoleProposer, prompt, sb.Path, rl.cfg.InvokeTimeout)
		if err != nil {
			result.Status = LoopError
			result.Err = fmt.Errorf("proposer invocation: %w", err)
			return result
		}
		if !proposed.Success {
			// Backend failures abort the iteration immediately; the
			// scheduler recycles the task rather than retrying here.
			result.Status = LoopError
			result.Err = fmt.Errorf("proposer failed: %s", truncateOutput(proposed.Output, 300))
			return result
		}

		sig := backend.ParseSignals(proposed.Output, workerID)
		result.Proposals = append(result.Proposals, sig.Proposals...)
		if sig.Ready {
			debugLog("[review-loop] [%s] proposer signals ready on %s", workerID, task.ID)
		}

		hasChanges, err := wt.HasChanges()
		if err != nil {
			result.Status = LoopError
			result.Err = fmt.Errorf("inspect sandbox: %w", err)
			return result
		}
		if hasChanges {
			if err := wt.AddAll(); err != nil {
				result.Status = LoopError
				result.Err = fmt.Errorf("stage changes: %w", err)
				return result
			}
			msg := fmt.Sprintf("%s: attempt %d\n\n%s", task.ID, attempt, task.Summary)
			if err := wt.Commit(msg); err != nil {
				result.Status = LoopError
				result.Err = fmt.Errorf("commit changes: %w", err)
				return result
			}
		}

		changedFiles, err := rl.git.ChangedFilesRelative(sb.Branch, rl.cfg.Trunk)
		if err != nil {
			result.Status = LoopError
			result.Err = fmt.Errorf("list changed files: %w", err)
			return result
		}
		if len(changedFiles) == 0 {
			result.Status = LoopNoChanges
			return result
		}

		diff, err := wt.Diff(rl.cfg.Trunk)
		if err != nil {
			result.Status = LoopError
			result.Err = fmt.Errorf("diff against trunk: %w", err)
			return result
		}

		reviewed, err := rl.invoker.Invoke(ctx, backend.RoleReviewer, rl.reviewerPrompt(task, diff, changedFiles), sb.Path, rl.cfg.InvokeTimeout)
		if err != nil {
			result.Status = LoopError
			result.Err = fmt.Errorf("reviewer invocation: %w", err)
			return result
		}
		if !reviewed.Success {
			result.Status = LoopError
			result.Err = fmt.Errorf("reviewer failed: %s", truncateOutput(reviewed.Output, 300))
			return result
		}

		verdict, reviewFeedback := ParseVerdict(reviewed.Output)
		result.Rounds = attempt

		if err := rl.events.RecordReview(&models.ReviewEvent{
			WorkerID:       workerID,
			Iteration:      iteration,
			Round:          attempt,
			Verdict:        verdict,
			ReviewerOutput: reviewed.Output,
			ChangedFiles:   changedFiles,
			Timestamp:      time.Now(),
		}); err != nil {
			debugLog("[review-loop] record review round failed: %v", err)
		}

		switch verdict {
		case models.VerdictApproved:
			result.Status = LoopApproved
			result.ChangedFiles = changedFiles
			return result
		case models.VerdictRejected:
			result.Status = LoopAborted
			return result
		default:
			feedback = append(feedback, reviewFeedback)
			debugLog("[review-loop] [%s] round %d needs changes on %s", workerID, attempt, task.ID)
		}
	}

	result.Status = LoopExhausted
	return result
}

// proposerPrompt builds the propose instruction, folding in feedback
// from earlier review rounds.
func (rl *ReviewLoop) proposerPrompt(task *models.Task, sb *sandbox.Sandbox, feedback []string) string {
	var sb2 strings.Builder
	fmt.Fprintf(&sb2, "You are implementing task %s in the worktree at %s.\n\n", task.ID, sb.Path)
	fmt.Fprintf(&sb2, "Summary: %s\n", task.Summary)
	if task.Acceptance != "" {
		fmt.Fprintf(&sb2, "Acceptance: %s\n", task.Acceptance)
	}
	if len(task.Globs) > 0 {
		fmt.Fprintf(&sb2, "Expected files: %s\n", strings.Join(task.Globs, ", "))
	}
	if len(task.Depends) > 0 {
		fmt.Fprintf(&sb2, "Depends on tasks: %s\n", strings.Join(task.Depends, ", "))
	}
	sb2.WriteString("\nMake the change directly in the worktree. Do not commit; the orchestrator commits for you.\n")
	sb2.WriteString("If follow-on work is needed, emit a line: PROPOSE-TASK: <id>: <summary>\n")
	for i, fb := range feedback {
		fmt.Fprintf(&sb2, "\nReviewer feedback from round %d:\n%s\n", i+1, fb)
	}
	return sb2.String()
}

// reviewerPrompt builds the review instruction for a proposed diff.
func (rl *ReviewLoop) reviewerPrompt(task *models.Task, diff string, changedFiles []string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Review the following change for task %s.\n\n", task.ID)
	fmt.Fprintf(&sb, "Summary: %s\n", task.Summary)
	if task.Acceptance != "" {
		fmt.Fprintf(&sb, "Acceptance: %s\n", task.Acceptance)
	}
	fmt.Fprintf(&sb, "Changed files: %s\n\n", strings.Join(changedFiles, ", "))
	sb.WriteString("Respond with exactly one verdict line:\n")
	sb.WriteString("VERDICT: approved | needs-changes | rejected\n")
	sb.WriteString("followed by your reasoning.\n\n")
	sb.WriteString("Diff:\n")
	sb.WriteString(diff)
	return sb.String()
}

// ParseVerdict extracts the reviewer's verdict and feedback text from
// its output. An output without a recognizable verdict line is treated
// as needs-changes; an unreadable review must never merge work.
func ParseVerdict(output string) (models.Verdict, string) {
	for _, raw := range strings.Split(output, "\n") {
		line := strings.TrimSpace(raw)
		upper := strings.ToUpper(line)
		if !strings.HasPrefix(upper, "VERDICT:") {
			continue
		}
		value := strings.ToLower(strings.TrimSpace(line[len("VERDICT:"):]))
		switch {
		case strings.HasPrefix(value, "approved"):
			return models.VerdictApproved, output
		case strings.HasPrefix(value, "rejected"):
			return models.VerdictRejected, output
		case strings.HasPrefix(value, "needs-changes"), strings.HasPrefix(value, "needs changes"):
			return models.VerdictNeedsChanges, output
		}
	}
	return models.VerdictNeedsChanges, output
}
