package models

import "time"

// IterationOutcome is the terminal result of one worker-iteration.
type IterationOutcome string

const (
	// OutcomeMerged indicates the iteration's branch was merged to trunk.
	OutcomeMerged IterationOutcome = "merged"
	// OutcomeRejected indicates the reviewer rejected the work or the
	// attempt cap was exhausted.
	OutcomeRejected IterationOutcome = "rejected"
	// OutcomeError indicates a backend or infrastructure failure.
	OutcomeError IterationOutcome = "error"
	// OutcomeDone indicates the worker reported no more work in the queue.
	OutcomeDone IterationOutcome = "done"
	// OutcomeExecutorDone indicates the worker goroutine exited cleanly.
	OutcomeExecutorDone IterationOutcome = "executor-done"
	// OutcomeNoChanges indicates the proposer produced no diff.
	OutcomeNoChanges IterationOutcome = "no-changes"
	// OutcomeWorking indicates the iteration is still in progress.
	OutcomeWorking IterationOutcome = "working"
	// OutcomeClaimed indicates a claim attempt in which every requested
	// task was raced away by another worker. Not an error.
	OutcomeClaimed IterationOutcome = "claimed"
)

// Valid returns true if the outcome is a known value.
func (o IterationOutcome) Valid() bool {
	switch o {
	case OutcomeMerged, OutcomeRejected, OutcomeError, OutcomeDone,
		OutcomeExecutorDone, OutcomeNoChanges, OutcomeWorking, OutcomeClaimed:
		return true
	default:
		return false
	}
}

// Verdict is a reviewer's judgement of one proposed change.
type Verdict string

const (
	// VerdictApproved means the change may be submitted for merge.
	VerdictApproved Verdict = "approved"
	// VerdictNeedsChanges means the proposer should retry with feedback.
	VerdictNeedsChanges Verdict = "needs-changes"
	// VerdictRejected means the iteration should stop without merging.
	VerdictRejected Verdict = "rejected"
)

// Valid returns true if the verdict is a known value.
func (v Verdict) Valid() bool {
	switch v {
	case VerdictApproved, VerdictNeedsChanges, VerdictRejected:
		return true
	default:
		return false
	}
}

// IterationEvent is the immutable record of one worker-iteration.
// It is written exactly once and never mutated.
type IterationEvent struct {
	// WorkerID identifies the worker.
	WorkerID string `json:"worker_id"`
	// Iteration is the worker-local iteration number, starting at 1.
	Iteration int `json:"iteration"`
	// Outcome is the iteration's terminal result.
	Outcome IterationOutcome `json:"outcome"`
	// Timestamp is when the iteration finished.
	Timestamp time.Time `json:"timestamp"`
	// Duration is how long the iteration ran.
	Duration time.Duration `json:"duration"`
	// ClaimedTasks lists task ids claimed during this iteration.
	ClaimedTasks []string `json:"claimed_tasks,omitempty"`
	// RecycledTasks lists task ids returned to pending by this iteration.
	RecycledTasks []string `json:"recycled_tasks,omitempty"`
	// ReviewRounds is the number of review rounds run.
	ReviewRounds int `json:"review_rounds,omitempty"`
	// ErrorSnippet holds a truncated error message for error outcomes.
	ErrorSnippet string `json:"error_snippet,omitempty"`
}

// ReviewEvent is the immutable record of one review round.
type ReviewEvent struct {
	// WorkerID identifies the worker whose change was reviewed.
	WorkerID string `json:"worker_id"`
	// Iteration is the worker-local iteration number.
	Iteration int `json:"iteration"`
	// Round is the review round within the iteration, starting at 1.
	Round int `json:"round"`
	// Verdict is the reviewer's judgement.
	Verdict Verdict `json:"verdict"`
	// ReviewerOutput is the full text emitted by the reviewer.
	ReviewerOutput string `json:"reviewer_output"`
	// ChangedFiles lists files touched by the reviewed change.
	ChangedFiles []string `json:"changed_files,omitempty"`
	// Timestamp is when the round finished.
	Timestamp time.Time `json:"timestamp"`
}

// StopReason explains why a swarm stopped.
type StopReason string

const (
	// StopCompleted means the queue drained and all workers finished.
	StopCompleted StopReason = "completed"
	// StopInterrupted means the swarm was cancelled by the operator.
	StopInterrupted StopReason = "interrupted"
	// StopError means a swarm-level failure forced shutdown.
	StopError StopReason = "error"
)

// Valid returns true if the reason is a known value.
func (r StopReason) Valid() bool {
	switch r {
	case StopCompleted, StopInterrupted, StopError:
		return true
	default:
		return false
	}
}

// StartedEvent is written exactly once when a swarm launches.
type StartedEvent struct {
	// SwarmID identifies the run.
	SwarmID string `json:"swarm_id"`
	// StartedAt is the launch time.
	StartedAt time.Time `json:"started_at"`
	// PID is the orchestrator process id, used for crash detection.
	PID int `json:"pid"`
	// Config is the full configuration snapshot, serialized as YAML.
	Config string `json:"config"`
}

// StoppedEvent is written exactly once at clean shutdown. Its absence
// means the swarm is still running or crashed.
type StoppedEvent struct {
	// StoppedAt is the shutdown time.
	StoppedAt time.Time `json:"stopped_at"`
	// Reason explains why the swarm stopped.
	Reason StopReason `json:"reason"`
}
