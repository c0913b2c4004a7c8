package models

import (
	"fmt"
	"time"
)

// TaskState represents the queue partition a task currently lives in.
type TaskState string

const (
	// TaskStatePending indicates the task is waiting to be claimed.
	TaskStatePending TaskState = "pending"
	// TaskStateCurrent indicates the task has been claimed by a worker.
	TaskStateCurrent TaskState = "current"
	// TaskStateComplete indicates the task's work has been merged to trunk.
	TaskStateComplete TaskState = "complete"
	// TaskStateStaged indicates a proposed task waiting for its proposing
	// change to merge before it is admitted to pending.
	TaskStateStaged TaskState = "staged"
)

// Valid returns true if the state is a known value.
func (s TaskState) Valid() bool {
	switch s {
	case TaskStatePending, TaskStateCurrent, TaskStateComplete, TaskStateStaged:
		return true
	default:
		return false
	}
}

// Task represents a unit of work in the swarm queue.
type Task struct {
	// ID is the unique identifier for this task.
	ID string `yaml:"id" json:"id"`
	// Summary is the short description of the work.
	Summary string `yaml:"summary" json:"summary"`
	// Globs lists the file patterns this task is expected to touch.
	Globs []string `yaml:"globs,omitempty" json:"globs,omitempty"`
	// Acceptance describes what a correct implementation looks like.
	Acceptance string `yaml:"acceptance,omitempty" json:"acceptance,omitempty"`
	// Depends lists task IDs that should land before this one.
	// Dependencies are hints for workers, not scheduling constraints.
	Depends []string `yaml:"depends,omitempty" json:"depends,omitempty"`
	// ProposedBy is the worker that proposed this task, if any.
	ProposedBy string `yaml:"proposed_by,omitempty" json:"proposed_by,omitempty"`
	// CreatedAt is when the task was created.
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
	// Completion holds merge metadata, set only when the task completes.
	Completion *Completion `yaml:"completion,omitempty" json:"completion,omitempty"`
}

// Completion records how a task reached the complete state.
// It is attached exclusively by the merge coordinator.
type Completion struct {
	// MergedRef is the trunk commit that contains the task's work.
	MergedRef string `yaml:"merged_ref" json:"merged_ref"`
	// CompletedBy is the worker whose branch was merged.
	CompletedBy string `yaml:"completed_by" json:"completed_by"`
	// CompletedAt is when the merge landed.
	CompletedAt time.Time `yaml:"completed_at" json:"completed_at"`
}

// Validate checks that a task is well-formed enough to enter the queue.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id must not be empty")
	}
	if t.Summary == "" {
		return fmt.Errorf("task %s: summary must not be empty", t.ID)
	}
	return nil
}
