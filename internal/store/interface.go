// Package store implements the task queue with its atomic claim protocol.
//
// Tasks move pending -> current -> complete, or current -> pending when
// recycled. Every transition is a single atomic move (a filesystem rename
// or a compare-and-swap UPDATE), so two contenders racing for the same
// task resolve without any explicit lock: exactly one wins.
package store

import (
	"errors"

	"github.com/oompalabs/oompa/pkg/models"
)

// ErrNotFound is returned when a task id does not exist in any partition.
var ErrNotFound = errors.New("task not found")

// ErrWrongState is returned when a transition is attempted from the
// wrong partition, e.g. completing a task that was never claimed.
var ErrWrongState = errors.New("task not in expected state")

// ClaimResult reports the per-id outcome of a claim request.
type ClaimResult struct {
	// Claimed lists ids this caller now owns.
	Claimed []string
	// AlreadyTaken lists ids another worker claimed first, or that
	// already completed.
	AlreadyTaken []string
	// NotFound lists ids that do not exist.
	NotFound []string
}

// Store is the task queue abstraction. Implementations must guarantee
// that a task is in exactly one state at any instant and that Claim is
// all-or-nothing per id.
type Store interface {
	// Add validates a task and places it in pending.
	Add(task *models.Task) error
	// Claim attempts to move each id from pending to current. A raced id
	// fails for exactly one of the two contenders.
	Claim(ids []string) (*ClaimResult, error)
	// Complete moves a task from current to complete and attaches merge
	// metadata. Called only by the merge coordinator.
	Complete(id string, meta *models.Completion) error
	// Recycle moves a task from current back to pending after any
	// non-success terminal outcome. Never drops the task.
	Recycle(id string) error
	// Stage records a worker-proposed task without admitting it to
	// pending. Proposals become claimable only via AdmitStaged.
	Stage(task *models.Task) error
	// AdmitStaged moves staged tasks into pending. Called by the merge
	// coordinator after the proposing change has itself merged.
	AdmitStaged(ids []string) error
	// Pending returns the tasks currently claimable.
	Pending() ([]*models.Task, error)
	// Current returns the tasks currently claimed.
	Current() ([]*models.Task, error)
	// Completed returns the finished tasks with their merge metadata.
	Completed() ([]*models.Task, error)
	// Close releases any resources held by the store.
	Close() error
}
