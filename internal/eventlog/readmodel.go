package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oompalabs/oompa/pkg/models"
)

// RunState is the read-time classification of a run directory.
type RunState string

const (
	// RunStateRunning means started exists, stopped doesn't, and the
	// recorded process is alive.
	RunStateRunning RunState = "running"
	// RunStateCrashed means started exists, stopped doesn't, and the
	// recorded process is gone.
	RunStateCrashed RunState = "crashed"
	// RunStateCompleted, RunStateInterrupted and RunStateError mirror
	// the stop reason of a cleanly stopped run.
	RunStateCompleted   RunState = "completed"
	RunStateInterrupted RunState = "interrupted"
	RunStateError       RunState = "error"
)

// Reader computes status views over a run directory. Every method is a
// pure function of the on-disk records; nothing is cached or stored.
type Reader struct {
	dir string
	// alive reports whether a pid is a live process. Swappable in tests.
	alive func(pid int) bool
}

// NewReader creates a reader over a run directory.
func NewReader(dir string) *Reader {
	return &Reader{dir: dir, alive: processAlive}
}

// Started returns the launch record, or ErrNoStarted if absent.
func (r *Reader) Started() (*models.StartedEvent, error) {
	ev := &models.StartedEvent{}
	if err := r.readJSON(filepath.Join(r.dir, startedFile), ev); err != nil {
		return nil, err
	}
	return ev, nil
}

// Stopped returns the shutdown record, or nil if the run has not
// stopped cleanly.
func (r *Reader) Stopped() (*models.StoppedEvent, error) {
	ev := &models.StoppedEvent{}
	err := r.readJSON(filepath.Join(r.dir, stoppedFile), ev)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return ev, nil
}

// IsRunning reports whether the swarm is live: a started record exists,
// no stopped record exists, and the recorded process is alive.
func (r *Reader) IsRunning() (bool, error) {
	state, err := r.State()
	if err != nil {
		return false, err
	}
	return state == RunStateRunning, nil
}

// State classifies the run, distinguishing a crash (process gone, no
// stopped record) from a clean stop.
func (r *Reader) State() (RunState, error) {
	started, err := r.Started()
	if err != nil {
		return "", err
	}
	stopped, err := r.Stopped()
	if err != nil {
		return "", err
	}
	if stopped != nil {
		switch stopped.Reason {
		case models.StopInterrupted:
			return RunStateInterrupted, nil
		case models.StopError:
			return RunStateError, nil
		default:
			return RunStateCompleted, nil
		}
	}
	if r.alive(started.PID) {
		return RunStateRunning, nil
	}
	return RunStateCrashed, nil
}

// Duration returns how long the run has been going, or took. For a run
// without a stopped record the clock is still ticking.
func (r *Reader) Duration() (time.Duration, error) {
	started, err := r.Started()
	if err != nil {
		return 0, err
	}
	stopped, err := r.Stopped()
	if err != nil {
		return 0, err
	}
	if stopped != nil {
		return stopped.StoppedAt.Sub(started.StartedAt), nil
	}
	return time.Since(started.StartedAt), nil
}

// Iterations returns every iteration record in append order.
func (r *Reader) Iterations() ([]*models.IterationEvent, error) {
	names, err := r.recordNames(iterationsDir)
	if err != nil {
		return nil, err
	}
	events := make([]*models.IterationEvent, 0, len(names))
	for _, name := range names {
		ev := &models.IterationEvent{}
		if err := r.readJSON(filepath.Join(r.dir, iterationsDir, name), ev); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// Reviews returns every review record in append order.
func (r *Reader) Reviews() ([]*models.ReviewEvent, error) {
	names, err := r.recordNames(reviewsDir)
	if err != nil {
		return nil, err
	}
	events := make([]*models.ReviewEvent, 0, len(names))
	for _, name := range names {
		ev := &models.ReviewEvent{}
		if err := r.readJSON(filepath.Join(r.dir, reviewsDir, name), ev); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

// WorkerStatus returns the outcome of the latest iteration record for a
// worker, or empty if the worker has no records yet.
func (r *Reader) WorkerStatus(workerID string) (models.IterationOutcome, error) {
	events, err := r.Iterations()
	if err != nil {
		return "", err
	}
	var latest models.IterationOutcome
	for _, ev := range events {
		if ev.WorkerID == workerID {
			latest = ev.Outcome
		}
	}
	return latest, nil
}

// Counts returns the number of iteration records per outcome.
func (r *Reader) Counts() (map[models.IterationOutcome]int, error) {
	events, err := r.Iterations()
	if err != nil {
		return nil, err
	}
	counts := make(map[models.IterationOutcome]int)
	for _, ev := range events {
		counts[ev.Outcome]++
	}
	return counts, nil
}

// recordNames lists record filenames in a subdirectory, sorted. The
// nanosecond-timestamp prefix makes lexical order append order.
func (r *Reader) recordNames(sub string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(r.dir, sub))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s records: %w", sub, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (r *Reader) readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse event record %s: %w", filepath.Base(path), err)
	}
	return nil
}

// ListRuns returns run directory names under root, newest last.
func ListRuns(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read runs directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
