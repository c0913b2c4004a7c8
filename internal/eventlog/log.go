// Package eventlog is the append-only record of everything a swarm did.
//
// Every record is written exactly once with O_EXCL and never rewritten.
// All status views (running, worker state, outcome counts) are computed
// at read time from these facts; no projection is ever persisted, so no
// staleness window can exist.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/oompalabs/oompa/pkg/models"
)

// File and directory names inside a run directory.
const (
	startedFile   = "started"
	stoppedFile   = "stopped"
	iterationsDir = "iterations"
	reviewsDir    = "reviews"
)

// Log appends immutable event records for one swarm run.
type Log struct {
	dir string
}

// New creates the run directory layout for swarmID under root
// (typically <repo>/.oompa/runs) and returns the log.
func New(root, swarmID string) (*Log, error) {
	dir := filepath.Join(root, swarmID)
	for _, d := range []string{dir, filepath.Join(dir, iterationsDir), filepath.Join(dir, reviewsDir)} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, fmt.Errorf("create run directory: %w", err)
		}
	}
	return &Log{dir: dir}, nil
}

// Open returns a log over an existing run directory without creating
// anything. Used by readers.
func Open(dir string) *Log {
	return &Log{dir: dir}
}

// Dir returns the run directory.
func (l *Log) Dir() string {
	return l.dir
}

// RecordStarted writes the one-time launch record.
func (l *Log) RecordStarted(ev *models.StartedEvent) error {
	return l.writeOnce(filepath.Join(l.dir, startedFile), ev)
}

// RecordStopped writes the one-time clean-shutdown record. Its absence
// from a run directory means the swarm is still running or crashed.
func (l *Log) RecordStopped(ev *models.StoppedEvent) error {
	return l.writeOnce(filepath.Join(l.dir, stoppedFile), ev)
}

// RecordIteration appends one immutable worker-iteration record.
func (l *Log) RecordIteration(ev *models.IterationEvent) error {
	if !ev.Outcome.Valid() {
		return fmt.Errorf("record iteration: unknown outcome %q", ev.Outcome)
	}
	name := fmt.Sprintf("%020d-%s-%s.json", ev.Timestamp.UnixNano(), ev.WorkerID, uuid.New().String()[:8])
	return l.writeOnce(filepath.Join(l.dir, iterationsDir, name), ev)
}

// RecordReview appends one immutable review-round record.
func (l *Log) RecordReview(ev *models.ReviewEvent) error {
	if !ev.Verdict.Valid() {
		return fmt.Errorf("record review: unknown verdict %q", ev.Verdict)
	}
	name := fmt.Sprintf("%020d-%s-%s.json", ev.Timestamp.UnixNano(), ev.WorkerID, uuid.New().String()[:8])
	return l.writeOnce(filepath.Join(l.dir, reviewsDir, name), ev)
}

// writeOnce serializes v to path, refusing to touch an existing file.
func (l *Log) writeOnce(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("create event record %s: %w", filepath.Base(path), err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write event record %s: %w", filepath.Base(path), err)
	}
	return nil
}

// NewSwarmID returns a short unique id for a run.
func NewSwarmID() string {
	return time.Now().Format("20060102-150405") + "-" + uuid.New().String()[:8]
}
