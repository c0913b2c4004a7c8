package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/oompalabs/oompa/pkg/models"
)

// partition directory names under the store root.
const (
	dirPending = "pending"
	dirCurrent = "current"
	dirDone    = "complete"
	dirStaged  = "staged"
)

// FSStore implements Store over a directory tree. One YAML file per task;
// state transitions are os.Rename calls between partition directories.
// Rename is atomic on POSIX filesystems, which is what makes a raced
// claim resolve to exactly one winner.
type FSStore struct {
	root string
}

// NewFSStore creates the partition directories under root and returns a store.
func NewFSStore(root string) (*FSStore, error) {
	for _, d := range []string{dirPending, dirCurrent, dirDone, dirStaged} {
		if err := os.MkdirAll(filepath.Join(root, d), 0755); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", d, err)
		}
	}
	return &FSStore{root: root}, nil
}

// Root returns the store's root directory.
func (s *FSStore) Root() string {
	return s.root
}

func (s *FSStore) taskPath(dir, id string) string {
	return filepath.Join(s.root, dir, id+".yaml")
}

// Add validates a task and places it in pending.
func (s *FSStore) Add(task *models.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	if s.exists(task.ID) {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	return s.writeTask(dirPending, task)
}

// Claim attempts to move each id from pending to current.
func (s *FSStore) Claim(ids []string) (*ClaimResult, error) {
	result := &ClaimResult{}
	for _, id := range ids {
		err := os.Rename(s.taskPath(dirPending, id), s.taskPath(dirCurrent, id))
		if err == nil {
			result.Claimed = append(result.Claimed, id)
			continue
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("claim %s: %w", id, err)
		}
		// The pending file vanished: either the id never existed or a
		// rival worker's rename won the race.
		if s.existsIn(dirCurrent, id) || s.existsIn(dirDone, id) {
			result.AlreadyTaken = append(result.AlreadyTaken, id)
		} else {
			result.NotFound = append(result.NotFound, id)
		}
	}
	return result, nil
}

// Complete moves a task from current to complete and attaches merge metadata.
func (s *FSStore) Complete(id string, meta *models.Completion) error {
	task, err := s.readTask(dirCurrent, id)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("complete %s: %w", id, ErrWrongState)
		}
		return err
	}
	task.Completion = meta
	// Rewrite in place, then move: the rename is what publishes the
	// transition, so a crash in between leaves the task in current.
	if err := s.writeTask(dirCurrent, task); err != nil {
		return err
	}
	if err := os.Rename(s.taskPath(dirCurrent, id), s.taskPath(dirDone, id)); err != nil {
		return fmt.Errorf("complete %s: %w", id, err)
	}
	return nil
}

// Recycle moves a task from current back to pending.
func (s *FSStore) Recycle(id string) error {
	err := os.Rename(s.taskPath(dirCurrent, id), s.taskPath(dirPending, id))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("recycle %s: %w", id, ErrWrongState)
		}
		return fmt.Errorf("recycle %s: %w", id, err)
	}
	return nil
}

// Stage records a worker-proposed task without admitting it to pending.
func (s *FSStore) Stage(task *models.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	if s.exists(task.ID) {
		return fmt.Errorf("task %s already exists", task.ID)
	}
	return s.writeTask(dirStaged, task)
}

// AdmitStaged moves staged tasks into pending.
func (s *FSStore) AdmitStaged(ids []string) error {
	for _, id := range ids {
		err := os.Rename(s.taskPath(dirStaged, id), s.taskPath(dirPending, id))
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("admit staged %s: %w", id, err)
		}
	}
	return nil
}

// Pending returns the tasks currently claimable.
func (s *FSStore) Pending() ([]*models.Task, error) {
	return s.list(dirPending)
}

// Current returns the tasks currently claimed.
func (s *FSStore) Current() ([]*models.Task, error) {
	return s.list(dirCurrent)
}

// Completed returns the finished tasks with their merge metadata.
func (s *FSStore) Completed() ([]*models.Task, error) {
	return s.list(dirDone)
}

// Staged returns the proposed tasks awaiting admission.
func (s *FSStore) Staged() ([]*models.Task, error) {
	return s.list(dirStaged)
}

// PendingDir returns the pending partition path, for filesystem watchers.
func (s *FSStore) PendingDir() string {
	return filepath.Join(s.root, dirPending)
}

// Close is a no-op for the filesystem store.
func (s *FSStore) Close() error {
	return nil
}

func (s *FSStore) exists(id string) bool {
	for _, d := range []string{dirPending, dirCurrent, dirDone, dirStaged} {
		if s.existsIn(d, id) {
			return true
		}
	}
	return false
}

func (s *FSStore) existsIn(dir, id string) bool {
	_, err := os.Stat(s.taskPath(dir, id))
	return err == nil
}

func (s *FSStore) writeTask(dir string, task *models.Task) error {
	data, err := yaml.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", task.ID, err)
	}
	// Write to a dot-prefixed temp name first so a half-written file is
	// never visible as a claimable task, then rename into place.
	tmp := filepath.Join(s.root, dir, "."+task.ID+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write task %s: %w", task.ID, err)
	}
	if err := os.Rename(tmp, s.taskPath(dir, task.ID)); err != nil {
		return fmt.Errorf("publish task %s: %w", task.ID, err)
	}
	return nil
}

func (s *FSStore) readTask(dir, id string) (*models.Task, error) {
	data, err := os.ReadFile(s.taskPath(dir, id))
	if err != nil {
		return nil, err
	}
	task := &models.Task{}
	if err := yaml.Unmarshal(data, task); err != nil {
		return nil, fmt.Errorf("parse task %s: %w", id, err)
	}
	return task, nil
}

func (s *FSStore) list(dir string) ([]*models.Task, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, dir))
	if err != nil {
		return nil, fmt.Errorf("read %s partition: %w", dir, err)
	}
	var tasks []*models.Task
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".yaml") || strings.HasPrefix(name, ".") {
			continue
		}
		task, err := s.readTask(dir, strings.TrimSuffix(name, ".yaml"))
		if err != nil {
			// The file may have been renamed away between ReadDir and
			// ReadFile; a concurrent claim is not a listing error.
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

// Verify FSStore implements Store at compile time.
var _ Store = (*FSStore)(nil)
