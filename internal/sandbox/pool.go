package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oompalabs/oompa/internal/git"
)

// Policy selects the behavior when every sandbox is busy at capacity.
type Policy string

const (
	// PolicyBlock waits until a sandbox frees up or ctx is cancelled.
	PolicyBlock Policy = "block"
	// PolicyWait waits up to the configured acquire timeout.
	PolicyWait Policy = "wait"
	// PolicyFail fails the acquisition immediately.
	PolicyFail Policy = "fail"
)

// ErrSaturated is returned when the pool is at capacity and the policy
// does not permit further waiting.
var ErrSaturated = errors.New("sandbox pool saturated")

// ErrClosed is returned when acquiring from a pool after Teardown.
var ErrClosed = errors.New("sandbox pool closed")

// PoolConfig contains configuration for the sandbox pool.
type PoolConfig struct {
	// RepoPath is the main repository the worktrees hang off.
	RepoPath string
	// BaseDir is where worktree directories are created.
	BaseDir string
	// Trunk is the branch sandboxes are reset to between uses.
	Trunk string
	// Capacity is the maximum number of live sandboxes.
	Capacity int
	// Policy is the saturation policy.
	Policy Policy
	// AcquireTimeout bounds the wait under PolicyWait.
	AcquireTimeout time.Duration
}

// Pool hands out sandboxes to workers. Sandboxes are created lazily up
// to capacity and reset to trunk with a fresh branch between uses.
type Pool struct {
	cfg PoolConfig
	git git.Runner

	mu        sync.Mutex
	sandboxes map[string]*Sandbox // all live sandboxes by id
	free      []*Sandbox
	byTask    map[string]*Sandbox // busy sandboxes by task id
	closed    bool

	// slots is a counting semaphore: one token per capacity slot.
	slots chan struct{}
}

// NewPool creates a sandbox pool. No worktrees are created until the
// first Acquire.
func NewPool(cfg PoolConfig, runner git.Runner) (*Pool, error) {
	if cfg.Capacity < 1 {
		return nil, fmt.Errorf("pool capacity must be at least 1, got %d", cfg.Capacity)
	}
	if cfg.BaseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home directory: %w", err)
		}
		cfg.BaseDir = filepath.Join(home, ".cache", "oompa", "worktrees")
	}
	if err := os.MkdirAll(cfg.BaseDir, 0755); err != nil {
		return nil, fmt.Errorf("create worktree base directory: %w", err)
	}

	slots := make(chan struct{}, cfg.Capacity)
	for i := 0; i < cfg.Capacity; i++ {
		slots <- struct{}{}
	}

	return &Pool{
		cfg:       cfg,
		git:       runner,
		sandboxes: make(map[string]*Sandbox),
		byTask:    make(map[string]*Sandbox),
		free:      nil,
		slots:     slots,
	}, nil
}

// Acquire returns a sandbox reset to trunk on a fresh branch, bound to
// taskID. The result is exclusive to the caller until Release(taskID).
// Saturation behavior follows the configured policy. A creation or
// reset failure is an infrastructure error: it does not consume a pool
// slot and may be retried.
func (p *Pool) Acquire(ctx context.Context, taskID string) (*Sandbox, error) {
	if err := p.takeSlot(ctx); err != nil {
		return nil, err
	}

	sb, err := p.checkout(taskID)
	if err != nil {
		// Return the slot so the failure doesn't shrink the pool.
		p.slots <- struct{}{}
		return nil, err
	}
	return sb, nil
}

// takeSlot obtains a capacity token according to the saturation policy.
func (p *Pool) takeSlot(ctx context.Context) error {
	select {
	case <-p.slots:
		return nil
	default:
	}

	switch p.cfg.Policy {
	case PolicyFail:
		return ErrSaturated
	case PolicyWait:
		timer := time.NewTimer(p.cfg.AcquireTimeout)
		defer timer.Stop()
		select {
		case <-p.slots:
			return nil
		case <-timer.C:
			return ErrSaturated
		case <-ctx.Done():
			return ctx.Err()
		}
	default: // PolicyBlock
		select {
		case <-p.slots:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// checkout picks a free sandbox (or creates one) and resets it for taskID.
func (p *Pool) checkout(taskID string) (*Sandbox, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}

	var sb *Sandbox
	if n := len(p.free); n > 0 {
		sb = p.free[n-1]
		p.free = p.free[:n-1]
	}
	p.mu.Unlock()

	if sb == nil {
		created, err := p.create()
		if err != nil {
			return nil, fmt.Errorf("create sandbox: %w", err)
		}
		sb = created
	}

	if err := p.reset(sb, taskID); err != nil {
		p.markStale(sb)
		return nil, fmt.Errorf("reset sandbox %s: %w", sb.ID, err)
	}

	p.mu.Lock()
	sb.Status = StatusBusy
	sb.TaskID = taskID
	p.byTask[taskID] = sb
	p.mu.Unlock()
	return sb, nil
}

// create makes a new worktree detached on a throwaway branch at trunk.
func (p *Pool) create() (*Sandbox, error) {
	id := uuid.New().String()[:8]
	branch := fmt.Sprintf("oompa/sbx-%s", id)
	path := filepath.Join(p.cfg.BaseDir, "sbx-"+id)

	if err := p.git.WorktreeAddNewBranch(path, branch, p.cfg.Trunk); err != nil {
		return nil, err
	}

	sb := &Sandbox{
		ID:        id,
		Path:      path,
		Branch:    branch,
		Status:    StatusDirty,
		CreatedAt: time.Now(),
	}
	p.mu.Lock()
	p.sandboxes[id] = sb
	p.mu.Unlock()
	return sb, nil
}

// reset discards the sandbox's previous branch and working-tree state
// and rebranches at the current trunk head.
func (p *Pool) reset(sb *Sandbox, taskID string) error {
	wt := p.git.At(sb.Path)

	if err := wt.ResetHard("HEAD"); err != nil {
		return err
	}
	if err := wt.CleanUntracked(); err != nil {
		return err
	}

	branch := fmt.Sprintf("oompa/%s-%s", sb.ID, taskID)
	oldBranch := sb.Branch
	if err := wt.CheckoutBranchForce(branch, p.cfg.Trunk); err != nil {
		return err
	}
	sb.Branch = branch

	if oldBranch != "" && oldBranch != branch {
		// The old branch is no longer checked out anywhere; drop it.
		_ = p.git.DeleteBranch(oldBranch)
	}
	return nil
}

// Release returns the sandbox bound to taskID to the pool, marking it
// available for the next acquirer. Unknown task ids are a no-op so
// error paths can release unconditionally.
func (p *Pool) Release(taskID string) {
	p.mu.Lock()
	sb, ok := p.byTask[taskID]
	if !ok {
		p.mu.Unlock()
		return
	}
	delete(p.byTask, taskID)
	sb.TaskID = ""
	sb.Status = StatusDirty
	if !p.closed {
		p.free = append(p.free, sb)
	}
	p.mu.Unlock()

	p.slots <- struct{}{}
}

// markStale removes a broken sandbox from circulation and destroys it.
func (p *Pool) markStale(sb *Sandbox) {
	p.mu.Lock()
	sb.Status = StatusStale
	delete(p.sandboxes, sb.ID)
	p.mu.Unlock()

	_ = p.git.WorktreeRemove(sb.Path)
	_ = p.git.DeleteBranch(sb.Branch)
	_ = p.git.WorktreePruneExpireNow()
}

// Teardown destroys every sandbox, its worktree, and its branch. It is
// safe to call on any exit path; sandboxes still busy are destroyed too,
// which is why it must only run after workers have stopped.
func (p *Pool) Teardown() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	all := make([]*Sandbox, 0, len(p.sandboxes))
	for _, sb := range p.sandboxes {
		all = append(all, sb)
	}
	p.sandboxes = make(map[string]*Sandbox)
	p.free = nil
	p.byTask = make(map[string]*Sandbox)
	p.mu.Unlock()

	var firstErr error
	for _, sb := range all {
		if err := p.git.WorktreeRemove(sb.Path); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := p.git.DeleteBranch(sb.Branch); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := p.git.WorktreePruneExpireNow(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Size returns the number of live sandboxes.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sandboxes)
}

// Busy returns the number of sandboxes currently held by workers.
func (p *Pool) Busy() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byTask)
}
