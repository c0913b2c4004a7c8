package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oompalabs/oompa/internal/backend"
	"github.com/oompalabs/oompa/internal/eventlog"
	"github.com/oompalabs/oompa/internal/git"
)

// fakeInvoker returns scripted results per role, in order. A role with
// no scripted results left returns an empty success.
type fakeInvoker struct {
	mu        sync.Mutex
	responses map[backend.Role][]*backend.Result
	prompts   map[backend.Role][]string
	err       error
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{
		responses: make(map[backend.Role][]*backend.Result),
		prompts:   make(map[backend.Role][]string),
	}
}

func (f *fakeInvoker) script(role backend.Role, output string, success bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[role] = append(f.responses[role], &backend.Result{Output: output, Success: success})
}

func (f *fakeInvoker) Invoke(ctx context.Context, role backend.Role, prompt, workDir string, timeout time.Duration) (*backend.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.prompts[role] = append(f.prompts[role], prompt)
	queue := f.responses[role]
	if len(queue) == 0 {
		return &backend.Result{Output: "", Success: true}, nil
	}
	res := queue[0]
	f.responses[role] = queue[1:]
	return res, nil
}

func (f *fakeInvoker) calls(role backend.Role) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts[role])
}

func (f *fakeInvoker) lastPrompt(role backend.Role) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	prompts := f.prompts[role]
	if len(prompts) == 0 {
		return ""
	}
	return prompts[len(prompts)-1]
}

var _ backend.Invoker = (*fakeInvoker)(nil)

// stubState is shared across the bound runners a stubGit hands out.
type stubState struct {
	mu sync.Mutex

	hasChanges   bool
	changedFiles []string
	diff         string
	conflicted   []string

	rebaseErrs     []error // popped per Rebase call
	continueErr    error
	mergeErr       error
	headRef        string
	mergedBranches []string
	checkedOut     []string
	rebaseAborted  int
	commitMessages []string
}

// stubGit implements git.Runner with configurable behavior for the
// pieces the orchestrator exercises.
type stubGit struct {
	dir   string
	state *stubState
}

func newStubGit() *stubGit {
	return &stubGit{dir: "/repo", state: &stubState{headRef: "feedface"}}
}

func (s *stubGit) Dir() string { return s.dir }
func (s *stubGit) At(dir string) git.Runner {
	return &stubGit{dir: dir, state: s.state}
}

func (s *stubGit) CurrentBranch() (string, error) { return "main", nil }
func (s *stubGit) CheckoutBranch(name string) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	s.state.checkedOut = append(s.state.checkedOut, name)
	return nil
}
func (s *stubGit) CheckoutBranchForce(name, startRef string) error { return nil }
func (s *stubGit) BranchExists(name string) (bool, error)          { return true, nil }
func (s *stubGit) DeleteBranch(name string) error                  { return nil }
func (s *stubGit) RevParse(ref string) (string, error) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return s.state.headRef, nil
}

func (s *stubGit) AddAll() error { return nil }
func (s *stubGit) Commit(message string) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	s.state.commitMessages = append(s.state.commitMessages, message)
	return nil
}
func (s *stubGit) HasChanges() (bool, error) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return s.state.hasChanges, nil
}
func (s *stubGit) ResetHard(ref string) error { return nil }
func (s *stubGit) CleanUntracked() error      { return nil }

func (s *stubGit) MergeFFOnly(branch string) error           { return s.recordMerge(branch) }
func (s *stubGit) MergeNoFFMessage(branch, msg string) error { return s.recordMerge(branch) }
func (s *stubGit) MergeSquash(branch, msg string) error      { return s.recordMerge(branch) }
func (s *stubGit) recordMerge(branch string) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	if s.state.mergeErr != nil {
		return s.state.mergeErr
	}
	s.state.mergedBranches = append(s.state.mergedBranches, branch)
	return nil
}
func (s *stubGit) MergeAbort() error { return nil }
func (s *stubGit) Rebase(base string) error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	if len(s.state.rebaseErrs) == 0 {
		return nil
	}
	err := s.state.rebaseErrs[0]
	s.state.rebaseErrs = s.state.rebaseErrs[1:]
	return err
}
func (s *stubGit) RebaseAbort() error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	s.state.rebaseAborted++
	return nil
}
func (s *stubGit) RebaseContinue() error {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return s.state.continueErr
}
func (s *stubGit) ConflictedFiles() ([]string, error) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return s.state.conflicted, nil
}

func (s *stubGit) WorktreeAddNewBranch(path, branch, startRef string) error { return nil }
func (s *stubGit) WorktreeRemove(path string) error                         { return nil }
func (s *stubGit) WorktreeListPorcelain() (string, error)                   { return "", nil }
func (s *stubGit) WorktreePruneExpireNow() error                            { return nil }

func (s *stubGit) Diff(base string) (string, error) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return s.state.diff, nil
}
func (s *stubGit) ChangedFilesRelative(branch, relativeTo string) ([]string, error) {
	s.state.mu.Lock()
	defer s.state.mu.Unlock()
	return s.state.changedFiles, nil
}

var _ git.Runner = (*stubGit)(nil)

// fakeExec satisfies exec.CommandRunner for the verifier.
type fakeExec struct {
	mu   sync.Mutex
	fail bool
	ran  []string
}

func (f *fakeExec) Run(ctx context.Context, workDir, name string, args ...string) ([]byte, error) {
	return f.RunShell(ctx, workDir, name)
}

func (f *fakeExec) RunShell(ctx context.Context, workDir, command string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ran = append(f.ran, command)
	if f.fail {
		return []byte("tests failed"), errors.New("exit status 1")
	}
	return []byte("ok"), nil
}

func newTestLog(t *testing.T) *eventlog.Log {
	t.Helper()
	l, err := eventlog.New(t.TempDir(), "test-run")
	if err != nil {
		t.Fatalf("eventlog.New() error = %v", err)
	}
	return l
}
