package orchestrator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/oompalabs/oompa/internal/backend"
	"github.com/oompalabs/oompa/internal/store"
	"github.com/oompalabs/oompa/pkg/models"
)

// claimedStore returns an FSStore with the given task ids already in
// the current partition, as they would be when a merge is requested.
func claimedStore(t *testing.T, ids ...string) store.Store {
	t.Helper()
	s, err := store.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore() error = %v", err)
	}
	for _, id := range ids {
		task := &models.Task{ID: id, Summary: "summary for " + id, CreatedAt: time.Now()}
		if err := s.Add(task); err != nil {
			t.Fatalf("Add(%s) error = %v", id, err)
		}
	}
	if len(ids) > 0 {
		if _, err := s.Claim(ids); err != nil {
			t.Fatalf("Claim() error = %v", err)
		}
	}
	return s
}

func newTestQueue(t *testing.T, sg *stubGit, s store.Store, inv *fakeInvoker, fe *fakeExec) *MergeQueue {
	t.Helper()
	verifier := NewVerifier(fe, "smoke", "make test-smoke", "make test", time.Minute)
	mq := NewMergeQueue(sg, s, verifier, inv, MergeQueueConfig{
		Trunk:          "main",
		Strategy:       "merge-commit",
		ResolveTimeout: time.Minute,
	})
	mq.Start(context.Background())
	t.Cleanup(mq.Stop)
	return mq
}

func submit(mq *MergeQueue, taskID, branch string, stagedIDs ...string) MergeOutcome {
	resultCh := make(chan MergeOutcome, 1)
	mq.Submit(&MergeRequest{
		TaskID:      taskID,
		WorkerID:    "worker-1",
		Branch:      branch,
		SandboxPath: "/worktrees/" + branch,
		StagedIDs:   stagedIDs,
		ResultCh:    resultCh,
	})
	return <-resultCh
}

func TestMergeQueueHappyPath(t *testing.T) {
	sg := newStubGit()
	s := claimedStore(t, "t1")
	mq := newTestQueue(t, sg, s, newFakeInvoker(), &fakeExec{})

	out := submit(mq, "t1", "oompa/sbx1-t1")
	if !out.Merged {
		t.Fatalf("outcome = %+v, want merged", out)
	}
	if out.MergedRef != "feedface" {
		t.Errorf("MergedRef = %q, want head ref", out.MergedRef)
	}

	done, err := s.Completed()
	if err != nil {
		t.Fatalf("Completed() error = %v", err)
	}
	if len(done) != 1 || done[0].Completion == nil {
		t.Fatalf("completed = %+v, want t1 with completion metadata", done)
	}
	if done[0].Completion.MergedRef != "feedface" || done[0].Completion.CompletedBy != "worker-1" {
		t.Errorf("completion = %+v", done[0].Completion)
	}

	if got := mq.Stats().Merged; got != 1 {
		t.Errorf("Stats().Merged = %d, want 1", got)
	}
}

func TestMergeQueueProcessesInSubmissionOrder(t *testing.T) {
	sg := newStubGit()
	s := claimedStore(t, "t1", "t2", "t3")
	mq := newTestQueue(t, sg, s, newFakeInvoker(), &fakeExec{})

	branches := []string{"oompa/a-t1", "oompa/b-t2", "oompa/c-t3"}
	tasks := []string{"t1", "t2", "t3"}
	for i := range tasks {
		if out := submit(mq, tasks[i], branches[i]); !out.Merged {
			t.Fatalf("merge %s failed: %+v", tasks[i], out)
		}
	}

	sg.state.mu.Lock()
	merged := append([]string(nil), sg.state.mergedBranches...)
	sg.state.mu.Unlock()
	if len(merged) != 3 {
		t.Fatalf("merged %d branches, want 3", len(merged))
	}
	for i, b := range branches {
		if merged[i] != b {
			t.Errorf("merge order[%d] = %q, want %q", i, merged[i], b)
		}
	}
}

func TestMergeQueueVerifyFailureBlocksMerge(t *testing.T) {
	sg := newStubGit()
	s := claimedStore(t, "t1")
	fe := &fakeExec{fail: true}
	mq := newTestQueue(t, sg, s, newFakeInvoker(), fe)

	out := submit(mq, "t1", "oompa/sbx1-t1")
	if out.Merged {
		t.Fatal("merge should fail when verification fails")
	}
	if out.Stage != "verify" {
		t.Errorf("Stage = %q, want verify", out.Stage)
	}

	sg.state.mu.Lock()
	merged := len(sg.state.mergedBranches)
	sg.state.mu.Unlock()
	if merged != 0 {
		t.Error("nothing may merge after failed verification")
	}
	if got := mq.Stats().VerifyFailed; got != 1 {
		t.Errorf("Stats().VerifyFailed = %d, want 1", got)
	}

	// The task stays in current; the worker recycles it.
	current, _ := s.Current()
	if len(current) != 1 {
		t.Errorf("current = %v, want [t1]", current)
	}
}

func TestMergeQueueResolvesConflictOnce(t *testing.T) {
	sg := newStubGit()
	sg.state.rebaseErrs = []error{errors.New("conflict")}
	sg.state.conflicted = []string{"internal/auth/login.go"}

	inv := newFakeInvoker()
	inv.script(backend.RoleResolver, "resolved the conflict markers", true)

	s := claimedStore(t, "t1")
	mq := newTestQueue(t, sg, s, inv, &fakeExec{})

	out := submit(mq, "t1", "oompa/sbx1-t1")
	if !out.Merged {
		t.Fatalf("outcome = %+v, want merged after one resolution", out)
	}
	if got := inv.calls(backend.RoleResolver); got != 1 {
		t.Errorf("resolver invoked %d times, want 1", got)
	}
	if got := mq.Stats().ConflictsSelf; got != 1 {
		t.Errorf("Stats().ConflictsSelf = %d, want 1", got)
	}
}

func TestMergeQueueSecondConflictAborts(t *testing.T) {
	sg := newStubGit()
	sg.state.rebaseErrs = []error{errors.New("conflict")}
	sg.state.conflicted = []string{"a.go"}
	sg.state.continueErr = errors.New("still conflicted")

	inv := newFakeInvoker()
	inv.script(backend.RoleResolver, "tried my best", true)

	s := claimedStore(t, "t1")
	mq := newTestQueue(t, sg, s, inv, &fakeExec{})

	out := submit(mq, "t1", "oompa/sbx1-t1")
	if out.Merged {
		t.Fatal("a second conflict must not merge")
	}
	if out.Stage != "rebase" {
		t.Errorf("Stage = %q, want rebase", out.Stage)
	}

	// One attempt only, and the rebase is unwound for the worker.
	if got := inv.calls(backend.RoleResolver); got != 1 {
		t.Errorf("resolver invoked %d times, want 1", got)
	}
	sg.state.mu.Lock()
	aborted := sg.state.rebaseAborted
	sg.state.mu.Unlock()
	if aborted == 0 {
		t.Error("failed resolution must abort the rebase")
	}
}

func TestMergeQueueAdmitsStagedOnlyOnSuccess(t *testing.T) {
	s := claimedStore(t, "t1", "t2")
	fsStore := s.(*store.FSStore)
	for _, id := range []string{"p1", "p2"} {
		proposal := &models.Task{ID: id, Summary: "proposal " + id, ProposedBy: "worker-1", CreatedAt: time.Now()}
		if err := fsStore.Stage(proposal); err != nil {
			t.Fatalf("Stage(%s) error = %v", id, err)
		}
	}

	// First request fails verification: its proposal stays staged.
	sgFail := newStubGit()
	mqFail := newTestQueue(t, sgFail, s, newFakeInvoker(), &fakeExec{fail: true})
	if out := submit(mqFail, "t1", "oompa/a-t1", "p1"); out.Merged {
		t.Fatal("expected verify failure")
	}
	pending, _ := s.Pending()
	if len(pending) != 0 {
		t.Errorf("pending = %v; proposals must not be admitted on failure", pending)
	}

	// Second request succeeds: its proposal becomes claimable.
	sgOK := newStubGit()
	mqOK := newTestQueue(t, sgOK, s, newFakeInvoker(), &fakeExec{})
	if out := submit(mqOK, "t2", "oompa/b-t2", "p2"); !out.Merged {
		t.Fatal("expected merge success")
	}
	pending, _ = s.Pending()
	if len(pending) != 1 || pending[0].ID != "p2" {
		t.Errorf("pending = %v, want [p2]", pending)
	}
}

func TestMergeQueueUnknownStrategy(t *testing.T) {
	sg := newStubGit()
	s := claimedStore(t, "t1")
	verifier := NewVerifier(&fakeExec{}, "smoke", "", "", time.Minute)
	mq := NewMergeQueue(sg, s, verifier, newFakeInvoker(), MergeQueueConfig{
		Trunk:    "main",
		Strategy: "octopus",
	})
	mq.Start(context.Background())
	defer mq.Stop()

	out := submit(mq, "t1", "oompa/sbx1-t1")
	if out.Merged || out.Stage != "merge" {
		t.Errorf("outcome = %+v, want merge-stage failure", out)
	}
	if out.Err == nil || !strings.Contains(out.Err.Error(), "octopus") {
		t.Errorf("Err = %v, want unknown strategy message", out.Err)
	}
}
