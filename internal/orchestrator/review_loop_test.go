package orchestrator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/oompalabs/oompa/internal/backend"
	"github.com/oompalabs/oompa/internal/eventlog"
	"github.com/oompalabs/oompa/internal/sandbox"
	"github.com/oompalabs/oompa/pkg/models"
)

func testTask() *models.Task {
	return &models.Task{
		ID:         "auth-01",
		Summary:    "Add login endpoint",
		Acceptance: "POST /login returns a session token",
		CreatedAt:  time.Now(),
	}
}

func testSandbox() *sandbox.Sandbox {
	return &sandbox.Sandbox{
		ID:     "sbx1",
		Path:   "/worktrees/sbx1",
		Branch: "oompa/sbx1-auth-01",
		Status: sandbox.StatusBusy,
	}
}

func newTestLoop(t *testing.T, inv *fakeInvoker, sg *stubGit) (*ReviewLoop, *eventlog.Log) {
	t.Helper()
	log := newTestLog(t)
	loop := NewReviewLoop(inv, sg, log, ReviewLoopConfig{
		MaxAttempts:   3,
		InvokeTimeout: time.Minute,
		Trunk:         "main",
	})
	return loop, log
}

func TestReviewLoopApprovedFirstRound(t *testing.T) {
	inv := newFakeInvoker()
	inv.script(backend.RoleProposer, "implemented the endpoint", true)
	inv.script(backend.RoleReviewer, "VERDICT: approved\nLooks correct.", true)

	sg := newStubGit()
	sg.state.hasChanges = true
	sg.state.changedFiles = []string{"internal/auth/login.go"}
	sg.state.diff = "+login handler"

	loop, log := newTestLoop(t, inv, sg)
	res := loop.Run(context.Background(), "worker-1", 1, testTask(), testSandbox())

	if res.Status != LoopApproved {
		t.Fatalf("Status = %q, want approved (err: %v)", res.Status, res.Err)
	}
	if res.Rounds != 1 {
		t.Errorf("Rounds = %d, want 1", res.Rounds)
	}
	if len(res.ChangedFiles) != 1 {
		t.Errorf("ChangedFiles = %v, want one file", res.ChangedFiles)
	}

	reviews, err := eventlog.NewReader(log.Dir()).Reviews()
	if err != nil {
		t.Fatalf("Reviews() error = %v", err)
	}
	if len(reviews) != 1 {
		t.Fatalf("len(reviews) = %d, want 1", len(reviews))
	}
	if reviews[0].Verdict != models.VerdictApproved || reviews[0].Round != 1 {
		t.Errorf("review record = %+v, want approved round 1", reviews[0])
	}
}

func TestReviewLoopExhaustsAttemptCap(t *testing.T) {
	inv := newFakeInvoker()
	for i := 0; i < 3; i++ {
		inv.script(backend.RoleProposer, "another attempt", true)
		inv.script(backend.RoleReviewer, "VERDICT: needs-changes\nMissing error handling.", true)
	}

	sg := newStubGit()
	sg.state.hasChanges = true
	sg.state.changedFiles = []string{"a.go"}

	loop, log := newTestLoop(t, inv, sg)
	res := loop.Run(context.Background(), "worker-1", 1, testTask(), testSandbox())

	if res.Status != LoopExhausted {
		t.Fatalf("Status = %q, want exhausted", res.Status)
	}
	if res.Rounds != 3 {
		t.Errorf("Rounds = %d, want 3", res.Rounds)
	}
	if got := inv.calls(backend.RoleReviewer); got != 3 {
		t.Errorf("reviewer invoked %d times, want 3", got)
	}

	// A fourth round never happens.
	if got := inv.calls(backend.RoleProposer); got != 3 {
		t.Errorf("proposer invoked %d times, want 3", got)
	}

	// Later proposer prompts carry the reviewer's feedback.
	if !strings.Contains(inv.lastPrompt(backend.RoleProposer), "Reviewer feedback") {
		t.Error("retry prompt should include reviewer feedback")
	}

	reviews, _ := eventlog.NewReader(log.Dir()).Reviews()
	if len(reviews) != 3 {
		t.Errorf("len(reviews) = %d, want 3", len(reviews))
	}
}

func TestReviewLoopRejectedStopsEarly(t *testing.T) {
	inv := newFakeInvoker()
	inv.script(backend.RoleProposer, "attempt", true)
	inv.script(backend.RoleReviewer, "VERDICT: rejected\nWrong approach entirely.", true)

	sg := newStubGit()
	sg.state.hasChanges = true
	sg.state.changedFiles = []string{"a.go"}

	loop, _ := newTestLoop(t, inv, sg)
	res := loop.Run(context.Background(), "worker-1", 1, testTask(), testSandbox())

	if res.Status != LoopAborted {
		t.Fatalf("Status = %q, want aborted", res.Status)
	}
	if got := inv.calls(backend.RoleProposer); got != 1 {
		t.Errorf("proposer invoked %d times after rejection, want 1", got)
	}
}

func TestReviewLoopNoChanges(t *testing.T) {
	inv := newFakeInvoker()
	inv.script(backend.RoleProposer, "nothing to do, code already handles this", true)

	sg := newStubGit() // no changes, no changed files

	loop, _ := newTestLoop(t, inv, sg)
	res := loop.Run(context.Background(), "worker-1", 1, testTask(), testSandbox())

	if res.Status != LoopNoChanges {
		t.Fatalf("Status = %q, want no-changes", res.Status)
	}
	if got := inv.calls(backend.RoleReviewer); got != 0 {
		t.Errorf("reviewer invoked %d times with no diff, want 0", got)
	}
}

func TestReviewLoopProposerFailure(t *testing.T) {
	inv := newFakeInvoker()
	inv.script(backend.RoleProposer, "proposer invocation timed out after 1m0s", false)

	loop, _ := newTestLoop(t, inv, newStubGit())
	res := loop.Run(context.Background(), "worker-1", 1, testTask(), testSandbox())

	if res.Status != LoopError {
		t.Fatalf("Status = %q, want error", res.Status)
	}
	if res.Err == nil {
		t.Error("Err should explain the failure")
	}
}

func TestReviewLoopCollectsProposals(t *testing.T) {
	inv := newFakeInvoker()
	inv.script(backend.RoleProposer, "done\nPROPOSE-TASK: auth-02: Add logout endpoint", true)
	inv.script(backend.RoleReviewer, "VERDICT: approved", true)

	sg := newStubGit()
	sg.state.hasChanges = true
	sg.state.changedFiles = []string{"a.go"}

	loop, _ := newTestLoop(t, inv, sg)
	res := loop.Run(context.Background(), "worker-1", 1, testTask(), testSandbox())

	if len(res.Proposals) != 1 || res.Proposals[0].ID != "auth-02" {
		t.Errorf("Proposals = %v, want [auth-02]", res.Proposals)
	}
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   models.Verdict
	}{
		{"approved", "VERDICT: approved\nGood.", models.VerdictApproved},
		{"rejected", "Reasoning first.\nVERDICT: rejected", models.VerdictRejected},
		{"needs changes", "VERDICT: needs-changes\nFix the test.", models.VerdictNeedsChanges},
		{"needs changes with space", "VERDICT: needs changes", models.VerdictNeedsChanges},
		{"case insensitive marker", "verdict: Approved", models.VerdictApproved},
		{"no verdict line defaults safe", "This looks great, ship it!", models.VerdictNeedsChanges},
		{"garbage verdict defaults safe", "VERDICT: maybe?", models.VerdictNeedsChanges},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := ParseVerdict(tt.output)
			if got != tt.want {
				t.Errorf("ParseVerdict() = %q, want %q", got, tt.want)
			}
		})
	}
}
