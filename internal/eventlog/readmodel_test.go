package eventlog

import (
	"testing"
	"time"

	"github.com/oompalabs/oompa/pkg/models"
)

// startedLog writes a started record and returns a reader whose process
// liveness check is controlled by the test.
func startedLog(t *testing.T, alive bool) (*Log, *Reader) {
	t.Helper()
	l := newLog(t)
	if err := l.RecordStarted(&models.StartedEvent{
		SwarmID:   "run-1",
		StartedAt: time.Now().Add(-time.Minute),
		PID:       12345,
	}); err != nil {
		t.Fatalf("RecordStarted() error = %v", err)
	}
	r := NewReader(l.Dir())
	r.alive = func(pid int) bool { return alive }
	return l, r
}

func TestStateRunning(t *testing.T) {
	_, r := startedLog(t, true)

	state, err := r.State()
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if state != RunStateRunning {
		t.Errorf("State() = %q, want running", state)
	}
	running, err := r.IsRunning()
	if err != nil || !running {
		t.Errorf("IsRunning() = %v, %v; want true, nil", running, err)
	}
}

func TestStateCrashedWhenProcessGone(t *testing.T) {
	// No stopped record, dead pid: the run died without a clean shutdown.
	_, r := startedLog(t, false)

	state, err := r.State()
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if state != RunStateCrashed {
		t.Errorf("State() = %q, want crashed", state)
	}
}

func TestStateFollowsStopReason(t *testing.T) {
	tests := []struct {
		reason models.StopReason
		want   RunState
	}{
		{models.StopCompleted, RunStateCompleted},
		{models.StopInterrupted, RunStateInterrupted},
		{models.StopError, RunStateError},
	}

	for _, tt := range tests {
		t.Run(string(tt.reason), func(t *testing.T) {
			l, r := startedLog(t, false)
			if err := l.RecordStopped(&models.StoppedEvent{StoppedAt: time.Now(), Reason: tt.reason}); err != nil {
				t.Fatalf("RecordStopped() error = %v", err)
			}
			state, err := r.State()
			if err != nil {
				t.Fatalf("State() error = %v", err)
			}
			if state != tt.want {
				t.Errorf("State() = %q, want %q", state, tt.want)
			}
		})
	}
}

func TestDurationUsesStoppedAtWhenPresent(t *testing.T) {
	l, r := startedLog(t, false)
	started, _ := r.Started()
	stoppedAt := started.StartedAt.Add(42 * time.Second)
	if err := l.RecordStopped(&models.StoppedEvent{StoppedAt: stoppedAt, Reason: models.StopCompleted}); err != nil {
		t.Fatalf("RecordStopped() error = %v", err)
	}

	dur, err := r.Duration()
	if err != nil {
		t.Fatalf("Duration() error = %v", err)
	}
	if dur != 42*time.Second {
		t.Errorf("Duration() = %v, want 42s", dur)
	}
}

func TestWorkerStatusReturnsLatestOutcome(t *testing.T) {
	l, r := startedLog(t, true)

	base := time.Now()
	records := []struct {
		worker  string
		outcome models.IterationOutcome
	}{
		{"worker-1", models.OutcomeWorking},
		{"worker-2", models.OutcomeWorking},
		{"worker-1", models.OutcomeMerged},
	}
	for i, rec := range records {
		err := l.RecordIteration(&models.IterationEvent{
			WorkerID:  rec.worker,
			Iteration: 1,
			Outcome:   rec.outcome,
			Timestamp: base.Add(time.Duration(i) * time.Millisecond),
		})
		if err != nil {
			t.Fatalf("RecordIteration() error = %v", err)
		}
	}

	got, err := r.WorkerStatus("worker-1")
	if err != nil {
		t.Fatalf("WorkerStatus() error = %v", err)
	}
	if got != models.OutcomeMerged {
		t.Errorf("WorkerStatus(worker-1) = %q, want merged", got)
	}
	got, _ = r.WorkerStatus("worker-2")
	if got != models.OutcomeWorking {
		t.Errorf("WorkerStatus(worker-2) = %q, want working", got)
	}
	got, _ = r.WorkerStatus("worker-99")
	if got != "" {
		t.Errorf("WorkerStatus(worker-99) = %q, want empty", got)
	}
}

func TestCounts(t *testing.T) {
	l, r := startedLog(t, true)

	base := time.Now()
	outcomes := []models.IterationOutcome{
		models.OutcomeMerged, models.OutcomeMerged, models.OutcomeRejected, models.OutcomeError,
	}
	for i, o := range outcomes {
		err := l.RecordIteration(&models.IterationEvent{
			WorkerID:  "worker-1",
			Iteration: i + 1,
			Outcome:   o,
			Timestamp: base.Add(time.Duration(i) * time.Millisecond),
		})
		if err != nil {
			t.Fatalf("RecordIteration() error = %v", err)
		}
	}

	counts, err := r.Counts()
	if err != nil {
		t.Fatalf("Counts() error = %v", err)
	}
	if counts[models.OutcomeMerged] != 2 {
		t.Errorf("merged count = %d, want 2", counts[models.OutcomeMerged])
	}
	if counts[models.OutcomeRejected] != 1 || counts[models.OutcomeError] != 1 {
		t.Errorf("counts = %v, want 1 rejected and 1 error", counts)
	}
}

func TestListRuns(t *testing.T) {
	root := t.TempDir()
	for _, id := range []string{"20260830-b", "20260830-a"} {
		if _, err := New(root, id); err != nil {
			t.Fatalf("New(%s) error = %v", id, err)
		}
	}

	runs, err := ListRuns(root)
	if err != nil {
		t.Fatalf("ListRuns() error = %v", err)
	}
	if len(runs) != 2 || runs[0] != "20260830-a" || runs[1] != "20260830-b" {
		t.Errorf("ListRuns() = %v, want sorted [20260830-a 20260830-b]", runs)
	}

	empty, err := ListRuns(root + "/nope")
	if err != nil || len(empty) != 0 {
		t.Errorf("ListRuns() on missing root = %v, %v; want empty, nil", empty, err)
	}
}
