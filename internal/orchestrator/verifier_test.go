package orchestrator

import (
	"context"
	"testing"
	"time"
)

func TestVerifierRunsPolicyCommand(t *testing.T) {
	tests := []struct {
		mode string
		want string
	}{
		{"smoke", "make test-smoke"},
		{"full", "make test"},
	}

	for _, tt := range tests {
		t.Run(tt.mode, func(t *testing.T) {
			fe := &fakeExec{}
			v := NewVerifier(fe, tt.mode, "make test-smoke", "make test", time.Minute)
			if err := v.Verify(context.Background(), "/worktrees/sbx1"); err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
			if len(fe.ran) != 1 || fe.ran[0] != tt.want {
				t.Errorf("ran = %v, want [%s]", fe.ran, tt.want)
			}
		})
	}
}

func TestVerifierEmptyCommandPasses(t *testing.T) {
	fe := &fakeExec{fail: true}
	v := NewVerifier(fe, "smoke", "", "make test", time.Minute)
	if err := v.Verify(context.Background(), "/worktrees/sbx1"); err != nil {
		t.Errorf("Verify() with no command error = %v, want nil", err)
	}
	if len(fe.ran) != 0 {
		t.Errorf("ran = %v, want nothing executed", fe.ran)
	}
}

func TestVerifierReportsFailureOutput(t *testing.T) {
	fe := &fakeExec{fail: true}
	v := NewVerifier(fe, "smoke", "make test-smoke", "", time.Minute)
	err := v.Verify(context.Background(), "/worktrees/sbx1")
	if err == nil {
		t.Fatal("Verify() should fail when the command fails")
	}
}

func TestTruncateOutput(t *testing.T) {
	if got := truncateOutput("short", 100); got != "short" {
		t.Errorf("truncateOutput() = %q, want unchanged", got)
	}
	long := truncateOutput("abcdefghij", 8)
	if len(long) != 8 || long[5:] != "..." {
		t.Errorf("truncateOutput() = %q, want 8 chars ending in ...", long)
	}
}
