package distworker_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/distexec/worker/internal/distworker"
)

type fakeHandle struct {
	touches int
}

func (h *fakeHandle) Touch(ctx context.Context) error   { h.touches++; return nil }
func (h *fakeHandle) Release(ctx context.Context) error { return nil }
func (h *fakeHandle) Delete(ctx context.Context) error  { return nil }

func TestRunSupervised_CapturesOutputAndExitCode(t *testing.T) {
	logger := log.NewWithOptions(io.Discard, log.Options{})
	result, err := distworker.RunSupervised(context.Background(), logger,
		[]string{"/bin/sh", "-c", "echo hi; echo oops >&2; exit 3"}, t.TempDir(), nil, &fakeHandle{}, 0)
	if err != nil {
		t.Fatalf("RunSupervised: %v", err)
	}
	if result.ResultCode != 3 {
		t.Errorf("ResultCode = %d, want 3", result.ResultCode)
	}
	if result.Stdout != "hi\n" {
		t.Errorf("Stdout = %q, want %q", result.Stdout, "hi\n")
	}
	if result.Stderr != "oops\n" {
		t.Errorf("Stderr = %q, want %q", result.Stderr, "oops\n")
	}
}

func TestRunSupervised_SuccessExitsZero(t *testing.T) {
	logger := log.NewWithOptions(io.Discard, log.Options{})
	result, err := distworker.RunSupervised(context.Background(), logger,
		[]string{"/bin/sh", "-c", "true"}, t.TempDir(), nil, &fakeHandle{}, 0)
	if err != nil {
		t.Fatalf("RunSupervised: %v", err)
	}
	if result.ResultCode != 0 {
		t.Errorf("ResultCode = %d, want 0", result.ResultCode)
	}
}

func TestRunSupervised_TimeoutEscalatesToKill(t *testing.T) {
	logger := log.NewWithOptions(io.Discard, log.Options{})
	start := time.Now()
	result, err := distworker.RunSupervised(context.Background(), logger,
		[]string{"/bin/sh", "-c", "trap '' TERM; sleep 30"}, t.TempDir(), nil, &fakeHandle{}, 1)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("RunSupervised: %v", err)
	}
	if result.ResultCode == 0 {
		t.Errorf("ResultCode = 0, want non-zero for a killed process")
	}
	// Should escalate to SIGKILL at timeout+KillGrace, not run the full 30s sleep.
	if elapsed > distworker.KillGrace+10*time.Second {
		t.Errorf("took %v, want termination within a few seconds of timeout+KillGrace", elapsed)
	}
}
