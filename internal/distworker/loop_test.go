package distworker_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/distexec/worker/internal/distworker"
)

type loopFakeHandle struct {
	released int
}

func (h *loopFakeHandle) Touch(ctx context.Context) error   { return nil }
func (h *loopFakeHandle) Release(ctx context.Context) error { h.released++; return nil }
func (h *loopFakeHandle) Delete(ctx context.Context) error  { return nil }

// fakeBroker reserves from a fixed list, then blocks on ctx.Done() once
// exhausted, so the loop's terminal Reserve call returns only when the
// test cancels the context.
type fakeBroker struct {
	tasks []distworker.ReservedTask
	next  int
}

func (b *fakeBroker) Reserve(ctx context.Context) (distworker.ReservedTask, error) {
	if b.next >= len(b.tasks) {
		<-ctx.Done()
		return distworker.ReservedTask{}, ctx.Err()
	}
	t := b.tasks[b.next]
	b.next++
	return t, nil
}

func TestLoop_BouncesKnownRetryID(t *testing.T) {
	results := &fakeResultsStore{runVerdict: distworker.Accepted}
	master := &fakeMasterClient{}
	exec := newTestExecutor(t, results, master, "/does/not/matter")
	exec.Retries.Put("r1")

	handle := &loopFakeHandle{}
	broker := &fakeBroker{tasks: []distworker.ReservedTask{
		{Task: distworker.Task{TaskID: "t1", JobID: "j1", RetryID: "r1"}, Handle: handle},
	}}

	loop := &distworker.Loop{
		Broker:      broker,
		Executor:    exec,
		Logger:      log.NewWithOptions(io.Discard, log.Options{}),
		BounceDelay: time.Millisecond,
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = loop.Runner().Run(ctx)

	if handle.released != 1 {
		t.Errorf("released = %d, want 1", handle.released)
	}
	if len(results.finished) != 0 {
		t.Errorf("finished = %d, want 0 for a bounced retry-id", len(results.finished))
	}
}

func TestLoop_RunsUnseenTaskThenDeletes(t *testing.T) {
	tool := writeFakeFetchTool(t, `{"command":["/bin/sh","-c","exit 0"],"relative_cwd":""}`, 0)
	results := &fakeResultsStore{runVerdict: distworker.Accepted}
	master := &fakeMasterClient{}
	exec := newTestExecutor(t, results, master, tool)

	broker := &fakeBroker{tasks: []distworker.ReservedTask{
		{Task: distworker.Task{TaskID: "t1", JobID: "j1", RetryID: "r1", BundleHash: "abc"}, Handle: &fakeHandle{}},
	}}

	loop := &distworker.Loop{
		Broker:      broker,
		Executor:    exec,
		Logger:      log.NewWithOptions(io.Discard, log.Options{}),
		BounceDelay: time.Millisecond,
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = loop.Runner().Run(ctx)

	if len(results.finished) != 1 {
		t.Fatalf("finished = %d, want 1", len(results.finished))
	}
}
