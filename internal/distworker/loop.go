package distworker

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/matgreaves/run"
)

// Loop reserves and dispatches tasks one at a time until its context is
// cancelled or a termination signal arrives (C7).
type Loop struct {
	Broker   Broker
	Executor *Executor
	Logger   *log.Logger

	// BounceDelay is how long the loop sleeps after releasing a
	// retry-id it has already seen, before reserving again. Zero means
	// DefaultBounceDelay.
	BounceDelay time.Duration

	mu      sync.Mutex
	current BrokerHandle
}

// DefaultBounceDelay is the anti-affinity bounce sleep (§4.7).
const DefaultBounceDelay = 5 * time.Second

func (l *Loop) bounceDelay() time.Duration {
	if l.BounceDelay > 0 {
		return l.BounceDelay
	}
	return DefaultBounceDelay
}

// Runner returns the reserve-dispatch-delete cycle as a run.Runner: a
// single sequential loop, not a concurrent service tree, since a worker
// handles exactly one task at a time (§5).
func (l *Loop) Runner() run.Runner {
	return run.Func(func(ctx context.Context) error {
		for {
			if ctx.Err() != nil {
				return nil
			}

			reserved, err := l.Broker.Reserve(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				l.Logger.Warn("reserve failed, retrying", "err", err)
				if !sleep(ctx, time.Second) {
					return nil
				}
				continue
			}

			if l.Executor.Retries.Get(reserved.Task.RetryID) {
				l.Logger.Info("retry-id seen before by this worker, bouncing back to queue", "task_id", reserved.Task.TaskID)
				if err := reserved.Handle.Release(ctx); err != nil {
					l.Logger.Warn("release failed", "err", err)
				}
				if !sleep(ctx, l.bounceDelay()) {
					return nil
				}
				continue
			}

			l.setCurrent(reserved.Handle)
			if err := l.Executor.Run(ctx, reserved); err != nil {
				l.Logger.Warn("task execution returned an error", "task_id", reserved.Task.TaskID, "err", err)
			}
			l.setCurrent(nil)
		}
	})
}

// sleep waits for d or ctx cancellation, whichever comes first. It
// returns false if ctx was cancelled first, so the caller can stop.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

func (l *Loop) setCurrent(h BrokerHandle) {
	l.mu.Lock()
	l.current = h
	l.mu.Unlock()
}

// Serve runs the loop until ctx is cancelled, the loop itself returns,
// or SIGINT/SIGTERM arrives. On a termination signal it releases the
// in-flight reservation, if any, and exits the process immediately: a
// half-run task has nothing worth waiting on, since the released
// reservation is available to another worker again (or, if the release
// fails, once its visibility timeout lapses).
func (l *Loop) Serve(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	runnerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- l.Runner().Run(runnerCtx) }()

	select {
	case sig := <-sigCh:
		l.Logger.Info("received signal, releasing in-flight task and exiting", "signal", sig)
		cancel()
		l.releaseCurrent()
		os.Exit(0)
		return nil
	case err := <-done:
		return err
	}
}

func (l *Loop) releaseCurrent() {
	l.mu.Lock()
	h := l.current
	l.mu.Unlock()
	if h == nil {
		return
	}
	releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Release(releaseCtx); err != nil {
		l.Logger.Warn("could not release in-flight task on shutdown", "err", err)
	}
}
