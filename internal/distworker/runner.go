package distworker

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
)

// HeartbeatInterval is the minimum period (§4.4.1) between Touch calls
// on the reserved task's broker handle while a child process runs.
const HeartbeatInterval = 10 * time.Second

// KillGrace is how long after a graceful termination signal the
// Supervised Runner waits before escalating to a forced kill (§4.4.2).
const KillGrace = 5 * time.Second

// tickInterval bounds how quickly the runner notices a timeout deadline
// or a heartbeat is due; it is not itself a deadline.
const tickInterval = 2 * time.Second

// SupervisedResult is what RunSupervised returns once the child exits.
type SupervisedResult struct {
	ResultCode int
	Stdout     string
	Stderr     string
}

// RunSupervised executes argv as a child process, draining stdout and
// stderr concurrently, touching handle whenever HeartbeatInterval has
// passed since the last touch (checked every tickInterval) while the
// child runs, and escalating from a graceful termination
// signal to a forced kill if timeoutSecs elapses (and a further
// KillGrace after that). It always waits for the child to be reaped
// before returning — there is never an orphaned process.
//
// A timeoutSecs of 0 (or negative) disables the timeout entirely; the
// child is never signalled by this function in that case.
func RunSupervised(ctx context.Context, logger *log.Logger, argv []string, dir string, env []string, handle BrokerHandle, timeoutSecs int) (SupervisedResult, error) {
	if len(argv) == 0 {
		return SupervisedResult{}, fmt.Errorf("distworker: empty argv")
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	if env != nil {
		cmd.Env = env
	}

	var mu sync.Mutex
	var stdout, stderr bytes.Buffer

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return SupervisedResult{}, fmt.Errorf("create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return SupervisedResult{}, fmt.Errorf("create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return SupervisedResult{}, fmt.Errorf("start command %v: %w", argv, err)
	}

	var readers sync.WaitGroup
	readers.Add(2)
	go drainPipe(&readers, &mu, &stdout, stdoutPipe)
	go drainPipe(&readers, &mu, &stderr, stderrPipe)

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var (
		start           = time.Now()
		termDeadline    time.Time
		killDeadline    time.Time
		lastTouch       = start
		terminateIssued bool
	)
	if timeoutSecs > 0 {
		termDeadline = start.Add(time.Duration(timeoutSecs) * time.Second)
		killDeadline = termDeadline.Add(KillGrace)
	}

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	var waitErr error
	exited := false
	for !exited {
		select {
		case waitErr = <-waitCh:
			exited = true
		case now := <-ticker.C:
			if timeoutSecs > 0 && !terminateIssued && now.After(termDeadline) {
				logger.Info("task timed out, sending graceful termination", "timeout_secs", timeoutSecs)
				mu.Lock()
				fmt.Fprintf(&stderr, "\n------\nKilling task after %d seconds\n", timeoutSecs)
				mu.Unlock()
				if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
					logger.Warn("failed to send SIGTERM", "err", err)
				}
				terminateIssued = true
			}
			if timeoutSecs > 0 && terminateIssued && now.After(killDeadline) {
				logger.Info("task did not exit after SIGTERM, sending SIGKILL")
				if err := cmd.Process.Kill(); err != nil {
					logger.Warn("failed to send SIGKILL", "err", err)
				}
			}
			if now.Sub(lastTouch) >= HeartbeatInterval {
				logger.Debug("still running", "argv", argv)
				if err := handle.Touch(ctx); err != nil {
					logger.Info("could not touch queue reservation", "err", err)
				}
				lastTouch = now
			}
		}
	}

	readers.Wait()

	result := SupervisedResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	result.ResultCode = exitCodeOf(cmd, waitErr)
	return result, nil
}

// drainPipe copies everything read from r into buf (guarded by mu) until
// EOF, which occurs naturally when the child closes the pipe (on exit or
// explicit close). It never blocks the other pipe's reader.
func drainPipe(wg *sync.WaitGroup, mu *sync.Mutex, buf *bytes.Buffer, r interface{ Read([]byte) (int, error) }) {
	defer wg.Done()
	chunk := make([]byte, 64*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			mu.Lock()
			buf.Write(chunk[:n])
			mu.Unlock()
		}
		if err != nil {
			return
		}
	}
}

// exitCodeOf extracts the child's exit status from the error returned
// by cmd.Wait. A nil error means exit 0. A signal-terminated process
// (our own SIGTERM/SIGKILL escalation, or the child killing itself)
// reports a non-zero code since ExitCode() is -1 in that case and any
// negative raw status is surfaced as a distinct non-zero value.
func exitCodeOf(cmd *exec.Cmd, waitErr error) int {
	if waitErr == nil {
		return 0
	}
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		if code := exitErr.ExitCode(); code >= 0 {
			return code
		}
		return 128 // signalled; conventional non-zero sentinel
	}
	return -1
}
