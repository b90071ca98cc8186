package distworker

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
)

// Executor runs reserved tasks end to end: mark-running, fetch, run,
// archive, mark-finished, and the post-failure retry/cancel policy (C6).
type Executor struct {
	Logger *log.Logger

	Results ResultsStore
	Master  MasterClient
	Retries *RetryCache

	FetchToolPath       string
	IsolateServerURL    string
	ContainerRunnerPath string
	CacheDir            *CacheDir
	WorkDirBase         string

	// FailureCancelThreshold is the number of failed tasks within a job
	// above which this worker asks the master to cancel the whole job.
	// Zero disables the check.
	FailureCancelThreshold int
}

// Run executes one reserved task to completion. It always releases or
// deletes the broker handle before returning — the caller never needs
// to do so itself, even on error. The anti-affinity retry-id check
// happens one level up, in the Loop, before MarkRunning is ever called.
func (e *Executor) Run(ctx context.Context, reserved ReservedTask) error {
	task := reserved.Task
	handle := reserved.Handle
	log := e.Logger.With("task_id", task.TaskID, "job_id", task.JobID)

	verdict, err := e.Results.MarkRunning(ctx, task)
	if err != nil {
		log.Warn("mark_running failed, releasing task", "err", err)
		return handle.Release(ctx)
	}
	if verdict == Canceled {
		log.Info("task was already canceled, deleting from queue")
		return handle.Delete(ctx)
	}

	workDir := filepath.Join(e.WorkDirBase, task.TaskID)
	defer os.RemoveAll(workDir)

	outcome := e.runOne(ctx, log, handle, task, workDir)

	if err := e.Results.MarkFinished(ctx, task, outcome); err != nil {
		log.Warn("mark_finished failed", "err", err)
	}

	if outcome.ResultCode != 0 {
		e.handleFailure(ctx, log, task)
	}

	return handle.Delete(ctx)
}

// runOne performs the fetch-build-run sequence and, only if the payload
// actually downloaded, the artifact archive step. A payload fetch
// failure, or any failure to even launch the command, is reported as
// result_code -2 with the error message as stderr rather than as a Run
// error: it is a terminal outcome for this attempt, not something the
// caller retries locally. Per §4.6 step 3 ("on failure ... skip step
// 4"), a task whose payload never downloaded is never scanned for
// artifacts — the work dir at that point holds nothing but whatever
// partial state the failed download left behind.
func (e *Executor) runOne(ctx context.Context, log *log.Logger, handle BrokerHandle, task Task, workDir string) TaskOutcome {
	start := time.Now()

	outcome, archiveDir, downloaded := e.runCommand(ctx, log, handle, task, workDir)
	outcome.DurationSecs = time.Since(start).Seconds()

	if !downloaded {
		return outcome
	}

	archive, err := BuildArtifactArchive(log, archiveDir, task.ArtifactGlobs)
	if err != nil {
		log.Warn("could not build artifact archive", "err", err)
	} else {
		outcome.ArtifactArchive = archive
	}

	return outcome
}

// runCommand fetches the payload and runs the task's command, returning
// the raw outcome, the host directory the artifact archiver should scan
// (the task's resolved working directory, even on failure — a container
// run still writes there, via its bind mount), and whether the payload
// actually downloaded (false only for a fetch failure).
func (e *Executor) runCommand(ctx context.Context, log *log.Logger, handle BrokerHandle, task Task, workDir string) (TaskOutcome, string, bool) {
	manifest, err := FetchPayload(ctx, log, e.FetchToolPath, e.IsolateServerURL, handle, workDir, e.CacheDir.Path, task.BundleHash)
	if err != nil {
		return TaskOutcome{ResultCode: -2, Stderr: err.Error()}, workDir, false
	}

	hostCwd := workDir
	if manifest.RelativeCwd != "" {
		hostCwd = filepath.Join(workDir, manifest.RelativeCwd)
	}

	argv, err := e.buildArgv(task, manifest, workDir, hostCwd)
	if err != nil {
		return TaskOutcome{ResultCode: -2, Stderr: err.Error()}, hostCwd, true
	}

	// A containerized run resolves its own working directory inside the
	// container (via --workdir below); the host process has none to set.
	runDir := hostCwd
	if task.ContainerImage != "" {
		runDir = ""
	}

	result, err := RunSupervised(ctx, log, argv, runDir, nil, handle, task.TimeoutSecs)
	if err != nil {
		return TaskOutcome{ResultCode: -2, Stderr: err.Error()}, hostCwd, true
	}

	outcome := TaskOutcome{ResultCode: result.ResultCode}
	if result.ResultCode != 0 {
		outcome.Stdout = result.Stdout
		outcome.Stderr = result.Stderr
	}
	return outcome, hostCwd, true
}

// buildArgv assembles the child process argv (§6): the manifest's
// command run directly, or wrapped by the container runner when the
// task names a ContainerImage. A relative argv[0] is rewritten to an
// absolute path, since downloaded executables are not on the search
// path and "." typically is not either. Existence of the executable is
// always checked on the host, at hostCwd, since that's the only
// filesystem view available here — but the absolute path baked into
// argv is rooted at wherever the command will actually run: hostCwd for
// a direct run, or containerWorkdir (inside the bind-mounted
// /isolate-dir) for a containerized one, since the host path does not
// exist inside the container.
func (e *Executor) buildArgv(task Task, manifest IsolatedManifest, workDir, hostCwd string) ([]string, error) {
	command := manifest.Command
	if len(command) == 0 {
		return nil, fmt.Errorf("manifest has no command")
	}

	if task.ContainerImage == "" {
		if !filepath.IsAbs(command[0]) {
			if candidate := filepath.Join(hostCwd, command[0]); fileExists(candidate) {
				command = append([]string{candidate}, command[1:]...)
			}
		}
		return command, nil
	}
	if e.ContainerRunnerPath == "" {
		return nil, fmt.Errorf("task requires container image %q but no container runner is configured", task.ContainerImage)
	}

	containerWorkdir := path.Join("/isolate-dir", manifest.RelativeCwd)
	if !filepath.IsAbs(command[0]) {
		if candidate := filepath.Join(hostCwd, command[0]); fileExists(candidate) {
			command = append([]string{path.Join(containerWorkdir, command[0])}, command[1:]...)
		}
	}

	argv := []string{
		e.ContainerRunnerPath, "run",
		"--volume", workDir + ":/isolate-dir",
		"--workdir", containerWorkdir,
		"--user", strconv.Itoa(os.Getuid()),
		task.ContainerImage,
	}
	return append(argv, command...), nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// handleFailure applies the post-failure policy. If the job this task
// belongs to has failed too many times already, the whole job is
// canceled fleet-wide rather than retried task by task. Otherwise, if
// this task still has retries left, it is resubmitted to the master
// and its retry-id is remembered so a future redelivery of the same
// logical task to this worker bounces instead of running twice.
func (e *Executor) handleFailure(ctx context.Context, log *log.Logger, task Task) {
	failed, err := e.Results.CountFailedInJob(ctx, task.JobID)
	if err != nil {
		log.Warn("could not count failed tasks in job", "err", err)
		return
	}
	if e.FailureCancelThreshold > 0 && failed > e.FailureCancelThreshold {
		log.Info("job failure threshold exceeded, requesting cancellation", "failed", failed, "threshold", e.FailureCancelThreshold)
		if err := e.Master.CancelJob(ctx, task.JobID); err != nil {
			log.Warn("cancel_job call failed", "err", err)
		}
		return
	}

	if task.Attempt < task.MaxRetries {
		e.Retries.Put(task.RetryID)
		if err := e.Master.RetryTask(ctx, task); err != nil {
			log.Warn("retry_task call failed", "err", err)
		}
	}
}
