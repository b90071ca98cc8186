package distworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
)

// ErrDownloadFailed is returned when the payload fetch tool exits non-zero
// on every attempt, or produces a manifest this worker cannot parse.
var ErrDownloadFailed = errors.New("distworker: payload download failed")

// FetchTimeoutSecs bounds a single invocation of the fetch tool (§4.5),
// enforced by the Supervised Runner rather than a context deadline so the
// invocation gets the same heartbeat/escalation treatment as a task.
const FetchTimeoutSecs = 600

// FetchMaxAttempts is the total number of download attempts FetchPayload
// makes before giving up.
const FetchMaxAttempts = 3

// FetchRetryDelay is the pause between failed download attempts.
const FetchRetryDelay = 5 * time.Second

// headlessEnvVar marks the fetch tool invocation as unattended so it
// never blocks on interactive auth prompts.
const headlessEnvVar = "SWARMING_HEADLESS=1"

// FetchPayload downloads the content-addressed bundle identified by
// bundleHash into workDir using toolPath, an external fetch binary
// invoked as a subprocess against isolateServerURL. workDir is recreated
// from scratch before each attempt. Each attempt makes two invocations:
// one to expand the bundle's files into workDir, one to fetch the raw
// manifest file itself into the cache dir. On success, it restores
// owner-writability recursively (the fetch tool stages many files
// read-only) and returns the parsed manifest. It makes up to
// FetchMaxAttempts attempts, sleeping FetchRetryDelay between them, and
// then returns the last attempt's error, which wraps ErrDownloadFailed
// when the fetch tool exited non-zero or the manifest was unusable.
func FetchPayload(ctx context.Context, logger *log.Logger, toolPath, isolateServerURL string, handle BrokerHandle, workDir, cacheDirPath, bundleHash string) (IsolatedManifest, error) {
	manifestPath := filepath.Join(cacheDirPath, bundleHash+".manifest.json")

	var lastErr error
	for attempt := 1; attempt <= FetchMaxAttempts; attempt++ {
		if attempt > 1 {
			logger.Info("retrying payload download", "attempt", attempt, "bundle_hash", bundleHash, "prev_err", lastErr)
			time.Sleep(FetchRetryDelay)
		}

		if err := os.RemoveAll(workDir); err != nil {
			lastErr = fmt.Errorf("clear work dir: %w", err)
			continue
		}
		if err := os.MkdirAll(workDir, 0o755); err != nil {
			lastErr = fmt.Errorf("create work dir: %w", err)
			continue
		}
		_ = os.Remove(manifestPath)

		if err := invokeFetchTool(ctx, logger, toolPath, isolateServerURL, cacheDirPath, handle,
			"-i", bundleHash, "--target", workDir); err != nil {
			lastErr = err
			continue
		}
		if err := invokeFetchTool(ctx, logger, toolPath, isolateServerURL, cacheDirPath, handle,
			"-f", bundleHash, manifestPath); err != nil {
			lastErr = err
			continue
		}

		manifest, err := readManifest(manifestPath)
		if err != nil {
			lastErr = fmt.Errorf("%w: %v", ErrDownloadFailed, err)
			continue
		}

		if err := restoreWritable(workDir); err != nil {
			lastErr = fmt.Errorf("restore writability: %w", err)
			continue
		}

		return manifest, nil
	}

	return IsolatedManifest{}, lastErr
}

// invokeFetchTool runs one supervised invocation of the bundle fetcher
// (§6): `<tool> download --isolate-server=<url> --cache=<dir> --verbose
// <selector-args...>`.
func invokeFetchTool(ctx context.Context, logger *log.Logger, toolPath, isolateServerURL, cacheDirPath string, handle BrokerHandle, selectorArgs ...string) error {
	argv := append([]string{
		toolPath, "download",
		"--isolate-server=" + isolateServerURL,
		"--cache=" + cacheDirPath,
		"--verbose",
	}, selectorArgs...)

	result, err := RunSupervised(ctx, logger, argv, cacheDirPath, append(os.Environ(), headlessEnvVar), handle, FetchTimeoutSecs)
	if err != nil {
		return fmt.Errorf("invoke fetch tool: %w", err)
	}
	if result.ResultCode != 0 {
		return fmt.Errorf("%w: fetch tool exited %d: %s", ErrDownloadFailed, result.ResultCode, result.Stderr)
	}
	return nil
}

// readManifest parses the fetch tool's JSON manifest, rejecting any
// document missing the fields this worker relies on (closed-record
// validation: unknown fields are ignored, required fields are not).
func readManifest(path string) (IsolatedManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return IsolatedManifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m IsolatedManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return IsolatedManifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	if len(m.Command) == 0 {
		return IsolatedManifest{}, fmt.Errorf("manifest missing command")
	}
	return m, nil
}

// restoreWritable walks dir and ensures every entry is owner-writable.
// Isolated bundles are frequently staged read-only by the fetch tool to
// guard cache-shared files from accidental mutation; a task's own work
// dir must not inherit that restriction.
func restoreWritable(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		mode := info.Mode()
		if mode&0o200 != 0 {
			return nil
		}
		return os.Chmod(path, mode|0o200)
	})
}
