package distworker

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// DefaultCacheDirCount is the default number of candidate cache
// directories (N in §4.2).
const DefaultCacheDirCount = 16

// ErrCacheDirsExhausted is returned when every candidate cache directory
// is already locked by another worker process.
var ErrCacheDirsExhausted = errors.New("distworker: all candidate cache directories are locked")

// CacheDir is the directory this worker owns exclusively for its
// lifetime, plus the open lockfile handle holding the OS-level lock.
// The lock is released when the process exits or Close is called.
type CacheDir struct {
	Path string

	lockFile *os.File
}

// Close releases the exclusive lock and closes the lockfile handle. It
// does not remove the directory — the directory is the worker's
// persistent bundle cache and survives across process restarts.
func (c *CacheDir) Close() error {
	if c.lockFile == nil {
		return nil
	}
	err := unix.Flock(int(c.lockFile.Fd()), unix.LOCK_UN)
	closeErr := c.lockFile.Close()
	if err != nil {
		return err
	}
	return closeErr
}

// AcquireCacheDir probes "<base>.0" through "<base>.<n-1>" in order,
// creating each candidate directory if it doesn't exist, and attempts a
// non-blocking exclusive flock on the co-located "<base>.<i>.lock" file.
// The first successful lock wins; its handle is retained for the
// process lifetime (via the returned *CacheDir) so the lock is held
// until Close is called or the process exits.
//
// The lockfile — not the directory — is the authority: multiple worker
// processes may list the same directory tree (e.g. during startup races)
// but only one may hold its lock.
func AcquireCacheDir(base string, n int) (*CacheDir, error) {
	if n <= 0 {
		n = DefaultCacheDirCount
	}
	for i := 0; i < n; i++ {
		dir := fmt.Sprintf("%s.%d", base, i)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir %s: %w", dir, err)
		}

		lockPath := dir + ".lock"
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open lockfile %s: %w", lockPath, err)
		}

		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			f.Close()
			if errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EAGAIN) {
				continue
			}
			return nil, fmt.Errorf("flock %s: %w", lockPath, err)
		}

		return &CacheDir{Path: dir, lockFile: f}, nil
	}
	return nil, ErrCacheDirsExhausted
}
