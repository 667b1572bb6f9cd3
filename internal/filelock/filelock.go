// Package filelock provides per-path, cross-process advisory mutual
// exclusion backed by OS-level file locking (spec §4.3). It plays the same
// role for the executor that internal/batch's isTerminal probe plays for
// its status display: a thin, deliberate use of golang.org/x/sys/unix for
// exactly the syscall the job needs.
package filelock

import (
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

const retryInterval = 100 * time.Millisecond

type heldLock struct {
	file     *os.File
	lockPath string
}

// Manager is a per-instance FileLockManager. Its lifecycle begins with the
// executor that owns it and ends on teardown; there is no process-wide
// singleton (spec §9, "Ambient state").
type Manager struct {
	dir string

	mu   sync.Mutex
	held map[string]*heldLock
}

// New creates a Manager rooted at dir, creating dir if it does not exist.
func New(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, xerrors.Errorf("filelock: creating lock dir %q: %w", dir, err)
	}
	return &Manager{
		dir:  dir,
		held: make(map[string]*heldLock),
	}, nil
}

func (m *Manager) lockPath(path string) string {
	sum := md5.Sum([]byte(path))
	return filepath.Join(m.dir, hex.EncodeToString(sum[:])+".lock")
}

// Acquire attempts to take the exclusive lock for path, retrying on
// contention with a bounded sleep until timeout elapses. It returns true on
// success, false if timeout elapsed without acquiring the lock. A non-nil
// error indicates the lock file itself could not be created or opened; such
// errors are retried the same as contention, and only surfaced once timeout
// has elapsed without a successful acquisition.
func (m *Manager) Acquire(path string, timeout time.Duration) (bool, error) {
	lockPath := m.lockPath(path)
	deadline := time.Now().Add(timeout)
	var lastErr error

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
		if err != nil {
			lastErr = err
		} else {
			flockErr := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
			if flockErr == nil {
				m.mu.Lock()
				m.held[path] = &heldLock{file: f, lockPath: lockPath}
				m.mu.Unlock()
				return true, nil
			}
			f.Close()
			if flockErr == unix.EWOULDBLOCK {
				// Contention with another holder is not an error.
				lastErr = nil
			} else {
				lastErr = flockErr
			}
		}

		if time.Now().After(deadline) {
			if lastErr != nil {
				return false, xerrors.Errorf("filelock: acquiring %q: %w", path, lastErr)
			}
			return false, nil
		}
		time.Sleep(retryInterval)
	}
}

// Release releases the lock for path, if held by this manager: unlocks,
// closes the descriptor, and unlinks the lock file. Releasing an unheld
// path is a no-op returning false.
func (m *Manager) Release(path string) bool {
	m.mu.Lock()
	hl, ok := m.held[path]
	if ok {
		delete(m.held, path)
	}
	m.mu.Unlock()

	if !ok {
		return false
	}

	unix.Flock(int(hl.file.Fd()), unix.LOCK_UN)
	hl.file.Close()
	os.Remove(hl.lockPath)
	return true
}

// ReleaseAll releases every path currently held by this manager.
func (m *Manager) ReleaseAll() {
	m.mu.Lock()
	paths := make([]string, 0, len(m.held))
	for p := range m.held {
		paths = append(paths, p)
	}
	m.mu.Unlock()

	for _, p := range paths {
		m.Release(p)
	}
}

// HeldCount returns the number of paths currently held by this manager,
// used by tests to assert resource cleanliness (spec §8, invariant 5).
func (m *Manager) HeldCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.held)
}
