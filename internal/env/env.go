// Package env captures process-wide configuration fallbacks for the
// executor: values used only when the embedding application does not
// set an explicit executor.Config field.
package env

import (
	"os"
	"path/filepath"
)

// DefaultLockDir is the lock directory used when Config.LockDir is empty:
// a writable temporary location, overridable via AGILEFLOW_LOCK_DIR.
var DefaultLockDir = findLockDir()

func findLockDir() string {
	if dir := os.Getenv("AGILEFLOW_LOCK_DIR"); dir != "" {
		return dir
	}
	return filepath.Join(os.TempDir(), "agile-flow-locks")
}
