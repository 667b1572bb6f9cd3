package executor

import "fmt"

// LockTimeoutError is returned when a chunk cannot acquire every file lock
// it needs within the configured lock-acquire timeout (spec §7).
type LockTimeoutError struct {
	Path string
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("lock timeout acquiring %q", e.Path)
}

// ActionTimeoutError marks a single item's result when its per-item
// deadline fires (spec §7, ActionTimeout).
type ActionTimeoutError struct{}

func (e *ActionTimeoutError) Error() string { return "deadline exceeded" }

// ActionError wraps the error or message an action returned (spec §7,
// ActionError).
type ActionError struct {
	Message string
}

func (e *ActionError) Error() string { return e.Message }
