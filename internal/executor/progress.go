package executor

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
)

// reporter prints the executor's human-readable progress lines: the
// dependency graph, the layer plan, per-chunk start notices, per-item start
// notices, and conflict-resolution notices (spec §6, "Standard output").
// Log format is not a stable contract.
//
// When stdout is a terminal it redraws a block of per-slot status lines in
// place, throttled the same way internal/batch's scheduler.refreshStatus
// throttles its build-status redraw; otherwise it falls back to one
// Log.Printf per update, which is friendlier to captured CI output.
type reporter struct {
	log *log.Logger

	isTerminal bool

	mu          sync.Mutex
	lines       []string
	lastRefresh time.Time
}

func newReporter(logger *log.Logger) *reporter {
	return &reporter{
		log:        logger,
		isTerminal: isatty.IsTerminal(os.Stdout.Fd()),
	}
}

func (r *reporter) logf(format string, args ...interface{}) {
	if r.log != nil {
		r.log.Printf(format, args...)
		return
	}
	fmt.Printf(format+"\n", args...)
}

// slot reports a status line for a fixed position (e.g. a worker slot
// within a chunk). On a terminal, slots are redrawn in place; otherwise
// each update is logged as its own line.
func (r *reporter) slot(idx int, status string) {
	if !r.isTerminal {
		r.logf("  [%d] %s", idx, status)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for len(r.lines) <= idx {
		r.lines = append(r.lines, "")
	}
	r.lines[idx] = status

	if time.Since(r.lastRefresh) < 100*time.Millisecond {
		return
	}
	r.lastRefresh = time.Now()
	for _, l := range r.lines {
		fmt.Println(l)
	}
	fmt.Printf("\033[%dA", len(r.lines))
}
