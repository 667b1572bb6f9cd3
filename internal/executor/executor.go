// Package executor orchestrates layer-by-layer execution of a batch of
// task.Items: it acquires file locks and ports, launches items under a
// bounded concurrency cap with per-item timeouts, collects results, and
// releases resources on every exit path (spec §4.5). It is the coordination
// core's only public entry point (spec §6).
package executor

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/distr1/agileflow"
	"github.com/distr1/agileflow/internal/conflict"
	"github.com/distr1/agileflow/internal/depgraph"
	"github.com/distr1/agileflow/internal/env"
	"github.com/distr1/agileflow/internal/filelock"
	"github.com/distr1/agileflow/internal/portpool"
	"github.com/distr1/agileflow/internal/task"
	"github.com/distr1/agileflow/internal/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"
)

// ResultStatus is the outcome of a single item's execution.
type ResultStatus string

const (
	Completed ResultStatus = "completed"
	Timeout   ResultStatus = "timeout"
	Errored   ResultStatus = "error"
)

// Result is the single outcome recorded for one input item (spec §3).
type Result struct {
	ID     string
	Status ResultStatus
	Port   *int
	Err    error
}

// Action is the pluggable per-item operation the executor supervises. It
// receives the item and, in the parallel path, the port assigned to it
// (nil in the serialized path). A non-nil return is recorded as an error
// result; the executor itself applies the per-item deadline via ctx.
type Action func(ctx context.Context, item task.Item, port *int) error

// Config configures an Executor. ProjectPath is carried as metadata only:
// the executor neither reads the filesystem at ProjectPath nor passes it to
// actions.
type Config struct {
	ProjectPath string

	// MaxParallel bounds the size of a single chunk (spec §4.5's
	// "concurrency cap"), not global concurrency across layers. Must be >= 1.
	MaxParallel int

	// TaskTimeout is the per-item deadline. Must be > 0.
	TaskTimeout time.Duration

	// LockAcquireTimeout bounds how long a chunk waits to acquire each file
	// lock before failing the group. Defaults to 30s.
	LockAcquireTimeout time.Duration

	// LockDir is the directory lock files are created under. Defaults to
	// env.DefaultLockDir.
	LockDir string

	// PortStart and PortCapacity describe the contiguous port range
	// [PortStart, PortStart+PortCapacity). Default to 3000 and 10.
	PortStart    int
	PortCapacity int

	// DisableHeuristics turns off the substring-based implicit dependency
	// rules (spec §9).
	DisableHeuristics bool

	// StrictCycles makes the analyzer fail with a *depgraph.CycleError
	// instead of deterministically breaking a cycle.
	StrictCycles bool

	// TracePrefix, if non-empty, enables a Chrome trace-event file at
	// $TMPDIR/agileflow.traces/<TracePrefix>.<pid> recording one span per
	// item execution. Empty disables tracing (the default).
	TracePrefix string

	Log *log.Logger
}

// Executor orchestrates execute_parallel_flow for one batch. Its
// FileLockManager and PortPool are owned instances scoped to this
// executor's lifetime; there is no process-wide singleton (spec §9).
type Executor struct {
	cfg      Config
	action   Action
	analyzer *depgraph.Analyzer
	locks    *filelock.Manager
	ports    *portpool.Pool
	report   *reporter
}

// New constructs an Executor. It creates the lock directory if absent.
func New(cfg Config, action Action) (*Executor, error) {
	if cfg.MaxParallel < 1 {
		return nil, xerrors.Errorf("executor: MaxParallel must be >= 1, got %d", cfg.MaxParallel)
	}
	if cfg.TaskTimeout <= 0 {
		return nil, xerrors.Errorf("executor: TaskTimeout must be > 0, got %v", cfg.TaskTimeout)
	}
	if cfg.LockAcquireTimeout <= 0 {
		cfg.LockAcquireTimeout = 30 * time.Second
	}
	if cfg.LockDir == "" {
		cfg.LockDir = env.DefaultLockDir
	}
	if cfg.PortStart == 0 {
		cfg.PortStart = 3000
	}
	if cfg.PortCapacity == 0 {
		cfg.PortCapacity = 10
	}

	locks, err := filelock.New(cfg.LockDir)
	if err != nil {
		return nil, err
	}

	if cfg.TracePrefix != "" {
		if err := trace.Enable(cfg.TracePrefix); err != nil {
			return nil, xerrors.Errorf("executor: enabling trace: %w", err)
		}
	}

	return &Executor{
		cfg:    cfg,
		action: action,
		analyzer: &depgraph.Analyzer{
			DisableHeuristics: cfg.DisableHeuristics,
			Strict:            cfg.StrictCycles,
			Log:               cfg.Log,
		},
		locks:  locks,
		ports:  portpool.New(cfg.PortStart, cfg.PortCapacity),
		report: newReporter(cfg.Log),
	}, nil
}

// ExecuteParallelFlow is the executor's only public entry point (spec §6).
// It always returns exactly one Result per input item (spec §8, invariant
// 6), in the deterministic layer/chunk order rather than input order (spec
// §2, "input-independent order keyed by item id").
func (e *Executor) ExecuteParallelFlow(ctx context.Context, items []task.Item) ([]Result, error) {
	graph := e.analyzer.BuildGraph(items)
	e.logGraph(graph)

	layers, err := e.analyzer.Layers(graph)
	if err != nil {
		return nil, err
	}
	e.logLayers(layers)

	agileflow.RegisterAtExit(func() error {
		e.locks.ReleaseAll()
		return nil
	})

	byID := make(map[string]task.Item, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}

	var all []Result
	for li, layer := range layers {
		layerItems := make([]task.Item, 0, len(layer))
		for _, id := range layer {
			layerItems = append(layerItems, byID[id])
		}

		for start := 0; start < len(layerItems); start += e.cfg.MaxParallel {
			end := start + e.cfg.MaxParallel
			if end > len(layerItems) {
				end = len(layerItems)
			}
			chunk := layerItems[start:end]
			e.report.logf("layer %d, chunk %s: executing %d item(s)", li+1, idsOf(chunk), len(chunk))
			all = append(all, e.executeGroup(ctx, chunk)...)
		}
	}

	return all, nil
}

// executeGroup runs one chunk to completion, acquiring every resource it
// needs before launching anything and releasing every resource it
// acquired on every exit path (spec §4.5.2–§4.5.5).
func (e *Executor) executeGroup(ctx context.Context, chunk []task.Item) []Result {
	conflicts := conflict.Detect(chunk)
	if len(conflicts) > 0 {
		for _, c := range conflicts {
			e.report.logf("conflict on %s between %s and %s: falling back to serialized execution",
				c.File, c.IDA, c.IDB)
		}
		return e.executeSerialized(ctx, chunk)
	}

	files := uniqueSortedFiles(chunk)

	var acquired []string
	for _, f := range files {
		ok, err := e.locks.Acquire(f, e.cfg.LockAcquireTimeout)
		if err != nil || !ok {
			e.releaseInReverse(acquired)
			return failAll(chunk, &LockTimeoutError{Path: f})
		}
		acquired = append(acquired, f)
	}

	ports, err := e.ports.Allocate(len(chunk))
	if err != nil {
		e.releaseInReverse(acquired)
		return failAll(chunk, err)
	}

	results := e.executeParallel(ctx, chunk, ports)

	// Ports are released once every action in the chunk has returned; locks
	// are released last, after ports, so that no two groups ever hold
	// overlapping locks (spec §4.5.5).
	e.ports.Release(ports)
	e.releaseInReverse(acquired)

	return results
}

// executeParallel launches every item in chunk concurrently, each under its
// own per-item deadline. A single item's failure, timeout, or error never
// cancels its siblings (spec §5, "Cancellation semantics").
func (e *Executor) executeParallel(ctx context.Context, chunk []task.Item, ports []int) []Result {
	results := make([]Result, len(chunk))
	eg, gctx := errgroup.WithContext(ctx)

	for i, item := range chunk {
		i, item := i, item
		var p *int
		if i < len(ports) {
			port := ports[i]
			p = &port
		}
		eg.Go(func() error {
			e.report.slot(i, fmt.Sprintf("%s: running", item.ID))
			results[i] = e.runItem(gctx, item, p)
			e.report.slot(i, fmt.Sprintf("%s: %s", item.ID, results[i].Status))
			// Item-level outcomes are captured in results, never returned
			// here, so one item's failure never cancels its siblings via
			// errgroup's context cancellation.
			return nil
		})
	}
	eg.Wait()
	return results
}

// executeSerialized runs chunk one item at a time with no port assignment
// and no lock acquisition (spec §4.5.3).
func (e *Executor) executeSerialized(ctx context.Context, chunk []task.Item) []Result {
	results := make([]Result, len(chunk))
	for i, item := range chunk {
		e.report.logf("serial: executing %s", item.ID)
		results[i] = e.runItem(ctx, item, nil)
	}
	return results
}

// runItem supervises a single invocation of the action under TaskTimeout.
func (e *Executor) runItem(ctx context.Context, item task.Item, port *int) Result {
	itemCtx, cancel := context.WithTimeout(ctx, e.cfg.TaskTimeout)
	defer cancel()

	var span *trace.PendingEvent
	if e.cfg.TracePrefix != "" {
		span = trace.Event(item.ID, slotOf(port, e.cfg.PortStart))
		defer span.Done()
	}

	done := make(chan error, 1)
	go func() {
		done <- e.action(itemCtx, item, port)
	}()

	select {
	case err := <-done:
		if err != nil {
			return Result{ID: item.ID, Status: Errored, Port: port, Err: &ActionError{Message: err.Error()}}
		}
		return Result{ID: item.ID, Status: Completed, Port: port}
	case <-itemCtx.Done():
		// Wait for the cancelled action to yield so that no action outlives
		// the chunk's port and lock reservations.
		<-done
		return Result{ID: item.ID, Status: Timeout, Err: &ActionTimeoutError{}}
	}
}

// slotOf derives a stable trace track id from an item's assigned port, or 0
// for serialized items that carry no port.
func slotOf(port *int, portStart int) int {
	if port == nil {
		return 0
	}
	return *port - portStart
}

func (e *Executor) releaseInReverse(paths []string) {
	for i := len(paths) - 1; i >= 0; i-- {
		e.locks.Release(paths[i])
	}
}

func failAll(chunk []task.Item, err error) []Result {
	results := make([]Result, len(chunk))
	for i, item := range chunk {
		results[i] = Result{ID: item.ID, Status: Errored, Err: err}
	}
	return results
}

func uniqueSortedFiles(chunk []task.Item) []string {
	seen := make(map[string]bool)
	var files []string
	for _, item := range chunk {
		for _, f := range item.Files {
			if seen[f] {
				continue
			}
			seen[f] = true
			files = append(files, f)
		}
	}
	sort.Strings(files)
	return files
}

func idsOf(items []task.Item) string {
	ids := make([]string, len(items))
	for i, it := range items {
		ids[i] = it.ID
	}
	return strings.Join(ids, ", ")
}

func (e *Executor) logGraph(graph depgraph.Graph) {
	ids := make([]string, 0, len(graph))
	for id := range graph {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	e.report.logf("dependency graph:")
	for _, id := range ids {
		deps := graph[id]
		if len(deps) == 0 {
			e.report.logf("  %s (no dependencies)", id)
		} else {
			e.report.logf("  %s -> %s", id, strings.Join(deps, ", "))
		}
	}
}

func (e *Executor) logLayers(layers [][]string) {
	e.report.logf("execution plan (%d layer(s)):", len(layers))
	for i, layer := range layers {
		e.report.logf("  layer %d: %s", i+1, strings.Join(layer, ", "))
	}
}
