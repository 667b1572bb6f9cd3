package executor

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/distr1/agileflow/internal/task"
)

func newTestExecutor(t *testing.T, cfg Config, action Action) *Executor {
	t.Helper()
	if cfg.LockDir == "" {
		cfg.LockDir = filepath.Join(t.TempDir(), "locks")
	}
	if cfg.MaxParallel == 0 {
		cfg.MaxParallel = 3
	}
	if cfg.TaskTimeout == 0 {
		cfg.TaskTimeout = time.Second
	}
	e, err := New(cfg, action)
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func resultByID(results []Result, id string) (Result, bool) {
	for _, r := range results {
		if r.ID == id {
			return r, true
		}
	}
	return Result{}, false
}

// S1 — no deps, all parallel.
func TestS1AllParallelCompleted(t *testing.T) {
	e := newTestExecutor(t, Config{}, func(ctx context.Context, item task.Item, port *int) error {
		return nil
	})
	items := []task.Item{
		task.New("T1", "one", task.P1, "pending", nil, nil),
		task.New("T2", "two", task.P1, "pending", nil, nil),
		task.New("T3", "three", task.P1, "pending", nil, nil),
	}
	results, err := e.ExecuteParallelFlow(context.Background(), items)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for _, r := range results {
		if r.Status != Completed {
			t.Fatalf("item %s status = %s, want completed", r.ID, r.Status)
		}
	}
}

// S3 — file conflict falls back to serialized execution, no ports assigned.
func TestS3ConflictSerializes(t *testing.T) {
	var mu sync.Mutex
	var concurrentPeak int
	var inFlight int

	e := newTestExecutor(t, Config{MaxParallel: 2}, func(ctx context.Context, item task.Item, port *int) error {
		mu.Lock()
		inFlight++
		if inFlight > concurrentPeak {
			concurrentPeak = inFlight
		}
		mu.Unlock()
		time.Sleep(20 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	})

	items := []task.Item{
		task.New("X", "touch users", task.P1, "pending", nil, []string{"src/users.py"}),
		task.New("Y", "touch users too", task.P1, "pending", nil, []string{"src/users.py"}),
	}
	results, err := e.ExecuteParallelFlow(context.Background(), items)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, r := range results {
		if r.Status != Completed {
			t.Fatalf("item %s status = %s, want completed", r.ID, r.Status)
		}
		if r.Port != nil {
			t.Fatalf("item %s carries port %v, serialized items must not carry a port", r.ID, *r.Port)
		}
	}
	if concurrentPeak > 1 {
		t.Fatalf("conflicting items ran concurrently (peak=%d), expected serialized execution", concurrentPeak)
	}
}

// S4 — port exhaustion fails the whole group, pool ends at zero reservations.
func TestS4PortExhaustion(t *testing.T) {
	e := newTestExecutor(t, Config{
		MaxParallel:  10,
		PortStart:    4000,
		PortCapacity: 5,
	}, func(ctx context.Context, item task.Item, port *int) error {
		return nil
	})

	var items []task.Item
	for i := 0; i < 10; i++ {
		items = append(items, task.New(string(rune('A'+i)), "no deps", task.P1, "pending", nil, nil))
	}

	results, err := e.ExecuteParallelFlow(context.Background(), items)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 10 {
		t.Fatalf("got %d results, want 10", len(results))
	}
	for _, r := range results {
		if r.Status != Errored {
			t.Fatalf("item %s status = %s, want error", r.ID, r.Status)
		}
	}
	if got := e.ports.ReservedCount(); got != 0 {
		t.Fatalf("pool reserved count after exhaustion = %d, want 0", got)
	}
}

// S5 — deadline exceeded.
func TestS5DeadlineExceeded(t *testing.T) {
	e := newTestExecutor(t, Config{TaskTimeout: 30 * time.Millisecond}, func(ctx context.Context, item task.Item, port *int) error {
		select {
		case <-time.After(500 * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	items := []task.Item{task.New("SLOW", "sleeps a long time", task.P1, "pending", nil, nil)}
	results, err := e.ExecuteParallelFlow(context.Background(), items)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].Status != Timeout {
		t.Fatalf("status = %s, want timeout", results[0].Status)
	}
}

// Invariant 5 & resource cleanliness — after ExecuteParallelFlow returns,
// both the FileLockManager and PortPool hold zero resources.
func TestResourceCleanlinessAfterRun(t *testing.T) {
	e := newTestExecutor(t, Config{MaxParallel: 2}, func(ctx context.Context, item task.Item, port *int) error {
		return nil
	})
	items := []task.Item{
		task.New("A", "a", task.P1, "pending", nil, []string{"a.py"}),
		task.New("B", "b", task.P1, "pending", []string{"A"}, []string{"b.py"}),
	}
	if _, err := e.ExecuteParallelFlow(context.Background(), items); err != nil {
		t.Fatal(err)
	}
	if got := e.locks.HeldCount(); got != 0 {
		t.Fatalf("held locks after run = %d, want 0", got)
	}
	if got := e.ports.ReservedCount(); got != 0 {
		t.Fatalf("reserved ports after run = %d, want 0", got)
	}
}

// Invariant 6 — result completeness, bijective coverage of input ids.
func TestResultCompleteness(t *testing.T) {
	e := newTestExecutor(t, Config{MaxParallel: 2}, func(ctx context.Context, item task.Item, port *int) error {
		if item.ID == "B" {
			return errors.New("boom")
		}
		return nil
	})
	items := []task.Item{
		task.New("A", "a", task.P1, "pending", nil, nil),
		task.New("B", "b", task.P1, "pending", nil, nil),
		task.New("C", "c", task.P1, "pending", nil, nil),
	}
	results, err := e.ExecuteParallelFlow(context.Background(), items)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != len(items) {
		t.Fatalf("got %d results, want %d", len(results), len(items))
	}
	seen := make(map[string]int)
	for _, r := range results {
		seen[r.ID]++
	}
	for _, it := range items {
		if seen[it.ID] != 1 {
			t.Fatalf("item %s appears %d times in results, want exactly 1", it.ID, seen[it.ID])
		}
	}
	b, _ := resultByID(results, "B")
	if b.Status != Errored {
		t.Fatalf("item B status = %s, want error", b.Status)
	}
}

// max_parallel=1 degenerates to serial execution; result set (not order) is
// the same as with higher MaxParallel.
func TestMaxParallelOneMatchesSetOfHigher(t *testing.T) {
	items := []task.Item{
		task.New("A", "a", task.P1, "pending", nil, nil),
		task.New("B", "b", task.P1, "pending", nil, nil),
		task.New("C", "c", task.P1, "pending", nil, nil),
	}

	run := func(maxParallel int) map[string]ResultStatus {
		e := newTestExecutor(t, Config{MaxParallel: maxParallel}, func(ctx context.Context, item task.Item, port *int) error {
			return nil
		})
		results, err := e.ExecuteParallelFlow(context.Background(), items)
		if err != nil {
			t.Fatal(err)
		}
		out := make(map[string]ResultStatus)
		for _, r := range results {
			out[r.ID] = r.Status
		}
		return out
	}

	got1 := run(1)
	got3 := run(3)
	if len(got1) != len(got3) {
		t.Fatalf("result set sizes differ: %d vs %d", len(got1), len(got3))
	}
	for id, status := range got1 {
		if got3[id] != status {
			t.Fatalf("item %s: MaxParallel=1 -> %s, MaxParallel=3 -> %s", id, status, got3[id])
		}
	}
}
