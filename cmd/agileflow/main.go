// Command agileflow runs a batch of declared work items described as JSON
// through the parallel task executor. The per-item action it supervises is
// a stand-in: this binary demonstrates wiring, not a real workload runner
// (spec §1, Non-goals — "no spawning of real subprocess workloads").
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/distr1/agileflow"
	"github.com/distr1/agileflow/internal/executor"
	"github.com/distr1/agileflow/internal/task"
)

type itemJSON struct {
	ID           string   `json:"id"`
	Description  string   `json:"description"`
	Priority     string   `json:"priority"`
	Status       string   `json:"status"`
	Dependencies []string `json:"dependencies"`
	Files        []string `json:"files"`
}

var priorities = map[string]task.Priority{
	"P0": task.P0, "P1": task.P1, "P2": task.P2, "P3": task.P3,
}

func main() {
	var (
		itemsPath   = flag.String("items", "", "path to a JSON array of work items")
		maxParallel = flag.Int("max_parallel", 3, "maximum items launched concurrently per chunk")
		taskTimeout = flag.Duration("task_timeout", 30*time.Second, "per-item execution deadline")
		lockDir     = flag.String("lock_dir", "", "directory for cross-process file locks (default: a temp dir)")
		portStart   = flag.Int("port_start", 3000, "first port in the allocator's range")
		portCount   = flag.Int("port_count", 10, "number of ports in the allocator's range")
		strict      = flag.Bool("strict_cycles", false, "fail instead of deterministically breaking dependency cycles")
	)
	flag.Parse()

	if err := run(*itemsPath, *maxParallel, *taskTimeout, *lockDir, *portStart, *portCount, *strict); err != nil {
		log.Fatal(err)
	}
}

func run(itemsPath string, maxParallel int, taskTimeout time.Duration, lockDir string, portStart, portCount int, strict bool) error {
	if itemsPath == "" {
		return fmt.Errorf("-items is required")
	}
	b, err := os.ReadFile(itemsPath)
	if err != nil {
		return err
	}
	var raw []itemJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("parsing %s: %w", itemsPath, err)
	}

	items := make([]task.Item, 0, len(raw))
	for _, r := range raw {
		items = append(items, task.New(r.ID, r.Description, priorities[r.Priority], r.Status, r.Dependencies, r.Files))
	}

	logger := log.New(os.Stderr, "agileflow: ", log.LstdFlags)

	e, err := executor.New(executor.Config{
		MaxParallel:        maxParallel,
		TaskTimeout:        taskTimeout,
		LockDir:            lockDir,
		PortStart:          portStart,
		PortCapacity:       portCount,
		StrictCycles:       strict,
		Log:                logger,
	}, demoAction)
	if err != nil {
		return err
	}

	ctx, cancel := agileflow.InterruptibleContext()
	defer cancel()

	results, err := e.ExecuteParallelFlow(ctx, items)
	if err != nil {
		return err
	}

	for _, r := range results {
		port := "-"
		if r.Port != nil {
			port = fmt.Sprintf("%d", *r.Port)
		}
		errStr := ""
		if r.Err != nil {
			errStr = r.Err.Error()
		}
		fmt.Printf("%-20s %-10s port=%-6s %s\n", r.ID, r.Status, port, errStr)
	}

	return agileflow.RunAtExit()
}

// demoAction stands in for the real per-item workload: it observes
// cancellation cooperatively and otherwise returns after 10ms.
func demoAction(ctx context.Context, item task.Item, port *int) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Millisecond):
		return nil
	}
}
