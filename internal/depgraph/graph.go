// Package depgraph turns a batch of task.Items into a dependency graph and
// partitions it into parallelizable layers, the way internal/batch turns a
// set of distri packages into a build graph and schedules it with gonum's
// topological sort.
package depgraph

import (
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/distr1/agileflow/internal/task"
	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"
)

// Graph maps an item id to the set of ids it depends on. Every key and
// every value element is a batch item id.
type Graph map[string][]string

// Clone returns a deep copy of g.
func (g Graph) Clone() Graph {
	out := make(Graph, len(g))
	for id, deps := range g {
		cp := make([]string, len(deps))
		copy(cp, deps)
		out[id] = cp
	}
	return out
}

// heuristicRule is one entry of the closed set of substring-based implicit
// dependency rules described in spec §4.1. These mirror
// TaskDependencyAnalyzer._check_module_dependency in the original Python
// implementation and must not be extended silently.
type heuristicRule struct {
	ifContainsInSelf  string
	ifContainsInOther string
}

var heuristicRules = []heuristicRule{
	{ifContainsInSelf: "user", ifContainsInOther: "auth"},
	{ifContainsInSelf: "permission", ifContainsInOther: "user"},
	{ifContainsInSelf: "analysis", ifContainsInOther: "data"},
}

// CycleError is returned by Layers in strict mode when the graph contains a
// cycle; in permissive mode (the default) the cycle is broken instead, see
// Analyzer.Layers.
type CycleError struct {
	Remaining []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle among: %s", strings.Join(e.Remaining, ", "))
}

// Analyzer builds dependency graphs and layer plans for a batch of items.
// It is pure: no I/O, no mutation of its inputs.
type Analyzer struct {
	// DisableHeuristics turns off the substring-based implicit edge rules,
	// leaving only explicitly declared dependencies.
	DisableHeuristics bool

	// Strict makes Layers return a *CycleError instead of deterministically
	// breaking a cycle. Default is permissive break.
	Strict bool

	Log *log.Logger
}

// BuildGraph computes the dependency graph for items: the union, per item,
// of its declared dependencies that exist in the batch and (unless
// DisableHeuristics) the heuristic edges inferred from lowercased
// descriptions. Declared dependencies referencing ids absent from the
// batch are dropped and logged as a warning. Self-edges are never created.
func (a *Analyzer) BuildGraph(items []task.Item) Graph {
	byID := make(map[string]task.Item, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}

	graph := make(Graph, len(items))
	for _, t := range items {
		seen := make(map[string]bool)
		var deps []string

		for _, depID := range t.Dependencies {
			if _, ok := byID[depID]; !ok {
				a.logf("dependency %q of item %q not present in batch, dropping", depID, t.ID)
				continue
			}
			if depID == t.ID || seen[depID] {
				continue
			}
			seen[depID] = true
			deps = append(deps, depID)
		}

		if !a.DisableHeuristics {
			tLower := strings.ToLower(t.Description)
			for _, u := range items {
				if u.ID == t.ID || seen[u.ID] {
					continue
				}
				uLower := strings.ToLower(u.Description)
				if heuristicEdge(tLower, uLower) {
					seen[u.ID] = true
					deps = append(deps, u.ID)
				}
			}
		}

		sort.Strings(deps)
		graph[t.ID] = deps
	}
	return graph
}

func heuristicEdge(tLower, uLower string) bool {
	for _, r := range heuristicRules {
		if strings.Contains(tLower, r.ifContainsInSelf) && strings.Contains(uLower, r.ifContainsInOther) {
			return true
		}
	}
	return false
}

// Layers partitions graph into an ordered list of layers via Kahn-style
// topological layering: repeatedly peel the set of ids with no remaining
// dependency, emit it as the next layer, and remove it from every
// remaining dependency list. If a cycle prevents further progress, the
// minimum remaining id by lexicographic order is promoted to the ready
// set (strict mode instead returns a *CycleError).
//
// In Strict mode only, the graph is first checked for cycles via gonum's
// topo.Sort, the same probe internal/batch uses to detect unbuildable
// package sets; that check only decides whether to fail fast, the
// layering algorithm itself always follows the peel loop below so that
// results match spec.md's literal description and remain reproducible.
func (a *Analyzer) Layers(graph Graph) ([][]string, error) {
	if a.Strict {
		if cycle := findCycle(graph); cycle != nil {
			return nil, &CycleError{Remaining: cycle}
		}
	}

	remaining := graph.Clone()
	var layers [][]string

	for len(remaining) > 0 {
		var ready []string
		for id, deps := range remaining {
			if len(deps) == 0 {
				ready = append(ready, id)
			}
		}

		if len(ready) == 0 {
			ids := make([]string, 0, len(remaining))
			for id := range remaining {
				ids = append(ids, id)
			}
			sort.Strings(ids)
			broken := ids[0]
			a.logf("dependency cycle detected among %s; breaking at %q", strings.Join(ids, ", "), broken)
			ready = []string{broken}
		}

		sort.Strings(ready)
		layers = append(layers, ready)

		readySet := make(map[string]bool, len(ready))
		for _, id := range ready {
			readySet[id] = true
			delete(remaining, id)
		}
		for id, deps := range remaining {
			filtered := deps[:0:0]
			for _, d := range deps {
				if !readySet[d] {
					filtered = append(filtered, d)
				}
			}
			remaining[id] = filtered
		}
	}

	return layers, nil
}

// findCycle builds a gonum directed graph from graph and returns the ids
// participating in a cycle, or nil if graph is acyclic.
func findCycle(g Graph) []string {
	ids := make([]string, 0, len(g))
	for id := range g {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	index := make(map[string]int64, len(ids))
	for i, id := range ids {
		index[id] = int64(i)
	}

	dg := simple.NewDirectedGraph()
	for _, id := range ids {
		dg.AddNode(simple.Node(index[id]))
	}
	for id, deps := range g {
		for _, dep := range deps {
			// edge dependent -> dependency, matching batch.go's g.SetEdge(g.NewEdge(n, d))
			dg.SetEdge(dg.NewEdge(simple.Node(index[id]), simple.Node(index[dep])))
		}
	}

	if _, err := topo.Sort(dg); err != nil {
		uo, ok := err.(topo.Unorderable)
		if !ok {
			return ids // unexpected shape, report everything
		}
		var cyclic []string
		for _, component := range uo {
			for _, n := range component {
				cyclic = append(cyclic, ids[n.ID()])
			}
		}
		sort.Strings(cyclic)
		return cyclic
	}
	return nil
}

func (a *Analyzer) logf(format string, args ...interface{}) {
	if a.Log != nil {
		a.Log.Printf(format, args...)
	}
}
