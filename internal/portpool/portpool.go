// Package portpool allocates integers from a contiguous range, atomically
// and with rollback on partial allocation (spec §4.4).
package portpool

import (
	"fmt"
	"sort"
	"sync"
)

// ResourceExhaustedError is returned by Allocate when the pool cannot
// satisfy an atomic allocation of the requested size.
type ResourceExhaustedError struct {
	Requested int
	Available int
	InUse     []int
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("port pool exhausted: requested %d, only %d available (%d in use)",
		e.Requested, e.Available, len(e.InUse))
}

// Pool is a bounded integer allocator over [start, start+capacity),
// safe for concurrent use by many callers.
type Pool struct {
	start    int
	capacity int

	mu       sync.Mutex
	reserved map[int]bool
}

// New creates a Pool over [start, start+capacity).
func New(start, capacity int) *Pool {
	return &Pool{
		start:    start,
		capacity: capacity,
		reserved: make(map[int]bool),
	}
}

// Allocate reserves n ports, all-or-nothing: either it returns exactly n
// fresh ports in ascending order, or it returns an error and leaves the
// pool unchanged.
func (p *Pool) Allocate(n int) ([]int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var allocated []int
	for i := 0; i < p.capacity && len(allocated) < n; i++ {
		port := p.start + i
		if !p.reserved[port] {
			allocated = append(allocated, port)
		}
	}

	if len(allocated) < n {
		inUse := make([]int, 0, len(p.reserved))
		for port := range p.reserved {
			inUse = append(inUse, port)
		}
		sort.Ints(inUse)
		return nil, &ResourceExhaustedError{
			Requested: n,
			Available: p.capacity - len(p.reserved),
			InUse:     inUse,
		}
	}

	for _, port := range allocated {
		p.reserved[port] = true
	}
	return allocated, nil
}

// Release frees ports; a port that is not currently reserved is ignored.
func (p *Pool) Release(ports []int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, port := range ports {
		delete(p.reserved, port)
	}
}

// ReservedCount returns the number of currently reserved ports, used by
// tests to assert resource cleanliness (spec §8, invariant 5).
func (p *Pool) ReservedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.reserved)
}

// Range returns the pool's [start, start+capacity) bounds.
func (p *Pool) Range() (start, capacity int) {
	return p.start, p.capacity
}
