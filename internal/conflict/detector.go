// Package conflict detects items in a batch that declare overlapping file
// footprints, the signal the executor uses to fall back from a parallel
// chunk to serialized execution (spec §4.2, §4.5).
package conflict

import (
	"sort"

	"github.com/distr1/agileflow/internal/task"
)

// Conflict is one (file, id_a, id_b) triple: both items declare file.
type Conflict struct {
	File string
	IDA  string
	IDB  string
}

// Detect returns the list of conflicts in items. Items are visited in id
// order; each item declaring a file already declared by an earlier item is
// paired with that file's first declarer only, so pairs between two later
// declarers are not emitted. Detection is pure and deterministic regardless
// of input order.
func Detect(items []task.Item) []Conflict {
	firstOwner := make(map[string]string)
	var conflicts []Conflict

	ordered := make([]task.Item, len(items))
	copy(ordered, items)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ID < ordered[j].ID })

	for _, it := range ordered {
		for _, f := range it.Files {
			owner, ok := firstOwner[f]
			if !ok {
				firstOwner[f] = it.ID
				continue
			}
			if owner == it.ID {
				continue
			}
			conflicts = append(conflicts, Conflict{File: f, IDA: owner, IDB: it.ID})
		}
	}
	return conflicts
}

// Involves reports whether any conflict in conflicts has both its ids
// present in ids.
func Involves(conflicts []Conflict, ids map[string]bool) bool {
	for _, c := range conflicts {
		if ids[c.IDA] && ids[c.IDB] {
			return true
		}
	}
	return false
}
