// Copyright 2024 The jiftools Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package jif

import (
	"fmt"
	"sort"

	"github.com/bsdinis/jiftools/internal/pagemath"
)

// itreeNode carries up to ivalsPerNode intervals; unused slots hold the
// sentinel.  Nodes form an implicit B-tree in breadth-first layout:
// child s of node n lives at index Fanout*n + s + 1.
type itreeNode struct {
	ivals [ivalsPerNode]Interval
}

func emptyNode() itreeNode {
	var n itreeNode
	for i := range n.ivals {
		n.ivals[i] = sentinelInterval()
	}
	return n
}

// ITree is a per-pheader interval tree resolving page-aligned virtual
// ranges into data references.  Addresses not covered by any interval
// fall through to the pheader's implicit default.
type ITree struct {
	nodes []itreeNode
}

// nodesForIntervals is the node count of a tree holding k intervals.
func nodesForIntervals(k int) int {
	return (k + Fanout - 2) / (Fanout - 1)
}

// validateIntervals sorts ivals in place and checks the construction
// invariants: page alignment, containment in [vbegin, vend) and pairwise
// disjointness.
func validateIntervals(ivals []Interval, vbegin, vend uint64) error {
	sort.Slice(ivals, func(a, b int) bool { return ivals[a].Start < ivals[b].Start })
	for i, ival := range ivals {
		if !ival.valid() {
			return fmt.Errorf("invalid interval [%#x, %#x)", ival.Start, ival.End)
		}
		if !pagemath.IsAligned(ival.Start) || !pagemath.IsAligned(ival.End) {
			return fmt.Errorf("interval %s is not page-aligned", ival)
		}
		if ival.Start < vbegin || ival.End > vend {
			return fmt.Errorf("interval %s outside pheader range [%#x, %#x)", ival, vbegin, vend)
		}
		if ival.Ref.Kind == RefPrivate && !pagemath.IsAligned(ival.Ref.Offset) {
			return fmt.Errorf("interval %s has a misaligned data offset", ival)
		}
		if i > 0 && ivals[i-1].End > ival.Start {
			return fmt.Errorf("intervals %s and %s overlap", ivals[i-1], ival)
		}
	}
	return nil
}

// buildITree lays the intervals into a balanced fanout-Fanout search
// tree.  The intervals are validated against [vbegin, vend) and sorted;
// an in-order fill of the implicit tree then places them so that every
// in-order traversal yields them ascending by start address.
func buildITree(ivals []Interval, vbegin, vend uint64) (*ITree, error) {
	if err := validateIntervals(ivals, vbegin, vend); err != nil {
		return nil, err
	}

	nodes := make([]itreeNode, nodesForIntervals(len(ivals)))
	for i := range nodes {
		nodes[i] = emptyNode()
	}

	next := 0
	var fill func(nodeIdx int)
	fill = func(nodeIdx int) {
		if nodeIdx >= len(nodes) {
			return
		}
		childIdx := nodeIdx*Fanout + 1
		for s := 0; s < ivalsPerNode; s++ {
			fill(childIdx)
			if next >= len(ivals) {
				return
			}
			nodes[nodeIdx].ivals[s] = ivals[next]
			next++
			childIdx++
		}
		fill(childIdx)
	}
	fill(0)

	return &ITree{nodes: nodes}, nil
}

// NNodes is the node count of the serialized tree.
func (t *ITree) NNodes() int {
	if t == nil {
		return 0
	}
	return len(t.nodes)
}

// NIntervals counts the non-sentinel intervals.
func (t *ITree) NIntervals() int {
	n := 0
	t.inOrder(func(Interval) bool {
		n++
		return true
	})
	return n
}

// Lookup finds the interval containing addr.
func (t *ITree) Lookup(addr uint64) (Interval, bool) {
	if t == nil {
		return Interval{}, false
	}
	idx := 0
	for idx < len(t.nodes) {
		node := &t.nodes[idx]
		next := idx*Fanout + Fanout
		for s := 0; s < ivalsPerNode; s++ {
			ival := node.ivals[s]
			if !ival.valid() || addr < ival.Start {
				next = idx*Fanout + s + 1
				break
			}
			if addr < ival.End {
				return ival, true
			}
		}
		idx = next
	}
	return Interval{}, false
}

// inOrder walks the intervals in ascending start order; fn returning
// false stops the walk.
func (t *ITree) inOrder(fn func(Interval) bool) {
	if t == nil {
		return
	}
	var walk func(nodeIdx int) bool
	walk = func(nodeIdx int) bool {
		if nodeIdx >= len(t.nodes) {
			return true
		}
		childIdx := nodeIdx*Fanout + 1
		for s := 0; s < ivalsPerNode; s++ {
			if !walk(childIdx) {
				return false
			}
			childIdx++
			ival := t.nodes[nodeIdx].ivals[s]
			if !ival.valid() {
				return true
			}
			if !fn(ival) {
				return false
			}
		}
		return walk(childIdx)
	}
	walk(0)
}

// Intervals lists the intervals in ascending start order.
func (t *ITree) Intervals() []Interval {
	var out []Interval
	t.inOrder(func(ival Interval) bool {
		out = append(out, ival)
		return true
	})
	return out
}

// mappedSize is the byte count explicitly covered by intervals of kind k.
func (t *ITree) mappedSize(k RefKind) uint64 {
	var total uint64
	t.inOrder(func(ival Interval) bool {
		if ival.Ref.Kind == k {
			total += ival.Len()
		}
		return true
	})
	return total
}
