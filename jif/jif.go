// Copyright 2024 The jiftools Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package jif

import (
	"fmt"
	"sort"

	"github.com/bsdinis/jiftools/internal/pagemath"
)

// JIF is the materialized image: pheaders sorted by start address and
// pairwise disjoint, the ordering section, the string arena and the
// private-data blob.  A JIF is exclusively owned by one holder; mutation
// requires exclusive access.
type JIF struct {
	pheaders []*PHeader
	ord      []OrdChunk
	strings  *StringTable
	data     []byte
}

// New creates an empty image.
func New() *JIF {
	return &JIF{strings: newStringTable(nil)}
}

// AddPHeader inserts p, keeping the pheaders sorted by start address and
// rejecting overlap with an existing virtual range.
func (j *JIF) AddPHeader(p *PHeader) error {
	at := sort.Search(len(j.pheaders), func(i int) bool {
		return j.pheaders[i].vbegin >= p.vbegin
	})
	if at > 0 && j.pheaders[at-1].vend > p.vbegin {
		return fmt.Errorf("%s overlaps %s", p, j.pheaders[at-1])
	}
	if at < len(j.pheaders) && p.vend > j.pheaders[at].vbegin {
		return fmt.Errorf("%s overlaps %s", p, j.pheaders[at])
	}
	j.pheaders = append(j.pheaders, nil)
	copy(j.pheaders[at+1:], j.pheaders[at:])
	j.pheaders[at] = p
	return nil
}

// AppendData appends page-aligned bytes to the data blob, returning the
// offset private intervals can reference.
func (j *JIF) AppendData(b []byte) (uint64, error) {
	if !pagemath.IsAligned(uint64(len(b))) {
		return 0, fmt.Errorf("data length %#x is not page-aligned", len(b))
	}
	off := uint64(len(j.data))
	j.data = append(j.data, b...)
	return off, nil
}

// PHeaders returns the pheaders in ascending start order.
func (j *JIF) PHeaders() []*PHeader {
	return j.pheaders
}

// NPHeaders is the pheader count.
func (j *JIF) NPHeaders() int {
	return len(j.pheaders)
}

// Ord returns the ordering section.
func (j *JIF) Ord() []OrdChunk {
	return j.ord
}

// StringTable returns the string arena.
func (j *JIF) StringTable() *StringTable {
	return j.strings
}

// Strings lists the paths in the arena.
func (j *JIF) Strings() []string {
	return j.strings.Strings()
}

// Data returns the private-data blob.
func (j *JIF) Data() []byte {
	return j.data
}

// DataSize is the blob length in bytes.
func (j *JIF) DataSize() uint64 {
	return uint64(len(j.data))
}

// MappingPHeaderIdx finds the index of the pheader mapping addr.
func (j *JIF) MappingPHeaderIdx(addr uint64) (int, bool) {
	at := sort.Search(len(j.pheaders), func(i int) bool {
		return j.pheaders[i].vend > addr
	})
	if at < len(j.pheaders) && j.pheaders[at].Maps(addr) {
		return at, true
	}
	return 0, false
}

// MappingPHeader finds the pheader mapping addr.
func (j *JIF) MappingPHeader(addr uint64) (*PHeader, bool) {
	if idx, ok := j.MappingPHeaderIdx(addr); ok {
		return j.pheaders[idx], true
	}
	return nil, false
}

// Resolve returns the provenance of addr, specialized to it.
func (j *JIF) Resolve(addr uint64) (DataRef, bool) {
	p, ok := j.MappingPHeader(addr)
	if !ok {
		return DataRef{}, false
	}
	return p.Resolve(addr)
}

// ResolveData returns the private page bytes backing addr, or nil when
// addr does not resolve to private data.
func (j *JIF) ResolveData(addr uint64) []byte {
	ref, ok := j.Resolve(addr)
	if !ok || ref.Kind != RefPrivate {
		return nil
	}
	off := pagemath.AlignDown(ref.Offset)
	if off+PageSize > uint64(len(j.data)) {
		return nil
	}
	return j.data[off : off+PageSize]
}

// TotalPages sums the page counts of every pheader.
func (j *JIF) TotalPages() uint64 {
	var n uint64
	for _, p := range j.pheaders {
		n += p.TotalPages()
	}
	return n
}

// ZeroPages sums the zero-filled page counts.
func (j *JIF) ZeroPages() uint64 {
	var n uint64
	for _, p := range j.pheaders {
		n += p.ZeroPages()
	}
	return n
}

// PrivatePages sums the private page counts.
func (j *JIF) PrivatePages() uint64 {
	var n uint64
	for _, p := range j.pheaders {
		n += p.PrivatePages()
	}
	return n
}

// SharedPages sums the shared page counts.
func (j *JIF) SharedPages() uint64 {
	var n uint64
	for _, p := range j.pheaders {
		n += p.SharedPages()
	}
	return n
}

// EachPrivatePage calls fn for every private page's bytes, iterating
// pheaders in index order and pages in ascending virtual order.  fn
// returning false stops the walk.
func (j *JIF) EachPrivatePage(fn func(vaddr uint64, page []byte) bool) error {
	for _, p := range j.pheaders {
		var ierr error
		p.Pages(func(vaddr uint64, ref DataRef) bool {
			if ref.Kind != RefPrivate {
				return true
			}
			if ref.Offset+PageSize > uint64(len(j.data)) {
				ierr = fmt.Errorf("private page at %#x references %#x past the data blob (%#x bytes)", vaddr, ref.Offset, len(j.data))
				return false
			}
			return fn(vaddr, j.data[ref.Offset:ref.Offset+PageSize])
		})
		if ierr != nil {
			return ierr
		}
	}
	return nil
}

// EachSharedRegion calls fn with (path, begin, end) for every file-backed
// pheader's virtual range.
func (j *JIF) EachSharedRegion(fn func(path string, begin, end uint64)) {
	for _, p := range j.pheaders {
		if p.hasRef {
			fn(p.path, p.vbegin, p.vend)
		}
	}
}

// Rename retargets every pheader whose backing path is old.  The new
// path is interned, so renaming onto an existing arena entry creates no
// duplicate.
func (j *JIF) Rename(old, new string) {
	touched := false
	for _, p := range j.pheaders {
		if p.hasRef && p.path == old {
			p.path = new
			touched = true
		}
	}
	if touched {
		j.strings.Intern(new)
	}
}

// BuildITrees rebuilds every pheader's interval tree from its current
// page provenance: all-zero private pages become zero-filled, identical
// private pages are deduplicated, runs are coalesced into maximal
// intervals, and intervals matching the pheader's implicit default are
// dropped.  The data blob is rewritten in first-use order.
func (j *JIF) BuildITrees() error {
	return j.rebuild(true)
}

// Dedup deduplicates identical private pages across all pheaders without
// touching page provenance classes: a page that was private stays
// private even when all-zero.  Idempotent.
func (j *JIF) Dedup() error {
	return j.rebuild(false)
}

// rebuild is the shared pipeline behind BuildITrees and Dedup.  It
// iterates pheaders in index order and pages in ascending virtual order,
// so the output is a pure function of the input page contents.
func (j *JIF) rebuild(elideZero bool) error {
	d := newDeduper(elideZero)

	rebuilt := make([]*ITree, len(j.pheaders))
	for pi, p := range j.pheaders {
		var (
			ivals []Interval
			perr  error
		)
		p.Pages(func(vaddr uint64, ref DataRef) bool {
			out := ref
			if ref.Kind == RefPrivate {
				if ref.Offset+PageSize > uint64(len(j.data)) {
					perr = fmt.Errorf("pheader %d: private page at %#x references %#x past the data blob (%#x bytes)", pi, vaddr, ref.Offset, len(j.data))
					return false
				}
				out = d.insert(j.data[ref.Offset : ref.Offset+PageSize])
			} else {
				// zero and shared pages carry no bytes; their class passes through
				out.Offset = 0
			}

			if n := len(ivals); n > 0 && coalesces(ivals[n-1], vaddr, out) {
				ivals[n-1].End += PageSize
				return true
			}
			ivals = append(ivals, Interval{Start: vaddr, End: vaddr + PageSize, Ref: out})
			return true
		})
		if perr != nil {
			return perr
		}

		implicit := p.defaultRef().Kind
		kept := ivals[:0]
		for _, ival := range ivals {
			if ival.Ref.Kind != implicit {
				kept = append(kept, ival)
			}
		}

		t, err := buildITree(kept, p.vbegin, p.vend)
		if err != nil {
			return fmt.Errorf("pheader %d: %w", pi, err)
		}
		rebuilt[pi] = t
	}

	j.data = d.finalize()
	for pi := range j.pheaders {
		j.pheaders[pi].itree = rebuilt[pi]
	}
	return nil
}
