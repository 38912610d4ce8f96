// Copyright 2024 The jiftools Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package jif

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/bsdinis/jiftools/internal/pagemath"
)

// RawPHeader is one VMA record as laid out on disk, with all references
// left as offsets.  ITreeNodeOff is a byte offset into the itree node
// section; PathnameOff is an offset into the string arena, noPathname
// (0xFFFFFFFF) when the VMA has no backing file.
type RawPHeader struct {
	VBegin         uint64
	VEnd           uint64
	RefOffset      uint64
	ITreeNodeOff   uint32
	ITreeNodeCount uint32
	PathnameOff    uint32
	Prot           uint8
}

// HasRef reports whether the record names a backing file.
func (p RawPHeader) HasRef() bool {
	return p.PathnameOff != noPathname
}

func (p RawPHeader) marshal(b []byte) {
	_ = b[pheaderStride-1]
	binary.LittleEndian.PutUint64(b[0:8], p.VBegin)
	binary.LittleEndian.PutUint64(b[8:16], p.VEnd)
	binary.LittleEndian.PutUint64(b[16:24], p.RefOffset)
	binary.LittleEndian.PutUint32(b[24:28], p.ITreeNodeOff)
	binary.LittleEndian.PutUint32(b[28:32], p.ITreeNodeCount)
	binary.LittleEndian.PutUint32(b[32:36], p.PathnameOff)
	b[36] = p.Prot
	for i := 37; i < pheaderStride; i++ {
		b[i] = 0
	}
}

func parseRawPHeader(b []byte) RawPHeader {
	_ = b[pheaderStride-1]
	return RawPHeader{
		VBegin:         binary.LittleEndian.Uint64(b[0:8]),
		VEnd:           binary.LittleEndian.Uint64(b[8:16]),
		RefOffset:      binary.LittleEndian.Uint64(b[16:24]),
		ITreeNodeOff:   binary.LittleEndian.Uint32(b[24:28]),
		ITreeNodeCount: binary.LittleEndian.Uint32(b[28:32]),
		PathnameOff:    binary.LittleEndian.Uint32(b[32:36]),
		Prot:           b[36],
	}
}

// RawInterval is one interval slot: tag 0 is zero-filled, 1 private
// (payload is the data-blob offset), 2 shared.  A sentinel slot has
// Start == End == 2^64-1.
type RawInterval struct {
	Start   uint64
	End     uint64
	Tag     uint8
	Payload uint64
}

func (i RawInterval) isSentinel() bool {
	return i.Start == sentinelValue && i.End == sentinelValue
}

func (i RawInterval) marshal(b []byte) {
	_ = b[intervalStride-1]
	binary.LittleEndian.PutUint64(b[0:8], i.Start)
	binary.LittleEndian.PutUint64(b[8:16], i.End)
	b[16] = i.Tag
	binary.LittleEndian.PutUint64(b[17:25], i.Payload)
}

func parseRawInterval(b []byte) RawInterval {
	_ = b[intervalStride-1]
	return RawInterval{
		Start:   binary.LittleEndian.Uint64(b[0:8]),
		End:     binary.LittleEndian.Uint64(b[8:16]),
		Tag:     b[16],
		Payload: binary.LittleEndian.Uint64(b[17:25]),
	}
}

func rawFromInterval(ival Interval) RawInterval {
	raw := RawInterval{Start: ival.Start, End: ival.End}
	switch ival.Ref.Kind {
	case RefZero:
		raw.Tag = 0
	case RefPrivate:
		raw.Tag = 1
		raw.Payload = ival.Ref.Offset
	case RefShared:
		raw.Tag = 2
	}
	return raw
}

func (i RawInterval) interval() (Interval, error) {
	switch i.Tag {
	case 0:
		return Interval{Start: i.Start, End: i.End, Ref: ZeroRef}, nil
	case 1:
		return Interval{Start: i.Start, End: i.End, Ref: PrivateRef(i.Payload)}, nil
	case 2:
		return Interval{Start: i.Start, End: i.End, Ref: SharedRef}, nil
	default:
		return Interval{}, fmt.Errorf("unknown interval data tag %d", i.Tag)
	}
}

// RawITreeNode is one fixed-stride node record.
type RawITreeNode struct {
	Ivals [ivalsPerNode]RawInterval
}

func (n RawITreeNode) marshal(b []byte) {
	for i, ival := range n.Ivals {
		ival.marshal(b[i*intervalStride:])
	}
}

func parseRawITreeNode(b []byte) RawITreeNode {
	var n RawITreeNode
	for i := range n.Ivals {
		n.Ivals[i] = parseRawInterval(b[i*intervalStride:])
	}
	return n
}

func (c OrdChunk) marshal(b []byte) {
	_ = b[ordStride-1]
	binary.LittleEndian.PutUint32(b[0:4], c.PHeader)
	binary.LittleEndian.PutUint32(b[4:8], c.PageOff)
	binary.LittleEndian.PutUint32(b[8:12], c.NPages)
	binary.LittleEndian.PutUint32(b[12:16], 0)
}

func parseOrdChunk(b []byte) OrdChunk {
	_ = b[ordStride-1]
	return OrdChunk{
		PHeader: binary.LittleEndian.Uint32(b[0:4]),
		PageOff: binary.LittleEndian.Uint32(b[4:8]),
		NPages:  binary.LittleEndian.Uint32(b[8:12]),
	}
}

// Raw mirrors the byte layout of a JIF file: flat record tables plus the
// string and data arenas.  It supports queries that do not need full
// materialization (counts, sizes, offset listings).
type Raw struct {
	PHeaders    []RawPHeader
	ITreeNodes  []RawITreeNode
	OrdChunks   []OrdChunk
	StringArena []byte
	Data        []byte
}

// NPHeaders is the pheader record count.
func (r *Raw) NPHeaders() int {
	return len(r.PHeaders)
}

// NITreeNodes is the itree node record count.
func (r *Raw) NITreeNodes() int {
	return len(r.ITreeNodes)
}

// NOrdChunks is the ord chunk record count.
func (r *Raw) NOrdChunks() int {
	return len(r.OrdChunks)
}

// DataSize is the data blob length in bytes.
func (r *Raw) DataSize() uint64 {
	return uint64(len(r.Data))
}

// Strings lists the NUL-terminated entries of the string arena.
func (r *Raw) Strings() []string {
	return newStringTable(r.StringArena).Strings()
}

// nodeSlice resolves a pheader's (offset, count) into indices into
// ITreeNodes.
func (r *Raw) nodeSlice(p RawPHeader) (lo, hi int, err error) {
	if p.ITreeNodeOff%nodeStride != 0 {
		return 0, 0, fmt.Errorf("itree node offset %d is not a multiple of the node stride", p.ITreeNodeOff)
	}
	lo = int(p.ITreeNodeOff / nodeStride)
	hi = lo + int(p.ITreeNodeCount)
	if hi > len(r.ITreeNodes) {
		return 0, 0, fmt.Errorf("itree node range [%d, %d) exceeds the node table (%d nodes)", lo, hi, len(r.ITreeNodes))
	}
	return lo, hi, nil
}

// pheaderIntervals collects and validates the intervals of one pheader's
// node slice.
func (r *Raw) pheaderIntervals(idx int, p RawPHeader) ([]Interval, error) {
	lo, hi, err := r.nodeSlice(p)
	if err != nil {
		return nil, fmt.Errorf("pheader %d: %w", idx, err)
	}

	var ivals []Interval
	for ni := lo; ni < hi; ni++ {
		for s, rawIval := range r.ITreeNodes[ni].Ivals {
			if rawIval.isSentinel() {
				continue
			}
			if rawIval.Start == sentinelValue || rawIval.End == sentinelValue {
				return nil, fmt.Errorf("pheader %d node %d slot %d: half-sentinel interval", idx, ni, s)
			}
			ival, err := rawIval.interval()
			if err != nil {
				return nil, fmt.Errorf("pheader %d node %d slot %d: %w", idx, ni, s, err)
			}
			if ival.Ref.Kind == RefPrivate {
				if !pagemath.IsAligned(ival.Ref.Offset) {
					return nil, fmt.Errorf("pheader %d node %d slot %d: private offset %#x is not page-aligned", idx, ni, s, ival.Ref.Offset)
				}
				if ival.Ref.Offset+ival.Len() > uint64(len(r.Data)) {
					return nil, fmt.Errorf("pheader %d node %d slot %d: private range [%#x, %#x) exceeds the data blob (%#x bytes)",
						idx, ni, s, ival.Ref.Offset, ival.Ref.Offset+ival.Len(), len(r.Data))
				}
			}
			ivals = append(ivals, ival)
		}
	}
	return ivals, nil
}

// check validates the structural invariants, returning the recoverable
// findings and the first fatal error.
func (r *Raw) check() ([]error, error) {
	var recov []error

	strings := newStringTable(r.StringArena)
	for idx, p := range r.PHeaders {
		if p.VBegin >= p.VEnd {
			return nil, fmt.Errorf("pheader %d: invalid virtual range [%#x, %#x)", idx, p.VBegin, p.VEnd)
		}
		if !pagemath.IsAligned(p.VBegin) || !pagemath.IsAligned(p.VEnd) {
			return nil, fmt.Errorf("pheader %d: virtual range [%#x, %#x) is not page-aligned", idx, p.VBegin, p.VEnd)
		}
		if p.HasRef() {
			if !pagemath.IsAligned(p.RefOffset) {
				return nil, fmt.Errorf("pheader %d: ref offset %#x is not page-aligned", idx, p.RefOffset)
			}
			if _, err := strings.Get(p.PathnameOff); err != nil {
				return nil, fmt.Errorf("pheader %d: %w", idx, err)
			}
		}

		ivals, err := r.pheaderIntervals(idx, p)
		if err != nil {
			return nil, err
		}
		if err := validateIntervals(ivals, p.VBegin, p.VEnd); err != nil {
			return nil, fmt.Errorf("pheader %d: %w", idx, err)
		}
	}

	sorted := true
	for i := 1; i < len(r.PHeaders); i++ {
		if r.PHeaders[i-1].VBegin > r.PHeaders[i].VBegin {
			sorted = false
		}
	}
	if !sorted {
		recov = append(recov, recoverablef("pheaders are not sorted by start address"))
	}
	byStart := append([]RawPHeader(nil), r.PHeaders...)
	sort.Slice(byStart, func(a, b int) bool { return byStart[a].VBegin < byStart[b].VBegin })
	for i := 1; i < len(byStart); i++ {
		if byStart[i-1].VEnd > byStart[i].VBegin {
			return nil, fmt.Errorf("pheaders [%#x, %#x) and [%#x, %#x) overlap",
				byStart[i-1].VBegin, byStart[i-1].VEnd, byStart[i].VBegin, byStart[i].VEnd)
		}
	}

	for ci, c := range r.OrdChunks {
		if int(c.PHeader) >= len(r.PHeaders) {
			recov = append(recov, recoverablef("ord chunk %d references pheader %d of %d; discarding", ci, c.PHeader, len(r.PHeaders)))
			continue
		}
		p := r.PHeaders[c.PHeader]
		if c.NPages == 0 || uint64(c.PageOff)+uint64(c.NPages) > pagemath.Pages(p.VEnd-p.VBegin) {
			recov = append(recov, recoverablef("ord chunk %d spans pages [%d, %d) outside pheader %d; discarding", ci, c.PageOff, c.PageOff+c.NPages, c.PHeader))
			continue
		}
	}

	return recov, nil
}

// materialize resolves the raw form into an owned JIF.  It assumes check
// passed; it sorts pheaders, drops invalid ord chunks (remapping indices
// to the sorted order) and rebuilds each interval tree in canonical
// layout, flagging trees whose stored layout differed.
func (r *Raw) materialize() (*JIF, []error, error) {
	var recov []error

	j := &JIF{
		strings: newStringTable(append([]byte(nil), r.StringArena...)),
		data:    append([]byte(nil), r.Data...),
	}

	order := make([]int, len(r.PHeaders))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return r.PHeaders[order[a]].VBegin < r.PHeaders[order[b]].VBegin
	})
	oldToNew := make([]int, len(order))
	for newIdx, oldIdx := range order {
		oldToNew[oldIdx] = newIdx
	}

	for _, oldIdx := range order {
		raw := r.PHeaders[oldIdx]
		p := &PHeader{vbegin: raw.VBegin, vend: raw.VEnd, prot: raw.Prot}
		if raw.HasRef() {
			path, err := j.strings.Get(raw.PathnameOff)
			if err != nil {
				return nil, nil, fmt.Errorf("pheader %d: %w", oldIdx, err)
			}
			p.hasRef = true
			p.path = path
			p.refOffset = raw.RefOffset
		}

		ivals, err := r.pheaderIntervals(oldIdx, raw)
		if err != nil {
			return nil, nil, err
		}
		t, err := buildITree(ivals, raw.VBegin, raw.VEnd)
		if err != nil {
			return nil, nil, fmt.Errorf("pheader %d: %w", oldIdx, err)
		}
		lo, hi, err := r.nodeSlice(raw)
		if err != nil {
			return nil, nil, fmt.Errorf("pheader %d: %w", oldIdx, err)
		}
		if !rawNodesEqual(r.ITreeNodes[lo:hi], rawNodes(t)) {
			recov = append(recov, recoverablef("pheader %d: non-canonical itree layout; normalized", oldIdx))
		}
		p.itree = t

		j.pheaders = append(j.pheaders, p)
	}

	for _, c := range r.OrdChunks {
		if int(c.PHeader) >= len(r.PHeaders) {
			continue
		}
		p := r.PHeaders[c.PHeader]
		if c.NPages == 0 || uint64(c.PageOff)+uint64(c.NPages) > pagemath.Pages(p.VEnd-p.VBegin) {
			continue
		}
		c.PHeader = uint32(oldToNew[c.PHeader])
		j.ord = append(j.ord, c)
	}

	return j, recov, nil
}

// Materialize validates the raw form and resolves it into an owned JIF,
// returning the recoverable findings alongside.
func (r *Raw) Materialize() (*JIF, []error, error) {
	recov, err := r.check()
	if err != nil {
		return nil, nil, err
	}
	j, more, err := r.materialize()
	if err != nil {
		return nil, nil, err
	}
	return j, append(recov, more...), nil
}

// rawNodes serializes an interval tree into its node records.
func rawNodes(t *ITree) []RawITreeNode {
	if t == nil {
		return nil
	}
	out := make([]RawITreeNode, len(t.nodes))
	for ni, node := range t.nodes {
		for s, ival := range node.ivals {
			if ival.valid() {
				out[ni].Ivals[s] = rawFromInterval(ival)
			} else {
				out[ni].Ivals[s] = RawInterval{Start: sentinelValue, End: sentinelValue}
			}
		}
	}
	return out
}

func rawNodesEqual(a, b []RawITreeNode) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Flatten linearizes the materialized image into the raw form with the
// canonical layout: itree nodes concatenated in pheader order, backing
// paths interned into the arena, the arena and data blob verbatim.
func (j *JIF) Flatten() *Raw {
	raw := &Raw{
		OrdChunks: append([]OrdChunk(nil), j.ord...),
		Data:      j.data,
	}

	for _, p := range j.pheaders {
		rp := RawPHeader{
			VBegin:       p.vbegin,
			VEnd:         p.vend,
			ITreeNodeOff: uint32(len(raw.ITreeNodes) * nodeStride),
			PathnameOff:  noPathname,
			Prot:         p.prot,
		}
		if p.hasRef {
			rp.PathnameOff = j.strings.Intern(p.path)
			rp.RefOffset = p.refOffset
		}
		nodes := rawNodes(p.itree)
		rp.ITreeNodeCount = uint32(len(nodes))
		raw.ITreeNodes = append(raw.ITreeNodes, nodes...)
		raw.PHeaders = append(raw.PHeaders, rp)
	}

	raw.StringArena = j.strings.arena
	return raw
}
