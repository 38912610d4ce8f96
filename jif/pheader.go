// Copyright 2024 The jiftools Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package jif

import (
	"fmt"

	"github.com/bsdinis/jiftools/internal/pagemath"
)

// PHeader describes one virtual memory area: its page-aligned virtual
// range, protection bits, optional backing-file reference and the
// interval tree classifying its pages.
type PHeader struct {
	vbegin uint64
	vend   uint64
	prot   uint8

	hasRef    bool
	path      string
	refOffset uint64

	itree *ITree
}

// NewPHeader creates an anonymous pheader spanning [vbegin, vend).
func NewPHeader(vbegin, vend uint64, prot uint8) (*PHeader, error) {
	if vbegin >= vend {
		return nil, fmt.Errorf("invalid virtual range [%#x, %#x)", vbegin, vend)
	}
	if !pagemath.IsAligned(vbegin) || !pagemath.IsAligned(vend) {
		return nil, fmt.Errorf("virtual range [%#x, %#x) is not page-aligned", vbegin, vend)
	}
	return &PHeader{vbegin: vbegin, vend: vend, prot: prot}, nil
}

// SetRef attaches a backing-file reference: pages without an explicit
// interval resolve to path at refOffset plus their offset into the VMA.
func (p *PHeader) SetRef(path string, refOffset uint64) error {
	if !pagemath.IsAligned(refOffset) {
		return fmt.Errorf("ref offset %#x is not page-aligned", refOffset)
	}
	p.hasRef = true
	p.path = path
	p.refOffset = refOffset
	return nil
}

// VirtualRange returns [vbegin, vend).
func (p *PHeader) VirtualRange() (uint64, uint64) {
	return p.vbegin, p.vend
}

// Prot returns the protection bits.
func (p *PHeader) Prot() uint8 {
	return p.prot
}

// Ref returns the backing-file path and offset, if any.
func (p *PHeader) Ref() (path string, off uint64, ok bool) {
	return p.path, p.refOffset, p.hasRef
}

// HasITree reports whether an interval tree has been built.
func (p *PHeader) HasITree() bool {
	return p.itree != nil && len(p.itree.nodes) > 0
}

// ITree returns the interval tree; nil if none has been built.
func (p *PHeader) ITree() *ITree {
	return p.itree
}

// SetITree builds an interval tree from ivals and attaches it.
func (p *PHeader) SetITree(ivals []Interval) error {
	t, err := buildITree(ivals, p.vbegin, p.vend)
	if err != nil {
		return err
	}
	p.itree = t
	return nil
}

// Maps reports whether addr falls inside the virtual range.
func (p *PHeader) Maps(addr uint64) bool {
	return p.vbegin <= addr && addr < p.vend
}

// defaultRef is the provenance of pages not covered by any interval:
// the backing file when one exists, the zero page otherwise.
func (p *PHeader) defaultRef() DataRef {
	if p.hasRef {
		return SharedRef
	}
	return ZeroRef
}

// specialize pins ref to addr: private references advance to the page's
// bytes, shared references to the page's position in the backing file.
func (p *PHeader) specialize(ref DataRef, ivalStart, addr uint64) DataRef {
	switch ref.Kind {
	case RefPrivate:
		return PrivateRef(ref.Offset + (addr - ivalStart))
	case RefShared:
		return DataRef{Kind: RefShared, Offset: p.refOffset + (addr - p.vbegin)}
	default:
		return ZeroRef
	}
}

// Resolve returns the provenance of addr, specialized to it.  Addresses
// missing from the interval tree resolve to the implicit default.
func (p *PHeader) Resolve(addr uint64) (DataRef, bool) {
	if !p.Maps(addr) {
		return DataRef{}, false
	}
	if ival, ok := p.itree.Lookup(addr); ok {
		return p.specialize(ival.Ref, ival.Start, addr), true
	}
	return p.specialize(p.defaultRef(), 0, addr), true
}

// Pages calls fn for every page in [vbegin, vend) in ascending order
// with its specialized provenance; every page is visited exactly once.
// fn returning false stops the walk.
func (p *PHeader) Pages(fn func(vaddr uint64, ref DataRef) bool) {
	emit := func(ival Interval) bool {
		for vaddr := ival.Start; vaddr < ival.End; vaddr += PageSize {
			if !fn(vaddr, p.specialize(ival.Ref, ival.Start, vaddr)) {
				return false
			}
		}
		return true
	}

	cursor := p.vbegin
	done := false
	p.itree.inOrder(func(ival Interval) bool {
		if cursor < ival.Start {
			if !emit(Interval{Start: cursor, End: ival.Start, Ref: p.defaultRef()}) {
				done = true
				return false
			}
		}
		if !emit(ival) {
			done = true
			return false
		}
		cursor = ival.End
		return true
	})
	if done {
		return
	}
	if cursor < p.vend {
		emit(Interval{Start: cursor, End: p.vend, Ref: p.defaultRef()})
	}
}

// TotalPages is the page count of the virtual range.
func (p *PHeader) TotalPages() uint64 {
	return pagemath.Pages(p.vend - p.vbegin)
}

func (p *PHeader) pagesOfKind(k RefKind) uint64 {
	explicit := p.itree.mappedSize(k)
	if p.defaultRef().Kind == k {
		var covered uint64
		p.itree.inOrder(func(ival Interval) bool {
			covered += ival.Len()
			return true
		})
		explicit += (p.vend - p.vbegin) - covered
	}
	return pagemath.Pages(explicit)
}

// ZeroPages counts pages that restore as zero-filled.
func (p *PHeader) ZeroPages() uint64 {
	return p.pagesOfKind(RefZero)
}

// PrivatePages counts pages backed by the JIF data blob.
func (p *PHeader) PrivatePages() uint64 {
	return p.pagesOfKind(RefPrivate)
}

// SharedPages counts pages resolved from the backing file.
func (p *PHeader) SharedPages() uint64 {
	return p.pagesOfKind(RefShared)
}

// DataSize is the byte count of private data referenced by this pheader.
func (p *PHeader) DataSize() uint64 {
	return p.itree.mappedSize(RefPrivate)
}

// PrivatePagesByBytes is DataSize in pages.
func (p *PHeader) PrivatePagesByBytes() uint64 {
	return pagemath.Pages(p.DataSize())
}

func (p *PHeader) String() string {
	if p.hasRef {
		return fmt.Sprintf("pheader [%#x, %#x) prot %#x ref %s+%#x", p.vbegin, p.vend, p.prot, p.path, p.refOffset)
	}
	return fmt.Sprintf("pheader [%#x, %#x) prot %#x anon", p.vbegin, p.vend, p.prot)
}
