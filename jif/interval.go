// Copyright 2024 The jiftools Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package jif

import "fmt"

// RefKind classifies the provenance of a page range.
type RefKind uint8

const (
	// RefZero ranges read as zero-filled on restore.
	RefZero RefKind = iota
	// RefPrivate ranges are backed by bytes in the JIF's data blob.
	RefPrivate
	// RefShared ranges fall through to the pheader's backing file.
	RefShared
)

func (k RefKind) String() string {
	switch k {
	case RefZero:
		return "zero"
	case RefPrivate:
		return "private"
	case RefShared:
		return "shared"
	default:
		return fmt.Sprintf("RefKind(%d)", uint8(k))
	}
}

// DataRef names the provenance of a page range.  Offset is meaningful
// for RefPrivate (an offset into the owning JIF's data blob) and for a
// specialized RefShared (an offset into the backing file); it is zero
// otherwise.  DataRef values are only valid against the JIF that issued
// them.
type DataRef struct {
	Kind   RefKind
	Offset uint64
}

// ZeroRef is the zero-filled provenance.
var ZeroRef = DataRef{Kind: RefZero}

// SharedRef is the unspecialized backing-file provenance.
var SharedRef = DataRef{Kind: RefShared}

// PrivateRef points at off in the owning JIF's data blob.
func PrivateRef(off uint64) DataRef {
	return DataRef{Kind: RefPrivate, Offset: off}
}

// Interval maps the page-aligned virtual range [Start, End) to a data
// reference.
type Interval struct {
	Start uint64
	End   uint64
	Ref   DataRef
}

func (i Interval) valid() bool {
	return i.Start < i.End
}

func (i Interval) contains(addr uint64) bool {
	return i.Start <= addr && addr < i.End
}

// Len is the byte length of the interval.
func (i Interval) Len() uint64 {
	return i.End - i.Start
}

func (i Interval) String() string {
	if !i.valid() {
		return "[empty)"
	}
	switch i.Ref.Kind {
	case RefPrivate:
		return fmt.Sprintf("[%#x, %#x) -> private(%#x)", i.Start, i.End, i.Ref.Offset)
	default:
		return fmt.Sprintf("[%#x, %#x) -> %s", i.Start, i.End, i.Ref.Kind)
	}
}

// sentinelInterval fills unused node slots.
func sentinelInterval() Interval {
	return Interval{Start: sentinelValue, End: sentinelValue}
}

// coalesces reports whether a page at vaddr with provenance next extends
// an interval ending at vaddr with provenance prev: zero extends zero,
// shared extends shared, and private extends private only when the data
// offsets are contiguous.
func coalesces(prev Interval, vaddr uint64, next DataRef) bool {
	if prev.End != vaddr || prev.Ref.Kind != next.Kind {
		return false
	}
	if prev.Ref.Kind == RefPrivate {
		return next.Offset == prev.Ref.Offset+prev.Len()
	}
	return true
}
