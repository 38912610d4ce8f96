// Copyright 2024 The jiftools Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package jif

import (
	"bytes"
	"fmt"
)

// StringTable is an append-only arena of NUL-terminated paths.  Offsets
// are stable after insertion; the arena is emitted verbatim on write.
type StringTable struct {
	arena []byte
}

func newStringTable(arena []byte) *StringTable {
	return &StringTable{arena: arena}
}

// Intern returns the offset of path in the arena, appending it if it is
// not present.  Interning the same path twice yields the same offset.
func (t *StringTable) Intern(path string) uint32 {
	off := uint32(0)
	for int(off) < len(t.arena) {
		nul := bytes.IndexByte(t.arena[off:], 0)
		if nul < 0 {
			break
		}
		if string(t.arena[off:off+uint32(nul)]) == path {
			return off
		}
		off += uint32(nul) + 1
	}

	off = uint32(len(t.arena))
	t.arena = append(t.arena, path...)
	t.arena = append(t.arena, 0)
	return off
}

// Get returns the NUL-terminated string starting at off.
func (t *StringTable) Get(off uint32) (string, error) {
	if int(off) >= len(t.arena) {
		return "", fmt.Errorf("string offset %d out of range (arena is %d bytes)", off, len(t.arena))
	}
	nul := bytes.IndexByte(t.arena[off:], 0)
	if nul < 0 {
		return "", fmt.Errorf("string at offset %d is not NUL-terminated", off)
	}
	return string(t.arena[off : off+uint32(nul)]), nil
}

// Each calls fn for every (offset, path) entry in arena order.
func (t *StringTable) Each(fn func(off uint32, path string)) {
	off := uint32(0)
	for int(off) < len(t.arena) {
		nul := bytes.IndexByte(t.arena[off:], 0)
		if nul < 0 {
			return
		}
		fn(off, string(t.arena[off:off+uint32(nul)]))
		off += uint32(nul) + 1
	}
}

// Strings lists the paths in arena order.
func (t *StringTable) Strings() []string {
	var out []string
	t.Each(func(_ uint32, path string) {
		out = append(out, path)
	})
	return out
}

// Size is the arena length in bytes.
func (t *StringTable) Size() int {
	return len(t.arena)
}
