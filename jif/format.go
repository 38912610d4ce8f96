// Copyright 2024 The jiftools Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package jif

import (
	"encoding/binary"
	"fmt"

	"github.com/bsdinis/jiftools/internal/pagemath"
)

// PageSize is the page granularity of the format.
const PageSize = pagemath.PageSize

// Fanout is the wire-fixed fanout of the interval trees.  Changing it is
// a format-breaking change.
const Fanout = 4

const (
	fileFormatVersion = 1
	fileHeaderSize    = 128

	ivalsPerNode = Fanout - 1

	pheaderStride  = 8 + 8 + 8 + 4 + 4 + 4 + 1 + 7
	intervalStride = 8 + 8 + 1 + 8
	nodeStride     = ivalsPerNode * intervalStride
	ordStride      = 4 + 4 + 4 + 4

	// noPathname in a pheader record means "no backing file".
	noPathname = ^uint32(0)

	// sentinelValue marks an unused interval slot (ibegin == iend == 2^64-1).
	sentinelValue = ^uint64(0)
)

var magicHeader = [4]byte{'J', 'I', 'F', 0}

// Protection bits, mmap convention.
const (
	ProtRead  uint8 = 0x1
	ProtWrite uint8 = 0x2
	ProtExec  uint8 = 0x4
)

// section indices into the file header's section table, in file order.
const (
	secPHeaders = iota
	secITreeNodes
	secOrdChunks
	secStrings
	secData
	nSections
)

type sectionRange struct {
	off  uint64
	size uint64
}

func (s sectionRange) end() uint64 {
	return s.off + s.size
}

// fileHeader is the fixed-size file header: magic, version, and the
// (offset, size) pair of each section.  The tail up to fileHeaderSize is
// reserved: it is written as zero and ignored on read.
type fileHeader struct {
	version  uint32
	sections [nSections]sectionRange
}

func newFileHeader() *fileHeader {
	return &fileHeader{version: fileFormatVersion}
}

func (h *fileHeader) marshal() [fileHeaderSize]byte {
	var buf [fileHeaderSize]byte
	copy(buf[:4], magicHeader[:])
	binary.LittleEndian.PutUint32(buf[4:8], h.version)
	for i, sec := range h.sections {
		off := 8 + i*16
		binary.LittleEndian.PutUint64(buf[off:off+8], sec.off)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], sec.size)
	}
	return buf
}

func (h *fileHeader) unmarshal(b []byte) error {
	if len(b) < fileHeaderSize {
		return fmt.Errorf("%w: %d < %d header bytes", ErrTruncated, len(b), fileHeaderSize)
	}
	if [4]byte(b[:4]) != magicHeader {
		return fmt.Errorf("%w: %x", ErrBadMagic, b[:4])
	}
	h.version = binary.LittleEndian.Uint32(b[4:8])
	if h.version != fileFormatVersion {
		return fmt.Errorf("%w: can only read v%d files; found v%d", ErrBadVersion, fileFormatVersion, h.version)
	}
	for i := range h.sections {
		off := 8 + i*16
		h.sections[i].off = binary.LittleEndian.Uint64(b[off : off+8])
		h.sections[i].size = binary.LittleEndian.Uint64(b[off+8 : off+16])
	}
	return nil
}
