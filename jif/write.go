// Copyright 2024 The jiftools Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package jif

import (
	"bufio"
	"fmt"
	"io"

	"github.com/bsdinis/jiftools/internal/pagemath"
)

const defaultBufferSize = 4 * 1024 * 1024

// computeLayout assigns every section its file offset.  Sections are
// packed in the fixed order behind the header; only a non-empty data
// blob is pushed to the next page boundary.  The returned header fully
// determines the output size.
func computeLayout(r *Raw) (*fileHeader, int64) {
	h := newFileHeader()
	off := uint64(fileHeaderSize)

	place := func(idx int, size uint64, pageAligned bool) {
		if pageAligned && size > 0 {
			off = pagemath.AlignUp(off)
		}
		h.sections[idx] = sectionRange{off: off, size: size}
		off += size
	}

	place(secPHeaders, uint64(len(r.PHeaders))*pheaderStride, false)
	place(secITreeNodes, uint64(len(r.ITreeNodes))*nodeStride, false)
	place(secOrdChunks, uint64(len(r.OrdChunks))*ordStride, false)
	place(secStrings, uint64(len(r.StringArena)), false)
	place(secData, uint64(len(r.Data)), true)

	return h, int64(off)
}

// WriteTo emits the raw form: header first, then each section at its
// assigned offset.  The layout pass runs up front, so emission is a
// single forward pass with no back-patching.
func (r *Raw) WriteTo(w io.Writer) (int64, error) {
	h, total := computeLayout(r)

	bw := bufio.NewWriterSize(w, defaultBufferSize)
	written := int64(0)

	emit := func(b []byte) error {
		n, err := bw.Write(b)
		written += int64(n)
		return err
	}
	padTo := func(off uint64) error {
		for written < int64(off) {
			if err := bw.WriteByte(0); err != nil {
				return err
			}
			written++
		}
		return nil
	}

	header := h.marshal()
	if err := emit(header[:]); err != nil {
		return written, fmt.Errorf("write header: %w", err)
	}

	buf := make([]byte, nodeStride)
	for _, p := range r.PHeaders {
		p.marshal(buf[:pheaderStride])
		if err := emit(buf[:pheaderStride]); err != nil {
			return written, fmt.Errorf("write pheaders: %w", err)
		}
	}
	for _, n := range r.ITreeNodes {
		n.marshal(buf[:nodeStride])
		if err := emit(buf[:nodeStride]); err != nil {
			return written, fmt.Errorf("write itree nodes: %w", err)
		}
	}
	for _, c := range r.OrdChunks {
		c.marshal(buf[:ordStride])
		if err := emit(buf[:ordStride]); err != nil {
			return written, fmt.Errorf("write ord chunks: %w", err)
		}
	}
	if err := emit(r.StringArena); err != nil {
		return written, fmt.Errorf("write strings: %w", err)
	}
	if err := padTo(h.sections[secData].off); err != nil {
		return written, fmt.Errorf("write data padding: %w", err)
	}
	if err := emit(r.Data); err != nil {
		return written, fmt.Errorf("write data: %w", err)
	}

	if err := bw.Flush(); err != nil {
		return written, fmt.Errorf("flush: %w", err)
	}
	if written != total {
		return written, fmt.Errorf("layout mismatch: emitted %d bytes, laid out %d", written, total)
	}
	return written, nil
}

// WriteTo flattens the image and emits it in the canonical layout.
func (j *JIF) WriteTo(w io.Writer) (int64, error) {
	return j.Flatten().WriteTo(w)
}

// Write emits j to w in the canonical layout.
func Write(j *JIF, w io.Writer) (int64, error) {
	return j.WriteTo(w)
}
