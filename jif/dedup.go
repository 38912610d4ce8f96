// Copyright 2024 The jiftools Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package jif

import (
	"bytes"

	"github.com/dgryski/go-farm"

	"github.com/bsdinis/jiftools/internal/zero"
)

// deduper is a content-addressed store of private page bytes.  Pages are
// keyed by their farm digest with ties broken by exact byte compare, and
// appended to the emitted blob at the next page-aligned offset on first
// use.  Insertion order defines the final blob layout.
type deduper struct {
	elideZero bool
	buf       []byte
	byDigest  map[uint64][]uint64
}

func newDeduper(elideZero bool) *deduper {
	return &deduper{
		elideZero: elideZero,
		byDigest:  make(map[uint64][]uint64),
	}
}

// insert stores one page and returns its provenance: ZeroRef for an
// all-zero page under zero elision, the existing private reference for a
// page already stored, a fresh one otherwise.
func (d *deduper) insert(page []byte) DataRef {
	if d.elideZero && zero.IsZero(page) {
		return ZeroRef
	}

	digest := farm.Hash64(page)
	for _, off := range d.byDigest[digest] {
		if bytes.Equal(d.buf[off:off+PageSize], page) {
			return PrivateRef(off)
		}
	}

	off := uint64(len(d.buf))
	d.buf = append(d.buf, page...)
	d.byDigest[digest] = append(d.byDigest[digest], off)
	return PrivateRef(off)
}

// finalize returns the deduplicated blob.
func (d *deduper) finalize() []byte {
	return d.buf
}
