// Copyright 2024 The jiftools Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package jif

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/bsdinis/jiftools/internal/bitset"
	"github.com/bsdinis/jiftools/internal/pagemath"
)

// OrdChunk is one access-order hint: NPages contiguous pages of pheader
// PHeader, starting PageOff pages past its vbegin.  Chunk order encodes
// the access order.
type OrdChunk struct {
	PHeader uint32
	PageOff uint32
	NPages  uint32
}

func (c OrdChunk) String() string {
	return fmt.Sprintf("ord{pheader %d, page %d, n %d}", c.PHeader, c.PageOff, c.NPages)
}

// Access is one record of a timestamped memory-access trace.
type Access struct {
	Usecs uint64
	Addr  uint64
}

// ParseAccessLog reads a timestamped access log, one `<usecs>: <addr>`
// line at a time.  Addresses are hexadecimal with a 0x prefix, decimal
// otherwise.  Blank lines are skipped.
func ParseAccessLog(r io.Reader) ([]Access, error) {
	var accesses []Access
	s := bufio.NewScanner(r)
	for lineno := 1; s.Scan(); lineno++ {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		usecStr, addrStr, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("line %d: no `:` delimiter in %q", lineno, line)
		}
		usecs, err := strconv.ParseUint(strings.TrimSpace(usecStr), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad timestamp: %w", lineno, err)
		}
		addrStr = strings.TrimSpace(addrStr)
		var addr uint64
		if hexStr, ok := strings.CutPrefix(addrStr, "0x"); ok {
			addr, err = strconv.ParseUint(hexStr, 16, 64)
		} else {
			addr, err = strconv.ParseUint(addrStr, 10, 64)
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: bad address: %w", lineno, err)
		}
		accesses = append(accesses, Access{Usecs: usecs, Addr: addr})
	}
	if err := s.Err(); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}
	return accesses, nil
}

// processAccesses truncates addresses to their page, keeps the earliest
// access of each page and orders the survivors by time.
func processAccesses(accesses []Access) []Access {
	first := make(map[uint64]Access, len(accesses))
	for _, a := range accesses {
		a.Addr = pagemath.AlignDown(a.Addr)
		if prev, ok := first[a.Addr]; !ok || a.Usecs < prev.Usecs {
			first[a.Addr] = a
		}
	}

	out := make([]Access, 0, len(first))
	for _, a := range first {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Usecs != out[j].Usecs {
			return out[i].Usecs < out[j].Usecs
		}
		return out[i].Addr < out[j].Addr
	})
	return out
}

// AddOrd replaces the ordering section with chunks derived from the
// access trace.  Consecutive accesses to contiguous pages of the same
// pheader collapse into one chunk; repeated pages keep their first
// occurrence; accesses outside every pheader are dropped and counted.
func (j *JIF) AddOrd(accesses []Access) (dropped int) {
	seen := make([]*bitset.Bitset, len(j.pheaders))

	var chunks []OrdChunk
	for _, a := range processAccesses(accesses) {
		idx, ok := j.MappingPHeaderIdx(a.Addr)
		if !ok {
			dropped++
			continue
		}
		p := j.pheaders[idx]
		page := int64(pagemath.Pages(a.Addr - p.vbegin))
		if seen[idx] == nil {
			seen[idx] = bitset.New(int64(p.TotalPages()))
		}
		if seen[idx].IsSet(page) {
			continue
		}
		seen[idx].Set(page)

		if n := len(chunks); n > 0 {
			last := &chunks[n-1]
			if last.PHeader == uint32(idx) && uint64(last.PageOff)+uint64(last.NPages) == uint64(page) {
				last.NPages++
				continue
			}
		}
		chunks = append(chunks, OrdChunk{PHeader: uint32(idx), PageOff: uint32(page), NPages: 1})
	}

	j.ord = chunks
	return dropped
}

// AddOrdLog is AddOrd over the textual access log.
func (j *JIF) AddOrdLog(r io.Reader) (dropped int, err error) {
	accesses, err := ParseAccessLog(r)
	if err != nil {
		return 0, err
	}
	return j.AddOrd(accesses), nil
}
