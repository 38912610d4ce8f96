// Copyright 2024 The jiftools Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package jif

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func rawBytes(t *testing.T, r *Raw) []byte {
	t.Helper()
	var buf bytes.Buffer
	_, err := r.WriteTo(&buf)
	require.NoError(t, err)
	return buf.Bytes()
}

func TestReadBadHeader(t *testing.T) {
	good := writeBytes(t, richJIF(t))

	badMagic := append([]byte(nil), good...)
	badMagic[0] = 'X'
	_, _, err := Read(badMagic)
	require.ErrorIs(t, err, ErrBadMagic)

	badVersion := append([]byte(nil), good...)
	badVersion[4] = 9
	_, _, err = Read(badVersion)
	require.ErrorIs(t, err, ErrBadVersion)

	_, _, err = Read(good[:100])
	require.ErrorIs(t, err, ErrTruncated)

	// declared section past end of input
	short := append([]byte(nil), good[:len(good)-PageSize]...)
	_, _, err = Read(short)
	require.ErrorIs(t, err, ErrTruncated)
}

func TestReadBadStride(t *testing.T) {
	good := writeBytes(t, richJIF(t))

	// grow the declared pheader section size off-stride
	bad := append([]byte(nil), good...)
	size := binary.LittleEndian.Uint64(bad[16:24])
	binary.LittleEndian.PutUint64(bad[16:24], size+1)
	_, _, err := Read(bad)
	require.Error(t, err)
}

func TestReadOverlappingPHeaders(t *testing.T) {
	raw := &Raw{
		PHeaders: []RawPHeader{
			{VBegin: 0x1000, VEnd: 0x3000, PathnameOff: noPathname},
			{VBegin: 0x2000, VEnd: 0x4000, PathnameOff: noPathname},
		},
	}
	_, _, err := Read(rawBytes(t, raw))
	require.Error(t, err)
	require.Contains(t, err.Error(), "overlap")
}

func TestReadBadPathname(t *testing.T) {
	// offset out of range
	raw := &Raw{
		PHeaders: []RawPHeader{
			{VBegin: 0x1000, VEnd: 0x2000, PathnameOff: 40},
		},
		StringArena: []byte("/lib/x\x00"),
	}
	_, _, err := Read(rawBytes(t, raw))
	require.Error(t, err)

	// no NUL terminator
	raw.PHeaders[0].PathnameOff = 0
	raw.StringArena = []byte("/lib/x")
	_, _, err = Read(rawBytes(t, raw))
	require.Error(t, err)
}

func TestReadBadITree(t *testing.T) {
	base := func() *Raw {
		node := RawITreeNode{}
		for s := range node.Ivals {
			node.Ivals[s] = RawInterval{Start: sentinelValue, End: sentinelValue}
		}
		return &Raw{
			PHeaders: []RawPHeader{
				{VBegin: 0x1000, VEnd: 0x4000, PathnameOff: noPathname, ITreeNodeCount: 1},
			},
			ITreeNodes: []RawITreeNode{node},
			Data:       make([]byte, PageSize),
		}
	}

	// interval outside the pheader range
	raw := base()
	raw.ITreeNodes[0].Ivals[0] = RawInterval{Start: 0x8000, End: 0x9000, Tag: 0}
	_, _, err := Read(rawBytes(t, raw))
	require.Error(t, err)

	// private reference past the data blob
	raw = base()
	raw.ITreeNodes[0].Ivals[0] = RawInterval{Start: 0x1000, End: 0x3000, Tag: 1, Payload: 0}
	_, _, err = Read(rawBytes(t, raw))
	require.Error(t, err)

	// unknown data tag
	raw = base()
	raw.ITreeNodes[0].Ivals[0] = RawInterval{Start: 0x1000, End: 0x2000, Tag: 7}
	_, _, err = Read(rawBytes(t, raw))
	require.Error(t, err)

	// node slice past the node table
	raw = base()
	raw.PHeaders[0].ITreeNodeCount = 3
	_, _, err = Read(rawBytes(t, raw))
	require.Error(t, err)

	// valid single-interval tree reads back fine
	raw = base()
	raw.ITreeNodes[0].Ivals[0] = RawInterval{Start: 0x1000, End: 0x2000, Tag: 1, Payload: 0}
	j, recov, err := Read(rawBytes(t, raw), WithLogger(zap.NewNop()))
	require.NoError(t, err)
	require.Empty(t, recov)
	require.Equal(t, uint64(1), j.PrivatePages())
}

func TestReadNonCanonicalITree(t *testing.T) {
	node := RawITreeNode{}
	for s := range node.Ivals {
		node.Ivals[s] = RawInterval{Start: sentinelValue, End: sentinelValue}
	}
	// the interval sits in slot 1; canonical layout wants slot 0
	node.Ivals[1] = RawInterval{Start: 0x1000, End: 0x2000, Tag: 0}
	raw := &Raw{
		PHeaders: []RawPHeader{
			{VBegin: 0x1000, VEnd: 0x4000, PathnameOff: noPathname, ITreeNodeCount: 1},
		},
		ITreeNodes: []RawITreeNode{node},
	}

	j, recov, err := Read(rawBytes(t, raw))
	require.NoError(t, err)
	require.Len(t, recov, 1)
	require.ErrorIs(t, recov[0], ErrRecoverable)

	// the mapping is preserved and the next write is canonical
	ival, ok := j.PHeaders()[0].ITree().Lookup(0x1000)
	require.True(t, ok)
	require.Equal(t, RefZero, ival.Ref.Kind)
	require.Equal(t, uint64(3), j.ZeroPages())

	reread, recov2, err := Read(writeBytes(t, j))
	require.NoError(t, err)
	require.Empty(t, recov2)
	require.Equal(t, 1, reread.PHeaders()[0].ITree().NIntervals())
}

func TestReadOrdChunks(t *testing.T) {
	raw := &Raw{
		PHeaders: []RawPHeader{
			{VBegin: 0x1000, VEnd: 0x5000, PathnameOff: noPathname},
		},
		OrdChunks: []OrdChunk{
			{PHeader: 0, PageOff: 0, NPages: 2},  // multi-page chunks are first-class
			{PHeader: 9, PageOff: 0, NPages: 1},  // bad pheader index: discarded
			{PHeader: 0, PageOff: 3, NPages: 4},  // spills out of the pheader: discarded
		},
	}

	j, recov, err := Read(rawBytes(t, raw))
	require.NoError(t, err)
	require.Len(t, recov, 2)
	for _, e := range recov {
		require.ErrorIs(t, e, ErrRecoverable)
	}
	require.Equal(t, []OrdChunk{{PHeader: 0, PageOff: 0, NPages: 2}}, j.Ord())

	_, err = ReadStrict(rawBytes(t, raw))
	require.ErrorIs(t, err, ErrRecoverable)
}

func TestReadRawQueries(t *testing.T) {
	data := writeBytes(t, richJIF(t))
	raw, recov, err := ReadRaw(data)
	require.NoError(t, err)
	require.Empty(t, recov)

	require.Equal(t, 2, raw.NPHeaders())
	require.Equal(t, 2, raw.NITreeNodes())
	require.Equal(t, 2, raw.NOrdChunks())
	require.Equal(t, uint64(3*PageSize), raw.DataSize())
	require.Equal(t, []string{"/lib/x"}, raw.Strings())

	require.False(t, raw.PHeaders[0].HasRef())
	require.True(t, raw.PHeaders[1].HasRef())
	require.Equal(t, uint32(1*nodeStride), raw.PHeaders[1].ITreeNodeOff)
}
