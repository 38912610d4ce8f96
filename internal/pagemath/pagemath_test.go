// Copyright 2024 The jiftools Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package pagemath

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAlign(t *testing.T) {
	for _, testcase := range []struct {
		v    uint64
		up   uint64
		down uint64
	}{
		{0, 0, 0},
		{1, 0x1000, 0},
		{0xfff, 0x1000, 0},
		{0x1000, 0x1000, 0x1000},
		{0x1001, 0x2000, 0x1000},
		{0x7fff3, 0x80000, 0x7f000},
	} {
		require.Equal(t, testcase.up, AlignUp(testcase.v), "AlignUp(%#x)", testcase.v)
		require.Equal(t, testcase.down, AlignDown(testcase.v), "AlignDown(%#x)", testcase.v)
		require.Equal(t, testcase.v%PageSize == 0, IsAligned(testcase.v))
	}
}

func TestPages(t *testing.T) {
	require.Equal(t, uint64(0), Pages(0))
	require.Equal(t, uint64(1), Pages(0x1000))
	require.Equal(t, uint64(3), Pages(0x3000))
}
