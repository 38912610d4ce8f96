// Copyright 2024 The jiftools Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package zero

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsZero(t *testing.T) {
	require.True(t, IsZero(nil))
	require.True(t, IsZero([]byte{}))
	require.True(t, IsZero(make([]byte, 0x1000)))
	require.True(t, IsZero(make([]byte, 7)))

	page := make([]byte, 0x1000)
	for _, off := range []int{0, 1, 7, 8, 0x800, 0xfff} {
		page[off] = 1
		require.False(t, IsZero(page), "dirty byte at %#x", off)
		page[off] = 0
	}

	short := make([]byte, 13)
	short[12] = 0xff
	require.False(t, IsZero(short))
}

func BenchmarkIsZero(b *testing.B) {
	page := make([]byte, 0x1000)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if !IsZero(page) {
			b.Fatal("zero page reported dirty")
		}
	}
}
