// Copyright 2024 The jiftools Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package jif

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStringTableIntern(t *testing.T) {
	st := newStringTable(nil)

	a := st.Intern("/lib/x")
	b := st.Intern("/bin/sh")
	require.NotEqual(t, a, b)

	// interning is idempotent and offsets are stable
	require.Equal(t, a, st.Intern("/lib/x"))
	require.Equal(t, b, st.Intern("/bin/sh"))
	require.Equal(t, len("/lib/x")+1+len("/bin/sh")+1, st.Size())

	got, err := st.Get(a)
	require.NoError(t, err)
	require.Equal(t, "/lib/x", got)
	got, err = st.Get(b)
	require.NoError(t, err)
	require.Equal(t, "/bin/sh", got)
}

func TestStringTableGetErrors(t *testing.T) {
	st := newStringTable([]byte("/lib/x\x00/bin"))

	got, err := st.Get(0)
	require.NoError(t, err)
	require.Equal(t, "/lib/x", got)

	// offset into the middle of an entry is a valid suffix read
	got, err = st.Get(1)
	require.NoError(t, err)
	require.Equal(t, "lib/x", got)

	// "/bin" has no terminator
	_, err = st.Get(7)
	require.Error(t, err)

	// out of range
	_, err = st.Get(100)
	require.Error(t, err)
}

func TestStringTableEach(t *testing.T) {
	st := newStringTable(nil)
	st.Intern("/a")
	st.Intern("/b")

	var offs []uint32
	var paths []string
	st.Each(func(off uint32, path string) {
		offs = append(offs, off)
		paths = append(paths, path)
	})
	require.Equal(t, []uint32{0, 3}, offs)
	require.Equal(t, []string{"/a", "/b"}, paths)
	require.Equal(t, []string{"/a", "/b"}, st.Strings())
}
