// Copyright 2024 The jiftools Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

//go:build unix

package jif

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Open maps path read-only, materializes the image out of the mapping
// and unmaps.  The parse is one sequential pass, so the mapping is
// advised accordingly.  The returned JIF owns all of its memory.
func Open(path string, opts ...ReadOption) (*JIF, []error, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("os.Open(%s): %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()

	stats, err := f.Stat()
	if err != nil {
		return nil, nil, fmt.Errorf("f.Stat: %w", err)
	}
	if stats.Size() < fileHeaderSize {
		return nil, nil, fmt.Errorf("%w: file is %d bytes, header is %d", ErrTruncated, stats.Size(), fileHeaderSize)
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(stats.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap(%s): %w", path, err)
	}
	defer func() {
		_ = unix.Munmap(data)
	}()

	if err := unix.Madvise(data, unix.MADV_SEQUENTIAL); err != nil {
		return nil, nil, fmt.Errorf("madvise: %w", err)
	}

	return Read(data, opts...)
}
