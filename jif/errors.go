// Copyright 2024 The jiftools Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package jif

import (
	"errors"
	"fmt"
)

// Fatal parse errors.  Everything else the reader reports wraps one of
// these or is a one-off fmt.Errorf naming the offending record.
var (
	ErrBadMagic   = errors.New("bad magic number -- not a JIF file or corrupted")
	ErrBadVersion = errors.New("unsupported format version")
	ErrTruncated  = errors.New("truncated input")
)

// ErrRecoverable is the sentinel wrapped by every recoverable finding, so
// callers can test with errors.Is.  Recoverable findings are returned in
// a list next to the materialized image; only the strict read surface
// turns them into a failure.
var ErrRecoverable = errors.New("recoverable jif error")

func recoverablef(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrRecoverable, fmt.Sprintf(format, args...))
}
