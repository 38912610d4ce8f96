// Copyright 2024 The jiftools Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

// Package jif reads, transforms and writes Junction Image Format (JIF)
// files.
//
// A JIF file captures a process memory image: a list of virtual memory
// areas (pheaders), each with an interval tree that classifies its pages
// as zero-filled, private (bytes stored in the file's data blob) or
// shared (resolved from an external backing file), plus an optional
// ordering section that hints the access order for prefetching.
//
// The package keeps two structurally parallel models.  Raw mirrors the
// byte layout of the file: flat record tables plus the string and data
// arenas, with all cross-references left as offsets.  JIF is the
// materialized form: offsets are resolved into owned values and each
// pheader owns its interval tree.  Read parses bytes into a Raw,
// validates it and materializes; Write flattens a JIF back into the
// canonical layout and emits it.
//
// Transformations operate on the materialized form: BuildITrees and
// Dedup rebuild the interval trees (deduplicating identical private
// pages), Rename retargets backing-file paths, and AddOrd derives an
// ordering section from a timestamped access log.
package jif
