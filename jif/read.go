// Copyright 2024 The jiftools Authors. All rights reserved.
// Use of this source code is governed by the MIT License
// that can be found in the LICENSE file.

package jif

import (
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

type readConfig struct {
	logger *zap.Logger
}

// ReadOption configures a read.
type ReadOption func(*readConfig)

// WithLogger routes recoverable findings and section accounting to l.
func WithLogger(l *zap.Logger) ReadOption {
	return func(c *readConfig) {
		c.logger = l
	}
}

func newReadConfig(opts []ReadOption) *readConfig {
	c := &readConfig{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// parseRaw pulls the declared sections out of data.  It is a single
// linear pass over the declared lengths: it never looks past the
// declared end of any section and does not interpret the records beyond
// their strides.
func parseRaw(data []byte, logger *zap.Logger) (*Raw, error) {
	var h fileHeader
	if err := h.unmarshal(data); err != nil {
		return nil, err
	}

	section := func(idx int, stride uint64, name string) ([]byte, error) {
		sec := h.sections[idx]
		if sec.end() < sec.off || sec.end() > uint64(len(data)) {
			return nil, fmt.Errorf("%w: %s section [%d, %d) exceeds input (%d bytes)", ErrTruncated, name, sec.off, sec.end(), len(data))
		}
		if stride != 0 && sec.size%stride != 0 {
			return nil, fmt.Errorf("%s section size %d is not a multiple of the record stride %d", name, sec.size, stride)
		}
		return data[sec.off:sec.end()], nil
	}

	pheaderBytes, err := section(secPHeaders, pheaderStride, "pheader")
	if err != nil {
		return nil, err
	}
	nodeBytes, err := section(secITreeNodes, nodeStride, "itree node")
	if err != nil {
		return nil, err
	}
	ordBytes, err := section(secOrdChunks, ordStride, "ord chunk")
	if err != nil {
		return nil, err
	}
	stringBytes, err := section(secStrings, 0, "string")
	if err != nil {
		return nil, err
	}
	dataBytes, err := section(secData, 0, "data")
	if err != nil {
		return nil, err
	}
	raw := &Raw{
		PHeaders:    make([]RawPHeader, len(pheaderBytes)/pheaderStride),
		ITreeNodes:  make([]RawITreeNode, len(nodeBytes)/nodeStride),
		OrdChunks:   make([]OrdChunk, len(ordBytes)/ordStride),
		StringArena: stringBytes,
		Data:        dataBytes,
	}
	for i := range raw.PHeaders {
		raw.PHeaders[i] = parseRawPHeader(pheaderBytes[i*pheaderStride:])
	}
	for i := range raw.ITreeNodes {
		raw.ITreeNodes[i] = parseRawITreeNode(nodeBytes[i*nodeStride:])
	}
	for i := range raw.OrdChunks {
		raw.OrdChunks[i] = parseOrdChunk(ordBytes[i*ordStride:])
	}

	logger.Debug("parsed jif sections",
		zap.Int("pheaders", len(raw.PHeaders)),
		zap.Int("itree_nodes", len(raw.ITreeNodes)),
		zap.Int("ord_chunks", len(raw.OrdChunks)),
		zap.Int("string_bytes", len(raw.StringArena)),
		zap.Int("data_bytes", len(raw.Data)))

	return raw, nil
}

// ReadRaw parses and validates a JIF byte stream without materializing.
// The returned Raw borrows the string arena and data blob from data.
func ReadRaw(data []byte, opts ...ReadOption) (*Raw, []error, error) {
	cfg := newReadConfig(opts)
	raw, err := parseRaw(data, cfg.logger)
	if err != nil {
		return nil, nil, err
	}
	recov, err := raw.check()
	if err != nil {
		return nil, nil, err
	}
	logRecoverable(cfg.logger, recov)
	return raw, recov, nil
}

// Read parses, validates and materializes a JIF byte stream.  Fatal
// errors abort; recoverable findings are returned alongside the image.
// The returned JIF owns all of its memory.
func Read(data []byte, opts ...ReadOption) (*JIF, []error, error) {
	cfg := newReadConfig(opts)
	raw, err := parseRaw(data, cfg.logger)
	if err != nil {
		return nil, nil, err
	}
	j, recov, err := raw.Materialize()
	if err != nil {
		return nil, nil, err
	}
	logRecoverable(cfg.logger, recov)
	return j, recov, nil
}

// ReadStrict is Read, failing when any recoverable finding surfaces.
func ReadStrict(data []byte, opts ...ReadOption) (*JIF, error) {
	j, recov, err := Read(data, opts...)
	if err != nil {
		return nil, err
	}
	if len(recov) > 0 {
		return nil, multierr.Combine(recov...)
	}
	return j, nil
}

func logRecoverable(logger *zap.Logger, recov []error) {
	for _, err := range recov {
		logger.Warn("recoverable jif error", zap.Error(err))
	}
}
