// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

// Package coretest contains test doubles and helpers for core interfaces.
package coretest

import (
	"context"
	"io"
	"strings"

	"github.com/yandex/outlet/core"
)

// Chunks returns reader of fixed chunks.
func Chunks(chunks ...string) core.ChunkReader {
	return &fixed{chunks: chunks}
}

type fixed struct {
	chunks []string
}

func (c *fixed) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(c.chunks) == 0 {
		return nil, io.EOF
	}
	next := c.chunks[0]
	c.chunks = c.chunks[1:]
	return []byte(next), nil
}

// Failing returns reader that fails with err after chunks.
func Failing(err error, chunks ...string) core.ChunkReader {
	return &failing{ChunkReader: Chunks(chunks...), err: err}
}

type failing struct {
	core.ChunkReader
	err error
}

func (f *failing) Next(ctx context.Context) ([]byte, error) {
	chunk, err := f.ChunkReader.Next(ctx)
	if err == io.EOF {
		return nil, f.err
	}
	return chunk, err
}

type item struct {
	chunk []byte
	err   error
}

// Stream is chunk reader driven by test. Chunks are passed to reader one by
// one, so test can control interleaving of concurrent streams.
type Stream struct {
	items chan item
	// Reads is signaled on every Next call.
	Reads chan struct{}
}

func NewStream() *Stream {
	return &Stream{
		items: make(chan item),
		Reads: make(chan struct{}, 128),
	}
}

// Send blocks until chunk is read.
func (s *Stream) Send(chunk string) {
	s.items <- item{chunk: []byte(chunk)}
}

// Fail makes pending or next Next return err.
func (s *Stream) Fail(err error) {
	s.items <- item{err: err}
}

// Close makes all following Next calls return io.EOF.
func (s *Stream) Close() {
	close(s.items)
}

func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	select {
	case s.Reads <- struct{}{}:
	default:
	}
	select {
	case it, ok := <-s.items:
		if !ok {
			return nil, io.EOF
		}
		return it.chunk, it.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReadAll reads everything from chunk reader.
func ReadAll(ctx context.Context, r core.ChunkReader) (string, error) {
	var b strings.Builder
	for {
		chunk, err := r.Next(ctx)
		if err == io.EOF {
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
		b.Write(chunk)
	}
}
