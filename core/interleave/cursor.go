// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package interleave

import (
	"context"
	"io"

	"github.com/yandex/outlet/core"
)

type read struct {
	done  chan struct{}
	chunk []byte
	err   error
}

// cursor is resumable reader of worker input.
// Read that was interrupted stays in flight, and is awaited on next call,
// so no chunk is lost between worker turns.
type cursor struct {
	name     string
	src      core.ChunkReader
	inflight *read
	eof      bool
}

func newCursor(name string, src core.ChunkReader) *cursor {
	return &cursor{name: name, src: src}
}

func (c *cursor) arm(ctx context.Context) *read {
	if c.inflight == nil {
		r := &read{done: make(chan struct{})}
		c.inflight = r
		go func() {
			r.chunk, r.err = c.src.Next(ctx)
			close(r.done)
		}()
	}
	return c.inflight
}

// ready returns channel that is closed when cursor has result to take.
// Nil channel is returned for exhausted cursor: it never becomes ready.
func (c *cursor) ready(ctx context.Context) <-chan struct{} {
	if c.eof {
		return nil
	}
	return c.arm(ctx).done
}

// next waits for next chunk until interrupt is closed.
// Returns interrupted true if interrupt fired before chunk was read.
// Returns io.EOF once source is exhausted.
func (c *cursor) next(ctx context.Context, interrupt <-chan struct{}) (chunk []byte, interrupted bool, err error) {
	if c.eof {
		return nil, false, io.EOF
	}
	r := c.arm(ctx)
	select {
	case <-r.done:
	default:
		select {
		case <-r.done:
		case <-interrupt:
			return nil, true, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
	c.inflight = nil
	if r.err == io.EOF {
		c.eof = true
	}
	return r.chunk, false, r.err
}
