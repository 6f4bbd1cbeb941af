// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package interleave

import (
	"context"
	"sync"

	"github.com/yandex/outlet/core"
)

// Tee splits src into two independent readers. Each branch gets every chunk.
// Chunks are buffered for lagging branch, so one branch never blocks other.
func Tee(src core.ChunkReader) (core.ChunkReader, core.ChunkReader) {
	t := &tee{src: src, sem: make(chan struct{}, 1)}
	return &teeBranch{t, 0}, &teeBranch{t, 1}
}

type tee struct {
	src    core.ChunkReader
	sem    chan struct{} // Held by branch reading src.
	mu     sync.Mutex
	queues [2][][]byte
	err    error
}

type teeBranch struct {
	t *tee
	i int
}

func (b *teeBranch) Next(ctx context.Context) ([]byte, error) {
	t := b.t
	if chunk, err, ok := b.pop(); ok {
		return chunk, err
	}
	select {
	case t.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-t.sem }()
	// Other branch could have read while we were waiting.
	if chunk, err, ok := b.pop(); ok {
		return chunk, err
	}
	chunk, err := t.src.Next(ctx)
	t.mu.Lock()
	if err != nil {
		t.err = err
	} else {
		t.queues[1-b.i] = append(t.queues[1-b.i], chunk)
	}
	t.mu.Unlock()
	return chunk, err
}

func (b *teeBranch) pop() (chunk []byte, err error, ok bool) {
	t := b.t
	t.mu.Lock()
	defer t.mu.Unlock()
	q := t.queues[b.i]
	if len(q) > 0 {
		chunk = q[0]
		q[0] = nil
		t.queues[b.i] = q[1:]
		return chunk, nil, true
	}
	if t.err != nil {
		return nil, t.err, true
	}
	return nil, nil, false
}
