// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package storage

import (
	"context"

	"github.com/jellydator/ttlcache/v3"

	"github.com/yandex/outlet/core"
)

// Memory is in process storage. Items never expire by time: response cache
// checks expiration itself. When capacity is set, least recently used items are evicted.
type Memory struct {
	items *ttlcache.Cache[string, []byte]
}

var _ core.Storage = (*Memory)(nil)

func NewMemory(capacity uint64) *Memory {
	opts := []ttlcache.Option[string, []byte]{
		ttlcache.WithTTL[string, []byte](ttlcache.NoTTL),
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, []byte](capacity))
	}
	return &Memory{items: ttlcache.New[string, []byte](opts...)}
}

func (m *Memory) GetItem(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	item := m.items.Get(key)
	if item == nil {
		return nil, false, nil
	}
	return clone(item.Value()), true, nil
}

func (m *Memory) SetItem(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.items.Set(key, clone(value), ttlcache.DefaultTTL)
	return nil
}

func (m *Memory) RemoveItem(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.items.Delete(key)
	return nil
}

// Len returns number of stored items.
func (m *Memory) Len() int {
	return m.items.Len()
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
