// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package navigation

import (
	"net/url"
	"sync"
)

// History is session history of the page.
type History interface {
	Location() string
	Push(location string)
	Replace(location string)
}

// MemoryHistory is in-memory History with back and forward traversal.
type MemoryHistory struct {
	mu      sync.Mutex
	entries []string
	index   int
}

var _ History = (*MemoryHistory)(nil)

func NewMemoryHistory(location string) *MemoryHistory {
	return &MemoryHistory{entries: []string{location}}
}

func (h *MemoryHistory) Location() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.entries[h.index]
}

// Push adds entry after the current one. Forward entries are discarded.
func (h *MemoryHistory) Push(location string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries[:h.index+1], location)
	h.index++
}

func (h *MemoryHistory) Replace(location string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries[h.index] = location
}

// Back moves to the previous entry and returns its location.
func (h *MemoryHistory) Back() (string, bool) {
	return h.Go(-1)
}

func (h *MemoryHistory) Forward() (string, bool) {
	return h.Go(1)
}

// Go moves delta entries. Returns false and does not move, if there is no such entry.
func (h *MemoryHistory) Go(delta int) (string, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	i := h.index + delta
	if i < 0 || i >= len(h.entries) {
		return "", false
	}
	h.index = i
	return h.entries[i], true
}

func (h *MemoryHistory) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// hashOnlyChange returns true if locations differ in fragment only.
func hashOnlyChange(from, to string) bool {
	a, err := url.Parse(from)
	if err != nil {
		return false
	}
	b, err := url.Parse(to)
	if err != nil {
		return false
	}
	a.Fragment, a.RawFragment = "", ""
	b.Fragment, b.RawFragment = "", ""
	return a.String() == b.String()
}
