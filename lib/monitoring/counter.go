// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

// Package monitoring contains expvar published metrics.
package monitoring

import (
	"expvar"
	"strconv"

	"go.uber.org/atomic"
)

// Counter is int64 counter. Zero value is ready to use and not published.
type Counter struct {
	v atomic.Int64
}

var _ expvar.Var = (*Counter)(nil)

// NewCounter creates counter published as expvar name.
// Publishing same name twice panics, as expvar.Publish does.
func NewCounter(name string) *Counter {
	c := &Counter{}
	expvar.Publish(name, c)
	return c
}

func (c *Counter) Inc() { c.v.Inc() }

func (c *Counter) Add(delta int64) { c.v.Add(delta) }

func (c *Counter) Set(value int64) { c.v.Store(value) }

func (c *Counter) Get() int64 { return c.v.Load() }

func (c *Counter) String() string { return strconv.FormatInt(c.Get(), 10) }
