// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package monitoring

import (
	"expvar"
	"time"
)

// Rate is per second increase of counter between two ticks.
// Rate is not goroutine safe: Tick should be called from one goroutine.
type Rate struct {
	Counter
	src  *Counter
	last int64
	at   time.Time
}

// NewRate creates rate of src published as expvar name. Empty name is not published.
func NewRate(name string, src *Counter, now time.Time) *Rate {
	r := &Rate{src: src, last: src.Get(), at: now}
	if name != "" {
		expvar.Publish(name, r)
	}
	return r
}

// Tick updates rate and returns counter increase since previous tick.
func (r *Rate) Tick(now time.Time) (delta int64) {
	cur := r.src.Get()
	delta = cur - r.last
	if elapsed := now.Sub(r.at).Seconds(); elapsed > 0 {
		r.Set(int64(float64(delta) / elapsed))
	}
	r.last, r.at = cur, now
	return delta
}
