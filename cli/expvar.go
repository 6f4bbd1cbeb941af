// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package cli

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/yandex/outlet/components/server"
	"github.com/yandex/outlet/lib/monitoring"
)

func newServerMetrics() server.Metrics {
	return server.NewMetrics("server")
}

// startReport logs request rate and cache hit ratio every period, and publishes them as expvars.
func startReport(ctx context.Context, log *zap.Logger, m server.Metrics, period time.Duration) {
	now := time.Now()
	reqPS := monitoring.NewRate("server_ReqPS", m.Requests, now)
	hits := monitoring.NewRate("", m.CacheHits, now)
	misses := monitoring.NewRate("", m.CacheMisses, now)
	hitPercent := monitoring.NewCounter("server_CacheHitPercent")
	go func() {
		ticker := time.NewTicker(period)
		defer ticker.Stop()
		for {
			var now time.Time
			select {
			case <-ctx.Done():
				return
			case now = <-ticker.C:
			}
			reqPS.Tick(now)
			hit, miss := hits.Tick(now), misses.Tick(now)
			if hit+miss > 0 {
				hitPercent.Set(100 * hit / (hit + miss))
			}
			log.Info("[SERVER] report",
				zap.Int64("req/s", reqPS.Get()),
				zap.Int64("cache-hit%", hitPercent.Get()),
				zap.Int64("redirects", m.Redirects.Get()),
				zap.Int64("failures", m.Failures.Get()),
				zap.Int64("remote-failures", m.RemoteFailures.Get()))
		}
	}()
}
