// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package netutil

import (
	"context"
	"net"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/pkg/errors"
)

type Dialer interface {
	DialContext(ctx context.Context, net, addr string) (net.Conn, error)
}

var _ Dialer = &net.Dialer{}

type DialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

func (f DialerFunc) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

// NewDNSCachingDialer returns dialer that remembers remote address on first
// successful dial, and use it until cache forgets it.
func NewDNSCachingDialer(dialer Dialer, cache DNSCache) DialerFunc {
	return func(ctx context.Context, network, addr string) (conn net.Conn, err error) {
		resolved, ok := cache.Get(addr)
		if ok {
			return dialer.DialContext(ctx, network, resolved)
		}
		conn, err = dialer.DialContext(ctx, network, addr)
		if err != nil {
			return
		}
		remoteAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
		if !ok {
			return conn, nil
		}
		_, port, err := net.SplitHostPort(addr)
		if err != nil {
			conn.Close()
			return nil, errors.Wrap(err, "invalid address, but successful dial - should not happen")
		}
		cache.Add(addr, net.JoinHostPort(remoteAddr.IP.String(), port))
		return
	}
}

type DNSCache interface {
	Get(addr string) (string, bool)
	Add(addr, resolved string)
}

// TTLDNSCache forgets resolved addresses after ttl, so remote outlet hosts
// moved to other addresses are picked up without restart.
type TTLDNSCache struct {
	cache *ttlcache.Cache[string, string]
}

func NewDNSCache(ttl time.Duration) *TTLDNSCache {
	if ttl <= 0 {
		ttl = ttlcache.NoTTL
	}
	return &TTLDNSCache{
		cache: ttlcache.New[string, string](
			ttlcache.WithTTL[string, string](ttl),
			ttlcache.WithDisableTouchOnHit[string, string](),
		),
	}
}

func (c *TTLDNSCache) Get(addr string) (string, bool) {
	item := c.cache.Get(addr)
	if item == nil {
		return "", false
	}
	return item.Value(), true
}

func (c *TTLDNSCache) Add(addr, resolved string) {
	c.cache.Set(addr, resolved, ttlcache.DefaultTTL)
}
