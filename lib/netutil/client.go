// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package netutil

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/http2"
)

type ClientConfig struct {
	Redirect  bool            `config:"redirect"` // When true, follow HTTP redirects.
	HTTP2     bool            `config:"http2"`
	Timeout   time.Duration   `config:"timeout"`
	Dialer    DialerConfig    `config:"dial"`
	Transport TransportConfig `config:",squash"`
}

func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Transport: DefaultTransportConfig(),
		Dialer:    DefaultDialerConfig(),
		Timeout:   30 * time.Second,
	}
}

// DialerConfig can be mapped on net.Dialer.
type DialerConfig struct {
	DNSCache    bool          `config:"dns-cache"`
	DNSCacheTTL time.Duration `config:"dns-cache-ttl"`

	Timeout       time.Duration `config:"timeout"`
	FallbackDelay time.Duration `config:"fallback-delay"`
	KeepAlive     time.Duration `config:"keep-alive"`
}

func DefaultDialerConfig() DialerConfig {
	return DialerConfig{
		DNSCache:    true,
		DNSCacheTTL: time.Minute,
		Timeout:     3 * time.Second,
		KeepAlive:   120 * time.Second,
	}
}

func NewDialer(conf DialerConfig) Dialer {
	d := &net.Dialer{
		Timeout:       conf.Timeout,
		FallbackDelay: conf.FallbackDelay,
		KeepAlive:     conf.KeepAlive,
	}
	if !conf.DNSCache {
		return d
	}
	return NewDNSCachingDialer(d, NewDNSCache(conf.DNSCacheTTL))
}

// TransportConfig can be mapped on http.Transport.
type TransportConfig struct {
	TLSHandshakeTimeout   time.Duration `config:"tls-handshake-timeout"`
	DisableKeepAlives     bool          `config:"disable-keep-alives"`
	DisableCompression    bool          `config:"disable-compression"`
	MaxIdleConns          int           `config:"max-idle-conns"`
	MaxIdleConnsPerHost   int           `config:"max-idle-conns-per-host"`
	IdleConnTimeout       time.Duration `config:"idle-conn-timeout"`
	ResponseHeaderTimeout time.Duration `config:"response-header-timeout"`
	ExpectContinueTimeout time.Duration `config:"expect-continue-timeout"`
}

func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

func NewTransport(conf TransportConfig, dial Dialer) *http.Transport {
	return &http.Transport{
		TLSClientConfig:       &tls.Config{NextProtos: []string{"http/1.1"}},
		DialContext:           dial.DialContext,
		TLSHandshakeTimeout:   conf.TLSHandshakeTimeout,
		DisableKeepAlives:     conf.DisableKeepAlives,
		DisableCompression:    conf.DisableCompression,
		MaxIdleConns:          conf.MaxIdleConns,
		MaxIdleConnsPerHost:   conf.MaxIdleConnsPerHost,
		IdleConnTimeout:       conf.IdleConnTimeout,
		ResponseHeaderTimeout: conf.ResponseHeaderTimeout,
		ExpectContinueTimeout: conf.ExpectContinueTimeout,
	}
}

func NewHTTP2Transport(conf TransportConfig, dial Dialer) (*http.Transport, error) {
	tr := NewTransport(conf, dial)
	err := http2.ConfigureTransport(tr)
	if err != nil {
		return nil, errors.Wrap(err, "HTTP/2 transport configure")
	}
	tr.TLSClientConfig.NextProtos = []string{http2.NextProtoTLS, "http/1.1"}
	return tr, nil
}

func NewClient(conf ClientConfig) (*http.Client, error) {
	dial := NewDialer(conf.Dialer)
	var tr *http.Transport
	if conf.HTTP2 {
		var err error
		tr, err = NewHTTP2Transport(conf.Transport, dial)
		if err != nil {
			return nil, err
		}
	} else {
		tr = NewTransport(conf.Transport, dial)
	}
	c := &http.Client{Transport: tr, Timeout: conf.Timeout}
	if !conf.Redirect {
		c.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return c, nil
}
