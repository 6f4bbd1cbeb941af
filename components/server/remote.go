// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/yandex/outlet/core"
	"github.com/yandex/outlet/core/flight"
	"github.com/yandex/outlet/core/interleave"
)

// RemoteOutlet is outlet rendered by other outlet server.
type RemoteOutlet struct {
	// Name is outlet name, that page marks placeholder with.
	Name string `config:"name" validate:"required,outlet"`
	// URL is remote page, which root flight is the outlet content.
	URL string `config:"url" validate:"required,url"`
}

// remoteOutlets fetches remote outlets concurrently. Outlet that can't be
// fetched is skipped: its placeholder stays empty.
func (s *Server) remoteOutlets(ctx context.Context) []interleave.Outlet {
	remotes := s.conf.RemoteOutlets
	fetched := make([]*interleave.Outlet, len(remotes))
	var wg sync.WaitGroup
	for i := range remotes {
		wg.Add(1)
		go func(i int, o RemoteOutlet) {
			defer wg.Done()
			out, err := s.remoteOutlet(ctx, o)
			if err != nil {
				s.metrics.RemoteFailures.Inc()
				s.log.Warn("Remote outlet fetch failed", zap.String("outlet", o.Name),
					zap.String("url", o.URL), zap.Error(err))
				return
			}
			fetched[i] = out
		}(i, remotes[i])
	}
	wg.Wait()
	var outlets []interleave.Outlet
	for _, o := range fetched {
		if o != nil {
			outlets = append(outlets, *o)
		}
	}
	return outlets
}

func (s *Server) remoteOutlet(ctx context.Context, o RemoteOutlet) (*interleave.Outlet, error) {
	stream, err := s.fetchRemote(ctx, o)
	if err != nil {
		return nil, err
	}
	fwd, branch := interleave.Tee(stream)
	html, err := s.renderer.RenderHTML(ctx, branch)
	if err != nil {
		return nil, errors.WithMessage(err, "remote flight html render")
	}
	return &interleave.Outlet{Name: flight.SanitizeOutlet(o.Name), Flight: fwd, HTML: html}, nil
}

func (s *Server) fetchRemote(ctx context.Context, o RemoteOutlet) (core.ChunkReader, error) {
	u, err := url.Parse(o.URL)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	u.Path, u.RawPath = flight.Path(u.Path, ""), ""
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	req.Header.Set(flight.HeaderAccept, flight.AcceptHeader(false, true))
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, errors.Errorf("GET %s: %s", u, resp.Status)
	}
	return &bodyChunks{ChunkReader: core.ReaderChunks(resp.Body, s.chunkSize()), body: resp.Body}, nil
}

// bodyChunks closes response body once it is drained or failed.
type bodyChunks struct {
	core.ChunkReader
	body io.Closer
}

func (c *bodyChunks) Next(ctx context.Context) ([]byte, error) {
	chunk, err := c.ChunkReader.Next(ctx)
	if err != nil {
		_ = c.body.Close()
	}
	return chunk, err
}
