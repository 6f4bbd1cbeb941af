// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

// Package server is HTTP render endpoint. It serves page HTML with interleaved
// flight and remote outlets, flight only responses of page or outlet, and
// server action calls, memoizing responses in tag cache.
package server

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/yandex/outlet/core"
	"github.com/yandex/outlet/core/config"
	"github.com/yandex/outlet/core/flight"
	"github.com/yandex/outlet/core/interleave"
	"github.com/yandex/outlet/core/tagcache"
	"github.com/yandex/outlet/lib/errutil"
	"github.com/yandex/outlet/lib/monitoring"
	"github.com/yandex/outlet/lib/netutil"
)

// Cache kinds, that tell apart cached HTML and flight responses of the same url.
const (
	HTMLCache = "HTML_CACHE"
	RSCCache  = "RSC_CACHE"
)

type Config struct {
	Interleave interleave.Config `config:",squash"`
	// ChunkSize is read size of remote outlet streams.
	ChunkSize datasize.ByteSize `config:"chunk-size" validate:"min-size=1b"`
	// MaxActionBody limits submitted action payload.
	MaxActionBody datasize.ByteSize    `config:"max-action-body" validate:"min-size=1b"`
	Cache         CacheConfig          `config:"cache"`
	RemoteOutlets []RemoteOutlet       `config:"remote-outlets" validate:"dive"`
	Client        netutil.ClientConfig `config:"client"`
}

var _ = config.RegisterCustom(validateConfig, Config{})

// validateConfig rejects remote outlets, that have the same name after sanitizing.
func validateConfig(h config.ValidateHandle) {
	conf := h.Value().(Config)
	seen := make(map[string]bool, len(conf.RemoteOutlets))
	for _, o := range conf.RemoteOutlets {
		name := flight.SanitizeOutlet(o.Name)
		if seen[name] {
			h.ReportError("RemoteOutlets", "duplicate outlet "+name)
		}
		seen[name] = true
	}
}

type CacheConfig struct {
	Enabled bool `config:"enabled"`
	// TTL of cached responses. Zero means cache default.
	TTL time.Duration `config:"ttl"`
	// MaxEntrySize is max cached body size. Zero means no limit.
	MaxEntrySize datasize.ByteSize `config:"max-entry-size"`
}

func DefaultConfig() Config {
	return Config{
		ChunkSize:     32 * datasize.KB,
		MaxActionBody: 10 * datasize.MB,
		Cache: CacheConfig{
			Enabled:      true,
			MaxEntrySize: 4 * datasize.MB,
		},
		Client: netutil.DefaultClientConfig(),
	}
}

type Metrics struct {
	Requests       *monitoring.Counter
	CacheHits      *monitoring.Counter
	CacheMisses    *monitoring.Counter
	NotModified    *monitoring.Counter
	Redirects      *monitoring.Counter
	Failures       *monitoring.Counter
	Actions        *monitoring.Counter
	RemoteFailures *monitoring.Counter
}

func NewMetrics(prefix string) Metrics {
	return Metrics{
		Requests:       monitoring.NewCounter(prefix + "_Requests"),
		CacheHits:      monitoring.NewCounter(prefix + "_CacheHits"),
		CacheMisses:    monitoring.NewCounter(prefix + "_CacheMisses"),
		NotModified:    monitoring.NewCounter(prefix + "_NotModified"),
		Redirects:      monitoring.NewCounter(prefix + "_Redirects"),
		Failures:       monitoring.NewCounter(prefix + "_Failures"),
		Actions:        monitoring.NewCounter(prefix + "_Actions"),
		RemoteFailures: monitoring.NewCounter(prefix + "_RemoteFailures"),
	}
}

func (m *Metrics) fill() {
	for _, c := range []**monitoring.Counter{
		&m.Requests, &m.CacheHits, &m.CacheMisses, &m.NotModified,
		&m.Redirects, &m.Failures, &m.Actions, &m.RemoteFailures,
	} {
		if *c == nil {
			*c = &monitoring.Counter{}
		}
	}
}

type Params struct {
	Renderer core.Renderer
	// Cache is optional response cache.
	Cache *tagcache.Cache
	// Client fetches remote outlets. http.DefaultClient by default.
	Client  *http.Client
	Actions *Actions
	// Errors builds response for failed render. Optional.
	Errors  core.ErrorResponder
	Metrics Metrics
}

type Server struct {
	log      *zap.Logger
	conf     Config
	renderer core.Renderer
	cache    *tagcache.Cache
	client   *http.Client
	actions  *Actions
	errors   core.ErrorResponder
	metrics  Metrics
	now      func() time.Time
}

var _ http.Handler = (*Server)(nil)

func New(log *zap.Logger, conf Config, p Params) *Server {
	if log == nil {
		log = zap.L()
	}
	if p.Client == nil {
		p.Client = http.DefaultClient
	}
	if p.Actions == nil {
		p.Actions = NewActions()
	}
	if !conf.Cache.Enabled {
		p.Cache = nil
	}
	p.Metrics.fill()
	return &Server{
		log:      log,
		conf:     conf,
		renderer: p.Renderer,
		cache:    p.Cache,
		client:   p.Client,
		actions:  p.Actions,
		errors:   p.Errors,
		metrics:  p.Metrics,
		now:      time.Now,
	}
}

func (s *Server) Metrics() Metrics {
	return s.metrics
}

func (s *Server) chunkSize() int {
	return int(s.conf.ChunkSize.Bytes())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	s.metrics.Requests.Inc()
	req, err := parseRequest(r, int64(s.conf.MaxActionBody.Bytes()))
	if err != nil {
		s.metrics.Failures.Inc()
		s.log.Warn("Request decode failed", zap.String("url", r.URL.String()), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	log := s.log.With(zap.String("url", req.render.URL.String()), zap.String("outlet", req.outletTag()))
	if req.actionID != "" {
		if done := s.invoke(ctx, w, req, log); done {
			return
		}
	}
	tags := s.tags(r, req)
	if tags != nil && !noCache(r) && s.serveCached(ctx, w, r, tags, log) {
		return
	}
	resp := s.render(ctx, req, log)
	s.write(ctx, w, resp, tags, log)
}

// invoke calls requested action. Returns true, if action call response is written.
func (s *Server) invoke(ctx context.Context, w http.ResponseWriter, req *request, log *zap.Logger) bool {
	s.metrics.Actions.Inc()
	res := &core.ActionResult{ID: req.actionID, Err: req.decodeErr}
	if req.decodeErr == nil {
		res = s.actions.Call(ctx, req.actionID, req.args)
	}
	req.render.Action = res
	if res.Err != nil {
		log.Info("Action failed", zap.String("action", res.ID), zap.Error(res.Err))
	}
	if !req.flight || !req.header {
		return false
	}
	var redirect *core.RedirectError
	switch {
	case res.Err == nil:
		s.writeActionData(w, res, log)
		return true
	case errors.As(res.Err, &redirect):
		u, err := req.render.URL.Parse(redirect.Location)
		if err != nil {
			log.Warn("Action redirect location is invalid", zap.String("location", redirect.Location), zap.Error(err))
			return false
		}
		req.render.URL = u
		req.render.Action = nil
		w.Header().Set(flight.HeaderRender, u.RequestURI())
		w.Header().Set(flight.HeaderOutlet, req.outletTag())
	}
	return false
}

func (s *Server) writeActionData(w http.ResponseWriter, res *core.ActionResult, log *zap.Logger) {
	data, err := actionJSON.Marshal(res.Value)
	if err != nil {
		log.Error("Action result encode failed", zap.String("action", res.ID), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", flight.ContentType)
	w.Header().Set(flight.HeaderData, "true")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(append(append([]byte("0:"), data...), '\n'))
}

// tags returns cache tags of request, or nil if response should not be cached.
func (s *Server) tags(r *http.Request, req *request) []string {
	if s.cache == nil || r.Method != http.MethodGet || req.actionID != "" {
		return nil
	}
	kind := HTMLCache
	if req.flight {
		kind = RSCCache
	}
	return []string{r.URL.RequestURI(), req.accept, req.outletTag(), kind}
}

func noCache(r *http.Request) bool {
	for _, v := range r.Header.Values(flight.HeaderCacheControl) {
		if strings.Contains(strings.ToLower(v), "no-cache") {
			return true
		}
	}
	return false
}

// serveCached writes cached response. Returns false on miss.
func (s *Server) serveCached(ctx context.Context, w http.ResponseWriter, r *http.Request, tags []string, log *zap.Logger) bool {
	entries, err := s.cache.Get(ctx, tags)
	if err != nil {
		log.Error("Response cache read failed", zap.Error(err))
		return false
	}
	if len(entries) == 0 {
		s.metrics.CacheMisses.Inc()
		return false
	}
	s.metrics.CacheHits.Inc()
	sort.Slice(entries, func(i, j int) bool {
		return lastModified(entries[i]).After(lastModified(entries[j]))
	})
	e := entries[0]
	h := w.Header()
	for k, vs := range e.Value.Header {
		h[k] = append([]string(nil), vs...)
	}
	if since, err := http.ParseTime(r.Header.Get(flight.HeaderModifiedSince)); err == nil {
		if !lastModified(e).After(since) {
			s.metrics.NotModified.Inc()
			w.WriteHeader(http.StatusNotModified)
			return true
		}
	}
	w.WriteHeader(e.Value.Status)
	if _, err := w.Write(e.Value.Body); err != nil {
		log.Debug("Cached response write failed", zap.Error(err))
	}
	return true
}

func lastModified(e *tagcache.Entry) time.Time {
	t, _ := http.ParseTime(e.Value.Header.Get(flight.HeaderLastModified))
	return t
}

// render renders response for request. Failures are turned into error response.
func (s *Server) render(ctx context.Context, req *request, log *zap.Logger) *core.Response {
	header := http.Header{}
	header.Set(flight.HeaderLastModified, s.now().UTC().Format(http.TimeFormat))
	stream, err := s.renderer.RenderFlight(ctx, req.render)
	if err != nil {
		return s.failure(ctx, req, err, log)
	}
	if req.flight {
		return s.flightResponse(ctx, req, stream, header, log)
	}
	fwd, branch := interleave.Tee(stream)
	html, err := s.renderer.RenderHTML(ctx, branch)
	if err != nil {
		return s.failure(ctx, req, err, log)
	}
	var outlets []interleave.Outlet
	if req.render.Outlet == "" && len(s.conf.RemoteOutlets) > 0 {
		outlets = s.remoteOutlets(ctx)
	}
	il := interleave.New(log, s.conf.Interleave, interleave.Params{
		Request: req.render,
		Flight:  fwd,
		HTML:    html,
		Outlets: outlets,
		Header:  header,
	})
	resp, err := il.Run(ctx)
	if err != nil {
		return s.failure(ctx, req, err, log)
	}
	return resp
}

// flightResponse streams flight as is. Stream is not committed until the first chunk,
// so that render errors and redirects happened before it become error response.
// Later redirect aborts the body with *core.RedirectError.
func (s *Server) flightResponse(ctx context.Context, req *request, stream core.ChunkReader, header http.Header, log *zap.Logger) *core.Response {
	first, err := stream.Next(ctx)
	if err != nil && err != io.EOF {
		return s.failure(ctx, req, err, log)
	}
	select {
	case redirect := <-req.render.Signals.Redirected():
		return s.failure(ctx, req, redirect, log)
	default:
	}
	header.Set("Content-Type", flight.ContentType)
	body := core.ChunksReader(ctx, &prepended{first: first, err: err, rest: stream, signals: req.render.Signals})
	return &core.Response{Status: http.StatusOK, Header: header, Body: io.NopCloser(body)}
}

type prepended struct {
	first   []byte
	err     error
	rest    core.ChunkReader
	signals *core.Signals
}

func (p *prepended) Next(ctx context.Context) ([]byte, error) {
	if p.first != nil {
		chunk := p.first
		p.first = nil
		return chunk, nil
	}
	if p.err != nil {
		return nil, p.err
	}
	chunk, err := p.rest.Next(ctx)
	select {
	case redirect := <-p.signals.Redirected():
		p.err = redirect
		return nil, redirect
	default:
	}
	return chunk, err
}

func (s *Server) failure(ctx context.Context, req *request, err error, log *zap.Logger) *core.Response {
	var redirect *core.RedirectError
	if errors.As(err, &redirect) {
		log.Debug("Render redirected", zap.String("location", redirect.Location))
		return redirect.Response()
	}
	if errutil.IsCtxError(ctx, err) {
		log.Debug("Render canceled", zap.Error(err))
	} else {
		log.Error("Render failed", zap.Error(err))
	}
	if s.errors != nil {
		if resp := s.errors.ErrorResponse(ctx, req.render, err); resp != nil {
			return resp
		}
	}
	h := http.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	text := http.StatusText(http.StatusInternalServerError) + "\n"
	return &core.Response{Status: http.StatusInternalServerError, Header: h, Body: io.NopCloser(strings.NewReader(text))}
}

// write streams response to client. Complete successful response is stored in cache
// under tags and its last modification time.
func (s *Server) write(ctx context.Context, w http.ResponseWriter, resp *core.Response, tags []string, log *zap.Logger) {
	body := resp.Body
	if body == nil {
		body = http.NoBody
	}
	defer body.Close()
	switch {
	case resp.Status >= 300 && resp.Status < 400:
		s.metrics.Redirects.Inc()
	case resp.Status >= 500:
		s.metrics.Failures.Inc()
	}
	h := w.Header()
	for k, vs := range resp.Header {
		h[k] = vs
	}
	w.WriteHeader(resp.Status)

	var stored *bytes.Buffer
	lm := resp.Header.Get(flight.HeaderLastModified)
	if tags != nil && resp.Status == http.StatusOK && lm != "" {
		stored = &bytes.Buffer{}
	}
	err := s.copy(w, body, stored)
	if err != nil {
		if errutil.IsCtxError(ctx, err) {
			log.Debug("Response streaming canceled", zap.Error(err))
		} else {
			log.Warn("Response streaming failed", zap.Error(err))
		}
		return
	}
	if stored == nil {
		return
	}
	if limit := s.conf.Cache.MaxEntrySize.Bytes(); limit > 0 && uint64(stored.Len()) > limit {
		log.Debug("Response is too large to cache", zap.Int("size", stored.Len()))
		return
	}
	value := tagcache.Value{Body: stored.Bytes(), Status: resp.Status, Header: resp.Header.Clone()}
	err = s.cache.Set(ctx, append(tags, lm), value, s.conf.Cache.TTL)
	if err != nil {
		log.Error("Response cache write failed", zap.Error(err))
	}
}

func (s *Server) copy(w http.ResponseWriter, body io.Reader, stored *bytes.Buffer) error {
	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 32*1024)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return errors.WithStack(werr)
			}
			if stored != nil {
				stored.Write(buf[:n])
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
