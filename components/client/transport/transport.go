// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

// Package transport fetches or reuses flight payloads for (outlet, url).
package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"

	"github.com/cespare/xxhash/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/yandex/outlet/core"
	"github.com/yandex/outlet/core/flight"
	"github.com/yandex/outlet/core/interleave"
	"github.com/yandex/outlet/lib/errutil"
	"github.com/yandex/outlet/lib/monitoring"
	"github.com/yandex/outlet/lib/netutil"
)

// EnvironmentName is set to FlightError.EnvironmentName for transport failures,
// so that they can be told apart from errors thrown by server components.
const EnvironmentName = "Transport"

// ErrAborted is returned when request was superseded by newer request for the same outlet.
// It is not a failure: caller should drop result silently.
var ErrAborted = errors.New("flight request aborted")

var errorSentinel = []byte("0:null\n")

type Config struct {
	Origin string                `config:"origin" validate:"required,url"`
	Client netutil.ClientConfig `config:"client"`
}

func DefaultConfig() Config {
	conf := Config{Client: netutil.DefaultClientConfig()}
	conf.Client.Redirect = true
	return conf
}

// Options of single GetFlightResponse call.
type Options struct {
	// Outlet is outlet name. Empty for page root.
	Outlet string
	// Prefetch marks speculative request. Prefetched value is kept aside and is not
	// reused by later calls until promoted.
	Prefetch bool
	// NoCache bypasses cached value.
	NoCache bool
	// KeepPrefetch keeps in-flight prefetch of outlet running on navigation.
	KeepPrefetch bool
	// Method, Body and ContentType are passed through for server action submissions.
	Method      string
	Body        []byte
	ContentType string
	Header      http.Header
}

// FlightError describes failed flight request. Value returned together with it
// resolves to empty tree, so that consumers never hang.
type FlightError struct {
	Outlet          string
	URL             string
	Digest          string
	EnvironmentName string
	Err             error
}

func (e *FlightError) Error() string {
	return fmt.Sprintf("outlet %q flight %s: %s", e.Outlet, e.URL, e.Err)
}

func (e *FlightError) Cause() error  { return e.Err }
func (e *FlightError) Unwrap() error { return e.Err }

// RenderFunc is notified when server action response is a new render of outlet.
type RenderFunc func(ctx context.Context, outlet, url string, value core.Value)

type Metrics struct {
	Requests *monitoring.Counter
	Reused   *monitoring.Counter
	Aborted  *monitoring.Counter
	Failed   *monitoring.Counter
}

func NewMetrics(prefix string) Metrics {
	return Metrics{
		Requests: monitoring.NewCounter(prefix + "_Requests"),
		Reused:   monitoring.NewCounter(prefix + "_Reused"),
		Aborted:  monitoring.NewCounter(prefix + "_Aborted"),
		Failed:   monitoring.NewCounter(prefix + "_Failed"),
	}
}

type Params struct {
	Client       *http.Client
	Origin       *url.URL
	Deserializer core.Deserializer
	// OnError is notified about every failed request, except aborted ones.
	OnError func(*FlightError)
	// OnRender is notified about outlet renders produced by server actions.
	OnRender RenderFunc
	Metrics  Metrics
}

type entry struct {
	url   string
	value core.Value
}

type request struct {
	url    string
	cancel context.CancelFunc
}

type Transport struct {
	log      *zap.Logger
	client   *http.Client
	origin   *url.URL
	deser    core.Deserializer
	onError  func(*FlightError)
	onRender RenderFunc
	metrics  Metrics

	mu          sync.Mutex
	cache       map[string]*entry
	prefetched  map[string]*entry
	urls        map[string]string
	navigations map[string]*request
	prefetches  map[string]*request
	bootstrap   core.ChunkReader
	hydration   core.ChunkReader
	inline      core.ChunkReader
	teed        bool
	reused      bool
}

// NewFromConfig creates transport with HTTP client built from conf.
func NewFromConfig(log *zap.Logger, conf Config, deser core.Deserializer) (*Transport, error) {
	origin, err := url.Parse(conf.Origin)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	client, err := netutil.NewClient(conf.Client)
	if err != nil {
		return nil, err
	}
	return New(log, Params{Client: client, Origin: origin, Deserializer: deser}), nil
}

func New(log *zap.Logger, p Params) *Transport {
	if log == nil {
		log = zap.L()
	}
	if p.Client == nil {
		p.Client = http.DefaultClient
	}
	if p.Origin == nil {
		p.Origin = &url.URL{Path: "/"}
	}
	m := &p.Metrics
	for _, c := range []**monitoring.Counter{&m.Requests, &m.Reused, &m.Aborted, &m.Failed} {
		if *c == nil {
			*c = &monitoring.Counter{}
		}
	}
	return &Transport{
		log:         log,
		client:      p.Client,
		origin:      p.Origin,
		deser:       p.Deserializer,
		onError:     p.OnError,
		onRender:    p.OnRender,
		metrics:     p.Metrics,
		cache:       map[string]*entry{},
		prefetched:  map[string]*entry{},
		urls:        map[string]string{},
		navigations: map[string]*request{},
		prefetches:  map[string]*request{},
	}
}

// SetOnRender sets server action render hook. Should be called before any request.
func (t *Transport) SetOnRender(f RenderFunc) {
	t.mu.Lock()
	t.onRender = f
	t.mu.Unlock()
}

// SetBootstrap sets inline flight stream of initially loaded document.
// The stream is consumed once: by the first root outlet request and by Hydration.
func (t *Transport) SetBootstrap(r io.Reader) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.bootstrap = core.ReaderChunks(r, 0)
	t.hydration, t.inline = nil, nil
	t.teed, t.reused = false, false
}

// Hydration returns hydrator branch of bootstrap stream, or nil if there is none.
func (t *Transport) Hydration(ctx context.Context) io.Reader {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tee()
	if t.hydration == nil {
		return nil
	}
	h := t.hydration
	t.hydration = nil
	return core.ChunksReader(ctx, h)
}

func (t *Transport) tee() {
	if t.teed || t.bootstrap == nil {
		return
	}
	t.teed = true
	t.hydration, t.inline = interleave.Tee(t.bootstrap)
}

// GetFlightResponse returns value of outlet flight for target url.
// On failure value resolving to empty tree is returned together with *FlightError.
// Superseded request returns ErrAborted and nil value.
func (t *Transport) GetFlightResponse(ctx context.Context, target string, opts Options) (core.Value, error) {
	outlet := opts.Outlet
	if flight.IsRoot(outlet) {
		outlet = ""
	}
	t.mu.Lock()
	if e := t.cache[outlet]; e != nil && e.url == target && !opts.NoCache && opts.Method == "" {
		t.mu.Unlock()
		t.metrics.Reused.Inc()
		return e.value, nil
	}
	if outlet == "" && t.bootstrap != nil && !t.reused {
		t.reused = true
		t.tee()
		value, err := t.deser.Deserialize(ctx, core.ChunksReader(context.Background(), t.inline), t.CallServer(outlet))
		t.inline = nil
		if err == nil {
			t.cache[outlet] = &entry{url: target, value: value}
			t.urls[outlet] = target
		}
		t.mu.Unlock()
		t.log.Debug("Inline bootstrap flight reused", zap.String("url", target))
		return value, err
	}
	inflight := t.navigations
	if opts.Prefetch {
		inflight = t.prefetches
	} else if r := t.prefetches[outlet]; r != nil && r.url != target && !opts.KeepPrefetch {
		t.abort(t.prefetches, outlet)
	}
	t.abort(inflight, outlet)
	reqCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	req := &request{url: target, cancel: cancel}
	inflight[outlet] = req
	t.mu.Unlock()

	t.metrics.Requests.Inc()
	value, err := t.fetch(reqCtx, outlet, target, opts)
	if err == nil {
		_, err = value.Wait(reqCtx)
	}

	if err != nil && !errutil.IsCtxError(reqCtx, err) {
		t.mu.Lock()
		if inflight[outlet] == req {
			delete(inflight, outlet)
		}
		t.mu.Unlock()
		return t.failure(outlet, target, err)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if inflight[outlet] == req {
		delete(inflight, outlet)
	}
	if reqCtx.Err() != nil && ctx.Err() == nil {
		t.metrics.Aborted.Inc()
		for _, cache := range []map[string]*entry{t.cache, t.prefetched} {
			if e := cache[outlet]; e != nil && e.url == target {
				delete(cache, outlet)
			}
		}
		t.log.Debug("Flight request aborted", zap.String("outlet", outlet), zap.String("url", target))
		return nil, ErrAborted
	}
	if err != nil {
		return nil, err
	}
	if opts.Prefetch {
		t.prefetched[outlet] = &entry{url: target, value: value}
		return value, nil
	}
	t.cache[outlet] = &entry{url: target, value: value}
	t.urls[outlet] = target
	return value, nil
}

// Cached returns cached value of outlet.
func (t *Transport) Cached(outlet string) (target string, value core.Value, ok bool) {
	if flight.IsRoot(outlet) {
		outlet = ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.cache[outlet]
	if e == nil {
		return "", nil, false
	}
	return e.url, e.value, true
}

// Promote makes prefetched value of outlet for target the cached one.
// Returns false if there is no such prefetched value.
func (t *Transport) Promote(outlet, target string) (core.Value, bool) {
	if flight.IsRoot(outlet) {
		outlet = ""
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	e := t.prefetched[outlet]
	if e == nil || e.url != target {
		return nil, false
	}
	delete(t.prefetched, outlet)
	t.cache[outlet] = e
	t.urls[outlet] = target
	return e.value, true
}

// Drop removes cached and prefetched values of outlet.
func (t *Transport) Drop(outlet string) {
	if flight.IsRoot(outlet) {
		outlet = ""
	}
	t.mu.Lock()
	delete(t.cache, outlet)
	delete(t.prefetched, outlet)
	t.mu.Unlock()
}

// Abort cancels all in-flight requests of outlet.
func (t *Transport) Abort(outlet string) {
	if flight.IsRoot(outlet) {
		outlet = ""
	}
	t.mu.Lock()
	t.abort(t.navigations, outlet)
	t.abort(t.prefetches, outlet)
	t.mu.Unlock()
}

func (t *Transport) abort(inflight map[string]*request, outlet string) {
	if r := inflight[outlet]; r != nil {
		r.cancel()
		delete(inflight, outlet)
	}
}

func (t *Transport) failure(outlet, target string, err error) (core.Value, error) {
	t.metrics.Failed.Inc()
	ferr := &FlightError{
		Outlet:          outlet,
		URL:             target,
		Digest:          fmt.Sprintf("%016x", xxhash.Sum64String(err.Error())),
		EnvironmentName: EnvironmentName,
		Err:             err,
	}
	t.log.Warn("Flight request failed", zap.String("outlet", outlet), zap.String("url", target), zap.Error(err))
	value, derr := t.deser.Deserialize(context.Background(), bytes.NewReader(errorSentinel), nil)
	if derr != nil {
		return nil, errutil.Join(ferr, derr)
	}
	if t.onError != nil {
		t.onError(ferr)
	}
	return value, ferr
}

func (t *Transport) endpoint(target, outlet string) (*url.URL, error) {
	ref, err := url.Parse(target)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	u := t.origin.ResolveReference(ref)
	u.Path = flight.Path(u.Path, outlet)
	u.RawPath = ""
	return u, nil
}

func (t *Transport) newRequest(ctx context.Context, method, target, outlet string, body io.Reader) (*http.Request, error) {
	u, err := t.endpoint(target, outlet)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	req.Header.Set(flight.HeaderAccept, flight.AcceptHeader(false, false))
	if outlet != "" {
		req.Header.Set(flight.HeaderOutlet, outlet)
	}
	return req, nil
}

func (t *Transport) fetch(ctx context.Context, outlet, target string, opts Options) (core.Value, error) {
	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if opts.Body != nil {
		body = bytes.NewReader(opts.Body)
	}
	req, err := t.newRequest(ctx, method, target, outlet, body)
	if err != nil {
		return nil, err
	}
	for k, vs := range opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if opts.Prefetch {
		req.Header.Set(flight.HeaderPrefetch, "true")
	}
	if opts.NoCache {
		req.Header.Set(flight.HeaderCacheControl, "no-cache")
	}
	if opts.ContentType != "" {
		req.Header.Set("Content-Type", opts.ContentType)
	}
	resp, err := t.do(req)
	if err != nil {
		return nil, err
	}
	return t.deser.Deserialize(ctx, eofCloser{resp.Body}, t.CallServer(outlet))
}

func (t *Transport) do(req *http.Request) (*http.Response, error) {
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if resp.StatusCode/100 != 2 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, errors.Errorf("%s %s: %s", req.Method, req.URL, resp.Status)
	}
	return resp, nil
}

var actionJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// CallServer returns server reference invoker bound to outlet.
// Arguments are posted as JSON to the last fetched url of outlet.
func (t *Transport) CallServer(outlet string) core.CallServer {
	return func(ctx context.Context, id string, args []interface{}) (interface{}, error) {
		data, err := actionJSON.Marshal(args)
		if err != nil {
			return nil, errors.Wrapf(err, "action %s arguments", id)
		}
		t.mu.Lock()
		target := t.urls[outlet]
		t.mu.Unlock()
		if target == "" {
			target = "/"
		}
		req, err := t.newRequest(ctx, http.MethodPost, target, outlet, bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		req.Header.Set(flight.HeaderAction, id)
		req.Header.Set("Content-Type", "application/json")
		resp, err := t.do(req)
		if err != nil {
			return nil, errors.WithMessagef(err, "action %s", id)
		}
		if resp.Header.Get(flight.HeaderData) != "" {
			v, err := t.deser.Deserialize(ctx, eofCloser{resp.Body}, t.CallServer(outlet))
			if err != nil {
				return nil, err
			}
			return v.Wait(ctx)
		}
		renderOutlet := flight.SanitizeOutlet(resp.Header.Get(flight.HeaderOutlet))
		if resp.Header.Get(flight.HeaderOutlet) == "" {
			renderOutlet = outlet
		}
		renderURL := resp.Header.Get(flight.HeaderRender)
		if renderURL == "" {
			renderURL = target
		}
		if flight.IsRoot(renderOutlet) {
			renderOutlet = ""
		}
		v, err := t.deser.Deserialize(ctx, eofCloser{resp.Body}, t.CallServer(renderOutlet))
		if err != nil {
			return nil, err
		}
		t.mu.Lock()
		t.cache[renderOutlet] = &entry{url: renderURL, value: v}
		t.urls[renderOutlet] = renderURL
		onRender := t.onRender
		t.mu.Unlock()
		t.log.Debug("Action rendered outlet", zap.String("action", id),
			zap.String("outlet", renderOutlet), zap.String("url", renderURL))
		if onRender != nil {
			onRender(ctx, renderOutlet, renderURL, v)
		}
		return nil, nil
	}
}

// eofCloser closes response body as soon as it is drained.
type eofCloser struct {
	io.ReadCloser
}

func (c eofCloser) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	if err != nil {
		_ = c.ReadCloser.Close()
	}
	return n, err
}
