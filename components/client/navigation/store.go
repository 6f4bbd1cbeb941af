// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

// Package navigation is client side outlet cache and subscription bus.
// It tracks committed value and url of every outlet, coordinates navigation,
// prefetch, refresh and rollback, and notifies outlet subscribers about renders.
package navigation

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/jellydator/ttlcache/v3"
	"go.uber.org/zap"

	"github.com/yandex/outlet/components/client/transport"
	"github.com/yandex/outlet/core"
	"github.com/yandex/outlet/core/flight"
	"github.com/yandex/outlet/lib/errutil"
)

// Transport fetches outlet flight values. Implemented by *transport.Transport.
type Transport interface {
	GetFlightResponse(ctx context.Context, url string, opts transport.Options) (core.Value, error)
	Promote(outlet, url string) (core.Value, bool)
	Drop(outlet string)
}

type Config struct {
	// FlightTTL is how long fetched values are kept for reuse by back and forward navigation.
	FlightTTL time.Duration `config:"flight-ttl"`
}

func DefaultConfig() Config {
	return Config{FlightTTL: 5 * time.Minute}
}

// Update is sent to outlet subscribers.
type Update struct {
	Outlet string
	URL    string
	Value  core.Value
	// Err is set, when flight request failed. Value resolves to empty tree then.
	Err error
}

// Listener renders update. Returned error is reported to the caller of operation
// that triggered the update.
type Listener func(ctx context.Context, u Update) error

// StaleInfo is passed to revalidate functions.
type StaleInfo struct {
	Outlet    string
	URL       string
	Timestamp time.Time
}

// NavigateOptions of Navigate. Zero value navigates root outlet and pushes history entry.
type NavigateOptions struct {
	Outlet  string
	Push    bool
	Replace bool
	// Rollback is how long pre-navigation value is kept available through Rollback.
	Rollback time.Duration
	// Revalidate is staleness policy of reused value. See IsStale.
	Revalidate interface{}
	NoCache    bool
}

type PrefetchOptions struct {
	Outlet string
	// TTL of prefetched value. Non positive means prefetched value does not expire.
	TTL        time.Duration
	Revalidate interface{}
}

type InvalidateOptions struct {
	// URL to invalidate. Current url of outlet by default.
	URL string
	// NoEmit only drops cached values, without re-render.
	NoEmit bool
}

type flightEntry struct {
	outlet    string
	url       string
	value     core.Value
	timestamp time.Time
}

// pendingPrefetch is closed when prefetch of url settled.
type pendingPrefetch struct {
	url  string
	done chan struct{}
}

type Store struct {
	log       *zap.Logger
	transport Transport
	history   History
	now       func() time.Time

	flights   *ttlcache.Cache[string, *flightEntry]
	rollbacks *ttlcache.Cache[string, core.Value]

	mu          sync.Mutex
	location    string
	active      map[string]core.Value
	outlets     map[string]string
	registered  map[string]bool
	prefetching map[string]string
	pending     map[string]*pendingPrefetch
	generation  map[string]uint64
	listeners   map[string]map[uint64]Listener
	nextID      uint64
}

// NewStore creates store. Background TTL eviction is stopped when ctx is done.
func NewStore(ctx context.Context, log *zap.Logger, tr Transport, history History, conf Config) *Store {
	if log == nil {
		log = zap.L()
	}
	ttl := conf.FlightTTL
	if ttl <= 0 {
		ttl = ttlcache.NoTTL
	}
	s := &Store{
		log:       log,
		transport: tr,
		history:   history,
		now:       time.Now,
		flights: ttlcache.New[string, *flightEntry](
			ttlcache.WithTTL[string, *flightEntry](ttl),
			ttlcache.WithDisableTouchOnHit[string, *flightEntry](),
		),
		rollbacks: ttlcache.New[string, core.Value](
			ttlcache.WithDisableTouchOnHit[string, core.Value](),
		),
		location:    history.Location(),
		active:      map[string]core.Value{},
		outlets:     map[string]string{},
		registered:  map[string]bool{},
		prefetching: map[string]string{},
		pending:     map[string]*pendingPrefetch{},
		generation:  map[string]uint64{},
		listeners:   map[string]map[uint64]Listener{},
	}
	s.flights.OnEviction(func(_ context.Context, _ ttlcache.EvictionReason, item *ttlcache.Item[string, *flightEntry]) {
		e := item.Value()
		s.mu.Lock()
		if s.prefetching[e.outlet] == e.url {
			delete(s.prefetching, e.outlet)
		}
		s.mu.Unlock()
	})
	if r, ok := tr.(interface{ SetOnRender(transport.RenderFunc) }); ok {
		r.SetOnRender(s.actionRendered)
	}
	go s.flights.Start()
	go s.rollbacks.Start()
	go func() {
		<-ctx.Done()
		s.flights.Stop()
		s.rollbacks.Stop()
	}()
	return s
}

func normalize(outlet string) string {
	if flight.IsRoot(outlet) {
		return ""
	}
	return flight.SanitizeOutlet(outlet)
}

func flightKey(outlet, url string) string {
	if outlet == "" {
		outlet = flight.PageRoot
	}
	return outlet + ":" + url
}

// Register marks outlet as mounted at url. Navigation without explicit outlet
// fans out to all registered outlets, when there are several of them.
func (s *Store) Register(outlet, url string) {
	outlet = normalize(outlet)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registered[outlet] = true
	if _, ok := s.outlets[outlet]; !ok {
		s.outlets[outlet] = url
	}
}

func (s *Store) Unregister(outlet string) {
	outlet = normalize(outlet)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.registered, outlet)
}

// Active returns committed url and value of outlet.
func (s *Store) Active(outlet string) (string, core.Value) {
	outlet = normalize(outlet)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outlets[outlet], s.active[outlet]
}

// Commit makes value of url the committed value of outlet.
func (s *Store) Commit(outlet, url string, value core.Value) {
	outlet = normalize(outlet)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commit(outlet, url, value)
}

func (s *Store) commit(outlet, url string, value core.Value) {
	s.active[outlet] = value
	s.outlets[outlet] = url
}

// Rollback returns value that was committed for (outlet, url) before navigation
// with rollback window, while the window lasts.
func (s *Store) Rollback(outlet, url string) (core.Value, bool) {
	item := s.rollbacks.Get(flightKey(normalize(outlet), url))
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

// Subscribe registers listener of outlet name or url. Returned func unsubscribes.
func (s *Store) Subscribe(outletOrURL string, l Listener) func() {
	key := outletOrURL
	if flight.IsRoot(key) {
		key = ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	if s.listeners[key] == nil {
		s.listeners[key] = map[uint64]Listener{}
	}
	s.listeners[key][id] = l
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners[key], id)
		if len(s.listeners[key]) == 0 {
			delete(s.listeners, key)
		}
	}
}

// Emit calls listeners of update outlet and url concurrently, and waits them all.
func (s *Store) Emit(ctx context.Context, u Update) error {
	u.Outlet = normalize(u.Outlet)
	s.mu.Lock()
	var ls []Listener
	for _, key := range []string{u.Outlet, u.URL} {
		for _, l := range s.listeners[key] {
			ls = append(ls, l)
		}
		if u.Outlet == u.URL {
			break
		}
	}
	s.mu.Unlock()

	errs := make([]error, len(ls))
	var wg sync.WaitGroup
	for i, l := range ls {
		wg.Add(1)
		go func(i int, l Listener) {
			defer wg.Done()
			errs[i] = l(ctx, u)
		}(i, l)
	}
	wg.Wait()
	var merr *multierror.Error
	for _, err := range errs {
		if err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

// IsStale decides whether cached value should be refetched.
// Nil and true are always stale. Func(StaleInfo) bool decides itself.
// Duration and numbers of milliseconds are max age. Other values are verdict as is:
// zero value means fresh.
func IsStale(revalidate interface{}, info StaleInfo, now time.Time) bool {
	switch r := revalidate.(type) {
	case nil:
		return true
	case bool:
		return r
	case func(StaleInfo) bool:
		return r(info)
	case time.Duration:
		return now.Sub(info.Timestamp) > r
	case int:
		return now.Sub(info.Timestamp) > time.Duration(r)*time.Millisecond
	case int64:
		return now.Sub(info.Timestamp) > time.Duration(r)*time.Millisecond
	case float64:
		return now.Sub(info.Timestamp) > time.Duration(r*float64(time.Millisecond))
	}
	return !reflect.ValueOf(revalidate).IsZero()
}

// Navigate navigates outlet to url. History is updated for page root, or when
// Push or Replace requested explicitly. Without explicit outlet navigation fans
// out to all registered outlets, when there are several of them.
func (s *Store) Navigate(ctx context.Context, to string, opts NavigateOptions) error {
	outlet := normalize(opts.Outlet)
	targets := []string{outlet}
	s.mu.Lock()
	if opts.Outlet == "" && len(s.registered) > 1 {
		targets = targets[:0]
		for o := range s.registered {
			targets = append(targets, o)
		}
	}
	if outlet == "" || opts.Push || opts.Replace {
		if opts.Replace {
			s.history.Replace(to)
		} else {
			s.history.Push(to)
		}
		s.location = to
	}
	s.mu.Unlock()
	return s.fanOut(ctx, targets, func(ctx context.Context, outlet string) error {
		return s.navigate(ctx, outlet, to, opts)
	})
}

func (s *Store) fanOut(ctx context.Context, outlets []string, f func(ctx context.Context, outlet string) error) error {
	if len(outlets) == 1 {
		return f(ctx, outlets[0])
	}
	errs := make([]error, len(outlets))
	var wg sync.WaitGroup
	for i, o := range outlets {
		wg.Add(1)
		go func(i int, o string) {
			defer wg.Done()
			errs[i] = f(ctx, o)
		}(i, o)
	}
	wg.Wait()
	var merr *multierror.Error
	for _, err := range errs {
		if err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	return merr.ErrorOrNil()
}

func (s *Store) navigate(ctx context.Context, outlet, to string, opts NavigateOptions) error {
	s.mu.Lock()
	s.generation[outlet]++
	gen := s.generation[outlet]
	prevURL, prev := s.outlets[outlet], s.active[outlet]
	s.mu.Unlock()
	if opts.Rollback > 0 && prev != nil {
		s.rollbacks.Set(flightKey(outlet, prevURL), prev, opts.Rollback)
	}
	value, err := s.resolve(ctx, outlet, to, opts.Revalidate, opts.NoCache)
	return s.settle(ctx, outlet, to, gen, value, err)
}

// settle emits resolved value, and commits it, unless newer navigation of outlet started.
func (s *Store) settle(ctx context.Context, outlet, to string, gen uint64, value core.Value, err error) error {
	if err == transport.ErrAborted {
		return nil
	}
	if errutil.IsCanceled(err) {
		return err
	}
	s.mu.Lock()
	superseded := s.generation[outlet] != gen
	s.mu.Unlock()
	if superseded {
		s.log.Debug("Superseded navigation dropped", zap.String("outlet", outlet), zap.String("url", to))
		return nil
	}
	if err != nil {
		s.flights.Delete(flightKey(outlet, to))
		if value != nil {
			_ = s.Emit(ctx, Update{Outlet: outlet, URL: to, Value: value, Err: err})
		}
		return err
	}
	emitErr := s.Emit(ctx, Update{Outlet: outlet, URL: to, Value: value})
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.generation[outlet] != gen {
		return emitErr
	}
	s.commit(outlet, to, value)
	return emitErr
}

// resolve reuses prefetched or cached value of outlet url, or fetches it.
func (s *Store) resolve(ctx context.Context, outlet, to string, revalidate interface{}, noCache bool) (core.Value, error) {
	key := flightKey(outlet, to)
	if !noCache {
		if err := s.awaitPrefetch(ctx, outlet, to); err != nil {
			return nil, err
		}
		s.mu.Lock()
		prefetched := s.prefetching[outlet] == to
		if prefetched {
			delete(s.prefetching, outlet)
		}
		s.mu.Unlock()
		if item := s.flights.Get(key); item != nil {
			e := item.Value()
			if prefetched || !IsStale(revalidate, StaleInfo{Outlet: outlet, URL: to, Timestamp: e.timestamp}, s.now()) {
				if prefetched {
					s.transport.Promote(outlet, to)
					s.flights.Set(key, &flightEntry{outlet: outlet, url: to, value: e.value, timestamp: e.timestamp}, ttlcache.DefaultTTL)
				}
				s.log.Debug("Flight value reused", zap.String("outlet", outlet), zap.String("url", to))
				return e.value, nil
			}
		}
	}
	s.transport.Drop(outlet)
	value, err := s.transport.GetFlightResponse(ctx, to, transport.Options{Outlet: outlet, NoCache: noCache})
	if err == nil {
		s.flights.Set(key, &flightEntry{outlet: outlet, url: to, value: value, timestamp: s.now()}, ttlcache.DefaultTTL)
	}
	return value, err
}

// awaitPrefetch waits for in-flight prefetch of outlet url, if any.
func (s *Store) awaitPrefetch(ctx context.Context, outlet, to string) error {
	s.mu.Lock()
	p := s.pending[outlet]
	s.mu.Unlock()
	if p == nil || p.url != to {
		return nil
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Refresh refetches current url of outlet. Pending prefetch of the same url is promoted instead.
func (s *Store) Refresh(ctx context.Context, outlet string) error {
	outlet = normalize(outlet)
	s.mu.Lock()
	to, ok := s.outlets[outlet]
	if !ok {
		to = s.location
	}
	prefetched := s.prefetching[outlet] == to
	s.generation[outlet]++
	gen := s.generation[outlet]
	s.mu.Unlock()
	if !prefetched {
		s.flights.Delete(flightKey(outlet, to))
	}
	value, err := s.resolve(ctx, outlet, to, true, !prefetched)
	return s.settle(ctx, outlet, to, gen, value, err)
}

// Prefetch speculatively fetches outlet url. History is never touched.
// Prefetch of other url for the same outlet invalidates the previous one.
func (s *Store) Prefetch(ctx context.Context, to string, opts PrefetchOptions) error {
	outlet := normalize(opts.Outlet)
	key := flightKey(outlet, to)
	s.mu.Lock()
	prev, had := s.prefetching[outlet]
	s.prefetching[outlet] = to
	s.mu.Unlock()
	if had && prev != to {
		s.flights.Delete(flightKey(outlet, prev))
	}
	if item := s.flights.Get(key); item != nil {
		info := StaleInfo{Outlet: outlet, URL: to, Timestamp: item.Value().timestamp}
		if !IsStale(opts.Revalidate, info, s.now()) {
			return nil
		}
	}
	p := &pendingPrefetch{url: to, done: make(chan struct{})}
	s.mu.Lock()
	s.pending[outlet] = p
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.pending[outlet] == p {
			delete(s.pending, outlet)
		}
		s.mu.Unlock()
		close(p.done)
	}()
	value, err := s.transport.GetFlightResponse(ctx, to, transport.Options{Outlet: outlet, Prefetch: true})
	s.mu.Lock()
	current := s.prefetching[outlet] == to
	if err != nil && current {
		delete(s.prefetching, outlet)
	}
	s.mu.Unlock()
	if err == transport.ErrAborted || !current {
		return nil
	}
	if err != nil {
		return err
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = ttlcache.NoTTL
	}
	s.flights.Set(key, &flightEntry{outlet: outlet, url: to, value: value, timestamp: s.now()}, ttl)
	return nil
}

// Invalidate drops cached values of outlet url, and re-renders outlet bypassing cache
// unless NoEmit is set.
func (s *Store) Invalidate(ctx context.Context, outlet string, opts InvalidateOptions) error {
	outlet = normalize(outlet)
	s.mu.Lock()
	to := opts.URL
	if to == "" {
		to = s.outlets[outlet]
	}
	if s.prefetching[outlet] == to {
		delete(s.prefetching, outlet)
	}
	s.mu.Unlock()
	s.flights.Delete(flightKey(outlet, to))
	s.transport.Drop(outlet)
	if opts.NoEmit {
		return nil
	}
	return s.navigate(ctx, outlet, to, NavigateOptions{Outlet: outlet, NoCache: true})
}

// PopState handles history traversal to location. Hash only change does nothing.
// Otherwise active outlets reuse cached values of location before fetching it.
func (s *Store) PopState(ctx context.Context, location string) error {
	s.mu.Lock()
	prev := s.location
	s.location = location
	if hashOnlyChange(prev, location) {
		s.mu.Unlock()
		return nil
	}
	var targets []string
	for o := range s.registered {
		if o != "" || len(s.registered) == 1 {
			targets = append(targets, o)
		}
	}
	if len(targets) == 0 {
		targets = []string{""}
	}
	s.mu.Unlock()
	return s.fanOut(ctx, targets, func(ctx context.Context, outlet string) error {
		return s.navigate(ctx, outlet, location, NavigateOptions{Outlet: outlet, Revalidate: false})
	})
}

func (s *Store) actionRendered(ctx context.Context, outlet, url string, value core.Value) {
	outlet = normalize(outlet)
	s.mu.Lock()
	s.generation[outlet]++
	gen := s.generation[outlet]
	s.mu.Unlock()
	s.flights.Set(flightKey(outlet, url), &flightEntry{outlet: outlet, url: url, value: value, timestamp: s.now()}, ttlcache.DefaultTTL)
	if err := s.settle(ctx, outlet, url, gen, value, nil); err != nil {
		s.log.Warn("Action render failed", zap.String("outlet", outlet), zap.String("url", url), zap.Error(err))
	}
}
