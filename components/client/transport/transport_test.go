package transport

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/yandex/outlet/components/engine/lines"
	"github.com/yandex/outlet/core"
	"github.com/yandex/outlet/core/flight"
	"github.com/yandex/outlet/lib/testutil"
)

type recorded struct {
	Method string
	Path   string
	Header http.Header
	Body   string
}

type flightServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests []recorded
	count    atomic.Int64
}

func newFlightServer(t *testing.T, handler http.HandlerFunc) *flightServer {
	s := &flightServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.requests = append(s.requests, recorded{r.Method, r.URL.Path, r.Header.Clone(), string(body)})
		s.mu.Unlock()
		s.count.Inc()
		handler(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *flightServer) last() recorded {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[len(s.requests)-1]
}

func newTransport(t *testing.T, s *flightServer, p Params) *Transport {
	origin, err := url.Parse(s.URL)
	require.NoError(t, err)
	p.Client = s.Client()
	p.Origin = origin
	p.Deserializer = lines.Deserializer{}
	return New(testutil.NewNullLogger(), p)
}

func echoPath(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", flight.ContentType)
	_, _ = io.WriteString(w, `0:"`+r.URL.Path+`"`+"\n")
}

func wait(t *testing.T, v interface{ Wait(context.Context) (interface{}, error) }) interface{} {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := v.Wait(ctx)
	require.NoError(t, err)
	return res
}

func TestFetchPathAndHeaders(t *testing.T) {
	s := newFlightServer(t, echoPath)
	tr := newTransport(t, s, Params{})
	ctx := context.Background()

	v, err := tr.GetFlightResponse(ctx, "/blog/", Options{})
	require.NoError(t, err)
	assert.Equal(t, "/blog/rsc.x-component", wait(t, v))
	req := s.last()
	assert.Equal(t, http.MethodGet, req.Method)
	assert.Equal(t, flight.ContentType, req.Header.Get(flight.HeaderAccept))
	assert.Empty(t, req.Header.Get(flight.HeaderOutlet))

	v, err = tr.GetFlightResponse(ctx, "/blog?page=2", Options{Outlet: "side"})
	require.NoError(t, err)
	assert.Equal(t, "/blog/@side.rsc.x-component", wait(t, v))
	assert.Equal(t, "side", s.last().Header.Get(flight.HeaderOutlet))
}

func TestCachedValueReused(t *testing.T) {
	s := newFlightServer(t, echoPath)
	tr := newTransport(t, s, Params{})
	m := tr.metrics
	ctx := context.Background()

	first, err := tr.GetFlightResponse(ctx, "/a", Options{})
	require.NoError(t, err)
	second, err := tr.GetFlightResponse(ctx, "/a", Options{})
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.EqualValues(t, 1, s.count.Load())
	assert.EqualValues(t, 1, m.Reused.Get())

	_, err = tr.GetFlightResponse(ctx, "/a", Options{NoCache: true})
	require.NoError(t, err)
	assert.EqualValues(t, 2, s.count.Load())
	assert.Equal(t, "no-cache", s.last().Header.Get(flight.HeaderCacheControl))

	tr.Drop(flight.PageRoot)
	_, _, ok := tr.Cached("")
	assert.False(t, ok)
}

func TestCachedValueOfOtherURLNotReused(t *testing.T) {
	s := newFlightServer(t, echoPath)
	tr := newTransport(t, s, Params{})
	ctx := context.Background()

	_, err := tr.GetFlightResponse(ctx, "/a", Options{Outlet: "x"})
	require.NoError(t, err)
	v, err := tr.GetFlightResponse(ctx, "/b", Options{Outlet: "x"})
	require.NoError(t, err)
	assert.Equal(t, "/b/@x.rsc.x-component", wait(t, v))
	assert.EqualValues(t, 2, s.count.Load())
	assert.Zero(t, tr.metrics.Reused.Get())
}

func TestPrefetchKeptAsideUntilPromoted(t *testing.T) {
	s := newFlightServer(t, echoPath)
	tr := newTransport(t, s, Params{})
	ctx := context.Background()

	_, err := tr.GetFlightResponse(ctx, "/a", Options{Outlet: "x"})
	require.NoError(t, err)
	prefetched, err := tr.GetFlightResponse(ctx, "/b", Options{Outlet: "x", Prefetch: true})
	require.NoError(t, err)
	assert.Equal(t, "true", s.last().Header.Get(flight.HeaderPrefetch))

	target, _, ok := tr.Cached("x")
	require.True(t, ok)
	assert.Equal(t, "/a", target, "prefetch does not replace current value")

	_, ok = tr.Promote("x", "/c")
	assert.False(t, ok)
	promoted, ok := tr.Promote("x", "/b")
	require.True(t, ok)
	assert.Same(t, prefetched, promoted)

	v, err := tr.GetFlightResponse(ctx, "/b", Options{Outlet: "x"})
	require.NoError(t, err)
	assert.Same(t, prefetched, v)
	assert.EqualValues(t, 2, s.count.Load())
}

func TestSupersededNavigationAborted(t *testing.T) {
	started := make(chan struct{})
	s := newFlightServer(t, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/slow") {
			close(started)
			<-r.Context().Done()
			return
		}
		echoPath(w, r)
	})
	tr := newTransport(t, s, Params{})
	ctx := context.Background()

	type result struct {
		err error
	}
	slow := make(chan result, 1)
	go func() {
		_, err := tr.GetFlightResponse(ctx, "/slow", Options{Outlet: "x"})
		slow <- result{err}
	}()
	<-started

	v, err := tr.GetFlightResponse(ctx, "/fast", Options{Outlet: "x", NoCache: true})
	require.NoError(t, err)
	assert.Equal(t, "/fast/@x.rsc.x-component", wait(t, v))

	select {
	case res := <-slow:
		assert.Equal(t, ErrAborted, res.err)
	case <-time.After(5 * time.Second):
		t.Fatal("superseded request is not aborted")
	}
	target, _, ok := tr.Cached("x")
	require.True(t, ok)
	assert.Equal(t, "/fast", target)
	assert.EqualValues(t, 1, tr.metrics.Aborted.Get())
}

func TestNavigationKeepsPrefetchOfSameTarget(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	s := newFlightServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(flight.HeaderPrefetch) != "" {
			close(started)
			<-release
		}
		echoPath(w, r)
	})
	tr := newTransport(t, s, Params{})
	ctx := context.Background()

	prefetched := make(chan error, 1)
	go func() {
		_, err := tr.GetFlightResponse(ctx, "/b", Options{Outlet: "x", Prefetch: true})
		prefetched <- err
	}()
	<-started
	_, err := tr.GetFlightResponse(ctx, "/b", Options{Outlet: "x"})
	require.NoError(t, err)
	close(release)
	assert.NoError(t, <-prefetched)
}

func TestFailureResolvesToSentinel(t *testing.T) {
	s := newFlightServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	var notified []*FlightError
	tr := newTransport(t, s, Params{OnError: func(err *FlightError) {
		notified = append(notified, err)
	}})

	v, err := tr.GetFlightResponse(context.Background(), "/a", Options{Outlet: "x"})
	var ferr *FlightError
	require.True(t, errors.As(err, &ferr))
	assert.Equal(t, EnvironmentName, ferr.EnvironmentName)
	assert.Len(t, ferr.Digest, 16)
	assert.Equal(t, "x", ferr.Outlet)
	assert.Contains(t, ferr.Error(), "500")
	require.NotNil(t, v)
	assert.Nil(t, wait(t, v))
	assert.Equal(t, []*FlightError{ferr}, notified)

	_, _, ok := tr.Cached("x")
	assert.False(t, ok, "failed response is not cached")
}

func TestCallerCancelNotReportedAsFailure(t *testing.T) {
	s := newFlightServer(t, func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	tr := newTransport(t, s, Params{OnError: func(err *FlightError) {
		t.Errorf("unexpected error notification: %v", err)
	}})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := tr.GetFlightResponse(ctx, "/a", Options{})
	require.Error(t, err)
	assert.NotEqual(t, ErrAborted, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestBootstrapTeedOnce(t *testing.T) {
	s := newFlightServer(t, echoPath)
	tr := newTransport(t, s, Params{})
	ctx := context.Background()
	const inline = "0:\"inline\"\n"
	tr.SetBootstrap(strings.NewReader(inline))

	v, err := tr.GetFlightResponse(ctx, "/", Options{})
	require.NoError(t, err)
	assert.Equal(t, "inline", wait(t, v))
	assert.EqualValues(t, 0, s.count.Load())

	hydration := tr.Hydration(ctx)
	require.NotNil(t, hydration)
	assert.Equal(t, inline, testutil.ReadString(t, hydration))
	assert.Nil(t, tr.Hydration(ctx), "hydration stream is consumed once")

	v, err = tr.GetFlightResponse(ctx, "/", Options{NoCache: true})
	require.NoError(t, err)
	assert.Equal(t, "/rsc.x-component", wait(t, v))
	assert.EqualValues(t, 1, s.count.Load())
}

func TestCallServerReturnsData(t *testing.T) {
	s := newFlightServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(flight.HeaderAction) == "" {
			_, _ = io.WriteString(w, "0:{\"submit\":\"$F1\"}\n1:{\"id\":\"form#submit\",\"bound\":[1]}\n")
			return
		}
		w.Header().Set(flight.HeaderData, "true")
		_, _ = io.WriteString(w, "0:42\n")
	})
	tr := newTransport(t, s, Params{})
	ctx := context.Background()

	v, err := tr.GetFlightResponse(ctx, "/form", Options{Outlet: "x"})
	require.NoError(t, err)
	root := wait(t, v).(map[string]interface{})
	ref := root["submit"].(*lines.ServerReference)

	res, err := ref.Call(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, float64(42), res)

	req := s.last()
	assert.Equal(t, http.MethodPost, req.Method)
	assert.Equal(t, "/form/@x.rsc.x-component", req.Path)
	assert.Equal(t, "form#submit", req.Header.Get(flight.HeaderAction))
	assert.Equal(t, "x", req.Header.Get(flight.HeaderOutlet))
	assert.JSONEq(t, `[1,"a"]`, req.Body)
}

func TestCallServerRendersFollowUpOutlet(t *testing.T) {
	s := newFlightServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(flight.HeaderOutlet, "side-bar")
		w.Header().Set(flight.HeaderRender, "/other")
		_, _ = io.WriteString(w, "0:\"rendered\"\n")
	})
	type rendered struct{ outlet, url string }
	var got []rendered
	tr := newTransport(t, s, Params{OnRender: func(ctx context.Context, outlet, url string, v core.Value) {
		got = append(got, rendered{outlet, url})
	}})

	res, err := tr.CallServer("x")(context.Background(), "mod#act", nil)
	require.NoError(t, err)
	assert.Nil(t, res)
	assert.Equal(t, "/@x.rsc.x-component", s.last().Path)
	assert.Equal(t, []rendered{{"side_bar", "/other"}}, got)

	target, v, ok := tr.Cached("side_bar")
	require.True(t, ok)
	assert.Equal(t, "/other", target)
	assert.Equal(t, "rendered", wait(t, v))
}
