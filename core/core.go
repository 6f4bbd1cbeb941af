// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

// package core defines outlet runtime extension points.
// Rendering engines, storage drivers and error responders are external collaborators:
// core only describes the narrow interfaces the runtime consumes them through.
package core

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// ChunkReader is an async iterator of framework-opaque chunks.
// Next blocks until the next chunk is available, returns io.EOF when the
// stream is exhausted, or any other error if the producer failed.
// A ChunkReader is owned by one consumer and is not goroutine safe,
// but Next may be called from a goroutine other than the one that created it.
type ChunkReader interface {
	Next(ctx context.Context) ([]byte, error)
}

// Renderer is the black box rendering engine.
type Renderer interface {
	// RenderFlight renders the component tree for request into a flight stream.
	// Redirects requested during the render are reported as *RedirectError,
	// either from RenderFlight itself or from the returned stream Next.
	RenderFlight(ctx context.Context, req *RenderRequest) (ChunkReader, error)
	// RenderHTML renders markup from flight. Implementation should consume flight
	// incrementally: flight may be a live stream still being produced.
	RenderHTML(ctx context.Context, flight ChunkReader) (ChunkReader, error)
}

// Value is a deserialized flight value, resolvable in promise-like manner.
type Value interface {
	// Wait blocks until the root value is resolved.
	Wait(ctx context.Context) (interface{}, error)
}

// CallServer invokes server reference id with args. Deserializers call it when
// deserialized tree contains server action reference that was invoked.
type CallServer func(ctx context.Context, id string, args []interface{}) (interface{}, error)

// Deserializer turns flight stream into a Value.
type Deserializer interface {
	Deserialize(ctx context.Context, flight io.Reader, callServer CallServer) (Value, error)
}

//go:generate mockery --name=Storage --case=underscore --outpkg=coremock

// Storage is key value storage driver for response cache.
// GetItem returns ok false on miss. Errors are propagated to the cache caller as is.
type Storage interface {
	GetItem(ctx context.Context, key string) (value []byte, ok bool, err error)
	SetItem(ctx context.Context, key string, value []byte) error
	RemoveItem(ctx context.Context, key string) error
}

// ErrorResponder builds response for unhandled render error.
type ErrorResponder interface {
	ErrorResponse(ctx context.Context, req *RenderRequest, err error) *Response
}

type ErrorResponderFunc func(ctx context.Context, req *RenderRequest, err error) *Response

func (f ErrorResponderFunc) ErrorResponse(ctx context.Context, req *RenderRequest, err error) *Response {
	return f(ctx, req, err)
}

// RenderRequest is everything renderer needs to know about request.
type RenderRequest struct {
	URL    *url.URL
	Header http.Header
	// Outlet is sanitized outlet name. Empty for page root.
	Outlet string
	// Standalone is true, when response should not contain bootstrap scripts.
	Standalone bool
	// Remote is true, when request is out-of-process outlet fetch.
	Remote bool
	// Action is server action, that was invoked before render. Nil if none.
	Action *ActionResult
	// Signals may be used by renderer to signal redirect at any moment.
	Signals *Signals
}

// ActionResult is server action invocation outcome, that render pass can display.
type ActionResult struct {
	ID    string
	Value interface{}
	Err   error
}

// Response is full or streaming response.
type Response struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
}

// RedirectError requests redirect instead of normal response.
type RedirectError struct {
	Location string
	Status   int
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("redirect %d to %s", e.Status, e.Location)
}

// Response returns redirect response.
func (e *RedirectError) Response() *Response {
	status := e.Status
	if status == 0 {
		status = http.StatusFound
	}
	h := http.Header{}
	h.Set("Location", e.Location)
	return &Response{Status: status, Header: h, Body: http.NoBody}
}

// Signals is side channel from renderer to the stream interleaver.
// Zero value is not usable, use NewSignals.
type Signals struct {
	redirect chan *RedirectError
}

func NewSignals() *Signals {
	return &Signals{redirect: make(chan *RedirectError, 1)}
}

// Redirect requests redirect. Only first request has effect.
func (s *Signals) Redirect(location string, status int) {
	select {
	case s.redirect <- &RedirectError{Location: location, Status: status}:
	default:
	}
}

// Redirected returns channel that receives redirect request.
func (s *Signals) Redirected() <-chan *RedirectError {
	if s == nil {
		return nil
	}
	return s.redirect
}

// ReaderChunks adapts io.Reader to ChunkReader. Each Next returns at most size bytes.
func ReaderChunks(r io.Reader, size int) ChunkReader {
	if size <= 0 {
		size = 32 * 1024
	}
	return &readerChunks{r: r, size: size}
}

type readerChunks struct {
	r    io.Reader
	size int
}

func (c *readerChunks) Next(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf := make([]byte, c.size)
	for {
		n, err := c.r.Read(buf)
		if n > 0 {
			return buf[:n], nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// ChunksReader adapts ChunkReader to io.Reader.
func ChunksReader(ctx context.Context, c ChunkReader) io.Reader {
	return &chunksReader{ctx: ctx, c: c}
}

type chunksReader struct {
	ctx  context.Context
	c    ChunkReader
	rest []byte
	err  error
}

func (r *chunksReader) Read(p []byte) (int, error) {
	for len(r.rest) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		r.rest, r.err = r.c.Next(r.ctx)
	}
	n := copy(p, r.rest)
	r.rest = r.rest[n:]
	return n, nil
}
