// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

// Package interleave merges page flight stream, its HTML stream and outlet
// sub-streams into one HTML response body.
//
// Three workers take turns in fixed order: forward flight, HTML, outlets.
// Forward worker feeds flight records to the browser as inline scripts. On
// its first turn it reads until root record, and decides whether hydration
// bootstrap is needed. HTML worker writes one markup chunk per turn, or stops
// right after outlet placeholder marker. Outlet worker writes the content of
// every matched outlet at that point: offset markup first, then offset flight
// scripts, because the browser runs inline scripts in document order and the
// markup must exist when hydration script targets it.
//
// Forward and HTML reads are interruptible: worker yields its turn when the
// other one has data, keeping its read in flight.
package interleave

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/yandex/outlet/core"
	"github.com/yandex/outlet/core/flight"
	"github.com/yandex/outlet/core/offset"
	"github.com/yandex/outlet/lib/errutil"
)

type State int32

const (
	StateInit State = iota
	StateStreaming
	StateDone
	StateRedirected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateStreaming:
		return "streaming"
	case StateDone:
		return "done"
	case StateRedirected:
		return "redirected"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

type Config struct {
	// Standalone disables bootstrap and all flight scripts.
	Standalone bool `config:"standalone"`
	// Modules are client entry module URLs, loaded when page has client components.
	Modules []string `config:"modules"`
}

// Outlet is prepared outlet sub-stream. Flight is not offset yet.
type Outlet struct {
	Name   string
	Flight core.ChunkReader
	HTML   core.ChunkReader
}

type Params struct {
	Request *core.RenderRequest
	// Flight is forward branch of page flight stream.
	Flight core.ChunkReader
	// HTML is markup rendered from other flight branch.
	HTML    core.ChunkReader
	Outlets []Outlet
	// Errors builds response for render failed before commit. Optional.
	Errors core.ErrorResponder
	// Header is added to streaming response.
	Header http.Header
}

type Interleaver struct {
	log   *zap.Logger
	conf  Config
	p     Params
	state atomic.Int32

	sink *sink
	fwd  *cursor
	html *cursor

	// Forward worker.
	fwdReady   bool
	clientSeen bool
	hydrate    bool
	records    []byte   // Partial trailing record.
	preRecords []byte   // Records read before root record.
	pending    [][]byte // Scripts waiting for document start.

	// HTML worker.
	htmlStarted bool
	htmlTail    []byte // Possible start of marker.
	carry       []byte // Markup after matched marker.

	// Outlet worker.
	outlets     map[string]*Outlet
	used        map[string]bool
	queue       []string
	outletsDone bool
}

func New(log *zap.Logger, conf Config, p Params) *Interleaver {
	if log == nil {
		log = zap.L()
	}
	outlets := make(map[string]*Outlet, len(p.Outlets))
	for i := range p.Outlets {
		o := &p.Outlets[i]
		outlets[o.Name] = o
	}
	return &Interleaver{
		log:     log,
		conf:    conf,
		p:       p,
		sink:    newSink(),
		fwd:     newCursor("flight", p.Flight),
		html:    newCursor("html", p.HTML),
		outlets: outlets,
		used:    make(map[string]bool, len(outlets)),
	}
}

func (il *Interleaver) State() State {
	return State(il.state.Load())
}

func (il *Interleaver) setState(s State) {
	old := State(il.state.Swap(int32(s)))
	il.log.Debug("Interleaver state changed", zap.Stringer("from", old), zap.Stringer("to", s))
}

type result struct {
	resp *core.Response
	err  error
}

// Run starts interleaving and returns response once the first round of all
// workers is done. Redirect or failure before that replaces streaming response.
// Run may be called once.
func (il *Interleaver) Run(ctx context.Context) (*core.Response, error) {
	if !il.state.CAS(int32(StateInit), int32(StateStreaming)) {
		return nil, errors.New("interleaver is already run")
	}
	resolved := make(chan result, 1)
	go il.loop(ctx, resolved)
	select {
	case res := <-resolved:
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (il *Interleaver) loop(ctx context.Context, resolved chan<- result) {
	err := il.interleave(ctx, resolved)
	var redirect *core.RedirectError
	switch {
	case err == nil:
		il.setState(StateDone)
		if !il.sink.committed {
			resolved <- result{resp: il.commit()}
		}
		il.sink.close(nil)
		il.log.Debug("Response streamed", zap.Int64("bytes", il.sink.written))
	case errors.As(err, &redirect):
		il.setState(StateRedirected)
		il.log.Debug("Render redirected", zap.String("location", redirect.Location),
			zap.Bool("committed", il.sink.committed))
		committed := il.sink.committed
		il.sink.close(redirect)
		if !committed {
			resolved <- result{resp: redirect.Response()}
		}
	default:
		il.setState(StateFailed)
		if errutil.IsCtxError(ctx, err) {
			il.log.Debug("Render canceled", zap.Error(err))
		} else {
			il.log.Error("Render failed", zap.Error(err))
		}
		committed := il.sink.committed
		il.sink.close(err)
		if !committed {
			resolved <- il.failure(ctx, err)
		}
	}
}

func (il *Interleaver) failure(ctx context.Context, err error) result {
	if il.p.Errors == nil {
		return result{err: err}
	}
	return result{resp: il.p.Errors.ErrorResponse(ctx, il.p.Request, err)}
}

func (il *Interleaver) commit() *core.Response {
	h := http.Header{}
	for k, v := range il.p.Header {
		h[k] = append([]string(nil), v...)
	}
	if h.Get("Content-Type") == "" {
		h.Set("Content-Type", flight.HTMLType+"; charset=utf-8")
	}
	return &core.Response{Status: http.StatusOK, Header: h, Body: il.sink.commit()}
}

func (il *Interleaver) done() bool {
	return il.fwd.eof && il.html.eof && len(il.carry) == 0 && il.outletsDone
}

func (il *Interleaver) interleave(ctx context.Context, resolved chan<- result) error {
	turns := []func(context.Context) error{il.forwardTurn, il.htmlTurn, il.outletTurn}
	for !il.done() {
		for _, turn := range turns {
			if err := il.checkpoint(); err != nil {
				return err
			}
			if err := turn(ctx); err != nil {
				return err
			}
		}
		if !il.sink.committed && il.htmlStarted {
			if err := il.checkpoint(); err != nil {
				return err
			}
			resolved <- result{resp: il.commit()}
		}
	}
	return il.checkpoint()
}

func (il *Interleaver) checkpoint() error {
	if il.p.Request == nil {
		return nil
	}
	select {
	case redirect := <-il.p.Request.Signals.Redirected():
		return redirect
	default:
		return nil
	}
}

var closed = func() chan struct{} {
	c := make(chan struct{})
	close(c)
	return c
}()

func (il *Interleaver) htmlReady(ctx context.Context) <-chan struct{} {
	if len(il.carry) > 0 {
		return closed
	}
	return il.html.ready(ctx)
}

func (il *Interleaver) forwardTurn(ctx context.Context) error {
	if il.fwd.eof {
		return nil
	}
	if !il.fwdReady {
		for !il.fwdReady {
			chunk, _, err := il.fwd.next(ctx, nil)
			if err == io.EOF {
				return il.forwardEnd()
			}
			if err != nil {
				return err
			}
			if err := il.forwardChunk(chunk); err != nil {
				return err
			}
		}
		return nil
	}
	chunk, interrupted, err := il.fwd.next(ctx, il.htmlReady(ctx))
	switch {
	case interrupted:
		return nil
	case err == io.EOF:
		return il.forwardEnd()
	case err != nil:
		return err
	}
	return il.forwardChunk(chunk)
}

func (il *Interleaver) forwardChunk(chunk []byte) error {
	data := append(il.records, chunk...)
	head, tail := flight.SplitRecords(data)
	il.records = append([]byte(nil), tail...)
	if len(head) == 0 {
		return nil
	}
	if !il.fwdReady {
		il.preRecords = append(il.preRecords, head...)
		if flight.HasClientReference(head) {
			il.clientSeen = true
		}
		if flight.HasRoot(head) {
			return il.forwardReady()
		}
		return nil
	}
	if !il.hydrate && flight.HasClientReference(head) {
		il.log.Debug("Client reference after root record, page is not hydrated")
	}
	return il.emitFlight(head)
}

func (il *Interleaver) forwardReady() error {
	il.fwdReady = true
	il.hydrate = !il.conf.Standalone && il.clientSeen
	il.log.Debug("Flight root ready", zap.Bool("hydrate", il.hydrate))
	pre := il.preRecords
	il.preRecords = nil
	return il.emitFlight(pre)
}

func (il *Interleaver) forwardEnd() error {
	if len(il.records) > 0 {
		last := il.records
		il.records = nil
		if err := il.forwardChunk(append(last, '\n')); err != nil {
			return err
		}
	}
	if !il.fwdReady {
		if err := il.forwardReady(); err != nil {
			return err
		}
	}
	if !il.hydrate {
		return nil
	}
	return il.emitScript(closeScript(""))
}

func (il *Interleaver) emitFlight(records []byte) error {
	if !il.hydrate || len(records) == 0 {
		return nil
	}
	return il.emitScript(flightScript("", records))
}

// emitScript writes script, or postpones it until document start.
func (il *Interleaver) emitScript(script []byte) error {
	if !il.htmlStarted {
		il.pending = append(il.pending, script)
		return nil
	}
	_, err := il.sink.Write(script)
	return err
}

func (il *Interleaver) htmlTurn(ctx context.Context) error {
	if il.html.eof && len(il.carry) == 0 {
		return nil
	}
	if len(il.carry) > 0 {
		data := il.carry
		il.carry = nil
		return il.htmlChunk(data)
	}
	var interrupt <-chan struct{}
	if il.htmlStarted {
		interrupt = il.fwd.ready(ctx)
	}
	chunk, interrupted, err := il.html.next(ctx, interrupt)
	switch {
	case interrupted:
		return nil
	case err == io.EOF:
		return il.htmlEnd()
	case err != nil:
		return err
	}
	data := append(il.htmlTail, chunk...)
	il.htmlTail = nil
	return il.htmlChunk(data)
}

func (il *Interleaver) htmlChunk(data []byte) error {
	i := bytes.Index(data, []byte(markerPrefix))
	if i < 0 {
		keep := partialPrefix(data, markerPrefix)
		il.htmlTail = append([]byte(nil), data[len(data)-keep:]...)
		return il.writeHTML(data[:len(data)-keep])
	}
	nameStart := i + len(markerPrefix)
	end := bytes.Index(data[nameStart:], []byte(markerSuffix))
	if end < 0 {
		il.htmlTail = append([]byte(nil), data[i:]...)
		return il.writeHTML(data[:i])
	}
	stop := nameStart + end + len(markerSuffix)
	name := string(data[nameStart : nameStart+end])
	il.carry = append([]byte(nil), data[stop:]...)
	if err := il.writeHTML(data[:stop]); err != nil {
		return err
	}
	il.log.Debug("Outlet marker matched", zap.String("outlet", name))
	il.queue = append(il.queue, name)
	return nil
}

func (il *Interleaver) htmlEnd() error {
	tail := il.htmlTail
	il.htmlTail = nil
	if err := il.writeHTML(tail); err != nil {
		return err
	}
	return il.startHTML(nil)
}

func (il *Interleaver) writeHTML(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if !il.htmlStarted {
		return il.startHTML(p)
	}
	_, err := il.sink.Write(p)
	return err
}

// startHTML writes first markup, injecting bootstrap into head, and
// postponed scripts after it.
func (il *Interleaver) startHTML(first []byte) error {
	if il.htmlStarted {
		return nil
	}
	il.htmlStarted = true
	w := il.sink
	var boot []byte
	if il.hydrate {
		boot = bootstrap(il.conf.Modules)
	}
	if i := bytes.Index(first, []byte("</head>")); i >= 0 && boot != nil {
		if _, err := w.Write(first[:i]); err != nil {
			return err
		}
		if _, err := w.Write(boot); err != nil {
			return err
		}
		first = first[i:]
		boot = nil
	}
	if _, err := w.Write(first); err != nil {
		return err
	}
	if _, err := w.Write(boot); err != nil {
		return err
	}
	for _, s := range il.pending {
		if _, err := w.Write(s); err != nil {
			return err
		}
	}
	il.pending = nil
	return nil
}

func (il *Interleaver) outletTurn(ctx context.Context) error {
	for len(il.queue) > 0 {
		name := il.queue[0]
		il.queue = il.queue[1:]
		if err := il.writeOutlet(ctx, name); err != nil {
			return errors.WithMessagef(err, "outlet %q", name)
		}
	}
	if il.outletsDone || !il.html.eof || len(il.carry) > 0 {
		return nil
	}
	il.outletsDone = true
	for name := range il.outlets {
		if !il.used[name] {
			il.log.Warn("Outlet placeholder not found", zap.String("outlet", name))
		}
	}
	return nil
}

func (il *Interleaver) writeOutlet(ctx context.Context, name string) error {
	o, ok := il.outlets[name]
	if !ok || il.used[name] {
		il.log.Debug("Outlet marker has no stream", zap.String("outlet", name))
		return nil
	}
	il.used[name] = true
	off := offset.For(name)
	w := il.sink

	markup := newCursor(name+" html", o.HTML)
	var tail []byte
	for {
		chunk, _, err := markup.next(ctx, nil)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		data := append(tail, chunk...)
		cut := bytes.LastIndexByte(data, '>') + 1
		tail = append([]byte(nil), data[cut:]...)
		if _, err := io.WriteString(w, offset.ApplyToMarkup(string(data[:cut]), off)); err != nil {
			return err
		}
	}
	if _, err := io.WriteString(w, offset.ApplyToMarkup(string(tail), off)); err != nil {
		return err
	}
	if il.conf.Standalone || o.Flight == nil {
		return nil
	}

	global := flight.SanitizeOutlet(name)
	if _, err := w.Write(streamScript(global)); err != nil {
		return err
	}
	records := newCursor(name+" flight", o.Flight)
	tail = nil
	for {
		chunk, _, err := records.next(ctx, nil)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		head, rest := flight.SplitRecords(append(tail, chunk...))
		tail = append([]byte(nil), rest...)
		if len(head) == 0 {
			continue
		}
		if _, err := w.Write(flightScript(global, []byte(offset.Apply(string(head), off)))); err != nil {
			return err
		}
	}
	if len(tail) > 0 {
		if _, err := w.Write(flightScript(global, []byte(offset.Apply(string(tail), off)))); err != nil {
			return err
		}
	}
	_, err := w.Write(closeScript(global))
	il.log.Debug("Outlet streamed", zap.String("outlet", name), zap.String("offset", string(off)))
	return err
}

// partialPrefix returns length of the longest data suffix that is proper prefix of p.
func partialPrefix(data []byte, p string) int {
	max := len(p) - 1
	if max > len(data) {
		max = len(data)
	}
	for n := max; n > 0; n-- {
		if bytes.HasSuffix(data, []byte(p[:n])) {
			return n
		}
	}
	return 0
}
