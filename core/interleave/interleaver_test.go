package interleave

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/antchfx/htmlquery"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/pkg/errors"

	"github.com/yandex/outlet/core"
	"github.com/yandex/outlet/core/coretest"
	"github.com/yandex/outlet/core/offset"
	"github.com/yandex/outlet/lib/testutil"
)

const (
	rootFlight = "1:I[\"./counter.js\",[],\"Counter\"]\n" +
		"0:[\"$\",\"body\",null,{\"children\":[\"$\",\"$L1\",null,{}]}]\n"
	serverOnlyFlight = "0:[\"$\",\"body\",null,{\"children\":\"static\"}]\n"
	page             = "<html><head><title>t</title></head><body><button>0</button></body></html>"
)

// signalingReader signals redirect on first read.
type signalingReader struct {
	core.ChunkReader
	signals  *core.Signals
	location string
}

func (r *signalingReader) Next(ctx context.Context) ([]byte, error) {
	if r.signals != nil {
		r.signals.Redirect(r.location, http.StatusSeeOther)
		r.signals = nil
	}
	return r.ChunkReader.Next(ctx)
}

var _ = Describe("Interleaver", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		req    *core.RenderRequest
		conf   Config
		params Params
	)
	BeforeEach(func() {
		ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		req = &core.RenderRequest{Signals: core.NewSignals()}
		conf = Config{Modules: []string{"/client.js"}}
		params = Params{Request: req}
	})
	AfterEach(func() {
		cancel()
	})

	newInterleaver := func() *Interleaver {
		return New(testutil.NewGinkgoLogger(), conf, params)
	}

	readBody := func(resp *core.Response) string {
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		return string(data)
	}

	Context("page with client components", func() {
		BeforeEach(func() {
			params.Flight = coretest.Chunks(rootFlight)
			params.HTML = coretest.Chunks(page)
		})

		It("injects bootstrap into head and feeds flight after markup", func() {
			il := newInterleaver()
			resp, err := il.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Status).To(Equal(http.StatusOK))
			Expect(resp.Header.Get("Content-Type")).To(Equal("text/html; charset=utf-8"))

			body := readBody(resp)
			Expect(body).To(Equal("<html><head><title>t</title>" + string(bootstrap(conf.Modules)) +
				"</head><body><button>0</button></body></html>" +
				string(flightScript("", []byte(rootFlight))) +
				string(closeScript(""))))
			Expect(il.State()).To(Equal(StateDone))

			doc, err := htmlquery.Parse(strings.NewReader(body))
			Expect(err).NotTo(HaveOccurred())
			module := htmlquery.FindOne(doc, "//head/script[@type='module']")
			Expect(module).NotTo(BeNil())
			Expect(htmlquery.SelectAttr(module, "src")).To(Equal("/client.js"))
			Expect(htmlquery.Find(doc, "//body/script")).To(HaveLen(2))
		})

		It("omits all scripts when standalone", func() {
			conf.Standalone = true
			resp, err := newInterleaver().Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(readBody(resp)).To(Equal(page))
		})
	})

	It("does not hydrate server only tree", func() {
		params.Flight = coretest.Chunks(serverOnlyFlight)
		params.HTML = coretest.Chunks(page)
		resp, err := newInterleaver().Run(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(readBody(resp)).To(Equal(page))
	})

	It("decides on hydration by records before root", func() {
		params.Flight = coretest.Chunks("1:I[\"./a.js\",[],\"A\"]", "\n0:\"$L1\"\n")
		params.HTML = coretest.Chunks("<p>x</p>")
		resp, err := newInterleaver().Run(ctx)
		Expect(err).NotTo(HaveOccurred())
		body := readBody(resp)
		Expect(body).To(HavePrefix("<p>x</p>" + string(bootstrap(conf.Modules))))
		Expect(body).To(ContainSubstring(string(flightScript("", []byte("1:I[\"./a.js\",[],\"A\"]\n0:\"$L1\"\n")))))
	})

	Describe("outlets", func() {
		const (
			outletHTML   = `<template id="B:0"></template><div hidden id="S:0">late</div>`
			outletRecord = "0:\"$L1\"\n"
			outletClient = "1:I[\"./side.js\",[],\"Side\"]\n"
		)
		BeforeEach(func() {
			params.Flight = coretest.Chunks(rootFlight)
			params.HTML = coretest.Chunks(
				"<html><head></head><body><main>",
				"<!--outl",
				"et:sidebar--><p>after</p></body></html>",
			)
			params.Outlets = []Outlet{{
				Name:   "sidebar",
				HTML:   coretest.Chunks(outletHTML),
				Flight: coretest.Chunks(outletRecord, outletClient),
			}, {
				Name:   "unused",
				HTML:   coretest.Chunks("<p>never</p>"),
				Flight: coretest.Chunks("0:null\n"),
			}}
		})

		It("writes outlet markup before its flight at marker position", func() {
			il := newInterleaver()
			resp, err := il.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			body := readBody(resp)

			off := offset.For("sidebar")
			marker := strings.Index(body, OutletMarker("sidebar"))
			markup := strings.Index(body, offset.ApplyToMarkup(outletHTML, off))
			stream := strings.Index(body, string(streamScript("sidebar")))
			first := strings.Index(body, string(flightScript("sidebar", []byte(offset.Apply(outletRecord, off)))))
			second := strings.Index(body, string(flightScript("sidebar", []byte(offset.Apply(outletClient, off)))))
			closing := strings.Index(body, string(closeScript("sidebar")))
			after := strings.Index(body, "<p>after</p>")

			Expect(marker).To(BeNumerically(">", 0))
			Expect(markup).To(BeNumerically(">", marker))
			Expect(stream).To(BeNumerically(">", markup))
			Expect(first).To(BeNumerically(">", stream))
			Expect(second).To(BeNumerically(">", first))
			Expect(closing).To(BeNumerically(">", second))
			Expect(after).To(BeNumerically(">", closing))
			Expect(body).To(ContainSubstring(`id="B:` + string(off) + `0"`))
			Expect(body).NotTo(ContainSubstring("never"))
		})

		It("writes only markup when standalone", func() {
			conf.Standalone = true
			resp, err := newInterleaver().Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			body := readBody(resp)
			Expect(body).To(Equal("<html><head></head><body><main>" + OutletMarker("sidebar") +
				offset.ApplyToMarkup(outletHTML, offset.For("sidebar")) + "<p>after</p></body></html>"))
		})
	})

	It("does not close body until all workers are done", func() {
		flight := coretest.NewStream()
		html := coretest.NewStream()
		params.Flight = flight
		params.HTML = html
		go func() {
			defer GinkgoRecover()
			flight.Send(rootFlight)
			html.Send("<html><body>")
		}()
		il := newInterleaver()
		resp, err := il.Run(ctx)
		Expect(err).NotTo(HaveOccurred())

		done := make(chan string)
		go func() {
			defer GinkgoRecover()
			done <- readBody(resp)
		}()
		flight.Close()
		Consistently(done, 100*time.Millisecond).ShouldNot(Receive())
		Expect(il.State()).To(Equal(StateStreaming))

		html.Send("<p>late</p></body></html>")
		html.Close()
		var body string
		Eventually(done).Should(Receive(&body))
		Expect(body).To(HavePrefix("<html><body>" + string(bootstrap(conf.Modules))))
		Expect(body).To(HaveSuffix("<p>late</p></body></html>"))
		Expect(body).To(ContainSubstring(string(closeScript(""))))
		Expect(il.State()).To(Equal(StateDone))
	})

	Describe("redirect", func() {
		It("wins when requested before start", func() {
			params.Flight = coretest.Chunks(rootFlight)
			params.HTML = coretest.Chunks(page)
			req.Signals.Redirect("/login", 0)
			il := newInterleaver()
			resp, err := il.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Status).To(Equal(http.StatusFound))
			Expect(resp.Header.Get("Location")).To(Equal("/login"))
			Expect(il.State()).To(Equal(StateRedirected))
		})

		It("replaces partially streamed body", func() {
			params.Flight = coretest.Chunks(rootFlight)
			params.HTML = &signalingReader{
				ChunkReader: coretest.Chunks(page),
				signals:     req.Signals,
				location:    "/moved",
			}
			il := newInterleaver()
			resp, err := il.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Status).To(Equal(http.StatusSeeOther))
			Expect(resp.Header.Get("Location")).To(Equal("/moved"))
			Expect(il.State()).To(Equal(StateRedirected))
		})

		It("is taken from outlet stream error", func() {
			params.Flight = coretest.Chunks(rootFlight)
			params.HTML = coretest.Chunks("<body><!--outlet:x-->", "</body>")
			params.Outlets = []Outlet{{
				Name:   "x",
				HTML:   coretest.Chunks("<p>x</p>"),
				Flight: coretest.Failing(&core.RedirectError{Location: "/x", Status: http.StatusTemporaryRedirect}),
			}}
			resp, err := newInterleaver().Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Status).To(Equal(http.StatusTemporaryRedirect))
			Expect(resp.Header.Get("Location")).To(Equal("/x"))
		})

		It("aborts body after commit", func() {
			html := coretest.NewStream()
			params.Flight = coretest.Chunks(serverOnlyFlight)
			params.HTML = html
			go html.Send("<html><body>")
			il := newInterleaver()
			resp, err := il.Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Status).To(Equal(http.StatusOK))

			req.Signals.Redirect("/late", 0)
			go html.Send("<p>more</p>")
			_, err = io.ReadAll(resp.Body)
			var redirect *core.RedirectError
			Expect(errors.As(err, &redirect)).To(BeTrue())
			Expect(redirect.Location).To(Equal("/late"))
			Expect(il.State()).To(Equal(StateRedirected))
		})
	})

	Describe("failure", func() {
		failure := errors.New("render failed")
		BeforeEach(func() {
			params.Flight = coretest.Chunks(serverOnlyFlight)
			params.HTML = coretest.Failing(failure)
		})

		It("returns error without responder", func() {
			il := newInterleaver()
			_, err := il.Run(ctx)
			Expect(err).To(MatchError(failure))
			Expect(il.State()).To(Equal(StateFailed))
		})

		It("delegates to error responder", func() {
			var got error
			params.Errors = core.ErrorResponderFunc(func(_ context.Context, r *core.RenderRequest, err error) *core.Response {
				Expect(r).To(Equal(req))
				got = err
				return &core.Response{Status: http.StatusInternalServerError, Body: http.NoBody}
			})
			resp, err := newInterleaver().Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.Status).To(Equal(http.StatusInternalServerError))
			Expect(got).To(MatchError(failure))
		})

		It("aborts body after commit", func() {
			params.HTML = coretest.Failing(failure, "<html>")
			resp, err := newInterleaver().Run(ctx)
			Expect(err).NotTo(HaveOccurred())
			_, err = io.ReadAll(resp.Body)
			Expect(err).To(MatchError(failure))
		})
	})

	It("can be run once", func() {
		params.Flight = coretest.Chunks(serverOnlyFlight)
		params.HTML = coretest.Chunks(page)
		il := newInterleaver()
		resp, err := il.Run(ctx)
		Expect(err).NotTo(HaveOccurred())
		readBody(resp)
		_, err = il.Run(ctx)
		Expect(err).To(HaveOccurred())
	})
})
