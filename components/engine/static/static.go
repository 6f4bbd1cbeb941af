// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

// Package static is rendering engine serving pre-rendered flight fixtures
// from filesystem. Markup is rendered from flight element tuples
// ["$", type, key, props]. Element of "outlet" type renders outlet marker.
//
// Fixture of /blog/post page is <root>/blog/post.rsc, of its "side" outlet is
// <root>/blog/post@side.rsc, of / is <root>/index.rsc. File with .redirect
// extension instead makes render redirect: it contains location, optionally
// preceded by status.
package static

import (
	"bytes"
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/yandex/outlet/components/engine/lines"
	"github.com/yandex/outlet/core"
	"github.com/yandex/outlet/core/flight"
)

var ErrNotFound = errors.New("fixture not found")

type Config struct {
	Root      string            `config:"root" validate:"required"`
	ChunkSize datasize.ByteSize `config:"chunk-size" validate:"min-size=1b"`
}

func DefaultConfig() Config {
	return Config{
		Root:      "fixtures",
		ChunkSize: 4 * datasize.KB,
	}
}

type Renderer struct {
	log  *zap.Logger
	fs   afero.Fs
	conf Config
}

var _ core.Renderer = (*Renderer)(nil)

func New(log *zap.Logger, fs afero.Fs, conf Config) *Renderer {
	if log == nil {
		log = zap.L()
	}
	return &Renderer{log: log, fs: fs, conf: conf}
}

func (r *Renderer) RenderFlight(ctx context.Context, req *core.RenderRequest) (core.ChunkReader, error) {
	base := r.fixtureBase(req.URL.Path, req.Outlet)
	f, err := r.fs.Open(base + ".rsc")
	if os.IsNotExist(err) {
		redirect, rerr := r.redirect(base + ".redirect")
		if rerr != nil {
			return nil, rerr
		}
		return nil, redirect
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	r.log.Debug("Rendering fixture", zap.String("file", f.Name()))
	return &closingChunks{ChunkReader: core.ReaderChunks(f, int(r.conf.ChunkSize)), c: f}, nil
}

func (r *Renderer) RenderHTML(ctx context.Context, flight core.ChunkReader) (core.ChunkReader, error) {
	pr, pw := io.Pipe()
	go func() {
		data, err := io.ReadAll(core.ChunksReader(ctx, flight))
		if err == nil {
			err = Render(pw, string(data))
		}
		_ = pw.CloseWithError(err)
	}()
	return core.ReaderChunks(pr, int(r.conf.ChunkSize)), nil
}

func (r *Renderer) fixtureBase(pathname, outlet string) string {
	p := strings.Trim(path.Clean("/"+pathname), "/")
	if p == "" {
		p = "index"
	}
	if !flight.IsRoot(outlet) {
		p += "@" + outlet
	}
	return filepath.Join(r.conf.Root, filepath.FromSlash(p))
}

func (r *Renderer) redirect(name string) (*core.RedirectError, error) {
	data, err := afero.ReadFile(r.fs, name)
	if os.IsNotExist(err) {
		return nil, errors.Wrap(ErrNotFound, name)
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	fields := strings.Fields(string(data))
	switch len(fields) {
	case 1:
		return &core.RedirectError{Location: fields[0]}, nil
	case 2:
		status, err := strconv.Atoi(fields[0])
		if err == nil {
			return &core.RedirectError{Location: fields[1], Status: status}, nil
		}
	}
	return nil, errors.Errorf("malformed redirect fixture %s", name)
}

type closingChunks struct {
	core.ChunkReader
	c io.Closer
}

func (c *closingChunks) Next(ctx context.Context) ([]byte, error) {
	chunk, err := c.ChunkReader.Next(ctx)
	if err != nil {
		_ = c.c.Close()
	}
	return chunk, err
}

// Render writes markup of flight tree to w.
func Render(w io.Writer, text string) error {
	root, err := lines.Parse(text, nil)
	if err != nil {
		return err
	}
	nodes, err := toNodes(root)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	for _, n := range nodes {
		if n.Type == html.ElementNode && n.Data == "html" {
			buf.WriteString("<!DOCTYPE html>")
		}
		if err := html.Render(&buf, n); err != nil {
			return errors.WithStack(err)
		}
	}
	_, err = buf.WriteTo(w)
	return err
}

func toNodes(v interface{}) ([]*html.Node, error) {
	switch x := v.(type) {
	case nil, bool, *lines.ServerReference, *lines.ClientReference:
		return nil, nil
	case string:
		return []*html.Node{{Type: html.TextNode, Data: x}}, nil
	case float64:
		return []*html.Node{{Type: html.TextNode, Data: strconv.FormatFloat(x, 'f', -1, 64)}}, nil
	case []interface{}:
		if len(x) == 4 && x[0] == "$" {
			props, _ := x[3].(map[string]interface{})
			return element(x[1], props)
		}
		var out []*html.Node
		for _, el := range x {
			nodes, err := toNodes(el)
			if err != nil {
				return nil, err
			}
			out = append(out, nodes...)
		}
		return out, nil
	}
	return nil, errors.Errorf("unexpected %T in element tree", v)
}

func element(typ interface{}, props map[string]interface{}) ([]*html.Node, error) {
	children, err := toNodes(props["children"])
	if err != nil {
		return nil, err
	}
	switch t := typ.(type) {
	case *lines.ClientReference:
		marker := &html.Node{Type: html.CommentNode, Data: "client:" + t.Name}
		return append([]*html.Node{marker}, children...), nil
	case string:
		if t == "outlet" {
			name, _ := props["name"].(string)
			return []*html.Node{{Type: html.CommentNode, Data: "outlet:" + flight.SanitizeOutlet(name)}}, nil
		}
		n := &html.Node{Type: html.ElementNode, Data: t, Attr: attributes(props)}
		for _, c := range children {
			n.AppendChild(c)
		}
		return []*html.Node{n}, nil
	}
	return nil, errors.Errorf("unexpected element type %v", typ)
}

func attributes(props map[string]interface{}) []html.Attribute {
	keys := make([]string, 0, len(props))
	for k := range props {
		if k != "children" && k != "key" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var attrs []html.Attribute
	for _, k := range keys {
		name := k
		switch k {
		case "className":
			name = "class"
		case "htmlFor":
			name = "for"
		}
		switch v := props[k].(type) {
		case string:
			attrs = append(attrs, html.Attribute{Key: name, Val: v})
		case float64:
			attrs = append(attrs, html.Attribute{Key: name, Val: strconv.FormatFloat(v, 'f', -1, 64)})
		case bool:
			if v {
				attrs = append(attrs, html.Attribute{Key: name})
			}
		}
	}
	return attrs
}
