// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package server

import (
	"io"
	"mime"
	"net/http"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/yandex/outlet/core"
	"github.com/yandex/outlet/core/flight"
)

var actionJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// request is parsed render endpoint request.
type request struct {
	render *core.RenderRequest
	// flight is true, when flight only response requested.
	flight bool
	accept string

	actionID string
	// header is true, when action is invoked by client reference call, and not by form submission.
	header    bool
	args      []interface{}
	decodeErr error
}

// parseRequest parses render request. Returned error means request body
// can't be read, and app render should not be attempted.
func parseRequest(r *http.Request, maxBody int64) (*request, error) {
	pathname, outlet, isFlightPath := flight.ParsePath(r.URL.Path)
	if !isFlightPath {
		pathname = r.URL.Path
	}
	accept := flight.ParseAccept(r.Header.Get(flight.HeaderAccept))
	if h := r.Header.Get(flight.HeaderOutlet); h != "" {
		outlet = h
	}
	outlet = flight.SanitizeOutlet(outlet)
	if flight.IsRoot(outlet) {
		outlet = ""
	}
	u := *r.URL
	u.Path, u.RawPath = pathname, ""

	req := &request{
		render: &core.RenderRequest{
			URL:        &u,
			Header:     r.Header,
			Outlet:     outlet,
			Standalone: accept.Standalone,
			Remote:     accept.Remote,
			Signals:    core.NewSignals(),
		},
		flight: accept.Flight || isFlightPath,
		accept: r.Header.Get(flight.HeaderAccept),
	}
	if r.Method != http.MethodPost {
		return req, nil
	}
	req.actionID = r.Header.Get(flight.HeaderAction)
	req.header = req.actionID != ""
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case mediaType == "multipart/form-data":
		return req, req.parseForm(r, maxBody)
	case req.actionID != "":
		return req, req.parseJSON(r, maxBody)
	}
	return req, nil
}

// parseForm reads submitted form. Action id is taken from $ACTION_ID_<id> field,
// unless set by header. Form fields are passed as single argument.
func (req *request) parseForm(r *http.Request, maxBody int64) error {
	if maxBody > 0 {
		r.Body = http.MaxBytesReader(nil, r.Body, maxBody)
	}
	if err := r.ParseMultipartForm(maxBody); err != nil {
		return errors.Wrap(err, "multipart form read")
	}
	form := map[string]interface{}{}
	for k, vs := range r.MultipartForm.Value {
		if strings.HasPrefix(k, flight.ActionFieldPrefix) {
			if req.actionID == "" {
				req.actionID = strings.TrimPrefix(k, flight.ActionFieldPrefix)
			}
			continue
		}
		if len(vs) == 1 {
			form[k] = vs[0]
			continue
		}
		form[k] = append([]string(nil), vs...)
	}
	for k, fhs := range r.MultipartForm.File {
		names := make([]string, len(fhs))
		for i, fh := range fhs {
			names[i] = fh.Filename
		}
		form[k] = names
	}
	req.args = []interface{}{form}
	return nil
}

// parseJSON reads JSON array of arguments. Malformed arguments are not
// request error: they are reported to render as action error.
func (req *request) parseJSON(r *http.Request, maxBody int64) error {
	body := io.Reader(r.Body)
	if maxBody > 0 {
		body = io.LimitReader(r.Body, maxBody+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return errors.Wrap(err, "action body read")
	}
	if maxBody > 0 && int64(len(data)) > maxBody {
		return errors.Errorf("action body exceeds %d bytes", maxBody)
	}
	if len(data) == 0 {
		return nil
	}
	if err := actionJSON.Unmarshal(data, &req.args); err != nil {
		req.decodeErr = errors.Wrapf(err, "action %s arguments decode", req.actionID)
	}
	return nil
}

// outletTag is outlet name used in cache tags.
func (req *request) outletTag() string {
	if req.render.Outlet == "" {
		return flight.PageRoot
	}
	return req.render.Outlet
}
