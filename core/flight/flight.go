// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

// Package flight contains flight protocol constants and helpers shared by
// server and client sides: media types, headers, outlet naming and flight
// path convention, and line record scanning.
package flight

import (
	"bytes"
	"regexp"
	"strings"
)

const (
	ContentType = "text/x-component"
	HTMLType    = "text/html"

	HeaderAccept        = "Accept"
	HeaderOutlet        = "React-Server-Outlet"
	HeaderAction        = "React-Server-Action"
	HeaderPrefetch      = "React-Server-Prefetch"
	HeaderRender        = "React-Server-Render"
	HeaderData          = "React-Server-Data"
	HeaderCacheControl  = "Cache-Control"
	HeaderLastModified  = "Last-Modified"
	HeaderModifiedSince = "If-Modified-Since"

	// ActionFieldPrefix is multipart field name prefix of inline bound action.
	ActionFieldPrefix = "$ACTION_ID_"

	// PageRoot is distinguished outlet name of the top level document.
	PageRoot = "PAGE_ROOT"

	flightSuffix = "rsc.x-component"
)

// Accept is parsed accept header.
type Accept struct {
	// Flight is true, when flight only response requested.
	Flight     bool
	Standalone bool
	Remote     bool
}

// ParseAccept parses accept header value. Standalone and remote parameters are
// recognized only on text/x-component media range.
func ParseAccept(value string) Accept {
	var a Accept
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		media, params := splitMedia(part)
		if media != ContentType {
			continue
		}
		a.Flight = true
		for _, p := range params {
			switch p {
			case "standalone":
				a.Standalone = true
			case "remote":
				a.Remote = true
			}
		}
	}
	return a
}

func splitMedia(part string) (string, []string) {
	media := part
	if i := strings.IndexByte(part, ';'); i >= 0 {
		media = part[:i]
	}
	return strings.ToLower(strings.TrimSpace(media)), nonValueParams(part)
}

// nonValueParams returns bare parameters like ";standalone".
func nonValueParams(part string) []string {
	fields := strings.Split(part, ";")
	var out []string
	for _, f := range fields[1:] {
		f = strings.ToLower(strings.TrimSpace(f))
		if f != "" && !strings.Contains(f, "=") {
			out = append(out, f)
		}
	}
	return out
}

// AcceptHeader formats accept header for flight request.
func AcceptHeader(standalone, remote bool) string {
	v := ContentType
	if standalone {
		v += ";standalone"
	}
	if remote {
		v += ";remote"
	}
	return v
}

var outletUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// SanitizeOutlet makes outlet name safe to be used as identifier.
func SanitizeOutlet(name string) string {
	return outletUnsafe.ReplaceAllString(name, "_")
}

// IsRoot returns true for page root outlet.
func IsRoot(outlet string) bool {
	return outlet == "" || outlet == PageRoot
}

// Path returns flight endpoint path for pathname and outlet:
// <pathname>/rsc.x-component for root, <pathname>/@<outlet>.rsc.x-component otherwise.
func Path(pathname, outlet string) string {
	base := strings.TrimRight(pathname, "/")
	if IsRoot(outlet) {
		return base + "/" + flightSuffix
	}
	return base + "/@" + outlet + "." + flightSuffix
}

// ParsePath is inverse of Path. Ok is false if path is not flight endpoint path.
func ParsePath(path string) (pathname string, outlet string, ok bool) {
	if !strings.HasSuffix(path, flightSuffix) {
		return "", "", false
	}
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "", "", false
	}
	pathname, last := path[:i], path[i+1:]
	if pathname == "" {
		pathname = "/"
	}
	if last == flightSuffix {
		return pathname, "", true
	}
	if !strings.HasPrefix(last, "@") {
		return "", "", false
	}
	outlet = strings.TrimSuffix(last[1:], "."+flightSuffix)
	if outlet == "" || outlet == last[1:] {
		return "", "", false
	}
	return pathname, outlet, true
}

var (
	rootRecord   = []byte("0:")
	importRecord = regexp.MustCompile(`(?m)^[0-9a-f]+:I\[`)
)

// HasRoot returns true if data contains root record start.
func HasRoot(data []byte) bool {
	if bytes.HasPrefix(data, rootRecord) {
		return true
	}
	return bytes.Contains(data, []byte("\n0:"))
}

// HasClientReference returns true if data contains client component import record.
func HasClientReference(data []byte) bool {
	return importRecord.Match(data)
}

// SplitRecords splits data at last record boundary. Complete records are returned
// in head, partial trailing record in tail.
func SplitRecords(data []byte) (head, tail []byte) {
	i := bytes.LastIndexByte(data, '\n')
	if i < 0 {
		return nil, data
	}
	return data[:i+1], data[i+1:]
}
