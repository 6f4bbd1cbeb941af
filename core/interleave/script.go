// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package interleave

import (
	"bytes"
	"html"

	jsoniter "github.com/json-iterator/go"
)

// Browser side globals. Root flight is fed to __flightStream__, outlet flight
// to __flightStream__<outlet>.
const (
	streamGlobal  = "__flightStream__"
	writerGlobal  = "__flightWriter__"
	encoderGlobal = "__flightEncoder__"
)

// OutletMarker returns placeholder comment, that renderer emits where outlet content should be.
func OutletMarker(outlet string) string {
	return markerPrefix + outlet + markerSuffix
}

const (
	markerPrefix = "<!--outlet:"
	markerSuffix = "-->"
)

// std compatible config escapes <, > and & in strings, so chunk can't close script tag.
var scriptJSON = jsoniter.ConfigCompatibleWithStandardLibrary

func flightScript(outlet string, chunk []byte) []byte {
	data, err := scriptJSON.Marshal(string(chunk))
	if err != nil {
		// Marshal of string can't fail.
		panic(err)
	}
	var b bytes.Buffer
	b.WriteString("<script>self.")
	b.WriteString(writerGlobal + outlet)
	b.WriteString(".enqueue(self." + encoderGlobal + ".encode(")
	b.Write(data)
	b.WriteString("));document.currentScript.remove()</script>")
	return b.Bytes()
}

func streamScript(outlet string) []byte {
	return []byte("<script>self." + encoderGlobal + "=self." + encoderGlobal + "||new TextEncoder();" +
		"self." + streamGlobal + outlet + "=new ReadableStream({start(c){self." + writerGlobal + outlet + "=c}});" +
		"document.currentScript.remove()</script>")
}

func closeScript(outlet string) []byte {
	return []byte("<script>self." + writerGlobal + outlet + ".close();document.currentScript.remove()</script>")
}

func bootstrap(modules []string) []byte {
	var b bytes.Buffer
	b.Write(streamScript(""))
	for _, m := range modules {
		b.WriteString(`<script type="module" src="`)
		b.WriteString(html.EscapeString(m))
		b.WriteString(`" async></script>`)
	}
	return b.Bytes()
}
