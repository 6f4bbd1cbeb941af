// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

// Package offset remaps chunk local reference ids by per outlet prefix, so
// independently rendered outlet subtrees can share one id space.
//
// Rewrite is textual and relies on line oriented flight records.
// Offset must be applied exactly once per sub-stream: applying it twice
// prefixes ids twice.
package offset

import (
	"fmt"
	"regexp"

	"github.com/cespare/xxhash/v2"
)

// Width is offset width in hex digits. 16 bits.
const Width = 4

// Offset is fixed width lowercase hex prefix.
type Offset string

// For returns deterministic offset of outlet name.
func For(outlet string) Offset {
	return Offset(fmt.Sprintf("%0*x", Width, uint16(xxhash.Sum64String(outlet))))
}

var (
	recordID  = regexp.MustCompile(`(?m)^([0-9a-f]+):`)
	reference = regexp.MustCompile(`"\$([@LF]?)([0-9a-f]+)"`)
	marker    = regexp.MustCompile(`(["'])([SPB]):([0-9a-f]+)(["'])`)
)

// Apply prefixes every record id and reference token in flight text by off.
func Apply(text string, off Offset) string {
	o := string(off)
	text = recordID.ReplaceAllString(text, o+"$1:")
	return reference.ReplaceAllString(text, `"$$${1}`+o+`${2}"`)
}

// ApplyToMarkup prefixes suspense placeholder ids in html by off.
// Both id attributes and arguments of resolve marker calls are quoted, so
// they are matched the same way.
func ApplyToMarkup(html string, off Offset) string {
	return marker.ReplaceAllString(html, "${1}${2}:"+string(off)+"${3}${4}")
}

// Strip removes off prefix applied by Apply.
func Strip(text string, off Offset) string {
	prefixed := regexp.MustCompile(`(?m)(^|"\$[@LF]?)` + regexp.QuoteMeta(string(off)) + `([0-9a-f]+)`)
	return prefixed.ReplaceAllString(text, "${1}${2}")
}
