// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package tagcache

import (
	"encoding/base64"
	"strings"

	"github.com/pkg/errors"

	"github.com/yandex/outlet/core/flight"
)

const (
	TypeRaw = "raw"
	TypeRSC = "rsc"
)

// codec selects how body is kept in stored record.
type codec interface {
	encode(body []byte, r *record)
	decode(r *record) ([]byte, error)
}

// parseCodec parses type hint: "raw" or "rsc;<encoding>".
func parseCodec(hint string) (codec, error) {
	hint = strings.TrimSpace(hint)
	if hint == "" || hint == TypeRaw {
		return rawCodec{}, nil
	}
	kind, encoding, _ := strings.Cut(hint, ";")
	if strings.TrimSpace(kind) != TypeRSC {
		return nil, errors.Errorf("unknown cache value type %q", hint)
	}
	encoding = strings.TrimSpace(encoding)
	if encoding == "" {
		encoding = "utf-8"
	}
	return rscCodec{prefix: "data:" + flight.ContentType + ";" + encoding + ";base64,"}, nil
}

type rawCodec struct{}

func (rawCodec) encode(body []byte, r *record) { r.Body = body }

func (rawCodec) decode(r *record) ([]byte, error) { return r.Body, nil }

// rscCodec keeps body as data URI, that component deserializer can load directly.
type rscCodec struct{ prefix string }

func (c rscCodec) encode(body []byte, r *record) {
	r.URI = c.prefix + base64.StdEncoding.EncodeToString(body)
}

func (c rscCodec) decode(r *record) ([]byte, error) {
	if r.URI == "" {
		return r.Body, nil
	}
	i := strings.Index(r.URI, ";base64,")
	if !strings.HasPrefix(r.URI, "data:") || i < 0 {
		return nil, errors.Errorf("malformed data uri %.32q", r.URI)
	}
	body, err := base64.StdEncoding.DecodeString(r.URI[i+len(";base64,"):])
	return body, errors.Wrap(err, "data uri decode")
}
