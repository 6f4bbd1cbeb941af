// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package interleave

import (
	"bytes"
	"io"
)

// sink is response body writer. Until commit output is buffered and may be
// discarded. After commit writes go to pipe, and block until body is read.
type sink struct {
	pre       bytes.Buffer
	pr        *io.PipeReader
	pw        *io.PipeWriter
	committed bool
	written   int64
}

func newSink() *sink {
	pr, pw := io.Pipe()
	return &sink{pr: pr, pw: pw}
}

func (s *sink) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	s.written += int64(len(p))
	if !s.committed {
		return s.pre.Write(p)
	}
	return s.pw.Write(p)
}

// commit returns body. Buffered output is read first.
func (s *sink) commit() io.ReadCloser {
	s.committed = true
	return &body{Reader: io.MultiReader(bytes.NewReader(s.pre.Bytes()), s.pr), pr: s.pr}
}

func (s *sink) close(err error) {
	if err != nil {
		_ = s.pw.CloseWithError(err)
		return
	}
	_ = s.pw.Close()
}

type body struct {
	io.Reader
	pr *io.PipeReader
}

func (b *body) Close() error {
	return b.pr.Close()
}
