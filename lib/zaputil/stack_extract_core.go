// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package zaputil

import (
	"fmt"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// NewStackExtractCore returns core, that moves github.com/pkg/errors stack traces
// of error fields into entry stack. Console encoder prints entry stack multiline,
// while %+v of error field is printed as a single escaped line.
// Check of nested core is not called: only its level is respected.
func NewStackExtractCore(c zapcore.Core) zapcore.Core {
	return &stackExtractCore{Core: c}
}

type stackExtractCore struct {
	zapcore.Core
	// stacks of fields added by With.
	stacks string
}

type stackedErr interface {
	error
	StackTrace() errors.StackTrace
}

type causer interface {
	Cause() error
}

func (c *stackExtractCore) With(fields []zapcore.Field) zapcore.Core {
	fields, stacks := extractStacks(fields)
	return &stackExtractCore{
		Core:   c.Core.With(fields),
		stacks: joinStacks(c.stacks, stacks),
	}
}

func (c *stackExtractCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *stackExtractCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	fields, stacks := extractStacks(fields)
	if stacks = joinStacks(c.stacks, stacks); stacks != "" {
		ent.Stack = joinStacks(ent.Stack, stacks)
	}
	return c.Core.Write(ent, fields)
}

// extractStacks replaces stacked errors with their causes. Passed fields are not modified.
func extractStacks(fields []zapcore.Field) ([]zapcore.Field, string) {
	var (
		out  []zapcore.Field
		buff *buffer.Buffer
	)
	for i, field := range fields {
		if field.Type != zapcore.ErrorType {
			continue
		}
		stacked, ok := field.Interface.(stackedErr)
		if !ok {
			continue
		}
		if out == nil {
			out = append([]zapcore.Field(nil), fields...)
			buff = bufferPool.Get()
			defer buff.Free()
		}
		if cause, ok := stacked.(causer); ok {
			field.Interface = cause.Cause()
		} else {
			field = zap.String(field.Key, stacked.Error())
		}
		out[i] = field
		if buff.Len() != 0 {
			buff.AppendByte('\n')
		}
		_, _ = fmt.Fprintf(buff, "%s stacktrace:%+v", field.Key, stacked.StackTrace())
	}
	if out == nil {
		return fields, ""
	}
	return out, buff.String()
}

func joinStacks(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + "\n" + b
}

var bufferPool = buffer.NewPool()
