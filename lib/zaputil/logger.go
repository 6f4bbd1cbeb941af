// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

// Package zaputil contains zap logger construction helpers.
package zaputil

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

type Config struct {
	Level  zapcore.Level `config:"level"`
	Format string        `config:"format"`
	// Development enables caller and stacktraces on warnings.
	Development bool `config:"development"`
}

func DefaultConfig() Config {
	return Config{Level: zapcore.InfoLevel, Format: FormatConsole}
}

// NewLogger creates logger writing to out.
func NewLogger(conf Config, out zapcore.WriteSyncer) (*zap.Logger, error) {
	var encoder zapcore.Encoder
	switch conf.Format {
	case FormatConsole, "":
		ec := zap.NewDevelopmentEncoderConfig()
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewConsoleEncoder(ec)
	case FormatJSON:
		encoder = zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	default:
		return nil, errors.Errorf("unknown log format %q", conf.Format)
	}
	core := NewStackExtractCore(zapcore.NewCore(encoder, out, zap.NewAtomicLevelAt(conf.Level)))
	opts := []zap.Option{zap.ErrorOutput(out)}
	if conf.Development {
		opts = append(opts, zap.Development(), zap.AddCaller(), zap.AddStacktrace(zapcore.WarnLevel))
	}
	return zap.New(core, opts...), nil
}
