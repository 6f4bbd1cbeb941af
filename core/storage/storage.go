// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

// Package storage contains core.Storage drivers for response cache.
package storage

import (
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/yandex/outlet/core"
)

const (
	TypeMemory = "memory"
	TypeFile   = "file"
)

type Config struct {
	// Type is driver name: memory or file.
	Type string `config:"type" validate:"required"`
	// Capacity limits number of items in memory driver. Zero means no limit.
	Capacity uint64 `config:"capacity"`
	// Path is root directory of file driver.
	Path string `config:"path"`
}

func DefaultConfig() Config {
	return Config{Type: TypeMemory}
}

// New creates driver by config. Fs is used only by file driver.
func New(fs afero.Fs, conf Config) (core.Storage, error) {
	switch conf.Type {
	case TypeMemory, "":
		return NewMemory(conf.Capacity), nil
	case TypeFile:
		if conf.Path == "" {
			return nil, errors.New("file storage: path required")
		}
		return NewFile(fs, conf.Path), nil
	default:
		return nil, errors.Errorf("unknown storage type %q", conf.Type)
	}
}
