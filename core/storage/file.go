// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/yandex/outlet/core"
)

// File stores every item in separate file under root dir.
// File name is key hash, so item document carries key to detect hash collisions.
type File struct {
	fs   afero.Afero
	root string
}

var _ core.Storage = (*File)(nil)

func NewFile(fs afero.Fs, root string) *File {
	return &File{afero.Afero{Fs: fs}, root}
}

type fileItem struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

func (f *File) path(key string) string {
	return filepath.Join(f.root, fmt.Sprintf("%016x.json", xxhash.Sum64String(key)))
}

func (f *File) GetItem(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	data, err := f.fs.ReadFile(f.path(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrapf(err, "read item %q", key)
	}
	var item fileItem
	err = jsoniter.Unmarshal(data, &item)
	if err != nil {
		return nil, false, errors.Wrapf(err, "decode item %q", key)
	}
	if item.Key != key {
		return nil, false, nil
	}
	return item.Value, true, nil
}

func (f *File) SetItem(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := jsoniter.Marshal(fileItem{Key: key, Value: value})
	if err != nil {
		return errors.WithStack(err)
	}
	err = f.fs.MkdirAll(f.root, 0755)
	if err != nil {
		return errors.Wrap(err, "create storage dir")
	}
	return errors.Wrapf(f.fs.WriteFile(f.path(key), data, 0644), "write item %q", key)
}

func (f *File) RemoveItem(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := f.fs.Remove(f.path(key))
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove item %q", key)
	}
	return nil
}
