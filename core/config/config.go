// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

// Package config decodes and validates outlet component configs.
// Fields are matched by `config:""` tag, case insensitive. Unused input keys are errors,
// so that misspelled option is not silently ignored.
package config

import (
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
)

const TagName = "config"

// Decode decodes conf over result. Fields absent in conf keep their values,
// so result is usually prefilled by component DefaultConfig.
func Decode(conf interface{}, result interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:  defaultHooks.compiled(),
		ErrorUnused: true,
		TagName:     TagName,
		Result:      result,
	})
	if err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(decoder.Decode(conf))
}

// DecodeAndValidate decodes conf over result, and validates result `validate:""` tags.
func DecodeAndValidate(conf interface{}, result interface{}) error {
	if err := Decode(conf, result); err != nil {
		return err
	}
	return Validate(result)
}

type TypeHook mapstructure.DecodeHookFuncType

// AddTypeHook registers hook applied after default ones.
// Returns value, so it can be called in var declaration: var _ = AddTypeHook(xxx)
func AddTypeHook(hook TypeHook) (_ struct{}) {
	defaultHooks.add(mapstructure.DecodeHookFuncType(hook))
	return
}

func DefaultHooks() []mapstructure.DecodeHookFunc {
	return []mapstructure.DecodeHookFunc{
		VariableInjectHook,
		DebugHook,
		TextUnmarshallerHook,
		mapstructure.StringToTimeDurationHookFunc(),
		StringToURLHook,
		StringToDataSizeHook,
	}
}

// hookChain is hook list composed lazily on first decode after change.
type hookChain struct {
	mu       sync.Mutex
	hooks    []mapstructure.DecodeHookFunc
	composed mapstructure.DecodeHookFunc
}

var defaultHooks = &hookChain{hooks: DefaultHooks()}

func (c *hookChain) add(hook mapstructure.DecodeHookFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, hook)
	c.composed = nil
}

func (c *hookChain) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = DefaultHooks()
	c.composed = nil
}

func (c *hookChain) compiled() mapstructure.DecodeHookFunc {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.composed == nil {
		c.composed = mapstructure.ComposeDecodeHookFunc(c.hooks...)
	}
	return c.composed
}
