// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package server

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/yandex/outlet/core"
)

var ErrActionNotFound = errors.New("server action not found")

// Action is server function callable from client.
type Action func(ctx context.Context, args []interface{}) (interface{}, error)

// ActionLoader loads exports of action module. Called at most once per module.
type ActionLoader func(ctx context.Context) (map[string]Action, error)

// Actions is registry of server action modules. Action id is "<module>#<export>".
type Actions struct {
	mu      sync.Mutex
	modules map[string]*actionModule
}

type actionModule struct {
	load    ActionLoader
	once    sync.Once
	exports map[string]Action
	err     error
}

func NewActions() *Actions {
	return &Actions{modules: map[string]*actionModule{}}
}

// Register registers module loader. Panics, if module is already registered.
func (a *Actions) Register(module string, load ActionLoader) {
	expect(module != "", "empty action module name")
	expect(load != nil, "nil loader of action module %q", module)
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.modules[module]
	expect(!ok, "action module %q had been already registered", module)
	a.modules[module] = &actionModule{load: load}
}

// RegisterFunc registers module of single function export.
func (a *Actions) RegisterFunc(id string, f Action) {
	module, name := splitActionID(id)
	a.Register(module, func(context.Context) (map[string]Action, error) {
		return map[string]Action{name: f}, nil
	})
}

// Lookup returns action by id, loading its module if needed.
// Module load error is returned on every lookup of the module.
func (a *Actions) Lookup(ctx context.Context, id string) (Action, error) {
	module, name := splitActionID(id)
	a.mu.Lock()
	m := a.modules[module]
	a.mu.Unlock()
	if m == nil {
		return nil, errors.Wrapf(ErrActionNotFound, "module %q", module)
	}
	m.once.Do(func() {
		m.exports, m.err = m.load(ctx)
		if m.err != nil {
			m.err = errors.WithMessagef(m.err, "action module %q load", module)
		}
	})
	if m.err != nil {
		return nil, m.err
	}
	f := m.exports[name]
	if f == nil {
		return nil, errors.Wrapf(ErrActionNotFound, "%s", id)
	}
	return f, nil
}

// Call looks up and invokes action. Lookup failures are reported in result.
func (a *Actions) Call(ctx context.Context, id string, args []interface{}) *core.ActionResult {
	res := &core.ActionResult{ID: id}
	f, err := a.Lookup(ctx, id)
	if err != nil {
		res.Err = err
		return res
	}
	res.Value, res.Err = f(ctx, args)
	return res
}

func splitActionID(id string) (module, name string) {
	module, name, ok := strings.Cut(id, "#")
	if !ok || name == "" {
		return module, "default"
	}
	return module, name
}

func expect(b bool, format string, args ...interface{}) {
	if !b {
		panic(fmt.Sprintf(format, args...))
	}
}
