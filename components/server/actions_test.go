package server

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestActionsLoadModuleOnce(t *testing.T) {
	ctx := context.Background()
	a := NewActions()
	var loads atomic.Int32
	a.Register("./todo.js", func(context.Context) (map[string]Action, error) {
		loads.Inc()
		return map[string]Action{
			"add": func(ctx context.Context, args []interface{}) (interface{}, error) {
				return len(args), nil
			},
			"default": func(ctx context.Context, args []interface{}) (interface{}, error) {
				return "default", nil
			},
		}, nil
	})

	res := a.Call(ctx, "./todo.js#add", []interface{}{1, 2})
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.Value)
	assert.Equal(t, "./todo.js#add", res.ID)

	res = a.Call(ctx, "./todo.js", nil)
	require.NoError(t, res.Err)
	assert.Equal(t, "default", res.Value)

	res = a.Call(ctx, "./todo.js#remove", nil)
	assert.Equal(t, ErrActionNotFound, errors.Cause(res.Err))
	assert.EqualValues(t, 1, loads.Load())
}

func TestActionsLoadErrorIsSticky(t *testing.T) {
	ctx := context.Background()
	a := NewActions()
	failure := errors.New("syntax error")
	var loads atomic.Int32
	a.Register("broken", func(context.Context) (map[string]Action, error) {
		loads.Inc()
		return nil, failure
	})
	for i := 0; i < 2; i++ {
		_, err := a.Lookup(ctx, "broken#x")
		assert.Equal(t, failure, errors.Cause(err))
	}
	assert.EqualValues(t, 1, loads.Load())
}

func TestActionsRegister(t *testing.T) {
	a := NewActions()
	a.RegisterFunc("m#f", func(ctx context.Context, args []interface{}) (interface{}, error) {
		return nil, nil
	})
	assert.Panics(t, func() { a.RegisterFunc("m#g", nil) })
	assert.Panics(t, func() { a.Register("", nil) })

	_, err := a.Lookup(context.Background(), "other#f")
	assert.Equal(t, ErrActionNotFound, errors.Cause(err))
}

func TestSplitActionID(t *testing.T) {
	for _, tc := range []struct{ id, module, name string }{
		{"mod#fn", "mod", "fn"},
		{"mod", "mod", "default"},
		{"mod#", "mod", "default"},
		{"./a.js#b#c", "./a.js", "b#c"},
	} {
		module, name := splitActionID(tc.id)
		assert.Equal(t, tc.module, module, tc.id)
		assert.Equal(t, tc.name, name, tc.id)
	}
}
