package errutil

import (
	"context"
	"errors"
	"fmt"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoin(t *testing.T) {
	err1 := errors.New("error message")
	err2 := errors.New("error message 2")
	tests := []struct {
		name        string
		err1        error
		err2        error
		wantMessage string
	}{
		{name: "nil result"},
		{name: "first error only", err1: err1, wantMessage: "error message"},
		{name: "second error only", err2: err2, wantMessage: "error message 2"},
		{
			name:        "two errors",
			err1:        err1,
			err2:        err2,
			wantMessage: "2 errors occurred:\n\t* error message\n\t* error message 2\n\n",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Join(tt.err1, tt.err2)
			if tt.wantMessage == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantMessage, err.Error())
		})
	}
}

func TestIsCtxError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	assert.False(t, IsCtxError(ctx, nil))
	assert.False(t, IsCtxError(ctx, context.Canceled), "ctx is not done yet")
	cancel()
	assert.True(t, IsCtxError(ctx, context.Canceled))
	assert.True(t, IsCtxError(ctx, pkgerrors.WithStack(context.Canceled)))
	assert.True(t, IsCtxError(ctx, fmt.Errorf("fetch: %w", context.Canceled)))
	assert.False(t, IsCtxError(ctx, errors.New("other")))
}

func TestIsCanceled(t *testing.T) {
	assert.False(t, IsCanceled(nil))
	assert.True(t, IsCanceled(pkgerrors.Wrap(context.Canceled, "read")))
	assert.True(t, IsCanceled(fmt.Errorf("x: %w", context.DeadlineExceeded)))
	assert.False(t, IsCanceled(errors.New("boom")))
}
