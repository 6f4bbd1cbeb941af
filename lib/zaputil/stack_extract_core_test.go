package zaputil

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func plainFields(n int) []zapcore.Field {
	return []zapcore.Field{
		zap.Int("n", n), zap.Error(fmt.Errorf("plain %d", n)),
	}
}

func stackOf(err error) string {
	return fmt.Sprintf("%+v", err.(stackedErr).StackTrace())
}

func TestStackExtractCore(t *testing.T) {
	t.Run("plain errors pass", func(t *testing.T) {
		nested, logs := observer.New(zap.DebugLevel)
		log := zap.New(NewStackExtractCore(nested)).With(plainFields(1)...)
		log.Debug("render", plainFields(2)...)

		require.Equal(t, 1, logs.Len())
		entry := logs.All()[0]
		assert.Equal(t, "render", entry.Message)
		assert.Empty(t, entry.Stack)
		assert.Equal(t, append(plainFields(1), plainFields(2)...), entry.Context)
	})

	t.Run("stack moved on write", func(t *testing.T) {
		err := errors.New("fixture not found")
		nested, logs := observer.New(zap.DebugLevel)
		core := NewStackExtractCore(nested)

		fields := append(plainFields(1), zap.Error(err))
		before := append([]zapcore.Field(nil), fields...)
		entry := zapcore.Entry{Message: "failed"}
		require.NoError(t, core.Write(entry, fields))

		entry.Stack = "error stacktrace:" + stackOf(err)
		require.Equal(t, 1, logs.Len())
		assert.Equal(t, observer.LoggedEntry{
			Entry:   entry,
			Context: append(plainFields(1), zap.String("error", "fixture not found")),
		}, logs.All()[0])
		assert.Equal(t, before, fields)
	})

	t.Run("stack moved on with", func(t *testing.T) {
		cause := fmt.Errorf("storage is down")
		err := errors.WithStack(cause)
		nested, logs := observer.New(zap.DebugLevel)
		core := NewStackExtractCore(nested).With([]zapcore.Field{zap.Error(err)})

		entry := zapcore.Entry{Message: "failed"}
		require.NoError(t, core.Write(entry, nil))

		entry.Stack = "error stacktrace:" + stackOf(err)
		assert.Equal(t, observer.LoggedEntry{
			Entry:   entry,
			Context: []zapcore.Field{zap.Error(cause)},
		}, logs.All()[0])
	})

	t.Run("stacks joined", func(t *testing.T) {
		err := errors.New("redirect")
		nested, logs := observer.New(zap.DebugLevel)
		core := NewStackExtractCore(nested)

		entry := zapcore.Entry{Message: "failed", Stack: "entry stack"}
		require.NoError(t, core.Write(entry, []zapcore.Field{zap.NamedError("render", err)}))

		assert.Equal(t, "entry stack\nrender stacktrace:"+stackOf(err), logs.All()[0].Stack)
	})

	t.Run("level respected", func(t *testing.T) {
		nested, logs := observer.New(zap.InfoLevel)
		log := zap.New(NewStackExtractCore(nested))
		log.Debug("skipped")
		assert.Zero(t, logs.Len())
	})
}

func TestNewLogger(t *testing.T) {
	var out bytes.Buffer
	conf := DefaultConfig()
	conf.Format = FormatJSON
	log, err := NewLogger(conf, zapcore.AddSync(&out))
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("served", zap.Error(errors.New("oops")))
	require.NoError(t, log.Sync())

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], `"msg":"served"`)
	assert.Contains(t, lines[0], `"error":"oops"`)
	assert.Contains(t, lines[0], "error stacktrace:")

	_, err = NewLogger(Config{Format: "xml"}, zapcore.AddSync(&out))
	assert.Error(t, err)
}
