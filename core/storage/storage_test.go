package storage

import (
	"context"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/yandex/outlet/core"
	"github.com/yandex/outlet/lib/testutil"
)

type StorageSuite struct {
	suite.Suite
	newStorage func() core.Storage
	storage    core.Storage
	ctx        context.Context
}

func (s *StorageSuite) SetupTest() {
	s.storage = s.newStorage()
	s.ctx = context.Background()
}

func (s *StorageSuite) TestMiss() {
	v, ok, err := s.storage.GetItem(s.ctx, "missing")
	s.Require().NoError(err)
	s.False(ok)
	s.Nil(v)
}

func (s *StorageSuite) TestSetGetRemove() {
	s.Require().NoError(s.storage.SetItem(s.ctx, "key", []byte("value\x00\xff")))
	v, ok, err := s.storage.GetItem(s.ctx, "key")
	s.Require().NoError(err)
	s.True(ok)
	s.Equal([]byte("value\x00\xff"), v)

	s.Require().NoError(s.storage.SetItem(s.ctx, "key", []byte("other")))
	v, _, _ = s.storage.GetItem(s.ctx, "key")
	s.Equal([]byte("other"), v)

	s.Require().NoError(s.storage.RemoveItem(s.ctx, "key"))
	_, ok, err = s.storage.GetItem(s.ctx, "key")
	s.Require().NoError(err)
	s.False(ok)
	s.NoError(s.storage.RemoveItem(s.ctx, "key"), "remove of missing is not error")
}

func (s *StorageSuite) TestCanceledContext() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	s.ErrorIs(s.storage.SetItem(ctx, "key", nil), context.Canceled)
	_, _, err := s.storage.GetItem(ctx, "key")
	s.ErrorIs(err, context.Canceled)
}

func TestMemory(t *testing.T) {
	suite.Run(t, &StorageSuite{newStorage: func() core.Storage { return NewMemory(0) }})
}

func TestFile(t *testing.T) {
	suite.Run(t, &StorageSuite{newStorage: func() core.Storage {
		return NewFile(afero.NewMemMapFs(), "/var/cache/outlet")
	}})
}

func TestMemoryCapacity(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(2)
	for _, k := range []string{"a", "b", "c"} {
		require.NoError(t, m.SetItem(ctx, k, []byte(k)))
	}
	assert.Equal(t, 2, m.Len())
	_, ok, _ := m.GetItem(ctx, "a")
	assert.False(t, ok, "least recently used item evicted")
}

func TestMemoryReturnsCopy(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(0)
	value := []byte("abc")
	require.NoError(t, m.SetItem(ctx, "k", value))
	value[0] = 'x'
	got, _, _ := m.GetItem(ctx, "k")
	assert.Equal(t, []byte("abc"), got)
}

func TestNew(t *testing.T) {
	s, err := New(nil, DefaultConfig())
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	s, err = New(afero.NewMemMapFs(), Config{Type: TypeFile, Path: "/tmp/cache"})
	require.NoError(t, err)
	assert.IsType(t, &File{}, s)

	_, err = New(nil, Config{Type: TypeFile})
	assert.Error(t, err)
	_, err = New(nil, Config{Type: "redis"})
	assert.Error(t, err)
}

func TestFileDocument(t *testing.T) {
	ctx := context.Background()
	fs := afero.NewMemMapFs()
	f := NewFile(fs, "/cache")
	require.NoError(t, f.SetItem(ctx, "k", []byte("abc")))
	assert.JSONEq(t, `{"key":"k","value":"YWJj"}`, testutil.ReadFileString(t, fs, f.path("k")))

	require.NoError(t, afero.WriteFile(fs, f.path("k"), []byte(`{"key":"other","value":"YWJj"}`), 0644))
	_, ok, err := f.GetItem(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "hash collision is miss")
}
