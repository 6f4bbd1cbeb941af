// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

// Package tagcache implements tag indexed response cache over core.Storage.
//
// Every entry is stored under canonical key of its tag set and is listed in
// reverse index of every its tag. Every tag has version. Entry remembers tag
// versions it was stored with, and is valid only while all of them are current.
// Deleting single tag bumps its version, so entries are invalidated lazily, on
// read. TTL is checked lazily on read too.
//
// There is no cross call locking: concurrent writers of same key race, last write wins.
package tagcache

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/yandex/outlet/core"
)

const (
	entryPrefix   = "entry:"
	indexPrefix   = "index:"
	versionPrefix = "version:"
	allKey        = "keys"
)

type Config struct {
	// Type is value type hint: raw or rsc;<encoding>.
	Type string `config:"type" validate:"omitempty,cache-type"`
	// TTL is default entry time to live. Zero means no expiration.
	TTL time.Duration `config:"ttl"`
}

func DefaultConfig() Config {
	return Config{Type: TypeRaw}
}

// Value is cached response.
type Value struct {
	Body   []byte
	Status int
	Header http.Header
}

// Entry is live cache entry.
type Entry struct {
	Tags      []string
	Value     Value
	ExpiresAt time.Time // Zero if entry never expires.
}

type record struct {
	Tags      []string          `json:"tags"`
	Versions  map[string]uint64 `json:"versions"`
	Body      []byte            `json:"body,omitempty"`
	URI       string            `json:"uri,omitempty"`
	Status    int               `json:"status,omitempty"`
	Header    http.Header       `json:"header,omitempty"`
	ExpiresAt int64             `json:"expiresAt,omitempty"` // Unix milliseconds.
}

type Cache struct {
	log     *zap.Logger
	storage core.Storage
	codec   codec
	ttl     time.Duration
	now     func() time.Time
}

func New(log *zap.Logger, storage core.Storage, conf Config) (*Cache, error) {
	if log == nil {
		log = zap.L()
	}
	c, err := parseCodec(conf.Type)
	if err != nil {
		return nil, err
	}
	return &Cache{
		log:     log,
		storage: storage,
		codec:   c,
		ttl:     conf.TTL,
		now:     time.Now,
	}, nil
}

// Key returns canonical key of tag set. Independent of tags order.
func Key(tags []string) string {
	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)
	return fmt.Sprintf("%016x", xxhash.Sum64String(strings.Join(sorted, "\x00")))
}

// Set stores value under tags. Non positive ttl means cache default.
func (c *Cache) Set(ctx context.Context, tags []string, value Value, ttl time.Duration) error {
	if len(tags) == 0 {
		return errors.New("at least one tag required")
	}
	if ttl <= 0 {
		ttl = c.ttl
	}
	key := Key(tags)
	rec := &record{
		Tags:     append([]string(nil), tags...),
		Versions: make(map[string]uint64, len(tags)),
		Status:   value.Status,
		Header:   value.Header,
	}
	for _, tag := range tags {
		v, err := c.version(ctx, tag)
		if err != nil {
			return err
		}
		rec.Versions[tag] = v
	}
	if ttl > 0 {
		rec.ExpiresAt = c.now().Add(ttl).UnixMilli()
	}
	c.codec.encode(value.Body, rec)
	data, err := jsoniter.Marshal(rec)
	if err != nil {
		return errors.WithStack(err)
	}
	err = c.storage.SetItem(ctx, entryPrefix+key, data)
	if err != nil {
		return err
	}
	for _, tag := range tags {
		err = c.addToIndex(ctx, indexPrefix+tag, key)
		if err != nil {
			return err
		}
	}
	return c.addToIndex(ctx, allKey, key)
}

// Get returns live entries for tags. Several tags are tried as exact tag set
// first, and on miss entries having all of the tags are returned.
// Empty tags returns all live entries.
func (c *Cache) Get(ctx context.Context, tags []string) ([]*Entry, error) {
	if len(tags) > 1 {
		e, err := c.GetExact(ctx, tags)
		if err != nil || e != nil {
			return entries(e), err
		}
	}
	keys, err := c.lookup(ctx, tags)
	if err != nil {
		return nil, err
	}
	var out []*Entry
	for _, key := range keys {
		e, err := c.load(ctx, key)
		if err != nil {
			return nil, err
		}
		if e != nil {
			out = append(out, e)
		}
	}
	return out, nil
}

// Has returns true if Get would return at least one entry.
func (c *Cache) Has(ctx context.Context, tags []string) (bool, error) {
	es, err := c.Get(ctx, tags)
	return len(es) > 0, err
}

// GetExact returns entry stored exactly under tags, or nil on miss.
func (c *Cache) GetExact(ctx context.Context, tags []string) (*Entry, error) {
	return c.load(ctx, Key(tags))
}

// Delete invalidates entries. Single tag is invalidated by version bump.
// For several tags entries having all of them are deleted. Empty tags deletes all entries.
func (c *Cache) Delete(ctx context.Context, tags []string) error {
	if len(tags) == 1 {
		return c.bump(ctx, tags[0])
	}
	keys, err := c.lookup(ctx, tags)
	if err != nil {
		return err
	}
	for _, key := range keys {
		err = c.storage.RemoveItem(ctx, entryPrefix+key)
		if err != nil {
			return err
		}
	}
	if len(tags) == 0 {
		return c.storage.RemoveItem(ctx, allKey)
	}
	return nil
}

// DeleteExact removes entry stored exactly under tags.
func (c *Cache) DeleteExact(ctx context.Context, tags []string) error {
	return c.storage.RemoveItem(ctx, entryPrefix+Key(tags))
}

func (c *Cache) bump(ctx context.Context, tag string) error {
	v, err := c.version(ctx, tag)
	if err != nil {
		return err
	}
	err = c.storage.SetItem(ctx, versionPrefix+tag, []byte(fmt.Sprint(v+1)))
	if err != nil {
		return err
	}
	c.log.Debug("Cache tag invalidated", zap.String("tag", tag), zap.Uint64("version", v+1))
	// All indexed entries became stale.
	return c.storage.RemoveItem(ctx, indexPrefix+tag)
}

func (c *Cache) version(ctx context.Context, tag string) (uint64, error) {
	data, ok, err := c.storage.GetItem(ctx, versionPrefix+tag)
	if err != nil || !ok {
		return 0, err
	}
	var v uint64
	_, err = fmt.Sscan(string(data), &v)
	return v, errors.Wrapf(err, "tag %q version", tag)
}

// load returns entry by canonical key, or nil if it is missing, expired or stale.
// Expired and stale entries are removed.
func (c *Cache) load(ctx context.Context, key string) (*Entry, error) {
	data, ok, err := c.storage.GetItem(ctx, entryPrefix+key)
	if err != nil || !ok {
		return nil, err
	}
	var rec record
	err = jsoniter.Unmarshal(data, &rec)
	if err != nil {
		return nil, errors.Wrapf(err, "entry %s decode", key)
	}
	live, err := c.live(ctx, &rec)
	if err != nil {
		return nil, err
	}
	if !live {
		return nil, c.storage.RemoveItem(ctx, entryPrefix+key)
	}
	body, err := c.codec.decode(&rec)
	if err != nil {
		return nil, err
	}
	e := &Entry{
		Tags:  rec.Tags,
		Value: Value{Body: body, Status: rec.Status, Header: rec.Header},
	}
	if rec.ExpiresAt != 0 {
		e.ExpiresAt = time.UnixMilli(rec.ExpiresAt)
	}
	return e, nil
}

func (c *Cache) live(ctx context.Context, rec *record) (bool, error) {
	if rec.ExpiresAt != 0 && c.now().UnixMilli() >= rec.ExpiresAt {
		return false, nil
	}
	for _, tag := range rec.Tags {
		v, err := c.version(ctx, tag)
		if err != nil {
			return false, err
		}
		if v != rec.Versions[tag] {
			return false, nil
		}
	}
	return true, nil
}

// lookup returns canonical keys listed in indexes of all tags.
func (c *Cache) lookup(ctx context.Context, tags []string) ([]string, error) {
	if len(tags) == 0 {
		return c.index(ctx, allKey)
	}
	var keys []string
	for i, tag := range tags {
		index, err := c.index(ctx, indexPrefix+tag)
		if err != nil {
			return nil, err
		}
		if i == 0 {
			keys = index
			continue
		}
		keys = intersect(keys, index)
	}
	return keys, nil
}

func (c *Cache) index(ctx context.Context, name string) ([]string, error) {
	data, ok, err := c.storage.GetItem(ctx, name)
	if err != nil || !ok {
		return nil, err
	}
	var keys []string
	err = jsoniter.Unmarshal(data, &keys)
	return keys, errors.Wrapf(err, "index %q decode", name)
}

func (c *Cache) addToIndex(ctx context.Context, name string, key string) error {
	keys, err := c.index(ctx, name)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if k == key {
			return nil
		}
	}
	data, err := jsoniter.Marshal(append(keys, key))
	if err != nil {
		return errors.WithStack(err)
	}
	return c.storage.SetItem(ctx, name, data)
}

func intersect(a, b []string) []string {
	in := make(map[string]struct{}, len(b))
	for _, k := range b {
		in[k] = struct{}{}
	}
	var out []string
	for _, k := range a {
		if _, ok := in[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

func entries(e *Entry) []*Entry {
	if e == nil {
		return nil
	}
	return []*Entry{e}
}
