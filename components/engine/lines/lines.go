// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

// Package lines is reference deserializer of line oriented flight records.
//
// Every record is "<hex id>:<payload>\n". Payload is JSON, optionally
// prefixed by record tag: "I" for client reference, "E" for error. Strings
// starting with "$" are references to other records:
//
//	"$<id>", "$@<id>", "$L<id>"  record value
//	"$F<id>"                     server reference, record is {"id":..., "bound":[...]}
//	"$$..."                      escaped "$"
//
// Root value is record 0.
package lines

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"github.com/yandex/outlet/core"
)

const RootID = 0

var recordJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// ClientReference is client component import.
type ClientReference struct {
	Module string
	Chunks []string
	Name   string
}

// ServerReference is callable server action reference.
type ServerReference struct {
	ID    string
	Bound []interface{}
	call  core.CallServer
}

// Call invokes server action with bound args followed by args.
func (r *ServerReference) Call(ctx context.Context, args ...interface{}) (interface{}, error) {
	if r.call == nil {
		return nil, errors.Errorf("server reference %s is not callable", r.ID)
	}
	all := append(append([]interface{}(nil), r.Bound...), args...)
	return r.call(ctx, r.ID, all)
}

// RecordError is error record value. Returned by Wait when root is error.
type RecordError struct {
	Digest          string `json:"digest"`
	Message         string `json:"message"`
	EnvironmentName string `json:"env"`
}

func (e *RecordError) Error() string {
	if e.Message == "" {
		return "flight error " + e.Digest
	}
	return e.Message
}

type Deserializer struct{}

var _ core.Deserializer = Deserializer{}

func (Deserializer) Deserialize(ctx context.Context, flight io.Reader, callServer core.CallServer) (core.Value, error) {
	v := &value{done: make(chan struct{}), call: callServer}
	go v.read(ctx, flight)
	return v, nil
}

// Parse deserializes complete flight text.
func Parse(text string, callServer core.CallServer) (interface{}, error) {
	v := &value{done: make(chan struct{}), call: callServer}
	v.read(context.Background(), strings.NewReader(text))
	return v.root, v.err
}

type value struct {
	done chan struct{}
	call core.CallServer
	root interface{}
	err  error
}

func (v *value) Wait(ctx context.Context) (interface{}, error) {
	select {
	case <-v.done:
		return v.root, v.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (v *value) read(ctx context.Context, flight io.Reader) {
	defer close(v.done)
	records, err := scan(ctx, flight)
	if err != nil {
		v.err = err
		return
	}
	r := &resolver{records: records, resolved: map[int64]interface{}{}, call: v.call}
	v.root, v.err = r.record(RootID)
	if err, ok := v.root.(*RecordError); ok {
		v.root, v.err = nil, err
	}
}

type record struct {
	tag     byte
	payload []byte
}

func scan(ctx context.Context, flight io.Reader) (map[int64]record, error) {
	records := map[int64]record{}
	br := bufio.NewReader(flight)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		line, err := br.ReadBytes('\n')
		if len(line) > 0 {
			if perr := parseLine(records, line); perr != nil {
				return nil, perr
			}
		}
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, errors.WithStack(err)
		}
	}
}

func parseLine(records map[int64]record, line []byte) error {
	text := strings.TrimRight(string(line), "\r\n")
	if text == "" {
		return nil
	}
	colon := strings.IndexByte(text, ':')
	if colon <= 0 {
		return errors.Errorf("malformed record %q", text)
	}
	id, err := strconv.ParseInt(text[:colon], 16, 64)
	if err != nil {
		return errors.Wrapf(err, "record %q id", text)
	}
	payload := text[colon+1:]
	var rec record
	if payload != "" && (payload[0] == 'I' || payload[0] == 'E') {
		rec.tag, payload = payload[0], payload[1:]
	}
	rec.payload = []byte(payload)
	records[id] = rec
	return nil
}

type resolver struct {
	records  map[int64]record
	resolved map[int64]interface{}
	pending  map[int64]bool
	call     core.CallServer
}

func (r *resolver) record(id int64) (interface{}, error) {
	if v, ok := r.resolved[id]; ok {
		return v, nil
	}
	rec, ok := r.records[id]
	if !ok {
		return nil, errors.Errorf("record %x is missing", id)
	}
	if r.pending == nil {
		r.pending = map[int64]bool{}
	}
	if r.pending[id] {
		return nil, errors.Errorf("record %x references itself", id)
	}
	r.pending[id] = true
	defer delete(r.pending, id)

	var raw interface{}
	if err := recordJSON.Unmarshal(rec.payload, &raw); err != nil {
		return nil, errors.Wrapf(err, "record %x decode", id)
	}
	var v interface{}
	var err error
	switch rec.tag {
	case 'I':
		v, err = clientReference(raw)
	case 'E':
		e := &RecordError{}
		err = recordJSON.Unmarshal(rec.payload, e)
		v = e
	default:
		v, err = r.walk(raw)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "record %x", id)
	}
	r.resolved[id] = v
	return v, nil
}

func (r *resolver) walk(raw interface{}) (interface{}, error) {
	switch x := raw.(type) {
	case string:
		return r.reference(x)
	case []interface{}:
		out := make([]interface{}, len(x))
		for i, el := range x {
			v, err := r.walk(el)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(x))
		for k, el := range x {
			v, err := r.walk(el)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	}
	return raw, nil
}

func (r *resolver) reference(s string) (interface{}, error) {
	if len(s) < 2 || s[0] != '$' {
		return s, nil
	}
	if s[1] == '$' {
		return s[1:], nil
	}
	kind, hex := byte(0), s[1:]
	switch s[1] {
	case '@', 'L', 'F':
		kind, hex = s[1], s[2:]
	}
	id, err := strconv.ParseInt(hex, 16, 64)
	if err != nil {
		// Not a reference, like "$undefined".
		return s, nil
	}
	v, err := r.record(id)
	if err != nil || kind != 'F' {
		return v, err
	}
	return r.serverReference(v)
}

func (r *resolver) serverReference(v interface{}) (*ServerReference, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, errors.Errorf("server reference should be object, got %T", v)
	}
	id, _ := m["id"].(string)
	if id == "" {
		return nil, errors.New("server reference id is missing")
	}
	bound, _ := m["bound"].([]interface{})
	return &ServerReference{ID: id, Bound: bound, call: r.call}, nil
}

func clientReference(raw interface{}) (*ClientReference, error) {
	arr, ok := raw.([]interface{})
	if !ok || len(arr) < 3 {
		return nil, errors.Errorf("client reference should be [module, chunks, name], got %v", raw)
	}
	ref := &ClientReference{
		Module: fmt.Sprint(arr[0]),
		Name:   fmt.Sprint(arr[2]),
	}
	if chunks, ok := arr[1].([]interface{}); ok {
		for _, c := range chunks {
			ref.Chunks = append(ref.Chunks, fmt.Sprint(c))
		}
	}
	return ref, nil
}
