// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package config

import (
	"encoding"
	"fmt"
	"net/url"
	"reflect"
	"strings"

	"github.com/asaskevich/govalidator"
	"github.com/c2h5oh/datasize"
	"github.com/facebookgo/stack"
	"github.com/facebookgo/stackerr"
	"github.com/pkg/errors"

	"github.com/yandex/outlet/lib/confutil"
)

// Debug enables decode tracing to stdout.
var Debug = false

var InvalidURLError = errors.New("string is not valid URL")

var (
	urlPtrType       = reflect.TypeOf(&url.URL{})
	urlType          = reflect.TypeOf(url.URL{})
	dataSizeType     = reflect.TypeOf(datasize.B)
	textUnmarshaller = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()
)

// VariableInjectHook resolves ${env:NAME} style variables in strings.
func VariableInjectHook(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
	if f.Kind() != reflect.String {
		return data, nil
	}
	res, err := confutil.ResolveCustomTags(data.(string), t)
	if errors.Cause(err) == confutil.ErrNoTagsFound {
		return data, nil
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// TextUnmarshallerHook decodes string to types implementing encoding.TextUnmarshaler
// by pointer or by value.
func TextUnmarshallerHook(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
	if f.Kind() != reflect.String {
		return data, nil
	}
	if t.Kind() == reflect.Ptr || t.Kind() == reflect.Interface || t == dataSizeType {
		return data, nil
	}
	var val reflect.Value
	switch {
	case t.Implements(textUnmarshaller):
		val = reflect.New(t).Elem()
	case reflect.PtrTo(t).Implements(textUnmarshaller):
		val = reflect.New(t)
	default:
		return data, nil
	}
	err := val.Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(data.(string)))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return reflect.Indirect(val).Interface(), nil
}

// StringToURLHook converts string to url.URL or *url.URL
func StringToURLHook(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
	if f.Kind() != reflect.String {
		return data, nil
	}
	if t != urlPtrType && t != urlType {
		return data, nil
	}
	str := data.(string)
	if !govalidator.IsURL(str) { // checks more than url.Parse
		return nil, stackerr.Wrap(InvalidURLError)
	}
	urlPtr, err := url.Parse(str)
	if err != nil {
		return nil, stackerr.Wrap(err)
	}
	if t == urlType {
		return *urlPtr, nil
	}
	return urlPtr, nil
}

// StringToDataSizeHook converts string like "64MB" to datasize.ByteSize
func StringToDataSizeHook(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
	if f.Kind() != reflect.String {
		return data, nil
	}
	if t != dataSizeType {
		return data, nil
	}
	var size datasize.ByteSize
	err := size.UnmarshalText([]byte(data.(string)))
	if err != nil {
		return nil, stackerr.Wrap(err)
	}
	return size, nil
}

// DebugHook used to debug config decode.
func DebugHook(f reflect.Type, t reflect.Type, data interface{}) (p interface{}, err error) {
	p, err = data, nil
	if !Debug {
		return
	}
	callers := stack.Callers(2)
	var decodeCallers int
	for _, caller := range callers {
		if caller.Name == "(*Decoder).decode" {
			decodeCallers++
		}
	}
	offset := strings.Repeat("    ", decodeCallers)
	fmt.Printf("%s %s from %s %v\n", offset, t, f, data)
	return
}
