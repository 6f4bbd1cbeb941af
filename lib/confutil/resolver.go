// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

// Package confutil resolves ${type:name} variables in config strings.
package confutil

import (
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrNoTagsFound       = errors.New("no tags found")
	ErrEnvNotProvided    = errors.New("env variable not set")
	ErrCantCastToTarget  = errors.New("can't cast variable")
	ErrPropertyNotInFile = errors.New("no such property")
)

type TagResolver func(name string) (string, error)

var resolvers = map[string]TagResolver{
	"":         EnvTagResolver,
	"env":      EnvTagResolver,
	"property": PropertyTagResolver,
}

// RegisterTagResolver registers resolver for ${tagType:name} variables.
// Existing resolver is silently replaced.
func RegisterTagResolver(tagType string, r TagResolver) {
	resolvers[strings.ToLower(tagType)] = r
}

var tagRegexp = regexp.MustCompile(`\$\{(?:([^}]+?):)?([^{}]+?)\}`)

// ResolveCustomTags substitutes variables in s. When s is single variable,
// result is cast to target kind if possible, so that bool and numeric fields
// can be set from variables.
func ResolveCustomTags(s string, target reflect.Type) (interface{}, error) {
	tokens := tagRegexp.FindAllStringSubmatch(s, -1)
	if len(tokens) == 0 {
		return s, ErrNoTagsFound
	}
	res := s
	for _, token := range tokens {
		r, ok := resolvers[strings.ToLower(strings.TrimSpace(token[1]))]
		if !ok {
			continue
		}
		val, err := r(strings.TrimSpace(token[2]))
		if err != nil {
			return nil, err
		}
		res = strings.Replace(res, token[0], val, -1)
	}
	if len(tokens) == 1 && strings.TrimSpace(s) == tokens[0][0] {
		casted, err := cast(res, target)
		if err == nil {
			return casted, nil
		}
		// Other hooks may know how to parse it. Durations, for example.
	}
	return res, nil
}

// EnvTagResolver resolves ${env:NAME} and ${NAME}.
func EnvTagResolver(name string) (string, error) {
	val, ok := os.LookupEnv(name)
	if !ok {
		return "", errors.Wrap(ErrEnvNotProvided, name)
	}
	return val, nil
}

// PropertyTagResolver resolves ${property:/path/to/file.properties#key}.
func PropertyTagResolver(in string) (string, error) {
	split := strings.SplitN(in, "#", 2)
	if len(split) != 2 {
		return "", errors.Errorf("property %q should be in file#key format", in)
	}
	data, err := os.ReadFile(split[0])
	if err != nil {
		return "", errors.WithStack(err)
	}
	for _, line := range strings.Split(string(data), "\n") {
		kv := strings.SplitN(strings.TrimRight(line, "\r"), "=", 2)
		if len(kv) == 2 && kv[0] == split[1] {
			return kv[1], nil
		}
	}
	return "", errors.Wrapf(ErrPropertyNotInFile, "%s in %s", split[1], split[0])
}

func cast(v string, t reflect.Type) (interface{}, error) {
	failed := func() error {
		return errors.Wrapf(ErrCantCastToTarget, "'%s' to %s", v, t)
	}
	if t == nil {
		return v, nil
	}
	switch t.Kind() {
	case reflect.Bool:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, failed()
		}
		return b, nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i, err := strconv.ParseInt(v, 10, t.Bits())
		if err != nil {
			return nil, failed()
		}
		return reflect.ValueOf(i).Convert(t).Interface(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(v, 10, t.Bits())
		if err != nil {
			return nil, failed()
		}
		return reflect.ValueOf(u).Convert(t).Interface(), nil
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(v, t.Bits())
		if err != nil {
			return nil, failed()
		}
		return reflect.ValueOf(f).Convert(t).Interface(), nil
	}
	return v, nil
}
