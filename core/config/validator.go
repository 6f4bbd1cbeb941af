// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package config

import (
	"github.com/pkg/errors"
	"gopkg.in/bluesuncorp/validator.v9"
)

// rules are custom `validate:""` tags.
var rules = map[string]validator.Func{
	"min-time":   MinTimeValidation,
	"max-time":   MaxTimeValidation,
	"min-size":   MinSizeValidation,
	"max-size":   MaxSizeValidation,
	"endpoint":   stringRule(EndpointStringValidation),
	"url-path":   stringRule(URLPathStringValidation),
	"outlet":     stringRule(OutletStringValidation),
	"cache-type": stringRule(CacheTypeStringValidation),
}

var defaultValidator = newValidator()

// Validate checks value `validate:""` tags and registered custom validations.
func Validate(value interface{}) error {
	return errors.WithStack(defaultValidator.Struct(value))
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.SetTagName("validate")
	for tag, rule := range rules {
		if err := v.RegisterValidation(tag, rule); err != nil {
			panic(err)
		}
	}
	return v
}

type StringValidation func(value string) bool

// stringRule applies StringValidation to string fields. Fields of other kinds are invalid.
func stringRule(sv StringValidation) validator.Func {
	return func(fl validator.FieldLevel) bool {
		s, ok := fl.Field().Interface().(string)
		return ok && sv(s)
	}
}

// ValidateHandle is passed to CustomValidation.
type ValidateHandle interface {
	// Value is struct being validated.
	Value() interface{}
	ReportError(field, reason string)
}

type CustomValidation func(h ValidateHandle)

// RegisterCustom registers validation of struct types, that is called
// even when the struct is nested field of validated value.
// Returns value, so it can be called in var declaration.
func RegisterCustom(v CustomValidation, types ...interface{}) (_ struct{}) {
	if len(types) == 0 {
		panic("custom validation should be registered for at least one type")
	}
	defaultValidator.RegisterStructValidation(func(sl validator.StructLevel) {
		v(structHandle{sl})
	}, types...)
	return
}

type structHandle struct{ sl validator.StructLevel }

var _ ValidateHandle = structHandle{}

func (h structHandle) Value() interface{} { return h.sl.Current().Interface() }

func (h structHandle) ReportError(field, reason string) {
	h.sl.ReportError(nil, field, "", reason, "")
}
