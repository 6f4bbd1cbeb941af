// Copyright (c) 2024 Yandex LLC. All rights reserved.
// Use of this source code is governed by a MPL 2.0
// license that can be found in the LICENSE file.

package errutil

import (
	"context"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// Join returns nil if both errors are nil, one of them if other is nil,
// and multierror of both otherwise.
func Join(err1, err2 error) error {
	switch {
	case err1 == nil:
		return err2
	case err2 == nil:
		return err1
	default:
		return multierror.Append(err1, err2)
	}
}

// IsCtxError returns true, if err is caused by ctx cancel or deadline.
// Supports github.com/pkg/errors wrapping and errors.Is chains.
func IsCtxError(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	select {
	case <-ctx.Done():
		if ctx.Err() == errors.Cause(err) || errors.Is(err, ctx.Err()) {
			return true
		}
	default:
	}
	return false
}

// IsCanceled returns true, if err is context cancel or deadline caused error,
// even if ctx that produced it is not known.
func IsCanceled(err error) bool {
	if err == nil {
		return false
	}
	cause := errors.Cause(err)
	return cause == context.Canceled || cause == context.DeadlineExceeded ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
