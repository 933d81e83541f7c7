// SPDX-License-Identifier: GPL-3.0-or-later

// Package errno classifies dispatcher errors into the NBD wire
// protocol's fixed errno domain and a short label suitable for
// structured logging. Classify is the call-site-facing mapping, and the
// unix/windows files underneath it recognise the platform's raw syscall
// errno values.
package errno

import (
	"context"
	"errors"
)

// Code is one of the errno domain values the wire encoder maps the
// dispatcher's result to, per spec.md §6/§7.
type Code string

// The fixed errno domain. ENotSupported is reserved for "fast-zero not
// possible, try normal zero" and must never be returned from any other
// data-path call (spec.md §4.6, §7).
const (
	EIO           Code = "EIO"
	EInval        Code = "EINVAL"
	ENoSpace      Code = "ENOSPC"
	EPermission   Code = "EPERM"
	EShutdown     Code = "ESHUTDOWN"
	EReadOnly     Code = "EROFS"
	ENotSupported Code = "ENOTSUP"
)

// Sentinel errors a layer or the dispatcher can return to request a
// specific Code without depending on platform syscall numbers.
var (
	ErrInvalid      = errors.New("errno: invalid argument")
	ErrNoSpace      = errors.New("errno: no space left on device")
	ErrPermission   = errors.New("errno: operation not permitted")
	ErrShutdown     = errors.New("errno: shutting down")
	ErrReadOnly     = errors.New("errno: read-only export")
	ErrNotSupported = errors.New("errno: not supported")
)

// Classify maps err to its protocol Code and a short label for
// structured logs. A nil error classifies as the empty Code and label.
func Classify(err error) (Code, string) {
	if err == nil {
		return "", ""
	}

	switch {
	case errors.Is(err, ErrShutdown), errors.Is(err, context.Canceled):
		return EShutdown, "ESHUTDOWN"
	case errors.Is(err, ErrNotSupported):
		return ENotSupported, "ENOTSUP"
	case errors.Is(err, ErrInvalid):
		return EInval, "EINVAL"
	case errors.Is(err, ErrNoSpace):
		return ENoSpace, "ENOSPC"
	case errors.Is(err, ErrPermission):
		return EPermission, "EPERM"
	case errors.Is(err, ErrReadOnly):
		return EReadOnly, "EROFS"
	}

	if code, label, ok := classifyPlatform(err); ok {
		return code, label
	}

	return EIO, "EIO"
}
