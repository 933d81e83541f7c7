//go:build unix

//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from the platform errno table pattern used throughout this
// codebase's ancestry for classifying raw syscall errors.
//

package errno

import (
	"errors"
	"syscall"

	"golang.org/x/sys/unix"
)

// classifyPlatform recognises a raw syscall.Errno (as produced by a
// layer that wraps a local file or block device) and maps it into the
// protocol's errno domain.
func classifyPlatform(err error) (Code, string, bool) {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return "", "", false
	}

	switch errno {
	case unix.EINVAL:
		return EInval, "EINVAL", true
	case unix.ENOSPC:
		return ENoSpace, "ENOSPC", true
	case unix.EPERM, unix.EACCES:
		return EPermission, "EPERM", true
	case unix.EROFS:
		return EReadOnly, "EROFS", true
	case unix.EOPNOTSUPP:
		return ENotSupported, "ENOTSUP", true
	case unix.ESHUTDOWN:
		return EShutdown, "ESHUTDOWN", true
	case unix.EIO:
		return EIO, "EIO", true
	default:
		return "", "", false
	}
}
