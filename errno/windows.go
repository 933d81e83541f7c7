//go:build windows

//
// SPDX-License-Identifier: GPL-3.0-or-later
//

package errno

import (
	"errors"
	"syscall"

	"golang.org/x/sys/windows"
)

// classifyPlatform recognises a raw syscall error on Windows and maps
// it into the protocol's errno domain.
func classifyPlatform(err error) (Code, string, bool) {
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return "", "", false
	}

	switch errno {
	case windows.ERROR_INVALID_PARAMETER:
		return EInval, "EINVAL", true
	case windows.ERROR_DISK_FULL:
		return ENoSpace, "ENOSPC", true
	case windows.ERROR_ACCESS_DENIED:
		return EPermission, "EPERM", true
	case windows.ERROR_WRITE_PROTECT:
		return EReadOnly, "EROFS", true
	case windows.ERROR_NOT_SUPPORTED:
		return ENotSupported, "ENOTSUP", true
	default:
		return "", "", false
	}
}
