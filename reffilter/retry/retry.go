// SPDX-License-Identifier: GPL-3.0-or-later

// Package retry implements a filter that replays a failed data-path
// call once after reopening its inner neighbour, grounded on nbdkit's
// bundled "retry" filter and on spec.md §7's "transient I/O failures"
// policy: only errors classified as EIO are worth retrying; EINVAL,
// EROFS, ENOSPC, EPERM, ENOTSUP, and ESHUTDOWN are never transient.
//
// The filter only ever reopens its own inner neighbour, via the
// NextOps handle the dispatcher already binds to it — it does not need
// a reference to the chain Dispatcher or the connection, since re-
// entering the dispatcher through NextOps.Close/NextOps.Open is itself
// a (partial) reopen of everything beneath this filter.
package retry

import (
	"sync"

	"github.com/bassosimone/nbdcore/errno"
	"github.com/bassosimone/nbdcore/extent"
	"github.com/bassosimone/nbdcore/layer"
)

// handle binds a filter instance's live state: the readonly/exportName
// this connection was opened with (needed to reopen the inner
// neighbour identically), and a mutex serialising concurrent retries
// so two overlapping failures don't reopen the inner neighbour twice.
type handle struct {
	mu         sync.Mutex
	readonly   bool
	exportName string
}

// New returns a Descriptor for a retry filter wrapping inner.
func New(name string, index int, inner *layer.Descriptor) (*layer.Descriptor, error) {
	ops := layer.Ops{
		Open: func(readonly bool, exportName string, next *layer.NextOps) (any, error) {
			if _, err := next.Open(readonly, exportName); err != nil {
				return nil, err
			}
			return &handle{readonly: readonly, exportName: exportName}, nil
		},

		PRead: func(h any, next *layer.NextOps, buf []byte, offset int64, flags layer.Flags) error {
			return withRetry(h.(*handle), next, func() error { return next.PRead(buf, offset, flags) })
		},
		PWrite: func(h any, next *layer.NextOps, data []byte, offset int64, flags layer.Flags) error {
			return withRetry(h.(*handle), next, func() error { return next.PWrite(data, offset, flags) })
		},
		Flush: func(h any, next *layer.NextOps, flags layer.Flags) error {
			return withRetry(h.(*handle), next, func() error { return next.Flush(flags) })
		},
		Trim: func(h any, next *layer.NextOps, length, offset int64, flags layer.Flags) error {
			return withRetry(h.(*handle), next, func() error { return next.Trim(length, offset, flags) })
		},
		Zero: func(h any, next *layer.NextOps, length, offset int64, flags layer.Flags) error {
			return withRetry(h.(*handle), next, func() error { return next.Zero(length, offset, flags) })
		},
		Extents: func(h any, next *layer.NextOps, length, offset int64, flags layer.Flags) ([]extent.Record, error) {
			var records []extent.Record
			err := withRetry(h.(*handle), next, func() error {
				var innerErr error
				records, innerErr = next.Extents(length, offset, flags)
				return innerErr
			})
			return records, err
		},
		Cache: func(h any, next *layer.NextOps, length, offset int64, flags layer.Flags) error {
			return withRetry(h.(*handle), next, func() error { return next.Cache(length, offset, flags) })
		},
	}
	return layer.NewDescriptor(name, "", layer.Filter, index, inner, ops)
}

// withRetry runs call once, and on an EIO-classified failure closes
// and reopens the inner neighbour and replays call exactly once more.
// Any other classification, or a second failure, is returned to the
// caller unchanged.
func withRetry(h *handle, next *layer.NextOps, call func() error) error {
	err := call()
	if err == nil {
		return err
	}
	code, _ := errno.Classify(err)
	if code != errno.EIO {
		return err
	}

	h.mu.Lock()
	reopenErr := reopenInner(h, next)
	h.mu.Unlock()
	if reopenErr != nil {
		return err
	}
	return call()
}

// reopenInner closes and reopens the inner neighbour and prepares it
// again, restoring the Connected state the data path requires.
func reopenInner(h *handle, next *layer.NextOps) error {
	next.Close()
	if _, err := next.Open(h.readonly, h.exportName); err != nil {
		return err
	}
	return next.Prepare(h.readonly)
}
