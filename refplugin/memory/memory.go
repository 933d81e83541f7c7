// SPDX-License-Identifier: GPL-3.0-or-later

// Package memory implements a trivial in-memory-backed plugin, grounded
// on nbdkit's bundled "memory" plugin. Its backing buffer is allocated
// fresh per connection (per Context), not shared across connections, so
// it carries no cross-connection state.
package memory

import (
	"fmt"
	"sync"

	"github.com/bassosimone/nbdcore/errno"
	"github.com/bassosimone/nbdcore/extent"
	"github.com/bassosimone/nbdcore/layer"
)

// handle is the per-connection state: a fixed-size buffer guarded by a
// mutex, since a single connection's PRead/PWrite calls may overlap.
type handle struct {
	mu   sync.Mutex
	data []byte
}

// New returns a Descriptor for a memory plugin exporting size bytes,
// registered at index with name. A memory plugin is always the
// innermost layer, so index must be 0 in any valid chain.
func New(name string, index int, size int64) (*layer.Descriptor, error) {
	if size < 0 {
		return nil, fmt.Errorf("memory: negative size")
	}

	ops := layer.Ops{
		Open: func(readonly bool, exportName string, next *layer.NextOps) (any, error) {
			return &handle{data: make([]byte, size)}, nil
		},

		CanWrite:     func(h any, next *layer.NextOps) (layer.TriState, error) { return layer.Yes, nil },
		CanFlush:     func(h any, next *layer.NextOps) (layer.TriState, error) { return layer.Yes, nil },
		IsRotational: func(h any, next *layer.NextOps) (layer.TriState, error) { return layer.No, nil },
		CanTrim:      func(h any, next *layer.NextOps) (layer.TriState, error) { return layer.Yes, nil },
		CanZero:      func(h any, next *layer.NextOps) (layer.ZeroMode, error) { return layer.ZeroNative, nil },
		CanFastZero:  func(h any, next *layer.NextOps) (layer.TriState, error) { return layer.Yes, nil },
		CanFUA:       func(h any, next *layer.NextOps) (layer.FuaMode, error) { return layer.FuaNative, nil },
		CanMultiConn: func(h any, next *layer.NextOps) (layer.TriState, error) { return layer.No, nil },
		CanCache:     func(h any, next *layer.NextOps) (layer.CacheMode, error) { return layer.CacheNative, nil },
		CanExtents:   func(h any, next *layer.NextOps) (layer.TriState, error) { return layer.Yes, nil },
		GetSize:      func(h any, next *layer.NextOps) (int64, error) { return size, nil },
		ExportDescription: func(h any, next *layer.NextOps) (string, error) {
			return "in-memory backend", nil
		},

		PRead: func(h any, next *layer.NextOps, buf []byte, offset int64, flags layer.Flags) error {
			hd := h.(*handle)
			hd.mu.Lock()
			defer hd.mu.Unlock()
			copy(buf, hd.data[offset:offset+int64(len(buf))])
			return nil
		},
		PWrite: func(h any, next *layer.NextOps, data []byte, offset int64, flags layer.Flags) error {
			hd := h.(*handle)
			hd.mu.Lock()
			defer hd.mu.Unlock()
			copy(hd.data[offset:offset+int64(len(data))], data)
			return nil
		},
		Flush: func(h any, next *layer.NextOps, flags layer.Flags) error {
			return nil
		},
		Trim: func(h any, next *layer.NextOps, length, offset int64, flags layer.Flags) error {
			hd := h.(*handle)
			hd.mu.Lock()
			defer hd.mu.Unlock()
			clear(hd.data[offset : offset+length])
			return nil
		},
		Zero: func(h any, next *layer.NextOps, length, offset int64, flags layer.Flags) error {
			hd := h.(*handle)
			hd.mu.Lock()
			defer hd.mu.Unlock()
			clear(hd.data[offset : offset+length])
			return nil
		},
		Extents: func(h any, next *layer.NextOps, length, offset int64, flags layer.Flags) ([]extent.Record, error) {
			return []extent.Record{{Offset: offset, Length: length, Type: 0}}, nil
		},
		Cache: func(h any, next *layer.NextOps, length, offset int64, flags layer.Flags) error {
			return nil
		},
	}

	if index != 0 {
		return nil, fmt.Errorf("memory: %w: a plugin must be registered at index 0", errno.ErrInvalid)
	}
	return layer.NewDescriptor(name, "", layer.Plugin, index, nil, ops)
}
