// SPDX-License-Identifier: GPL-3.0-or-later

package layer

import "github.com/bassosimone/nbdcore/extent"

// Ops is the capability vtable every layer, plugin or filter, exposes.
// A layer may leave any field nil; the dispatcher treats absence as
// "forward to the inner neighbour" for filters and as the safe default
// for plugins, per the layer interface design.
//
// Every operation receives next, the "next ops" handle bound to the
// caller's inner neighbour context for this connection. Plugins (the
// innermost layer) always receive a nil next, which is the Go spelling
// of "a plugin's equivalent slot is absent".
type Ops struct {
	// Chain control.
	Load          func() error
	Unload        func()
	ListExports   func(readonly bool, next *NextOps) ([]ExportInfo, error)
	DefaultExport func(readonly bool, next *NextOps) (string, error)
	Open          func(readonly bool, exportName string, next *NextOps) (handle any, err error)
	Prepare       func(handle any, readonly bool, next *NextOps) error
	Finalize      func(handle any, next *NextOps) error
	Close         func(handle any, next *NextOps)

	// Capability queries.
	CanWrite          func(handle any, next *NextOps) (TriState, error)
	CanFlush          func(handle any, next *NextOps) (TriState, error)
	IsRotational      func(handle any, next *NextOps) (TriState, error)
	CanTrim           func(handle any, next *NextOps) (TriState, error)
	CanZero           func(handle any, next *NextOps) (ZeroMode, error)
	CanFastZero       func(handle any, next *NextOps) (TriState, error)
	CanFUA            func(handle any, next *NextOps) (FuaMode, error)
	CanMultiConn      func(handle any, next *NextOps) (TriState, error)
	CanCache          func(handle any, next *NextOps) (CacheMode, error)
	CanExtents        func(handle any, next *NextOps) (TriState, error)
	GetSize           func(handle any, next *NextOps) (int64, error)
	ExportDescription func(handle any, next *NextOps) (string, error)

	// Data path.
	PRead   func(handle any, next *NextOps, buf []byte, offset int64, flags Flags) error
	PWrite  func(handle any, next *NextOps, data []byte, offset int64, flags Flags) error
	Flush   func(handle any, next *NextOps, flags Flags) error
	Trim    func(handle any, next *NextOps, length int64, offset int64, flags Flags) error
	Zero    func(handle any, next *NextOps, length int64, offset int64, flags Flags) error
	Extents func(handle any, next *NextOps, length int64, offset int64, flags Flags) ([]extent.Record, error)
	Cache   func(handle any, next *NextOps, length int64, offset int64, flags Flags) error
}

// NextOps is the vtable a filter uses to forward, transform, or
// synthesise responses against its inner neighbour's context for this
// connection. The chain dispatcher constructs one per (connection,
// filter) pair when the filter's context is opened; calling any field
// re-enters the dispatcher recursively against the inner context.
type NextOps struct {
	ListExports   func(readonly bool) ([]ExportInfo, error)
	DefaultExport func(readonly bool) (string, error)
	Open          func(readonly bool, exportName string) (handle any, err error)
	Prepare       func(readonly bool) error
	Finalize      func() error
	Close         func()

	CanWrite          func() (TriState, error)
	CanFlush          func() (TriState, error)
	IsRotational      func() (TriState, error)
	CanTrim           func() (TriState, error)
	CanZero           func() (ZeroMode, error)
	CanFastZero       func() (TriState, error)
	CanFUA            func() (FuaMode, error)
	CanMultiConn      func() (TriState, error)
	CanCache          func() (CacheMode, error)
	CanExtents        func() (TriState, error)
	GetSize           func() (int64, error)
	ExportDescription func() (string, error)

	PRead   func(buf []byte, offset int64, flags Flags) error
	PWrite  func(data []byte, offset int64, flags Flags) error
	Flush   func(flags Flags) error
	Trim    func(length int64, offset int64, flags Flags) error
	Zero    func(length int64, offset int64, flags Flags) error
	Extents func(length int64, offset int64, flags Flags) ([]extent.Record, error)
	Cache   func(length int64, offset int64, flags Flags) error
}
