// SPDX-License-Identifier: GPL-3.0-or-later

package chain

import (
	"github.com/bassosimone/nbdcore"
	"github.com/bassosimone/nbdcore/connection"
	"github.com/bassosimone/nbdcore/extent"
	"github.com/bassosimone/nbdcore/layer"
)

// buildNextOps returns the NextOps handle bound to inner for conn, or
// nil when inner is nil (desc is the innermost plugin and has no inner
// neighbour, per layer.Ops' documented contract). Every field re-enters
// the dispatcher recursively against inner's Context for this
// connection, implementing the "downward" interface a filter uses to
// reach its inner neighbour. Prepare and Close act on inner and on every
// layer beneath it, so a filter that closes, reopens and prepares its
// inner neighbour rebuilds everything below itself.
//
// conn is nil when the handle is built for ListExports, which runs with
// no open Context; DefaultExport then resolves the name without the
// per-connection cache. The other fields require a connection.
func buildNextOps(conn *connection.Connection, inner *layer.Descriptor, cfg *nbdcore.Config) *layer.NextOps {
	if inner == nil {
		return nil
	}
	return &layer.NextOps{
		ListExports: func(readonly bool) ([]layer.ExportInfo, error) {
			return listExports(inner, readonly, cfg)
		},
		DefaultExport: func(readonly bool) (string, error) {
			if conn == nil {
				return resolveDefaultExportName(inner, readonly, buildNextOps(nil, inner.Next, cfg))
			}
			return defaultExport(conn, inner, readonly, cfg)
		},
		Open: func(readonly bool, exportName string) (any, error) {
			ctx, err := openContext(conn, inner, cfg, readonly, exportName)
			if err != nil {
				return nil, err
			}
			return ctx.Handle(), nil
		},
		Prepare: func(readonly bool) error {
			// Innermost first; prepareContext skips a layer already Connected.
			var below []*layer.Descriptor
			for d := inner; d != nil; d = d.Next {
				below = append(below, d)
			}
			for i := len(below) - 1; i >= 0; i-- {
				if err := prepareContext(conn, below[i], cfg, readonly); err != nil {
					return err
				}
			}
			return nil
		},
		Finalize: func() error {
			return finalizeContext(conn, inner, cfg)
		},
		Close: func() {
			for d := inner; d != nil; d = d.Next {
				closeContext(conn, d, cfg)
			}
		},

		CanWrite:     func() (layer.TriState, error) { return canWrite(conn, inner, cfg) },
		CanFlush:     func() (layer.TriState, error) { return canFlush(conn, inner, cfg) },
		IsRotational: func() (layer.TriState, error) { return isRotational(conn, inner, cfg) },
		CanTrim:      func() (layer.TriState, error) { return canTrim(conn, inner, cfg) },
		CanZero:      func() (layer.ZeroMode, error) { return canZero(conn, inner, cfg) },
		CanFastZero:  func() (layer.TriState, error) { return canFastZero(conn, inner, cfg) },
		CanFUA:       func() (layer.FuaMode, error) { return canFUA(conn, inner, cfg) },
		CanMultiConn: func() (layer.TriState, error) { return canMultiConn(conn, inner, cfg) },
		CanCache:     func() (layer.CacheMode, error) { return canCache(conn, inner, cfg) },
		CanExtents:   func() (layer.TriState, error) { return canExtents(conn, inner, cfg) },
		GetSize:      func() (int64, error) { return getSize(conn, inner, cfg) },
		ExportDescription: func() (string, error) {
			return exportDescription(conn, inner, cfg)
		},

		PRead: func(buf []byte, offset int64, flags layer.Flags) error {
			return pread(conn, inner, cfg, buf, offset, flags)
		},
		PWrite: func(data []byte, offset int64, flags layer.Flags) error {
			return pwrite(conn, inner, cfg, data, offset, flags)
		},
		Flush: func(flags layer.Flags) error {
			return flush(conn, inner, cfg, flags)
		},
		Trim: func(length int64, offset int64, flags layer.Flags) error {
			return trim(conn, inner, cfg, length, offset, flags)
		},
		Zero: func(length int64, offset int64, flags layer.Flags) error {
			return zero(conn, inner, cfg, length, offset, flags)
		},
		Extents: func(length int64, offset int64, flags layer.Flags) ([]extent.Record, error) {
			return extentsOp(conn, inner, cfg, length, offset, flags)
		},
		Cache: func(length int64, offset int64, flags layer.Flags) error {
			return cacheOp(conn, inner, cfg, length, offset, flags)
		},
	}
}
