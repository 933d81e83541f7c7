// SPDX-License-Identifier: GPL-3.0-or-later

package chain

import (
	"fmt"

	"github.com/bassosimone/nbdcore"
	"github.com/bassosimone/nbdcore/connection"
	"github.com/bassosimone/nbdcore/layer"
)

// The Dispatcher's capability-query methods operate on the outermost
// layer's Context, the one the wire codec negotiates against. Every
// answer is memoised per layer, per connection, by nbdctx.Context, so
// repeated queries for the same connection never re-invoke a layer.

// CanWrite reports whether conn's chain accepts writes.
func (d *Dispatcher) CanWrite(conn *connection.Connection) (layer.TriState, error) {
	return canWrite(conn, d.Outermost(), d.cfg)
}

// CanFlush reports whether conn's chain supports flush.
func (d *Dispatcher) CanFlush(conn *connection.Connection) (layer.TriState, error) {
	return canFlush(conn, d.Outermost(), d.cfg)
}

// IsRotational reports whether conn's chain should be advertised as a
// rotational device.
func (d *Dispatcher) IsRotational(conn *connection.Connection) (layer.TriState, error) {
	return isRotational(conn, d.Outermost(), d.cfg)
}

// CanTrim reports whether conn's chain supports trim.
func (d *Dispatcher) CanTrim(conn *connection.Connection) (layer.TriState, error) {
	return canTrim(conn, d.Outermost(), d.cfg)
}

// CanZero reports conn's chain's zero support level.
func (d *Dispatcher) CanZero(conn *connection.Connection) (layer.ZeroMode, error) {
	return canZero(conn, d.Outermost(), d.cfg)
}

// CanFastZero reports whether conn's chain supports the fast-zero hint.
func (d *Dispatcher) CanFastZero(conn *connection.Connection) (layer.TriState, error) {
	return canFastZero(conn, d.Outermost(), d.cfg)
}

// CanFUA reports conn's chain's FUA support level.
func (d *Dispatcher) CanFUA(conn *connection.Connection) (layer.FuaMode, error) {
	return canFUA(conn, d.Outermost(), d.cfg)
}

// CanMultiConn reports whether conn's chain allows multiple client
// connections to share the same export safely.
func (d *Dispatcher) CanMultiConn(conn *connection.Connection) (layer.TriState, error) {
	return canMultiConn(conn, d.Outermost(), d.cfg)
}

// CanCache reports conn's chain's cache support level.
func (d *Dispatcher) CanCache(conn *connection.Connection) (layer.CacheMode, error) {
	return canCache(conn, d.Outermost(), d.cfg)
}

// CanExtents reports whether conn's chain supports extent queries.
func (d *Dispatcher) CanExtents(conn *connection.Connection) (layer.TriState, error) {
	return canExtents(conn, d.Outermost(), d.cfg)
}

// GetSize returns conn's chain's export size, memoised per layer.
func (d *Dispatcher) GetSize(conn *connection.Connection) (int64, error) {
	return getSize(conn, d.Outermost(), d.cfg)
}

// ExportDescription returns conn's chain's export description, "" if
// none is set.
func (d *Dispatcher) ExportDescription(conn *connection.Connection) (string, error) {
	return exportDescription(conn, d.Outermost(), d.cfg)
}

func canWrite(conn *connection.Connection, desc *layer.Descriptor, cfg *nbdcore.Config) (layer.TriState, error) {
	ctx := conn.Context(desc.Index)
	if ctx == nil {
		return layer.TriError, fmt.Errorf("chain: layer %q: %w", desc.Name, ErrNotOpen)
	}
	return ctx.CanWrite(func() (layer.TriState, error) {
		next := buildNextOps(conn, desc.Next, cfg)
		switch {
		case desc.Ops.CanWrite != nil:
			return desc.Ops.CanWrite(ctx.Handle(), next)
		case desc.Next != nil:
			return next.CanWrite()
		default:
			return layer.No, nil
		}
	})
}

func canFlush(conn *connection.Connection, desc *layer.Descriptor, cfg *nbdcore.Config) (layer.TriState, error) {
	ctx := conn.Context(desc.Index)
	if ctx == nil {
		return layer.TriError, fmt.Errorf("chain: layer %q: %w", desc.Name, ErrNotOpen)
	}
	return ctx.CanFlush(func() (layer.TriState, error) {
		next := buildNextOps(conn, desc.Next, cfg)
		switch {
		case desc.Ops.CanFlush != nil:
			return desc.Ops.CanFlush(ctx.Handle(), next)
		case desc.Next != nil:
			return next.CanFlush()
		default:
			return layer.No, nil
		}
	})
}

func isRotational(conn *connection.Connection, desc *layer.Descriptor, cfg *nbdcore.Config) (layer.TriState, error) {
	ctx := conn.Context(desc.Index)
	if ctx == nil {
		return layer.TriError, fmt.Errorf("chain: layer %q: %w", desc.Name, ErrNotOpen)
	}
	return ctx.IsRotational(func() (layer.TriState, error) {
		next := buildNextOps(conn, desc.Next, cfg)
		switch {
		case desc.Ops.IsRotational != nil:
			return desc.Ops.IsRotational(ctx.Handle(), next)
		case desc.Next != nil:
			return next.IsRotational()
		default:
			return layer.No, nil
		}
	})
}

// canTrim applies the §4.5 coupling rule: trim is forced unavailable
// whenever the chain is not writable, regardless of what the layer
// itself would answer.
func canTrim(conn *connection.Connection, desc *layer.Descriptor, cfg *nbdcore.Config) (layer.TriState, error) {
	cw, err := canWrite(conn, desc, cfg)
	if err != nil {
		return layer.TriError, err
	}
	if cw != layer.Yes {
		return layer.No, nil
	}

	ctx := conn.Context(desc.Index)
	if ctx == nil {
		return layer.TriError, fmt.Errorf("chain: layer %q: %w", desc.Name, ErrNotOpen)
	}
	return ctx.CanTrim(func() (layer.TriState, error) {
		next := buildNextOps(conn, desc.Next, cfg)
		switch {
		case desc.Ops.CanTrim != nil:
			return desc.Ops.CanTrim(ctx.Handle(), next)
		case desc.Next != nil:
			return next.CanTrim()
		default:
			return layer.No, nil
		}
	})
}

// canZero applies the §4.5 coupling rule: zero is forced to ZeroNone
// whenever the chain is not writable.
func canZero(conn *connection.Connection, desc *layer.Descriptor, cfg *nbdcore.Config) (layer.ZeroMode, error) {
	cw, err := canWrite(conn, desc, cfg)
	if err != nil {
		return layer.ZeroNone, err
	}
	if cw != layer.Yes {
		return layer.ZeroNone, nil
	}

	ctx := conn.Context(desc.Index)
	if ctx == nil {
		return layer.ZeroNone, fmt.Errorf("chain: layer %q: %w", desc.Name, ErrNotOpen)
	}
	return ctx.CanZero(func() (layer.ZeroMode, error) {
		next := buildNextOps(conn, desc.Next, cfg)
		switch {
		case desc.Ops.CanZero != nil:
			return desc.Ops.CanZero(ctx.Handle(), next)
		case desc.Next != nil:
			return next.CanZero()
		default:
			return layer.ZeroNone, nil
		}
	})
}

// canFastZero applies the §4.5 coupling rule: fast-zero requires at
// least emulated zero support.
func canFastZero(conn *connection.Connection, desc *layer.Descriptor, cfg *nbdcore.Config) (layer.TriState, error) {
	cz, err := canZero(conn, desc, cfg)
	if err != nil {
		return layer.TriError, err
	}
	if cz < layer.ZeroEmulate {
		return layer.No, nil
	}

	ctx := conn.Context(desc.Index)
	if ctx == nil {
		return layer.TriError, fmt.Errorf("chain: layer %q: %w", desc.Name, ErrNotOpen)
	}
	return ctx.CanFastZero(func() (layer.TriState, error) {
		next := buildNextOps(conn, desc.Next, cfg)
		switch {
		case desc.Ops.CanFastZero != nil:
			return desc.Ops.CanFastZero(ctx.Handle(), next)
		case desc.Next != nil:
			return next.CanFastZero()
		default:
			return layer.No, nil
		}
	})
}

// canFUA applies the §4.5 coupling rule: FUA is forced to FuaNone
// whenever the chain is not writable.
func canFUA(conn *connection.Connection, desc *layer.Descriptor, cfg *nbdcore.Config) (layer.FuaMode, error) {
	cw, err := canWrite(conn, desc, cfg)
	if err != nil {
		return layer.FuaNone, err
	}
	if cw != layer.Yes {
		return layer.FuaNone, nil
	}

	ctx := conn.Context(desc.Index)
	if ctx == nil {
		return layer.FuaNone, fmt.Errorf("chain: layer %q: %w", desc.Name, ErrNotOpen)
	}
	return ctx.CanFUA(func() (layer.FuaMode, error) {
		next := buildNextOps(conn, desc.Next, cfg)
		switch {
		case desc.Ops.CanFUA != nil:
			return desc.Ops.CanFUA(ctx.Handle(), next)
		case desc.Next != nil:
			return next.CanFUA()
		default:
			return layer.FuaNone, nil
		}
	})
}

func canMultiConn(conn *connection.Connection, desc *layer.Descriptor, cfg *nbdcore.Config) (layer.TriState, error) {
	ctx := conn.Context(desc.Index)
	if ctx == nil {
		return layer.TriError, fmt.Errorf("chain: layer %q: %w", desc.Name, ErrNotOpen)
	}
	return ctx.CanMultiConn(func() (layer.TriState, error) {
		next := buildNextOps(conn, desc.Next, cfg)
		switch {
		case desc.Ops.CanMultiConn != nil:
			return desc.Ops.CanMultiConn(ctx.Handle(), next)
		case desc.Next != nil:
			return next.CanMultiConn()
		default:
			return layer.No, nil
		}
	})
}

func canCache(conn *connection.Connection, desc *layer.Descriptor, cfg *nbdcore.Config) (layer.CacheMode, error) {
	ctx := conn.Context(desc.Index)
	if ctx == nil {
		return layer.CacheNone, fmt.Errorf("chain: layer %q: %w", desc.Name, ErrNotOpen)
	}
	return ctx.CanCache(func() (layer.CacheMode, error) {
		next := buildNextOps(conn, desc.Next, cfg)
		switch {
		case desc.Ops.CanCache != nil:
			return desc.Ops.CanCache(ctx.Handle(), next)
		case desc.Next != nil:
			return next.CanCache()
		default:
			return layer.CacheNone, nil
		}
	})
}

func canExtents(conn *connection.Connection, desc *layer.Descriptor, cfg *nbdcore.Config) (layer.TriState, error) {
	ctx := conn.Context(desc.Index)
	if ctx == nil {
		return layer.TriError, fmt.Errorf("chain: layer %q: %w", desc.Name, ErrNotOpen)
	}
	return ctx.CanExtents(func() (layer.TriState, error) {
		next := buildNextOps(conn, desc.Next, cfg)
		switch {
		case desc.Ops.CanExtents != nil:
			return desc.Ops.CanExtents(ctx.Handle(), next)
		case desc.Next != nil:
			return next.CanExtents()
		default:
			return layer.No, nil
		}
	})
}

func getSize(conn *connection.Connection, desc *layer.Descriptor, cfg *nbdcore.Config) (int64, error) {
	ctx := conn.Context(desc.Index)
	if ctx == nil {
		return 0, fmt.Errorf("chain: layer %q: %w", desc.Name, ErrNotOpen)
	}
	if sz, ok := ctx.ExportSize(); ok {
		return sz, nil
	}

	next := buildNextOps(conn, desc.Next, cfg)
	var sz int64
	var err error
	switch {
	case desc.Ops.GetSize != nil:
		sz, err = desc.Ops.GetSize(ctx.Handle(), next)
	case desc.Next != nil:
		sz, err = next.GetSize()
	default:
		err = fmt.Errorf("chain: layer %q: GetSize: %w", desc.Name, ErrUnimplemented)
	}
	if err != nil {
		return 0, err
	}
	if sz < 0 {
		return 0, fmt.Errorf("chain: layer %q returned a negative export size", desc.Name)
	}
	ctx.SetExportSize(sz)
	return sz, nil
}

// exportDescription returns desc's description, dropping it to absent
// (empty) when it exceeds the protocol's 4096-byte limit (spec.md §4.5).
func exportDescription(conn *connection.Connection, desc *layer.Descriptor, cfg *nbdcore.Config) (string, error) {
	ctx := conn.Context(desc.Index)
	if ctx == nil {
		return "", fmt.Errorf("chain: layer %q: %w", desc.Name, ErrNotOpen)
	}
	next := buildNextOps(conn, desc.Next, cfg)
	var desc2 string
	var err error
	switch {
	case desc.Ops.ExportDescription != nil:
		desc2, err = desc.Ops.ExportDescription(ctx.Handle(), next)
	case desc.Next != nil:
		desc2, err = next.ExportDescription()
	}
	if err != nil {
		return "", err
	}
	if len(desc2) > layer.MaxStringLen {
		return "", nil
	}
	return desc2, nil
}
