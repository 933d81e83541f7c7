// SPDX-License-Identifier: GPL-3.0-or-later

package chain

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/bassosimone/nbdcore"
	"github.com/bassosimone/nbdcore/connection"
	"github.com/bassosimone/nbdcore/errno"
	"github.com/bassosimone/nbdcore/layer"
	"github.com/bassosimone/nbdcore/nbdctx"
)

// Open opens every layer in the chain for conn, innermost first, via
// the outermost layer's Open callback (which recurses inward through
// the NextOps chain as each filter calls its own next.Open). If
// exportName is empty it is resolved first via DefaultExport.
//
// Open takes layer.UnloadLock for reading for its duration, excluding
// any concurrent Unload call, per spec.md §5.
func (d *Dispatcher) Open(conn *connection.Connection, readonly bool, exportName string) error {
	layer.UnloadLock.RLock()
	defer layer.UnloadLock.RUnlock()

	span := d.cfg.SpanIDGenerator()
	t0 := d.cfg.TimeNow()
	d.cfg.SLogger.Info("chainOpenStart",
		slog.String("span", span),
		slog.String("exportName", exportName),
		slog.Bool("readonly", readonly),
		slog.Time("t", t0),
	)

	if exportName == "" {
		resolved, err := d.DefaultExport(conn, readonly)
		if err != nil {
			d.logOpenDone(span, t0, err)
			return fmt.Errorf("chain: resolve default export: %w", err)
		}
		exportName = resolved
	}

	_, err := openContext(conn, d.Outermost(), d.cfg, readonly, exportName)
	d.logOpenDone(span, t0, err)
	if err != nil {
		return err
	}
	conn.ExportName = exportName
	return nil
}

func (d *Dispatcher) logOpenDone(span string, t0 time.Time, err error) {
	_, label := errno.Classify(err)
	d.cfg.SLogger.Info("chainOpenDone",
		slog.String("span", span),
		slog.Any("err", err),
		slog.String("errClass", label),
		slog.Time("t0", t0),
		slog.Time("t", d.cfg.TimeNow()),
	)
}

// Reopen finalizes and closes any existing context for conn, then opens
// and prepares a fresh one with possibly different readonly/exportName
// arguments. It is used by retry-style filters to recover from a failed
// underlying connection (spec.md §7 "transient I/O failures"). On
// failure of either the open or the prepare stage, the partially
// created context is itself finalized and closed before the error is
// returned, so a failed Reopen never leaves a stranded context.
func (d *Dispatcher) Reopen(conn *connection.Connection, readonly bool, exportName string) error {
	if conn.Context(d.Outermost().Index) != nil {
		_ = d.Finalize(conn)
		d.Close(conn)
	}
	if err := d.Open(conn, readonly, exportName); err != nil {
		return err
	}
	if err := d.Prepare(conn, readonly); err != nil {
		_ = d.Finalize(conn)
		d.Close(conn)
		return err
	}
	return nil
}

// openContext opens desc's layer for conn: it constructs a fresh
// Context, builds the NextOps handle bound to desc's inner neighbour,
// and invokes desc.Ops.Open (or forwards to the inner neighbour if desc
// is a filter that left Open nil). If desc itself fails after already
// having opened its inner neighbour (by calling next.Open from within
// its own Open), every inner Context that is open is closed again before
// the error is returned, so a failed Open never leaves a partially-open
// chain.
func openContext(conn *connection.Connection, desc *layer.Descriptor, cfg *nbdcore.Config, readonly bool, exportName string) (*nbdctx.Context, error) {
	if conn.Context(desc.Index) != nil {
		return nil, fmt.Errorf("chain: layer %q: %w: already open", desc.Name, ErrNotOpen)
	}
	if exportName == "" {
		return nil, fmt.Errorf("chain: layer %q: empty export name: %w", desc.Name, errno.ErrInvalid)
	}

	ctx := nbdctx.New(desc, readonly)
	next := buildNextOps(conn, desc.Next, cfg)

	var handle any
	var err error
	switch {
	case desc.Ops.Open != nil:
		handle, err = desc.Ops.Open(readonly, exportName, next)
	case desc.Next != nil:
		handle, err = next.Open(readonly, exportName)
	default:
		err = fmt.Errorf("chain: layer %q: Open: %w", desc.Name, ErrUnimplemented)
	}
	if err != nil {
		for inner := desc.Next; inner != nil; inner = inner.Next {
			closeContext(conn, inner, cfg)
		}
		return nil, fmt.Errorf("chain: open %q: %w", desc.Name, err)
	}

	ctx.SetHandle(handle)
	ctx.SetState(nbdctx.Open)
	conn.SetContext(desc.Index, ctx)
	return ctx, nil
}
