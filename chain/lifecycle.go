// SPDX-License-Identifier: GPL-3.0-or-later

package chain

import (
	"fmt"
	"log/slog"

	"github.com/bassosimone/nbdcore"
	"github.com/bassosimone/nbdcore/connection"
	"github.com/bassosimone/nbdcore/errno"
	"github.com/bassosimone/nbdcore/layer"
	"github.com/bassosimone/nbdcore/nbdctx"
)

// Prepare walks the chain innermost-to-outermost, calling each open
// layer's Prepare callback and marking its Context Connected on
// success. Prepare is idempotent per layer: a layer already Connected
// is skipped. A failure marks that layer's Context Failed and stops
// the walk, per spec.md §4.3's "prepare failure fails the connection".
func (d *Dispatcher) Prepare(conn *connection.Connection, readonly bool) error {
	span := d.cfg.SpanIDGenerator()
	t0 := d.cfg.TimeNow()
	d.cfg.SLogger.Info("chainPrepareStart", slog.String("span", span), slog.Time("t", t0))

	var err error
	for _, desc := range d.chain {
		if err = prepareContext(conn, desc, d.cfg, readonly); err != nil {
			break
		}
	}

	_, label := errno.Classify(err)
	d.cfg.SLogger.Info("chainPrepareDone",
		slog.String("span", span),
		slog.Any("err", err),
		slog.String("errClass", label),
		slog.Time("t0", t0),
		slog.Time("t", d.cfg.TimeNow()),
	)
	return err
}

// Finalize walks the chain outermost-to-innermost, calling each open
// layer's Finalize callback. Unlike Open/Prepare, Finalize does not
// stop at the first error: every layer gets a chance to flush, and the
// first error encountered is returned after the full walk completes,
// per spec.md §4.3's teardown ordering.
func (d *Dispatcher) Finalize(conn *connection.Connection) error {
	span := d.cfg.SpanIDGenerator()
	t0 := d.cfg.TimeNow()
	d.cfg.SLogger.Info("chainFinalizeStart", slog.String("span", span), slog.Time("t", t0))

	var firstErr error
	for i := len(d.chain) - 1; i >= 0; i-- {
		if err := finalizeContext(conn, d.chain[i], d.cfg); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	_, label := errno.Classify(firstErr)
	d.cfg.SLogger.Info("chainFinalizeDone",
		slog.String("span", span),
		slog.Any("err", firstErr),
		slog.String("errClass", label),
		slog.Time("t0", t0),
		slog.Time("t", d.cfg.TimeNow()),
	)
	return firstErr
}

// Close walks the chain outermost-to-innermost, calling each open
// layer's Close callback and clearing its Context. Close never fails:
// a layer's Close callback has no error return, matching spec.md §4.1.
//
// Close takes layer.UnloadLock for reading for its duration, like Open.
func (d *Dispatcher) Close(conn *connection.Connection) {
	layer.UnloadLock.RLock()
	defer layer.UnloadLock.RUnlock()

	span := d.cfg.SpanIDGenerator()
	d.cfg.SLogger.Info("chainClose", slog.String("span", span), slog.Time("t", d.cfg.TimeNow()))

	for i := len(d.chain) - 1; i >= 0; i-- {
		closeContext(conn, d.chain[i], d.cfg)
	}
}

// prepareContext invokes desc's Prepare callback (or forwards to the
// inner neighbour if desc left it nil) against conn's Context for desc.
func prepareContext(conn *connection.Connection, desc *layer.Descriptor, cfg *nbdcore.Config, readonly bool) error {
	ctx := conn.Context(desc.Index)
	if ctx == nil {
		return fmt.Errorf("chain: layer %q: %w", desc.Name, ErrNotOpen)
	}
	if ctx.State().Has(nbdctx.Connected) {
		return nil
	}

	next := buildNextOps(conn, desc.Next, cfg)
	var err error
	switch {
	case desc.Ops.Prepare != nil:
		err = desc.Ops.Prepare(ctx.Handle(), readonly, next)
	case desc.Next != nil:
		err = next.Prepare(readonly)
	}
	if err != nil {
		ctx.SetState(nbdctx.Failed)
		return fmt.Errorf("chain: prepare %q: %w", desc.Name, err)
	}
	ctx.SetState(nbdctx.Connected)
	return nil
}

// finalizeContext invokes desc's Finalize callback, if any, against
// conn's Context for desc. A layer never opened is a silent no-op. A
// Context already Failed returns its failure without calling the
// layer; a Context that never reached Connected (e.g. a neighbour of a
// layer that failed mid-Prepare) is also a silent no-op, per spec.md
// §4.3.
func finalizeContext(conn *connection.Connection, desc *layer.Descriptor, cfg *nbdcore.Config) error {
	ctx := conn.Context(desc.Index)
	if ctx == nil {
		return nil
	}
	if ctx.IsFailed() {
		return fmt.Errorf("chain: layer %q: %w", desc.Name, nbdctx.ErrFailed)
	}
	if !ctx.State().Has(nbdctx.Connected) {
		return nil
	}
	if desc.Ops.Finalize == nil {
		return nil
	}
	next := buildNextOps(conn, desc.Next, cfg)
	if err := desc.Ops.Finalize(ctx.Handle(), next); err != nil {
		return fmt.Errorf("chain: finalize %q: %w", desc.Name, err)
	}
	return nil
}

// closeContext invokes desc's Close callback, if any, resets the
// Context's cached export size (spec.md §9's resolved open question),
// and clears the Context from conn. A layer never opened is a silent
// no-op.
func closeContext(conn *connection.Connection, desc *layer.Descriptor, cfg *nbdcore.Config) {
	ctx := conn.Context(desc.Index)
	if ctx == nil {
		return
	}
	if desc.Ops.Close != nil {
		next := buildNextOps(conn, desc.Next, cfg)
		desc.Ops.Close(ctx.Handle(), next)
	}
	ctx.ResetExportSize()
	conn.ClearContext(desc.Index)
}
