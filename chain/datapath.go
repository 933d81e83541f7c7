// SPDX-License-Identifier: GPL-3.0-or-later

package chain

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/bassosimone/nbdcore"
	"github.com/bassosimone/nbdcore/connection"
	"github.com/bassosimone/nbdcore/errno"
	"github.com/bassosimone/nbdcore/extent"
	"github.com/bassosimone/nbdcore/layer"
	"github.com/bassosimone/nbdcore/nbdctx"
)

// Flag masks accepted per data-path operation. A flag outside the mask
// is a caller error classified as EINVAL. ENotSupported is reserved for
// the fast-zero-unsupported signal and must never be returned by any
// other precondition check in this file (spec.md §4.6, §7).
const (
	allowedPWriteFlags = layer.FUA
	allowedTrimFlags   = layer.FUA
	allowedZeroFlags   = layer.FUA | layer.MayTrim | layer.FastZero
	allowedExtentFlags = layer.ReqOne
)

// PRead reads len(buf) bytes at offset from conn's outermost layer.
func (d *Dispatcher) PRead(conn *connection.Connection, buf []byte, offset int64, flags layer.Flags) error {
	end, err := d.beginCall(conn)
	if err != nil {
		return err
	}
	defer end()
	t0 := d.cfg.TimeNow()
	err = pread(conn, d.Outermost(), d.cfg, buf, offset, flags)
	d.logDataPath("pread", t0, err)
	return err
}

// PWrite writes data at offset to conn's outermost layer.
func (d *Dispatcher) PWrite(conn *connection.Connection, data []byte, offset int64, flags layer.Flags) error {
	end, err := d.beginCall(conn)
	if err != nil {
		return err
	}
	defer end()
	t0 := d.cfg.TimeNow()
	err = pwrite(conn, d.Outermost(), d.cfg, data, offset, flags)
	d.logDataPath("pwrite", t0, err)
	return err
}

// Flush requests that conn's outermost layer durably persist all
// prior writes.
func (d *Dispatcher) Flush(conn *connection.Connection, flags layer.Flags) error {
	end, err := d.beginCall(conn)
	if err != nil {
		return err
	}
	defer end()
	t0 := d.cfg.TimeNow()
	err = flush(conn, d.Outermost(), d.cfg, flags)
	d.logDataPath("flush", t0, err)
	return err
}

// Trim discards length bytes at offset on conn's outermost layer.
func (d *Dispatcher) Trim(conn *connection.Connection, length, offset int64, flags layer.Flags) error {
	end, err := d.beginCall(conn)
	if err != nil {
		return err
	}
	defer end()
	t0 := d.cfg.TimeNow()
	err = trim(conn, d.Outermost(), d.cfg, length, offset, flags)
	d.logDataPath("trim", t0, err)
	return err
}

// Zero writes length zero bytes at offset on conn's outermost layer.
func (d *Dispatcher) Zero(conn *connection.Connection, length, offset int64, flags layer.Flags) error {
	end, err := d.beginCall(conn)
	if err != nil {
		return err
	}
	defer end()
	t0 := d.cfg.TimeNow()
	err = zero(conn, d.Outermost(), d.cfg, length, offset, flags)
	d.logDataPath("zero", t0, err)
	return err
}

// Extents reports the allocation status of length bytes at offset on
// conn's outermost layer.
func (d *Dispatcher) Extents(conn *connection.Connection, length, offset int64, flags layer.Flags) ([]extent.Record, error) {
	end, err := d.beginCall(conn)
	if err != nil {
		return nil, err
	}
	defer end()
	t0 := d.cfg.TimeNow()
	records, err := extentsOp(conn, d.Outermost(), d.cfg, length, offset, flags)
	d.logDataPath("extents", t0, err)
	return records, err
}

// Cache requests that conn's outermost layer warm any backing cache
// for length bytes at offset.
func (d *Dispatcher) Cache(conn *connection.Connection, length, offset int64, flags layer.Flags) error {
	end, err := d.beginCall(conn)
	if err != nil {
		return err
	}
	defer end()
	t0 := d.cfg.TimeNow()
	err = cacheOp(conn, d.Outermost(), d.cfg, length, offset, flags)
	d.logDataPath("cache", t0, err)
	return err
}

// beginCall registers conn's call as in-flight (so Drain waits for it)
// and fails fast with ESHUTDOWN if teardown has already begun.
func (d *Dispatcher) beginCall(conn *connection.Connection) (end func(), err error) {
	end = conn.BeginCall()
	if conn.IsShuttingDown() {
		end()
		return func() {}, fmt.Errorf("chain: %w", errno.ErrShutdown)
	}
	return end, nil
}

func (d *Dispatcher) logDataPath(op string, t0 time.Time, err error) {
	_, label := errno.Classify(err)
	d.cfg.SLogger.Debug(op,
		slog.Any("err", err),
		slog.String("errClass", label),
		slog.Time("t0", t0),
		slog.Time("t", d.cfg.TimeNow()),
	)
}

// checkConnected returns desc's Context if it exists, is Connected, and
// has not Failed; otherwise it returns a classifiable error.
func checkConnected(conn *connection.Connection, desc *layer.Descriptor) (*nbdctx.Context, error) {
	ctx := conn.Context(desc.Index)
	if ctx == nil || !ctx.State().Has(nbdctx.Connected) {
		return nil, fmt.Errorf("chain: layer %q: %w", desc.Name, ErrNotOpen)
	}
	if ctx.IsFailed() {
		return nil, fmt.Errorf("chain: layer %q: %w", desc.Name, nbdctx.ErrFailed)
	}
	return ctx, nil
}

// checkFlags rejects any bit outside allowed.
func checkFlags(descName string, flags, allowed layer.Flags) error {
	if flags&^allowed != 0 {
		return fmt.Errorf("chain: layer %q: invalid flags %#x: %w", descName, uint32(flags), errno.ErrInvalid)
	}
	return nil
}

// checkRange validates [offset, offset+length) against desc's own
// cached export size, per spec.md §4.6: every layer validates against
// its own notion of size, which may differ from its neighbours' (e.g. a
// partition filter narrowing the visible range).
func checkRange(conn *connection.Connection, desc *layer.Descriptor, cfg *nbdcore.Config, offset, length int64) error {
	sz, err := getSize(conn, desc, cfg)
	if err != nil {
		return err
	}
	if offset < 0 || length <= 0 || offset > sz || length > sz-offset {
		return fmt.Errorf("chain: layer %q: [%d,%d) out of range for size %d: %w", desc.Name, offset, offset+length, sz, errno.ErrInvalid)
	}
	return nil
}

func pread(conn *connection.Connection, desc *layer.Descriptor, cfg *nbdcore.Config, buf []byte, offset int64, flags layer.Flags) error {
	ctx, err := checkConnected(conn, desc)
	if err != nil {
		return err
	}
	if err := checkFlags(desc.Name, flags, 0); err != nil {
		return err
	}
	if err := checkRange(conn, desc, cfg, offset, int64(len(buf))); err != nil {
		return err
	}

	next := buildNextOps(conn, desc.Next, cfg)
	switch {
	case desc.Ops.PRead != nil:
		return desc.Ops.PRead(ctx.Handle(), next, buf, offset, flags)
	case desc.Next != nil:
		return next.PRead(buf, offset, flags)
	default:
		return fmt.Errorf("chain: layer %q: PRead: %w", desc.Name, ErrUnimplemented)
	}
}

func pwrite(conn *connection.Connection, desc *layer.Descriptor, cfg *nbdcore.Config, data []byte, offset int64, flags layer.Flags) error {
	ctx, err := checkConnected(conn, desc)
	if err != nil {
		return err
	}
	if err := checkFlags(desc.Name, flags, allowedPWriteFlags); err != nil {
		return err
	}
	cw, err := canWrite(conn, desc, cfg)
	if err != nil {
		return err
	}
	if cw != layer.Yes {
		return fmt.Errorf("chain: layer %q: PWrite: %w", desc.Name, errno.ErrReadOnly)
	}

	var fua layer.FuaMode
	if flags.Has(layer.FUA) {
		fua, err = canFUA(conn, desc, cfg)
		if err != nil {
			return err
		}
		if fua == layer.FuaNone {
			return fmt.Errorf("chain: layer %q: PWrite: FUA requested but unsupported: %w", desc.Name, errno.ErrInvalid)
		}
	}
	if err := checkRange(conn, desc, cfg, offset, int64(len(data))); err != nil {
		return err
	}

	next := buildNextOps(conn, desc.Next, cfg)
	switch {
	case desc.Ops.PWrite != nil:
		err = desc.Ops.PWrite(ctx.Handle(), next, data, offset, flags)
	case desc.Next != nil:
		err = next.PWrite(data, offset, flags)
	default:
		err = fmt.Errorf("chain: layer %q: PWrite: %w", desc.Name, ErrUnimplemented)
	}
	if err == nil && flags.Has(layer.FUA) && fua == layer.FuaEmulate {
		err = flush(conn, desc, cfg, 0)
	}
	return err
}

func flush(conn *connection.Connection, desc *layer.Descriptor, cfg *nbdcore.Config, flags layer.Flags) error {
	ctx, err := checkConnected(conn, desc)
	if err != nil {
		return err
	}
	if err := checkFlags(desc.Name, flags, 0); err != nil {
		return err
	}
	cf, err := canFlush(conn, desc, cfg)
	if err != nil {
		return err
	}
	if cf != layer.Yes {
		return fmt.Errorf("chain: layer %q: Flush: %w", desc.Name, errno.ErrInvalid)
	}

	next := buildNextOps(conn, desc.Next, cfg)
	switch {
	case desc.Ops.Flush != nil:
		return desc.Ops.Flush(ctx.Handle(), next, flags)
	case desc.Next != nil:
		return next.Flush(flags)
	default:
		return fmt.Errorf("chain: layer %q: Flush: %w", desc.Name, ErrUnimplemented)
	}
}

func trim(conn *connection.Connection, desc *layer.Descriptor, cfg *nbdcore.Config, length, offset int64, flags layer.Flags) error {
	ctx, err := checkConnected(conn, desc)
	if err != nil {
		return err
	}
	if err := checkFlags(desc.Name, flags, allowedTrimFlags); err != nil {
		return err
	}
	cw, err := canWrite(conn, desc, cfg)
	if err != nil {
		return err
	}
	if cw != layer.Yes {
		return fmt.Errorf("chain: layer %q: Trim: %w", desc.Name, errno.ErrReadOnly)
	}
	ct, err := canTrim(conn, desc, cfg)
	if err != nil {
		return err
	}
	if ct != layer.Yes {
		return fmt.Errorf("chain: layer %q: Trim: %w", desc.Name, errno.ErrInvalid)
	}

	var fua layer.FuaMode
	if flags.Has(layer.FUA) {
		fua, err = canFUA(conn, desc, cfg)
		if err != nil {
			return err
		}
		if fua == layer.FuaNone {
			return fmt.Errorf("chain: layer %q: Trim: FUA requested but unsupported: %w", desc.Name, errno.ErrInvalid)
		}
	}
	if err := checkRange(conn, desc, cfg, offset, length); err != nil {
		return err
	}

	next := buildNextOps(conn, desc.Next, cfg)
	switch {
	case desc.Ops.Trim != nil:
		err = desc.Ops.Trim(ctx.Handle(), next, length, offset, flags)
	case desc.Next != nil:
		err = next.Trim(length, offset, flags)
	default:
		err = fmt.Errorf("chain: layer %q: Trim: %w", desc.Name, ErrUnimplemented)
	}
	if err == nil && flags.Has(layer.FUA) && fua == layer.FuaEmulate {
		err = flush(conn, desc, cfg, 0)
	}
	return err
}

func zero(conn *connection.Connection, desc *layer.Descriptor, cfg *nbdcore.Config, length, offset int64, flags layer.Flags) error {
	ctx, err := checkConnected(conn, desc)
	if err != nil {
		return err
	}
	if err := checkFlags(desc.Name, flags, allowedZeroFlags); err != nil {
		return err
	}
	cw, err := canWrite(conn, desc, cfg)
	if err != nil {
		return err
	}
	if cw != layer.Yes {
		return fmt.Errorf("chain: layer %q: Zero: %w", desc.Name, errno.ErrReadOnly)
	}
	cz, err := canZero(conn, desc, cfg)
	if err != nil {
		return err
	}
	if cz == layer.ZeroNone {
		return fmt.Errorf("chain: layer %q: Zero: %w", desc.Name, errno.ErrInvalid)
	}
	if flags.Has(layer.FastZero) {
		fz, err := canFastZero(conn, desc, cfg)
		if err != nil {
			return err
		}
		if fz != layer.Yes {
			return fmt.Errorf("chain: layer %q: Zero: fast-zero not possible: %w", desc.Name, errno.ErrNotSupported)
		}
	}

	var fua layer.FuaMode
	if flags.Has(layer.FUA) {
		fua, err = canFUA(conn, desc, cfg)
		if err != nil {
			return err
		}
		if fua == layer.FuaNone {
			return fmt.Errorf("chain: layer %q: Zero: FUA requested but unsupported: %w", desc.Name, errno.ErrInvalid)
		}
	}
	if err := checkRange(conn, desc, cfg, offset, length); err != nil {
		return err
	}

	next := buildNextOps(conn, desc.Next, cfg)
	switch {
	case desc.Ops.Zero != nil:
		err = desc.Ops.Zero(ctx.Handle(), next, length, offset, flags)
	case desc.Next != nil:
		err = next.Zero(length, offset, flags)
	default:
		err = fmt.Errorf("chain: layer %q: Zero: %w", desc.Name, ErrUnimplemented)
	}
	if err != nil && !flags.Has(layer.FastZero) {
		if code, _ := errno.Classify(err); code == errno.ENotSupported {
			return fmt.Errorf("chain: layer %q: Zero: leaked not-supported outside fast-zero: %w", desc.Name, errno.ErrInvalid)
		}
	}
	if err == nil && flags.Has(layer.FUA) && fua == layer.FuaEmulate {
		err = flush(conn, desc, cfg, 0)
	}
	return err
}

// extentsOp reports the allocation status of [offset, offset+length).
// When the layer does not support extent queries, it synthesises the
// single-record "fully allocated, unknown contents" answer rather than
// calling into the layer, per spec.md §4.6's first fallback.
func extentsOp(conn *connection.Connection, desc *layer.Descriptor, cfg *nbdcore.Config, length, offset int64, flags layer.Flags) ([]extent.Record, error) {
	ctx, err := checkConnected(conn, desc)
	if err != nil {
		return nil, err
	}
	if err := checkFlags(desc.Name, flags, allowedExtentFlags); err != nil {
		return nil, err
	}
	if err := checkRange(conn, desc, cfg, offset, length); err != nil {
		return nil, err
	}

	ce, err := canExtents(conn, desc, cfg)
	if err != nil {
		return nil, err
	}
	if ce != layer.Yes {
		return []extent.Record{{Offset: offset, Length: length, Type: 0}}, nil
	}

	next := buildNextOps(conn, desc.Next, cfg)
	switch {
	case desc.Ops.Extents != nil:
		return desc.Ops.Extents(ctx.Handle(), next, length, offset, flags)
	case desc.Next != nil:
		return next.Extents(length, offset, flags)
	default:
		return nil, fmt.Errorf("chain: layer %q: Extents: %w", desc.Name, ErrUnimplemented)
	}
}

// cacheOp warms any backing cache for [offset, offset+length). When the
// layer only emulates caching, the dispatcher drives the emulation
// itself with a chunked, discard-the-data pread loop rather than
// calling into the layer, per spec.md §4.6's second fallback.
func cacheOp(conn *connection.Connection, desc *layer.Descriptor, cfg *nbdcore.Config, length, offset int64, flags layer.Flags) error {
	ctx, err := checkConnected(conn, desc)
	if err != nil {
		return err
	}
	if err := checkFlags(desc.Name, flags, 0); err != nil {
		return err
	}
	if err := checkRange(conn, desc, cfg, offset, length); err != nil {
		return err
	}

	cc, err := canCache(conn, desc, cfg)
	if err != nil {
		return err
	}
	switch cc {
	case layer.CacheNone:
		return fmt.Errorf("chain: layer %q: Cache: %w", desc.Name, errno.ErrInvalid)
	case layer.CacheEmulate:
		return emulateCache(conn, desc, cfg, length, offset)
	}

	next := buildNextOps(conn, desc.Next, cfg)
	switch {
	case desc.Ops.Cache != nil:
		return desc.Ops.Cache(ctx.Handle(), next, length, offset, flags)
	case desc.Next != nil:
		return next.Cache(length, offset, flags)
	default:
		return fmt.Errorf("chain: layer %q: Cache: %w", desc.Name, ErrUnimplemented)
	}
}

// emulateCache drives CacheEmulate by issuing ordinary reads through
// desc and discarding the result, in chunks bounded by
// cfg.MaxRequestSize, the way nbdkit's own cache-emulation does.
func emulateCache(conn *connection.Connection, desc *layer.Descriptor, cfg *nbdcore.Config, length, offset int64) error {
	chunk := cfg.MaxRequestSize
	if chunk <= 0 {
		chunk = nbdcore.DefaultMaxRequestSize
	}
	buf := make([]byte, chunk)
	for length > 0 {
		n := chunk
		if n > length {
			n = length
		}
		if err := pread(conn, desc, cfg, buf[:n], offset, 0); err != nil {
			return err
		}
		offset += n
		length -= n
	}
	return nil
}
