// SPDX-License-Identifier: GPL-3.0-or-later

// Package nbdctx implements the per-connection, per-layer Context: an
// open handle, a small state flag set, and memoised capability answers.
package nbdctx

import (
	"errors"
	"sync"

	"github.com/bassosimone/nbdcore/layer"
)

// ErrFailed is returned by any data-path dispatch attempted against a
// Context that has already been marked Failed.
var ErrFailed = errors.New("nbdctx: context has failed")

// State is the small flag set a Context moves through: Open, then
// Connected, then optionally Failed. Connected implies Open; once
// Failed is set it is never cleared.
type State uint8

const (
	Open      State = 1 << 0
	Connected State = 1 << 1
	Failed    State = 1 << 2
)

// Has reports whether all bits in want are set.
func (s State) Has(want State) bool {
	return s&want == want
}

// unknown is the cache sentinel for "not yet queried". It is also the
// numeric value of layer.TriError, so a failed query never pollutes the
// cache: callers simply don't persist it.
const unknown int8 = -1

// Context is per-connection, per-layer state: the layer's open handle,
// its state flags, and one cached answer per capability plus the export
// size. The zero value is not usable; construct with New.
type Context struct {
	Descriptor *layer.Descriptor

	mu    sync.Mutex
	state State
	handle any

	exportSize int64

	canWrite     int8
	canFlush     int8
	isRotational int8
	canTrim      int8
	canZero      int8
	canFastZero  int8
	canFUA       int8
	canMultiConn int8
	canCache     int8
	canExtents   int8
}

// New creates a Context for desc with all capability caches and the
// export size marked unknown. If readonly is set, CanWrite is
// pre-seeded to No per the open() contract in spec.md §4.3.
func New(desc *layer.Descriptor, readonly bool) *Context {
	c := &Context{
		Descriptor:   desc,
		exportSize:   -1,
		canWrite:     unknown,
		canFlush:     unknown,
		isRotational: unknown,
		canTrim:      unknown,
		canZero:      unknown,
		canFastZero:  unknown,
		canFUA:       unknown,
		canMultiConn: unknown,
		canCache:     unknown,
		canExtents:   unknown,
	}
	if readonly {
		c.canWrite = int8(layer.No)
	}
	return c
}

// State returns the current state flags.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState adds flags to the current state. Failed, once set, is sticky
// and SetState never clears an existing flag.
func (c *Context) SetState(flags State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state |= flags
}

// IsFailed reports whether Failed is set.
func (c *Context) IsFailed() bool {
	return c.State().Has(Failed)
}

// Handle returns the layer's opaque open handle.
func (c *Context) Handle() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

// SetHandle records the layer's open handle.
func (c *Context) SetHandle(h any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handle = h
}

// ExportSize returns the cached export size and whether it is known.
func (c *Context) ExportSize() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.exportSize < 0 {
		return 0, false
	}
	return c.exportSize, true
}

// SetExportSize caches a non-negative export size. Per spec.md §3 this
// is a write-once transition in practice (the dispatcher only calls it
// on the first successful GetSize), but repeated calls simply overwrite.
func (c *Context) SetExportSize(size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exportSize = size
}

// ResetExportSize marks the export size unknown again. Used by Close:
// spec.md §9 leaves "re-query get_size after reopen" ambiguous and
// resolves it by forgetting the cached size on close (see DESIGN.md).
func (c *Context) ResetExportSize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exportSize = -1
}

// cached returns the cached slot's value and whether it is known.
func cached(slot *int8) (int8, bool) {
	if *slot == unknown {
		return 0, false
	}
	return *slot, true
}

// memoize returns the cached value in slot, or computes, caches (on
// success only), and returns a fresh one. This is the single mechanism
// implementing capability monotonicity (testable property 2): once a
// non-error value is cached it is never recomputed.
func (c *Context) memoize(slot *int8, compute func() (int8, error)) (int8, error) {
	c.mu.Lock()
	if v, ok := cached(slot); ok {
		c.mu.Unlock()
		return v, nil
	}
	c.mu.Unlock()

	v, err := compute()
	if err != nil {
		return unknown, err
	}

	c.mu.Lock()
	*slot = v
	c.mu.Unlock()
	return v, nil
}
