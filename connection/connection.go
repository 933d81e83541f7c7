// SPDX-License-Identifier: GPL-3.0-or-later

// Package connection implements the connection-scope registry: the
// dense, layer-indexed array of open Contexts and cached default-export
// names the dispatcher uses to serve one client connection, plus the
// shutdown/drain bookkeeping spec.md §5 and §7 describe.
package connection

import (
	"context"
	"sync"

	"github.com/bassosimone/nbdcore/nbdctx"
)

// Connection is the per-client state shared by every layer's Context in
// a chain. Depth is fixed at construction (one slot per layer); the
// contexts and default-export-name arrays are written only by the
// single thread performing open/close/default_export for this
// connection and are safe for concurrent reads once handshake
// completes, per spec.md §5.
type Connection struct {
	ExportName string
	UsingTLS   bool

	mu                 sync.RWMutex
	contexts           []*nbdctx.Context
	defaultExportName  []string
	defaultExportKnown []bool

	shutdownCtx context.Context
	cancel      context.CancelFunc
	inflight    sync.WaitGroup
}

// New creates a Connection with depth layer slots, all empty.
func New(depth int) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	return &Connection{
		contexts:           make([]*nbdctx.Context, depth),
		defaultExportName:  make([]string, depth),
		defaultExportKnown: make([]bool, depth),
		shutdownCtx:        ctx,
		cancel:             cancel,
	}
}

// Depth returns the number of layer slots.
func (c *Connection) Depth() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.contexts)
}

// Context returns the live Context for layer i, or nil if none exists.
func (c *Connection) Context(i int) *nbdctx.Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.contexts[i]
}

// SetContext installs the Context for layer i.
func (c *Connection) SetContext(i int, ctx *nbdctx.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contexts[i] = ctx
}

// ClearContext removes the Context for layer i, as done by Close.
func (c *Connection) ClearContext(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contexts[i] = nil
}

// DefaultExportName returns the memoised default-export answer for
// layer i and whether it is cached.
func (c *Connection) DefaultExportName(i int) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaultExportName[i], c.defaultExportKnown[i]
}

// SetDefaultExportName caches the default-export answer for layer i.
// Per spec.md §9's resolved open question, this cache is never
// invalidated across reopen.
func (c *Connection) SetDefaultExportName(i int, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultExportName[i] = name
	c.defaultExportKnown[i] = true
}

// Done returns a channel closed once the connection begins teardown.
// Data-path dispatch observed after this point must fail with
// errno.ErrShutdown rather than reach the layer.
func (c *Connection) Done() <-chan struct{} {
	return c.shutdownCtx.Done()
}

// IsShuttingDown reports whether teardown has begun.
func (c *Connection) IsShuttingDown() bool {
	select {
	case <-c.shutdownCtx.Done():
		return true
	default:
		return false
	}
}

// BeginCall registers one in-flight data-path call; the returned func
// must be deferred to mark it complete. Drain blocks until every
// registered call has completed.
func (c *Connection) BeginCall() (end func()) {
	c.inflight.Add(1)
	return c.inflight.Done
}

// Shutdown marks the connection as tearing down; subsequent BeginCall
// callers should check IsShuttingDown first and fail fast instead.
func (c *Connection) Shutdown() {
	c.cancel()
}

// Drain blocks until all in-flight data-path calls registered via
// BeginCall have completed. Call this before Finalize+Close during
// teardown, per spec.md §5 "cancellation ... drains outstanding
// requests before finalize+close".
func (c *Connection) Drain() {
	c.inflight.Wait()
}
