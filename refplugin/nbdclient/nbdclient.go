// SPDX-License-Identifier: GPL-3.0-or-later

// Package nbdclient implements a forwarding plugin that relays data-path
// calls to an upstream endpoint dialed through dialpipe's composable
// pipeline (NewEndpointFunc, ConnectFunc, ObserveConnFunc,
// CancelWatchFunc, and optionally TLSHandshakeFunc).
//
// The upstream wire transport this plugin speaks is a minimal
// length-prefixed request/reply framing of our own, not the real NBD
// client protocol: only the interface a plugin exposes to the chain
// dispatcher is specified, and decoding a real NBD negotiation and
// block-size handshake is out of scope. Replies arrive out of order on
// a single reader goroutine and are correlated back to the blocked
// caller goroutine by cookie using [chain.Transaction].
package nbdclient

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"

	"github.com/bassosimone/nbdcore"
	"github.com/bassosimone/nbdcore/chain"
	"github.com/bassosimone/nbdcore/dialpipe"
	"github.com/bassosimone/nbdcore/errno"
	"github.com/bassosimone/nbdcore/extent"
	"github.com/bassosimone/nbdcore/layer"
)

// Config configures a single nbdclient plugin instance.
type Config struct {
	// Endpoint is the upstream address to dial.
	Endpoint netip.AddrPort

	// TLSConfig enables TLS when non-nil.
	TLSConfig *tls.Config

	// Size is the export size this plugin reports. Negotiating the real
	// upstream size is out of scope for this simplified transport, so
	// callers configure it statically, the way many nbdkit plugins take
	// a fixed "size" parameter.
	Size int64
}

// opcode identifies a forwarded operation on the wire.
type opcode byte

const (
	opRead opcode = iota + 1
	opWrite
	opFlush
	opTrim
	opZero
)

// handle is the per-connection state: the dialed transport, the
// pending-transaction table keyed by cookie, and the reader goroutine's
// lifetime.
type handle struct {
	conn     net.Conn
	readonly bool

	writeMu sync.Mutex

	mu         sync.Mutex
	nextCookie uint64
	pending    map[uint64]*pendingCall

	readerDone chan struct{}
}

// pendingCall pairs a [chain.Transaction] with the reply payload
// readLoop fills in before signaling it; Transaction itself only
// carries a completion error, not a payload, since most forwarded
// operations have none.
type pendingCall struct {
	txn   *chain.Transaction
	reply []byte
}

// New returns a Descriptor for an nbdclient plugin named name, dialing
// cfg.Endpoint using dcfg's dialer, error classifier, and logger. A
// client plugin is always the innermost layer, so index must be 0.
func New(name string, index int, cfg Config, dcfg *nbdcore.Config) (*layer.Descriptor, error) {
	if index != 0 {
		return nil, fmt.Errorf("nbdclient: %w: a plugin must be registered at index 0", errno.ErrInvalid)
	}

	ops := layer.Ops{
		Open: func(readonly bool, exportName string, next *layer.NextOps) (any, error) {
			conn, err := dial(context.Background(), cfg, dcfg)
			if err != nil {
				return nil, err
			}
			h := &handle{
				conn:       conn,
				readonly:   readonly,
				pending:    make(map[uint64]*pendingCall),
				readerDone: make(chan struct{}),
			}
			go h.readLoop()
			return h, nil
		},
		Close: func(h any, next *layer.NextOps) {
			hnd := h.(*handle)
			hnd.conn.Close()
			<-hnd.readerDone
		},

		CanWrite: func(h any, next *layer.NextOps) (layer.TriState, error) {
			if h.(*handle).readonly {
				return layer.No, nil
			}
			return layer.Yes, nil
		},
		CanFlush: func(h any, next *layer.NextOps) (layer.TriState, error) { return layer.Yes, nil },
		CanTrim:  func(h any, next *layer.NextOps) (layer.TriState, error) { return layer.Yes, nil },
		CanZero:  func(h any, next *layer.NextOps) (layer.ZeroMode, error) { return layer.ZeroNative, nil },
		CanFUA:   func(h any, next *layer.NextOps) (layer.FuaMode, error) { return layer.FuaNone, nil },
		GetSize:  func(h any, next *layer.NextOps) (int64, error) { return cfg.Size, nil },

		PRead: func(hnd any, next *layer.NextOps, buf []byte, offset int64, flags layer.Flags) error {
			h := hnd.(*handle)
			reply, err := h.roundTrip(opRead, offset, int64(len(buf)), flags, nil)
			if err != nil {
				return err
			}
			copy(buf, reply)
			return nil
		},
		PWrite: func(hnd any, next *layer.NextOps, data []byte, offset int64, flags layer.Flags) error {
			h := hnd.(*handle)
			_, err := h.roundTrip(opWrite, offset, int64(len(data)), flags, data)
			return err
		},
		Flush: func(hnd any, next *layer.NextOps, flags layer.Flags) error {
			h := hnd.(*handle)
			_, err := h.roundTrip(opFlush, 0, 0, flags, nil)
			return err
		},
		Trim: func(hnd any, next *layer.NextOps, length, offset int64, flags layer.Flags) error {
			h := hnd.(*handle)
			_, err := h.roundTrip(opTrim, offset, length, flags, nil)
			return err
		},
		Zero: func(hnd any, next *layer.NextOps, length, offset int64, flags layer.Flags) error {
			h := hnd.(*handle)
			_, err := h.roundTrip(opZero, offset, length, flags, nil)
			return err
		},
		Extents: func(hnd any, next *layer.NextOps, length, offset int64, flags layer.Flags) ([]extent.Record, error) {
			return []extent.Record{{Offset: offset, Length: length, Type: 0}}, nil
		},
		Cache: func(hnd any, next *layer.NextOps, length, offset int64, flags layer.Flags) error {
			return nil
		},
	}

	return layer.NewDescriptor(name, "", layer.Plugin, index, nil, ops)
}

// dial builds and runs the dialpipe pipeline to reach cfg.Endpoint,
// composing TLS into the pipeline only when cfg.TLSConfig is set.
func dial(ctx context.Context, cfg Config, dcfg *nbdcore.Config) (net.Conn, error) {
	endpointFn := dialpipe.NewEndpointFunc(cfg.Endpoint)
	connectFn := dialpipe.NewConnectFunc(dcfg, "tcp", dcfg.SLogger)
	observeFn := dialpipe.NewObserveConnFunc(dcfg, dcfg.SLogger)
	cancelFn := dialpipe.NewCancelWatchFunc()

	if cfg.TLSConfig == nil {
		pipeline := nbdcore.Compose4(endpointFn, connectFn, observeFn, cancelFn)
		return pipeline.Call(ctx, nbdcore.Unit{})
	}

	tlsFn := dialpipe.NewTLSHandshakeFunc(dcfg, cfg.TLSConfig, dcfg.SLogger)
	toTLSConn := nbdcore.Compose3(endpointFn, connectFn, tlsFn)
	tlsConn, err := toTLSConn.Call(ctx, nbdcore.Unit{})
	if err != nil {
		return nil, err
	}
	observed, err := observeFn.Call(ctx, net.Conn(tlsConn))
	if err != nil {
		return nil, err
	}
	return cancelFn.Call(ctx, observed)
}

// roundTrip sends a framed request and blocks on a [chain.Transaction]
// until readLoop delivers the matching reply, returning the reply
// payload (non-nil only for opRead).
func (h *handle) roundTrip(op opcode, offset, length int64, flags layer.Flags, payload []byte) ([]byte, error) {
	h.mu.Lock()
	cookie := h.nextCookie
	h.nextCookie++
	pc := &pendingCall{txn: chain.NewTransaction(cookie)}
	h.pending[cookie] = pc
	h.mu.Unlock()

	if err := h.sendRequest(cookie, op, offset, length, flags, payload); err != nil {
		h.mu.Lock()
		delete(h.pending, cookie)
		h.mu.Unlock()
		return nil, err
	}

	// A plugin has no connection-level shutdown channel to watch (see
	// reffilter/retry's Open-signature note); readLoop's failAllPending
	// is this handle's only other way to unblock a pending Wait.
	shutdown := make(chan struct{})
	if err := pc.txn.Wait(shutdown); err != nil {
		return nil, err
	}
	return pc.reply, nil
}

// sendRequest writes one framed request: cookie(8) op(1) flags(4)
// offset(8) length(8) [payload for opWrite].
func (h *handle) sendRequest(cookie uint64, op opcode, offset, length int64, flags layer.Flags, payload []byte) error {
	h.writeMu.Lock()
	defer h.writeMu.Unlock()

	var header [29]byte
	binary.BigEndian.PutUint64(header[0:8], cookie)
	header[8] = byte(op)
	binary.BigEndian.PutUint32(header[9:13], uint32(flags))
	binary.BigEndian.PutUint64(header[13:21], uint64(offset))
	binary.BigEndian.PutUint64(header[21:29], uint64(length))
	if _, err := h.conn.Write(header[:]); err != nil {
		return fmt.Errorf("nbdclient: write request: %w", err)
	}
	if op == opWrite {
		if _, err := h.conn.Write(payload); err != nil {
			return fmt.Errorf("nbdclient: write payload: %w", err)
		}
	}
	return nil
}

// readLoop demultiplexes replies until the connection closes, signaling
// any transaction still pending at that point with the read error.
func (h *handle) readLoop() {
	defer close(h.readerDone)
	for {
		reply, cookie, err := h.readReply()
		h.mu.Lock()
		pc, ok := h.pending[cookie]
		if ok {
			delete(h.pending, cookie)
		}
		h.mu.Unlock()
		if err != nil {
			if ok {
				pc.txn.Signal(err)
			}
			h.failAllPending(err)
			return
		}
		if ok {
			pc.reply = reply
			pc.txn.Signal(nil)
		}
	}
}

// readReply reads one framed reply: cookie(8) status(1) length(8)
// [payload].
func (h *handle) readReply() (payload []byte, cookie uint64, err error) {
	var header [17]byte
	if _, err := io.ReadFull(h.conn, header[:]); err != nil {
		return nil, 0, err
	}
	cookie = binary.BigEndian.Uint64(header[0:8])
	status := header[8]
	length := binary.BigEndian.Uint64(header[9:17])
	if status != 0 {
		return nil, cookie, fmt.Errorf("nbdclient: upstream reported failure: %w", errno.ErrInvalid)
	}
	if length == 0 {
		return nil, cookie, nil
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(h.conn, buf); err != nil {
		return nil, cookie, err
	}
	return buf, cookie, nil
}

// failAllPending signals every outstanding transaction with err, used
// when the reader loop exits because the connection broke.
func (h *handle) failAllPending(err error) {
	h.mu.Lock()
	pending := h.pending
	h.pending = make(map[uint64]*pendingCall)
	h.mu.Unlock()
	for _, pc := range pending {
		pc.txn.Signal(err)
	}
}
