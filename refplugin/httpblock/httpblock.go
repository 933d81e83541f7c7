// SPDX-License-Identifier: GPL-3.0-or-later

// Package httpblock implements a read-only plugin that serves reads as
// HTTP range-GET requests against a remote URL, using dialpipe's
// composable Connect/TLS/HTTPConn pipeline. It is grounded on nbdkit's
// bundled "curl" plugin restricted to the read-only, single-URL case.
package httpblock

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strconv"

	"github.com/bassosimone/nbdcore"
	"github.com/bassosimone/nbdcore/dialpipe"
	"github.com/bassosimone/nbdcore/errno"
	"github.com/bassosimone/nbdcore/extent"
	"github.com/bassosimone/nbdcore/layer"
)

// Config configures a single httpblock plugin instance.
type Config struct {
	// Endpoint is the HTTP server to connect to.
	Endpoint netip.AddrPort

	// URL is the resource to GET range requests against.
	URL string

	// TLSConfig enables HTTPS when non-nil.
	TLSConfig *tls.Config

	// Size is the export size this plugin reports, normally obtained
	// out of band (e.g. a prior HEAD request); negotiating it as part
	// of Open is out of scope here.
	Size int64
}

// handle is the per-connection state: one dialed [*dialpipe.HTTPConn],
// reused across range-GETs for the life of the connection.
type handle struct {
	hc  *dialpipe.HTTPConn
	url string
}

// New returns a Descriptor for a read-only httpblock plugin. A plugin
// is always the innermost layer, so index must be 0.
func New(name string, index int, cfg Config, dcfg *nbdcore.Config) (*layer.Descriptor, error) {
	if index != 0 {
		return nil, fmt.Errorf("httpblock: %w: a plugin must be registered at index 0", errno.ErrInvalid)
	}

	ops := layer.Ops{
		Open: func(readonly bool, exportName string, next *layer.NextOps) (any, error) {
			if !readonly {
				return nil, fmt.Errorf("httpblock: %w: export is read-only", errno.ErrReadOnly)
			}
			hc, err := dial(context.Background(), cfg, dcfg)
			if err != nil {
				return nil, err
			}
			return &handle{hc: hc, url: cfg.URL}, nil
		},
		Close: func(h any, next *layer.NextOps) {
			h.(*handle).hc.Close()
		},

		CanWrite: func(h any, next *layer.NextOps) (layer.TriState, error) { return layer.No, nil },
		CanFlush: func(h any, next *layer.NextOps) (layer.TriState, error) { return layer.Yes, nil },
		GetSize:  func(h any, next *layer.NextOps) (int64, error) { return cfg.Size, nil },

		PRead: func(h any, next *layer.NextOps, buf []byte, offset int64, flags layer.Flags) error {
			return h.(*handle).rangeGet(buf, offset)
		},
		Flush: func(h any, next *layer.NextOps, flags layer.Flags) error { return nil },
		Extents: func(h any, next *layer.NextOps, length, offset int64, flags layer.Flags) ([]extent.Record, error) {
			return []extent.Record{{Offset: offset, Length: length, Type: 0}}, nil
		},
	}

	return layer.NewDescriptor(name, "", layer.Plugin, index, nil, ops)
}

// dial reaches cfg.Endpoint and wraps the resulting connection in an
// [*dialpipe.HTTPConn], composing TLS into the pipeline only when
// cfg.TLSConfig is set.
func dial(ctx context.Context, cfg Config, dcfg *nbdcore.Config) (*dialpipe.HTTPConn, error) {
	endpointFn := dialpipe.NewEndpointFunc(cfg.Endpoint)
	connectFn := dialpipe.NewConnectFunc(dcfg, "tcp", dcfg.SLogger)

	if cfg.TLSConfig == nil {
		httpFn := dialpipe.NewHTTPConnFuncPlain(dcfg, dcfg.SLogger)
		pipeline := nbdcore.Compose3(endpointFn, connectFn, httpFn)
		return pipeline.Call(ctx, nbdcore.Unit{})
	}

	tlsFn := dialpipe.NewTLSHandshakeFunc(dcfg, cfg.TLSConfig, dcfg.SLogger)
	httpFn := dialpipe.NewHTTPConnFuncTLS(dcfg, dcfg.SLogger)
	pipeline := nbdcore.Compose4(endpointFn, connectFn, tlsFn, httpFn)
	return pipeline.Call(ctx, nbdcore.Unit{})
}

// rangeGet issues a single-range GET covering len(buf) bytes at offset
// and copies the response body into buf.
func (h *handle) rangeGet(buf []byte, offset int64) error {
	req, err := http.NewRequest(http.MethodGet, h.url, nil)
	if err != nil {
		return fmt.Errorf("httpblock: %w", err)
	}
	last := offset + int64(len(buf)) - 1
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, last))

	resp, err := h.hc.RoundTrip(req)
	if err != nil {
		return fmt.Errorf("httpblock: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("httpblock: unexpected status %s", resp.Status)
	}
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		if n, err := strconv.Atoi(cl); err == nil && n != len(buf) {
			return fmt.Errorf("httpblock: short range reply (%d of %d bytes)", n, len(buf))
		}
	}
	_, err = io.ReadFull(resp.Body, buf)
	if err != nil {
		return fmt.Errorf("httpblock: %w", err)
	}
	return nil
}
