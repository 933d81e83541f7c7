// SPDX-License-Identifier: GPL-3.0-or-later

package chain

import (
	"fmt"

	"github.com/bassosimone/nbdcore"
	"github.com/bassosimone/nbdcore/connection"
	"github.com/bassosimone/nbdcore/layer"
)

// ListExports returns the chain's exports, as answered by the
// outermost layer. Per spec.md §4.4 this is called with no open
// Context: a layer answering it may still recurse into its inner
// neighbour via NextOps, but no Context exists for any layer during
// the call.
func (d *Dispatcher) ListExports(readonly bool) ([]layer.ExportInfo, error) {
	return listExports(d.Outermost(), readonly, d.cfg)
}

// DefaultExport resolves the empty-export-name case for conn by asking
// the outermost layer, caching the answer per layer index in conn so a
// subsequent reopen reuses it without re-querying any layer (spec.md
// §9's resolved open question: this cache is never invalidated across
// reopen).
func (d *Dispatcher) DefaultExport(conn *connection.Connection, readonly bool) (string, error) {
	return defaultExport(conn, d.Outermost(), readonly, d.cfg)
}

// listExports asks desc for its exports and, per spec.md §4.4, synthesises
// a single entry for the layer's declared default export when the layer
// reports none. Entries whose name or description exceeds the protocol's
// 4096-byte limit are dropped (a name over the limit makes the whole
// entry unusable; an over-length description is dropped to empty).
func listExports(desc *layer.Descriptor, readonly bool, cfg *nbdcore.Config) ([]layer.ExportInfo, error) {
	next := buildNextOps(nil, desc.Next, cfg)
	var list []layer.ExportInfo
	var err error
	switch {
	case desc.Ops.ListExports != nil:
		list, err = desc.Ops.ListExports(readonly, next)
	case desc.Next != nil:
		list, err = next.ListExports(readonly)
	}
	if err != nil {
		return nil, err
	}

	if len(list) == 0 {
		name, err := resolveDefaultExportName(desc, readonly, next)
		if err != nil {
			return nil, err
		}
		list = []layer.ExportInfo{{Name: name}}
	}

	filtered := make([]layer.ExportInfo, 0, len(list))
	for _, info := range list {
		if len(info.Name) > layer.MaxStringLen {
			continue
		}
		if len(info.Description) > layer.MaxStringLen {
			info.Description = ""
		}
		filtered = append(filtered, info)
	}
	return filtered, nil
}

// resolveDefaultExportName dispatches the DefaultExport op down to desc
// (or its inner neighbour) with no caching, used both by listExports'
// synthesis and defaultExport's cached, connection-scoped lookup.
func resolveDefaultExportName(desc *layer.Descriptor, readonly bool, next *layer.NextOps) (string, error) {
	var name string
	var err error
	switch {
	case desc.Ops.DefaultExport != nil:
		name, err = desc.Ops.DefaultExport(readonly, next)
	case desc.Next != nil:
		name, err = next.DefaultExport(readonly)
	default:
		return "", fmt.Errorf("chain: layer %q: DefaultExport: %w", desc.Name, ErrUnimplemented)
	}
	if err != nil {
		return "", err
	}
	if name == "" {
		return "", fmt.Errorf("chain: layer %q returned an empty default export name", desc.Name)
	}
	if len(name) > layer.MaxStringLen {
		return "", fmt.Errorf("chain: layer %q: default export name exceeds %d bytes", desc.Name, layer.MaxStringLen)
	}
	return name, nil
}

func defaultExport(conn *connection.Connection, desc *layer.Descriptor, readonly bool, cfg *nbdcore.Config) (string, error) {
	if name, ok := conn.DefaultExportName(desc.Index); ok {
		return name, nil
	}

	next := buildNextOps(conn, desc.Next, cfg)
	name, err := resolveDefaultExportName(desc, readonly, next)
	if err != nil {
		return "", err
	}

	conn.SetDefaultExportName(desc.Index, name)
	return name, nil
}
