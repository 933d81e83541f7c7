// SPDX-License-Identifier: GPL-3.0-or-later

// Package chain implements the chain dispatcher: the component that
// turns a flat, registered list of layer Descriptors into the recursive
// open/prepare/finalize/close calls and the gated data-path calls the
// backend chain makes to each layer, plus the capability resolver's
// coupling rules between capability answers.
//
// A Dispatcher is immutable once constructed and is shared by every
// connection; all mutable, per-connection state lives in
// connection.Connection and nbdctx.Context. Re-entering the dispatcher
// from a filter's own Ops implementation (via the NextOps handle bound
// to its inner neighbour) is how a chain of N layers is walked: there
// is no separate tree-walking loop for the data path, only recursion
// through Go closures built by buildNextOps.
package chain

import (
	"github.com/bassosimone/nbdcore"
	"github.com/bassosimone/nbdcore/layer"
)

// Dispatcher binds an ordered, validated chain of layer Descriptors
// (innermost plugin at index 0, outermost filter last) to the
// connection-scope dispatch operations.
type Dispatcher struct {
	chain []*layer.Descriptor
	cfg   *nbdcore.Config
}

// New validates chain (ascending Index 0..k-1, index 0 a Plugin with no
// Next, every other entry a Filter whose Next points at the previous
// element) and returns a ready-to-use Dispatcher. A nil cfg is replaced
// by [nbdcore.NewConfig]'s defaults.
func New(chain []*layer.Descriptor, cfg *nbdcore.Config) (*Dispatcher, error) {
	if len(chain) == 0 {
		return nil, ErrEmptyChain
	}
	for i, d := range chain {
		if d.Index != i {
			return nil, layer.ErrInvalidChain
		}
		if i == 0 {
			if d.Next != nil || d.Kind != layer.Plugin {
				return nil, layer.ErrInvalidChain
			}
			continue
		}
		if d.Kind != layer.Filter || d.Next != chain[i-1] {
			return nil, layer.ErrInvalidChain
		}
	}
	if cfg == nil {
		cfg = nbdcore.NewConfig()
	}
	return &Dispatcher{chain: chain, cfg: cfg}, nil
}

// Depth returns the number of layers in the chain.
func (d *Dispatcher) Depth() int {
	return len(d.chain)
}

// Outermost returns the chain's outermost Descriptor, the one the wire
// codec (out of scope for this module) talks to directly.
func (d *Dispatcher) Outermost() *layer.Descriptor {
	return d.chain[len(d.chain)-1]
}

// Descriptor returns the Descriptor registered at index i, or nil if i
// is out of range.
func (d *Dispatcher) Descriptor(i int) *layer.Descriptor {
	if i < 0 || i >= len(d.chain) {
		return nil
	}
	return d.chain[i]
}
