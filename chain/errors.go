// SPDX-License-Identifier: GPL-3.0-or-later

package chain

import "errors"

// ErrEmptyChain indicates a Dispatcher was constructed with no layers.
var ErrEmptyChain = errors.New("chain: empty chain")

// ErrNotOpen indicates an operation was attempted against a layer with
// no open Context, or in a state that does not permit the operation
// (e.g. a data-path call before Prepare has run).
var ErrNotOpen = errors.New("chain: layer not open")

// ErrUnimplemented indicates a plugin (the innermost layer) left a
// mandatory operation's Ops field nil, with no inner neighbour to
// forward to.
var ErrUnimplemented = errors.New("chain: plugin left a mandatory operation unimplemented")
