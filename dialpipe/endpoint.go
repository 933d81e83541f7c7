// SPDX-License-Identifier: GPL-3.0-or-later

package dialpipe

import (
	"net/netip"

	"github.com/bassosimone/nbdcore"
)

// NewEndpointFunc returns a [nbdcore.Func] that always returns the given [netip.AddrPort].
//
// This is a convenience wrapper around [nbdcore.ConstFunc] for the common case of
// injecting a network endpoint into a pipeline.
func NewEndpointFunc(endpoint netip.AddrPort) nbdcore.Func[nbdcore.Unit, netip.AddrPort] {
	return nbdcore.ConstFunc(endpoint)
}
