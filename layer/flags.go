// SPDX-License-Identifier: GPL-3.0-or-later

// Package layer defines the uniform capability surface every NBD
// backend layer (plugin or filter) exposes to the chain dispatcher and,
// for filters, to the layer above it.
package layer

// Flags is the bitfield of per-request flags carried on the wire.
// Values are stable per spec.md §6 and must not be renumbered.
type Flags uint32

// Wire flag values.
const (
	FUA      Flags = 1 << 0
	MayTrim  Flags = 1 << 1
	ReqOne   Flags = 1 << 2
	FastZero Flags = 1 << 3
)

// Has reports whether all bits in want are set in f.
func (f Flags) Has(want Flags) bool {
	return f&want == want
}

// TriState is the {yes, no, error} answer most capability queries give.
type TriState int8

const (
	No       TriState = 0
	Yes      TriState = 1
	TriError TriState = -1
)
