// SPDX-License-Identifier: GPL-3.0-or-later

package layer

import (
	"errors"
	"sync"
)

// ErrInvalidName indicates a layer name fails the naming rule: non-empty,
// first byte in [A-Za-z0-9], remainder in [A-Za-z0-9-].
var ErrInvalidName = errors.New("layer: invalid name")

// ErrInvalidChain indicates a chain invariant violation: indices are not
// 0..k-1 in order, or more than one (or zero) layers lack a Next.
var ErrInvalidChain = errors.New("layer: invalid chain")

// Kind distinguishes a plugin (innermost data source) from a filter
// (a transforming interposer with an inner neighbour).
type Kind int

const (
	Plugin Kind = iota
	Filter
)

// Descriptor is a layer's immutable registration record. Index 0 is the
// innermost plugin; indices increase outward. Next is the inner
// neighbour and is nil iff Index == 0.
type Descriptor struct {
	Name     string
	Filename string
	Kind     Kind
	Index    int
	Next     *Descriptor
	Ops      Ops
}

// ValidateName checks the layer naming rule from spec.md §6.
func ValidateName(name string) error {
	if len(name) == 0 {
		return ErrInvalidName
	}
	if !isAlnum(name[0]) {
		return ErrInvalidName
	}
	for i := 1; i < len(name); i++ {
		c := name[i]
		if !isAlnum(c) && c != '-' {
			return ErrInvalidName
		}
	}
	return nil
}

func isAlnum(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z':
		return true
	case c >= 'a' && c <= 'z':
		return true
	case c >= '0' && c <= '9':
		return true
	default:
		return false
	}
}

// NewDescriptor validates name and the Index/Next relationship
// (Index == 0 iff Next == nil) and returns a ready-to-register
// Descriptor.
func NewDescriptor(name, filename string, kind Kind, index int, next *Descriptor, ops Ops) (*Descriptor, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if (index == 0) != (next == nil) {
		return nil, ErrInvalidChain
	}
	if next != nil && next.Index != index-1 {
		return nil, ErrInvalidChain
	}
	return &Descriptor{
		Name:     name,
		Filename: filename,
		Kind:     kind,
		Index:    index,
		Next:     next,
		Ops:      ops,
	}, nil
}

// UnloadLock is the process-wide lock for layer Unload callbacks: the
// caller running an Unload callback takes it exclusively. In package
// chain, Dispatcher.Open and Dispatcher.Close take it in shared mode;
// Prepare, Finalize, the capability queries and the data-path calls do
// not take it, so they are not excluded while an Unload runs.
var UnloadLock sync.RWMutex
