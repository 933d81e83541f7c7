// SPDX-License-Identifier: GPL-3.0-or-later

// Package extent implements the append-only, contiguity-checked extent
// list used by the chain dispatcher to answer "extents" queries.
package extent

import (
	"errors"
	"math"
)

// ErrRange indicates a programming error: an out-of-range Create, a
// non-contiguous Add, or a record that begins past the list's start.
// Per the error handling design, this is surfaced synchronously rather
// than recovered from.
var ErrRange = errors.New("extent: range violation")

// MaxExtents bounds the number of records a List may hold. Additions
// beyond the cap are silently dropped; see (*List).Add.
const MaxExtents = 1 << 20

// Bit values for Record.Type. Future bits must be chosen so that 0
// remains the safe default (allocated, non-hole, non-zero data).
const (
	Hole Type = 1 << 0
	Zero Type = 1 << 1
)

// Type is the extent type bitfield.
type Type uint32

// Record describes one contiguous, typed region of an extent list.
type Record struct {
	Offset int64
	Length int64
	Type   Type
}

// List is an append-only, contiguity-checked sequence of Records
// covering the half-open range [Start, End).
//
// The zero value is not usable; construct with Create.
type List struct {
	Start int64
	End   int64

	records []Record
	next    int64
	started bool
}

// Create returns a new List covering [start, end). Both endpoints must
// be non-negative and no greater than math.MaxInt64, and start must not
// exceed end; an empty range (start == end) is legal.
func Create(start, end int64) (*List, error) {
	if start < 0 || end < 0 || start > math.MaxInt64 || end > math.MaxInt64 || start > end {
		return nil, ErrRange
	}
	return &List{Start: start, End: end}, nil
}

// Records returns the list's records in ascending, contiguous order.
// The returned slice must not be mutated by the caller.
func (l *List) Records() []Record {
	return l.records
}

// Len returns the number of stored records.
func (l *List) Len() int {
	return len(l.records)
}

// Add appends a record as described at offset with the given length and
// type, applying contiguity checking, tail clipping, first-record head
// clipping, cap enforcement, and type coalescing per the extent list
// component design.
//
// Add always advances the internal "next legal offset" cursor to
// offset+length before returning, even when the record is dropped or
// rejected, so that a subsequent out-of-order call fails deterministically.
func (l *List) Add(offset, length int64, typ Type) (err error) {
	attemptedNext := offset + length
	defer func() {
		l.next = attemptedNext
		l.started = true
	}()

	if l.started && offset != l.next {
		return ErrRange
	}
	if length == 0 {
		return nil
	}
	if offset >= l.End {
		return nil
	}

	clippedOffset, clippedLength := offset, length
	if offset+length > l.End {
		clippedLength = l.End - offset
	}
	recEnd := clippedOffset + clippedLength

	if len(l.records) == 0 {
		switch {
		case recEnd <= l.Start:
			return nil
		case clippedOffset > l.Start:
			return ErrRange
		case clippedOffset < l.Start:
			clippedLength = recEnd - l.Start
			clippedOffset = l.Start
		}
	}

	if len(l.records) >= MaxExtents {
		return nil
	}

	if n := len(l.records); n > 0 && l.records[n-1].Type == typ {
		l.records[n-1].Length += clippedLength
		return nil
	}
	l.records = append(l.records, Record{Offset: clippedOffset, Length: clippedLength, Type: typ})
	return nil
}
