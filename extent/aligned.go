// SPDX-License-Identifier: GPL-3.0-or-later

package extent

// QueryFunc issues one inner "extents" query starting at offset and
// returns the records the inner layer reported. AlignedQuery calls it
// as many times as needed to accumulate align bytes' worth of coverage.
type QueryFunc func(offset int64) ([]Record, error)

// AlignedQuery delivers the inner layer's extents re-bucketised to a
// single record of exactly align bytes (or less, only if the inner
// source is exhausted before align bytes of coverage are available).
//
// It accumulates successive inner records starting at offset, clamping
// the final contributor so the total never exceeds align, then merges
// the contributors into one record whose type is the bitwise AND of
// every contributor's type (a byte is a hole only if all contributing
// sources agree it is).
func AlignedQuery(align int64, offset int64, query QueryFunc) (Record, error) {
	if align <= 0 {
		return Record{}, ErrRange
	}

	var total int64
	var typ Type
	first := true
	cur := offset

	for total < align {
		recs, err := query(cur)
		if err != nil {
			return Record{}, err
		}
		if len(recs) == 0 {
			break
		}
		for _, r := range recs {
			take := r.Length
			if total+take > align {
				take = align - total
			}
			if take <= 0 {
				break
			}
			if first {
				typ = r.Type
				first = false
			} else {
				typ &= r.Type
			}
			total += take
			cur += take
			if total >= align {
				break
			}
		}
	}

	return Record{Offset: offset, Length: total, Type: typ}, nil
}
