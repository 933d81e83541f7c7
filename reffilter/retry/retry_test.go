// SPDX-License-Identifier: GPL-3.0-or-later

package retry_test

import (
	"errors"
	"testing"

	"github.com/bassosimone/nbdcore"
	"github.com/bassosimone/nbdcore/chain"
	"github.com/bassosimone/nbdcore/connection"
	"github.com/bassosimone/nbdcore/errno"
	"github.com/bassosimone/nbdcore/layer"
	"github.com/bassosimone/nbdcore/reffilter/retry"
	"github.com/stretchr/testify/require"
)

// flakyHandle fails its first PRead with an unclassified (hence
// EIO-mapped) error, then succeeds. It also counts Open calls so a
// test can confirm the retry filter actually reopened it.
type flakyHandle struct {
	opens    int
	attempts int
}

func newFlakyPlugin(t *testing.T) (*layer.Descriptor, *flakyHandle) {
	t.Helper()
	state := &flakyHandle{}
	desc, err := layer.NewDescriptor("flaky", "", layer.Plugin, 0, nil, layer.Ops{
		Open: func(readonly bool, exportName string, next *layer.NextOps) (any, error) {
			state.opens++
			return state, nil
		},
		CanWrite: func(h any, next *layer.NextOps) (layer.TriState, error) { return layer.Yes, nil },
		GetSize:  func(h any, next *layer.NextOps) (int64, error) { return 4096, nil },
		PRead: func(h any, next *layer.NextOps, buf []byte, offset int64, flags layer.Flags) error {
			s := h.(*flakyHandle)
			s.attempts++
			if s.attempts == 1 {
				return errors.New("transient glitch")
			}
			return nil
		},
	})
	require.NoError(t, err)
	return desc, state
}

func TestRetryRecoversFromTransientFailure(t *testing.T) {
	plugin, state := newFlakyPlugin(t)
	filter, err := retry.New("retry0", 1, plugin)
	require.NoError(t, err)

	d, err := chain.New([]*layer.Descriptor{plugin, filter}, nbdcore.NewConfig())
	require.NoError(t, err)
	conn := connection.New(2)

	require.NoError(t, d.Open(conn, false, "flaky"))
	require.NoError(t, d.Prepare(conn, false))

	buf := make([]byte, 16)
	require.NoError(t, d.PRead(conn, buf, 0, 0))
	require.Equal(t, 2, state.opens)
}

// nonTransientPlugin always fails PRead with a sentinel that classifies
// as EINVAL, which withRetry must not retry.
func newNonTransientPlugin(t *testing.T) *layer.Descriptor {
	t.Helper()
	desc, err := layer.NewDescriptor("bad", "", layer.Plugin, 0, nil, layer.Ops{
		Open:     func(readonly bool, exportName string, next *layer.NextOps) (any, error) { return nil, nil },
		CanWrite: func(h any, next *layer.NextOps) (layer.TriState, error) { return layer.Yes, nil },
		GetSize:  func(h any, next *layer.NextOps) (int64, error) { return 4096, nil },
		PRead: func(h any, next *layer.NextOps, buf []byte, offset int64, flags layer.Flags) error {
			return errno.ErrInvalid
		},
	})
	require.NoError(t, err)
	return desc
}

func TestRetryDoesNotRetryNonTransientFailure(t *testing.T) {
	plugin := newNonTransientPlugin(t)
	filter, err := retry.New("retry0", 1, plugin)
	require.NoError(t, err)

	d, err := chain.New([]*layer.Descriptor{plugin, filter}, nbdcore.NewConfig())
	require.NoError(t, err)
	conn := connection.New(2)

	require.NoError(t, d.Open(conn, false, "bad"))
	require.NoError(t, d.Prepare(conn, false))

	buf := make([]byte, 16)
	err = d.PRead(conn, buf, 0, 0)
	require.ErrorIs(t, err, errno.ErrInvalid)
}
