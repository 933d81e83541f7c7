// SPDX-License-Identifier: GPL-3.0-or-later

package memory

import (
	"testing"

	"github.com/bassosimone/nbdcore/layer"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsNonZeroIndex(t *testing.T) {
	_, err := New("mem0", 1, 1024)
	require.Error(t, err)
}

func TestReadWriteRoundTrip(t *testing.T) {
	desc, err := New("mem0", 0, 4096)
	require.NoError(t, err)

	h, err := desc.Ops.Open(false, "mem0", nil)
	require.NoError(t, err)

	data := []byte("hello, nbd")
	require.NoError(t, desc.Ops.PWrite(h, nil, data, 512, 0))

	buf := make([]byte, len(data))
	require.NoError(t, desc.Ops.PRead(h, nil, buf, 512, 0))
	require.Equal(t, data, buf)

	require.NoError(t, desc.Ops.Zero(h, nil, int64(len(data)), 512, 0))
	require.NoError(t, desc.Ops.PRead(h, nil, buf, 512, 0))
	require.Equal(t, make([]byte, len(data)), buf)
}

func TestCapabilities(t *testing.T) {
	desc, err := New("mem0", 0, 4096)
	require.NoError(t, err)

	cw, err := desc.Ops.CanWrite(nil, nil)
	require.NoError(t, err)
	require.Equal(t, layer.Yes, cw)

	cz, err := desc.Ops.CanZero(nil, nil)
	require.NoError(t, err)
	require.Equal(t, layer.ZeroNative, cz)

	sz, err := desc.Ops.GetSize(nil, nil)
	require.NoError(t, err)
	require.Equal(t, int64(4096), sz)
}
