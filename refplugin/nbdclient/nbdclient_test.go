// SPDX-License-Identifier: GPL-3.0-or-later

package nbdclient_test

import (
	"encoding/binary"
	"io"
	"net"
	"net/netip"
	"testing"

	"github.com/bassosimone/nbdcore"
	"github.com/bassosimone/nbdcore/chain"
	"github.com/bassosimone/nbdcore/connection"
	"github.com/bassosimone/nbdcore/layer"
	"github.com/bassosimone/nbdcore/refplugin/nbdclient"
	"github.com/stretchr/testify/require"
)

// fakeUpstream accepts a single connection and answers every request;
// an opRead request gets a zeroed buffer of the requested length, since
// the test only exercises the framing, not real data.
func fakeUpstream(t *testing.T) netip.AddrPort {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	addr := netip.MustParseAddrPort(ln.Addr().String())

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			var header [29]byte
			if _, err := io.ReadFull(conn, header[:]); err != nil {
				return
			}
			cookie := binary.BigEndian.Uint64(header[0:8])
			op := header[8]
			length := binary.BigEndian.Uint64(header[21:29])

			if op == 2 { // opWrite: drain the payload
				buf := make([]byte, length)
				if _, err := io.ReadFull(conn, buf); err != nil {
					return
				}
			}

			var reply [17]byte
			binary.BigEndian.PutUint64(reply[0:8], cookie)
			reply[8] = 0
			replyLen := uint64(0)
			if op == 1 { // opRead: reply with `length` zero bytes
				replyLen = length
			}
			binary.BigEndian.PutUint64(reply[9:17], replyLen)
			if _, err := conn.Write(reply[:]); err != nil {
				return
			}
			if replyLen > 0 {
				if _, err := conn.Write(make([]byte, replyLen)); err != nil {
					return
				}
			}
		}
	}()

	return addr
}

func TestForwardedReadWrite(t *testing.T) {
	addr := fakeUpstream(t)
	dcfg := nbdcore.NewConfig()

	plugin, err := nbdclient.New("upstream0", 0, nbdclient.Config{
		Endpoint: addr,
		Size:     65536,
	}, dcfg)
	require.NoError(t, err)

	d, err := chain.New([]*layer.Descriptor{plugin}, dcfg)
	require.NoError(t, err)
	conn := connection.New(1)

	require.NoError(t, d.Open(conn, false, "upstream0"))
	require.NoError(t, d.Prepare(conn, false))

	buf := make([]byte, 32)
	require.NoError(t, d.PRead(conn, buf, 0, 0))
	require.Equal(t, make([]byte, 32), buf)

	require.NoError(t, d.PWrite(conn, []byte("hello upstream"), 0, 0))

	require.NoError(t, d.Finalize(conn))
	d.Close(conn)
}
