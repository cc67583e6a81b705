package transport

import (
	"context"
	"net/netip"
	"testing"

	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/stretchr/testify/require"

	"github.com/sambigeara/lonip/pkg/types"
)

func TestPickIPv4(t *testing.T) {
	ifaces := psnet.InterfaceStatList{
		{Name: "lo", Flags: []string{"up", "loopback"}, Addrs: psnet.InterfaceAddrList{{Addr: "127.0.0.1/8"}}},
		{Name: "eth1", Flags: []string{"broadcast"}, Addrs: psnet.InterfaceAddrList{{Addr: "10.9.9.9/24"}}},
		{Name: "eth0", Flags: []string{"up", "broadcast"}, Addrs: psnet.InterfaceAddrList{
			{Addr: "fe80::1/64"},
			{Addr: "169.254.1.1/16"},
			{Addr: "192.168.1.20/24"},
		}},
	}
	ip, err := pickIPv4(ifaces)
	require.NoError(t, err)
	require.Equal(t, netip.MustParseAddr("192.168.1.20"), ip)

	_, err = pickIPv4(ifaces[:2])
	require.ErrorIs(t, err, ErrNoAddress)
}

func TestUDPLoopback(t *testing.T) {
	loop := types.MustEndpoint("127.0.0.1:0")
	a, err := Listen(loop)
	require.NoError(t, err)
	defer a.Close()
	b, err := Listen(loop)
	require.NoError(t, err)

	require.NoError(t, a.SetTOS(0xB8))
	require.NotZero(t, b.LocalAddr().Port)

	require.NoError(t, a.Send(b.LocalAddr(), []byte("hello")))
	src, got, err := b.Recv(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), got)
	require.Equal(t, a.LocalAddr(), src)

	require.NoError(t, b.Close())
	_, _, err = b.Recv(context.Background())
	require.ErrorIs(t, err, ErrClosed)
}
