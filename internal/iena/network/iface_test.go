package network

import (
	"errors"
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeInterfaces is an InterfaceProvider backed by static data.
type fakeInterfaces struct {
	ifaces []net.Interface
	addrs  map[string][]net.Addr
	err    error
}

func (f *fakeInterfaces) Interfaces() ([]net.Interface, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.ifaces, nil
}

func (f *fakeInterfaces) Addrs(ifi net.Interface) ([]net.Addr, error) {
	return f.addrs[ifi.Name], nil
}

func ipNet(s string) *net.IPNet {
	ip, n, err := net.ParseCIDR(s)
	if err != nil {
		panic(err)
	}
	n.IP = ip
	return n
}

func testInterfaces() *fakeInterfaces {
	return &fakeInterfaces{
		ifaces: []net.Interface{
			{Index: 2, Name: "eth0", Flags: net.FlagUp | net.FlagMulticast},
			{Index: 1, Name: "lo", Flags: net.FlagUp | net.FlagLoopback | net.FlagMulticast},
			{Index: 3, Name: "eth1", Flags: net.FlagUp | net.FlagMulticast},
			{Index: 4, Name: "eth2", Flags: net.FlagMulticast},
			{Index: 5, Name: "wg0", Flags: net.FlagUp},
			{Index: 6, Name: "eth3", Flags: net.FlagUp | net.FlagMulticast},
		},
		addrs: map[string][]net.Addr{
			"eth0": {ipNet("192.168.28.10/24"), ipNet("fe80::1/64")},
			"lo":   {ipNet("127.0.0.1/8")},
			"eth1": {ipNet("10.0.0.5/8")},
			"eth2": {ipNet("172.16.0.1/16")},
			"wg0":  {ipNet("10.99.0.1/24")},
			"eth3": {ipNet("fe80::3/64")},
		},
	}
}

func TestListInterfaces(t *testing.T) {
	infos, err := ListInterfaces(testInterfaces())
	require.NoError(t, err)
	require.Len(t, infos, 6)

	assert.Equal(t, "lo", infos[0].Name)
	assert.True(t, infos[0].Loopback)
	assert.Equal(t, "eth0", infos[1].Name)
	assert.Equal(t, []netip.Addr{netip.MustParseAddr("192.168.28.10")}, infos[1].IPv4)
	assert.True(t, infos[1].Up)
	assert.True(t, infos[1].Multicast)
	assert.False(t, infos[3].Up)
	assert.Empty(t, infos[5].IPv4)
}

func TestMulticastInterfaces(t *testing.T) {
	ifaces, err := MulticastInterfaces(testInterfaces())
	require.NoError(t, err)

	var names []string
	for _, ifi := range ifaces {
		names = append(names, ifi.Name)
	}
	assert.Equal(t, []string{"eth0", "eth1"}, names)
}

func TestInterfaceForAddr(t *testing.T) {
	p := testInterfaces()

	ifi, err := InterfaceForAddr(p, netip.MustParseAddr("10.0.0.5"))
	require.NoError(t, err)
	assert.Equal(t, "eth1", ifi.Name)

	ifi, err = InterfaceForAddr(p, netip.MustParseAddr("::ffff:192.168.28.10"))
	require.NoError(t, err)
	assert.Equal(t, "eth0", ifi.Name)

	_, err = InterfaceForAddr(p, netip.MustParseAddr("10.0.0.6"))
	assert.Error(t, err)
}

func TestInterfaceEnumerationError(t *testing.T) {
	p := &fakeInterfaces{err: errors.New("netlink unavailable")}

	_, err := ListInterfaces(p)
	assert.Error(t, err)
	_, err = MulticastInterfaces(p)
	assert.Error(t, err)
	_, err = InterfaceForAddr(p, netip.MustParseAddr("10.0.0.5"))
	assert.Error(t, err)
}
